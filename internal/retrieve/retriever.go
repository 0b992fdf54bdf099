package retrieve

import (
	"context"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/QianWanghhu/oconnell-runner/internal/engine"
	"github.com/QianWanghhu/oconnell-runner/internal/fsutil"
	"github.com/QianWanghhu/oconnell-runner/internal/monitoring"
	"github.com/QianWanghhu/oconnell-runner/internal/security"
	"github.com/QianWanghhu/oconnell-runner/internal/stats"
)

// EmptyWindowError reports a run with no rows for the output of interest.
type EmptyWindowError struct {
	RunURL   string
	Location string
	Variable string
}

func (e *EmptyWindowError) Error() string {
	return fmt.Sprintf("no results for run %s: node of interest %q, variable of interest %q",
		e.RunURL, e.Location, e.Variable)
}

// Options configure a Retriever. Zero values select the defaults.
type Options struct {
	OutputDir      string
	SaveRaw        bool
	Quantiles      []float64
	QuantileMethod stats.QuantileMethod
	TrailingYears  int
	FS             fsutil.FileSystem
}

// Retriever turns the engine's run history into result tables.
type Retriever struct {
	engine engine.Engine
	filter Filter
	opts   Options
}

// New creates a Retriever.
func New(e engine.Engine, f Filter, opts Options) (*Retriever, error) {
	if opts.Quantiles == nil {
		opts.Quantiles = stats.DefaultQuantiles
	}
	if err := stats.ValidateLevels(opts.Quantiles); err != nil {
		return nil, err
	}
	if opts.QuantileMethod == "" {
		opts.QuantileMethod = stats.Linear
	}
	if opts.TrailingYears <= 0 {
		opts.TrailingYears = stats.DefaultTrailingYears
	}
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	r := &Retriever{engine: e, filter: f, opts: opts}
	if opts.SaveRaw {
		if err := security.ValidateFilename(r.rawName(Batch{})); err != nil {
			return nil, fmt.Errorf("raw output: %w", err)
		}
	}
	return r, nil
}

// Batch identifies the samples whose runs are being collected. Runs are
// assumed to be listed in sample order starting at FirstSample.
type Batch struct {
	Index       int
	FirstSample int
	LastSample  int
}

// RawPath returns where raw series for the batch are written:
// <dir>/<last sample + 1>_low<node><first four characters of variable>.csv.
func (r *Retriever) RawPath(b Batch) string {
	return filepath.Join(r.opts.OutputDir, r.rawName(b))
}

func (r *Retriever) rawName(b Batch) string {
	variable := []rune(r.filter.RecordingVariable)
	if len(variable) > 4 {
		variable = variable[:4]
	}
	return fmt.Sprintf("%d_low%s%s.csv", b.LastSample+1, r.filter.NetworkElement, string(variable))
}

type runWindow struct {
	dates  []time.Time
	values []float64
}

// Process collects every run currently held by the engine, summarises the
// output of interest and appends the results to prev.
func (r *Retriever) Process(ctx context.Context, b Batch, prev *Table) (*Table, error) {
	runs, err := r.engine.RetrieveRuns(ctx)
	if err != nil {
		return nil, err
	}
	if want := b.LastSample - b.FirstSample + 1; len(runs) != want {
		monitoring.Logf("WARNING: batch %d holds %d runs, expected %d", b.Index, len(runs), want)
	}

	batch := NewTable(r.opts.Quantiles)
	raw := make([]runWindow, 0, len(runs))
	for k, run := range runs {
		res, win, err := r.processRun(ctx, run)
		if err != nil {
			return nil, err
		}
		res.Sample = b.FirstSample + k
		res.Batch = b.Index
		batch.Results = append(batch.Results, res)
		raw = append(raw, win)
		monitoring.Debugf("run %s: sample %d mean=%g std=%g over %s..%s",
			run.URL, res.Sample, res.Mean, res.Std,
			res.WindowStart.Format(time.DateOnly), res.WindowEnd.Format(time.DateOnly))
	}

	if r.opts.SaveRaw {
		if err := r.writeRaw(r.RawPath(b), raw); err != nil {
			return nil, err
		}
	}
	return prev.Merge(batch)
}

func (r *Retriever) processRun(ctx context.Context, run engine.Run) (Result, runWindow, error) {
	empty := &EmptyWindowError{RunURL: run.URL, Location: r.filter.NetworkElement, Variable: r.filter.RecordingVariable}

	series, err := r.engine.RetrieveMultipleTimeSeries(ctx, run.URL, r.filter.Criteria(), r.filter.nameFunc())
	if err != nil {
		return Result{}, runWindow{}, err
	}

	// The window ends at the last date of any retrieved series, matching a
	// date-aligned frame of all matches.
	var last time.Time
	var node *engine.Series
	for i := range series {
		if l, ok := series[i].Last(); ok && l.After(last) {
			last = l
		}
		if node == nil && series[i].Name == r.filter.NetworkElement {
			node = &series[i]
		}
	}
	if node == nil || last.IsZero() {
		return Result{}, runWindow{}, empty
	}

	w := stats.TrailingWindow(last, r.opts.TrailingYears)
	dates, values := w.Restrict(node.Dates, node.Values)
	if len(dates) == 0 {
		return Result{}, runWindow{}, empty
	}

	s, err := stats.Summarise(values, r.opts.Quantiles, r.opts.QuantileMethod)
	if err != nil {
		return Result{}, runWindow{}, fmt.Errorf("run %s: %w", run.URL, err)
	}
	return Result{
		RunURL:      run.URL,
		Count:       s.Count,
		Mean:        s.Mean,
		Std:         s.Std,
		Quantiles:   s.Quantiles,
		WindowStart: w.Start,
		WindowEnd:   w.End,
	}, runWindow{dates: dates, values: values}, nil
}

// writeRaw writes one Date column plus one column per run, aligned on the
// union of dates. Missing values are left empty.
func (r *Retriever) writeRaw(path string, runs []runWindow) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := r.opts.FS.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create raw output dir: %w", err)
		}
	}

	rows := make(map[time.Time][]string)
	for k, run := range runs {
		for i, d := range run.dates {
			row, ok := rows[d]
			if !ok {
				row = make([]string, len(runs))
				rows[d] = row
			}
			row[k] = formatFloat(run.values[i])
		}
	}
	dates := make([]time.Time, 0, len(rows))
	for d := range rows {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	f, err := r.opts.FS.Create(path)
	if err != nil {
		return fmt.Errorf("create raw output: %w", err)
	}
	cw := csv.NewWriter(f)
	header := []string{"Date"}
	for k := range runs {
		header = append(header, strconv.Itoa(k+1))
	}
	if err := cw.Write(header); err != nil {
		f.Close()
		return err
	}
	for _, d := range dates {
		if err := cw.Write(append([]string{d.Format(time.DateOnly)}, rows[d]...)); err != nil {
			f.Close()
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return fmt.Errorf("write raw output: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close raw output: %w", err)
	}
	monitoring.Logf("Wrote raw series for %d runs to %s", len(runs), path)
	return nil
}
