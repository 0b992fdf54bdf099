package sweep

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/QianWanghhu/oconnell-runner/internal/engine"
	"github.com/QianWanghhu/oconnell-runner/internal/monitoring"
	"github.com/QianWanghhu/oconnell-runner/internal/params"
	"github.com/QianWanghhu/oconnell-runner/internal/retrieve"
	"github.com/QianWanghhu/oconnell-runner/internal/timeutil"
)

// DefaultBatchSize is the number of samples between result flushes.
const DefaultBatchSize = 10

// SweepStatus represents the current state of a sweep run
type SweepStatus string

const (
	SweepStatusIdle     SweepStatus = "idle"
	SweepStatusRunning  SweepStatus = "running"
	SweepStatusComplete SweepStatus = "complete"
	SweepStatusError    SweepStatus = "error"
)

// ResetMode selects which parameters are restored after each run.
type ResetMode string

const (
	// ResetAll restores every parameter written during the sample.
	ResetAll ResetMode = "all"
	// ResetLastTouched restores only the last parameter written during the
	// sample. Earlier parameters keep their perturbed values into the next
	// sample; kept for reproducing results of older sweeps.
	ResetLastTouched ResetMode = "last-touched"
)

// ParseResetMode maps a configuration string to a ResetMode. The empty string
// selects ResetAll.
func ParseResetMode(s string) (ResetMode, error) {
	switch m := ResetMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ResetAll, nil
	case ResetAll, ResetLastTouched:
		return m, nil
	default:
		return "", fmt.Errorf("unknown reset mode %q (want %s or %s)", s, ResetAll, ResetLastTouched)
	}
}

// BatchProcessor collects the runs held by the engine into a result table.
// *retrieve.Retriever implements it.
type BatchProcessor interface {
	Process(ctx context.Context, b retrieve.Batch, prev *retrieve.Table) (*retrieve.Table, error)
}

// ResultSink receives each flushed batch.
type ResultSink interface {
	SaveBatch(ctx context.Context, batch *retrieve.Table) error
}

// Request describes one sweep.
type Request struct {
	Table   *params.Table
	Samples params.Samples
	// Index maps sample columns to parameter table rows. Nil selects the
	// first Samples.Width() rows.
	Index     []int
	Timeframe engine.Timeframe
	// BatchSize defaults to DefaultBatchSize.
	BatchSize int
	ResetMode ResetMode
	// Initial skips the initial-value fetch when set.
	Initial InitialValues
}

func (req *Request) normalise() error {
	if req.Table == nil || req.Table.Len() == 0 {
		return errors.New("sweep requires a parameter table")
	}
	if len(req.Samples) == 0 {
		return errors.New("sweep requires at least one sample")
	}
	if req.Index == nil {
		req.Index = params.DefaultIndex(req.Samples.Width())
	}
	for _, idx := range req.Index {
		if _, err := req.Table.Record(idx); err != nil {
			return err
		}
	}
	for i, row := range req.Samples {
		if len(row) != len(req.Index) {
			return fmt.Errorf("sample %d has %d factors for %d parameters", i, len(row), len(req.Index))
		}
	}
	if req.BatchSize <= 0 {
		req.BatchSize = DefaultBatchSize
	}
	if req.ResetMode == "" {
		req.ResetMode = ResetAll
	}
	if _, err := ParseResetMode(string(req.ResetMode)); err != nil {
		return err
	}
	return req.Timeframe.Validate()
}

// ShouldFlush reports whether results are collected after zero-based sample
// i of m, given the batch size.
func ShouldFlush(i, m, batch int) bool {
	return (i+1)%batch == 0 || i == m-1
}

// SweepState is a snapshot of sweep progress.
type SweepState struct {
	Status           SweepStatus `json:"status"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	TotalSamples     int         `json:"total_samples"`
	CompletedSamples int         `json:"completed_samples"`
	Flushes          int         `json:"flushes"`
	Results          int         `json:"results"`
	Error            string      `json:"error,omitempty"`
	Warnings         []string    `json:"warnings,omitempty"`
}

// Runner orchestrates parameter sweeps against one engine session.
type Runner struct {
	engine    engine.Engine
	processor BatchProcessor

	Sink    ResultSink
	Metrics *monitoring.SweepCollector
	Clock   timeutil.Clock

	mu    sync.RWMutex
	state SweepState
}

// NewRunner creates a new sweep runner
func NewRunner(e engine.Engine, p BatchProcessor) *Runner {
	return &Runner{
		engine:    e,
		processor: p,
		Clock:     timeutil.RealClock{},
		state:     SweepState{Status: SweepStatusIdle},
	}
}

// State returns a copy of the current sweep state.
func (r *Runner) State() SweepState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state := r.state
	state.Warnings = append([]string(nil), r.state.Warnings...)
	return state
}

func (r *Runner) addWarning(msg string) {
	monitoring.Logf("[sweep] WARNING: %s", msg)
	r.mu.Lock()
	r.state.Warnings = append(r.state.Warnings, msg)
	r.mu.Unlock()
}

func (r *Runner) finish(err error) {
	now := r.Clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.CompletedAt = &now
	if err != nil {
		r.state.Status = SweepStatusError
		r.state.Error = err.Error()
		return
	}
	r.state.Status = SweepStatusComplete
}

// touched is a parameter written during the current sample.
type touched struct {
	name  string
	group params.Group
}

// Run executes the sweep synchronously and returns the accumulated results.
// Any engine failure stops the sweep; results flushed before the failure
// have already been handed to Sink.
func (r *Runner) Run(ctx context.Context, req Request) (*retrieve.Table, error) {
	if err := req.normalise(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.state.Status == SweepStatusRunning {
		r.mu.Unlock()
		return nil, errors.New("sweep already in progress")
	}
	now := r.Clock.Now()
	r.state = SweepState{
		Status:       SweepStatusRunning,
		StartedAt:    &now,
		TotalSamples: len(req.Samples),
	}
	r.mu.Unlock()

	results, err := r.run(ctx, req)
	r.finish(err)
	if err != nil {
		monitoring.Logf("[sweep] ERROR: %v", err)
		return results, err
	}
	monitoring.Logf("[sweep] Sweep complete: %d samples, %d results", len(req.Samples), results.Len())
	return results, nil
}

func (r *Runner) run(ctx context.Context, req Request) (*retrieve.Table, error) {
	if req.ResetMode == ResetLastTouched {
		r.addWarning("reset mode last-touched restores only the last parameter of each sample; other parameters keep perturbed values")
	}

	initial := req.Initial
	if initial == nil {
		var err error
		if initial, err = FetchInitialValues(ctx, r.engine, req.Table); err != nil {
			return nil, err
		}
	}

	if err := r.engine.DropAllRuns(ctx); err != nil {
		return nil, err
	}

	m := len(req.Samples)
	var acc *retrieve.Table
	batchStart, flushes := 0, 0
	for i, row := range req.Samples {
		if err := ctx.Err(); err != nil {
			return acc, fmt.Errorf("sweep stopped at sample %d/%d: %w", i, m, err)
		}
		r.Metrics.SampleStarted(i, m)
		monitoring.Debugf("[sweep] Sample %d/%d", i+1, m)

		if err := r.runSample(ctx, req, initial, i, row); err != nil {
			return acc, err
		}
		r.Metrics.SampleDone()
		r.mu.Lock()
		r.state.CompletedSamples = i + 1
		r.mu.Unlock()

		if !ShouldFlush(i, m, req.BatchSize) {
			continue
		}
		b := retrieve.Batch{Index: flushes, FirstSample: batchStart, LastSample: i}
		batch, err := r.processor.Process(ctx, b, nil)
		if err != nil {
			return acc, fmt.Errorf("collect batch %d (samples %d-%d): %w", b.Index, b.FirstSample, b.LastSample, err)
		}
		if acc, err = acc.Merge(batch); err != nil {
			return acc, err
		}
		if r.Sink != nil {
			if err := r.Sink.SaveBatch(ctx, batch); err != nil {
				return acc, fmt.Errorf("save batch %d: %w", b.Index, err)
			}
		}
		if err := r.engine.DropAllRuns(ctx); err != nil {
			return acc, err
		}
		r.Metrics.Flushed(batch.Len())
		flushes++
		batchStart = i + 1
		r.mu.Lock()
		r.state.Flushes = flushes
		r.state.Results = acc.Len()
		r.mu.Unlock()
		monitoring.Logf("[sweep] Flushed batch %d: samples %d-%d, %d results", b.Index, b.FirstSample, b.LastSample, batch.Len())
	}
	return acc, nil
}

// runSample applies one sample row, runs the model and restores parameters.
func (r *Runner) runSample(ctx context.Context, req Request, initial InitialValues, i int, row []float64) error {
	var set []touched
	for j, idx := range req.Index {
		rec, err := req.Table.Record(idx)
		if err != nil {
			return err
		}
		init, err := initial.Get(rec.Name)
		if err != nil {
			_ = r.restore(ctx, initial, set)
			return fmt.Errorf("sample %d: %w", i, err)
		}
		values := params.Perturb(init, rec.Type, row[j])
		if err := r.engine.SetParamValues(ctx, rec.Group, rec.Name, values); err != nil {
			_ = r.restore(ctx, initial, set)
			if !errors.Is(err, engine.ErrParamRejected) {
				return fmt.Errorf("sample %d: set %s: %w: %w", i, rec.Name, engine.ErrParamRejected, err)
			}
			return fmt.Errorf("sample %d: set %s: %w", i, rec.Name, err)
		}
		set = append(set, touched{name: rec.Name, group: rec.Group})
	}

	if _, err := r.engine.RunModel(ctx, req.Timeframe); err != nil {
		_ = r.restore(ctx, initial, set)
		return fmt.Errorf("sample %d: %w", i, err)
	}

	targets := set
	if req.ResetMode == ResetLastTouched && len(set) > 0 {
		targets = set[len(set)-1:]
	}
	if err := r.restore(ctx, initial, targets); err != nil {
		return fmt.Errorf("sample %d: %w", i, err)
	}
	return nil
}

// restore writes cached initial values back for every target, continuing past
// failures, and returns them joined. Restores run even if ctx is cancelled.
func (r *Runner) restore(ctx context.Context, initial InitialValues, targets []touched) error {
	ctx = context.WithoutCancel(ctx)
	seen := make(map[string]bool, len(targets))
	var errs []error
	for _, t := range targets {
		if seen[t.name] {
			continue
		}
		seen[t.name] = true
		init, err := initial.Get(t.name)
		if err == nil {
			err = r.engine.SetParamValues(ctx, t.group, t.name, init)
		}
		if err != nil {
			monitoring.Logf("[sweep] ERROR: restore %s: %v", t.name, err)
			r.Metrics.RestoreFailed()
			errs = append(errs, fmt.Errorf("restore %s: %w", t.name, err))
		}
	}
	return errors.Join(errs...)
}
