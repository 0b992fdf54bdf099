package retrieve

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/QianWanghhu/oconnell-runner/internal/stats"
)

// Result holds the statistics of one run.
type Result struct {
	// Sample is the zero-based sample row that produced the run.
	Sample      int
	Batch       int
	RunURL      string
	Count       int
	Mean        float64
	Std         float64
	Quantiles   []float64
	WindowStart time.Time
	WindowEnd   time.Time
}

// Table is an ordered set of run results sharing the same quantile levels.
type Table struct {
	Levels  []float64
	Results []Result
}

// NewTable creates an empty table for the given quantile levels.
func NewTable(levels []float64) *Table {
	return &Table{Levels: append([]float64(nil), levels...)}
}

// Len returns the number of results. A nil table is empty.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Results)
}

// Merge appends the results of next onto t and returns the combined table.
// A nil receiver yields next. The tables must share quantile levels.
func (t *Table) Merge(next *Table) (*Table, error) {
	if t == nil {
		return next, nil
	}
	if next == nil {
		return t, nil
	}
	if !sameLevels(t.Levels, next.Levels) {
		return nil, fmt.Errorf("cannot merge results with quantile levels %v into %v", next.Levels, t.Levels)
	}
	out := &Table{
		Levels:  t.Levels,
		Results: make([]Result, 0, len(t.Results)+len(next.Results)),
	}
	out.Results = append(out.Results, t.Results...)
	out.Results = append(out.Results, next.Results...)
	return out, nil
}

func sameLevels(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Header returns the CSV column names.
func (t *Table) Header() []string {
	header := []string{"sample", "batch", "run_url", "count", "mean", "std"}
	for _, p := range t.Levels {
		header = append(header, stats.QuantileLabel(p))
	}
	return append(header, "window_start", "window_end")
}

// WriteCSV writes the table with a header row. NaN statistics are written as
// empty cells.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header()); err != nil {
		return err
	}
	for _, r := range t.Results {
		row := []string{
			strconv.Itoa(r.Sample),
			strconv.Itoa(r.Batch),
			r.RunURL,
			strconv.Itoa(r.Count),
			formatFloat(r.Mean),
			formatFloat(r.Std),
		}
		for _, q := range r.Quantiles {
			row = append(row, formatFloat(q))
		}
		row = append(row, r.WindowStart.Format(time.DateOnly), r.WindowEnd.Format(time.DateOnly))
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
