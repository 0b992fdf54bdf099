// Package engine models a session with the external hydrological engine.
//
// Engine is the contract the sweep and the retriever are written against.
// Client speaks the Veneer REST automation API; Fake keeps the same state in
// memory for tests and dry runs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/QianWanghhu/oconnell-runner/internal/params"
)

// ErrParamRejected is returned when the engine refuses a parameter write.
var ErrParamRejected = errors.New("engine rejected parameter values")

// Date layouts used on the wire. Run windows are day-first; time-series
// events come back month-first.
const (
	RunDateLayout   = "02/01/2006"
	EventDateLayout = "01/02/2006"
)

// Timeframe bounds a simulation run. Both dates are inclusive.
type Timeframe struct {
	Begin time.Time
	End   time.Time
}

// Validate reports whether the timeframe is usable.
func (t Timeframe) Validate() error {
	if t.Begin.IsZero() || t.End.IsZero() {
		return errors.New("timeframe requires begin and end dates")
	}
	if t.End.Before(t.Begin) {
		return fmt.Errorf("timeframe end %s is before begin %s",
			t.End.Format(time.DateOnly), t.Begin.Format(time.DateOnly))
	}
	return nil
}

// Run is an entry in the engine's run history.
type Run struct {
	URL     string `json:"RunUrl"`
	Number  int    `json:"Number"`
	Name    string `json:"Name"`
	Status  string `json:"Status"`
	DateRun string `json:"DateRun"`
}

// ResultRef describes one recorded output of a run.
type ResultRef struct {
	NetworkElement    string `json:"NetworkElement"`
	RecordingElement  string `json:"RecordingElement"`
	RecordingVariable string `json:"RecordingVariable"`
	TimeSeriesName    string `json:"TimeSeriesName"`
	TimeSeriesURL     string `json:"TimeSeriesUrl"`
}

// NameFunc names a retrieved series from its result reference.
type NameFunc func(ResultRef) string

// NameForLocation names series by their network element.
func NameForLocation(r ResultRef) string { return r.NetworkElement }

// Criteria select run results. Each non-empty field is a regular expression
// matched from the start of the corresponding result field.
type Criteria struct {
	NetworkElement    string
	RecordingVariable string
}

// Matcher compiles the criteria.
func (c Criteria) Matcher() (func(ResultRef) bool, error) {
	elem, err := compileAnchored(c.NetworkElement)
	if err != nil {
		return nil, fmt.Errorf("network element criteria: %w", err)
	}
	variable, err := compileAnchored(c.RecordingVariable)
	if err != nil {
		return nil, fmt.Errorf("recording variable criteria: %w", err)
	}
	return func(r ResultRef) bool {
		if elem != nil && !elem.MatchString(r.NetworkElement) {
			return false
		}
		if variable != nil && !variable.MatchString(r.RecordingVariable) {
			return false
		}
		return true
	}, nil
}

func compileAnchored(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile("^(?:" + pattern + ")")
}

// Series is one named time series from a run, ordered by date.
type Series struct {
	Name              string
	NetworkElement    string
	RecordingVariable string
	Dates             []time.Time
	Values            []float64
}

// Len returns the number of events in the series.
func (s Series) Len() int { return len(s.Dates) }

// Last returns the final date of the series and false when it is empty.
func (s Series) Last() (time.Time, bool) {
	if len(s.Dates) == 0 {
		return time.Time{}, false
	}
	return s.Dates[len(s.Dates)-1], true
}

// Engine is a session with the simulation engine. Implementations own the
// engine's live parameter values and run history for the session lifetime.
type Engine interface {
	// GetParamValues reads every element of a parameter within a group.
	GetParamValues(ctx context.Context, group params.Group, name string) ([]float64, error)

	// SetParamValues writes a parameter. A refused write wraps ErrParamRejected.
	SetParamValues(ctx context.Context, group params.Group, name string, values []float64) error

	// RunModel runs the model over tf and returns the new run's URL.
	RunModel(ctx context.Context, tf Timeframe) (string, error)

	// RetrieveRuns lists completed runs, oldest first.
	RetrieveRuns(ctx context.Context) ([]Run, error)

	// DropAllRuns clears the run history.
	DropAllRuns(ctx context.Context) error

	// RetrieveMultipleTimeSeries fetches every result of a run matching c,
	// naming each series with name.
	RetrieveMultipleTimeSeries(ctx context.Context, runURL string, c Criteria, name NameFunc) ([]Series, error)
}
