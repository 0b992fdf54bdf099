package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/QianWanghhu/oconnell-runner/internal/params"
)

// FakeRun records one simulated run held by a Fake.
type FakeRun struct {
	Run
	Timeframe Timeframe
	// Params is the parameter state at the moment the run was triggered.
	Params map[string][]float64
}

// SetCall records one SetParamValues invocation on a Fake.
type SetCall struct {
	Group  params.Group
	Name   string
	Values []float64
}

// Fake is an in-memory Engine. Parameter values live in Params keyed by group
// then name; SeriesFunc produces the outputs of each run.
type Fake struct {
	mu sync.Mutex

	Params map[params.Group]map[string][]float64
	// Reject lists parameter names whose writes are refused.
	Reject map[string]bool
	// SeriesFunc returns the recorded outputs for a run. Nil yields none.
	SeriesFunc func(run FakeRun) []Series
	// RunErr, when set, fails every RunModel call.
	RunErr error

	runs    []FakeRun
	nextRun int
	sets    []SetCall
	drops   int
}

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{
		Params: make(map[params.Group]map[string][]float64),
		Reject: make(map[string]bool),
	}
}

// SetInitial seeds a parameter value without recording a set call.
func (f *Fake) SetInitial(group params.Group, name string, values ...float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Params[group] == nil {
		f.Params[group] = make(map[string][]float64)
	}
	f.Params[group][name] = append([]float64(nil), values...)
}

// Value returns the current value of a parameter.
func (f *Fake) Value(group params.Group, name string) ([]float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.Params[group][name]
	return append([]float64(nil), v...), ok
}

// SetCalls returns every recorded write in order.
func (f *Fake) SetCalls() []SetCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SetCall(nil), f.sets...)
}

// Runs returns the current run history.
func (f *Fake) Runs() []FakeRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeRun(nil), f.runs...)
}

// Drops returns how many times the run history was cleared.
func (f *Fake) Drops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drops
}

// GetParamValues implements Engine.
func (f *Fake) GetParamValues(ctx context.Context, group params.Group, name string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.Params[group][name]
	if !ok {
		return nil, fmt.Errorf("get %s in %s: no such parameter", name, group.Location())
	}
	return append([]float64(nil), v...), nil
}

// SetParamValues implements Engine.
func (f *Fake) SetParamValues(ctx context.Context, group params.Group, name string, values []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets = append(f.sets, SetCall{Group: group, Name: name, Values: append([]float64(nil), values...)})
	if f.Reject[name] {
		return fmt.Errorf("set %s in %s: %w", name, group.Location(), ErrParamRejected)
	}
	if _, ok := f.Params[group][name]; !ok {
		return fmt.Errorf("set %s in %s: %w: no model elements updated", name, group.Location(), ErrParamRejected)
	}
	f.Params[group][name] = append([]float64(nil), values...)
	return nil
}

// RunModel implements Engine.
func (f *Fake) RunModel(ctx context.Context, tf Timeframe) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := tf.Validate(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RunErr != nil {
		return "", fmt.Errorf("run model: %w", f.RunErr)
	}
	f.nextRun++
	snapshot := make(map[string][]float64)
	for _, byName := range f.Params {
		for name, v := range byName {
			snapshot[name] = append([]float64(nil), v...)
		}
	}
	run := FakeRun{
		Run: Run{
			URL:    fmt.Sprintf("/runs/%d", f.nextRun),
			Number: f.nextRun,
			Name:   fmt.Sprintf("Run %d", f.nextRun),
			Status: "RanToCompletion",
		},
		Timeframe: tf,
		Params:    snapshot,
	}
	f.runs = append(f.runs, run)
	return run.URL, nil
}

// RetrieveRuns implements Engine.
func (f *Fake) RetrieveRuns(ctx context.Context) ([]Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Run, len(f.runs))
	for i, r := range f.runs {
		out[i] = r.Run
	}
	return out, nil
}

// DropAllRuns implements Engine.
func (f *Fake) DropAllRuns(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = nil
	f.drops++
	return nil
}

// RetrieveMultipleTimeSeries implements Engine.
func (f *Fake) RetrieveMultipleTimeSeries(ctx context.Context, runURL string, c Criteria, name NameFunc) ([]Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	match, err := c.Matcher()
	if err != nil {
		return nil, err
	}
	if name == nil {
		name = NameForLocation
	}

	f.mu.Lock()
	var run FakeRun
	found := false
	for _, r := range f.runs {
		if r.URL == runURL {
			run, found = r, true
			break
		}
	}
	seriesFn := f.SeriesFunc
	f.mu.Unlock()
	if !found {
		return nil, fmt.Errorf("retrieve series for %s: no such run", runURL)
	}
	if seriesFn == nil {
		return nil, nil
	}

	var out []Series
	for _, s := range seriesFn(run) {
		ref := ResultRef{NetworkElement: s.NetworkElement, RecordingVariable: s.RecordingVariable}
		if !match(ref) {
			continue
		}
		s.Name = name(ref)
		out = append(out, s)
	}
	return out, nil
}
