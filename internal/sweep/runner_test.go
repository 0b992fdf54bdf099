package sweep

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QianWanghhu/oconnell-runner/internal/engine"
	"github.com/QianWanghhu/oconnell-runner/internal/monitoring"
	"github.com/QianWanghhu/oconnell-runner/internal/params"
	"github.com/QianWanghhu/oconnell-runner/internal/retrieve"
	"github.com/QianWanghhu/oconnell-runner/internal/testutil"
	"github.com/QianWanghhu/oconnell-runner/internal/timeutil"
)

const paramCSV = `Veneer_location,Veneer_name,type
v.model.catchment.generation,x1,1
v.model.link.constituents,kDecay,1
v.model.node,maxStorage,0
v.model.link.routing,InflowBias,1
v.model.node.constituents,dryDepositionRate,1
v.model.unknown,orphan,1
`

func loadTable(t *testing.T) *params.Table {
	t.Helper()
	table, err := params.ReadTable(strings.NewReader(paramCSV))
	require.NoError(t, err)
	return table
}

func timeframe() engine.Timeframe {
	return engine.Timeframe{
		Begin: time.Date(2010, 7, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2014, 6, 30, 0, 0, 0, 0, time.UTC),
	}
}

func samples(m, width int, factor float64) params.Samples {
	s := make(params.Samples, m)
	for i := range s {
		s[i] = make([]float64, width)
		for j := range s[i] {
			s[i][j] = factor
		}
	}
	return s
}

// recordingProcessor records batches and returns one result per held run.
type recordingProcessor struct {
	mu      sync.Mutex
	engine  engine.Engine
	batches []retrieve.Batch
	err     error
}

func (p *recordingProcessor) Process(ctx context.Context, b retrieve.Batch, prev *retrieve.Table) (*retrieve.Table, error) {
	p.mu.Lock()
	p.batches = append(p.batches, b)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	runs, err := p.engine.RetrieveRuns(ctx)
	if err != nil {
		return nil, err
	}
	t := retrieve.NewTable(nil)
	for k, run := range runs {
		t.Results = append(t.Results, retrieve.Result{Sample: b.FirstSample + k, Batch: b.Index, RunURL: run.URL})
	}
	return prev.Merge(t)
}

type recordingSink struct {
	sizes []int
	err   error
}

func (s *recordingSink) SaveBatch(ctx context.Context, batch *retrieve.Table) error {
	s.sizes = append(s.sizes, batch.Len())
	return s.err
}

func TestShouldFlush(t *testing.T) {
	var got []int
	for i := 0; i < 25; i++ {
		if ShouldFlush(i, 25, 10) {
			got = append(got, i)
		}
	}
	if diff := cmp.Diff([]int{9, 19, 24}, got); diff != "" {
		t.Errorf("flush indices mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, ShouldFlush(0, 1, 10), "a single sample always flushes")
}

func TestRun_FlushesEveryBatchAndAtEnd(t *testing.T) {
	testutil.Quiet(t)
	f := testutil.SeededFake(t)
	proc := &recordingProcessor{engine: f}
	sink := &recordingSink{}
	runner := NewRunner(f, proc)
	runner.Sink = sink

	results, err := runner.Run(context.Background(), Request{
		Table:     loadTable(t),
		Samples:   samples(25, 1, 0.5),
		Index:     []int{0},
		Timeframe: timeframe(),
		BatchSize: 10,
	})
	require.NoError(t, err)

	want := []retrieve.Batch{
		{Index: 0, FirstSample: 0, LastSample: 9},
		{Index: 1, FirstSample: 10, LastSample: 19},
		{Index: 2, FirstSample: 20, LastSample: 24},
	}
	if diff := cmp.Diff(want, proc.batches); diff != "" {
		t.Errorf("batches mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []int{10, 10, 5}, sink.sizes)
	assert.Equal(t, 25, results.Len())
	assert.Equal(t, 24, results.Results[24].Sample)
	assert.Equal(t, 4, f.Drops(), "history is cleared before the sweep and after each flush")

	state := runner.State()
	assert.Equal(t, SweepStatusComplete, state.Status)
	assert.Equal(t, 25, state.CompletedSamples)
	assert.Equal(t, 3, state.Flushes)
	assert.Equal(t, 25, state.Results)
	assert.NotNil(t, state.CompletedAt)
}

func TestRun_PerturbsFromInitialValues(t *testing.T) {
	testutil.Quiet(t)
	f := testutil.SeededFake(t)
	proc := &recordingProcessor{engine: f}
	runner := NewRunner(f, proc)

	// Flush only at the end so every run stays in the history.
	_, err := runner.Run(context.Background(), Request{
		Table:     loadTable(t),
		Samples:   params.Samples{{0.5, 2, 7}, {0.25, 3, 9}},
		Index:     []int{0, 1, 2},
		Timeframe: timeframe(),
		BatchSize: 100,
	})
	require.NoError(t, err)

	calls := f.SetCalls()
	require.NotEmpty(t, calls)
	assert.Equal(t, engine.SetCall{Group: params.GroupCatchmentGeneration, Name: "x1", Values: []float64{5}}, calls[0],
		"X1 with initial [10], type 1 and factor 0.5 becomes [5]")
	assert.Equal(t, []float64{0.4, 0.8}, calls[1].Values, "type 1 scales every element")
	assert.Equal(t, []float64{7, 7}, calls[2].Values, "type 0 replaces every element")

	// The second sample starts from cached initial values, not the first
	// sample's perturbation.
	assert.Equal(t, []float64{2.5}, calls[6].Values)
}

func TestRun_RestoresEveryTouchedParameter(t *testing.T) {
	testutil.Quiet(t)
	f := testutil.SeededFake(t)
	proc := &recordingProcessor{engine: f}
	runner := NewRunner(f, proc)

	_, err := runner.Run(context.Background(), Request{
		Table:     loadTable(t),
		Samples:   params.Samples{{0.5, 2, 7, 3, 4}, {1, 1, 100, 1, 1}},
		Index:     []int{0, 1, 2, 3, 4},
		Timeframe: timeframe(),
		BatchSize: 100,
	})
	require.NoError(t, err)

	for _, tc := range []struct {
		group params.Group
		name  string
		want  []float64
	}{
		{params.GroupCatchmentGeneration, "x1", []float64{10}},
		{params.GroupLinkConstituents, "kDecay", []float64{0.2, 0.4}},
		{params.GroupNode, "maxStorage", []float64{100, 200}},
		{params.GroupLinkRouting, "InflowBias", []float64{1}},
		{params.GroupNodeConstituents, "dryDepositionRate", []float64{3}},
	} {
		got, _ := f.Value(tc.group, tc.name)
		assert.Equal(t, tc.want, got, "%s must be restored to its initial value", tc.name)
	}

	runs := f.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, []float64{5}, runs[0].Params["x1"])
	assert.Equal(t, []float64{12}, runs[0].Params["dryDepositionRate"], "node constituents are set too")
	assert.Equal(t, []float64{10}, runs[1].Params["x1"])
}

func TestRun_LastTouchedResetLeavesEarlierParameters(t *testing.T) {
	testutil.Quiet(t)
	f := testutil.SeededFake(t)
	runner := NewRunner(f, &recordingProcessor{engine: f})

	_, err := runner.Run(context.Background(), Request{
		Table:     loadTable(t),
		Samples:   params.Samples{{0.5, 2}},
		Index:     []int{0, 1},
		Timeframe: timeframe(),
		ResetMode: ResetLastTouched,
	})
	require.NoError(t, err)

	x1, _ := f.Value(params.GroupCatchmentGeneration, "x1")
	assert.Equal(t, []float64{5}, x1, "legacy mode does not restore earlier parameters")
	k, _ := f.Value(params.GroupLinkConstituents, "kDecay")
	assert.Equal(t, []float64{0.2, 0.4}, k)

	state := runner.State()
	require.Len(t, state.Warnings, 1)
	assert.Contains(t, state.Warnings[0], "last-touched")
}

func TestRun_RejectedSetIsFatal(t *testing.T) {
	testutil.Quiet(t)
	f := testutil.SeededFake(t)
	f.Reject["kDecay"] = true
	proc := &recordingProcessor{engine: f}
	runner := NewRunner(f, proc)

	_, err := runner.Run(context.Background(), Request{
		Table:     loadTable(t),
		Samples:   samples(3, 2, 0.5),
		Index:     []int{0, 1},
		Timeframe: timeframe(),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrParamRejected))
	assert.Contains(t, err.Error(), "kDecay")
	assert.Empty(t, f.Runs(), "no run is triggered after a rejected write")
	assert.Empty(t, proc.batches)

	x1, _ := f.Value(params.GroupCatchmentGeneration, "x1")
	assert.Equal(t, []float64{10}, x1, "parameters set before the failure are restored")

	state := runner.State()
	assert.Equal(t, SweepStatusError, state.Status)
	assert.Contains(t, state.Error, "kDecay")
}

func TestRun_UngroupedParameterHasNoInitialValue(t *testing.T) {
	testutil.Quiet(t)
	f := testutil.SeededFake(t)
	runner := NewRunner(f, &recordingProcessor{engine: f})

	_, err := runner.Run(context.Background(), Request{
		Table:     loadTable(t),
		Samples:   samples(1, 1, 2),
		Index:     []int{5},
		Timeframe: timeframe(),
	})
	assert.ErrorIs(t, err, ErrNoInitialValue)
}

func TestRun_RunFailureRestoresAndStops(t *testing.T) {
	testutil.Quiet(t)
	f := testutil.SeededFake(t)
	f.RunErr = errors.New("solver diverged")
	runner := NewRunner(f, &recordingProcessor{engine: f})

	_, err := runner.Run(context.Background(), Request{
		Table:     loadTable(t),
		Samples:   samples(2, 1, 3),
		Index:     []int{0},
		Timeframe: timeframe(),
	})
	assert.ErrorContains(t, err, "solver diverged")
	x1, _ := f.Value(params.GroupCatchmentGeneration, "x1")
	assert.Equal(t, []float64{10}, x1)
}

func TestRun_ProcessorAndSinkErrors(t *testing.T) {
	testutil.Quiet(t)
	f := testutil.SeededFake(t)
	proc := &recordingProcessor{engine: f, err: &retrieve.EmptyWindowError{RunURL: "/runs/1", Location: "Node A", Variable: "Flow"}}
	runner := NewRunner(f, proc)

	req := Request{Table: loadTable(t), Samples: samples(2, 1, 1), Index: []int{0}, Timeframe: timeframe(), BatchSize: 1}
	_, err := runner.Run(context.Background(), req)
	var ewe *retrieve.EmptyWindowError
	assert.ErrorAs(t, err, &ewe)
	assert.Len(t, proc.batches, 1, "an empty window stops the sweep")

	f2 := testutil.SeededFake(t)
	runner = NewRunner(f2, &recordingProcessor{engine: f2})
	runner.Sink = &recordingSink{err: errors.New("disk full")}
	_, err = runner.Run(context.Background(), req)
	assert.ErrorContains(t, err, "disk full")
}

func TestRun_Cancelled(t *testing.T) {
	testutil.Quiet(t)
	f := testutil.SeededFake(t)
	runner := NewRunner(f, &recordingProcessor{engine: f})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runner.Run(ctx, Request{
		Table:     loadTable(t),
		Samples:   samples(2, 1, 3),
		Index:     []int{0},
		Timeframe: timeframe(),
		Initial:   InitialValues{"x1": {10}},
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, SweepStatusError, runner.State().Status)
}

func TestRun_Metrics(t *testing.T) {
	testutil.Quiet(t)
	reg := prometheus.NewRegistry()
	collector, err := monitoring.NewSweepCollector(reg)
	require.NoError(t, err)

	f := testutil.SeededFake(t)
	runner := NewRunner(f, &recordingProcessor{engine: f})
	runner.Metrics = collector
	runner.Clock = timeutil.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	_, err = runner.Run(context.Background(), Request{
		Table:     loadTable(t),
		Samples:   samples(5, 1, 2),
		Index:     []int{0},
		Timeframe: timeframe(),
		BatchSize: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 5.0, promtest.ToFloat64(collector.SamplesTotal))
	assert.Equal(t, 3.0, promtest.ToFloat64(collector.FlushesTotal))
	assert.Equal(t, 5.0, promtest.ToFloat64(collector.ResultsTotal))
	assert.Equal(t, 0.0, promtest.ToFloat64(collector.RestoreFailures))

	state := runner.State()
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *state.StartedAt)
}

func TestRequestValidation(t *testing.T) {
	table := loadTable(t)
	tests := []struct {
		name string
		req  Request
		msg  string
	}{
		{"no table", Request{Samples: samples(1, 1, 1)}, "parameter table"},
		{"no samples", Request{Table: table}, "at least one sample"},
		{"width mismatch", Request{Table: table, Samples: samples(1, 2, 1), Index: []int{0}, Timeframe: timeframe()}, "2 factors for 1 parameters"},
		{"index out of range", Request{Table: table, Samples: samples(1, 1, 1), Index: []int{42}, Timeframe: timeframe()}, "out of range"},
		{"bad reset", Request{Table: table, Samples: samples(1, 1, 1), Timeframe: timeframe(), ResetMode: "some"}, "unknown reset mode"},
		{"no timeframe", Request{Table: table, Samples: samples(1, 1, 1)}, "timeframe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunner(engine.NewFake(), nil).Run(context.Background(), tt.req)
			assert.ErrorContains(t, err, tt.msg)
		})
	}
}

func TestParseResetMode(t *testing.T) {
	m, err := ParseResetMode("")
	require.NoError(t, err)
	assert.Equal(t, ResetAll, m)
	m, err = ParseResetMode("Last-Touched")
	require.NoError(t, err)
	assert.Equal(t, ResetLastTouched, m)
	_, err = ParseResetMode("none")
	assert.Error(t, err)
}
