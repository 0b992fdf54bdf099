package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QianWanghhu/oconnell-runner/internal/httputil"
	"github.com/QianWanghhu/oconnell-runner/internal/monitoring"
	"github.com/QianWanghhu/oconnell-runner/internal/params"
)

// veneerStub is a minimal Veneer server holding a run history and replying
// to scripts with canned values.
type veneerStub struct {
	mu      sync.Mutex
	runs    []Run
	scripts []string
	reply   func(script string) string
}

func (v *veneerStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/runs", func(w http.ResponseWriter, r *http.Request) {
		v.mu.Lock()
		defer v.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			httputil.WriteJSONOK(w, v.runs)
		case http.MethodPost:
			var req runRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			n := len(v.runs) + 1
			loc := fmt.Sprintf("/runs/%d", n)
			v.runs = append(v.runs, Run{URL: loc, Number: n, Name: req.StartDate + "-" + req.EndDate})
			w.Header().Set("Location", loc)
			w.WriteHeader(http.StatusFound)
		case http.MethodDelete:
			v.runs = nil
			w.WriteHeader(http.StatusOK)
		default:
			httputil.MethodNotAllowed(w)
		}
	})
	mux.HandleFunc("/runs/1", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, runResults{Results: []ResultRef{
			{NetworkElement: "Outlet Node17", RecordingVariable: "Downstream Flow Volume", TimeSeriesURL: "/runs/1/location/Outlet/flow"},
			{NetworkElement: "Outlet Node17", RecordingVariable: "Storage Volume", TimeSeriesURL: "/runs/1/location/Outlet/storage"},
			{NetworkElement: "Gauge 2", RecordingVariable: "Downstream Flow Volume", TimeSeriesURL: "/runs/1/location/Gauge/flow"},
		}})
	})
	mux.HandleFunc("/runs/1/location/Outlet/flow", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Name":"flow","Events":[{"Date":"07/01/2010","Value":1.5},{"Date":"07/02/2010","Value":2.5}]}`))
	})
	mux.HandleFunc("/runs/1/location/Gauge/flow", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Events":[{"Date":"07/01/2010","Value":9}]}`))
	})
	mux.HandleFunc("/ironpython", func(w http.ResponseWriter, r *http.Request) {
		var req scriptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		v.mu.Lock()
		v.scripts = append(v.scripts, req.Script)
		reply := v.reply
		v.mu.Unlock()
		w.Write([]byte(reply(req.Script)))
	})
	return mux
}

func newStubClient(t *testing.T, stub *veneerStub) *Client {
	t.Helper()
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)
	hc := server.Client()
	hc.CheckRedirect = NewHTTPClient(0).CheckRedirect
	return NewClient(httputil.NewStandardClient(hc), server.URL+"/")
}

func TestClient_RunModelAndRuns(t *testing.T) {
	stub := &veneerStub{}
	client := newStubClient(t, stub)
	ctx := context.Background()

	tf := Timeframe{
		Begin: time.Date(2010, 7, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2014, 6, 30, 0, 0, 0, 0, time.UTC),
	}
	url, err := client.RunModel(ctx, tf)
	require.NoError(t, err)
	assert.Equal(t, "/runs/1", url)

	runs, err := client.RetrieveRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "01/07/2010-30/06/2014", runs[0].Name, "run dates use the day-first layout")

	require.NoError(t, client.DropAllRuns(ctx))
	runs, err = client.RetrieveRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestClient_RunModelInvalidTimeframe(t *testing.T) {
	client := NewClient(httputil.NewMockHTTPClient(), "http://engine")
	_, err := client.RunModel(context.Background(), Timeframe{})
	assert.Error(t, err)
}

func TestClient_RunModelAbsoluteLocation(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddRedirect(http.StatusFound, "http://engine:9876/runs/7")
	client := NewClient(mock, "http://engine:9876")

	url, err := client.RunModel(context.Background(), Timeframe{Begin: time.Now(), End: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, "/runs/7", url)
	assert.Equal(t, http.MethodPost, mock.GetRequest(0).Method)
	assert.Contains(t, mock.GetBody(0), `"StartDate"`)
}

func TestClient_RunModelMissingLocation(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, "")
	client := NewClient(mock, "http://engine")
	_, err := client.RunModel(context.Background(), Timeframe{Begin: time.Now(), End: time.Now()})
	assert.ErrorContains(t, err, "no run location")
}

func TestClient_RetrieveMultipleTimeSeries(t *testing.T) {
	stub := &veneerStub{}
	client := newStubClient(t, stub)

	series, err := client.RetrieveMultipleTimeSeries(context.Background(), "/runs/1",
		Criteria{NetworkElement: "Outlet Node17", RecordingVariable: "Downstream Flow"}, nil)
	require.NoError(t, err)
	require.Len(t, series, 1)

	s := series[0]
	assert.Equal(t, "Outlet Node17", s.Name)
	assert.Equal(t, []float64{1.5, 2.5}, s.Values)
	assert.Equal(t, time.Date(2010, 7, 2, 0, 0, 0, 0, time.UTC), s.Dates[1], "event dates are month-first")
	last, ok := s.Last()
	assert.True(t, ok)
	assert.Equal(t, s.Dates[1], last)
}

func TestClient_RetrieveMultipleTimeSeries_CustomName(t *testing.T) {
	stub := &veneerStub{}
	client := newStubClient(t, stub)

	series, err := client.RetrieveMultipleTimeSeries(context.Background(), "/runs/1",
		Criteria{RecordingVariable: "Downstream Flow Volume"},
		func(r ResultRef) string { return r.NetworkElement + ":" + r.RecordingVariable })
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, "Gauge 2:Downstream Flow Volume", series[1].Name)
}

func TestClient_RetrieveMultipleTimeSeries_BadCriteria(t *testing.T) {
	client := NewClient(httputil.NewMockHTTPClient(), "http://engine")
	_, err := client.RetrieveMultipleTimeSeries(context.Background(), "/runs/1", Criteria{NetworkElement: "("}, nil)
	assert.ErrorContains(t, err, "network element criteria")
}

func TestClient_GetParamValues(t *testing.T) {
	stub := &veneerStub{reply: func(string) string {
		return `{"Exception":null,"Response":{"Value":[{"Value":0.3},{"Value":0.4}]}}`
	}}
	client := newStubClient(t, stub)

	values, err := client.GetParamValues(context.Background(), params.GroupNodeConstituents, "dryDepositionRate")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.3, 0.4}, values)

	require.Len(t, stub.scripts, 1)
	assert.Contains(t, stub.scripts[0], "node_types = ['StorageNodeModel']")
	assert.Contains(t, stub.scripts[0], "aspect = 'model'")
	assert.Contains(t, stub.scripts[0], "'dryDepositionRate'")
}

func TestClient_GetParamValuesEmpty(t *testing.T) {
	stub := &veneerStub{reply: func(string) string { return `{"Response":{"Value":[]}}` }}
	client := newStubClient(t, stub)
	_, err := client.GetParamValues(context.Background(), params.GroupNode, "x")
	assert.ErrorContains(t, err, "no values returned")
}

func TestClient_SetParamValues(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		rejected bool
		wantErr  bool
	}{
		{"accepted", `{"Response":{"Value":3}}`, false, false},
		{"script exception", `{"Exception":"AttributeError: x"}`, true, true},
		{"nothing updated", `{"Response":{"Value":0}}`, true, true},
		{"garbage result", `{"Response":{"Value":"yes"}}`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &veneerStub{reply: func(string) string { return tt.reply }}
			client := newStubClient(t, stub)
			err := client.SetParamValues(context.Background(), params.GroupCatchmentGeneration, "x1", []float64{5})
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Contains(t, stub.scripts[0], "values = [5]")
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.rejected, errors.Is(err, ErrParamRejected), "err = %v", err)
		})
	}
}

func TestClient_StatusError(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusInternalServerError, "boom")
	client := NewClient(mock, "http://engine")

	_, err := client.RetrieveRuns(context.Background())
	var se *httputil.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 500, se.StatusCode)
}

func TestClient_TransportError(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.DefaultError = errors.New("connection refused")
	client := NewClient(mock, "http://engine")
	err := client.DropAllRuns(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

func TestClient_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := monitoring.NewSweepCollector(reg)
	require.NoError(t, err)

	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, "[]")
	mock.AddErrorResponse(errors.New("down"))
	client := NewClient(mock, "http://engine")
	client.Metrics = collector

	_, _ = client.RetrieveRuns(context.Background())
	_, _ = client.RetrieveRuns(context.Background())

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.EngineCalls.WithLabelValues("retrieve_runs", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.EngineCalls.WithLabelValues("retrieve_runs", "error")))
}

func TestDecodeValues(t *testing.T) {
	tests := []struct {
		raw  string
		want []float64
	}{
		{"", nil},
		{"null", nil},
		{"2.5", []float64{2.5}},
		{"[1, 2]", []float64{1, 2}},
		{`[{"Value": 7}]`, []float64{7}},
	}
	for _, tt := range tests {
		got, err := decodeValues(json.RawMessage(tt.raw))
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
	_, err := decodeValues(json.RawMessage(`"nope"`))
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	c := NewClient(nil, "http://engine:9876/")
	assert.Equal(t, "http://engine:9876/runs", c.resolve("runs"))
	assert.Equal(t, "http://engine:9876/runs/1", c.resolve("/runs/1"))
	assert.Equal(t, "http://other/x", c.resolve("http://other/x"))
	assert.True(t, strings.HasPrefix(c.resolve("/ironpython"), c.BaseURL))
}
