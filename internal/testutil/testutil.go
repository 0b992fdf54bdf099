// Package testutil provides shared test fixtures: a parameter table covering
// every group, a seeded fake engine and synthetic daily series.
package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/QianWanghhu/oconnell-runner/internal/engine"
	"github.com/QianWanghhu/oconnell-runner/internal/monitoring"
	"github.com/QianWanghhu/oconnell-runner/internal/params"
)

// ParamCSV is a parameter table with one parameter in each group.
const ParamCSV = `Veneer_location,Veneer_name,type
v.model.catchment.generation,x1,1
v.model.link.constituents,kDecay,1
v.model.node,maxStorage,0
v.model.link.routing,InflowBias,1
v.model.node.constituents,dryDepositionRate,1
`

// InitialValues are the values SeededFake starts with, keyed by name.
var InitialValues = map[string][]float64{
	"x1":                {10},
	"kDecay":            {0.2, 0.4},
	"maxStorage":        {100, 200},
	"InflowBias":        {1},
	"dryDepositionRate": {3},
}

// ParamTable parses ParamCSV.
func ParamTable(t testing.TB) *params.Table {
	t.Helper()
	table, err := params.ReadTable(strings.NewReader(ParamCSV))
	if err != nil {
		t.Fatalf("read parameter table: %v", err)
	}
	return table
}

// SeededFake returns a fake engine holding InitialValues for every
// parameter in ParamCSV.
func SeededFake(t testing.TB) *engine.Fake {
	t.Helper()
	table := ParamTable(t)
	f := engine.NewFake()
	for _, rec := range table.Records {
		f.SetInitial(rec.Group, rec.Name, InitialValues[rec.Name]...)
	}
	return f
}

// Day returns midnight UTC on the given date.
func Day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ConstantSeries returns a daily series from first to last inclusive with
// every value set to v.
func ConstantSeries(element, variable string, first, last time.Time, v float64) engine.Series {
	s := engine.Series{NetworkElement: element, RecordingVariable: variable}
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		s.Dates = append(s.Dates, d)
		s.Values = append(s.Values, v)
	}
	return s
}

// Quiet silences monitoring output for the duration of the test.
func Quiet(t testing.TB) {
	t.Helper()
	logf, debugf := monitoring.Logf, monitoring.Debugf
	monitoring.SetLogger(nil)
	monitoring.SetDebugLogger(nil)
	t.Cleanup(func() {
		monitoring.Logf = logf
		monitoring.Debugf = debugf
	})
}

// WriteFile writes body to dir/name and returns the path.
func WriteFile(t testing.TB, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// AssertStatusCode checks that the response status code matches want.
func AssertStatusCode(t testing.TB, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Errorf("%s %s: status code = %d, want %d", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want)
	}
}
