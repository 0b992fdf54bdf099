package monitoring

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSweepCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSweepCollector(reg)
	require.NoError(t, err)

	start := time.Now()
	c.ObserveCall("run_model", start, nil)
	c.ObserveCall("run_model", start, errors.New("boom"))
	c.SampleStarted(4, 25)
	c.SampleDone()
	c.Flushed(10)
	c.RestoreFailed()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.EngineCalls.WithLabelValues("run_model", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.EngineCalls.WithLabelValues("run_model", "error")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.CurrentSample))
	assert.Equal(t, 25.0, testutil.ToFloat64(c.SamplesRequested))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SamplesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.FlushesTotal))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.ResultsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.RestoreFailures))
}

func TestSweepCollector_ReRegisterReuses(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewSweepCollector(reg)
	require.NoError(t, err)
	second, err := NewSweepCollector(reg)
	require.NoError(t, err)

	first.SampleDone()
	assert.Equal(t, 1.0, testutil.ToFloat64(second.SamplesTotal))
}

func TestSweepCollector_NilSafe(t *testing.T) {
	var c *SweepCollector
	c.ObserveCall("op", time.Now(), nil)
	c.SampleStarted(1, 2)
	c.SampleDone()
	c.Flushed(3)
	c.RestoreFailed()
	assert.NotNil(t, c.Gatherer())
}

func TestSweepCollector_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSweepCollector(reg)
	require.NoError(t, err)
	c.Flushed(2)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "sweep_flushes_total 1"))
}

func TestInitTracing_Disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracing_Stdout(t *testing.T) {
	orig := otel.GetTracerProvider()
	defer otel.SetTracerProvider(orig)
	origLog := Logf
	defer func() { Logf = origLog }()
	SetLogger(nil)

	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "stdout", Writer: &buf})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "engine.run_model")
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown)

	assert.Contains(t, buf.String(), "engine.run_model")
}

func TestInitTracing_UnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"})
	assert.ErrorContains(t, err, "unsupported tracing exporter")
}
