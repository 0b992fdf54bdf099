package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SweepCollector bundles Prometheus metrics for sweeps and engine calls.
// A nil *SweepCollector is valid and records nothing.
type SweepCollector struct {
	gatherer prometheus.Gatherer

	EngineCalls     *prometheus.CounterVec
	EngineDurations *prometheus.HistogramVec

	SamplesTotal     prometheus.Counter
	FlushesTotal     prometheus.Counter
	RestoreFailures  prometheus.Counter
	ResultsTotal     prometheus.Counter
	CurrentSample    prometheus.Gauge
	SamplesRequested prometheus.Gauge
}

// NewSweepCollector registers sweep metrics against reg, defaulting to the
// global registry when nil. Registering twice against the same registry
// reuses the existing collectors.
func NewSweepCollector(reg prometheus.Registerer) (*SweepCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	calls, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_engine_calls_total",
		Help: "Engine API calls, labeled by operation and outcome.",
	}, []string{"op", "outcome"}))
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sweep_engine_call_duration_seconds",
		Help:    "Engine API call latency in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"op"}))
	if err != nil {
		return nil, err
	}

	c := &SweepCollector{gatherer: gatherer, EngineCalls: calls, EngineDurations: durations}
	counters := []struct {
		dst  *prometheus.Counter
		name string
		help string
	}{
		{&c.SamplesTotal, "sweep_samples_total", "Samples completed (parameters set, run triggered, parameters restored)."},
		{&c.FlushesTotal, "sweep_flushes_total", "Result batches flushed."},
		{&c.RestoreFailures, "sweep_restore_failures_total", "Parameters that could not be restored to their initial value."},
		{&c.ResultsTotal, "sweep_results_total", "Per-run result records produced."},
	}
	for _, ct := range counters {
		v, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{Name: ct.name, Help: ct.help}))
		if err != nil {
			return nil, err
		}
		*ct.dst = v
	}

	if c.CurrentSample, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sweep_current_sample",
		Help: "Zero-based index of the sample being processed.",
	})); err != nil {
		return nil, err
	}
	if c.SamplesRequested, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sweep_samples_requested",
		Help: "Number of samples in the running sweep.",
	})); err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer exposes the gatherer backing this collector.
func (c *SweepCollector) Gatherer() prometheus.Gatherer {
	if c == nil || c.gatherer == nil {
		return prometheus.DefaultGatherer
	}
	return c.gatherer
}

// Handler returns an HTTP handler serving the collector's metrics.
func (c *SweepCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Gatherer(), promhttp.HandlerOpts{})
}

// ObserveCall records one engine call that started at start.
func (c *SweepCollector) ObserveCall(op string, start time.Time, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.EngineCalls.WithLabelValues(op, outcome).Inc()
	c.EngineDurations.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// SampleStarted marks sample i of total as in progress.
func (c *SweepCollector) SampleStarted(i, total int) {
	if c == nil {
		return
	}
	c.CurrentSample.Set(float64(i))
	c.SamplesRequested.Set(float64(total))
}

// SampleDone counts a completed sample.
func (c *SweepCollector) SampleDone() {
	if c == nil {
		return
	}
	c.SamplesTotal.Inc()
}

// Flushed counts a flushed batch carrying n results.
func (c *SweepCollector) Flushed(n int) {
	if c == nil {
		return
	}
	c.FlushesTotal.Inc()
	c.ResultsTotal.Add(float64(n))
}

// RestoreFailed counts a parameter left unrestored.
func (c *SweepCollector) RestoreFailed() {
	if c == nil {
		return
	}
	c.RestoreFailures.Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return gauge, nil
}
