package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/QianWanghhu/oconnell-runner/internal/httputil"
	"github.com/QianWanghhu/oconnell-runner/internal/monitoring"
	"github.com/QianWanghhu/oconnell-runner/internal/params"
)

const tracerName = "github.com/QianWanghhu/oconnell-runner/internal/engine"

var runPathRe = regexp.MustCompile(`/runs/\d+$`)

// Client talks to a Veneer server.
type Client struct {
	HTTPClient httputil.HTTPClient
	BaseURL    string
	Metrics    *monitoring.SweepCollector

	tracer trace.Tracer
}

// NewHTTPClient returns an *http.Client suitable for Veneer. Redirects are not
// followed so the run URL can be read from the Location header. A zero
// timeout waits indefinitely, which long model runs need.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// NewClient creates a Veneer client. A nil httpClient uses NewHTTPClient(0).
func NewClient(httpClient httputil.HTTPClient, baseURL string) *Client {
	if httpClient == nil {
		httpClient = httputil.NewStandardClient(NewHTTPClient(0))
	}
	return &Client{
		HTTPClient: httpClient,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		tracer:     otel.Tracer(tracerName),
	}
}

// call wraps one engine operation in a span and records its metrics.
func (c *Client) call(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	tracer := c.tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	ctx, span := tracer.Start(ctx, "engine."+op, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	c.Metrics.ObserveCall(op, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.BaseURL + path
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), r)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return httputil.DecodeJSON(resp, v)
}

type scriptRequest struct {
	Script string `json:"Script"`
}

type scriptResponse struct {
	Exception   *string `json:"Exception"`
	StandardOut string  `json:"StandardOut"`
	StandardErr string  `json:"StandardError"`
	Response    *struct {
		Value json.RawMessage `json:"Value"`
	} `json:"Response"`
}

// runScript posts an IronPython script and returns the raw result value.
func (c *Client) runScript(ctx context.Context, script string) (json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodPost, "/ironpython", scriptRequest{Script: script})
	if err != nil {
		return nil, err
	}
	var out scriptResponse
	if err := httputil.DecodeJSON(resp, &out); err != nil {
		return nil, err
	}
	if out.Exception != nil && *out.Exception != "" {
		return nil, &ScriptError{Message: *out.Exception, Stderr: out.StandardErr}
	}
	if out.Response == nil {
		return nil, nil
	}
	return out.Response.Value, nil
}

// ScriptError reports an exception raised by a script inside the engine.
type ScriptError struct {
	Message string
	Stderr  string
}

func (e *ScriptError) Error() string {
	return "engine script failed: " + strings.TrimSpace(e.Message)
}

// GetParamValues implements Engine.
func (c *Client) GetParamValues(ctx context.Context, group params.Group, name string) ([]float64, error) {
	script, err := GetParamScript(group, name)
	if err != nil {
		return nil, err
	}
	var values []float64
	err = c.call(ctx, "get_param", paramAttrs(group, name), func(ctx context.Context) error {
		raw, err := c.runScript(ctx, script)
		if err != nil {
			return err
		}
		values, err = decodeValues(raw)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get %s in %s: %w", name, group.Location(), err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("get %s in %s: no values returned", name, group.Location())
	}
	return values, nil
}

// SetParamValues implements Engine. A script exception or a write that
// touched no model elements is reported as ErrParamRejected.
func (c *Client) SetParamValues(ctx context.Context, group params.Group, name string, values []float64) error {
	script, err := SetParamScript(group, name, values)
	if err != nil {
		return err
	}
	err = c.call(ctx, "set_param", paramAttrs(group, name), func(ctx context.Context) error {
		raw, err := c.runScript(ctx, script)
		var se *ScriptError
		if errors.As(err, &se) {
			return fmt.Errorf("%w: %v", ErrParamRejected, se)
		}
		if err != nil {
			return err
		}
		n, err := decodeValues(raw)
		if err != nil {
			return err
		}
		if len(n) == 0 || n[0] <= 0 {
			return fmt.Errorf("%w: no model elements updated", ErrParamRejected)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set %s in %s: %w", name, group.Location(), err)
	}
	return nil
}

func paramAttrs(group params.Group, name string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("param.group", group.Label()),
		attribute.String("param.name", name),
	}
}

// decodeValues accepts a bare number, a list of numbers, or a list of
// {"Value": n} objects.
func decodeValues(raw json.RawMessage) ([]float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []float64
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var wrapped []struct {
		Value float64 `json:"Value"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		out := make([]float64, len(wrapped))
		for i, w := range wrapped {
			out[i] = w.Value
		}
		return out, nil
	}
	var single float64
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("decode script result %s: %w", truncate(string(raw), 64), err)
	}
	return []float64{single}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type runRequest struct {
	StartDate string `json:"StartDate"`
	EndDate   string `json:"EndDate"`
}

// RunModel implements Engine.
func (c *Client) RunModel(ctx context.Context, tf Timeframe) (string, error) {
	if err := tf.Validate(); err != nil {
		return "", err
	}
	var runURL string
	attrs := []attribute.KeyValue{
		attribute.String("run.begin", tf.Begin.Format(time.DateOnly)),
		attribute.String("run.end", tf.End.Format(time.DateOnly)),
	}
	err := c.call(ctx, "run_model", attrs, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodPost, "/runs", runRequest{
			StartDate: tf.Begin.Format(RunDateLayout),
			EndDate:   tf.End.Format(RunDateLayout),
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := httputil.CheckResponse(resp); err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		runURL, err = runLocation(resp)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("run model: %w", err)
	}
	return runURL, nil
}

// runLocation extracts the run path from a redirect, or from the final
// request URL when the transport followed it.
func runLocation(resp *http.Response) (string, error) {
	loc := resp.Header.Get("Location")
	if loc == "" && resp.Request != nil && resp.Request.URL != nil && runPathRe.MatchString(resp.Request.URL.Path) {
		loc = resp.Request.URL.Path
	}
	if loc == "" {
		return "", fmt.Errorf("status %d: response carried no run location", resp.StatusCode)
	}
	if u, err := url.Parse(loc); err == nil && u.IsAbs() {
		loc = u.Path
	}
	return loc, nil
}

// RetrieveRuns implements Engine.
func (c *Client) RetrieveRuns(ctx context.Context) ([]Run, error) {
	var runs []Run
	err := c.call(ctx, "retrieve_runs", nil, func(ctx context.Context) error {
		return c.getJSON(ctx, "/runs", &runs)
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve runs: %w", err)
	}
	return runs, nil
}

// DropAllRuns implements Engine.
func (c *Client) DropAllRuns(ctx context.Context) error {
	err := c.call(ctx, "drop_all_runs", nil, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodDelete, "/runs", nil)
		if err != nil {
			return err
		}
		return httputil.DecodeJSON(resp, nil)
	})
	if err != nil {
		return fmt.Errorf("drop runs: %w", err)
	}
	return nil
}

type runResults struct {
	Results []ResultRef `json:"Results"`
}

type timeSeries struct {
	Name   string `json:"Name"`
	Events []struct {
		Date  string  `json:"Date"`
		Value float64 `json:"Value"`
	} `json:"Events"`
}

// RetrieveMultipleTimeSeries implements Engine.
func (c *Client) RetrieveMultipleTimeSeries(ctx context.Context, runURL string, crit Criteria, name NameFunc) ([]Series, error) {
	match, err := crit.Matcher()
	if err != nil {
		return nil, err
	}
	if name == nil {
		name = NameForLocation
	}
	var out []Series
	attrs := []attribute.KeyValue{
		attribute.String("run.url", runURL),
		attribute.String("criteria.element", crit.NetworkElement),
		attribute.String("criteria.variable", crit.RecordingVariable),
	}
	err = c.call(ctx, "retrieve_series", attrs, func(ctx context.Context) error {
		var run runResults
		if err := c.getJSON(ctx, runURL, &run); err != nil {
			return err
		}
		for _, ref := range run.Results {
			if !match(ref) {
				continue
			}
			var ts timeSeries
			if err := c.getJSON(ctx, ref.TimeSeriesURL, &ts); err != nil {
				return err
			}
			s := Series{
				Name:              name(ref),
				NetworkElement:    ref.NetworkElement,
				RecordingVariable: ref.RecordingVariable,
				Dates:             make([]time.Time, 0, len(ts.Events)),
				Values:            make([]float64, 0, len(ts.Events)),
			}
			for _, ev := range ts.Events {
				d, err := time.Parse(EventDateLayout, ev.Date)
				if err != nil {
					return fmt.Errorf("series %s: bad event date %q: %w", ref.TimeSeriesURL, ev.Date, err)
				}
				s.Dates = append(s.Dates, d)
				s.Values = append(s.Values, ev.Value)
			}
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve series for %s: %w", runURL, err)
	}
	monitoring.Debugf("retrieved %d series for %s", len(out), runURL)
	return out, nil
}
