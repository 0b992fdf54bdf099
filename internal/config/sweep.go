// Package config loads sweep configuration files.
//
// Every field is a pointer so that an omitted key can be told apart from an
// explicit zero value. Use the Get* accessors to read a value with its default
// applied.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/QianWanghhu/oconnell-runner/internal/engine"
	"github.com/QianWanghhu/oconnell-runner/internal/params"
	"github.com/QianWanghhu/oconnell-runner/internal/stats"
	"github.com/QianWanghhu/oconnell-runner/internal/sweep"
)

// MaxConfigSize caps the size of a configuration file.
const MaxConfigSize = 1 << 20

// Defaults applied by the Get* accessors.
const (
	DefaultEngineURL     = "http://localhost:9876"
	DefaultOutputDir     = "output"
	DefaultDBPath        = "sweep.db"
	DefaultReportDir     = "report"
	DefaultListen        = "localhost:8090"
	DefaultTraceExporter = "stdout"
)

// SweepConfig holds everything a sweep needs besides the engine itself.
type SweepConfig struct {
	EngineURL   *string `json:"engine_url,omitempty" yaml:"engine_url,omitempty"`
	HTTPTimeout *string `json:"http_timeout,omitempty" yaml:"http_timeout,omitempty"`

	ParameterFile  *string `json:"parameter_file,omitempty" yaml:"parameter_file,omitempty"`
	SamplesFile    *string `json:"samples_file,omitempty" yaml:"samples_file,omitempty"`
	ParameterIndex *string `json:"parameter_index,omitempty" yaml:"parameter_index,omitempty"`

	Begin *string `json:"begin,omitempty" yaml:"begin,omitempty"`
	End   *string `json:"end,omitempty" yaml:"end,omitempty"`

	NodeOfInterest     *string `json:"node_of_interest,omitempty" yaml:"node_of_interest,omitempty"`
	VariableOfInterest *string `json:"variable_of_interest,omitempty" yaml:"variable_of_interest,omitempty"`

	OutputDir      *string   `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
	SaveRaw        *bool     `json:"save_raw,omitempty" yaml:"save_raw,omitempty"`
	BatchProcess   *int      `json:"batch_process,omitempty" yaml:"batch_process,omitempty"`
	Quantiles      []float64 `json:"quantiles,omitempty" yaml:"quantiles,omitempty"`
	QuantileMethod *string   `json:"quantile_method,omitempty" yaml:"quantile_method,omitempty"`
	ResetMode      *string   `json:"reset_mode,omitempty" yaml:"reset_mode,omitempty"`
	TrailingYears  *int      `json:"trailing_years,omitempty" yaml:"trailing_years,omitempty"`

	DBPath    *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	ReportDir *string `json:"report_dir,omitempty" yaml:"report_dir,omitempty"`
	Listen    *string `json:"listen,omitempty" yaml:"listen,omitempty"`

	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// TracingConfig configures engine-call tracing.
type TracingConfig struct {
	Enabled     *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Exporter    *string  `json:"exporter,omitempty" yaml:"exporter,omitempty"`
	Endpoint    *string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	SampleRatio *float64 `json:"sample_ratio,omitempty" yaml:"sample_ratio,omitempty"`
}

// EmptySweepConfig returns a config with every field unset.
func EmptySweepConfig() *SweepConfig {
	return &SweepConfig{}
}

// DefaultSweepConfig returns a config with every optional field populated.
func DefaultSweepConfig() *SweepConfig {
	return &SweepConfig{
		EngineURL:      ptrString(DefaultEngineURL),
		HTTPTimeout:    ptrString("0s"),
		OutputDir:      ptrString(DefaultOutputDir),
		SaveRaw:        ptrBool(false),
		BatchProcess:   ptrInt(sweep.DefaultBatchSize),
		Quantiles:      append([]float64(nil), stats.DefaultQuantiles...),
		QuantileMethod: ptrString(string(stats.Linear)),
		ResetMode:      ptrString(string(sweep.ResetAll)),
		TrailingYears:  ptrInt(stats.DefaultTrailingYears),
		DBPath:         ptrString(DefaultDBPath),
		ReportDir:      ptrString(DefaultReportDir),
		Listen:         ptrString(DefaultListen),
	}
}

func ptrString(s string) *string    { return &s }
func ptrBool(b bool) *bool          { return &b }
func ptrInt(i int) *int             { return &i }
func ptrFloat64(f float64) *float64 { return &f }

// LoadSweepConfig reads a .json, .yaml or .yml configuration file.
func LoadSweepConfig(path string) (*SweepConfig, error) {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > MaxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySweepConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that are set. Unset fields are not an error;
// commands that need them report it when they ask for them.
func (c *SweepConfig) Validate() error {
	if c.HTTPTimeout != nil && *c.HTTPTimeout != "" {
		d, err := time.ParseDuration(*c.HTTPTimeout)
		if err != nil {
			return fmt.Errorf("invalid http_timeout '%s': %w", *c.HTTPTimeout, err)
		}
		if d < 0 {
			return fmt.Errorf("http_timeout must be non-negative, got %s", d)
		}
	}
	if c.ParameterIndex != nil {
		if _, err := params.ParseIndex(*c.ParameterIndex); err != nil {
			return fmt.Errorf("invalid parameter_index: %w", err)
		}
	}
	if c.Begin != nil || c.End != nil {
		if _, err := c.Timeframe(); err != nil {
			return err
		}
	}
	if c.BatchProcess != nil && *c.BatchProcess <= 0 {
		return fmt.Errorf("batch_process must be positive, got %d", *c.BatchProcess)
	}
	if c.Quantiles != nil {
		if err := stats.ValidateLevels(c.Quantiles); err != nil {
			return fmt.Errorf("invalid quantiles: %w", err)
		}
	}
	if c.QuantileMethod != nil {
		if _, err := stats.ParseQuantileMethod(*c.QuantileMethod); err != nil {
			return err
		}
	}
	if c.ResetMode != nil {
		if _, err := sweep.ParseResetMode(*c.ResetMode); err != nil {
			return err
		}
	}
	if c.TrailingYears != nil && *c.TrailingYears <= 0 {
		return fmt.Errorf("trailing_years must be positive, got %d", *c.TrailingYears)
	}
	if t := c.Tracing; t != nil {
		if t.SampleRatio != nil && (*t.SampleRatio < 0 || *t.SampleRatio > 1) {
			return fmt.Errorf("tracing.sample_ratio must be between 0 and 1, got %f", *t.SampleRatio)
		}
		if t.Exporter != nil {
			switch *t.Exporter {
			case "stdout", "otlp":
			default:
				return fmt.Errorf("unsupported tracing exporter %q", *t.Exporter)
			}
		}
	}
	return nil
}

// GetEngineURL returns the Veneer base URL.
func (c *SweepConfig) GetEngineURL() string {
	if c.EngineURL == nil || *c.EngineURL == "" {
		return DefaultEngineURL
	}
	return *c.EngineURL
}

// GetHTTPTimeout returns the per-request timeout. Zero means no timeout,
// which suits long model runs.
func (c *SweepConfig) GetHTTPTimeout() time.Duration {
	if c.HTTPTimeout == nil || *c.HTTPTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.HTTPTimeout)
	if err != nil {
		return 0
	}
	return d
}

func (c *SweepConfig) GetParameterFile() string  { return deref(c.ParameterFile) }
func (c *SweepConfig) GetSamplesFile() string    { return deref(c.SamplesFile) }
func (c *SweepConfig) GetNodeOfInterest() string { return deref(c.NodeOfInterest) }

func (c *SweepConfig) GetVariableOfInterest() string { return deref(c.VariableOfInterest) }

// GetParameterIndex returns the configured row indices, or nil to use every row.
func (c *SweepConfig) GetParameterIndex() []int {
	if c.ParameterIndex == nil {
		return nil
	}
	idx, err := params.ParseIndex(*c.ParameterIndex)
	if err != nil {
		return nil
	}
	return idx
}

// Timeframe parses begin and end as YYYY-MM-DD dates.
func (c *SweepConfig) Timeframe() (engine.Timeframe, error) {
	if c.Begin == nil || c.End == nil {
		return engine.Timeframe{}, errors.New("begin and end dates are both required")
	}
	begin, err := time.Parse(time.DateOnly, *c.Begin)
	if err != nil {
		return engine.Timeframe{}, fmt.Errorf("invalid begin date '%s': %w", *c.Begin, err)
	}
	end, err := time.Parse(time.DateOnly, *c.End)
	if err != nil {
		return engine.Timeframe{}, fmt.Errorf("invalid end date '%s': %w", *c.End, err)
	}
	tf := engine.Timeframe{Begin: begin, End: end}
	if err := tf.Validate(); err != nil {
		return engine.Timeframe{}, err
	}
	return tf, nil
}

func (c *SweepConfig) GetOutputDir() string {
	if c.OutputDir == nil || *c.OutputDir == "" {
		return DefaultOutputDir
	}
	return *c.OutputDir
}

func (c *SweepConfig) GetSaveRaw() bool {
	if c.SaveRaw == nil {
		return false
	}
	return *c.SaveRaw
}

func (c *SweepConfig) GetBatchProcess() int {
	if c.BatchProcess == nil || *c.BatchProcess <= 0 {
		return sweep.DefaultBatchSize
	}
	return *c.BatchProcess
}

// GetQuantiles returns a copy of the configured levels.
func (c *SweepConfig) GetQuantiles() []float64 {
	if len(c.Quantiles) == 0 {
		return append([]float64(nil), stats.DefaultQuantiles...)
	}
	return append([]float64(nil), c.Quantiles...)
}

func (c *SweepConfig) GetQuantileMethod() stats.QuantileMethod {
	if c.QuantileMethod == nil {
		return stats.Linear
	}
	m, err := stats.ParseQuantileMethod(*c.QuantileMethod)
	if err != nil {
		return stats.Linear
	}
	return m
}

func (c *SweepConfig) GetResetMode() sweep.ResetMode {
	if c.ResetMode == nil {
		return sweep.ResetAll
	}
	m, err := sweep.ParseResetMode(*c.ResetMode)
	if err != nil {
		return sweep.ResetAll
	}
	return m
}

func (c *SweepConfig) GetTrailingYears() int {
	if c.TrailingYears == nil || *c.TrailingYears <= 0 {
		return stats.DefaultTrailingYears
	}
	return *c.TrailingYears
}

func (c *SweepConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return DefaultDBPath
	}
	return *c.DBPath
}

func (c *SweepConfig) GetReportDir() string {
	if c.ReportDir == nil || *c.ReportDir == "" {
		return DefaultReportDir
	}
	return *c.ReportDir
}

func (c *SweepConfig) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return DefaultListen
	}
	return *c.Listen
}

// TracingEnabled reports whether engine calls should be traced.
func (c *SweepConfig) TracingEnabled() bool {
	return c.Tracing != nil && c.Tracing.Enabled != nil && *c.Tracing.Enabled
}

func (c *SweepConfig) GetTraceExporter() string {
	if c.Tracing == nil || c.Tracing.Exporter == nil || *c.Tracing.Exporter == "" {
		return DefaultTraceExporter
	}
	return *c.Tracing.Exporter
}

func (c *SweepConfig) GetTraceEndpoint() string {
	if c.Tracing == nil {
		return ""
	}
	return deref(c.Tracing.Endpoint)
}

func (c *SweepConfig) GetTraceSampleRatio() float64 {
	if c.Tracing == nil || c.Tracing.SampleRatio == nil {
		return 1
	}
	return *c.Tracing.SampleRatio
}

// Set helpers let command-line flags override file values.

func (c *SweepConfig) SetEngineURL(s string) { c.EngineURL = ptrString(s) }
func (c *SweepConfig) SetOutputDir(s string) { c.OutputDir = ptrString(s) }
func (c *SweepConfig) SetDBPath(s string)    { c.DBPath = ptrString(s) }
func (c *SweepConfig) SetSaveRaw(b bool)     { c.SaveRaw = ptrBool(b) }
func (c *SweepConfig) SetBatchProcess(n int) { c.BatchProcess = ptrInt(n) }
func (c *SweepConfig) SetResetMode(s string) { c.ResetMode = ptrString(s) }
func (c *SweepConfig) SetTraceSampleRatio(f float64) {
	if c.Tracing == nil {
		c.Tracing = &TracingConfig{}
	}
	c.Tracing.SampleRatio = ptrFloat64(f)
}

// EnableTracing switches tracing on with the given exporter.
func (c *SweepConfig) EnableTracing(exporter string) {
	if c.Tracing == nil {
		c.Tracing = &TracingConfig{}
	}
	c.Tracing.Enabled = ptrBool(true)
	if exporter != "" {
		c.Tracing.Exporter = ptrString(exporter)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
