// Command sweep-runner drives parameter-sensitivity sweeps against a Source
// model served through Veneer and keeps the per-run statistics in SQLite.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/QianWanghhu/oconnell-runner/internal/config"
	"github.com/QianWanghhu/oconnell-runner/internal/engine"
	"github.com/QianWanghhu/oconnell-runner/internal/httputil"
	"github.com/QianWanghhu/oconnell-runner/internal/monitoring"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := newApp()
	err := a.rootCmd().ExecuteContext(ctx)
	// PersistentPostRun is skipped when a command fails.
	a.teardown(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds what the subcommands share: the merged configuration, the
// metrics registry and the engine constructor.
type app struct {
	configPath string
	debug      bool
	trace      string
	engineURL  string
	dbPath     string

	cfg      *config.SweepConfig
	registry *prometheus.Registry
	metrics  *monitoring.SweepCollector

	// newEngine is swapped out in tests.
	newEngine func(cfg *config.SweepConfig, metrics *monitoring.SweepCollector) engine.Engine
	// installLogger routes monitoring output through zap.
	installLogger bool

	logger          *zap.Logger
	shutdownTracing func(context.Context) error
}

func newApp() *app {
	return &app{
		newEngine:     newVeneerClient,
		installLogger: true,
	}
}

func newVeneerClient(cfg *config.SweepConfig, metrics *monitoring.SweepCollector) engine.Engine {
	hc := httputil.NewStandardClient(engine.NewHTTPClient(cfg.GetHTTPTimeout()))
	c := engine.NewClient(hc, cfg.GetEngineURL())
	c.Metrics = metrics
	return c
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sweep-runner",
		Short: "Parameter sensitivity sweeps for Source models via Veneer",
		Long: `sweep-runner perturbs model parameters sample by sample, runs the model
through the Veneer API, restores the parameters and summarises the output of
interest over a trailing window of each run.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) { a.teardown(cmd.Context()) },
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "Sweep configuration file (.json, .yaml or .yml)")
	pf.BoolVar(&a.debug, "debug", false, "Enable debug logging")
	pf.StringVar(&a.trace, "trace", "", "Trace engine calls with the given exporter (stdout or otlp)")
	pf.StringVar(&a.engineURL, "engine-url", "", "Veneer base URL (overrides config)")
	pf.StringVar(&a.dbPath, "db", "", "Result database path (overrides config)")

	root.AddCommand(
		a.runCmd(),
		a.initialCmd(),
		a.retrieveCmd(),
		a.reportCmd(),
		a.migrateCmd(),
		a.serveCmd(),
		newVersionCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	if a.installLogger {
		logger, err := monitoring.NewZapLogger(a.debug)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		a.logger = logger
		monitoring.UseZap(logger)
	}

	cfg := config.EmptySweepConfig()
	if a.configPath != "" {
		var err error
		if cfg, err = config.LoadSweepConfig(a.configPath); err != nil {
			return err
		}
	}
	if a.engineURL != "" {
		cfg.SetEngineURL(a.engineURL)
	}
	if a.dbPath != "" {
		cfg.SetDBPath(a.dbPath)
	}
	if a.trace != "" {
		cfg.EnableTracing(a.trace)
	}
	a.cfg = cfg

	a.registry = prometheus.NewRegistry()
	metrics, err := monitoring.NewSweepCollector(a.registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	a.metrics = metrics

	if cfg.TracingEnabled() {
		shutdown, err := monitoring.InitTracing(cmd.Context(), monitoring.TracingConfig{
			Enabled:     true,
			Exporter:    cfg.GetTraceExporter(),
			Endpoint:    cfg.GetTraceEndpoint(),
			SampleRatio: cfg.GetTraceSampleRatio(),
		})
		if err != nil {
			return err
		}
		a.shutdownTracing = shutdown
	}
	return nil
}

func (a *app) teardown(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	monitoring.ShutdownWithTimeout(context.WithoutCancel(ctx), a.shutdownTracing)
	a.shutdownTracing = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
