package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/QianWanghhu/oconnell-runner/internal/config"
	"github.com/QianWanghhu/oconnell-runner/internal/engine"
	"github.com/QianWanghhu/oconnell-runner/internal/httputil"
	"github.com/QianWanghhu/oconnell-runner/internal/monitoring"
	"github.com/QianWanghhu/oconnell-runner/internal/params"
	"github.com/QianWanghhu/oconnell-runner/internal/retrieve"
	"github.com/QianWanghhu/oconnell-runner/internal/store"
	"github.com/QianWanghhu/oconnell-runner/internal/sweep"
)

// sweepFlags are the per-sweep settings that may be given on the command
// line instead of in the config file.
type sweepFlags struct {
	params, samples, index string
	begin, end             string
	node, variable         string
	outputDir, resetMode   string
	batch                  int
	saveRaw                bool
}

func (f *sweepFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.params, "params", "", "Parameter table CSV (Veneer_location, Veneer_name, type)")
	fl.StringVar(&f.samples, "samples", "", "Sample matrix CSV, one row per run")
	fl.StringVar(&f.index, "index", "", "Comma-separated parameter rows the sample columns map to")
	fl.StringVar(&f.begin, "begin", "", "Run start date (YYYY-MM-DD)")
	fl.StringVar(&f.end, "end", "", "Run end date (YYYY-MM-DD)")
	fl.StringVar(&f.node, "node", "", "Network element of interest")
	fl.StringVar(&f.variable, "variable", "", "Recording variable of interest")
	fl.StringVar(&f.outputDir, "output-dir", "", "Directory for summary and raw CSV files")
	fl.StringVar(&f.resetMode, "reset-mode", "", "Parameter restore mode: all or last-touched")
	fl.IntVar(&f.batch, "batch", 0, "Samples between result collections")
	fl.BoolVar(&f.saveRaw, "save-raw", false, "Write the raw windowed series of every batch")
}

// apply copies every flag the user set onto cfg and revalidates it.
func (f *sweepFlags) apply(cmd *cobra.Command, cfg *config.SweepConfig) error {
	set := func(name string, dst **string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = &v
		}
	}
	set("params", &cfg.ParameterFile, f.params)
	set("samples", &cfg.SamplesFile, f.samples)
	set("index", &cfg.ParameterIndex, f.index)
	set("begin", &cfg.Begin, f.begin)
	set("end", &cfg.End, f.end)
	set("node", &cfg.NodeOfInterest, f.node)
	set("variable", &cfg.VariableOfInterest, f.variable)
	if cmd.Flags().Changed("output-dir") {
		cfg.SetOutputDir(f.outputDir)
	}
	if cmd.Flags().Changed("reset-mode") {
		cfg.SetResetMode(f.resetMode)
	}
	if cmd.Flags().Changed("batch") {
		cfg.SetBatchProcess(f.batch)
	}
	if cmd.Flags().Changed("save-raw") {
		cfg.SetSaveRaw(f.saveRaw)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (a *app) runCmd() *cobra.Command {
	var (
		flags         sweepFlags
		metricsListen string
		withReport    bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a parameter sweep and store its results",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.apply(cmd, a.cfg); err != nil {
				return err
			}
			return a.runSweep(cmd.Context(), cmd.OutOrStdout(), metricsListen, withReport)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Serve /metrics and /api/state on this address while the sweep runs")
	cmd.Flags().BoolVar(&withReport, "report", false, "Render the report when the sweep finishes")
	return cmd
}

func requirePath(kind, path string) error {
	if path == "" {
		return fmt.Errorf("%s is required", kind)
	}
	return nil
}

func (a *app) runSweep(ctx context.Context, out io.Writer, metricsListen string, withReport bool) error {
	cfg := a.cfg
	if err := requirePath("parameter file", cfg.GetParameterFile()); err != nil {
		return err
	}
	if err := requirePath("samples file", cfg.GetSamplesFile()); err != nil {
		return err
	}
	tf, err := cfg.Timeframe()
	if err != nil {
		return err
	}
	table, err := params.LoadTable(cfg.GetParameterFile())
	if err != nil {
		return err
	}
	samples, err := params.LoadSamples(cfg.GetSamplesFile())
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.GetDBPath())
	if err != nil {
		return err
	}
	defer st.Close()

	eng := a.newEngine(cfg, a.metrics)
	retr, err := a.newRetriever(eng)
	if err != nil {
		return err
	}

	sw := &store.Sweep{
		Node:          cfg.GetNodeOfInterest(),
		Variable:      cfg.GetVariableOfInterest(),
		Quantiles:     cfg.GetQuantiles(),
		ResetMode:     string(cfg.GetResetMode()),
		BatchSize:     cfg.GetBatchProcess(),
		SampleCount:   len(samples),
		ParameterFile: cfg.GetParameterFile(),
		SamplesFile:   cfg.GetSamplesFile(),
	}
	if err := st.CreateSweep(ctx, sw); err != nil {
		return err
	}
	monitoring.Logf("[sweep] Starting sweep %s: %d samples against %s", sw.SweepID, len(samples), cfg.GetEngineURL())

	runner := sweep.NewRunner(eng, retr)
	runner.Sink = st.SinkFor(sw.SweepID)
	runner.Metrics = a.metrics

	results, runErr := a.executeSweep(ctx, st, sw.SweepID, eng, runner, sweep.Request{
		Table:     table,
		Samples:   samples,
		Index:     cfg.GetParameterIndex(),
		Timeframe: tf,
		BatchSize: cfg.GetBatchProcess(),
		ResetMode: cfg.GetResetMode(),
	}, metricsListen)

	if err := st.FinishSweep(context.WithoutCancel(ctx), sw.SweepID, runErr); err != nil {
		monitoring.Logf("ERROR: %v", err)
	}

	if results.Len() > 0 {
		path := filepath.Join(cfg.GetOutputDir(), fmt.Sprintf("summary_%s.csv", sw.SweepID))
		if err := writeSummary(path, results); err != nil {
			return errors.Join(runErr, err)
		}
		fmt.Fprintf(out, "Summary: %s\n", path)
	}
	if withReport && results.Len() > 0 {
		if _, err := a.writeReport(results, sw); err != nil {
			return errors.Join(runErr, err)
		}
	}
	if runErr != nil {
		return fmt.Errorf("sweep %s failed: %w", sw.SweepID, runErr)
	}
	fmt.Fprintf(out, "Sweep %s complete: %d results\n", sw.SweepID, results.Len())
	return nil
}

// executeSweep fetches and records the initial values, then runs the sweep.
// When metricsListen is set a status server runs alongside and stops with
// the sweep.
func (a *app) executeSweep(ctx context.Context, st *store.Store, sweepID string, eng engine.Engine, runner *sweep.Runner, req sweep.Request, metricsListen string) (*retrieve.Table, error) {
	initial, err := sweep.FetchInitialValues(ctx, eng, req.Table)
	if err != nil {
		return nil, err
	}
	if err := st.SaveInitialValues(ctx, sweepID, req.Table, initial); err != nil {
		return nil, err
	}
	req.Initial = initial

	g, gctx := errgroup.WithContext(ctx)
	sweepCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	var results *retrieve.Table
	g.Go(func() error {
		defer cancel()
		var err error
		results, err = runner.Run(sweepCtx, req)
		return err
	})
	if metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				httputil.MethodNotAllowed(w)
				return
			}
			httputil.WriteJSONOK(w, runner.State())
		})
		srv := &http.Server{Addr: metricsListen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error { return serveUntilDone(sweepCtx, srv, nil) })
	}
	err = g.Wait()
	return results, err
}

// serveUntilDone runs srv until ctx ends. A nil listener makes srv listen on
// its own address.
func serveUntilDone(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		var err error
		if ln != nil {
			err = srv.Serve(ln)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errc <- err
	}()
	monitoring.Logf("Serving on %s", srv.Addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return <-errc
}

func (a *app) newRetriever(eng engine.Engine) (*retrieve.Retriever, error) {
	cfg := a.cfg
	return retrieve.New(eng,
		retrieve.SetFilter(cfg.GetNodeOfInterest(), cfg.GetVariableOfInterest()),
		retrieve.Options{
			OutputDir:      cfg.GetOutputDir(),
			SaveRaw:        cfg.GetSaveRaw(),
			Quantiles:      cfg.GetQuantiles(),
			QuantileMethod: cfg.GetQuantileMethod(),
			TrailingYears:  cfg.GetTrailingYears(),
		})
}

func writeSummary(path string, t *retrieve.Table) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create summary: %w", err)
	}
	if err := t.WriteCSV(f); err != nil {
		f.Close()
		return fmt.Errorf("write summary: %w", err)
	}
	return f.Close()
}
