package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/QianWanghhu/oconnell-runner/internal/fsutil"
	"github.com/QianWanghhu/oconnell-runner/internal/report"
	"github.com/QianWanghhu/oconnell-runner/internal/retrieve"
	"github.com/QianWanghhu/oconnell-runner/internal/security"
	"github.com/QianWanghhu/oconnell-runner/internal/store"
)

// rawPattern matches the raw batch files written by the retriever.
const rawPattern = "*_low*.csv"

func (a *app) reportCmd() *cobra.Command {
	var (
		sweepID   string
		reportDir string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render charts for a stored sweep",
		Long: `Render an HTML page of per-run statistics for a stored sweep, plus a PNG
plot for each raw batch file found in the output directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if reportDir != "" {
				a.cfg.ReportDir = &reportDir
			}
			return a.renderStoredReport(cmd.Context(), cmd, sweepID)
		},
	}
	cmd.Flags().StringVar(&sweepID, "sweep", "", "Sweep ID (defaults to the most recent sweep)")
	cmd.Flags().StringVar(&reportDir, "report-dir", "", "Directory for report files (overrides config)")
	return cmd
}

func (a *app) renderStoredReport(ctx context.Context, cmd *cobra.Command, sweepID string) error {
	st, err := store.Open(a.cfg.GetDBPath())
	if err != nil {
		return err
	}
	defer st.Close()

	sw, err := latestOrNamedSweep(ctx, st, sweepID)
	if err != nil {
		return err
	}
	results, err := st.Results(ctx, sw.SweepID)
	if err != nil {
		return err
	}
	written, err := a.writeReport(results, sw)
	if err != nil {
		return err
	}
	for _, p := range written {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	return nil
}

func latestOrNamedSweep(ctx context.Context, st *store.Store, sweepID string) (*store.Sweep, error) {
	if sweepID != "" {
		return st.GetSweep(ctx, sweepID)
	}
	sweeps, err := st.ListSweeps(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(sweeps) == 0 {
		return nil, fmt.Errorf("no sweeps recorded in %s", st.Path())
	}
	return sweeps[0], nil
}

// writeReport renders results and every raw batch file in the output
// directory into the report directory.
func (a *app) writeReport(results *retrieve.Table, sw *store.Sweep) ([]string, error) {
	raw, err := rawFiles(a.cfg.GetOutputDir())
	if err != nil {
		return nil, err
	}
	title := fmt.Sprintf("%s %s (sweep %s)", sw.Node, sw.Variable, sw.SweepID)
	g := report.NewGenerator(a.cfg.GetReportDir(), title)
	return g.Generate(results, raw)
}

// rawFiles lists raw batch files under dir, rejecting any that resolve
// outside it.
func rawFiles(dir string) ([]string, error) {
	matches, err := fsutil.OSFileSystem{}.Glob(filepath.Join(dir, rawPattern))
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		if err := security.ValidatePathWithinDirectory(m, dir); err != nil {
			return nil, err
		}
	}
	return matches, nil
}
