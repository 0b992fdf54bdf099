package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/QianWanghhu/oconnell-runner/internal/params"
	"github.com/QianWanghhu/oconnell-runner/internal/retrieve"
	"github.com/QianWanghhu/oconnell-runner/internal/store"
	"github.com/QianWanghhu/oconnell-runner/internal/sweep"
)

func (a *app) initialCmd() *cobra.Command {
	var (
		paramFile string
		jsonOut   bool
	)
	cmd := &cobra.Command{
		Use:   "initial",
		Short: "Print the engine's current values of every grouped parameter",
		RunE: func(cmd *cobra.Command, args []string) error {
			if paramFile != "" {
				a.cfg.ParameterFile = &paramFile
			}
			if err := requirePath("parameter file", a.cfg.GetParameterFile()); err != nil {
				return err
			}
			table, err := params.LoadTable(a.cfg.GetParameterFile())
			if err != nil {
				return err
			}
			eng := a.newEngine(a.cfg, a.metrics)
			initial, err := sweep.FetchInitialValues(cmd.Context(), eng, table)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(initial)
			}
			return writeInitialCSV(out, table, initial)
		},
	}
	cmd.Flags().StringVar(&paramFile, "params", "", "Parameter table CSV (overrides config)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func writeInitialCSV(w io.Writer, table *params.Table, initial sweep.InitialValues) error {
	names := make([]string, 0, len(initial))
	for name := range initial {
		names = append(names, name)
	}
	sort.Strings(names)

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"name", "group", "values"}); err != nil {
		return err
	}
	for _, name := range names {
		g, _ := table.GroupOf(name)
		vals := make([]string, len(initial[name]))
		for i, v := range initial[name] {
			vals[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := cw.Write([]string{name, g.Label(), strings.Join(vals, " ")}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (a *app) retrieveCmd() *cobra.Command {
	var (
		firstSample int
		batchIndex  int
		outPath     string
		sweepID     string
		drop        bool
		node, vari  string
	)
	cmd := &cobra.Command{
		Use:   "retrieve",
		Short: "Summarise the runs currently held by the engine",
		Long: `Collect every run in the engine's run history, summarise the output of
interest over the trailing window and print the result table as CSV. With
--sweep the results are also appended to a stored sweep.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("node") {
				a.cfg.NodeOfInterest = &node
			}
			if cmd.Flags().Changed("variable") {
				a.cfg.VariableOfInterest = &vari
			}
			ctx := cmd.Context()
			eng := a.newEngine(a.cfg, a.metrics)
			retr, err := a.newRetriever(eng)
			if err != nil {
				return err
			}
			runs, err := eng.RetrieveRuns(ctx)
			if err != nil {
				return err
			}
			b := retrieve.Batch{Index: batchIndex, FirstSample: firstSample, LastSample: firstSample + len(runs) - 1}
			table, err := retr.Process(ctx, b, nil)
			if err != nil {
				return err
			}

			if sweepID != "" {
				st, err := store.Open(a.cfg.GetDBPath())
				if err != nil {
					return err
				}
				defer st.Close()
				if err := st.SaveResults(ctx, sweepID, table); err != nil {
					return err
				}
			}
			if drop {
				if err := eng.DropAllRuns(ctx); err != nil {
					return err
				}
			}

			if outPath == "" || outPath == "-" {
				return table.WriteCSV(cmd.OutOrStdout())
			}
			if err := writeSummary(outPath, table); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d results to %s\n", table.Len(), outPath)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.IntVar(&firstSample, "first-sample", 0, "Sample number of the first run in the engine")
	fl.IntVar(&batchIndex, "batch-index", 0, "Batch number recorded with the results")
	fl.StringVarP(&outPath, "out", "o", "", "Write the CSV here instead of stdout")
	fl.StringVar(&sweepID, "sweep", "", "Append results to this stored sweep")
	fl.BoolVar(&drop, "drop", false, "Clear the engine's run history afterwards")
	fl.StringVar(&node, "node", "", "Network element of interest")
	fl.StringVar(&vari, "variable", "", "Recording variable of interest")
	return cmd
}
