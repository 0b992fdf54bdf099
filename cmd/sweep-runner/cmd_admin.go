package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/QianWanghhu/oconnell-runner/internal/store"
	"github.com/QianWanghhu/oconnell-runner/internal/version"
)

func newVersionCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOut {
				_ = json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"version": version.Version,
					"commit":  version.GitSHA,
					"date":    version.BuildTime,
				})
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the result database schema",
	}

	withStore := func(fn func(cmd *cobra.Command, st *store.Store, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(a.cfg.GetDBPath())
			if err != nil {
				return err
			}
			defer st.Close()
			return fn(cmd, st, args)
		}
	}
	printVersion := func(cmd *cobra.Command, st *store.Store) error {
		v, dirty, err := st.MigrateVersion()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version %d (latest %d)", v, store.LatestVersion)
		if dirty {
			fmt.Fprint(cmd.OutOrStdout(), " dirty")
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withStore(func(cmd *cobra.Command, st *store.Store, args []string) error {
				// Open has already migrated up.
				return printVersion(cmd, st)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration",
			Args:  cobra.NoArgs,
			RunE: withStore(func(cmd *cobra.Command, st *store.Store, args []string) error {
				if err := st.MigrateDown(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "all migrations rolled back")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: withStore(func(cmd *cobra.Command, st *store.Store, args []string) error {
				return printVersion(cmd, st)
			}),
		},
		&cobra.Command{
			Use:   "to VERSION",
			Short: "Migrate up or down to a specific version",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(func(cmd *cobra.Command, st *store.Store, args []string) error {
				v, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				if err := st.MigrateTo(uint(v)); err != nil {
					return err
				}
				return printVersion(cmd, st)
			}),
		},
		&cobra.Command{
			Use:   "force VERSION",
			Short: "Set the schema version without running migrations (clears dirty state)",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(func(cmd *cobra.Command, st *store.Store, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				if err := st.MigrateForce(v); err != nil {
					return err
				}
				return printVersion(cmd, st)
			}),
		},
	)
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored sweeps, metrics and the database debug console",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				a.cfg.Listen = &listen
			}
			st, err := store.Open(a.cfg.GetDBPath())
			if err != nil {
				return err
			}
			defer st.Close()

			mux, err := newServerMux(st, a.metrics)
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", a.cfg.GetListen())
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			srv := &http.Server{Addr: ln.Addr().String(), Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on http://%s\n", st.Path(), ln.Addr())

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return serveUntilDone(ctx, srv, ln) })
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides config)")
	return cmd
}
