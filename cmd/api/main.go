package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mcclellann/microcredit/pkg/config"
	"github.com/mcclellann/microcredit/pkg/logger"
	"github.com/mcclellann/microcredit/pkg/store"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries the configuration loaded before any subcommand runs.
type cli struct {
	configPath string
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "microcredit",
		Short:         "Microfinance lending, savings and ledger service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return logger.Init(cfg.Logging.Level)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Sync()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (YAML, TOML or JSON)")

	root.AddCommand(c.serveCmd())
	root.AddCommand(c.migrateCmd())
	root.AddCommand(c.sweepCmd())
	return root
}

func (c *cli) serveCmd() *cobra.Command {
	var sweepEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if sweepEvery > 0 {
				go a.runSweeps(ctx, sweepEvery)
			}

			srv := &http.Server{
				Addr:              c.cfg.Server.Addr,
				Handler:           NewServer(a.lending, a.savings, a.enrollment).Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errc := make(chan error, 1)
			go func() {
				logger.L().Info("server starting", zap.String("addr", srv.Addr),
					zap.String("sequence_backend", c.cfg.Sequence.Backend))
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			logger.L().Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().DurationVar(&sweepEvery, "sweep-interval", 24*time.Hour, "how often to run the overdue sweep (0 disables)")
	return cmd
}

// runSweeps marks overdue installments on a ticker until ctx ends.
func (a *app) runSweeps(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.lending.SweepOverdue(ctx); err != nil {
				logger.L().Error("overdue sweep failed", zap.Error(err))
			}
		}
	}
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.NewSQLiteStore(c.cfg.Database.Path)
			if err != nil {
				return err
			}
			defer st.Close()
			logger.L().Info("schema up to date", zap.String("path", c.cfg.Database.Path))
			return nil
		},
	}
}

func (c *cli) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-overdue",
		Short: "Mark past-due installments overdue and refresh their fines",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.lending.SweepOverdue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d installments updated\n", n)
			return nil
		},
	}
}
