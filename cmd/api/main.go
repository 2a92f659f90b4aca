package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/punchamoorthee/payswitch/internal/clock"
	"github.com/punchamoorthee/payswitch/internal/config"
	"github.com/punchamoorthee/payswitch/internal/domain"
	"github.com/punchamoorthee/payswitch/internal/lock"
	"github.com/punchamoorthee/payswitch/internal/logger"
	"github.com/punchamoorthee/payswitch/internal/migrations"
	"github.com/punchamoorthee/payswitch/internal/settlement"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "payswitch",
		Short:        "Real-time interbank payment switch",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(settleCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and builds the root logger.
func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log.With(zap.String("env", cfg.Env), zap.Int64("node_id", cfg.NodeID)), nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, saga recovery, outbox publisher and settlement scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer log.Sync()
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func migrateCmd() *cobra.Command {
	var down int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer log.Sync()
			if down > 0 {
				if err := migrations.Down(cfg.DBSource, down); err != nil {
					return err
				}
				log.Info("migrations rolled back", zap.Int("steps", down))
				return nil
			}
			if err := migrations.Up(cfg.DBSource); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "Roll back this many migrations instead of applying")
	return cmd
}

func settleCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Form one settlement batch and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			st, rdb, err := openStorage(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			clk := clock.System()
			var locker lock.Locker = lock.NewLocalLocker(clk)
			if rdb != nil {
				defer rdb.Close()
				locker = lock.NewRedisLocker(rdb)
			}
			engine := settlement.NewEngine(st, locker, clk, cfg.Settle, log)

			run := engine.RunDue
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				run = func(ctx context.Context) (*domain.SettlementBatch, error) { return engine.Form(ctx, t) }
			}
			b, err := run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s transactions=%d volume=%d\n", b.ID, b.Status, len(b.TransactionIDs), b.Volume)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "RFC3339 instant inside the window to form (default: last due window)")
	return cmd
}
