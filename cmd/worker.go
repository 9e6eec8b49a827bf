package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kumo/internal/jobs"
	"kumo/internal/logging"
	"kumo/internal/migration"
)

var workerTeardownOnFailure bool

// workerCmd represents the worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queued migrations",
	Long: `Consume the task queue and run up to workers.max_workers migrations at
once. On SIGINT or SIGTERM the worker stops taking new migrations and waits
for the running ones to finish.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		requireEtcd(cfg)

		logging.Logger().Info("Configuration loaded",
			zap.Strings("etcd_endpoints", cfg.Etcd.Endpoints),
			zap.String("staging_dir", cfg.Staging.Dir),
			zap.Int("max_workers", cfg.Workers.MaxWorkers),
		)

		area := openStaging(cfg)
		q := openEtcdQueue(cfg)
		defer q.Close()
		store := openEtcdStore(cfg)
		defer store.Close()

		opts, err := managerOptions(cfg, q, store, area)
		if err != nil {
			logging.Logger().Fatal("Invalid configuration", zap.Error(err))
		}
		if workerTeardownOnFailure {
			opts.FailurePolicy = migration.TeardownOnFailure{Sides: []migration.Side{migration.Destination}}
		}
		m, err := jobs.NewManager(opts)
		if err != nil {
			logging.Logger().Fatal("Failed to create job manager", zap.Error(err))
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		jobs.NewWorker(q, m.Handle, cfg.Workers.MaxWorkers).Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().BoolVar(&workerTeardownOnFailure, "teardown-on-failure", false, "Delete destination resources when a migration fails")
}
