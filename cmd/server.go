package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kumo/internal/jobs"
	"kumo/internal/logging"
	"kumo/internal/server"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the kumo request intake",
	Long: `Start the HTTP intake. POST /migrate accepts a migration document and
queues it for a worker; GET /migrations/{id} reports its progress. All
settings are read from the config file.`,
	Run: func(cmd *cobra.Command, args []string) {
		logging.Logger().Info("Starting kumo server")

		cfg := loadConfig()
		requireEtcd(cfg)

		logging.Logger().Info("Configuration loaded",
			zap.String("listen", cfg.Server.Listen),
			zap.Strings("etcd_endpoints", cfg.Etcd.Endpoints),
		)

		q := openEtcdQueue(cfg)
		defer q.Close()
		store := openEtcdStore(cfg)
		defer store.Close()

		opts, err := managerOptions(cfg, q, store, nil)
		if err != nil {
			logging.Logger().Fatal("Invalid configuration", zap.Error(err))
		}
		m, err := jobs.NewManager(opts)
		if err != nil {
			logging.Logger().Fatal("Failed to create job manager", zap.Error(err))
		}

		srv := server.NewServer(m)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logging.Logger().Error("Server shutdown failed", zap.Error(err))
			}
		}()

		if err := srv.Start(cfg.Server.Listen); err != nil {
			logging.Logger().Fatal("Server failed", zap.Error(err))
		}
		logging.Logger().Info("Server stopped")
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
