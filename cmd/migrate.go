package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kumo/internal/jobs"
	"kumo/internal/logging"
	"kumo/internal/migration"
)

var (
	migrateFile              string
	migrateStateFile         string
	migrateTeardownOnFailure bool
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate [migration file]",
	Short: "Run one migration in this process",
	Long: `Run a migration document to completion without a server or queue.
Progress is written to a local state file and can be read back with
"kumo status --state".`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if migrateFile == "" {
			if len(args) > 0 {
				migrateFile = args[0]
			} else {
				logging.Logger().Fatal("Migration file is required")
			}
		}

		cfg := loadConfig()
		spec, err := migration.LoadSpec(migrateFile)
		if err != nil {
			logging.Logger().Fatal("Failed to load migration", zap.String("file", migrateFile), zap.Error(err))
		}

		store, err := jobs.NewFileStateStore(migrateStateFile)
		if err != nil {
			logging.Logger().Fatal("Failed to open state file", zap.Error(err))
		}

		opts, err := managerOptions(cfg, nil, store, openStaging(cfg))
		if err != nil {
			logging.Logger().Fatal("Invalid configuration", zap.Error(err))
		}
		if migrateTeardownOnFailure {
			opts.FailurePolicy = migration.TeardownOnFailure{Sides: []migration.Side{migration.Destination}}
		}
		m, err := jobs.NewManager(opts)
		if err != nil {
			logging.Logger().Fatal("Failed to create job manager", zap.Error(err))
		}

		id := fmt.Sprintf("mig-%s", uuid.NewString())
		state, err := m.Run(context.Background(), id, spec)
		if err != nil {
			logging.Logger().Fatal("Failed to run migration", zap.Error(err))
		}

		printState(state)
		if state.Status != jobs.StatusCompleted {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().StringVarP(&migrateFile, "file", "f", "", "Path to migration YAML or JSON file")
	migrateCmd.Flags().StringVar(&migrateStateFile, "state", "kumo-state.json", "Path to the local state file")
	migrateCmd.Flags().BoolVar(&migrateTeardownOnFailure, "teardown-on-failure", false, "Delete destination resources if the migration fails")
}
