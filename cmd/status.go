package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kumo/internal/jobs"
	"kumo/internal/logging"
)

var (
	statusMigrationID string
	statusStateFile   string
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check migration status",
	Long: `Show the state of a migration from etcd, or from a local state file
written by "kumo migrate" when --state is given. Without --id every known
migration is listed.`,
	Run: func(cmd *cobra.Command, args []string) {
		var store jobs.StateStore
		if statusStateFile != "" {
			s, err := jobs.NewFileStateStore(statusStateFile)
			if err != nil {
				logging.Logger().Fatal("Failed to open state file", zap.Error(err))
			}
			store = s
		} else {
			cfg := loadConfig()
			requireEtcd(cfg)
			store = openEtcdStore(cfg)
		}
		defer store.Close()

		getStatus(store, statusMigrationID)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusMigrationID, "id", "", "Migration ID")
	statusCmd.Flags().StringVar(&statusStateFile, "state", "", "Read a local state file instead of etcd")
}

func getStatus(store jobs.StateStore, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if id != "" {
		state, err := store.Get(ctx, id)
		if err != nil {
			logging.Logger().Fatal("Could not get status", zap.Error(err))
		}
		printState(state)
		return
	}

	states, err := store.List(ctx)
	if err != nil {
		logging.Logger().Fatal("Could not list migrations", zap.Error(err))
	}
	if len(states) == 0 {
		fmt.Println("No migrations found")
		return
	}
	for _, s := range states {
		line := fmt.Sprintf("%s  %-10s %-20s %s -> %s", s.ID, s.Status, s.VM, s.Source, s.Destination)
		if s.StepIndex > 0 {
			line += fmt.Sprintf("  step %d/9 %s", s.StepIndex, s.Step)
		}
		fmt.Println(line)
	}
}
