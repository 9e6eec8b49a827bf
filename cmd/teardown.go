package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kumo/internal/driver"
	"kumo/internal/logging"
	"kumo/internal/migration"
)

var (
	teardownFile        string
	teardownSide        string
	teardownStartSource bool
)

// teardownCmd represents the teardown command
var teardownCmd = &cobra.Command{
	Use:   "teardown [migration file]",
	Short: "Delete the resources a migration created on one side",
	Long: `Delete the server, image and bucket kumo created for a virtual machine
on the source or destination account of a migration document. With
--start-source the source server is started again afterwards.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if teardownFile == "" {
			if len(args) > 0 {
				teardownFile = args[0]
			} else {
				logging.Logger().Fatal("Migration file is required")
			}
		}
		var side migration.Side
		if teardownSide != "" {
			s, err := migration.ParseSide(teardownSide)
			if err != nil {
				logging.Logger().Fatal("Invalid side", zap.Error(err))
			}
			side = s
		} else if !teardownStartSource {
			logging.Logger().Fatal("Nothing to do, pass --side and/or --start-source")
		}

		cfg := loadConfig()
		spec, err := migration.LoadSpec(teardownFile)
		if err != nil {
			logging.Logger().Fatal("Failed to load migration", zap.String("file", teardownFile), zap.Error(err))
		}
		opts, err := managerOptions(cfg, nil, nil, openStaging(cfg))
		if err != nil {
			logging.Logger().Fatal("Invalid configuration", zap.Error(err))
		}

		ctx := context.Background()
		build := func(s migration.Side) driver.Driver {
			d, err := driver.New(ctx, driver.Params{
				VM:         spec.VirtualMachine,
				Account:    spec.Account(s),
				Staging:    opts.Staging,
				Short:      opts.Short,
				Long:       opts.Long,
				DiskTool:   opts.DiskTool,
				Runner:     opts.Runner,
				GcloudPath: opts.GcloudPath,
			})
			if err != nil {
				logging.Logger().Fatal("Failed to create driver", zap.String("side", string(s)), zap.Error(err))
			}
			return driver.WithAudit(d, string(s), nil, driver.LogRecorder{})
		}

		// only the sides being touched need credentials that work
		var source, destination driver.Driver
		if side == migration.Source || teardownStartSource {
			source = build(migration.Source)
		}
		if side == migration.Destination {
			destination = build(migration.Destination)
		}
		orch := migration.New(spec.VirtualMachine, source, destination)

		failed := false
		if side != "" {
			if err := orch.Teardown(ctx, side); err != nil {
				logging.Logger().Error("Teardown incomplete", zap.String("side", string(side)), zap.Error(err))
				failed = true
			}
		}
		if teardownStartSource {
			if err := orch.RestartSource(ctx); err != nil {
				logging.Logger().Error("Failed to start source server", zap.Error(err))
				failed = true
			}
		}
		if failed {
			logging.Logger().Fatal("Teardown finished with errors")
		}
		logging.Logger().Info("Teardown finished", zap.String("vm", spec.VirtualMachine))
	},
}

func init() {
	rootCmd.AddCommand(teardownCmd)

	teardownCmd.Flags().StringVarP(&teardownFile, "file", "f", "", "Path to migration YAML or JSON file")
	teardownCmd.Flags().StringVar(&teardownSide, "side", "", "Side to tear down: source or destination")
	teardownCmd.Flags().BoolVar(&teardownStartSource, "start-source", false, "Start the source server again")
}
