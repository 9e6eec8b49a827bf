package cmd

import (
	"fmt"

	"go.uber.org/zap"

	"kumo/internal/config"
	"kumo/internal/driver"
	"kumo/internal/jobs"
	"kumo/internal/logging"
	"kumo/internal/queue"
	"kumo/internal/staging"
)

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
	}
	return cfg
}

// managerOptions builds job runner options from the config. q may be nil for
// in-process runs.
func managerOptions(cfg *config.Config, q queue.Client, store jobs.StateStore, area *staging.Area) (jobs.Options, error) {
	short, err := cfg.ShortBudget()
	if err != nil {
		return jobs.Options{}, err
	}
	long, err := cfg.LongBudget()
	if err != nil {
		return jobs.Options{}, err
	}
	return jobs.Options{
		Queue:      q,
		Store:      store,
		Staging:    area,
		Short:      short,
		Long:       long,
		DiskTool:   driver.NewQemuImg(cfg.Tools.QemuImg),
		Runner:     driver.ExecRunner{},
		GcloudPath: cfg.Tools.Gcloud,
	}, nil
}

func openStaging(cfg *config.Config) *staging.Area {
	area, err := staging.New(cfg.Staging.Dir)
	if err != nil {
		logging.Logger().Fatal("Failed to open staging area", zap.String("dir", cfg.Staging.Dir), zap.Error(err))
	}
	return area
}

func openEtcdQueue(cfg *config.Config) *queue.EtcdQueue {
	q, err := queue.NewEtcdQueue(cfg.Etcd.Endpoints, cfg.EtcdDialTimeout(), queue.EtcdOptions{Prefix: cfg.Etcd.QueuePrefix})
	if err != nil {
		logging.Logger().Fatal("Failed to create task queue", zap.Error(err))
	}
	return q
}

func openEtcdStore(cfg *config.Config) *jobs.EtcdStateStore {
	store, err := jobs.NewEtcdStateStore(cfg.Etcd.Endpoints, cfg.EtcdDialTimeout(), cfg.Etcd.StatePrefix)
	if err != nil {
		logging.Logger().Fatal("Failed to create state store", zap.Error(err))
	}
	return store
}

func requireEtcd(cfg *config.Config) {
	if len(cfg.Etcd.Endpoints) == 0 {
		logging.Logger().Fatal("etcd endpoints are required, set etcd.endpoints or ETCD_ENDPOINTS")
	}
}

func printState(s *jobs.State) {
	fmt.Printf("Migration ID: %s\n", s.ID)
	fmt.Printf("Virtual machine: %s (%s -> %s)\n", s.VM, s.Source, s.Destination)
	fmt.Printf("Status: %s\n", s.Status)
	if s.StepIndex > 0 {
		fmt.Printf("Step: %d/9 %s\n", s.StepIndex, s.Step)
	}
	if s.Error != "" {
		fmt.Printf("Error: [%s] %s\n", s.Kind, s.Error)
	}
	if s.Image != "" {
		fmt.Printf("Image: %s\n", s.Image)
	}
	if len(s.Operations) > 0 {
		fmt.Println("\nOperations:")
		for _, op := range s.Operations {
			line := fmt.Sprintf("- %s.%s (%s) %s", op.Side, op.Operation, op.Provider, op.Duration)
			if op.Error != "" {
				line += " failed: " + logging.Truncate(op.Error)
			}
			fmt.Println(line)
		}
	}
}
