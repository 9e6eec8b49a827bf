package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"kumo/internal/poll"

	"gopkg.in/yaml.v2"
)

// Config contains application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Etcd    EtcdConfig    `yaml:"etcd"`
	Staging StagingConfig `yaml:"staging"`
	Workers WorkersConfig `yaml:"workers"`
	Polling PollingConfig `yaml:"polling"`
	Tools   ToolsConfig   `yaml:"tools"`
}

// ServerConfig configures the HTTP request intake
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// EtcdConfig configures the broker and job state store
type EtcdConfig struct {
	Endpoints   []string `yaml:"endpoints"`
	DialTimeout string   `yaml:"dial_timeout"`
	QueuePrefix string   `yaml:"queue_prefix"`
	StatePrefix string   `yaml:"state_prefix"`
}

// StagingConfig locates the local hand-off directory for disk artifacts
type StagingConfig struct {
	Dir string `yaml:"dir"`
}

// WorkersConfig bounds how many migrations one worker process runs at once
type WorkersConfig struct {
	MaxWorkers int `yaml:"max_workers"`
}

// BudgetConfig is one poll budget class
type BudgetConfig struct {
	Interval    string `yaml:"interval"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// PollingConfig holds the short (instance power, bucket) and long (export, import) budgets
type PollingConfig struct {
	Short BudgetConfig `yaml:"short"`
	Long  BudgetConfig `yaml:"long"`
}

// ToolsConfig points at external binaries used by some drivers
type ToolsConfig struct {
	QemuImg string `yaml:"qemu_img"`
	Gcloud  string `yaml:"gcloud"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	return &Config{
		Server: ServerConfig{Listen: ":8080"},
		Etcd: EtcdConfig{
			DialTimeout: "5s",
			QueuePrefix: "/kumo/queue/",
			StatePrefix: "/kumo/migrations/",
		},
		Staging: StagingConfig{Dir: "/var/lib/kumo/staging"},
		Workers: WorkersConfig{MaxWorkers: 2},
		Polling: PollingConfig{
			Short: BudgetConfig{Interval: "1s", MaxAttempts: 600},
			Long:  BudgetConfig{Interval: "1s", MaxAttempts: 43200},
		},
		Tools: ToolsConfig{QemuImg: "qemu-img", Gcloud: "gcloud"},
	}
}

// Load loads configuration from YAML file
func Load() (*Config, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "kumo.yaml"
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Expand environment variables in string fields
	config.Server.Listen = os.ExpandEnv(config.Server.Listen)
	config.Staging.Dir = os.ExpandEnv(config.Staging.Dir)
	config.Tools.QemuImg = os.ExpandEnv(config.Tools.QemuImg)
	config.Tools.Gcloud = os.ExpandEnv(config.Tools.Gcloud)
	for i, ep := range config.Etcd.Endpoints {
		config.Etcd.Endpoints[i] = os.ExpandEnv(ep)
	}

	if dir := os.Getenv("KUMO_STAGING_DIR"); dir != "" {
		config.Staging.Dir = dir
	}
	if listen := os.Getenv("KUMO_LISTEN"); listen != "" {
		config.Server.Listen = listen
	}
	if endpoints := os.Getenv("ETCD_ENDPOINTS"); endpoints != "" {
		config.Etcd.Endpoints = strings.Split(endpoints, ",")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks required parameters
func (c *Config) Validate() error {
	if c.Staging.Dir == "" {
		return fmt.Errorf("staging directory is required (set staging.dir in config file or KUMO_STAGING_DIR environment variable)")
	}
	if c.Workers.MaxWorkers < 1 {
		return fmt.Errorf("workers.max_workers must be at least 1, got %d", c.Workers.MaxWorkers)
	}
	if _, err := c.ShortBudget(); err != nil {
		return fmt.Errorf("polling.short: %w", err)
	}
	if _, err := c.LongBudget(); err != nil {
		return fmt.Errorf("polling.long: %w", err)
	}
	if _, err := time.ParseDuration(c.Etcd.DialTimeout); err != nil {
		return fmt.Errorf("etcd.dial_timeout: %w", err)
	}
	return nil
}

// ShortBudget is the poll policy for operations expected to settle within minutes
func (c *Config) ShortBudget() (poll.Policy, error) {
	return c.Polling.Short.policy()
}

// LongBudget is the poll policy for disk export and import
func (c *Config) LongBudget() (poll.Policy, error) {
	return c.Polling.Long.policy()
}

// EtcdDialTimeout returns the parsed dial timeout
func (c *Config) EtcdDialTimeout() time.Duration {
	d, err := time.ParseDuration(c.Etcd.DialTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

func (b BudgetConfig) policy() (poll.Policy, error) {
	interval, err := time.ParseDuration(b.Interval)
	if err != nil {
		return poll.Policy{}, fmt.Errorf("invalid interval %q: %w", b.Interval, err)
	}
	p := poll.Policy{Interval: interval, MaxAttempts: b.MaxAttempts}
	if err := p.Validate(); err != nil {
		return poll.Policy{}, err
	}
	return p, nil
}
