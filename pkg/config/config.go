package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crowdio/foreman/pkg/scheduler"
)

// Config holds foreman daemon configuration. Values come from an
// optional YAML file with CLI flags layered on top.
type Config struct {
	ListenAddr    string        `yaml:"listen_addr"`
	DataDir       string        `yaml:"data_dir"`
	CheckpointDir string        `yaml:"checkpoint_dir"`
	Scheduler     string        `yaml:"scheduler"`
	LogLevel      string        `yaml:"log_level"`
	LogJSON       bool          `yaml:"log_json"`

	MaxTaskRetries     int           `yaml:"max_task_retries"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	StallThreshold     time.Duration `yaml:"stall_threshold"`
	CompactThreshold   int           `yaml:"compact_threshold"`
	ResumeMaxAge       time.Duration `yaml:"resume_max_age"`
}

// Default returns the configuration used when nothing is specified
func Default() *Config {
	return &Config{
		ListenAddr:        ":7070",
		DataDir:           "./data",
		CheckpointDir:     "./data/checkpoints",
		Scheduler:         scheduler.NameFIFO,
		LogLevel:          "info",
		MaxTaskRetries:    3,
		HeartbeatInterval: 30 * time.Second,
		SweepInterval:     time.Minute,
		StallThreshold:    5 * time.Minute,
		CompactThreshold:  50,
		ResumeMaxAge:      time.Hour,
	}
}

// Load reads a YAML config file over the defaults. An empty path just
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks field ranges and the scheduler name
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if _, err := scheduler.New(c.Scheduler); err != nil {
		return err
	}
	if c.CompactThreshold < 2 {
		return fmt.Errorf("compact_threshold must be at least 2, got %d", c.CompactThreshold)
	}
	return nil
}
