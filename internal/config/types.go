package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"remindbot/pkg/logx"
)

// Environment overrides, applied after the file is parsed.
const (
	EnvCheckInterval = "REMINDER_CHECK_INTERVAL" // milliseconds
	EnvDataDir       = "REMINDER_DATA_DIR"
	EnvMaxAttempts   = "REMINDER_MAX_ATTEMPTS"
)

// Config is the full on-disk configuration.
type Config struct {
	Log       logx.Config     `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type StorageConfig struct {
	// DataDir holds one sqlite database per guild.
	DataDir     string   `yaml:"data_dir"`
	BusyTimeout Duration `yaml:"busy_timeout"`
}

type SchedulerConfig struct {
	Enabled       bool     `yaml:"enabled"`
	CheckInterval Duration `yaml:"check_interval"`
	MaxAttempts   int      `yaml:"max_attempts"`
	Workers       int      `yaml:"workers"`
	RatePerSec    int      `yaml:"rate_per_sec"`
	SendTimeout   Duration `yaml:"send_timeout"`
}

// Default returns a config with every knob at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
		c.Log.Console = true
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		c.Storage.DataDir = "./data"
	}
	if c.Storage.BusyTimeout <= 0 {
		c.Storage.BusyTimeout = Duration(5 * time.Second)
	}
	if c.Scheduler.CheckInterval <= 0 {
		c.Scheduler.CheckInterval = Duration(60 * time.Second)
	}
	if c.Scheduler.MaxAttempts <= 0 {
		c.Scheduler.MaxAttempts = 3
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = 4
	}
	if c.Scheduler.RatePerSec <= 0 {
		c.Scheduler.RatePerSec = 5
	}
	if c.Scheduler.SendTimeout <= 0 {
		c.Scheduler.SendTimeout = Duration(10 * time.Second)
	}
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvCheckInterval)); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("%s: expected positive milliseconds, got %q", EnvCheckInterval, v)
		}
		c.Scheduler.CheckInterval = Duration(time.Duration(ms) * time.Millisecond)
	}
	if v := strings.TrimSpace(os.Getenv(EnvDataDir)); v != "" {
		c.Storage.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvMaxAttempts)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s: expected positive integer, got %q", EnvMaxAttempts, v)
		}
		c.Scheduler.MaxAttempts = n
	}
	return nil
}

func (c *Config) validate() error {
	if time.Duration(c.Scheduler.CheckInterval) < time.Second {
		return fmt.Errorf("scheduler.check_interval: must be at least 1s, got %s", time.Duration(c.Scheduler.CheckInterval))
	}
	if c.Scheduler.Workers > 64 {
		return fmt.Errorf("scheduler.workers: %d is unreasonably large", c.Scheduler.Workers)
	}
	return nil
}
