// Package config loads the worker's static configuration from an
// optional YAML file and the RUNPOD_* environment surface (spec.md §6);
// environment variables win over the file. CLI flag overrides are applied
// afterward by cmd/worker, not by this package.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the JobScaler and its collaborators need at
// startup. Fields map 1:1 onto spec.md §6's environment variables except
// where noted.
type Config struct {
	AcquireURL    string `mapstructure:"RUNPOD_WEBHOOK_GET_JOB"`
	PostOutputURL string `mapstructure:"RUNPOD_WEBHOOK_POST_OUTPUT"`
	PostStreamURL string `mapstructure:"RUNPOD_WEBHOOK_POST_STREAM"`
	PingURL       string `mapstructure:"RUNPOD_WEBHOOK_PING"`

	PingIntervalSec int `mapstructure:"RUNPOD_PING_INTERVAL"`

	PodID       string `mapstructure:"RUNPOD_POD_ID"`
	PodHostname string `mapstructure:"RUNPOD_POD_HOSTNAME"`

	DebugLevel string `mapstructure:"RUNPOD_DEBUG_LEVEL"`

	// Not part of the env surface. Load sets these to fixed defaults; they
	// are not read from the YAML file or the environment. cmd/worker sets
	// LocalTestMode when it starts the local control-plane simulator.
	WorkerID              string
	Concurrency           int
	MaxPayloadBytes       int64
	RefreshWorker         bool
	ReturnAggregateStream bool
	HandlerTimeout        time.Duration
	LocalTestMode         bool
}

// PingInterval returns PingIntervalSec as a time.Duration.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSec) * time.Second
}

// ServingMode reports whether the worker has enough configuration to
// reach a control plane (spec.md §6: presence of RUNPOD_WEBHOOK_GET_JOB
// switches the worker into serving mode).
func (c *Config) ServingMode() bool {
	return c.AcquireURL != ""
}

// Load reads configuration from environment variables and, if present,
// an optional YAML file at path. Env vars always win over the file,
// matching the teacher's "Env Vars > Config File > Defaults" priority.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("RUNPOD_PING_INTERVAL", 10)
	v.SetDefault("RUNPOD_DEBUG_LEVEL", "INFO")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	for _, key := range []string{
		"RUNPOD_WEBHOOK_GET_JOB", "RUNPOD_WEBHOOK_POST_OUTPUT",
		"RUNPOD_WEBHOOK_POST_STREAM", "RUNPOD_WEBHOOK_PING",
		"RUNPOD_PING_INTERVAL", "RUNPOD_POD_ID", "RUNPOD_POD_HOSTNAME",
		"RUNPOD_DEBUG_LEVEL",
	} {
		_ = v.BindEnv(key)
	}

	cfg := &Config{
		AcquireURL:      v.GetString("RUNPOD_WEBHOOK_GET_JOB"),
		PostOutputURL:   v.GetString("RUNPOD_WEBHOOK_POST_OUTPUT"),
		PostStreamURL:   v.GetString("RUNPOD_WEBHOOK_POST_STREAM"),
		PingURL:         v.GetString("RUNPOD_WEBHOOK_PING"),
		PingIntervalSec: v.GetInt("RUNPOD_PING_INTERVAL"),
		PodID:           v.GetString("RUNPOD_POD_ID"),
		PodHostname:     v.GetString("RUNPOD_POD_HOSTNAME"),
		DebugLevel:      v.GetString("RUNPOD_DEBUG_LEVEL"),

		Concurrency:     3,
		MaxPayloadBytes: 2 << 20,
	}

	if err := applyDefaults(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) error {
	if cfg.WorkerID == "" {
		if cfg.PodID != "" {
			cfg.WorkerID = cfg.PodID
		} else {
			hostname, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("worker id not set and unable to retrieve hostname: %w", err)
			}
			cfg.WorkerID = hostname
		}
	}
	if cfg.PingIntervalSec <= 0 {
		cfg.PingIntervalSec = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return nil
}
