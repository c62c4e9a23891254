// Package config loads the bridge options file.
package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Options is the options.yaml structure.
type Options struct {
	// PollIntervalSeconds between device refreshes. Thermostats may take
	// minutes to report changes; polling faster than 30s gains nothing.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// EntityPrefix prepended to every Home Assistant helper entity name.
	EntityPrefix string `yaml:"entity_prefix"`

	// HvacModes offered on climate entities ("heat", "cool", "off").
	HvacModes []string `yaml:"hvac_modes"`

	// StatusPort for the local status HTTP server; 0 disables it.
	StatusPort int `yaml:"status_port"`
}

// Defaults applied when the options file is absent or fields are unset.
const (
	defaultPollIntervalSeconds = 60
	defaultEntityPrefix        = "besmart"
)

// Load reads options from path. An empty path yields defaults.
func Load(path string, logger *zap.Logger) (*Options, error) {
	opts := &Options{
		PollIntervalSeconds: defaultPollIntervalSeconds,
		EntityPrefix:        defaultEntityPrefix,
		HvacModes:           []string{"heat", "off"},
	}

	if path == "" {
		logger.Info("no options file configured, using defaults")
		return opts, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read options file: %w", err)
	}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("failed to parse options file: %w", err)
	}

	if opts.PollIntervalSeconds <= 0 {
		opts.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	if opts.EntityPrefix == "" {
		opts.EntityPrefix = defaultEntityPrefix
	}
	if len(opts.HvacModes) == 0 {
		opts.HvacModes = []string{"heat", "off"}
	}

	logger.Info("options loaded",
		zap.String("path", path),
		zap.Int("poll_interval_seconds", opts.PollIntervalSeconds),
		zap.String("entity_prefix", opts.EntityPrefix))
	return opts, nil
}

// PollInterval returns the poll interval as a duration.
func (o *Options) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalSeconds) * time.Second
}
