package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

// WatchConfig holds watch command settings. Flags override file values,
// file values override defaults.
type WatchConfig struct {
	// Adapter names the local adapter the session is attributed to.
	Adapter string `yaml:"adapter" default:"hci0"`

	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`

	// Intermediate enables intermediate temperature streaming.
	Intermediate bool `yaml:"intermediate" default:"false"`

	// Interval, when non-zero, is written to the device after connecting.
	Interval uint16 `yaml:"interval" default:"0"`
}

// UnmarshalYAML overlays the file's values onto whatever the config
// already holds, so fields absent from the file keep their defaults.
// Durations are accepted in "30s" form.
func (c *WatchConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		Adapter        *string `yaml:"adapter"`
		ConnectTimeout *string `yaml:"connect_timeout"`
		Intermediate   *bool   `yaml:"intermediate"`
		Interval       *uint16 `yaml:"interval"`
	}
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}

	if r.Adapter != nil {
		c.Adapter = *r.Adapter
	}
	if r.ConnectTimeout != nil {
		d, err := time.ParseDuration(*r.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("invalid connect_timeout: %w", err)
		}
		c.ConnectTimeout = d
	}
	if r.Intermediate != nil {
		c.Intermediate = *r.Intermediate
	}
	if r.Interval != nil {
		c.Interval = *r.Interval
	}
	return nil
}

// loadWatchConfig returns defaults when path is empty, otherwise defaults
// overlaid with the YAML file at path.
func loadWatchConfig(path string) (*WatchConfig, error) {
	cfg := &WatchConfig{}
	defaults.SetDefaults(cfg)

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	return cfg, nil
}
