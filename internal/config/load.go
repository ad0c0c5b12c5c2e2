package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	DriverTelegram = "telegram"
	DriverMock     = "mock"
)

// Load reads, strictly decodes, defaults and validates a config file.
// Both YAML and JSON are accepted; unknown keys are rejected so typos
// surface at startup instead of silently defaulting.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(path, b)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes config bytes. The path picks the format by extension.
func Parse(path string, b []byte) (*Config, error) {
	jb, err := yamlToJSON(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Transport.Driver) == "" {
		c.Transport.Driver = DriverTelegram
	}
	c.Transport.Driver = strings.ToLower(strings.TrimSpace(c.Transport.Driver))
	if c.Transport.PollTimeout == "" {
		c.Transport.PollTimeout = "10s"
	}
	if c.Transport.RatePerSec <= 0 {
		c.Transport.RatePerSec = 25
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "INFO"
	}
	if c.Storage.CorePath == "" {
		c.Storage.CorePath = "./data/core.db"
	}
	if c.Storage.SchedulePath == "" {
		c.Storage.SchedulePath = "./data/schedule.db"
	}
	if c.Storage.BusyTimeout == "" {
		c.Storage.BusyTimeout = "5s"
	}
	if c.Budget.DefaultReplenishment == "" {
		c.Budget.DefaultReplenishment = "1000"
	}
	if c.Budget.DefaultStartBalance == "" {
		c.Budget.DefaultStartBalance = "1000"
	}
	if strings.TrimSpace(c.Schedule.Timezone) == "" {
		c.Schedule.Timezone = "UTC"
	}
	if c.Sessions.TTL == "" {
		c.Sessions.TTL = "48h"
	}
	if c.Sessions.SweepEvery == "" {
		c.Sessions.SweepEvery = "1h"
	}
	if c.Reaper.MaxIdleDays <= 0 {
		c.Reaper.MaxIdleDays = 30
	}
}

func (c *Config) validate() error {
	switch c.Transport.Driver {
	case DriverTelegram:
		if strings.TrimSpace(c.Transport.Token) == "" {
			return fmt.Errorf("transport.token: required for the telegram driver")
		}
	case DriverMock:
		// token not needed
	default:
		return fmt.Errorf("transport.driver: unknown driver %q", c.Transport.Driver)
	}

	if _, err := ParseDurationField("transport.poll_timeout", c.Transport.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("sessions.ttl", c.Sessions.TTL); err != nil {
		return err
	}
	if _, err := ParseDurationField("sessions.sweep_every", c.Sessions.SweepEvery); err != nil {
		return err
	}

	repl, start, err := c.Budget.Defaults()
	if err != nil {
		return fmt.Errorf("budget: invalid decimal: %w", err)
	}
	if repl.IsNegative() || repl.IsZero() {
		return fmt.Errorf("budget.default_replenishment: must be > 0")
	}
	if start.IsNegative() {
		return fmt.Errorf("budget.default_start_balance: must be >= 0")
	}

	if _, err := c.Schedule.Location(); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}

	if c.Catalog.Watch && strings.TrimSpace(c.Catalog.Path) == "" {
		return fmt.Errorf("catalog.watch: requires catalog.path")
	}
	return nil
}
