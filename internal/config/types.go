package config

import (
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	Transport TransportConfig `json:"transport"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Budget    BudgetConfig    `json:"budget"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Catalog   CatalogConfig   `json:"catalog"`
	Sessions  SessionsConfig  `json:"sessions"`
	Reaper    ReaperConfig    `json:"reaper"`
}

// TransportConfig selects and tunes the chat transport.
//
// Driver is "telegram" (long polling against the Bot API) or "mock"
// (console transport on stdin/stdout, no token needed).
type TransportConfig struct {
	Driver string `json:"driver"`
	Token  string `json:"token,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// RatePerSec caps outbound sends (Bot API budget).
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig points at the two sqlite files. The core store holds
// chats, budgets and catalog messages; the schedule store holds the
// crontab rows the periodic-task runner consumes. They stay separate
// on purpose.
type StorageConfig struct {
	CorePath     string `json:"core_path"`
	SchedulePath string `json:"schedule_path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // Go duration string
}

// BudgetConfig holds the amounts used when a chat is engaged during its
// first schedule commit. Values are decimal strings ("1000", "250.50").
type BudgetConfig struct {
	DefaultReplenishment string `json:"default_replenishment"`
	DefaultStartBalance  string `json:"default_start_balance"`
}

// Defaults returns the parsed engage amounts.
func (c BudgetConfig) Defaults() (replenishment, startBalance decimal.Decimal, err error) {
	replenishment, err = decimal.NewFromString(c.DefaultReplenishment)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	startBalance, err = decimal.NewFromString(c.DefaultStartBalance)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return replenishment, startBalance, nil
}

type ScheduleConfig struct {
	// Timezone applies to every crontab row written to the schedule
	// store (IANA name, e.g. "Europe/Berlin").
	Timezone string `json:"timezone,omitempty"`
}

// Location resolves the configured timezone.
func (c ScheduleConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

type CatalogConfig struct {
	// Path of an operator-maintained messages file (YAML). Empty means
	// embedded defaults only.
	Path string `json:"path,omitempty"`
	// Watch reloads the messages file on change.
	Watch bool `json:"watch,omitempty"`
}

type SessionsConfig struct {
	// TTL evicts dialogue sessions idle longer than this (Go duration string).
	TTL string `json:"ttl,omitempty"`
	// SweepEvery is the eviction ticker period.
	SweepEvery string `json:"sweep_every,omitempty"`
}

type ReaperConfig struct {
	// MaxIdleDays: chats silent at least this many days are terminated
	// by the idle sweep.
	MaxIdleDays int `json:"max_idle_days,omitempty"`
}
