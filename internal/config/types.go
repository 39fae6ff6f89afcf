package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage is required: work items, notifications and queued reminder jobs
	// all live in the same SQLite database.
	Storage StorageConfig `json:"storage"`

	// Sweep controls the periodic risk scans (item-level and project-level).
	Sweep SweepConfig `json:"sweep"`

	// Reminders controls deadline reminder scheduling defaults.
	Reminders *RemindersConfig `json:"reminders,omitempty"`

	// Notifier controls the async email pipeline.
	// If omitted, the notifier defaults to enabled with in-app records only.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	// Queue controls the delayed-job runner executing reminder dispatches.
	Queue QueueConfig `json:"queue"`
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

// StorageConfig controls the SQLite persistence layer.
//
// Example:
//
//	"storage": { "path": "./duewatch.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// SweepConfig controls the periodic deadline-risk scans.
//
// All durations are Go duration strings (e.g. "30m", "5m").
//
// Defaults (when fields are omitted/zero):
//   - item_interval: "30m"
//   - project_interval: "5m"
//   - project_window_days: 7
//   - dedup_window: "24h"
//   - retry_max: 2
type SweepConfig struct {
	Enabled           bool   `json:"enabled"`
	ItemInterval      string `json:"item_interval,omitempty"`
	ProjectInterval   string `json:"project_interval,omitempty"`
	ProjectWindowDays int    `json:"project_window_days,omitempty"`
	DedupWindow       string `json:"dedup_window,omitempty"`
	RetryMax          int    `json:"retry_max,omitempty"`
}

// RemindersConfig controls deadline reminder scheduling.
//
// Enabled is a pointer so we can distinguish "omitted" (default true)
// from an explicit false.
type RemindersConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
}

// NotifierConfig controls the async email pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, email delivery is disabled and only
// in-app notification records are written.
type NotifierConfig struct {
	Enabled       bool       `json:"enabled"`
	Workers       int        `json:"workers"`
	QueueSize     int        `json:"queue_size"`
	RatePerSec    int        `json:"rate_per_sec"`
	RetryMax      int        `json:"retry_max"`
	RetryBase     string     `json:"retry_base"`
	RetryMaxDelay string     `json:"retry_max_delay"`
	SMTP          SMTPConfig `json:"smtp"`
}

// SMTPConfig describes the outbound mail relay. Password is never logged.
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	From     string `json:"from"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// QueueConfig controls the delayed-job runner.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "30s"
//   - retry_max: 3
type QueueConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// Validate checks cross-field constraints that the strict decoder can't.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("sweep.item_interval", c.Sweep.ItemInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("sweep.project_interval", c.Sweep.ProjectInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("sweep.dedup_window", c.Sweep.DedupWindow); err != nil {
		return err
	}
	if c.Sweep.ProjectWindowDays < 0 {
		return errors.New("sweep.project_window_days must be >= 0")
	}
	if _, err := ParseDurationField("queue.default_timeout", c.Queue.DefaultTimeout); err != nil {
		return err
	}
	if n := c.Notifier; n != nil && n.Enabled {
		if _, err := ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
			return err
		}
		if _, err := ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
			return err
		}
		if strings.TrimSpace(n.SMTP.Host) != "" {
			if n.SMTP.Port <= 0 || n.SMTP.Port > 65535 {
				return fmt.Errorf("notifier.smtp.port: invalid port %d", n.SMTP.Port)
			}
			if strings.TrimSpace(n.SMTP.From) == "" {
				return errors.New("notifier.smtp.from is required when smtp.host is set")
			}
		}
	}
	return nil
}

// RemindersEnabled resolves the tri-state reminders.enabled flag.
func (c *Config) RemindersEnabled() bool {
	if c == nil || c.Reminders == nil || c.Reminders.Enabled == nil {
		return true
	}
	return *c.Reminders.Enabled
}
