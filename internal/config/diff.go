package config

import (
	"reflect"
	"sort"
	"strings"

	logx "duewatch/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like the
// SMTP password).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage
	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Sweep
	if !reflect.DeepEqual(oldCfg.Sweep, newCfg.Sweep) {
		changed = append(changed, "sweep")
		attrs = append(attrs,
			logx.Bool("sweep.enabled", newCfg.Sweep.Enabled),
			logx.String("sweep.item_interval", strings.TrimSpace(newCfg.Sweep.ItemInterval)),
			logx.String("sweep.project_interval", strings.TrimSpace(newCfg.Sweep.ProjectInterval)),
			logx.Int("sweep.project_window_days", newCfg.Sweep.ProjectWindowDays),
			logx.String("sweep.dedup_window", strings.TrimSpace(newCfg.Sweep.DedupWindow)),
		)
	}

	// Reminders (tri-state enabled)
	if oldCfg.RemindersEnabled() != newCfg.RemindersEnabled() {
		changed = append(changed, "reminders")
		attrs = append(attrs, logx.Bool("reminders.enabled", newCfg.RemindersEnabled()))
	}

	// Notifier. Section may be nil (omitted); nil means email delivery off.
	oldN := derefNotifier(oldCfg.Notifier)
	newN := derefNotifier(newCfg.Notifier)
	if !reflect.DeepEqual(oldN, newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Bool("notifier.smtp_set", strings.TrimSpace(newN.SMTP.Host) != ""),
		)
	}

	// Queue
	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.workers", newCfg.Queue.Workers),
			logx.Int("queue.queue_size", newCfg.Queue.QueueSize),
			logx.String("queue.default_timeout", strings.TrimSpace(newCfg.Queue.DefaultTimeout)),
			logx.Int("queue.retry_max", newCfg.Queue.RetryMax),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	// Copy without the password so DeepEqual-based change detection
	// never forces us to log or surface it.
	cp := *n
	cp.SMTP.Password = "***"
	if strings.TrimSpace(n.SMTP.Password) == "" {
		cp.SMTP.Password = ""
	}
	return cp
}
