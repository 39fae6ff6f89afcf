package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalJSON = `{
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
  "storage": {"path": "./duewatch.db"},
  "sweep": {"enabled": true, "item_interval": "30m"},
  "queue": {}
}`

func TestLoadMinimalJSON(t *testing.T) {
	m := NewManager(writeConfigFile(t, "config.json", minimalJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Path != "./duewatch.db" {
		t.Fatalf("storage.path = %q", cfg.Storage.Path)
	}
	if !cfg.Sweep.Enabled || cfg.Sweep.ItemInterval != "30m" {
		t.Fatalf("sweep = %+v", cfg.Sweep)
	}
	if cfg.Notifier != nil {
		t.Fatal("omitted notifier section must stay nil")
	}
	if !cfg.RemindersEnabled() {
		t.Fatal("omitted reminders section must default to enabled")
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	m := NewManager(writeConfigFile(t, "config.json", `{
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
  "storage": {"path": "x.db"},
  "sweep": {"enabled": false},
  "queue": {},
  "swep": {"enabled": true}
}`))
	if _, err := m.Load(); err == nil || !strings.Contains(err.Error(), "unknown field") {
		t.Fatalf("err = %v, want unknown field rejection", err)
	}
}

func TestLoadRejectsTrailingData(t *testing.T) {
	m := NewManager(writeConfigFile(t, "config.json", minimalJSON+"\n{}"))
	if _, err := m.Load(); err == nil {
		t.Fatal("trailing JSON document must be rejected")
	}
}

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeConfigFile(t, "config.yaml", `
logging:
  level: debug
  console: false
  file:
    enabled: true
    path: /tmp/duewatch.log
storage:
  path: ./duewatch.db
  busy_timeout: 10s
sweep:
  enabled: true
  project_window_days: 14
reminders:
  enabled: false
notifier:
  enabled: true
  rate_per_sec: 3
  retry_base: 250ms
  retry_max_delay: 5s
  workers: 1
  queue_size: 16
  retry_max: 2
  smtp:
    host: mail.example.com
    port: 587
    from: duewatch@example.com
queue:
  workers: 4
`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.File.Enabled {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.BusyTimeout != "10s" {
		t.Fatalf("storage.busy_timeout = %q", cfg.Storage.BusyTimeout)
	}
	if cfg.Sweep.ProjectWindowDays != 14 {
		t.Fatalf("project_window_days = %d", cfg.Sweep.ProjectWindowDays)
	}
	if cfg.RemindersEnabled() {
		t.Fatal("explicit reminders.enabled=false ignored")
	}
	if cfg.Notifier == nil || cfg.Notifier.SMTP.Host != "mail.example.com" {
		t.Fatalf("notifier = %+v", cfg.Notifier)
	}
	if cfg.Queue.Workers != 4 {
		t.Fatalf("queue.workers = %d", cfg.Queue.Workers)
	}
}

func TestLoadYAMLRejectsUnknownFields(t *testing.T) {
	m := NewManager(writeConfigFile(t, "config.yml", `
logging: {level: info, console: true, file: {enabled: false, path: ""}}
storage: {path: x.db}
sweep: {enabled: false}
queue: {}
notifer: {enabled: true}
`))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown YAML section must be rejected")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{Storage: StorageConfig{Path: "x.db"}}
	}

	t.Run("minimal ok", func(t *testing.T) {
		if err := base().Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	})

	t.Run("missing storage path", func(t *testing.T) {
		cfg := base()
		cfg.Storage.Path = "  "
		if err := cfg.Validate(); err == nil {
			t.Fatal("blank storage.path must fail")
		}
	})

	t.Run("bad duration", func(t *testing.T) {
		cfg := base()
		cfg.Sweep.ItemInterval = "30 minutes"
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "sweep.item_interval") {
			t.Fatalf("err = %v, want field path in error", err)
		}
	})

	t.Run("negative project window", func(t *testing.T) {
		cfg := base()
		cfg.Sweep.ProjectWindowDays = -1
		if err := cfg.Validate(); err == nil {
			t.Fatal("negative window must fail")
		}
	})

	t.Run("smtp needs from", func(t *testing.T) {
		cfg := base()
		cfg.Notifier = &NotifierConfig{Enabled: true, SMTP: SMTPConfig{Host: "mail", Port: 587}}
		if err := cfg.Validate(); err == nil {
			t.Fatal("smtp host without from must fail")
		}
	})

	t.Run("smtp bad port", func(t *testing.T) {
		cfg := base()
		cfg.Notifier = &NotifierConfig{Enabled: true, SMTP: SMTPConfig{Host: "mail", Port: 70000, From: "a@b"}}
		if err := cfg.Validate(); err == nil {
			t.Fatal("out-of-range port must fail")
		}
	})

	t.Run("disabled notifier skips smtp checks", func(t *testing.T) {
		cfg := base()
		cfg.Notifier = &NotifierConfig{Enabled: false, RetryBase: "not a duration"}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	})
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", " 45m "); err != nil || d != 45*time.Minute {
		t.Fatalf("got (%v, %v)", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got (%v, %v)", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration must fail")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("garbage must fail")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: got (%v, %v)", d, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Storage: StorageConfig{Path: "a.db"}}
	newCfg := &Config{
		Storage: StorageConfig{Path: "a.db"},
		Sweep:   SweepConfig{Enabled: true, ItemInterval: "15m"},
		Notifier: &NotifierConfig{
			Enabled: true,
			SMTP:    SMTPConfig{Host: "mail", Port: 587, From: "a@b", Password: "hunter2"},
		},
	}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"notifier", "sweep"}
	if len(changed) != len(want) || changed[0] != want[0] || changed[1] != want[1] {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ev := logger.Info()
	for _, f := range attrs {
		f(ev)
	}
	ev.Send()
	if strings.Contains(buf.String(), "hunter2") {
		t.Fatal("password leaked into log attrs")
	}

	// Identical configs report nothing.
	if changed, _ := SummarizeConfigChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("no-op diff reported %v", changed)
	}
}

func TestRemindersEnabledTriState(t *testing.T) {
	off := false
	on := true
	cases := []struct {
		cfg  *Config
		want bool
	}{
		{nil, true},
		{&Config{}, true},
		{&Config{Reminders: &RemindersConfig{}}, true},
		{&Config{Reminders: &RemindersConfig{Enabled: &off}}, false},
		{&Config{Reminders: &RemindersConfig{Enabled: &on}}, true},
	}
	for i, c := range cases {
		if got := c.cfg.RemindersEnabled(); got != c.want {
			t.Fatalf("case %d: got %v, want %v", i, got, c.want)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope.json"))
	if _, err := m.Load(); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want ErrNotExist", err)
	}
}
