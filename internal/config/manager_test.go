package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.json", `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "storage": {"driver": "sqlite", "path": "./workyard.db"},
  "schedule": {"materialize_batch": 8, "expand_horizon": "720h"},
  "driver": {"enabled": true, "spec": "@every 30s"},
  "notify": {"enabled": true, "workers": 3}
}`)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Schedule == nil || cfg.Schedule.MaterializeBatch != 8 {
		t.Fatalf("schedule = %+v", cfg.Schedule)
	}
	if cfg.Notify == nil || cfg.Notify.Workers != 3 {
		t.Fatalf("notify = %+v", cfg.Notify)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", `
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./workyard.db
  busy_timeout: 2s
`)
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage == nil || cfg.Storage.BusyTimeout != "2s" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown field", "config.json", `{"logging": {"level": "info"}, "telemetry": {}}`},
		{"trailing data", "config.json", `{"logging": {"level": "info"}} {}`},
		{"yaml unknown field", "config.yaml", "logging:\n  level: info\nextra: 1\n"},
		{"garbage", "config.json", `not json`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewConfigManager(writeConfig(t, tt.file, tt.content))
			if _, err := m.Parse(); err == nil {
				t.Fatal("Parse accepted invalid config")
			}
		})
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused")
	ch := m.Subscribe(1)

	first := &Config{Logging: LoggingConfig{Level: "info"}}
	second := &Config{Logging: LoggingConfig{Level: "debug"}}
	m.publish(first)
	m.publish(second) // buffer full: the oldest entry makes room

	if got := <-ch; got != second {
		t.Fatalf("got level %q, want the newest config", got.Logging.Level)
	}
	m.Unsubscribe(ch)
}

func TestUnsubscribeCloses(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	m.publish(&Config{}) // no subscribers left; must not panic
}

func TestWatchPublishesValidChange(t *testing.T) {
	t.Parallel()

	const before = `{"logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}}`
	const after = `{"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}}}`

	path := writeConfig(t, "config.json", before)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(2)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan struct{})
	go func() { defer close(watchDone); _ = m.Watch(ctx) }()

	// Rewrite until a publish arrives; the first write can race watcher
	// startup.
	if err := os.WriteFile(path, []byte(after), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	tick := time.NewTicker(400 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("published level = %q, want debug", cfg.Logging.Level)
			}
			cancel()
			select {
			case <-watchDone:
			case <-time.After(3 * time.Second):
				t.Fatal("Watch did not stop on context cancel")
			}
			return
		case <-tick.C:
			if err := os.WriteFile(path, []byte(after), 0o644); err != nil {
				t.Fatalf("rewrite config: %v", err)
			}
		case <-deadline:
			t.Fatal("no config published after file change")
		}
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationField("x", " 1m "); err != nil || d != time.Minute {
		t.Fatalf("ParseDurationField = (%v, %v), want 1m", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = (%v, %v), want 0", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("garbage duration accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("default = (%v, %v), want 1s", d, err)
	}
}
