// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("log defaults = %+v", cfg.Log)
	}
	if cfg.Engine.Workers != 4 || cfg.Engine.QueueCapacity != 64 {
		t.Errorf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Engine.AgentRetention != 10*time.Minute {
		t.Errorf("agent_retention = %v, want 10m", cfg.Engine.AgentRetention)
	}
	if cfg.Governor.RefillRate != 5.0 || cfg.Governor.Burst != 10.0 {
		t.Errorf("governor defaults = %+v", cfg.Governor)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.InitialDelay != 100*time.Millisecond {
		t.Errorf("retry defaults = %+v", cfg.Retry)
	}
	if cfg.Plugins.DrainGrace != 5*time.Second || cfg.Plugins.CancelAckGrace != 2*time.Second {
		t.Errorf("plugin grace defaults = %+v", cfg.Plugins)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nexus.yaml")
	raw := `
log:
  level: debug
engine:
  workers: 8
governor:
  burst: 20
  classes:
    chain:
      refill_rate: 1
      burst: 3
plugins:
  dir: /srv/nexus/plugins
  watch_reload: true
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q", cfg.Log.Level)
	}
	if cfg.Engine.Workers != 8 {
		t.Errorf("workers = %d", cfg.Engine.Workers)
	}
	if cfg.Governor.Burst != 20 {
		t.Errorf("burst = %v", cfg.Governor.Burst)
	}
	if limit, ok := cfg.Governor.Classes["chain"]; !ok || limit.Burst != 3 {
		t.Errorf("class override = %+v", cfg.Governor.Classes)
	}
	if !cfg.Plugins.WatchReload || cfg.Plugins.Dir != "/srv/nexus/plugins" {
		t.Errorf("plugins = %+v", cfg.Plugins)
	}
	// Untouched keys keep their defaults.
	if cfg.Engine.QueueCapacity != 64 {
		t.Errorf("queue_capacity = %d, want default 64", cfg.Engine.QueueCapacity)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nexus.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NEXUS_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log.level = %q, want env override warn", cfg.Log.Level)
	}
}

func TestWatcherReloadsConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nexus.yaml")
	if err := os.WriteFile(path, []byte("governor:\n  burst: 10\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path, WithWatchInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	reloaded := make(chan *Config, 4)
	w.OnChange(func(cfg *Config) { reloaded <- cfg })
	w.Start(t.Context())
	defer w.Stop()

	if got := w.Config().Governor.Burst; got != 10 {
		t.Fatalf("initial burst = %v, want 10", got)
	}

	// A file that stops parsing is skipped and the last good config kept.
	if err := os.WriteFile(path, []byte(":: not yaml ::\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("governor:\n  burst: 25\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	future = future.Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Governor.Burst != 25 {
			t.Errorf("reloaded burst = %v, want 25", cfg.Governor.Burst)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reload never observed")
	}
	if got := w.Config().Governor.Burst; got != 25 {
		t.Errorf("Config() burst = %v, want 25", got)
	}
}

func TestPathWatcherNoticesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.yaml")
	if err := os.WriteFile(path, []byte("x: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	changes := make(chan []string, 4)
	w := NewPathWatcher([]string{dir}, func(changed []string) {
		changes <- changed
	}, WithWatchInterval(10*time.Millisecond))
	w.Start(t.Context())
	defer w.Stop()

	// mtime resolution can be coarse; rewrite with a future timestamp.
	if err := os.WriteFile(path, []byte("x: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	select {
	case changed := <-changes:
		if len(changed) != 1 || changed[0] != path {
			t.Errorf("changed = %v", changed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("change never observed")
	}
}
