// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads engine configuration: built-in defaults, then an
// optional YAML file, then NEXUS_ environment variables, each layer
// overriding the previous one.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Engine    EngineConfig    `koanf:"engine"`
	Governor  GovernorConfig  `koanf:"governor"`
	Retry     RetryConfig     `koanf:"retry"`
	Plugins   PluginsConfig   `koanf:"plugins"`
	Audit     AuditConfig     `koanf:"audit"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Exporter    string `koanf:"exporter"` // stdout, otlp
	Endpoint    string `koanf:"endpoint"`
	ServiceName string `koanf:"service_name"`
}

type EngineConfig struct {
	Workers        int           `koanf:"workers"`
	QueueCapacity  int           `koanf:"queue_capacity"`
	AgentRetention time.Duration `koanf:"agent_retention"`
	WaitTimeout    time.Duration `koanf:"wait_timeout"`
}

type GovernorConfig struct {
	// RefillRate is tokens per second added to each bucket.
	RefillRate float64 `koanf:"refill_rate"`
	// Burst caps how many tokens a bucket holds.
	Burst float64 `koanf:"burst"`
	// Classes overrides the default limit per action class
	// (network, chain, compute).
	Classes map[string]LimitConfig `koanf:"classes"`
}

type LimitConfig struct {
	RefillRate float64 `koanf:"refill_rate"`
	Burst      float64 `koanf:"burst"`
}

type RetryConfig struct {
	MaxAttempts  int           `koanf:"max_attempts"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
}

type PluginsConfig struct {
	// Dir holds plugin manifests (*.yaml).
	Dir string `koanf:"dir"`
	// WatchReload polls Dir and hot-reloads changed manifests.
	WatchReload    bool          `koanf:"watch_reload"`
	WatchInterval  time.Duration `koanf:"watch_interval"`
	DrainGrace     time.Duration `koanf:"drain_grace"`
	CancelAckGrace time.Duration `koanf:"cancel_ack_grace"`
	InvokeTimeout  time.Duration `koanf:"invoke_timeout"`
}

type AuditConfig struct {
	// LogSink mirrors audit records into the engine log.
	LogSink bool `koanf:"log_sink"`
	// SQLitePath enables the durable sink when non-empty.
	SQLitePath string `koanf:"sqlite_path"`
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then NEXUS_ environment variables (NEXUS_GOVERNOR_BURST ->
// governor.burst).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("telemetry.enabled", false)
	k.Set("telemetry.exporter", "stdout")
	k.Set("telemetry.service_name", "nexus")

	k.Set("engine.workers", 4)
	k.Set("engine.queue_capacity", 64)
	k.Set("engine.agent_retention", "10m")
	k.Set("engine.wait_timeout", "2m")

	k.Set("governor.refill_rate", 5.0)
	k.Set("governor.burst", 10.0)

	k.Set("retry.max_attempts", 3)
	k.Set("retry.initial_delay", "100ms")
	k.Set("retry.max_delay", "10s")

	k.Set("plugins.dir", "plugins")
	k.Set("plugins.watch_reload", false)
	k.Set("plugins.watch_interval", "1s")
	k.Set("plugins.drain_grace", "5s")
	k.Set("plugins.cancel_ack_grace", "2s")
	k.Set("plugins.invoke_timeout", "30s")

	k.Set("audit.log_sink", true)
	k.Set("audit.sqlite_path", "")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("NEXUS_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "NEXUS_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
