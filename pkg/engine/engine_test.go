// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nexuslabs/nexus/pkg/config"
	"github.com/nexuslabs/nexus/pkg/errors"
	"github.com/nexuslabs/nexus/pkg/governor"
	"github.com/nexuslabs/nexus/pkg/plugin"
	"github.com/nexuslabs/nexus/pkg/router"
)

func init() {
	plugin.RegisterBuiltin("engine-echo", func(plugin.EntryPoint) (plugin.Backend, error) {
		b := plugin.NewFuncBackend()
		b.Register(plugin.ToolSpec{
			Name:       "echo",
			Capability: plugin.CapabilityCompute,
		}, func(_ context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		})
		return b, nil
	})
}

const echoManifest = `
id: echoplug
version: 1.0.0
host_api: "1.0"
capabilities: [compute]
entry_point:
  kind: builtin
  target: engine-echo
commands:
  - name: echo
    tool: echo
    description: Echo the text argument back.
    interactive: true
`

func testConfig(t *testing.T, pluginDir string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Telemetry.Enabled = false
	cfg.Audit.LogSink = false
	cfg.Plugins.Dir = pluginDir
	cfg.Plugins.WatchReload = false
	return cfg
}

func startEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return e
}

func TestEngineLoadsPluginsFromDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "echoplug.yaml")
	if err := os.WriteFile(path, []byte(echoManifest), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	e := startEngine(t, testConfig(t, dir))

	res := e.Dispatch(context.Background(), router.Command{
		Name: "echo",
		Args: map[string]any{"text": "hello"},
	})
	if res.Code != router.OutcomeSuccess {
		t.Fatalf("code = %v, err = %v", res.Code, res.Err)
	}
	if res.Payload != "hello" {
		t.Fatalf("payload = %v, want hello", res.Payload)
	}
}

func TestEngineDispatchBuiltin(t *testing.T) {
	e := startEngine(t, testConfig(t, ""))
	e.Router().Register("ping", "Liveness probe.", true,
		func(context.Context, router.Command) (any, error) {
			return "pong", nil
		})

	res := e.Dispatch(context.Background(), router.Command{Name: "ping"})
	if res.Code != router.OutcomeSuccess || res.Payload != "pong" {
		t.Fatalf("got %+v", res)
	}
}

func TestEngineInterpretKnowsLoadedCommands(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "echoplug.yaml"), []byte(echoManifest), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	e := startEngine(t, testConfig(t, dir))

	res := e.Dispatch(context.Background(), router.Command{
		Name: "interpret",
		Args: map[string]any{"text": "please echo this text back"},
	})
	if res.Code != router.OutcomeSuccess {
		t.Fatalf("code = %v, err = %v", res.Code, res.Err)
	}
	payload, ok := res.Payload.(map[string]any)
	if !ok || payload["command"] != "echo" {
		t.Fatalf("payload = %v, want command echo", res.Payload)
	}
}

func TestEnginePoisonRefusesCommands(t *testing.T) {
	e := startEngine(t, testConfig(t, ""))
	e.Router().Register("ping", "Liveness probe.", true,
		func(context.Context, router.Command) (any, error) {
			return "pong", nil
		})

	e.Poison(errors.New(errors.CodeInternal, "duplicate agent id in registry", nil))

	res := e.Dispatch(context.Background(), router.Command{Name: "ping"})
	if res.Code != router.OutcomeAgentFailed {
		t.Fatalf("code = %v, want AgentFailed", res.Code)
	}
	if err := e.Healthy(); err == nil {
		t.Fatal("Healthy() = nil after poison")
	}
}

func TestEngineDispatchPanicPoisons(t *testing.T) {
	e := startEngine(t, testConfig(t, ""))
	e.Router().Register("corrupt", "Trip an internal invariant.", true,
		func(context.Context, router.Command) (any, error) {
			panic("task arena index out of range")
		})

	res := e.Dispatch(context.Background(), router.Command{Name: "corrupt"})
	if res.Code != router.OutcomeAgentFailed {
		t.Fatalf("code = %v, want AgentFailed", res.Code)
	}
	if !errors.IsCode(res.Err, errors.CodeInternal) {
		t.Fatalf("err = %v, want CodeInternal", res.Err)
	}
	if err := e.Healthy(); err == nil {
		t.Fatal("engine still healthy after escaped panic")
	}
}

func TestEngineGovernorClassOverrides(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Governor.Classes = map[string]config.LimitConfig{
		"chain": {RefillRate: 0.5, Burst: 2},
	}
	e := startEngine(t, cfg)

	if got := e.Governor().Tokens("actor-1", governor.ClassChain); got != 2 {
		t.Fatalf("chain tokens = %v, want 2", got)
	}
	if got := e.Governor().Tokens("actor-1", governor.ClassCompute); got != cfg.Governor.Burst {
		t.Fatalf("compute tokens = %v, want %v", got, cfg.Governor.Burst)
	}
}

func TestEngineRetunesGovernorOnConfigChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nexus.yaml")
	boot := "telemetry:\n  enabled: false\naudit:\n  log_sink: false\n"
	if err := os.WriteFile(path, []byte(boot), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Plugins.Dir = ""
	cfg.Plugins.WatchInterval = 10 * time.Millisecond
	e := startEngine(t, cfg, WithConfigPath(path))

	if got := e.Governor().Tokens("actor-1", governor.ClassChain); got != cfg.Governor.Burst {
		t.Fatalf("boot chain tokens = %v, want %v", got, cfg.Governor.Burst)
	}

	tuned := boot + "governor:\n  classes:\n    chain:\n      refill_rate: 1\n      burst: 3\n"
	if err := os.WriteFile(path, []byte(tuned), 0o600); err != nil {
		t.Fatal(err)
	}
	// mtime resolution can be coarse; rewrite with a future timestamp.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.Governor().Tokens("fresh-actor", governor.ClassChain) != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("chain tokens = %v, governor never retuned",
				e.Governor().Tokens("fresh-actor", governor.ClassChain))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEngineDoubleStartFails(t *testing.T) {
	e := startEngine(t, testConfig(t, ""))
	if err := e.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded")
	}
}
