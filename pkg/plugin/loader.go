// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nexuslabs/nexus/pkg/audit"
	"github.com/nexuslabs/nexus/pkg/errors"
	"github.com/nexuslabs/nexus/pkg/governor"
	"github.com/nexuslabs/nexus/pkg/telemetry"
)

const (
	// DefaultDrainGrace bounds how long an unload waits for in-flight
	// invocations before tearing the sandbox down.
	DefaultDrainGrace = 5 * time.Second
	// DefaultCancelAckGrace bounds how long a timed-out invocation waits
	// for the backend to acknowledge cooperative cancellation.
	DefaultCancelAckGrace = 2 * time.Second
	// DefaultInvokeTimeout applies when a call carries no timeout.
	DefaultInvokeTimeout = 30 * time.Second
)

// BackendFactory constructs a Backend from a manifest entry point.
type BackendFactory func(ctx context.Context, ep EntryPoint) (Backend, error)

// Loader owns the plugin registry and its capability table. Load, unload,
// and reload are serialized against each other; invocation dispatch takes
// only short read locks on the routing table.
type Loader struct {
	loadMu sync.Mutex   // serializes registry mutations
	mu     sync.RWMutex // guards the routing table
	table  map[string]*instance

	factories map[string]BackendFactory

	gov     *governor.Governor
	auditor *audit.Logger
	metrics *telemetry.EngineMetrics
	logger  *slog.Logger

	drainGrace     time.Duration
	cancelAckGrace time.Duration
	invokeTimeout  time.Duration

	flightMu sync.Mutex
	flights  map[flightKey]*flight
}

type instance struct {
	manifest Manifest
	backend  Backend
	caps     map[Capability]struct{}
	tools    map[string]ToolSpec
	sandbox  *Sandbox

	mu    sync.Mutex
	state LoadState
}

func (in *instance) setState(s LoadState) {
	in.mu.Lock()
	in.state = s
	in.mu.Unlock()
}

func (in *instance) getState() LoadState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithGovernor attaches the resource governor consulted before dispatch.
func WithGovernor(g *governor.Governor) LoaderOption {
	return func(l *Loader) { l.gov = g }
}

// WithAudit attaches the audit logger.
func WithAudit(a *audit.Logger) LoaderOption {
	return func(l *Loader) { l.auditor = a }
}

// WithMetrics attaches engine metrics.
func WithMetrics(m *telemetry.EngineMetrics) LoaderOption {
	return func(l *Loader) { l.metrics = m }
}

// WithLogger sets the loader logger.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithDrainGrace sets the unload drain window.
func WithDrainGrace(d time.Duration) LoaderOption {
	return func(l *Loader) {
		if d > 0 {
			l.drainGrace = d
		}
	}
}

// WithCancelAckGrace sets the cooperative-cancel acknowledgement window.
func WithCancelAckGrace(d time.Duration) LoaderOption {
	return func(l *Loader) {
		if d > 0 {
			l.cancelAckGrace = d
		}
	}
}

// WithInvokeTimeout sets the default invocation timeout.
func WithInvokeTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		if d > 0 {
			l.invokeTimeout = d
		}
	}
}

// WithFactory registers a backend factory for an entry point kind.
func WithFactory(kind string, factory BackendFactory) LoaderOption {
	return func(l *Loader) {
		if kind != "" && factory != nil {
			l.factories[kind] = factory
		}
	}
}

// NewLoader creates a Loader. The builtin, mcp, and ethereum factories are
// always registered; additional factories come in through options.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		table:          make(map[string]*instance),
		factories:      make(map[string]BackendFactory),
		flights:        make(map[flightKey]*flight),
		logger:         slog.Default(),
		drainGrace:     DefaultDrainGrace,
		cancelAckGrace: DefaultCancelAckGrace,
		invokeTimeout:  DefaultInvokeTimeout,
	}
	l.factories["builtin"] = builtinFactory
	l.factories["mcp"] = MCPFactory
	l.factories["ethereum"] = EthFactory
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load validates the manifest, builds the backend, and publishes the new
// instance into the capability table.
func (l *Loader) Load(ctx context.Context, m Manifest) error {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()
	return l.loadLocked(ctx, m)
}

func (l *Loader) loadLocked(ctx context.Context, m Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}

	l.mu.RLock()
	_, exists := l.table[m.ID]
	l.mu.RUnlock()
	if exists {
		return errors.New(errors.CodePluginLoadFailed,
			fmt.Sprintf("plugin %s already loaded", m.ID), nil)
	}

	inst, err := l.buildInstance(ctx, m)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.table[m.ID] = inst
	l.mu.Unlock()

	l.logger.Info("plugin loaded",
		slog.String("plugin_id", m.ID),
		slog.String("version", m.Version),
		slog.Int("tools", len(inst.tools)),
	)
	l.auditor.Emit(ctx, audit.Record{
		Actor:   m.ID,
		Action:  audit.ActionPluginLoaded,
		Outcome: "success",
		Detail:  map[string]string{"version": m.Version},
	})
	return nil
}

// buildInstance constructs the backend and verifies every served tool sits
// inside the declared capability set.
func (l *Loader) buildInstance(ctx context.Context, m Manifest) (*instance, error) {
	factory, ok := l.factories[m.EntryPoint.Kind]
	if !ok {
		return nil, errors.New(errors.CodePluginLoadFailed,
			fmt.Sprintf("no backend factory for entry point kind %q", m.EntryPoint.Kind), nil).
			WithContext("plugin", m.ID)
	}
	backend, err := factory(ctx, m.EntryPoint)
	if err != nil {
		return nil, errors.New(errors.CodePluginLoadFailed, "backend construction failed", err).
			WithContext("plugin", m.ID)
	}

	specs, err := backend.Tools(ctx)
	if err != nil {
		backend.Close()
		return nil, errors.New(errors.CodePluginLoadFailed, "tool discovery failed", err).
			WithContext("plugin", m.ID)
	}

	caps := make(map[Capability]struct{}, len(m.Capabilities))
	for _, c := range m.Capabilities {
		caps[c] = struct{}{}
	}
	tools := make(map[string]ToolSpec, len(specs))
	for _, spec := range specs {
		if _, ok := caps[spec.Capability]; !ok {
			backend.Close()
			return nil, errors.New(errors.CodePluginLoadFailed,
				fmt.Sprintf("tool %s requires undeclared capability %s", spec.Name, spec.Capability), nil).
				WithContext("plugin", m.ID)
		}
		tools[spec.Name] = spec
	}

	return &instance{
		manifest: m,
		backend:  backend,
		caps:     caps,
		tools:    tools,
		sandbox:  NewSandbox(),
		state:    StateActive,
	}, nil
}

// LoadDir discovers manifest files (*.yaml, *.yml) in dir and loads each.
// Individual plugin failures are logged and skipped so one broken manifest
// cannot block the rest of the fleet.
func (l *Loader) LoadDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errors.New(errors.CodePluginLoadFailed, "reading plugin directory", err).
			WithContext("dir", dir)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		m, err := ReadManifest(path)
		if err != nil {
			l.logger.Error("skipping plugin manifest",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := l.Load(ctx, m); err != nil {
			l.logger.Error("plugin load failed",
				slog.String("plugin_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		loaded++
	}
	return loaded, nil
}

// Unload stops accepting new invocations for the instance immediately,
// drains for the grace period, then tears down the sandbox.
func (l *Loader) Unload(ctx context.Context, id string) error {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()

	l.mu.RLock()
	inst, ok := l.table[id]
	l.mu.RUnlock()
	if !ok {
		return errors.New(errors.CodeInvocationFailed,
			fmt.Sprintf("plugin %s is not loaded", id), nil)
	}

	l.teardown(ctx, inst)

	l.mu.Lock()
	delete(l.table, id)
	l.mu.Unlock()

	l.auditor.Emit(ctx, audit.Record{
		Actor:   id,
		Action:  audit.ActionPluginUnloaded,
		Outcome: "success",
	})
	return nil
}

// Reload builds a fresh instance from the manifest and atomically swaps it
// into the capability table; the old instance drains its outstanding calls
// before teardown, so no invocation is lost or duplicated across the swap.
func (l *Loader) Reload(ctx context.Context, m Manifest) error {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()

	if err := m.Validate(); err != nil {
		return err
	}

	next, err := l.buildInstance(ctx, m)
	if err != nil {
		return err
	}

	l.mu.Lock()
	prev := l.table[m.ID]
	l.table[m.ID] = next
	l.mu.Unlock()

	if prev != nil {
		l.teardown(ctx, prev)
	}

	l.logger.Info("plugin reloaded",
		slog.String("plugin_id", m.ID),
		slog.String("version", m.Version),
	)
	l.auditor.Emit(ctx, audit.Record{
		Actor:   m.ID,
		Action:  audit.ActionPluginLoaded,
		Outcome: "reloaded",
		Detail:  map[string]string{"version": m.Version},
	})
	return nil
}

// teardown drains and destroys one instance.
func (l *Loader) teardown(ctx context.Context, inst *instance) {
	inst.setState(StateDraining)
	if !inst.sandbox.Drain(l.drainGrace) {
		l.logger.Warn("drain grace expired with invocations in flight",
			slog.String("plugin_id", inst.manifest.ID),
			slog.Int("inflight", inst.sandbox.Inflight()),
		)
	}
	inst.sandbox.Terminate()
	if err := inst.backend.Close(); err != nil {
		l.logger.Error("backend close failed",
			slog.String("plugin_id", inst.manifest.ID),
			slog.String("error", err.Error()),
		)
	}
	inst.setState(StateUnloaded)
}

// Close unloads every plugin. Used at engine shutdown.
func (l *Loader) Close(ctx context.Context) {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()

	l.mu.Lock()
	table := l.table
	l.table = make(map[string]*instance)
	l.mu.Unlock()

	for _, inst := range table {
		l.teardown(ctx, inst)
	}
}

// ToolSpec returns the ToolSpec for a plugin tool, if the plugin is loaded and
// serves it.
func (l *Loader) ToolSpec(pluginID, tool string) (ToolSpec, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	inst, ok := l.table[pluginID]
	if !ok {
		return ToolSpec{}, false
	}
	spec, ok := inst.tools[tool]
	return spec, ok
}

// Commands aggregates the router commands declared by all loaded plugins.
func (l *Loader) Commands() []CommandDecl {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []CommandDecl
	for _, inst := range l.table {
		out = append(out, inst.manifest.Commands...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PluginForCommand resolves a plugin-declared command name to its owner.
func (l *Loader) PluginForCommand(name string) (pluginID string, decl CommandDecl, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for id, inst := range l.table {
		for _, cmd := range inst.manifest.Commands {
			if cmd.Name == name {
				return id, cmd, true
			}
		}
	}
	return "", CommandDecl{}, false
}

// Infos snapshots all loaded plugins for listings.
func (l *Loader) Infos() []Info {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Info, 0, len(l.table))
	for _, inst := range l.table {
		info := Info{
			ID:           inst.manifest.ID,
			Version:      inst.manifest.Version,
			Capabilities: append([]Capability(nil), inst.manifest.Capabilities...),
			State:        inst.getState(),
		}
		for _, spec := range inst.tools {
			info.Tools = append(info.Tools, spec)
		}
		sort.Slice(info.Tools, func(i, j int) bool { return info.Tools[i].Name < info.Tools[j].Name })
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
