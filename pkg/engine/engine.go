// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine assembles the orchestration core: governor, plugin
// loader, agent manager, router, and audit trail. One Engine instance
// owns all of them; two engines in one process share nothing.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/nexuslabs/nexus/pkg/agent"
	"github.com/nexuslabs/nexus/pkg/audit"
	"github.com/nexuslabs/nexus/pkg/config"
	"github.com/nexuslabs/nexus/pkg/errors"
	"github.com/nexuslabs/nexus/pkg/governor"
	"github.com/nexuslabs/nexus/pkg/plugin"
	"github.com/nexuslabs/nexus/pkg/resilience"
	"github.com/nexuslabs/nexus/pkg/router"
	"github.com/nexuslabs/nexus/pkg/telemetry"
)

// Engine is the orchestration core. Construct with New, run with Start,
// tear down with Stop.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	gov     *governor.Governor
	auditor *audit.Logger
	metrics *telemetry.EngineMetrics
	loader  *plugin.Loader
	manager *agent.Manager
	rt      *router.Router
	interp  *router.Interpreter

	extraSinks []audit.Sink
	configPath string

	watcher           *config.PathWatcher
	cfgWatcher        *config.Watcher
	telemetryShutdown telemetry.ShutdownFunc

	mu      sync.Mutex
	started bool

	poisonOnce sync.Once
	poisoned   atomic.Bool
	poisonErr  error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger; subsystems inherit it.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithConfigPath tells the engine which file its configuration came from.
// A long-running engine watches that file and re-tunes the governor limits
// when it changes; structural settings such as worker counts still require
// a restart.
func WithConfigPath(path string) Option {
	return func(e *Engine) {
		e.configPath = path
	}
}

// WithAuditSink registers an additional audit sink.
func WithAuditSink(s audit.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.extraSinks = append(e.extraSinks, s)
		}
	}
}

// New wires the engine from configuration. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		var err error
		cfg, err = config.Load("")
		if err != nil {
			return nil, err
		}
	}
	e := &Engine{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	sinks := append([]audit.Sink(nil), e.extraSinks...)
	if cfg.Audit.LogSink {
		sinks = append(sinks, audit.NewSlogSink(e.logger))
	}
	if cfg.Audit.SQLitePath != "" {
		sqlite, err := audit.NewSQLiteSink(cfg.Audit.SQLitePath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sqlite)
	}
	e.auditor = audit.NewLogger(sinks...)
	metrics, err := telemetry.NewEngineMetrics()
	if err != nil {
		return nil, err
	}
	e.metrics = metrics

	e.gov = governor.New(governorOptions(cfg.Governor)...)

	e.loader = plugin.NewLoader(
		plugin.WithGovernor(e.gov),
		plugin.WithAudit(e.auditor),
		plugin.WithMetrics(e.metrics),
		plugin.WithLogger(e.logger),
		plugin.WithDrainGrace(cfg.Plugins.DrainGrace),
		plugin.WithCancelAckGrace(cfg.Plugins.CancelAckGrace),
		plugin.WithInvokeTimeout(cfg.Plugins.InvokeTimeout),
	)

	retry := resilience.DefaultRetryConfig().
		WithMaxAttempts(cfg.Retry.MaxAttempts).
		WithInitialDelay(cfg.Retry.InitialDelay).
		WithMaxDelay(cfg.Retry.MaxDelay)
	e.manager = agent.NewManager(e.loader,
		agent.WithWorkers(cfg.Engine.Workers),
		agent.WithQueueCapacity(cfg.Engine.QueueCapacity),
		agent.WithRetention(cfg.Engine.AgentRetention),
		agent.WithRetry(retry),
		agent.WithAudit(e.auditor),
		agent.WithMetrics(e.metrics),
		agent.WithLogger(e.logger),
	)

	e.rt = router.New(e.loader, e.manager,
		router.WithAudit(e.auditor),
		router.WithLogger(e.logger),
		router.WithWaitTimeout(cfg.Engine.WaitTimeout),
	)
	e.interp = router.NewInterpreter()

	return e, nil
}

func governorOptions(cfg config.GovernorConfig) []governor.Option {
	limits := governorLimits(cfg)
	opts := make([]governor.Option, 0, len(limits))
	for class, limit := range limits {
		opts = append(opts, governor.WithLimit(class, limit))
	}
	return opts
}

func governorLimits(cfg config.GovernorConfig) map[governor.ActionClass]governor.Limit {
	base := governor.Limit{RefillRate: cfg.RefillRate, Burst: cfg.Burst}
	limits := map[governor.ActionClass]governor.Limit{
		governor.ClassNetwork: base,
		governor.ClassChain:   base,
		governor.ClassCompute: base,
	}
	for name, override := range cfg.Classes {
		limits[governor.ActionClass(name)] = governor.Limit{
			RefillRate: override.RefillRate,
			Burst:      override.Burst,
		}
	}
	return limits
}

// Start launches telemetry, the scheduler, plugin discovery, and the
// manifest watcher.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New(errors.CodeInternal, "engine already started", nil)
	}

	if e.cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitWithConfig(
			e.cfg.Telemetry.ServiceName, Version, telemetry.Config{
				Exporter:     e.cfg.Telemetry.Exporter,
				OTLPEndpoint: e.cfg.Telemetry.Endpoint,
			})
		if err != nil {
			return err
		}
		e.telemetryShutdown = shutdown
	}

	if err := e.manager.Start(ctx); err != nil {
		return err
	}

	if dir := e.cfg.Plugins.Dir; dir != "" {
		if _, err := os.Stat(dir); err == nil {
			loaded, err := e.loader.LoadDir(ctx, dir)
			if err != nil {
				return err
			}
			e.logger.Info("plugins discovered",
				slog.String("dir", dir),
				slog.Int("loaded", loaded),
			)
			if e.cfg.Plugins.WatchReload {
				e.watcher = config.NewPathWatcher([]string{dir},
					e.reloadManifests,
					config.WithWatchInterval(e.cfg.Plugins.WatchInterval),
					config.WithWatchLogger(e.logger),
				)
				e.watcher.Start(ctx)
			}
		}
	}

	if e.configPath != "" {
		cw, err := config.NewWatcher(e.configPath,
			config.WithWatchInterval(e.cfg.Plugins.WatchInterval),
			config.WithWatchLogger(e.logger),
		)
		if err != nil {
			return err
		}
		cw.OnChange(e.retune)
		cw.Start(ctx)
		e.cfgWatcher = cw
	}

	e.interp.LearnCommands(e.rt.Commands())
	e.rt.RegisterInterpreter(e.interp)

	e.started = true
	return nil
}

// retune applies the runtime-tunable parts of a reloaded configuration.
// Only governor limits change on reload; workers, queues, and sinks keep
// their boot-time values until the process restarts.
func (e *Engine) retune(cfg *config.Config) {
	for class, limit := range governorLimits(cfg.Governor) {
		e.gov.SetLimit(class, limit)
	}
	e.logger.Info("governor limits retuned from config",
		slog.String("path", e.configPath),
	)
}

// reloadManifests hot-reloads every changed manifest file.
func (e *Engine) reloadManifests(changed []string) {
	ctx := context.Background()
	for _, path := range changed {
		m, err := plugin.ReadManifest(path)
		if err != nil {
			e.logger.Error("manifest reload skipped",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := e.loader.Reload(ctx, m); err != nil {
			e.logger.Error("plugin reload failed",
				slog.String("plugin_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
	}
	e.interp.LearnCommands(e.rt.Commands())
}

// Stop tears the engine down in dependency order.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.started = false

	if e.watcher != nil {
		e.watcher.Stop()
	}
	if e.cfgWatcher != nil {
		e.cfgWatcher.Stop()
	}
	var firstErr error
	if err := e.manager.Stop(ctx); err != nil {
		firstErr = err
	}
	e.loader.Close(ctx)
	if err := e.auditor.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.telemetryShutdown != nil {
		if err := e.telemetryShutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dispatch routes one command through the engine. A panic escaping the
// core indicates registry corruption: the engine poisons itself and
// refuses further commands rather than running on inconsistent state.
func (e *Engine) Dispatch(ctx context.Context, cmd router.Command) (res router.Result) {
	if err := e.Healthy(); err != nil {
		return router.Result{Code: router.OutcomeAgentFailed, Err: err}
	}
	defer func() {
		if r := recover(); r != nil {
			err := errors.New(errors.CodeInternal,
				fmt.Sprintf("registry invariant breached: %v", r), nil)
			e.Poison(err)
			res = router.Result{Code: router.OutcomeAgentFailed, Err: err}
		}
	}()
	return e.rt.Dispatch(ctx, cmd)
}

// Poison marks the engine unusable. Recovery requires an operator
// restart, not silent repair.
func (e *Engine) Poison(cause error) {
	e.poisonOnce.Do(func() {
		e.poisonErr = cause
		e.poisoned.Store(true)
		e.logger.Error("engine poisoned, refusing further commands",
			slog.String("error", cause.Error()),
		)
	})
}

// Healthy returns nil while the engine admits commands.
func (e *Engine) Healthy() error {
	if e.poisoned.Load() {
		return errors.New(errors.CodeInternal, "engine is poisoned", e.poisonErr)
	}
	return nil
}

// Router exposes the dispatch surface for callers that register built-ins.
func (e *Engine) Router() *router.Router { return e.rt }

// Loader exposes the plugin registry for listings and manual loads.
func (e *Engine) Loader() *plugin.Loader { return e.loader }

// Manager exposes the agent registry for polling.
func (e *Engine) Manager() *agent.Manager { return e.manager }

// Governor exposes the quota state, mainly for diagnostics.
func (e *Engine) Governor() *governor.Governor { return e.gov }
