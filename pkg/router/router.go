// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

// Package router is the top-level dispatch boundary. It maps incoming
// commands to host built-ins or agent submissions, validates input, and
// translates internal errors into terminal outcome codes. It never
// retries; policy lives below it.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nexuslabs/nexus/pkg/agent"
	"github.com/nexuslabs/nexus/pkg/audit"
	"github.com/nexuslabs/nexus/pkg/errors"
	"github.com/nexuslabs/nexus/pkg/plugin"
)

// Command is one incoming request. Transient; exists only during dispatch.
type Command struct {
	Name string
	Args map[string]any
}

// OutcomeCode is the terminal code surfaced to the router's caller.
type OutcomeCode string

const (
	OutcomeSuccess          OutcomeCode = "success"
	OutcomeCommandNotFound  OutcomeCode = "command_not_found"
	OutcomeAgentFailed      OutcomeCode = "agent_failed"
	OutcomePluginLoadError  OutcomeCode = "plugin_load_error"
	OutcomeRateLimited      OutcomeCode = "rate_limited"
	OutcomeTimeout          OutcomeCode = "timeout"
	OutcomeCapabilityDenied OutcomeCode = "capability_denied"
	OutcomeBusy             OutcomeCode = "busy"
)

// Result is what a dispatch returns. Interactive commands carry a payload;
// background submissions carry the agent id for later polling.
type Result struct {
	Code    OutcomeCode
	Payload any
	// AgentID is set for background submissions; the caller polls the
	// manager with it.
	AgentID string
	Err     error
}

// Handler is a host built-in command implementation.
type Handler func(ctx context.Context, cmd Command) (any, error)

// Input bounds enforced at the dispatch boundary.
const (
	maxCommandNameLen = 64
	maxArgs           = 32
	maxArgKeyLen      = 64
	maxArgValueLen    = 4096
)

// CommandSource is the loader surface the router reads plugin-declared
// commands from.
type CommandSource interface {
	PluginForCommand(name string) (pluginID string, decl plugin.CommandDecl, ok bool)
	Commands() []plugin.CommandDecl
}

// AgentRunner is the manager surface the router submits agents to.
type AgentRunner interface {
	StartAgent(ctx context.Context, spec agent.AgentSpec) (*agent.Handle, error)
}

type builtinEntry struct {
	handler     Handler
	description string
	interactive bool
}

// Router dispatches commands. The table is assembled at startup from host
// built-ins; plugin-declared commands are resolved live against the loader
// so hot-reloads are reflected without a rebuild.
type Router struct {
	mu       sync.RWMutex
	builtins map[string]builtinEntry

	source  CommandSource
	runner  AgentRunner
	auditor *audit.Logger
	logger  *slog.Logger

	// waitTimeout bounds synchronous resolution of interactive commands.
	waitTimeout time.Duration
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithAudit attaches the audit logger.
func WithAudit(a *audit.Logger) RouterOption {
	return func(r *Router) { r.auditor = a }
}

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithWaitTimeout bounds how long an interactive dispatch blocks.
func WithWaitTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.waitTimeout = d
		}
	}
}

// New creates a Router over the given command source and agent runner.
func New(source CommandSource, runner AgentRunner, opts ...RouterOption) *Router {
	r := &Router{
		builtins:    make(map[string]builtinEntry),
		source:      source,
		runner:      runner,
		logger:      slog.Default(),
		waitTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a host built-in to the dispatch table.
func (r *Router) Register(name, description string, interactive bool, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins[name] = builtinEntry{handler: h, description: description, interactive: interactive}
}

// CommandInfo describes one dispatchable command for listings.
type CommandInfo struct {
	Name        string
	Description string
	Interactive bool
	// Plugin is empty for host built-ins.
	Plugin string
}

// Commands lists host built-ins followed by plugin-declared commands.
func (r *Router) Commands() []CommandInfo {
	r.mu.RLock()
	out := make([]CommandInfo, 0, len(r.builtins))
	for name, entry := range r.builtins {
		out = append(out, CommandInfo{
			Name:        name,
			Description: entry.description,
			Interactive: entry.interactive,
		})
	}
	r.mu.RUnlock()

	for _, decl := range r.source.Commands() {
		id, _, _ := r.source.PluginForCommand(decl.Name)
		out = append(out, CommandInfo{
			Name:        decl.Name,
			Description: decl.Description,
			Interactive: decl.Interactive,
			Plugin:      id,
		})
	}
	return out
}

// Dispatch validates and routes one command, returning a terminal result.
func (r *Router) Dispatch(ctx context.Context, cmd Command) Result {
	if err := validate(cmd); err != nil {
		return r.finish(ctx, cmd, Result{Code: OutcomeCommandNotFound, Err: err})
	}

	r.mu.RLock()
	entry, isBuiltin := r.builtins[cmd.Name]
	r.mu.RUnlock()

	if isBuiltin {
		payload, err := entry.handler(ctx, cmd)
		if err != nil {
			return r.finish(ctx, cmd, Result{Code: outcomeFor(err), Err: err})
		}
		return r.finish(ctx, cmd, Result{Code: OutcomeSuccess, Payload: payload})
	}

	pluginID, decl, ok := r.source.PluginForCommand(cmd.Name)
	if !ok {
		return r.finish(ctx, cmd, Result{
			Code: OutcomeCommandNotFound,
			Err: errors.New(errors.CodeCommandNotFound,
				fmt.Sprintf("unknown command %q", cmd.Name), nil),
		})
	}
	return r.finish(ctx, cmd, r.dispatchToAgent(ctx, cmd, pluginID, decl))
}

// dispatchToAgent wraps the plugin command in a single-task agent. The
// task suspends on the tool call and completes with its payload.
func (r *Router) dispatchToAgent(ctx context.Context, cmd Command, pluginID string, decl plugin.CommandDecl) Result {
	g := agent.NewGraph()
	g.Add(agent.TaskSpec{
		Name: decl.Name,
		Run: func(context.Context) agent.Outcome {
			return agent.AwaitTool(agent.ToolRequest{
				PluginID: pluginID,
				Tool:     decl.Tool,
				Args:     cmd.Args,
			}, func(_ context.Context, payload any, err error) agent.Outcome {
				if err != nil {
					return agent.Fail(err)
				}
				return agent.Done(payload)
			})
		},
	})

	// Command-scoped agents share one quota actor: a runaway caller is
	// bounded as a whole, not per generated agent id.
	h, err := r.runner.StartAgent(ctx, agent.AgentSpec{
		Actor:       "router",
		Interactive: decl.Interactive,
		Graph:       g,
	})
	if err != nil {
		return Result{Code: outcomeFor(err), Err: err}
	}

	if !decl.Interactive {
		return Result{Code: OutcomeSuccess, AgentID: h.ID()}
	}

	wctx, cancel := context.WithTimeout(ctx, r.waitTimeout)
	defer cancel()
	snap, err := h.Wait(wctx)
	if err != nil {
		return Result{Code: outcomeFor(err), AgentID: h.ID(), Err: err}
	}
	if snap.State != agent.StateCompleted {
		err := snap.Err
		if err == nil {
			err = errors.New(errors.CodeCancelled,
				fmt.Sprintf("agent finished %s", snap.State), nil)
		}
		return Result{Code: outcomeFor(err), AgentID: h.ID(), Err: err}
	}
	var payload any
	if len(snap.Tasks) > 0 {
		payload = snap.Tasks[len(snap.Tasks)-1].Result
	}
	return Result{Code: OutcomeSuccess, AgentID: h.ID(), Payload: payload}
}

func (r *Router) finish(ctx context.Context, cmd Command, res Result) Result {
	outcome := string(res.Code)
	r.auditor.Emit(ctx, audit.Record{
		Actor:   "router",
		Action:  audit.ActionCommand,
		Outcome: outcome,
		Detail:  map[string]string{"command": cmd.Name},
	})
	if res.Err != nil {
		r.logger.Debug("command dispatch failed",
			slog.String("command", cmd.Name),
			slog.String("outcome", outcome),
			slog.String("error", res.Err.Error()),
		)
	}
	return res
}

// validate bounds command names and arguments before anything else sees
// them.
func validate(cmd Command) error {
	if cmd.Name == "" {
		return errors.New(errors.CodeInvalidInput, "command name is empty", nil)
	}
	if len(cmd.Name) > maxCommandNameLen {
		return errors.New(errors.CodeInvalidInput, "command name exceeds bound", nil).
			WithContext("length", len(cmd.Name))
	}
	for _, r := range cmd.Name {
		if !isNameRune(r) {
			return errors.New(errors.CodeInvalidInput,
				fmt.Sprintf("command name contains invalid character %q", r), nil)
		}
	}
	if len(cmd.Args) > maxArgs {
		return errors.New(errors.CodeInvalidInput, "too many arguments", nil).
			WithContext("count", len(cmd.Args))
	}
	for key, value := range cmd.Args {
		if len(key) == 0 || len(key) > maxArgKeyLen {
			return errors.New(errors.CodeInvalidInput,
				fmt.Sprintf("argument key %q out of bounds", key), nil)
		}
		if s, ok := value.(string); ok && len(s) > maxArgValueLen {
			return errors.New(errors.CodeInvalidInput,
				fmt.Sprintf("argument %q exceeds value bound", key), nil)
		}
	}
	return nil
}

func isNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '_', r == '-':
		return true
	}
	return false
}

// outcomeFor maps the internal error taxonomy onto terminal outcome codes.
func outcomeFor(err error) OutcomeCode {
	switch errors.CodeOf(err) {
	case errors.CodeCommandNotFound, errors.CodeInvalidInput:
		return OutcomeCommandNotFound
	case errors.CodeRateLimited:
		return OutcomeRateLimited
	case errors.CodeTimeout:
		return OutcomeTimeout
	case errors.CodeCapabilityDenied:
		return OutcomeCapabilityDenied
	case errors.CodeBusy:
		return OutcomeBusy
	case errors.CodePluginLoadFailed, errors.CodeVersionMismatch:
		return OutcomePluginLoadError
	default:
		return OutcomeAgentFailed
	}
}
