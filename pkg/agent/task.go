// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent owns agent and task state, schedules task execution over a
// bounded worker pool, and drives tool invocations through the plugin
// loader. Suspension on a tool call is explicit: a task never holds a
// worker while a tool request is outstanding.
package agent

import (
	"context"
	"time"

	"github.com/nexuslabs/nexus/pkg/plugin"
)

// State is the lifecycle position of an agent.
type State string

const (
	StateCreated       State = "created"
	StateScheduled     State = "scheduled"
	StateRunning       State = "running"
	StateWaitingOnTool State = "waiting_on_tool"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCancelled     State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// TaskStatus is the lifecycle position of one task.
type TaskStatus string

const (
	TaskPending       TaskStatus = "pending"
	TaskRunning       TaskStatus = "running"
	TaskWaitingOnTool TaskStatus = "waiting_on_tool"
	TaskCompleted     TaskStatus = "completed"
	TaskFailed        TaskStatus = "failed"
	TaskCancelled     TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// ToolRequest is a task's ask for one tool invocation. The manager fills in
// the calling agent and routes it through the loader.
type ToolRequest struct {
	PluginID       string
	Tool           string
	Args           map[string]any
	Timeout        time.Duration
	IdempotencyKey string
}

// StepFunc is one unit of task work. It runs on a pool worker and must
// return promptly; long waits belong in tool backends, reached via AwaitTool.
type StepFunc func(ctx context.Context) Outcome

// ResumeFunc continues a task after its outstanding tool invocation
// settles. payload is nil when the invocation failed.
type ResumeFunc func(ctx context.Context, payload any, err error) Outcome

type outcomeKind int

const (
	outcomeDone outcomeKind = iota
	outcomeFail
	outcomeAwait
)

// Outcome is what a task step hands back to the scheduler.
type Outcome struct {
	kind    outcomeKind
	result  any
	err     error
	request ToolRequest
	resume  ResumeFunc
}

// Done finishes the task successfully with result.
func Done(result any) Outcome {
	return Outcome{kind: outcomeDone, result: result}
}

// Fail finishes the task with err.
func Fail(err error) Outcome {
	return Outcome{kind: outcomeFail, err: err}
}

// AwaitTool suspends the task until the tool invocation settles, then
// resumes it on the worker pool with the invocation's payload or error.
func AwaitTool(req ToolRequest, resume ResumeFunc) Outcome {
	return Outcome{kind: outcomeAwait, request: req, resume: resume}
}

// TaskSnapshot is a read-only view of one task for callers.
type TaskSnapshot struct {
	ID     TaskID
	Name   string
	Status TaskStatus
	Result any
	Err    error
}

// Snapshot is a read-only view of an agent for callers.
type Snapshot struct {
	ID         string
	State      State
	Err        error
	Tasks      []TaskSnapshot
	CreatedAt  time.Time
	FinishedAt time.Time
}

// ToolInvoker is the loader surface the manager drives invocations through.
type ToolInvoker interface {
	Invoke(ctx context.Context, call plugin.Call) (*plugin.Response, error)
	ToolSpec(pluginID, tool string) (plugin.ToolSpec, bool)
}
