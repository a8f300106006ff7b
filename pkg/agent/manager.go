// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexuslabs/nexus/pkg/audit"
	"github.com/nexuslabs/nexus/pkg/errors"
	"github.com/nexuslabs/nexus/pkg/plugin"
	"github.com/nexuslabs/nexus/pkg/resilience"
	"github.com/nexuslabs/nexus/pkg/telemetry"
)

const (
	// DefaultWorkers sizes the task worker pool.
	DefaultWorkers = 4
	// DefaultQueueCapacity bounds each ready queue; admission beyond it
	// fails with Busy.
	DefaultQueueCapacity = 64
	// DefaultRetention is how long a terminal agent stays in the registry
	// before garbage collection.
	DefaultRetention = 10 * time.Minute
)

// Manager owns the agent registry and the task scheduler. One Manager
// belongs to one Engine; nothing here is process-global.
type Manager struct {
	invoker   ToolInvoker
	workers   int
	queueCap  int
	retention time.Duration
	retry     resilience.RetryConfig
	breaker   resilience.CircuitBreakerConfig

	auditor *audit.Logger
	metrics *telemetry.EngineMetrics
	logger  *slog.Logger

	// Two-level ready queue: interactive agents dequeue ahead of
	// background agents at equal readiness.
	hi chan *taskRun
	lo chan *taskRun

	mu       sync.Mutex
	agents   map[string]*agentRun
	breakers map[string]*resilience.CircuitBreaker

	pendingMu sync.Mutex
	pending   map[string]ToolRequest // request id -> outstanding request

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	started   bool
}

type agentRun struct {
	id          string
	actor       string
	interactive bool
	grants      []plugin.Capability

	// ctx is the cancellation token threaded through every step and
	// every suspended invocation of this agent.
	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	state           State
	err             error
	tasks           []*taskRun
	remaining       int // non-terminal task count
	cancelRequested bool
	createdAt       time.Time
	finishedAt      time.Time
	done            chan struct{}
}

type taskRun struct {
	agent *agentRun
	id    TaskID
	spec  TaskSpec

	status TaskStatus
	result any
	err    error

	waitingDeps int
	dependents  []*taskRun

	// step is the next unit of work: the declared body initially, a
	// resume closure after a tool invocation settles.
	step StepFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithQueueCapacity bounds the ready queues.
func WithQueueCapacity(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queueCap = n
		}
	}
}

// WithRetention sets how long terminal agents stay visible.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithRetry sets the retry policy applied to idempotent tool invocations.
// Side-effecting tools always run exactly once.
func WithRetry(rc resilience.RetryConfig) Option {
	return func(m *Manager) { m.retry = rc }
}

// WithBreaker sets the per-plugin circuit breaker template.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(m *Manager) { m.breaker = cfg }
}

// WithAudit attaches the audit logger.
func WithAudit(a *audit.Logger) Option {
	return func(m *Manager) { m.auditor = a }
}

// WithMetrics attaches engine metrics.
func WithMetrics(mt *telemetry.EngineMetrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a Manager dispatching tool calls through invoker.
func NewManager(invoker ToolInvoker, opts ...Option) *Manager {
	m := &Manager{
		invoker:   invoker,
		workers:   DefaultWorkers,
		queueCap:  DefaultQueueCapacity,
		retention: DefaultRetention,
		retry:     resilience.DefaultRetryConfig(),
		agents:    make(map[string]*agentRun),
		breakers:  make(map[string]*resilience.CircuitBreaker),
		pending:   make(map[string]ToolRequest),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.hi = make(chan *taskRun, m.queueCap)
	m.lo = make(chan *taskRun, m.queueCap)
	return m
}

// Start launches the worker pool and the retention janitor.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New(errors.CodeInternal, "manager already started", nil)
	}
	m.started = true
	m.runCtx, m.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	m.wg.Add(1)
	go m.janitor()
	return nil
}

// Stop cancels all agents and waits for the pool to drain.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	agents := make([]*agentRun, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.Unlock()

	for _, a := range agents {
		m.cancelAgent(ctx, a)
	}
	m.runCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New(errors.CodeTimeout, "manager shutdown timed out", ctx.Err())
	}
}

// AgentSpec describes one agent submission.
type AgentSpec struct {
	// ID names the agent. Generated when empty.
	ID string
	// Actor is charged by the governor and scopes idempotency keys.
	// Defaults to the agent id.
	Actor string
	// Interactive agents dequeue ahead of background agents.
	Interactive bool
	// Grants is the agent's tool allowlist, expressed as capability
	// classes. Nil grants everything the target plugin declares.
	Grants []plugin.Capability
	// Graph is the agent's task DAG.
	Graph *Graph
}

// Handle points at a submitted agent for polling or waiting.
type Handle struct {
	m  *Manager
	id string
}

// ID returns the agent id.
func (h *Handle) ID() string { return h.id }

// Poll snapshots the agent's current state.
func (h *Handle) Poll() (Snapshot, error) {
	return h.m.Get(h.id)
}

// Wait blocks until the agent reaches a terminal state or ctx expires.
func (h *Handle) Wait(ctx context.Context) (Snapshot, error) {
	h.m.mu.Lock()
	a, ok := h.m.agents[h.id]
	h.m.mu.Unlock()
	if !ok {
		return Snapshot{}, errors.New(errors.CodeAgentNotFound,
			fmt.Sprintf("agent %s is not registered", h.id), nil)
	}
	select {
	case <-a.done:
		return h.m.Get(h.id)
	case <-ctx.Done():
		return Snapshot{}, errors.New(errors.CodeTimeout, "wait for agent expired", ctx.Err()).
			WithContext("agent", h.id)
	}
}

// StartAgent validates the graph, registers the agent, and enqueues its
// root tasks. Admission fails with Busy when the ready queue cannot take
// the roots; nothing is left behind in that case.
func (m *Manager) StartAgent(ctx context.Context, spec AgentSpec) (*Handle, error) {
	if spec.Graph == nil {
		return nil, errors.New(errors.CodeInvalidInput, "agent has no task graph", nil)
	}
	if err := spec.Graph.Validate(); err != nil {
		return nil, err
	}
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	actor := spec.Actor
	if actor == "" {
		actor = id
	}

	actx, acancel := context.WithCancel(context.Background())
	a := &agentRun{
		id:          id,
		actor:       actor,
		interactive: spec.Interactive,
		grants:      spec.Grants,
		ctx:         actx,
		cancel:      acancel,
		state:       StateCreated,
		createdAt:   time.Now().UTC(),
		done:        make(chan struct{}),
	}
	a.tasks = make([]*taskRun, spec.Graph.Len())
	for i, n := range spec.Graph.nodes {
		a.tasks[i] = &taskRun{
			agent:       a,
			id:          TaskID(i),
			spec:        n.spec,
			status:      TaskPending,
			waitingDeps: len(n.deps),
			step:        n.spec.Run,
		}
	}
	for i, n := range spec.Graph.nodes {
		for _, dep := range n.deps {
			a.tasks[dep].dependents = append(a.tasks[dep].dependents, a.tasks[i])
		}
	}
	a.remaining = len(a.tasks)

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		acancel()
		return nil, errors.New(errors.CodeInternal, "manager is not started", nil)
	}
	if _, exists := m.agents[id]; exists {
		m.mu.Unlock()
		acancel()
		return nil, errors.New(errors.CodeAgentInvalidState,
			fmt.Sprintf("agent %s already exists", id), nil)
	}
	m.agents[id] = a
	m.mu.Unlock()

	m.auditor.Emit(ctx, audit.Record{
		Actor:   id,
		Action:  audit.ActionAgentCreated,
		Outcome: "created",
		Detail:  map[string]string{"tasks": fmt.Sprintf("%d", len(a.tasks))},
	})

	// Admission: every root must fit in the ready queue or the whole
	// submission is refused.
	var roots []*taskRun
	for _, t := range a.tasks {
		if t.waitingDeps == 0 {
			roots = append(roots, t)
		}
	}
	for _, t := range roots {
		if !m.enqueue(t) {
			// Roots already queued must become no-ops before the
			// agent disappears from the registry.
			a.mu.Lock()
			a.cancelRequested = true
			a.mu.Unlock()
			acancel()
			m.mu.Lock()
			delete(m.agents, id)
			m.mu.Unlock()
			return nil, errors.New(errors.CodeBusy, "ready queue is saturated", nil).
				WithRecoverable(true).
				WithContext("agent", id)
		}
	}
	a.mu.Lock()
	m.setAgentStateLocked(a, StateScheduled)
	a.mu.Unlock()

	return &Handle{m: m, id: id}, nil
}

// Cancel cancels the agent: every non-terminal task reaches a terminal
// state, in-flight invocations get a best-effort cancellation signal, and
// the agent reports Cancelled only once all of that has settled.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	m.mu.Unlock()
	if !ok {
		return errors.New(errors.CodeAgentNotFound,
			fmt.Sprintf("agent %s is not registered", id), nil)
	}
	m.cancelAgent(ctx, a)
	return nil
}

func (m *Manager) cancelAgent(ctx context.Context, a *agentRun) {
	a.mu.Lock()
	if a.state.Terminal() {
		a.mu.Unlock()
		return
	}
	a.cancelRequested = true
	// Best-effort signal to everything in flight.
	a.cancel()
	for _, t := range a.tasks {
		if t.status == TaskPending {
			m.setTaskTerminalLocked(a, t, TaskCancelled, nil, nil)
		}
	}
	m.checkFinishLocked(ctx, a)
	a.mu.Unlock()
}

// Get snapshots one agent.
func (m *Manager) Get(id string) (Snapshot, error) {
	m.mu.Lock()
	a, ok := m.agents[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, errors.New(errors.CodeAgentNotFound,
			fmt.Sprintf("agent %s is not registered", id), nil)
	}
	return m.snapshot(a), nil
}

// List snapshots every registered agent.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	agents := make([]*agentRun, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(agents))
	for _, a := range agents {
		out = append(out, m.snapshot(a))
	}
	return out
}

// Release removes a terminal agent from the registry ahead of the
// retention window.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return errors.New(errors.CodeAgentNotFound,
			fmt.Sprintf("agent %s is not registered", id), nil)
	}
	a.mu.Lock()
	terminal := a.state.Terminal()
	a.mu.Unlock()
	if !terminal {
		return errors.New(errors.CodeAgentInvalidState,
			fmt.Sprintf("agent %s has not finished", id), nil)
	}
	delete(m.agents, id)
	return nil
}

// PendingInvocations counts outstanding tool requests across all agents.
func (m *Manager) PendingInvocations() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending)
}

func (m *Manager) snapshot(a *agentRun) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := Snapshot{
		ID:         a.id,
		State:      a.state,
		Err:        a.err,
		CreatedAt:  a.createdAt,
		FinishedAt: a.finishedAt,
	}
	for _, t := range a.tasks {
		snap.Tasks = append(snap.Tasks, TaskSnapshot{
			ID:     t.id,
			Name:   t.spec.Name,
			Status: t.status,
			Result: t.result,
			Err:    t.err,
		})
	}
	return snap
}

func (m *Manager) enqueue(t *taskRun) bool {
	queue := m.lo
	if t.agent.interactive {
		queue = m.hi
	}
	select {
	case queue <- t:
		m.metrics.RecordQueueDepth(context.Background(), len(m.hi)+len(m.lo))
		return true
	default:
		return false
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		// Interactive work is preferred whenever present.
		select {
		case <-m.runCtx.Done():
			return
		case t := <-m.hi:
			m.runTask(t)
			continue
		default:
		}
		select {
		case <-m.runCtx.Done():
			return
		case t := <-m.hi:
			m.runTask(t)
		case t := <-m.lo:
			m.runTask(t)
		}
	}
}

func (m *Manager) janitor() {
	defer m.wg.Done()
	interval := m.retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case now := <-ticker.C:
			m.collect(now)
		}
	}
}

func (m *Manager) collect(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.agents {
		a.mu.Lock()
		expired := a.state.Terminal() && now.Sub(a.finishedAt) > m.retention
		a.mu.Unlock()
		if expired {
			delete(m.agents, id)
			m.logger.Debug("agent garbage collected", slog.String("agent_id", id))
		}
	}
}

func (m *Manager) runTask(t *taskRun) {
	a := t.agent

	a.mu.Lock()
	if t.status.Terminal() || a.state.Terminal() {
		a.mu.Unlock()
		return
	}
	if a.cancelRequested || a.err != nil {
		m.setTaskTerminalLocked(a, t, TaskCancelled, nil, nil)
		m.checkFinishLocked(a.ctx, a)
		a.mu.Unlock()
		return
	}
	t.status = TaskRunning
	m.setAgentStateLocked(a, StateRunning)
	step := t.step
	a.mu.Unlock()

	m.auditTask(a, t, TaskRunning)
	out := m.runStep(a.ctx, step)
	m.settle(t, out)
}

// runStep contains panics in task bodies; orchestration code must not be
// taken down by one bad step.
func (m *Manager) runStep(ctx context.Context, step StepFunc) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Fail(errors.New(errors.CodeInternal,
				fmt.Sprintf("task step panicked: %v", r), nil))
		}
	}()
	return step(ctx)
}

func (m *Manager) settle(t *taskRun, out Outcome) {
	a := t.agent
	switch out.kind {
	case outcomeDone:
		a.mu.Lock()
		m.setTaskTerminalLocked(a, t, TaskCompleted, out.result, nil)
		m.enqueueReadyDependentsLocked(a, t)
		m.checkFinishLocked(a.ctx, a)
		a.mu.Unlock()

	case outcomeFail:
		m.failTask(t, out.err)

	case outcomeAwait:
		a.mu.Lock()
		if a.cancelRequested {
			m.setTaskTerminalLocked(a, t, TaskCancelled, nil, nil)
			m.checkFinishLocked(a.ctx, a)
			a.mu.Unlock()
			return
		}
		t.status = TaskWaitingOnTool
		t.step = nil
		m.refreshAgentStateLocked(a)
		a.mu.Unlock()

		m.auditTask(a, t, TaskWaitingOnTool)
		go m.invoke(t, out.request, out.resume)
	}
}

func (m *Manager) failTask(t *taskRun, err error) {
	a := t.agent
	m.logger.Warn("task failed",
		slog.String("agent_id", a.id),
		slog.String("task", t.spec.Name),
		slog.String("error", err.Error()),
	)

	a.mu.Lock()
	m.setTaskTerminalLocked(a, t, TaskFailed, nil, err)
	if !t.spec.Tolerant && a.err == nil && !a.cancelRequested {
		// First intolerant failure: remember the root cause, cancel
		// sibling work, and signal anything in flight.
		a.err = err
		a.cancel()
		for _, sibling := range a.tasks {
			if sibling.status == TaskPending {
				m.setTaskTerminalLocked(a, sibling, TaskCancelled, nil, nil)
			}
		}
	}
	m.checkFinishLocked(a.ctx, a)
	a.mu.Unlock()
}

// invoke runs one tool invocation off the worker pool. The task holds no
// worker while this is outstanding; settlement re-enqueues the resume step.
func (m *Manager) invoke(t *taskRun, req ToolRequest, resume ResumeFunc) {
	a := t.agent
	call := plugin.Call{
		RequestID:      uuid.NewString(),
		AgentID:        a.actor,
		PluginID:       req.PluginID,
		Tool:           req.Tool,
		Args:           req.Args,
		Timeout:        req.Timeout,
		IdempotencyKey: req.IdempotencyKey,
		Grants:         a.grants,
	}

	m.pendingMu.Lock()
	m.pending[call.RequestID] = req
	m.pendingMu.Unlock()

	rc := m.retryFor(req)
	breaker := m.breakerFor(req.PluginID)

	payload, err := rc.DoWithResult(a.ctx, func() (any, error) {
		var result any
		cerr := breaker.Call(a.ctx, func() error {
			resp, ierr := m.invoker.Invoke(a.ctx, call)
			if ierr != nil {
				return ierr
			}
			result = resp.Payload
			return nil
		})
		return result, cerr
	})

	// The request leaves the pending table before the task can settle, so
	// an observer never sees a terminal agent with a tracked invocation.
	m.pendingMu.Lock()
	delete(m.pending, call.RequestID)
	m.pendingMu.Unlock()

	a.mu.Lock()
	if t.status.Terminal() {
		a.mu.Unlock()
		return
	}
	if a.cancelRequested {
		m.setTaskTerminalLocked(a, t, TaskCancelled, nil, nil)
		m.checkFinishLocked(a.ctx, a)
		a.mu.Unlock()
		return
	}
	t.step = func(ctx context.Context) Outcome {
		return resume(ctx, payload, err)
	}
	a.mu.Unlock()

	if !m.enqueue(t) {
		m.failTask(t, errors.New(errors.CodeBusy,
			"ready queue saturated while resuming task", nil).WithRecoverable(true))
	}
}

// retryFor picks the retry policy for one request: side-effecting tools
// run exactly once, idempotent tools get the configured backoff.
func (m *Manager) retryFor(req ToolRequest) resilience.RetryConfig {
	if spec, ok := m.invoker.ToolSpec(req.PluginID, req.Tool); ok && spec.SideEffecting {
		return resilience.NoRetry()
	}
	return m.retry
}

func (m *Manager) breakerFor(pluginID string) *resilience.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[pluginID]
	if !ok {
		cfg := m.breaker
		cfg.Name = "plugin:" + pluginID
		cb = resilience.NewCircuitBreaker(cfg)
		m.breakers[pluginID] = cb
	}
	return cb
}

// setTaskTerminalLocked transitions t to a terminal status once. Dependents
// that can now never run are cancelled transitively.
func (m *Manager) setTaskTerminalLocked(a *agentRun, t *taskRun, status TaskStatus, result any, err error) {
	if t.status.Terminal() {
		return
	}
	t.status = status
	t.result = result
	t.err = err
	a.remaining--
	go m.auditTask(a, t, status)

	if status != TaskCompleted {
		for _, dep := range t.dependents {
			m.setTaskTerminalLocked(a, dep, TaskCancelled, nil, nil)
		}
	}
}

func (m *Manager) enqueueReadyDependentsLocked(a *agentRun, t *taskRun) {
	if a.cancelRequested || a.err != nil {
		return
	}
	for _, dep := range t.dependents {
		if dep.status.Terminal() {
			continue
		}
		dep.waitingDeps--
		if dep.waitingDeps == 0 {
			if !m.enqueue(dep) {
				m.setTaskTerminalLocked(a, dep, TaskFailed, nil,
					errors.New(errors.CodeBusy, "ready queue saturated", nil).WithRecoverable(true))
				if !dep.spec.Tolerant && a.err == nil {
					a.err = dep.err
					a.cancel()
				}
			}
		}
	}
}

// checkFinishLocked moves the agent to its terminal state once every task
// has settled. Cancellation wins over failure; a tolerant task failure
// alone does not fail the agent.
func (m *Manager) checkFinishLocked(ctx context.Context, a *agentRun) {
	if a.remaining > 0 || a.state.Terminal() {
		if !a.state.Terminal() {
			m.refreshAgentStateLocked(a)
		}
		return
	}
	switch {
	case a.cancelRequested:
		m.setAgentStateLocked(a, StateCancelled)
	case a.err != nil:
		m.setAgentStateLocked(a, StateFailed)
	default:
		m.setAgentStateLocked(a, StateCompleted)
	}
	a.finishedAt = time.Now().UTC()
	close(a.done)

	m.auditor.Emit(ctx, audit.Record{
		Actor:   a.id,
		Action:  audit.ActionTaskTransition,
		Outcome: string(a.state),
		Detail:  map[string]string{"scope": "agent"},
	})
}

// refreshAgentStateLocked derives the non-terminal agent state from its
// tasks: running beats waiting. Scheduled is entered exactly once, before
// the first task executes; an agent whose tasks are all settled or queued
// stays running between executions rather than falling back to scheduled.
func (m *Manager) refreshAgentStateLocked(a *agentRun) {
	running, waiting := 0, 0
	for _, t := range a.tasks {
		switch t.status {
		case TaskRunning:
			running++
		case TaskWaitingOnTool:
			waiting++
		}
	}
	switch {
	case running > 0:
		m.setAgentStateLocked(a, StateRunning)
	case waiting > 0:
		m.setAgentStateLocked(a, StateWaitingOnTool)
	case a.state != StateScheduled:
		m.setAgentStateLocked(a, StateRunning)
	}
}

func (m *Manager) setAgentStateLocked(a *agentRun, s State) {
	if a.state == s {
		return
	}
	a.state = s
	m.metrics.RecordTaskTransition(context.Background(), string(s))
}

func (m *Manager) auditTask(a *agentRun, t *taskRun, status TaskStatus) {
	m.auditor.Emit(context.Background(), audit.Record{
		Actor:   a.id,
		Action:  audit.ActionTaskTransition,
		Outcome: string(status),
		Detail:  map[string]string{"task": t.spec.Name},
	})
}
