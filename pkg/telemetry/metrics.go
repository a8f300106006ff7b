// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics tracks orchestration activity for production monitoring.
type EngineMetrics struct {
	// invocationCounter tracks tool invocations by plugin, tool, and outcome.
	invocationCounter metric.Int64Counter

	// denialCounter tracks capability denials by plugin and tool.
	denialCounter metric.Int64Counter

	// rateLimitCounter tracks governor rejections by actor and action class.
	rateLimitCounter metric.Int64Counter

	// taskTransitionCounter tracks task state transitions by target state.
	taskTransitionCounter metric.Int64Counter

	// queueDepthGauge tracks the current ready-queue depth.
	queueDepthGauge metric.Int64Gauge
}

// NewEngineMetrics creates an engine metrics tracker with OTEL meters.
func NewEngineMetrics() (*EngineMetrics, error) {
	meter := otel.Meter("nexus/engine")

	invocationCounter, err := meter.Int64Counter(
		"nexus.tool.invocations",
		metric.WithDescription("Tool invocations by plugin, tool, and outcome"),
	)
	if err != nil {
		return nil, err
	}

	denialCounter, err := meter.Int64Counter(
		"nexus.capability.denials",
		metric.WithDescription("Capability denials by plugin and tool"),
	)
	if err != nil {
		return nil, err
	}

	rateLimitCounter, err := meter.Int64Counter(
		"nexus.governor.rejections",
		metric.WithDescription("Rate-limit rejections by actor and action class"),
	)
	if err != nil {
		return nil, err
	}

	taskTransitionCounter, err := meter.Int64Counter(
		"nexus.task.transitions",
		metric.WithDescription("Task state transitions by target state"),
	)
	if err != nil {
		return nil, err
	}

	queueDepthGauge, err := meter.Int64Gauge(
		"nexus.scheduler.queue_depth",
		metric.WithDescription("Ready-queue depth"),
	)
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		invocationCounter:     invocationCounter,
		denialCounter:         denialCounter,
		rateLimitCounter:      rateLimitCounter,
		taskTransitionCounter: taskTransitionCounter,
		queueDepthGauge:       queueDepthGauge,
	}, nil
}

// RecordInvocation records one tool invocation outcome.
func (m *EngineMetrics) RecordInvocation(ctx context.Context, pluginID, tool, outcome string) {
	if m == nil {
		return
	}
	m.invocationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("plugin.id", pluginID),
		attribute.String("tool.name", tool),
		attribute.String("outcome", outcome),
	))
}

// RecordDenial records one capability denial.
func (m *EngineMetrics) RecordDenial(ctx context.Context, pluginID, tool string) {
	if m == nil {
		return
	}
	m.denialCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("plugin.id", pluginID),
		attribute.String("tool.name", tool),
	))
}

// RecordRateLimit records one governor rejection.
func (m *EngineMetrics) RecordRateLimit(ctx context.Context, actor, class string) {
	if m == nil {
		return
	}
	m.rateLimitCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("actor", actor),
		attribute.String("action.class", class),
	))
}

// RecordTaskTransition records one task state transition.
func (m *EngineMetrics) RecordTaskTransition(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.taskTransitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task.state", state),
	))
}

// RecordQueueDepth records the current ready-queue depth.
func (m *EngineMetrics) RecordQueueDepth(ctx context.Context, depth int) {
	if m == nil {
		return
	}
	m.queueDepthGauge.Record(ctx, int64(depth))
}
