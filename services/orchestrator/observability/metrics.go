// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for chat turns.
//
// # Description
//
// ChatMetrics tracks turns, expert calls, time to first token, keepalives,
// client disconnects, memory jobs and outbound policy findings. All
// recording methods are safe on a nil receiver so components can run
// without metrics in tests.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Constants
// =============================================================================

const metricsNamespace = "expertchat"

const chatSubsystem = "chat"

// Endpoint labels the transport a turn was served over.
type Endpoint string

const (
	EndpointSSE       Endpoint = "sse"
	EndpointWebSocket Endpoint = "websocket"
	EndpointBuffered  Endpoint = "buffered"
)

// Outcome labels how a turn or expert call ended.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeError      Outcome = "error"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeUnresolved Outcome = "backend_unresolved"
)

// =============================================================================
// ChatMetrics
// =============================================================================

// ChatMetrics holds the Prometheus collectors for the chat pipeline.
type ChatMetrics struct {
	// TurnsTotal counts finished turns by endpoint and outcome.
	TurnsTotal *prometheus.CounterVec

	// ExpertCallsTotal counts upstream calls made for replies.
	ExpertCallsTotal *prometheus.CounterVec

	// TokensTotal counts upstream-reported tokens by direction and model.
	TokensTotal *prometheus.CounterVec

	TimeToFirstTokenSeconds *prometheus.HistogramVec

	TurnDurationSeconds *prometheus.HistogramVec

	ActiveTurns *prometheus.GaugeVec

	KeepAlivesTotal *prometheus.CounterVec

	ClientDisconnectsTotal *prometheus.CounterVec

	// MemoryJobsTotal counts background memory extraction outcomes.
	MemoryJobsTotal *prometheus.CounterVec

	// PolicyFindingsTotal counts sensitive-data findings in outbound
	// context, by classification.
	PolicyFindingsTotal *prometheus.CounterVec
}

// NewChatMetrics creates ChatMetrics registered with reg. Tests pass a
// fresh prometheus.NewRegistry().
func NewChatMetrics(reg prometheus.Registerer) *ChatMetrics {
	factory := promauto.With(reg)
	return &ChatMetrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "turns_total",
				Help:      "Total chat turns by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		ExpertCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "expert_calls_total",
				Help:      "Total upstream calls made for replies by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens reported by upstreams by direction and model",
			},
			[]string{"direction", "model"},
		),
		TimeToFirstTokenSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from expert_start to the first streamed token",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),
		TurnDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "turn_duration_seconds",
				Help:      "Total turn duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "outcome"},
		),
		ActiveTurns: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_turns",
				Help:      "Number of turns in progress",
			},
			[]string{"endpoint"},
		),
		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),
		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during a turn",
			},
			[]string{"endpoint"},
		),
		MemoryJobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "jobs",
				Name:      "memory_extractions_total",
				Help:      "Total memory extraction jobs by outcome",
			},
			[]string{"outcome"},
		),
		PolicyFindingsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "policy",
				Name:      "outbound_findings_total",
				Help:      "Sensitive-data findings in context sent to remote backends",
			},
			[]string{"classification"},
		),
	}
}

// =============================================================================
// Recording Methods
// =============================================================================

// TurnStarted increments the active turn gauge.
func (m *ChatMetrics) TurnStarted(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveTurns.WithLabelValues(string(endpoint)).Inc()
}

// TurnEnded decrements the active turn gauge and records the outcome and
// duration.
func (m *ChatMetrics) TurnEnded(endpoint Endpoint, outcome Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveTurns.WithLabelValues(string(endpoint)).Dec()
	m.TurnsTotal.WithLabelValues(string(endpoint), string(outcome)).Inc()
	m.TurnDurationSeconds.WithLabelValues(string(endpoint), string(outcome)).Observe(seconds)
}

// RecordExpertCall counts one upstream call for a reply.
func (m *ChatMetrics) RecordExpertCall(endpoint Endpoint, outcome Outcome) {
	if m == nil {
		return
	}
	m.ExpertCallsTotal.WithLabelValues(string(endpoint), string(outcome)).Inc()
}

// RecordTokens adds upstream-reported token counts.
func (m *ChatMetrics) RecordTokens(inputTokens, outputTokens int, model string) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// RecordTimeToFirstToken observes the latency to the first token.
func (m *ChatMetrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordKeepAlive counts one keepalive ping.
func (m *ChatMetrics) RecordKeepAlive(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect counts one client disconnect.
func (m *ChatMetrics) RecordClientDisconnect(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordMemoryJob counts one memory extraction outcome.
func (m *ChatMetrics) RecordMemoryJob(outcome string) {
	if m == nil {
		return
	}
	m.MemoryJobsTotal.WithLabelValues(outcome).Inc()
}

// RecordPolicyFinding counts one outbound finding.
func (m *ChatMetrics) RecordPolicyFinding(classification string) {
	if m == nil {
		return
	}
	m.PolicyFindingsTotal.WithLabelValues(classification).Inc()
}
