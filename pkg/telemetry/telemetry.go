// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exposes Prometheus metrics for the discovery server.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "infrascope",
		Name:      "requests_total",
		Help:      "JSON-RPC requests handled, by method and outcome.",
	}, []string{"method", "outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "infrascope",
		Name:      "request_duration_seconds",
		Help:      "JSON-RPC request handling latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	toolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "infrascope",
		Name:      "tool_invocations_total",
		Help:      "Tool calls executed, by tool name and outcome.",
	}, []string{"tool", "outcome"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "infrascope",
		Name:      "active_sessions",
		Help:      "Currently live MCP sessions.",
	})

	registeredTools = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "infrascope",
		Name:      "registered_tools",
		Help:      "Tools currently in the registry.",
	})

	pluginReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "infrascope",
		Name:      "plugin_reloads_total",
		Help:      "Plugin hot-reload attempts, by outcome.",
	}, []string{"outcome"})
)

// ObserveRequest records one handled JSON-RPC request.
func ObserveRequest(method string, start time.Time, failed bool) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	requestsTotal.WithLabelValues(method, outcome).Inc()
	requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// ObserveToolCall records one tool invocation.
func ObserveToolCall(tool string, isError bool) {
	outcome := "ok"
	if isError {
		outcome = "error"
	}
	toolInvocations.WithLabelValues(tool, outcome).Inc()
}

// SetActiveSessions updates the live session gauge.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// SetRegisteredTools updates the registered tool gauge.
func SetRegisteredTools(n int) {
	registeredTools.Set(float64(n))
}

// ObservePluginReload records one hot-reload attempt.
func ObservePluginReload(failed bool) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	pluginReloads.WithLabelValues(outcome).Inc()
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
