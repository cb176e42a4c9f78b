// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability holds the copilot's Prometheus metrics and the
// OpenTelemetry tracer setup.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "copilot"

// Metrics is the set of copilot collectors.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	// dispatches counts router dispatches by route and outcome
	dispatches *prometheus.CounterVec

	// dispatchDuration tracks remote call latency per route
	dispatchDuration *prometheus.HistogramVec

	// policyBlocks counts privacy gate trips by rule
	policyBlocks *prometheus.CounterVec

	// busyRejections counts operations refused because the session was busy
	busyRejections *prometheus.CounterVec

	// ingestions counts upload attempts by terminal result
	ingestions *prometheus.CounterVec

	// healthProbes counts probes by result, including skipped ticks
	healthProbes *prometheus.CounterVec

	// libraryFiles is the number of datasets currently in the library
	libraryFiles prometheus.Gauge
}

// NewMetrics registers the copilot collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dispatch_total",
			Help:      "Router dispatches by route and outcome",
		}, []string{"route", "outcome"}),
		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dispatch_duration_seconds",
			Help:      "Remote call duration per route in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}, []string{"route"}),
		policyBlocks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "blocks_total",
			Help:      "Messages blocked by the privacy gate by rule",
		}, []string{"rule"}),
		busyRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "busy_rejections_total",
			Help:      "Operations rejected because another was in flight",
		}, []string{"operation"}),
		ingestions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "attempts_total",
			Help:      "Upload attempts by terminal result",
		}, []string{"result"}),
		healthProbes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Health probes by result",
		}, []string{"result"}),
		libraryFiles: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "library",
			Name:      "files",
			Help:      "Datasets currently in the library",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Dispatch records one router dispatch.
func (m *Metrics) Dispatch(route, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(route, outcome).Inc()
	m.dispatchDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// PolicyBlock records a privacy gate trip.
func (m *Metrics) PolicyBlock(rule string) {
	if m == nil {
		return
	}
	m.policyBlocks.WithLabelValues(rule).Inc()
}

// BusyRejection records an operation refused by the busy token.
func (m *Metrics) BusyRejection(operation string) {
	if m == nil {
		return
	}
	m.busyRejections.WithLabelValues(operation).Inc()
}

// Ingestion records the terminal result of an upload attempt.
func (m *Metrics) Ingestion(result string) {
	if m == nil {
		return
	}
	m.ingestions.WithLabelValues(result).Inc()
}

// HealthProbe records a probe result: "online", "offline" or "skipped".
func (m *Metrics) HealthProbe(result string) {
	if m == nil {
		return
	}
	m.healthProbes.WithLabelValues(result).Inc()
}

// LibrarySize sets the library gauge.
func (m *Metrics) LibrarySize(n int) {
	if m == nil {
		return
	}
	m.libraryFiles.Set(float64(n))
}
