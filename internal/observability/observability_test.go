// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Dispatch("chat", "ok", time.Second)
		m.PolicyBlock("row_dump")
		m.BusyRejection("submit")
		m.Ingestion("succeeded")
		m.HealthProbe("online")
		m.LibrarySize(3)
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.Dispatch("dataset_query", "ok", 120*time.Millisecond)
	m.Dispatch("dataset_query", "transport", time.Second)
	m.Dispatch("chat", "ok", 10*time.Millisecond)
	m.PolicyBlock("wildcard_select")
	m.BusyRejection("submit")
	m.BusyRejection("submit")
	m.Ingestion("failed")
	m.HealthProbe("skipped")
	m.LibrarySize(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("dataset_query", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("dataset_query", "transport")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.policyBlocks.WithLabelValues("wildcard_select")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.busyRejections.WithLabelValues("submit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingestions.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.healthProbes.WithLabelValues("skipped")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.libraryFiles))
	assert.Equal(t, 2, testutil.CollectAndCount(m.dispatchDuration))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.HealthProbe("online")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `copilot_health_probes_total{result="online"} 1`)
}

func TestInitTracing(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := InitTracing(TraceConfig{Exporter: "none"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = InitTracing(TraceConfig{Exporter: "jaeger"})
	assert.ErrorIs(t, err, ErrUnknownExporter)

	var buf bytes.Buffer
	shutdown, err = InitTracing(TraceConfig{Exporter: "stdout", Writer: &buf})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "remote.Chat")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "remote.Chat")
}
