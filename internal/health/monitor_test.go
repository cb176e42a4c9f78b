// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/DatasetCopilot/internal/observability"
	"github.com/AleutianAI/DatasetCopilot/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockProber is a function-backed Prober that counts calls.
type mockProber struct {
	HealthFunc func(ctx context.Context) (remote.HealthResponse, error)
	calls      atomic.Int32
}

func (p *mockProber) Health(ctx context.Context) (remote.HealthResponse, error) {
	p.calls.Add(1)
	return p.HealthFunc(ctx)
}

func online(model string) func(context.Context) (remote.HealthResponse, error) {
	return func(context.Context) (remote.HealthResponse, error) {
		return remote.HealthResponse{Status: "online", Model: model, OllamaRunning: true, StatusCode: http.StatusOK}, nil
	}
}

func TestCheckOnce(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name       string
		fn         func(context.Context) (remote.HealthResponse, error)
		wantOnline bool
		wantModel  string
	}{
		{"online", online("llama3.2"), true, "llama3.2"},
		{
			name: "probe error",
			fn: func(context.Context) (remote.HealthResponse, error) {
				return remote.HealthResponse{}, errors.New("dial tcp: connection refused")
			},
		},
		{
			name: "non-2xx",
			fn: func(context.Context) (remote.HealthResponse, error) {
				return remote.HealthResponse{Status: "online", Model: "m", StatusCode: http.StatusInternalServerError}, nil
			},
		},
		{
			name: "status not online",
			fn: func(context.Context) (remote.HealthResponse, error) {
				return remote.HealthResponse{Status: "degraded", Model: "m", StatusCode: http.StatusOK}, nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(&mockProber{HealthFunc: tt.fn}, WithClock(func() time.Time { return fixed }))
			st := m.CheckOnce(context.Background())

			assert.Equal(t, tt.wantOnline, st.Online)
			assert.Equal(t, tt.wantModel, st.ModelName)
			assert.Equal(t, fixed, st.LastCheckedAt)
			if !tt.wantOnline {
				assert.NotEmpty(t, st.Error)
			}
		})
	}
}

func TestCheckOnce_BoundedByTimeout(t *testing.T) {
	prober := &mockProber{HealthFunc: func(ctx context.Context) (remote.HealthResponse, error) {
		<-ctx.Done()
		return remote.HealthResponse{}, ctx.Err()
	}}
	m := NewMonitor(prober, WithProbeTimeout(20*time.Millisecond))

	start := time.Now()
	st := m.CheckOnce(context.Background())
	assert.False(t, st.Online)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRefresh_ProbeFailurePublishesOffline(t *testing.T) {
	prober := &mockProber{HealthFunc: online("m")}
	m := NewMonitor(prober)
	require.True(t, m.Refresh(context.Background()).Online)

	prober.HealthFunc = func(context.Context) (remote.HealthResponse, error) {
		return remote.HealthResponse{}, errors.New("boom")
	}
	var st Status
	require.NotPanics(t, func() { st = m.Refresh(context.Background()) })

	assert.False(t, st.Online)
	assert.Equal(t, "", st.ModelName)
	assert.False(t, st.LastCheckedAt.IsZero())
	assert.Equal(t, st, m.Status())
}

func TestStart_PublishesAndStops(t *testing.T) {
	prober := &mockProber{HealthFunc: online("llama3.2")}
	m := NewMonitor(prober)

	var published atomic.Int32
	m.Subscribe(func(Status) { published.Add(1) })

	require.NoError(t, m.Start(context.Background(), 10*time.Millisecond))
	require.Eventually(t, func() bool { return published.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	after := published.Load()
	calls := prober.calls.Load()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, after, published.Load(), "no snapshot may be published after Stop returns")
	assert.Equal(t, calls, prober.calls.Load(), "no probe may fire after Stop returns")
	assert.True(t, m.Status().Online)
	assert.Equal(t, "llama3.2", m.Status().ModelName)
}

func TestStart_Idempotent(t *testing.T) {
	prober := &mockProber{HealthFunc: online("m")}
	m := NewMonitor(prober)

	require.NoError(t, m.Start(context.Background(), time.Hour))
	require.NoError(t, m.Start(context.Background(), time.Hour))
	require.Eventually(t, func() bool { return prober.calls.Load() == 1 }, time.Second, time.Millisecond)

	m.Stop()
	m.Stop()
	assert.EqualValues(t, 1, prober.calls.Load())

	require.NoError(t, m.Start(context.Background(), time.Millisecond), "start after stop is a no-op")
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, prober.calls.Load())
}

func TestStart_InvalidInterval(t *testing.T) {
	m := NewMonitor(&mockProber{HealthFunc: online("m")})
	assert.ErrorIs(t, m.Start(context.Background(), 0), ErrInvalidInterval)
}

func TestStart_CoalescesSlowProbes(t *testing.T) {
	release := make(chan struct{})
	var concurrent, maxConcurrent atomic.Int32
	prober := &mockProber{HealthFunc: func(ctx context.Context) (remote.HealthResponse, error) {
		n := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			old := maxConcurrent.Load()
			if n <= old || maxConcurrent.CompareAndSwap(old, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return remote.HealthResponse{Status: "online", StatusCode: http.StatusOK}, nil
	}}
	metrics := observability.NewMetrics()
	m := NewMonitor(prober, WithMetrics(metrics), WithProbeTimeout(time.Minute))

	require.NoError(t, m.Start(context.Background(), 5*time.Millisecond))
	time.Sleep(60 * time.Millisecond)

	assert.EqualValues(t, 1, prober.calls.Load(), "ticks during an outstanding probe must be skipped")
	assert.EqualValues(t, 1, maxConcurrent.Load())

	close(release)
	m.Stop()

	assert.Greater(t, probeCount(t, metrics, "skipped"), 0.0)
}

func probeCount(t *testing.T, m *observability.Metrics, result string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "copilot_health_probes_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "result" && lp.GetValue() == result {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestStop_CancelsOutstandingProbeWithoutPublishing(t *testing.T) {
	entered := make(chan struct{})
	var once sync.Once
	prober := &mockProber{HealthFunc: func(ctx context.Context) (remote.HealthResponse, error) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return remote.HealthResponse{}, ctx.Err()
	}}
	m := NewMonitor(prober, WithProbeTimeout(time.Minute))

	var published atomic.Int32
	m.Subscribe(func(Status) { published.Add(1) })

	require.NoError(t, m.Start(context.Background(), time.Hour))
	<-entered

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while a probe was outstanding")
	}
	assert.EqualValues(t, 0, published.Load())
}

func TestStart_ParentContextCancellation(t *testing.T) {
	prober := &mockProber{HealthFunc: online("m")}
	m := NewMonitor(prober)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx, 5*time.Millisecond))
	require.Eventually(t, func() bool { return prober.calls.Load() >= 1 }, time.Second, time.Millisecond)

	cancel()
	m.Stop()
}
