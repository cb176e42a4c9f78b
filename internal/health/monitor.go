// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health tracks whether the dataset-analysis service is reachable.
//
// # Description
//
// Monitor probes GET /health on a fixed interval and publishes the latest
// Status into a state cell. The snapshot is advisory: nothing in the
// copilot refuses to send a request because the last probe failed.
//
// # Scheduling
//
// At most one probe is outstanding. A tick that arrives while the previous
// probe is still running is skipped rather than queued. Stop cancels the
// loop and any outstanding probe and waits for both, so once Stop returns
// no probe runs and no snapshot is published.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/DatasetCopilot/internal/observability"
	"github.com/AleutianAI/DatasetCopilot/internal/remote"
	"github.com/AleutianAI/DatasetCopilot/internal/state"
	"github.com/AleutianAI/DatasetCopilot/pkg/logging"
	"golang.org/x/time/rate"
)

// ErrInvalidInterval is returned by Start for a non-positive interval.
var ErrInvalidInterval = errors.New("poll interval must be positive")

// DefaultProbeTimeout bounds a single probe when no timeout is configured.
const DefaultProbeTimeout = 5 * time.Second

// Status is one availability snapshot.
type Status struct {
	Online        bool
	ModelName     string
	LastCheckedAt time.Time
	OllamaRunning bool
	// Error describes why the last probe failed. Empty when online.
	Error string
}

// Prober performs the health call.
type Prober interface {
	Health(ctx context.Context) (remote.HealthResponse, error)
}

// Monitor polls the service's health endpoint.
//
// Thread Safety: safe for concurrent use.
type Monitor struct {
	prober  Prober
	timeout time.Duration
	logger  *logging.Logger
	metrics *observability.Metrics
	now     func() time.Time

	status *state.Cell[Status]

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	stopped bool
	wg      sync.WaitGroup

	inFlight   atomic.Bool
	wasOnline  atomic.Bool
	offlineLog rate.Sometimes
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProbeTimeout bounds each probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithMetrics records probe results.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

// WithClock replaces time.Now for LastCheckedAt.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a stopped Monitor. Status reports offline until the
// first probe completes.
func NewMonitor(prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		prober:     prober,
		timeout:    DefaultProbeTimeout,
		now:        time.Now,
		status:     state.NewCell(Status{}),
		offlineLog: rate.Sometimes{Interval: time.Minute},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrNop(m.logger)
	return m
}

// CheckOnce probes the service once and returns the result. It never fails:
// any error, timeout or non-online answer yields an offline Status.
func (m *Monitor) CheckOnce(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	resp, err := m.prober.Health(ctx)
	checked := m.now()
	switch {
	case err != nil:
		return Status{LastCheckedAt: checked, Error: err.Error()}
	case !resp.Online():
		return Status{
			LastCheckedAt: checked,
			OllamaRunning: resp.OllamaRunning,
			Error:         unhealthyReason(resp),
		}
	default:
		return Status{
			Online:        true,
			ModelName:     resp.Model,
			LastCheckedAt: checked,
			OllamaRunning: resp.OllamaRunning,
		}
	}
}

// Refresh probes once and publishes the result.
func (m *Monitor) Refresh(ctx context.Context) Status {
	st := m.CheckOnce(ctx)
	m.publish(st)
	return st
}

// Start begins polling every interval, with the first probe immediately.
// Polling ends when ctx is cancelled or Stop is called. Calling Start on a
// started or stopped monitor does nothing.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return nil
	}
	m.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(loopCtx, interval)

	m.logger.Debug("health polling started", "interval", interval.String())
	return nil
}

// Stop cancels polling and waits for the loop and any outstanding probe.
// Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Status returns the latest snapshot without blocking on a probe.
func (m *Monitor) Status() Status {
	return m.status.Get()
}

// Subscribe registers fn for every published snapshot.
func (m *Monitor) Subscribe(fn func(Status)) (cancel func()) {
	return m.status.Subscribe(fn)
}

// Cell exposes the status cell.
func (m *Monitor) Cell() *state.Cell[Status] {
	return m.status
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()

	m.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick launches a probe unless one is already outstanding.
func (m *Monitor) tick(ctx context.Context) {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.metrics.HealthProbe("skipped")
		m.logger.Debug("health probe skipped, previous probe outstanding")
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.inFlight.Store(false)

		st := m.CheckOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		m.publish(st)
	}()
}

func (m *Monitor) publish(st Status) {
	if st.Online {
		m.metrics.HealthProbe("online")
		if !m.wasOnline.Swap(true) {
			m.logger.Info("copilot service online", "model", st.ModelName, "ollama_running", st.OllamaRunning)
		}
	} else {
		m.metrics.HealthProbe("offline")
		m.wasOnline.Store(false)
		m.offlineLog.Do(func() {
			m.logger.Warn("copilot service offline", "reason", st.Error)
		})
	}
	m.status.Set(st)
}

func unhealthyReason(resp remote.HealthResponse) string {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Sprintf("health endpoint returned HTTP %d", resp.StatusCode)
	}
	return fmt.Sprintf("service reported status %q", resp.Status)
}
