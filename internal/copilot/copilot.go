// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package copilot wires the health monitor, dataset library, ingestion
// pipeline and query router around one conversation session.
//
// A Copilot owns a root context. Close cancels it, which aborts in-flight
// requests, stops polling and closes the session, so any reply that still
// arrives is discarded rather than appended.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/AleutianAI/DatasetCopilot/internal/config"
	"github.com/AleutianAI/DatasetCopilot/internal/conversation"
	"github.com/AleutianAI/DatasetCopilot/internal/health"
	"github.com/AleutianAI/DatasetCopilot/internal/ingest"
	"github.com/AleutianAI/DatasetCopilot/internal/library"
	"github.com/AleutianAI/DatasetCopilot/internal/observability"
	"github.com/AleutianAI/DatasetCopilot/internal/policy"
	"github.com/AleutianAI/DatasetCopilot/internal/remote"
	"github.com/AleutianAI/DatasetCopilot/internal/router"
	"github.com/AleutianAI/DatasetCopilot/pkg/logging"
)

// Deps are the collaborators New does not build itself. Every field is
// optional.
type Deps struct {
	// Client replaces the HTTP client built from the service config.
	Client remote.Client
	// Policy replaces the rule set named by the policy config.
	Policy  policy.Policy
	Logger  *logging.Logger
	Metrics *observability.Metrics
}

// Copilot is one interactive session against the analysis service.
type Copilot struct {
	cfg     config.CopilotConfig
	client  remote.Client
	logger  *logging.Logger
	metrics *observability.Metrics

	session  *conversation.Session
	library  *library.Library
	monitor  *health.Monitor
	pipeline *ingest.Pipeline
	router   *router.Router
	watcher  *policy.Watcher

	root   context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// New builds a Copilot from cfg. Nothing touches the network until Start,
// Ask or Upload.
func New(cfg config.CopilotConfig, deps Deps) (*Copilot, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logger := logging.OrNop(deps.Logger)
	c := &Copilot{
		cfg:     cfg,
		client:  deps.Client,
		logger:  logger,
		metrics: deps.Metrics,
		session: conversation.New(),
		library: library.New(deps.Metrics),
	}
	if c.client == nil {
		c.client = remote.NewHTTPClient(cfg.Service.BaseURL,
			remote.WithUserAgent(userAgent(cfg)),
			remote.WithLogger(logger.With("component", "remote")),
		)
	}

	gate := deps.Policy
	if gate == nil {
		var err error
		if gate, err = c.loadPolicy(); err != nil {
			return nil, err
		}
	}

	c.monitor = health.NewMonitor(c.client,
		health.WithProbeTimeout(cfg.Health.ProbeTimeout.Std()),
		health.WithLogger(logger.With("component", "health")),
		health.WithMetrics(deps.Metrics),
	)
	c.pipeline = ingest.NewPipeline(c.client, c.library, c.session,
		ingest.WithTimeout(cfg.Service.UploadTimeout.Std()),
		ingest.WithLogger(logger.With("component", "ingest")),
		ingest.WithMetrics(deps.Metrics),
	)

	r, err := router.New(c.client, c.library, c.session,
		router.WithPolicy(gate),
		router.WithStatus(c.monitor),
		router.WithTimeout(cfg.Service.RequestTimeout.Std()),
		router.WithLogger(logger.With("component", "router")),
		router.WithMetrics(deps.Metrics),
	)
	if err != nil {
		c.closeWatcher()
		return nil, err
	}
	c.router = r

	c.root, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

func userAgent(cfg config.CopilotConfig) string {
	if cfg.Service.UserAgent != "" {
		return cfg.Service.UserAgent
	}
	return "dataset-copilot"
}

func (c *Copilot) loadPolicy() (policy.Policy, error) {
	path := c.cfg.Policy.RulesFile
	switch {
	case path == "":
		return policy.Default()
	case c.cfg.Policy.Watch:
		w, err := policy.NewWatcher(path,
			policy.WithWatcherLogger(c.logger.With("component", "policy")),
		)
		if err != nil {
			return nil, err
		}
		c.watcher = w
		return w, nil
	default:
		return policy.LoadFile(path)
	}
}

// Start begins health polling and loads the service's file listing. A
// failed listing is logged, not returned; the library stays empty until
// the next refresh.
func (c *Copilot) Start(ctx context.Context) error {
	if c.session.Closed() {
		return conversation.ErrClosed
	}
	if err := c.monitor.Start(c.root, c.cfg.Health.PollInterval.Std()); err != nil {
		return fmt.Errorf("start health polling: %w", err)
	}
	if err := c.RefreshFiles(ctx); err != nil {
		c.logger.Warn("initial file listing failed", "error", err)
	}
	return nil
}

// Ask submits one user message. See router.Router.Submit.
func (c *Copilot) Ask(ctx context.Context, text string, qc router.QueryContext) (router.Outcome, error) {
	ctx, done := c.scope(ctx)
	defer done()
	return c.router.Submit(ctx, text, qc)
}

// Upload ingests one file. See ingest.Pipeline.Upload.
func (c *Copilot) Upload(ctx context.Context, filename string, content io.Reader) (*ingest.Attempt, error) {
	ctx, done := c.scope(ctx)
	defer done()
	return c.pipeline.Upload(ctx, filename, content)
}

// Select makes fileID the dataset that questions are asked about.
func (c *Copilot) Select(fileID string) error {
	return c.library.Select(fileID)
}

// ClearSelection returns questions to chat or context analysis.
func (c *Copilot) ClearSelection() {
	c.library.Clear()
}

// Files lists the known datasets in the order they were added.
func (c *Copilot) Files() []library.DatasetFile {
	return c.library.List()
}

// RefreshFiles replaces the library with the service's listing.
func (c *Copilot) RefreshFiles(ctx context.Context) error {
	ctx, done := c.scope(ctx)
	defer done()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Service.RequestTimeout.Std())
	defer cancel()
	return c.library.Refresh(ctx, c.client)
}

// FileDetails fetches the stored analysis of fileID and refreshes the
// library entry with it. The selection is not changed.
func (c *Copilot) FileDetails(ctx context.Context, fileID string) (ingest.Summary, error) {
	ctx, done := c.scope(ctx)
	defer done()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Service.RequestTimeout.Std())
	defer cancel()

	resp, err := c.client.FileAnalysis(ctx, fileID)
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("file details: %w", err)
	}
	summary, err := ingest.SummarizeStored(resp)
	if err != nil {
		return summary, fmt.Errorf("file details %s: %w", fileID, err)
	}
	if !c.session.Closed() {
		c.library.Upsert(summary.DatasetFile(resp.FileID))
	}
	return summary, nil
}

// DeleteFile deletes fileID from the service and the library. A file the
// service no longer holds is still dropped locally, and the
// remote.ErrFileNotFound is returned.
func (c *Copilot) DeleteFile(ctx context.Context, fileID string) error {
	ctx, done := c.scope(ctx)
	defer done()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Service.RequestTimeout.Std())
	defer cancel()

	err := c.client.DeleteFile(ctx, fileID)
	if err != nil && !errors.Is(err, remote.ErrFileNotFound) {
		return fmt.Errorf("delete file: %w", err)
	}
	if c.library.Remove(fileID) {
		c.logger.Info("dataset removed", "file_id", fileID)
	}
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// CheckHealth probes the service now and publishes the result.
func (c *Copilot) CheckHealth(ctx context.Context) health.Status {
	ctx, done := c.scope(ctx)
	defer done()
	return c.monitor.Refresh(ctx)
}

// Status returns the last health snapshot.
func (c *Copilot) Status() health.Status {
	return c.monitor.Status()
}

// Transcript iterates the conversation so far.
func (c *Copilot) Transcript() iter.Seq[conversation.Message] {
	return c.session.Transcript()
}

// Session exposes the conversation for observers.
func (c *Copilot) Session() *conversation.Session { return c.session }

// Library exposes the dataset library for observers.
func (c *Copilot) Library() *library.Library { return c.library }

// Monitor exposes the health monitor for observers.
func (c *Copilot) Monitor() *health.Monitor { return c.monitor }

// Close tears the session down. Idempotent.
func (c *Copilot) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.session.Close()
		c.cancel()
		c.monitor.Stop()
		err = c.closeWatcher()
		c.logger.Debug("copilot closed")
	})
	return err
}

func (c *Copilot) closeWatcher() error {
	if c.watcher == nil {
		return nil
	}
	return c.watcher.Close()
}

// scope derives a context that is also cancelled by Close.
func (c *Copilot) scope(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(c.root, func() { cancel(errClosing) })
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

var errClosing = errors.New("copilot closing")
