// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest drives a file through upload, remote analysis and library
// registration.
//
// Each call to Pipeline.Upload is one Attempt with the lifecycle
//
//	Idle -> Uploading -> Analyzing -> Succeeded
//	                  \            \-> Failed
//	                   \-> Failed
//
// Both terminal states append exactly one assistant message to the session.
// A failed attempt never touches the library and is never retried.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/DatasetCopilot/internal/conversation"
	"github.com/AleutianAI/DatasetCopilot/internal/library"
	"github.com/AleutianAI/DatasetCopilot/internal/observability"
	"github.com/AleutianAI/DatasetCopilot/internal/remote"
	"github.com/AleutianAI/DatasetCopilot/pkg/logging"
	"github.com/google/uuid"
)

var (
	// ErrIngestionFailed means the service answered but the analysis failed
	// or could not be read.
	ErrIngestionFailed = errors.New("ingestion failed")

	// ErrIngestionTransport means the upload never got a response.
	ErrIngestionTransport = errors.New("ingestion transport failure")

	// ErrUnsupportedFile means the extension is not accepted. It wraps
	// ErrIngestionFailed.
	ErrUnsupportedFile = fmt.Errorf("%w: unsupported file type", ErrIngestionFailed)
)

// AllowedExtensions are the file types the service can analyse.
var AllowedExtensions = []string{"csv", "xlsx", "xls", "json"}

// DefaultTimeout bounds upload plus analysis when none is configured.
const DefaultTimeout = 5 * time.Minute

// Uploader sends a file to the service.
type Uploader interface {
	Upload(ctx context.Context, filename string, content io.Reader) (remote.UploadResponse, error)
}

// Pipeline runs ingestion attempts against one session and library.
type Pipeline struct {
	uploader Uploader
	library  *library.Library
	session  *conversation.Session
	logger   *logging.Logger
	metrics  *observability.Metrics
	timeout  time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics records attempt outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTimeout bounds each attempt's network call.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewPipeline creates a Pipeline.
func NewPipeline(uploader Uploader, lib *library.Library, session *conversation.Session, opts ...Option) *Pipeline {
	p := &Pipeline{
		uploader: uploader,
		library:  lib,
		session:  session,
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrNop(p.logger)
	return p
}

// Upload runs one attempt for filename.
//
// # Description
//
// The session busy token is taken first; if it is held Upload returns
// conversation.ErrBusy with a nil Attempt and nothing is appended.
// Otherwise the returned Attempt is terminal and the error, if any, wraps
// ErrIngestionFailed or ErrIngestionTransport. On success the dataset is
// upserted into the library, selected, and summarised in the transcript.
//
// # Inputs
//
//   - ctx: Cancels the upload. The attempt also has its own timeout.
//   - filename: Name reported to the service; its extension is checked
//     locally before any network call.
//   - content: File bytes, streamed.
func (p *Pipeline) Upload(ctx context.Context, filename string, content io.Reader) (*Attempt, error) {
	release, err := p.session.Acquire()
	if err != nil {
		if errors.Is(err, conversation.ErrBusy) {
			p.metrics.BusyRejection("upload")
		}
		return nil, err
	}
	defer release()

	attempt := newAttempt(filename)
	logger := p.logger.With("attempt_id", attempt.ID, "filename", filepath.Base(filename))
	name := filepath.Base(filename)

	if !Allowed(filename) {
		reason := fmt.Sprintf("unsupported file type %q; allowed types are %s",
			extension(filename), strings.Join(AllowedExtensions, ", "))
		p.fail(attempt, fmt.Errorf("%w: %s", ErrUnsupportedFile, name), "rejected",
			fmt.Sprintf("Could not analyze %s: %s.", name, reason))
		logger.Warn("upload rejected locally", "reason", reason)
		return attempt, attempt.Err()
	}

	attempt.transition(Uploading)
	logger.Info("uploading dataset")

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	resp, err := p.uploader.Upload(callCtx, filename, content)

	if err != nil && errors.Is(err, remote.ErrTransport) {
		p.fail(attempt, fmt.Errorf("%w: %w", ErrIngestionTransport, err), "transport",
			fmt.Sprintf("Upload of %s did not complete: the connection to the analysis service failed. Please try again.", name))
		logger.Error("upload transport failure", "error", err)
		return attempt, attempt.Err()
	}

	attempt.transition(Analyzing)

	var summary Summary
	if err == nil {
		summary, err = Summarize(name, resp)
	}
	if err != nil {
		attempt.setSummary(summary)
		p.fail(attempt, fmt.Errorf("%w: %w", ErrIngestionFailed, err), "failed",
			fmt.Sprintf("Analysis failed for %s: %s", name, failureText(err)))
		logger.Warn("analysis failed", "error", err)
		return attempt, attempt.Err()
	}

	// The file is held and selected before its summary is observable. A
	// closed session discards the result and undoes the admission.
	file := summary.DatasetFile(resp.FileID)
	undo := p.library.Admit(file)
	if err := p.session.Append(conversation.AssistantMessage(summary.Message(), conversation.FlagNone, "")); err != nil {
		undo()
		attempt.finish(Failed, err)
		logger.Debug("analysis result discarded", "error", err)
		return attempt, attempt.Err()
	}

	attempt.setSummary(summary)
	attempt.finish(Succeeded, nil)
	p.metrics.Ingestion("succeeded")
	logger.Info("dataset analyzed",
		"file_id", file.FileID,
		"rows", summary.Rows,
		"columns", summary.Columns,
		"quality_score", summary.QualityScore,
	)
	return attempt, nil
}

// fail ends the attempt and appends its one error message.
func (p *Pipeline) fail(a *Attempt, err error, result, text string) {
	a.finish(Failed, err)
	p.metrics.Ingestion(result)
	if appendErr := p.session.Append(conversation.AssistantMessage(text, conversation.FlagError, "")); appendErr != nil {
		p.logger.Debug("failure message discarded", "error", appendErr)
	}
}

func failureText(err error) string {
	var se *summaryError
	if errors.As(err, &se) {
		return se.reason
	}
	if errors.Is(err, remote.ErrMalformedResponse) {
		return "the service returned a response that could not be read"
	}
	return err.Error()
}

// Allowed reports whether filename has an accepted extension.
func Allowed(filename string) bool {
	return slices.Contains(AllowedExtensions, extension(filename))
}

func extension(filename string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}

// =============================================================================
// Attempt
// =============================================================================

// State is an attempt's lifecycle position.
type State int

const (
	Idle State = iota
	Uploading
	Analyzing
	Succeeded
	Failed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Uploading:
		return "uploading"
	case Analyzing:
		return "analyzing"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Succeeded or Failed.
func (s State) Terminal() bool { return s == Succeeded || s == Failed }

// Attempt records one upload.
//
// Thread Safety: safe for concurrent reads.
type Attempt struct {
	ID       string
	Filename string
	Started  time.Time

	mu       sync.RWMutex
	state    State
	history  []State
	summary  Summary
	err      error
	finished time.Time
}

func newAttempt(filename string) *Attempt {
	return &Attempt{
		ID:       uuid.NewString(),
		Filename: filename,
		Started:  time.Now(),
		state:    Idle,
		history:  []State{Idle},
	}
}

func (a *Attempt) transition(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
	a.history = append(a.history, s)
}

func (a *Attempt) finish(s State, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
	a.history = append(a.history, s)
	a.err = err
	a.finished = time.Now()
}

func (a *Attempt) setSummary(s Summary) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summary = s
}

// State returns the current state.
func (a *Attempt) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// History returns every state the attempt has been in, in order.
func (a *Attempt) History() []State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.history)
}

// Summary returns the parsed analysis, if one was produced.
func (a *Attempt) Summary() (Summary, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.summary, a.summary.Filename != ""
}

// Err returns the failure cause, nil unless Failed.
func (a *Attempt) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.err
}

// Duration is the time from start to the terminal state.
func (a *Attempt) Duration() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.finished.IsZero() {
		return time.Since(a.Started)
	}
	return a.finished.Sub(a.Started)
}
