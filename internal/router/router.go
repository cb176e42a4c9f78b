// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package router turns a user message into at most one call to the
// analysis service and exactly one assistant reply.
//
// # Description
//
// Submit runs three steps in order:
//
//  1. Privacy gate. A message the Policy blocks is answered locally with a
//     fixed warning; no request is sent.
//  2. Routing. A selected dataset sends a dataset query. Otherwise caller
//     supplied statistics or dataset info send a context analysis, and
//     anything else is plain chat. See RouteFor.
//  3. Dispatch. The user message is appended, the one request is made, and
//     the reply (or a fixed error text) is appended.
//
// Submit holds the session busy token throughout, so a second Submit, or an
// upload, while one is outstanding fails fast with conversation.ErrBusy.
//
// The cached health snapshot is only used to fill in the model name. It
// never stops a request from being sent.
package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/AleutianAI/DatasetCopilot/internal/conversation"
	"github.com/AleutianAI/DatasetCopilot/internal/health"
	"github.com/AleutianAI/DatasetCopilot/internal/library"
	"github.com/AleutianAI/DatasetCopilot/internal/observability"
	"github.com/AleutianAI/DatasetCopilot/internal/policy"
	"github.com/AleutianAI/DatasetCopilot/internal/remote"
	"github.com/AleutianAI/DatasetCopilot/pkg/logging"
)

// Fixed assistant texts.
const (
	// PolicyViolationText answers a blocked message.
	PolicyViolationText = "I can't show raw records from your data. For privacy reasons I only answer with statistics " +
		"and summaries of the dataset. Try asking about averages, distributions or data quality instead."

	// ConnectivityText answers a request that got no response. It is the
	// only message that says the service may be offline.
	ConnectivityText = "I couldn't reach the copilot service, so this question was not answered. " +
		"The service may be offline. Check that it is running and try again."

	// CouldNotProcessText answers a response with neither text nor error.
	CouldNotProcessText = "Sorry, I could not process that request."
)

// DefaultTimeout bounds one dispatch when none is configured.
const DefaultTimeout = 60 * time.Second

var (
	// ErrEmptyQuery is returned for blank input. Nothing is appended.
	ErrEmptyQuery = errors.New("empty query")

	// ErrPolicyViolation is reported in Outcome.Err for blocked messages.
	// Submit itself returns nil for them.
	ErrPolicyViolation = errors.New("message blocked by privacy policy")
)

// Route is the service capability a message is sent to.
type Route int

const (
	RouteChat Route = iota
	RouteAnalysis
	RouteDatasetQuery
)

// String returns the metrics label for r.
func (r Route) String() string {
	switch r {
	case RouteChat:
		return "chat"
	case RouteAnalysis:
		return "context_analysis"
	case RouteDatasetQuery:
		return "dataset_query"
	default:
		return "unknown"
	}
}

// RouteFor picks the route from what is known about the session. A
// selection wins over context metadata.
func RouteFor(hasSelection, hasContext bool) Route {
	switch {
	case hasSelection:
		return RouteDatasetQuery
	case hasContext:
		return RouteAnalysis
	default:
		return RouteChat
	}
}

// QueryContext is caller-supplied metadata used when no dataset is selected.
type QueryContext struct {
	Statistics  map[string]any
	DatasetInfo map[string]any
}

// HasMetadata reports whether either map is non-empty.
func (q QueryContext) HasMetadata() bool {
	return len(q.Statistics) > 0 || len(q.DatasetInfo) > 0
}

// Outcome describes what a Submit did.
type Outcome struct {
	// Blocked is true when the privacy gate answered locally.
	Blocked bool
	Verdict policy.Verdict

	// Route is the capability used. Unset when Blocked.
	Route  Route
	FileID string

	// Reply is the service's answer. On transport failure only its
	// StatusCode may be set.
	Reply remote.Reply

	// Err is the non-fatal cause behind an error-flagged reply.
	Err error

	User      conversation.Message
	Assistant conversation.Message
}

// Dispatcher is the subset of remote.Client the router calls.
type Dispatcher interface {
	Query(ctx context.Context, req remote.QueryRequest) (remote.Reply, error)
	Analyze(ctx context.Context, req remote.AnalyzeRequest) (remote.Reply, error)
	Chat(ctx context.Context, req remote.ChatRequest) (remote.Reply, error)
}

// Selection reports the current dataset selection.
type Selection interface {
	Current() (library.DatasetFile, bool)
}

// StatusSource reports the cached health snapshot.
type StatusSource interface {
	Status() health.Status
}

// Router routes user messages.
//
// Thread Safety: safe for concurrent use; concurrent Submits on one session
// are rejected, not serialised.
type Router struct {
	client    Dispatcher
	selection Selection
	session   *conversation.Session
	policy    policy.Policy
	status    StatusSource
	logger    *logging.Logger
	metrics   *observability.Metrics
	timeout   time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithPolicy replaces the privacy gate.
func WithPolicy(p policy.Policy) Option {
	return func(r *Router) { r.policy = p }
}

// WithStatus supplies the health snapshot used for the model name.
func WithStatus(s StatusSource) Option {
	return func(r *Router) { r.status = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMetrics records dispatches.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithTimeout bounds each dispatch.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New creates a Router. Without WithPolicy the embedded rule set is used.
func New(client Dispatcher, selection Selection, session *conversation.Session, opts ...Option) (*Router, error) {
	r := &Router{
		client:    client,
		selection: selection,
		session:   session,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.policy == nil {
		rs, err := policy.Default()
		if err != nil {
			return nil, err
		}
		r.policy = rs
	}
	r.logger = logging.OrNop(r.logger)
	return r, nil
}

// Submit handles one user message.
//
// # Outputs
//
//   - Outcome: What was appended and why.
//   - error: ErrEmptyQuery or conversation.ErrBusy with nothing appended;
//     conversation.ErrClosed when the session ended before the reply could
//     be appended. Service and policy failures are reported in Outcome,
//     not here.
func (r *Router) Submit(ctx context.Context, text string, qc QueryContext) (Outcome, error) {
	if strings.TrimSpace(text) == "" {
		return Outcome{}, ErrEmptyQuery
	}

	release, err := r.session.Acquire()
	if err != nil {
		if errors.Is(err, conversation.ErrBusy) {
			r.metrics.BusyRejection("submit")
		}
		return Outcome{}, err
	}
	defer release()

	user := conversation.UserMessage(text)

	if verdict := r.policy.Evaluate(text); verdict.Blocked {
		return r.block(user, verdict)
	}

	file, hasSelection := r.selection.Current()
	route := RouteFor(hasSelection, qc.HasMetadata())
	out := Outcome{Route: route, User: user}
	if hasSelection {
		out.FileID = file.FileID
	}

	if err := r.session.Append(user); err != nil {
		return out, err
	}

	logger := r.logger.With("route", route.String(), "query_len", len(text))
	logger.Debug("dispatching query", "file_id", out.FileID)

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	reply, err := r.dispatch(callCtx, route, text, out.FileID, qc)
	elapsed := time.Since(start)

	out.Reply = reply
	out.Assistant, out.Err = r.compose(reply, err)
	r.metrics.Dispatch(route.String(), outcomeLabel(reply, err), elapsed)

	if out.Err != nil {
		logger.Warn("query did not get an answer", "error", out.Err, "duration_ms", elapsed.Milliseconds())
	} else {
		logger.Info("query answered", "model", out.Assistant.ModelName, "duration_ms", elapsed.Milliseconds())
	}

	if err := r.session.Append(out.Assistant); err != nil {
		logger.Debug("reply discarded", "error", err)
		return out, err
	}
	return out, nil
}

func (r *Router) block(user conversation.Message, verdict policy.Verdict) (Outcome, error) {
	r.metrics.PolicyBlock(verdict.RuleID)
	r.logger.Warn("message blocked by privacy policy", "rule", verdict.RuleID)

	warning := conversation.AssistantMessage(PolicyViolationText, conversation.FlagWarning, "")
	out := Outcome{Blocked: true, Verdict: verdict, Err: ErrPolicyViolation, User: user, Assistant: warning}

	if err := r.session.Append(user); err != nil {
		return out, err
	}
	if err := r.session.Append(warning); err != nil {
		return out, err
	}
	return out, nil
}

// dispatch makes exactly one service call for route.
func (r *Router) dispatch(ctx context.Context, route Route, text, fileID string, qc QueryContext) (remote.Reply, error) {
	switch route {
	case RouteDatasetQuery:
		return r.client.Query(ctx, remote.QueryRequest{Query: text, FileID: fileID})
	case RouteAnalysis:
		return r.client.Analyze(ctx, remote.AnalyzeRequest{
			Query:       text,
			Statistics:  nonNil(qc.Statistics),
			DatasetInfo: nonNil(qc.DatasetInfo),
		})
	default:
		return r.client.Chat(ctx, remote.ChatRequest{Message: text})
	}
}

// compose builds the assistant message for a dispatch result.
func (r *Router) compose(reply remote.Reply, err error) (conversation.Message, error) {
	switch {
	case errors.Is(err, remote.ErrTransport):
		return conversation.AssistantMessage(ConnectivityText, conversation.FlagError, ""), err
	case err != nil:
		return conversation.AssistantMessage(CouldNotProcessText, conversation.FlagError, ""), err
	}

	model := reply.Model
	if model == "" && r.status != nil {
		model = r.status.Status().ModelName
	}

	text := reply.Text()
	switch {
	case text == "":
		return conversation.AssistantMessage(CouldNotProcessText, conversation.FlagError, model), nil
	case reply.IsError():
		return conversation.AssistantMessage(text, conversation.FlagError, model), nil
	default:
		return conversation.AssistantMessage(text, conversation.FlagNone, model), nil
	}
}

func outcomeLabel(reply remote.Reply, err error) string {
	switch {
	case errors.Is(err, remote.ErrTransport):
		return "transport"
	case err != nil:
		return "malformed"
	case reply.Text() == "" || reply.IsError():
		return "error_reply"
	default:
		return "ok"
	}
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
