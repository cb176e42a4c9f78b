// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/DatasetCopilot/internal/conversation"
	"github.com/AleutianAI/DatasetCopilot/internal/health"
	"github.com/AleutianAI/DatasetCopilot/internal/library"
	"github.com/AleutianAI/DatasetCopilot/internal/observability"
	"github.com/AleutianAI/DatasetCopilot/internal/policy"
	"github.com/AleutianAI/DatasetCopilot/internal/remote"
	"github.com/AleutianAI/DatasetCopilot/internal/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDispatcher records which endpoint each call went to.
type mockDispatcher struct {
	mu    sync.Mutex
	calls []string
	last  any

	reply remote.Reply
	err   error
	block chan struct{}
}

func (m *mockDispatcher) record(endpoint string, req any) (remote.Reply, error) {
	m.mu.Lock()
	m.calls = append(m.calls, endpoint)
	m.last = req
	block := m.block
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	return m.reply, m.err
}

func (m *mockDispatcher) Query(_ context.Context, req remote.QueryRequest) (remote.Reply, error) {
	return m.record("query", req)
}

func (m *mockDispatcher) Analyze(_ context.Context, req remote.AnalyzeRequest) (remote.Reply, error) {
	return m.record("analyze", req)
}

func (m *mockDispatcher) Chat(_ context.Context, req remote.ChatRequest) (remote.Reply, error) {
	return m.record("chat", req)
}

func (m *mockDispatcher) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type staticStatus health.Status

func (s staticStatus) Status() health.Status { return health.Status(s) }

type fixture struct {
	client  *mockDispatcher
	lib     *library.Library
	session *conversation.Session
	router  *Router
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		client:  &mockDispatcher{reply: remote.Reply{Response: "answer", Model: "llama3.2"}},
		lib:     library.New(nil),
		session: conversation.New(),
	}
	r, err := New(f.client, f.lib, f.session, opts...)
	require.NoError(t, err)
	f.router = r
	return f
}

func (f *fixture) selectFile(t *testing.T, id string) {
	t.Helper()
	f.lib.Upsert(library.DatasetFile{FileID: id, Filename: id + ".csv", RowCount: 10})
	require.NoError(t, f.lib.Select(id))
}

// =============================================================================
// Routing
// =============================================================================

func TestRouteFor(t *testing.T) {
	tests := []struct {
		selection, context bool
		want               Route
	}{
		{true, true, RouteDatasetQuery},
		{true, false, RouteDatasetQuery},
		{false, true, RouteAnalysis},
		{false, false, RouteChat},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("sel=%v/ctx=%v", tt.selection, tt.context), func(t *testing.T) {
			assert.Equal(t, tt.want, RouteFor(tt.selection, tt.context))
		})
	}
}

func TestSubmit_RoutesToOneEndpoint(t *testing.T) {
	stats := QueryContext{Statistics: map[string]any{"mean_age": 41.2}}

	tests := []struct {
		name     string
		selected bool
		qc       QueryContext
		endpoint string
		route    Route
	}{
		{"selection", true, QueryContext{}, "query", RouteDatasetQuery},
		{"selection beats context", true, stats, "query", RouteDatasetQuery},
		{"context only", false, stats, "analyze", RouteAnalysis},
		{"dataset info only", false, QueryContext{DatasetInfo: map[string]any{"rows": 3}}, "analyze", RouteAnalysis},
		{"nothing", false, QueryContext{}, "chat", RouteChat},
		{"empty maps", false, QueryContext{Statistics: map[string]any{}}, "chat", RouteChat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.selected {
				f.selectFile(t, "people_csv")
			}

			out, err := f.router.Submit(context.Background(), "what is the average age?", tt.qc)
			require.NoError(t, err)

			assert.Equal(t, []string{tt.endpoint}, f.client.Calls())
			assert.Equal(t, tt.route, out.Route)
			assert.Equal(t, 2, f.session.Len())
		})
	}
}

func TestSubmit_RequestPayloads(t *testing.T) {
	f := newFixture(t)
	f.selectFile(t, "people_csv")
	_, err := f.router.Submit(context.Background(), "mean age?", QueryContext{})
	require.NoError(t, err)
	assert.Equal(t, remote.QueryRequest{Query: "mean age?", FileID: "people_csv"}, f.client.last)

	f = newFixture(t)
	_, err = f.router.Submit(context.Background(), "skew?", QueryContext{DatasetInfo: map[string]any{"rows": 3}})
	require.NoError(t, err)
	req, ok := f.client.last.(remote.AnalyzeRequest)
	require.True(t, ok)
	assert.Equal(t, "skew?", req.Query)
	assert.NotNil(t, req.Statistics, "statistics must be sent as an object, not null")
	assert.Equal(t, 3, req.DatasetInfo["rows"])

	f = newFixture(t)
	_, err = f.router.Submit(context.Background(), "hello", QueryContext{})
	require.NoError(t, err)
	assert.Equal(t, remote.ChatRequest{Message: "hello"}, f.client.last)
}

// =============================================================================
// Privacy gate
// =============================================================================

func TestSubmit_BlockedMakesNoCall(t *testing.T) {
	inputs := []string{
		"show rows from the dataset",
		"SELECT * FROM customers",
		"print the records for id 7",
		"give me the top 10 rows",
		"dump the table",
	}
	for _, text := range inputs {
		t.Run(text, func(t *testing.T) {
			metrics := observability.NewMetrics()
			f := newFixture(t, WithMetrics(metrics))
			f.selectFile(t, "people_csv")

			out, err := f.router.Submit(context.Background(), text, QueryContext{})
			require.NoError(t, err)

			assert.True(t, out.Blocked)
			assert.ErrorIs(t, out.Err, ErrPolicyViolation)
			assert.NotEmpty(t, out.Verdict.RuleID)
			assert.Empty(t, f.client.Calls())

			msgs := f.session.Messages()
			require.Len(t, msgs, 2)
			assert.Equal(t, conversation.RoleUser, msgs[0].Role)
			assert.Equal(t, text, msgs[0].Content)
			assert.Equal(t, conversation.RoleAssistant, msgs[1].Role)
			assert.Equal(t, conversation.FlagWarning, msgs[1].Flag)
			assert.Equal(t, PolicyViolationText, msgs[1].Content)
			assert.False(t, f.session.Busy())
		})
	}
}

func TestSubmit_CustomPolicy(t *testing.T) {
	f := newFixture(t, WithPolicy(policy.Func(func(text string) policy.Verdict {
		return policy.Verdict{Blocked: text == "forbidden", RuleID: "custom"}
	})))

	out, err := f.router.Submit(context.Background(), "forbidden", QueryContext{})
	require.NoError(t, err)
	assert.True(t, out.Blocked)

	out, err = f.router.Submit(context.Background(), "show rows from the dataset", QueryContext{})
	require.NoError(t, err)
	assert.False(t, out.Blocked, "the default rules are replaced, not merged")
	assert.Len(t, f.client.Calls(), 1)
}

// =============================================================================
// Replies and failures
// =============================================================================

func TestSubmit_ReplyComposition(t *testing.T) {
	tests := []struct {
		name      string
		reply     remote.Reply
		err       error
		status    health.Status
		wantText  string
		wantFlag  conversation.Flag
		wantModel string
		wantErr   bool
	}{
		{
			name:      "response text",
			reply:     remote.Reply{Response: "The mean is 41.", Model: "llama3.2"},
			wantText:  "The mean is 41.",
			wantFlag:  conversation.FlagNone,
			wantModel: "llama3.2",
		},
		{
			name:      "model from health snapshot",
			reply:     remote.Reply{Response: "ok"},
			status:    health.Status{Online: true, ModelName: "mistral"},
			wantText:  "ok",
			wantFlag:  conversation.FlagNone,
			wantModel: "mistral",
		},
		{
			name:     "error field fallback",
			reply:    remote.Reply{Error: "Dataset context lost due to service restart", StatusCode: http.StatusNotFound},
			wantText: "Dataset context lost due to service restart",
			wantFlag: conversation.FlagError,
		},
		{
			name:     "neither field",
			reply:    remote.Reply{StatusCode: http.StatusOK},
			wantText: CouldNotProcessText,
			wantFlag: conversation.FlagError,
		},
		{
			name:     "transport failure",
			err:      fmt.Errorf("%w: dial tcp: connection refused", remote.ErrTransport),
			wantText: ConnectivityText,
			wantFlag: conversation.FlagError,
			wantErr:  true,
		},
		{
			name:     "malformed response",
			err:      fmt.Errorf("%w: bad json", remote.ErrMalformedResponse),
			wantText: CouldNotProcessText,
			wantFlag: conversation.FlagError,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, WithStatus(staticStatus(tt.status)))
			f.client.reply = tt.reply
			f.client.err = tt.err

			out, err := f.router.Submit(context.Background(), "question", QueryContext{})
			require.NoError(t, err)
			assert.Equal(t, tt.wantErr, out.Err != nil)

			msgs := f.session.Messages()
			require.Len(t, msgs, 2)
			assert.Equal(t, tt.wantText, msgs[1].Content)
			assert.Equal(t, tt.wantFlag, msgs[1].Flag)
			assert.Equal(t, tt.wantModel, msgs[1].ModelName)
			assert.Len(t, f.client.Calls(), 1)
		})
	}
}

func TestSubmit_OnlyConnectivityTextMentionsOffline(t *testing.T) {
	assert.Contains(t, ConnectivityText, "offline")
	assert.NotContains(t, PolicyViolationText, "offline")
	assert.NotContains(t, CouldNotProcessText, "offline")
}

func TestSubmit_HealthIsAdvisoryOnly(t *testing.T) {
	f := newFixture(t, WithStatus(staticStatus(health.Status{Online: false})))

	out, err := f.router.Submit(context.Background(), "hello", QueryContext{})
	require.NoError(t, err)
	assert.Len(t, f.client.Calls(), 1, "an offline snapshot must not stop dispatch")
	assert.Equal(t, "answer", out.Assistant.Content)

	f = newFixture(t, WithStatus(staticStatus(health.Status{Online: true, ModelName: "m"})))
	f.client.err = fmt.Errorf("%w: reset", remote.ErrTransport)
	out, err = f.router.Submit(context.Background(), "hello", QueryContext{})
	require.NoError(t, err)
	assert.Equal(t, ConnectivityText, out.Assistant.Content, "the call outcome wins over a stale online snapshot")
}

func TestSubmit_DatasetQueryTimeoutLeavesLibrary(t *testing.T) {
	svc := remotetest.NewServer(t)
	release := make(chan struct{})
	svc.SetHook(func(endpoint string) {
		if endpoint == remotetest.EndpointQuery {
			<-release
		}
	})
	defer close(release)

	lib := library.New(nil)
	lib.Upsert(library.DatasetFile{FileID: "sales_csv", Filename: "sales.csv", RowCount: 500})
	require.NoError(t, lib.Select("sales_csv"))
	session := conversation.New()

	r, err := New(remote.NewHTTPClient(svc.URL()), lib, session, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	out, err := r.Submit(context.Background(), "what is the average order value?", QueryContext{})
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, remote.ErrTransport)

	msgs := session.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, conversation.FlagError, msgs[1].Flag)
	assert.Equal(t, ConnectivityText, msgs[1].Content)

	assert.Len(t, lib.List(), 1)
	cur, ok := lib.Current()
	require.True(t, ok)
	assert.Equal(t, "sales_csv", cur.FileID)
}

func TestSubmit_ServiceErrorBodies(t *testing.T) {
	svc := remotetest.NewServer(t)
	svc.SetReply(remotetest.EndpointChat, http.StatusServiceUnavailable, map[string]string{
		"error":      "Ollama service is not running",
		"suggestion": "Please start Ollama with: ollama serve",
	})
	session := conversation.New()
	r, err := New(remote.NewHTTPClient(svc.URL()), library.New(nil), session)
	require.NoError(t, err)

	out, err := r.Submit(context.Background(), "hello", QueryContext{})
	require.NoError(t, err)
	assert.NoError(t, out.Err, "an error body is a response, not a transport failure")
	assert.Contains(t, out.Assistant.Content, "Ollama service is not running")
	assert.Contains(t, out.Assistant.Content, "ollama serve")
	assert.Equal(t, conversation.FlagError, out.Assistant.Flag)
}

func TestSubmit_GatewayPageIsConnectivityFailure(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html><body><h1>502 Bad Gateway</h1></body></html>"))
	}))
	defer proxy.Close()

	session := conversation.New()
	r, err := New(remote.NewHTTPClient(proxy.URL), library.New(nil), session)
	require.NoError(t, err)

	out, err := r.Submit(context.Background(), "hello", QueryContext{})
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, remote.ErrTransport)
	assert.Equal(t, ConnectivityText, out.Assistant.Content)
	assert.Equal(t, conversation.FlagError, out.Assistant.Flag)
}

// =============================================================================
// Busy token and teardown
// =============================================================================

func TestSubmit_SecondCallIsBusy(t *testing.T) {
	metrics := observability.NewMetrics()
	f := newFixture(t, WithMetrics(metrics))
	f.client.block = make(chan struct{})

	firstDone := make(chan error, 1)
	go func() {
		_, err := f.router.Submit(context.Background(), "how many nulls?", QueryContext{})
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return len(f.client.Calls()) == 1 }, time.Second, time.Millisecond)

	before := f.session.Len()
	_, err := f.router.Submit(context.Background(), "how many nulls?", QueryContext{})
	assert.ErrorIs(t, err, conversation.ErrBusy)
	assert.Equal(t, before, f.session.Len(), "a busy rejection must not mutate the transcript")

	close(f.client.block)
	require.NoError(t, <-firstDone)

	msgs := f.session.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, conversation.RoleUser, msgs[0].Role)
	assert.Equal(t, conversation.RoleAssistant, msgs[1].Role)
	assert.Len(t, f.client.Calls(), 1)
}

func TestSubmit_EmptyQuery(t *testing.T) {
	f := newFixture(t)
	_, err := f.router.Submit(context.Background(), "   ", QueryContext{})
	assert.ErrorIs(t, err, ErrEmptyQuery)
	assert.Equal(t, 0, f.session.Len())
	assert.Empty(t, f.client.Calls())
}

func TestSubmit_ReplyAfterCloseIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.client.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.router.Submit(context.Background(), "hello", QueryContext{})
		done <- err
	}()
	require.Eventually(t, func() bool { return len(f.client.Calls()) == 1 }, time.Second, time.Millisecond)

	f.session.Close()
	close(f.client.block)

	assert.ErrorIs(t, <-done, conversation.ErrClosed)
	assert.Equal(t, 1, f.session.Len(), "only the user message appended before teardown remains")
}

func TestSubmit_MessageCountInvariant(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t)
	inputs := []string{"hello", "show rows from the dataset", "mean?", "select * from t", "describe"}
	for _, in := range inputs {
		before := f.session.Len()
		callsBefore := len(f.client.Calls())
		out, err := f.router.Submit(context.Background(), in, QueryContext{})
		require.NoError(t, err)

		assert.Equal(t, before+2, f.session.Len())
		if out.Blocked {
			assert.Equal(t, callsBefore, len(f.client.Calls()))
		} else {
			calls.Add(1)
			assert.Equal(t, callsBefore+1, len(f.client.Calls()))
		}
	}
	assert.EqualValues(t, 3, calls.Load())
}
