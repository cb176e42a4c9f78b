// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package copilot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/DatasetCopilot/internal/config"
	"github.com/AleutianAI/DatasetCopilot/internal/conversation"
	"github.com/AleutianAI/DatasetCopilot/internal/ingest"
	"github.com/AleutianAI/DatasetCopilot/internal/library"
	"github.com/AleutianAI/DatasetCopilot/internal/observability"
	"github.com/AleutianAI/DatasetCopilot/internal/remote"
	"github.com/AleutianAI/DatasetCopilot/internal/remote/remotetest"
	"github.com/AleutianAI/DatasetCopilot/internal/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const peopleCSV = "name,age,city\nAda,36,London\nAlan,41,Wilmslow\n"

func testConfig(url string) config.CopilotConfig {
	cfg := config.DefaultConfig()
	cfg.Service.BaseURL = url
	cfg.Service.RequestTimeout = config.Duration(2 * time.Second)
	cfg.Health.PollInterval = config.Duration(time.Hour)
	return cfg
}

func newCopilot(t *testing.T, svc *remotetest.Server) *Copilot {
	t.Helper()
	c, err := New(testConfig(svc.URL()), Deps{Metrics: observability.NewMetrics()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Service.BaseURL = ""
	_, err := New(cfg, Deps{})
	assert.Error(t, err)
}

func TestStart_PollsAndLoadsFiles(t *testing.T) {
	svc := remotetest.NewServer(t)
	svc.AddFile(remote.FileInfo{FileID: "sales_csv", Filename: "sales.csv", Rows: 500, Columns: 4, QualityScore: 82.6})
	c := newCopilot(t, svc)

	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return c.Status().Online }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "llama3.2", c.Status().ModelName)

	files := c.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "sales_csv", files[0].FileID)
	assert.Equal(t, 83, files[0].QualityScore)
}

func TestStart_ListingFailureIsNotFatal(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Health.ProbeTimeout = config.Duration(100 * time.Millisecond)
	c, err := New(cfg, Deps{})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Start(context.Background()))
	assert.Empty(t, c.Files())
}

func TestUploadThenAsk(t *testing.T) {
	svc := remotetest.NewServer(t)
	c := newCopilot(t, svc)
	ctx := context.Background()

	attempt, err := c.Upload(ctx, "people.csv", strings.NewReader(peopleCSV))
	require.NoError(t, err)
	assert.Equal(t, ingest.Succeeded, attempt.State())

	cur, ok := c.Library().Current()
	require.True(t, ok)
	assert.Equal(t, "people_csv", cur.FileID)
	assert.Equal(t, 2, cur.RowCount)

	out, err := c.Ask(ctx, "what is the average age?", router.QueryContext{})
	require.NoError(t, err)
	assert.Equal(t, router.RouteDatasetQuery, out.Route)
	assert.Equal(t, 1, svc.CallCount(remotetest.EndpointQuery))

	c.ClearSelection()
	out, err = c.Ask(ctx, "hello", router.QueryContext{})
	require.NoError(t, err)
	assert.Equal(t, router.RouteChat, out.Route)

	var roles []conversation.Role
	for m := range c.Transcript() {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []conversation.Role{
		conversation.RoleAssistant, // upload summary
		conversation.RoleUser, conversation.RoleAssistant,
		conversation.RoleUser, conversation.RoleAssistant,
	}, roles)
}

func TestDeleteFile_RemovesAndDeselects(t *testing.T) {
	svc := remotetest.NewServer(t)
	c := newCopilot(t, svc)
	ctx := context.Background()

	_, err := c.Upload(ctx, "people.csv", strings.NewReader(peopleCSV))
	require.NoError(t, err)
	_, ok := c.Library().Current()
	require.True(t, ok)

	require.NoError(t, c.DeleteFile(ctx, "people_csv"))
	assert.False(t, svc.HasFile("people_csv"))
	assert.Empty(t, c.Files())
	_, ok = c.Library().Current()
	assert.False(t, ok)

	out, err := c.Ask(ctx, "hello", router.QueryContext{})
	require.NoError(t, err)
	assert.Equal(t, router.RouteChat, out.Route)
}

func TestDeleteFile_UnknownOnServiceStillDropsLocalEntry(t *testing.T) {
	svc := remotetest.NewServer(t)
	c := newCopilot(t, svc)
	c.Library().Upsert(library.DatasetFile{FileID: "stale_csv", Filename: "stale.csv"})

	err := c.DeleteFile(context.Background(), "stale_csv")
	assert.ErrorIs(t, err, remote.ErrFileNotFound)
	assert.Equal(t, 0, c.Library().Len())
}

func TestDeleteFile_ServiceDownKeepsEntry(t *testing.T) {
	svc := remotetest.NewServer(t)
	c := newCopilot(t, svc)
	c.Library().Upsert(library.DatasetFile{FileID: "a_csv", Filename: "a.csv"})
	svc.Close()

	err := c.DeleteFile(context.Background(), "a_csv")
	assert.ErrorIs(t, err, remote.ErrTransport)
	assert.Equal(t, 1, c.Library().Len())
}

func TestFileDetails(t *testing.T) {
	svc := remotetest.NewServer(t)
	svc.AddFile(remote.FileInfo{FileID: "sales_csv", Filename: "sales.csv", Rows: 500, Columns: 4, QualityScore: 71.2, QualityLevel: "MEDIUM"})
	c := newCopilot(t, svc)

	summary, err := c.FileDetails(context.Background(), "sales_csv")
	require.NoError(t, err)
	assert.Equal(t, ingest.StatusOK, summary.Status)
	assert.Equal(t, 500, summary.Rows)
	assert.Equal(t, 71, summary.QualityScore)

	f, ok := c.Library().Get("sales_csv")
	require.True(t, ok)
	assert.Equal(t, "MEDIUM", f.QualityLevel)
	_, selected := c.Library().Current()
	assert.False(t, selected, "fetching details must not select the file")

	_, err = c.FileDetails(context.Background(), "ghost")
	assert.ErrorIs(t, err, remote.ErrFileNotFound)
}

func TestSelect_Unknown(t *testing.T) {
	svc := remotetest.NewServer(t)
	c := newCopilot(t, svc)
	assert.ErrorIs(t, c.Select("missing"), library.ErrNotFound)
}

func TestClose_DiscardsLateReply(t *testing.T) {
	svc := remotetest.NewServer(t)
	release := make(chan struct{})
	defer close(release)
	svc.SetHook(func(endpoint string) {
		if endpoint == remotetest.EndpointChat {
			<-release
		}
	})
	c := newCopilot(t, svc)

	done := make(chan error, 1)
	go func() {
		_, err := c.Ask(context.Background(), "hello", router.QueryContext{})
		done <- err
	}()
	require.Eventually(t, func() bool { return svc.CallCount(remotetest.EndpointChat) == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, c.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, conversation.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Ask did not return after Close")
	}
	assert.Equal(t, 1, c.Session().Len())

	_, err := c.Ask(context.Background(), "again", router.QueryContext{})
	assert.ErrorIs(t, err, conversation.ErrClosed)
	require.NoError(t, c.Close(), "Close is idempotent")
}

func TestPolicyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`rules:
  - id: no_salaries
    description: salary questions
    priority: 1
    patterns: ['\bsalar(y|ies)\b']
`), 0o600))

	svc := remotetest.NewServer(t)
	cfg := testConfig(svc.URL())
	cfg.Policy.RulesFile = path
	cfg.Policy.Watch = true
	c, err := New(cfg, Deps{})
	require.NoError(t, err)
	defer c.Close()

	out, err := c.Ask(context.Background(), "what is the median salary?", router.QueryContext{})
	require.NoError(t, err)
	assert.True(t, out.Blocked)
	assert.Equal(t, "no_salaries", out.Verdict.RuleID)
	assert.Equal(t, 0, svc.TotalCalls())
}
