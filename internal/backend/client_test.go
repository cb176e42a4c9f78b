// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory stand-in for the platform REST API.
type fakeBackend struct {
	mu       sync.Mutex
	nextID   int64
	projects map[int64]Project
	datasets map[int64]Dataset
}

func newFakeBackend(t *testing.T) (*fakeBackend, *Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fb := &fakeBackend{nextID: 1, projects: map[int64]Project{}, datasets: map[int64]Dataset{}}

	r := gin.New()
	r.GET("/api/projects", func(c *gin.Context) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		out := make([]Project, 0, len(fb.projects))
		for id := int64(1); id < fb.nextID; id++ {
			if p, ok := fb.projects[id]; ok {
				out = append(out, p)
			}
		}
		c.JSON(http.StatusOK, out)
	})
	r.GET("/api/projects/:id", func(c *gin.Context) {
		p, ok := fb.project(c.Param("id"))
		if !ok {
			c.Status(http.StatusNotFound)
			return
		}
		c.JSON(http.StatusOK, p)
	})
	r.POST("/api/projects", func(c *gin.Context) {
		var p Project
		if err := c.ShouldBindJSON(&p); err != nil {
			c.String(http.StatusBadRequest, "bad body")
			return
		}
		fb.mu.Lock()
		p.ID = fb.nextID
		fb.nextID++
		fb.projects[p.ID] = p
		fb.mu.Unlock()
		c.JSON(http.StatusOK, p)
	})
	r.PUT("/api/projects/:id", func(c *gin.Context) {
		var in Project
		_ = c.ShouldBindJSON(&in)
		p, ok := fb.project(c.Param("id"))
		if !ok {
			c.Status(http.StatusNotFound)
			return
		}
		if in.Name != "" {
			p.Name = in.Name
		}
		p.Description = in.Description
		fb.mu.Lock()
		fb.projects[p.ID] = p
		fb.mu.Unlock()
		c.JSON(http.StatusOK, p)
	})
	r.DELETE("/api/projects/:id", func(c *gin.Context) {
		p, ok := fb.project(c.Param("id"))
		if !ok {
			c.String(http.StatusInternalServerError, "Project not found with id: "+c.Param("id"))
			return
		}
		fb.mu.Lock()
		delete(fb.projects, p.ID)
		for id, d := range fb.datasets {
			if d.Project != nil && d.Project.ID == p.ID {
				delete(fb.datasets, id)
			}
		}
		fb.mu.Unlock()
		c.Status(http.StatusOK)
	})
	r.GET("/api/datasets/project/:id", func(c *gin.Context) {
		pid, _ := strconv.ParseInt(c.Param("id"), 10, 64)
		fb.mu.Lock()
		defer fb.mu.Unlock()
		out := []Dataset{}
		for _, d := range fb.datasets {
			if d.Project != nil && d.Project.ID == pid {
				out = append(out, d)
			}
		}
		c.JSON(http.StatusOK, out)
	})
	r.GET("/api/datasets/:id/stats", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/json", []byte(`{"rows":3,"columns":["age","city"]}`))
	})
	r.POST("/api/datasets/upload", func(c *gin.Context) {
		pid, err := strconv.ParseInt(c.PostForm("projectId"), 10, 64)
		if err != nil {
			c.String(http.StatusBadRequest, "Required parameter 'projectId' is not present.")
			return
		}
		header, err := c.FormFile("file")
		if err != nil {
			c.String(http.StatusBadRequest, "Required part 'file' is not present.")
			return
		}
		p, ok := fb.project(strconv.FormatInt(pid, 10))
		if !ok {
			c.String(http.StatusInternalServerError, "Project not found")
			return
		}
		fb.mu.Lock()
		d := Dataset{ID: fb.nextID, Project: &p, Name: header.Filename, FilePath: "/uploads/" + header.Filename, Metadata: strconv.FormatInt(header.Size, 10)}
		fb.nextID++
		fb.datasets[d.ID] = d
		fb.mu.Unlock()
		c.JSON(http.StatusOK, d)
	})
	r.POST("/api/datasets/:id/privacy-audit", func(c *gin.Context) {
		if !fb.hasDataset(c.Param("id")) {
			c.String(http.StatusInternalServerError, "Dataset not found")
			return
		}
		c.Data(http.StatusOK, "text/plain;charset=UTF-8", []byte(`{"status": "COMPLETED", "score": 85, "details": {"rows":3}}`))
	})
	r.POST("/api/datasets/:id/anomaly-detection", func(c *gin.Context) {
		if !fb.hasDataset(c.Param("id")) {
			c.String(http.StatusInternalServerError, "Dataset not found")
			return
		}
		c.Data(http.StatusOK, "text/plain;charset=UTF-8", []byte(`{"status": "COMPLETED", "count": 5, "results": {"rows":3}}`))
	})
	r.DELETE("/api/datasets/:id", func(c *gin.Context) {
		id, _ := strconv.ParseInt(c.Param("id"), 10, 64)
		fb.mu.Lock()
		delete(fb.datasets, id)
		fb.mu.Unlock()
		c.Status(http.StatusOK)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return fb, New(srv.URL)
}

func (fb *fakeBackend) project(raw string) (Project, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Project{}, false
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	p, ok := fb.projects[id]
	return p, ok
}

func (fb *fakeBackend) hasDataset(raw string) bool {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	_, ok := fb.datasets[id]
	return ok
}

func (fb *fakeBackend) addDataset(d Dataset) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.datasets[d.ID] = d
}

func TestProjects_CRUD(t *testing.T) {
	_, c := newFakeBackend(t)
	ctx := context.Background()

	created, err := c.CreateProject(ctx, Project{Name: "  Churn  ", Description: "customer churn"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.ID)
	assert.Equal(t, "Churn", created.Name)

	got, err := c.GetProject(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	updated, err := c.UpdateProject(ctx, created.ID, Project{Description: "v2"})
	require.NoError(t, err)
	assert.Equal(t, "Churn", updated.Name)
	assert.Equal(t, "v2", updated.Description)

	all, err := c.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, c.DeleteProject(ctx, created.ID))
	_, err = c.GetProject(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateProject_Validation(t *testing.T) {
	_, c := newFakeBackend(t)

	_, err := c.CreateProject(context.Background(), Project{Name: "   "})
	assert.ErrorIs(t, err, ErrInvalid)

	all, err := c.ListProjects(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all, "an invalid project must not be sent")
}

func TestDeleteProject_ServerError(t *testing.T) {
	_, c := newFakeBackend(t)

	err := c.DeleteProject(context.Background(), 42)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Contains(t, apiErr.Error(), "Project not found with id: 42")
}

func TestDatasets(t *testing.T) {
	fb, c := newFakeBackend(t)
	ctx := context.Background()

	p, err := c.CreateProject(ctx, Project{Name: "Sales"})
	require.NoError(t, err)
	fb.addDataset(Dataset{ID: 7, Project: &p, Name: "sales.csv", FilePath: "/data/sales.csv"})

	list, err := c.ListDatasets(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sales.csv", list[0].Name)

	stats, err := c.DatasetStats(ctx, 7)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(stats, &decoded))
	assert.EqualValues(t, 3, decoded["rows"])

	require.NoError(t, c.DeleteDataset(ctx, 7))
	list, err = c.ListDatasets(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUploadDataset(t *testing.T) {
	_, c := newFakeBackend(t)
	ctx := context.Background()

	p, err := c.CreateProject(ctx, Project{Name: "Sales"})
	require.NoError(t, err)

	d, err := c.UploadDataset(ctx, p.ID, "/tmp/q3/sales.csv", strings.NewReader("region,units\nnorth,4\n"))
	require.NoError(t, err)
	assert.Equal(t, "sales.csv", d.Name)
	require.NotNil(t, d.Project)
	assert.Equal(t, p.ID, d.Project.ID)
	assert.Equal(t, "21", d.Metadata, "the fake records the uploaded size")

	list, err := c.ListDatasets(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, d.ID, list[0].ID)

	_, err = c.UploadDataset(ctx, 999, "x.csv", strings.NewReader("a\n"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
}

func TestPrivacyAuditAndAnomalyDetection(t *testing.T) {
	fb, c := newFakeBackend(t)
	ctx := context.Background()
	fb.addDataset(Dataset{ID: 7, Name: "people.csv"})

	audit, err := c.PrivacyAudit(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", audit.Status)
	assert.Equal(t, 85, audit.Score)
	assert.JSONEq(t, `{"rows":3}`, string(audit.Details))

	anomalies, err := c.AnomalyDetection(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", anomalies.Status)
	assert.Equal(t, 5, anomalies.Count)
	assert.JSONEq(t, `{"rows":3}`, string(anomalies.Results))

	_, err = c.PrivacyAudit(ctx, 8)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Body, "Dataset not found")
}

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }

func TestUnavailable(t *testing.T) {
	c := New("http://backend.invalid", WithDoer(doerFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})))

	_, err := c.ListProjects(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}
