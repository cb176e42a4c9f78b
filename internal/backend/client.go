// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backend is a client for the platform's project and dataset REST
// API. The copilot only reads and manages records here; analysis goes
// through package remote.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/DatasetCopilot/pkg/logging"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("copilot.backend")

var validate = validator.New(validator.WithRequiredStructEnabled())

var (
	// ErrUnavailable means the backend could not be reached.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrNotFound is returned for a 404.
	ErrNotFound = errors.New("backend record not found")

	// ErrInvalid is returned when a record fails validation before sending.
	ErrInvalid = errors.New("invalid backend record")
)

// APIError is a non-2xx response other than 404.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("backend %s %s: HTTP %d: %s", e.Method, e.Path, e.Status, msg)
}

// Project groups datasets.
type Project struct {
	ID          int64     `json:"id,omitempty"`
	Name        string    `json:"name" validate:"required,max=255"`
	Description string    `json:"description,omitempty" validate:"max=4096"`
	CreatedAt   time.Time `json:"createdAt,omitzero"`
}

// Dataset is an uploaded file attached to a project.
type Dataset struct {
	ID         int64     `json:"id"`
	Project    *Project  `json:"project,omitempty"`
	Name       string    `json:"name"`
	FilePath   string    `json:"filePath"`
	Metadata   string    `json:"metadata,omitempty"`
	UploadedAt time.Time `json:"uploadedAt,omitzero"`
}

// AuditReport is the result of a dataset privacy audit. Details is the
// statistics document the audit was computed from.
type AuditReport struct {
	Status  string          `json:"status"`
	Score   int             `json:"score"`
	Details json.RawMessage `json:"details,omitempty"`
}

// AnomalyReport is the result of anomaly detection on a dataset.
type AnomalyReport struct {
	Status  string          `json:"status"`
	Count   int             `json:"count"`
	Results json.RawMessage `json:"results,omitempty"`
}

// Doer sends HTTP requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the backend REST API.
type Client struct {
	baseURL string
	doer    Doer
	logger  *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithDoer replaces the HTTP client.
func WithDoer(d Doer) Option {
	return func(c *Client) { c.doer = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTimeout sets the timeout of the default HTTP client. It has no effect
// after WithDoer.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if hc, ok := c.doer.(*http.Client); ok && d > 0 {
			hc.Timeout = d
		}
	}
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		doer:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger)
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ListProjects returns every project.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var out []Project
	if err := c.do(ctx, http.MethodGet, "/api/projects", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetProject returns one project.
func (c *Client) GetProject(ctx context.Context, id int64) (Project, error) {
	var out Project
	err := c.do(ctx, http.MethodGet, projectPath(id), nil, &out)
	return out, err
}

// CreateProject creates p and returns the stored record.
func (c *Client) CreateProject(ctx context.Context, p Project) (Project, error) {
	p.Name = strings.TrimSpace(p.Name)
	if err := validate.Struct(p); err != nil {
		return Project{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	var out Project
	err := c.do(ctx, http.MethodPost, "/api/projects", p, &out)
	return out, err
}

// UpdateProject updates the name and description of project id. A blank
// name leaves the stored name unchanged.
func (c *Client) UpdateProject(ctx context.Context, id int64, p Project) (Project, error) {
	if err := validate.StructExcept(p, "Name"); err != nil {
		return Project{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	var out Project
	err := c.do(ctx, http.MethodPut, projectPath(id), p, &out)
	return out, err
}

// DeleteProject deletes a project and its datasets.
func (c *Client) DeleteProject(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, projectPath(id), nil, nil)
}

// ListDatasets returns the datasets of a project.
func (c *Client) ListDatasets(ctx context.Context, projectID int64) ([]Dataset, error) {
	var out []Dataset
	if err := c.do(ctx, http.MethodGet, "/api/datasets/project/"+strconv.FormatInt(projectID, 10), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteDataset deletes one dataset.
func (c *Client) DeleteDataset(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, datasetPath(id), nil, nil)
}

// DatasetStats returns the statistics document the backend computes for a
// dataset. The document is passed through as raw JSON.
func (c *Client) DatasetStats(ctx context.Context, id int64) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, datasetPath(id)+"/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UploadDataset stores content as a new dataset of project projectID via
// the multipart POST /api/datasets/upload.
func (c *Client) UploadDataset(ctx context.Context, projectID int64, filename string, content io.Reader) (Dataset, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("projectId", strconv.FormatInt(projectID, 10)); err != nil {
		return Dataset{}, fmt.Errorf("encode upload: %w", err)
	}
	part, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return Dataset{}, fmt.Errorf("encode upload: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return Dataset{}, fmt.Errorf("read %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return Dataset{}, fmt.Errorf("encode upload: %w", err)
	}

	var out Dataset
	err = c.send(ctx, http.MethodPost, "/api/datasets/upload", &buf, mw.FormDataContentType(), &out)
	return out, err
}

// PrivacyAudit runs the backend's privacy audit of dataset id.
func (c *Client) PrivacyAudit(ctx context.Context, id int64) (AuditReport, error) {
	var out AuditReport
	err := c.do(ctx, http.MethodPost, datasetPath(id)+"/privacy-audit", nil, &out)
	return out, err
}

// AnomalyDetection runs the backend's anomaly detection on dataset id.
func (c *Client) AnomalyDetection(ctx context.Context, id int64) (AnomalyReport, error) {
	var out AnomalyReport
	err := c.do(ctx, http.MethodPost, datasetPath(id)+"/anomaly-detection", nil, &out)
	return out, err
}

func projectPath(id int64) string { return "/api/projects/" + strconv.FormatInt(id, 10) }
func datasetPath(id int64) string { return "/api/datasets/" + strconv.FormatInt(id, 10) }

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if in == nil {
		return c.send(ctx, method, path, nil, "", out)
	}
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s body: %w", path, err)
	}
	return c.send(ctx, method, path, bytes.NewReader(data), "application/json", out)
}

// send performs one request and decodes a JSON body into out.
func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	ctx, span := tracer.Start(ctx, "backend "+method+" "+path, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.route", path))

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrUnavailable, path, err)
	}

	c.logger.Debug("backend call", "method", method, "path", path, "status", resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		span.SetStatus(codes.Error, "not found")
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode >= 300:
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: string(data)}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
