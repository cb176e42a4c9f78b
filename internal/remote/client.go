// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package remote is the typed client for the dataset-analysis service.
//
// # Description
//
// The service exposes six endpoints: GET /health, GET /files, POST /upload
// (multipart), POST /query, POST /analyze and POST /chat. Client has one
// method per endpoint so that callers can be tested against a fake without
// any network access (see package remotetest).
//
// # Error Contract
//
// Only failures to obtain a response at all are transport failures: dial
// errors, resets, timeouts and cancellation. These wrap ErrTransport. An HTTP
// response with a JSON body is returned as data whatever its status, so a
// 503 {"error": "Ollama service is not running"} reaches the caller as a
// Reply with Error set. A body that cannot be decoded wraps
// ErrMalformedResponse.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/DatasetCopilot/pkg/logging"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("copilot.remote")

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 16 << 20

var (
	// ErrTransport means no response was obtained from the service.
	ErrTransport = errors.New("copilot service unreachable")

	// ErrMalformedResponse means a response arrived but could not be decoded.
	ErrMalformedResponse = errors.New("malformed response from copilot service")

	// ErrFileNotFound means the service holds no file with the given ID.
	ErrFileNotFound = errors.New("file not found on copilot service")
)

// Client is the set of calls the copilot makes to the analysis service.
type Client interface {
	Health(ctx context.Context) (HealthResponse, error)
	ListFiles(ctx context.Context) (FilesResponse, error)
	Upload(ctx context.Context, filename string, content io.Reader) (UploadResponse, error)
	Query(ctx context.Context, req QueryRequest) (Reply, error)
	Analyze(ctx context.Context, req AnalyzeRequest) (Reply, error)
	Chat(ctx context.Context, req ChatRequest) (Reply, error)
	FileAnalysis(ctx context.Context, fileID string) (FileAnalysisResponse, error)
	DeleteFile(ctx context.Context, fileID string) error
}

// Doer sends HTTP requests. *http.Client satisfies it; tests substitute a
// function-backed mock.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPClient implements Client over HTTP.
//
// Thread Safety: safe for concurrent use.
type HTTPClient struct {
	baseURL   string
	doer      Doer
	userAgent string
	logger    *logging.Logger
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithDoer replaces the default *http.Client.
func WithDoer(d Doer) Option {
	return func(c *HTTPClient) { c.doer = d }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *HTTPClient) { c.userAgent = ua }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *logging.Logger) Option {
	return func(c *HTTPClient) { c.logger = l }
}

// NewHTTPClient creates a client for the service at baseURL.
//
// Per-call deadlines come from the caller's context; the default
// *http.Client has no timeout of its own.
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		doer:      &http.Client{},
		userAgent: "dataset-copilot",
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger)
	return c
}

// BaseURL returns the service root.
func (c *HTTPClient) BaseURL() string { return c.baseURL }

// Health probes GET /health.
func (c *HTTPClient) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	status, err := c.call(ctx, "Health", http.MethodGet, "/health", nil, "", &out)
	out.StatusCode = status
	return out, err
}

// ListFiles fetches GET /files.
func (c *HTTPClient) ListFiles(ctx context.Context) (FilesResponse, error) {
	var out FilesResponse
	status, err := c.call(ctx, "ListFiles", http.MethodGet, "/files", nil, "", &out)
	if err == nil && (status < 200 || status >= 300) {
		return out, fmt.Errorf("list files: HTTP %d", status)
	}
	return out, err
}

// Upload streams content as multipart field "file" to POST /upload.
//
// Description:
//
//	The body is produced by a goroutine writing into a pipe so large files
//	are never held in memory. The pipe is closed when the call returns,
//	which unblocks the writer if the transport stopped reading early.
func (c *HTTPClient) Upload(ctx context.Context, filename string, content io.Reader) (UploadResponse, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(filename))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, content); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()
	defer pr.Close()

	var out UploadResponse
	status, err := c.call(ctx, "Upload", http.MethodPost, "/upload", pr, mw.FormDataContentType(), &out)
	out.StatusCode = status
	return out, err
}

// Query sends a dataset-bound question to POST /query.
func (c *HTTPClient) Query(ctx context.Context, req QueryRequest) (Reply, error) {
	return c.reply(ctx, "Query", "/query", req)
}

// Analyze sends a context-analysis question to POST /analyze.
func (c *HTTPClient) Analyze(ctx context.Context, req AnalyzeRequest) (Reply, error) {
	return c.reply(ctx, "Analyze", "/analyze", req)
}

// Chat sends a plain chat message to POST /chat.
func (c *HTTPClient) Chat(ctx context.Context, req ChatRequest) (Reply, error) {
	return c.reply(ctx, "Chat", "/chat", req)
}

// FileAnalysis fetches the stored analysis of fileID from GET /file/<id>.
// An unknown ID returns ErrFileNotFound.
func (c *HTTPClient) FileAnalysis(ctx context.Context, fileID string) (FileAnalysisResponse, error) {
	var out FileAnalysisResponse
	status, err := c.call(ctx, "FileAnalysis", http.MethodGet, filePath(fileID), nil, "", &out)
	out.StatusCode = status
	if err != nil {
		return out, err
	}
	if err := fileStatus(fileID, status, out.Error); err != nil {
		return out, err
	}
	if out.Analysis == nil {
		return out, fmt.Errorf("%w: file %s has no analysis", ErrMalformedResponse, fileID)
	}
	if out.FileID == "" {
		out.FileID = fileID
	}
	return out, nil
}

// DeleteFile removes fileID and its analysis via DELETE /file/<id>.
// An unknown ID returns ErrFileNotFound.
func (c *HTTPClient) DeleteFile(ctx context.Context, fileID string) error {
	var out DeleteResponse
	status, err := c.call(ctx, "DeleteFile", http.MethodDelete, filePath(fileID), nil, "", &out)
	if err != nil {
		return err
	}
	return fileStatus(fileID, status, out.Error)
}

func filePath(fileID string) string { return "/file/" + url.PathEscape(fileID) }

func fileStatus(fileID string, status int, msg string) error {
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	case status < 200 || status >= 300:
		if msg == "" {
			msg = http.StatusText(status)
		}
		return fmt.Errorf("file %s: HTTP %d: %s", fileID, status, msg)
	}
	return nil
}

func (c *HTTPClient) reply(ctx context.Context, op, path string, payload any) (Reply, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Reply{}, fmt.Errorf("encode %s request: %w", op, err)
	}
	var out Reply
	status, err := c.call(ctx, op, http.MethodPost, path, bytes.NewReader(body), "application/json", &out)
	out.StatusCode = status
	return out, err
}

// call performs one request and decodes the JSON body into out.
//
// Returns the HTTP status (0 when no response arrived).
func (c *HTTPClient) call(ctx context.Context, op, method, path string, body io.Reader, contentType string, out any) (int, error) {
	ctx, span := tracer.Start(ctx, "remote."+op)
	defer span.End()

	requestID := uuid.NewString()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", path),
		attribute.String("copilot.request_id", requestID),
	)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("%w: build %s request: %w", ErrTransport, op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.doer.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		c.logger.Debug("remote call failed", "op", op, "request_id", requestID, "error", err)
		return 0, fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "body read failure")
		return resp.StatusCode, fmt.Errorf("%w: read %s body: %w", ErrTransport, path, err)
	}

	c.logger.Debug("remote call",
		"op", op,
		"request_id", requestID,
		"status", resp.StatusCode,
		"bytes", len(data),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if err := json.Unmarshal(data, out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failure")
		// A gateway answering for an unreachable service.
		if gatewayFailure(resp.StatusCode) {
			return resp.StatusCode, fmt.Errorf("%w: %s returned HTTP %d without a service body", ErrTransport, path, resp.StatusCode)
		}
		return resp.StatusCode, fmt.Errorf("%w: %s returned HTTP %d: %w", ErrMalformedResponse, path, resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	return resp.StatusCode, nil
}

func gatewayFailure(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

var _ Client = (*HTTPClient)(nil)
