// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package remotetest runs an in-process fake of the dataset-analysis service.
//
// The fake speaks the same JSON as the real service and records every call
// so tests can assert on what was sent and how often.
//
//	svc := remotetest.NewServer(t)
//	client := remote.NewHTTPClient(svc.URL())
//	svc.SetReply(remotetest.EndpointChat, http.StatusOK, remote.Reply{Response: "hi"})
package remotetest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/AleutianAI/DatasetCopilot/internal/remote"
	"github.com/gin-gonic/gin"
)

// Endpoint names used for call counting and overrides.
const (
	EndpointHealth  = "health"
	EndpointFiles   = "files"
	EndpointUpload  = "upload"
	EndpointQuery   = "query"
	EndpointAnalyze = "analyze"
	EndpointChat    = "chat"
	EndpointFile    = "file"
)

// AllowedExtensions mirrors the service's upload whitelist.
var AllowedExtensions = []string{"csv", "xlsx", "xls", "json"}

// Call is one recorded request.
type Call struct {
	Endpoint string
	Body     any
}

// UploadFunc computes the response to an upload.
type UploadFunc func(filename string, content []byte) (int, remote.UploadResponse)

type cannedReply struct {
	status int
	body   any
}

// Server is the fake service.
type Server struct {
	srv *httptest.Server

	mu        sync.Mutex
	model     string
	health    cannedReply
	files     []remote.FileInfo
	analyses  map[string]remote.Analysis
	replies   map[string]cannedReply
	uploadFn  UploadFunc
	hook      func(endpoint string)
	calls     []Call
	callCount map[string]int
}

// NewServer starts a fake reporting itself online with model "llama3.2".
// It is closed by t.Cleanup.
func NewServer(t testing.TB) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &Server{
		model:     "llama3.2",
		replies:   make(map[string]cannedReply),
		analyses:  make(map[string]remote.Analysis),
		callCount: make(map[string]int),
	}
	s.health = cannedReply{status: http.StatusOK, body: remote.HealthResponse{
		Status:        "online",
		OllamaRunning: true,
		Model:         s.model,
	}}
	s.srv = httptest.NewServer(s.router())
	t.Cleanup(s.Close)
	return s
}

// URL is the fake's base URL.
func (s *Server) URL() string { return s.srv.URL }

// Close shuts the fake down. Later calls fail at the transport.
func (s *Server) Close() { s.srv.Close() }

// SetHealth replaces the /health response.
func (s *Server) SetHealth(status int, body any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = cannedReply{status: status, body: body}
}

// SetReply fixes the response for /query, /analyze or /chat.
func (s *Server) SetReply(endpoint string, status int, body any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[endpoint] = cannedReply{status: status, body: body}
}

// SetUpload replaces the default upload analysis.
func (s *Server) SetUpload(fn UploadFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadFn = fn
}

// SetHook installs fn to run at the start of every request, before the
// response is computed. Tests use it to hold a request open.
func (s *Server) SetHook(fn func(endpoint string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

// AddFile seeds the /files listing and a matching stored analysis.
func (s *Server) AddFile(f remote.FileInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(f)
	s.analyses[f.FileID] = remote.Analysis{
		Filename:     f.Filename,
		BasicInfo:    remote.BasicInfo{Rows: f.Rows, Columns: f.Columns},
		QualityScore: f.QualityScore,
		QualityLevel: f.QualityLevel,
		KeyRisks:     []remote.Risk{},
		Status:       "SUCCESS",
	}
}

// HasFile reports whether the fake still holds fileID.
func (s *Server) HasFile(fileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.analyses[fileID]
	return ok
}

// CallCount returns how many requests endpoint has served.
func (s *Server) CallCount(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount[endpoint]
}

// TotalCalls counts requests to the query, analyze and chat endpoints.
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount[EndpointQuery] + s.callCount[EndpointAnalyze] + s.callCount[EndpointChat]
}

// Calls returns every recorded request in arrival order.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.GET("/health", s.handleHealth)
	r.GET("/files", s.handleFiles)
	r.POST("/upload", s.handleUpload)
	r.POST("/query", s.handleQuery)
	r.POST("/analyze", s.handleAnalyze)
	r.POST("/chat", s.handleChat)
	r.GET("/file/:id", s.handleGetFile)
	r.DELETE("/file/:id", s.handleDeleteFile)
	return r
}

func (s *Server) record(endpoint string, body any) {
	s.mu.Lock()
	s.callCount[endpoint]++
	s.calls = append(s.calls, Call{Endpoint: endpoint, Body: body})
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(endpoint)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	s.record(EndpointHealth, nil)
	s.mu.Lock()
	reply := s.health
	s.mu.Unlock()
	c.JSON(reply.status, reply.body)
}

func (s *Server) handleFiles(c *gin.Context) {
	s.record(EndpointFiles, nil)
	s.mu.Lock()
	files := make([]remote.FileInfo, len(s.files))
	copy(files, s.files)
	s.mu.Unlock()
	c.JSON(http.StatusOK, remote.FilesResponse{Files: files, Count: len(files)})
}

func (s *Server) handleUpload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		s.record(EndpointUpload, nil)
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}
	s.record(EndpointUpload, header.Filename)

	if !allowed(header.Filename) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid file type", "allowed": AllowedExtensions})
		return
	}

	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	fn := s.uploadFn
	s.mu.Unlock()
	if fn == nil {
		fn = analyzeCSV
	}
	status, resp := fn(header.Filename, content)

	if resp.Status == "success" && resp.Analysis != nil && strings.EqualFold(resp.Analysis.Status, "SUCCESS") {
		s.mu.Lock()
		s.analyses[resp.FileID] = *resp.Analysis
		s.upsertLocked(remote.FileInfo{
			FileID:       resp.FileID,
			Filename:     resp.Analysis.Filename,
			Rows:         resp.Analysis.BasicInfo.Rows,
			Columns:      resp.Analysis.BasicInfo.Columns,
			QualityScore: resp.Analysis.QualityScore,
			QualityLevel: resp.Analysis.QualityLevel,
		})
		s.mu.Unlock()
	}
	c.JSON(status, resp)
}

func (s *Server) handleGetFile(c *gin.Context) {
	id := c.Param("id")
	s.record(EndpointFile, id)
	s.mu.Lock()
	analysis, ok := s.analyses[id]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}
	c.JSON(http.StatusOK, remote.FileAnalysisResponse{FileID: id, Analysis: &analysis})
}

func (s *Server) handleDeleteFile(c *gin.Context) {
	id := c.Param("id")
	s.record(EndpointFile, id)
	s.mu.Lock()
	_, ok := s.analyses[id]
	if ok {
		delete(s.analyses, id)
		s.files = slices.DeleteFunc(s.files, func(f remote.FileInfo) bool { return f.FileID == id })
	}
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}
	c.JSON(http.StatusOK, remote.DeleteResponse{Status: "success", Message: "File " + id + " deleted"})
}

func (s *Server) handleQuery(c *gin.Context) {
	var req remote.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No query provided"})
		return
	}
	s.record(EndpointQuery, req)
	s.respond(c, EndpointQuery, "dataset answer: "+req.Query)
}

func (s *Server) handleAnalyze(c *gin.Context) {
	var req remote.AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No query provided"})
		return
	}
	s.record(EndpointAnalyze, req)
	s.respond(c, EndpointAnalyze, "analysis answer: "+req.Query)
}

func (s *Server) handleChat(c *gin.Context) {
	var req remote.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No message provided"})
		return
	}
	s.record(EndpointChat, req)
	s.respond(c, EndpointChat, "chat answer: "+req.Message)
}

func (s *Server) respond(c *gin.Context, endpoint, fallback string) {
	s.mu.Lock()
	reply, ok := s.replies[endpoint]
	model := s.model
	s.mu.Unlock()
	if ok {
		c.JSON(reply.status, reply.body)
		return
	}
	c.JSON(http.StatusOK, remote.Reply{Response: fallback, Model: model})
}

func (s *Server) upsertLocked(f remote.FileInfo) {
	for i := range s.files {
		if s.files[i].FileID == f.FileID {
			s.files[i] = f
			return
		}
	}
	s.files = append(s.files, f)
}

func allowed(filename string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	for _, a := range AllowedExtensions {
		if ext == a {
			return true
		}
	}
	return false
}

// FileID derives the service's identifier for filename.
func FileID(filename string) string {
	return strings.NewReplacer(".", "_", " ", "_").Replace(filename)
}

// analyzeCSV is the default upload analysis: it counts CSV rows and columns
// and reports a fixed score of 90.
func analyzeCSV(filename string, content []byte) (int, remote.UploadResponse) {
	r := csv.NewReader(bufio.NewReader(bytes.NewReader(content)))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil || len(records) == 0 {
		msg := "empty file"
		if err != nil {
			msg = err.Error()
		}
		return http.StatusInternalServerError, remote.UploadResponse{
			Status: "failed",
			Error:  "Analysis failed: " + msg,
		}
	}
	return http.StatusOK, remote.UploadResponse{
		Status: "success",
		FileID: FileID(filename),
		Analysis: &remote.Analysis{
			Filename: filename,
			BasicInfo: remote.BasicInfo{
				Rows:        len(records) - 1,
				Columns:     len(records[0]),
				FileType:    strings.ToUpper(strings.TrimPrefix(filepath.Ext(filename), ".")),
				ColumnNames: records[0],
			},
			QualityScore: 90,
			QualityLevel: "HIGH",
			KeyRisks:     []remote.Risk{},
			Status:       "SUCCESS",
		},
	}
}
