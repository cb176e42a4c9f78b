// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package remote

import (
	"encoding/json"
	"fmt"
	"strings"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	OllamaRunning bool   `json:"ollama_running"`
	Model         string `json:"model"`
	Service       string `json:"service,omitempty"`
	Mode          string `json:"mode,omitempty"`

	// StatusCode is the HTTP status of the probe.
	StatusCode int `json:"-"`
}

// Online reports whether the probe returned 2xx with status "online".
func (h HealthResponse) Online() bool {
	return h.StatusCode >= 200 && h.StatusCode < 300 && h.Status == "online"
}

// FileInfo is one entry of GET /files.
type FileInfo struct {
	FileID       string  `json:"file_id"`
	Filename     string  `json:"filename"`
	Rows         int     `json:"rows"`
	Columns      int     `json:"columns"`
	QualityScore float64 `json:"quality_score"`
	QualityLevel string  `json:"quality_level,omitempty"`
	Timestamp    string  `json:"timestamp,omitempty"`
}

// FilesResponse is the body of GET /files.
type FilesResponse struct {
	Files []FileInfo `json:"files"`
	Count int        `json:"count"`
}

// UploadResponse is the body of POST /upload, on success and on failure.
type UploadResponse struct {
	Status   string    `json:"status"`
	Message  string    `json:"message,omitempty"`
	FileID   string    `json:"file_id"`
	Analysis *Analysis `json:"analysis,omitempty"`
	Error    string    `json:"error,omitempty"`
	Allowed  []string  `json:"allowed,omitempty"`

	StatusCode int `json:"-"`
}

// Analysis is the structured result the service computes for an upload.
type Analysis struct {
	Filename     string    `json:"filename"`
	Timestamp    string    `json:"timestamp,omitempty"`
	BasicInfo    BasicInfo `json:"basic_info"`
	QualityScore float64   `json:"quality_score"`
	QualityLevel string    `json:"quality_level,omitempty"`
	KeyRisks     []Risk    `json:"key_risks"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
}

// BasicInfo holds the shape of an uploaded dataset.
type BasicInfo struct {
	Rows        int      `json:"rows"`
	Columns     int      `json:"columns"`
	FileType    string   `json:"file_type"`
	ColumnNames []string `json:"column_names,omitempty"`
}

// Risk is one data-quality risk. The service sends either a bare string or
// an object with type, severity and description.
type Risk struct {
	Type        string `json:"type,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Description string `json:"description"`
}

// UnmarshalJSON accepts both risk encodings.
func (r *Risk) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = Risk{Description: s}
		return nil
	}
	type plain Risk
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	*r = Risk(p)
	return nil
}

// String renders "[SEVERITY] TYPE: description", or just the description
// for string-form risks.
func (r Risk) String() string {
	switch {
	case r.Type == "" && r.Severity == "":
		return r.Description
	case r.Severity == "":
		return fmt.Sprintf("%s: %s", r.Type, r.Description)
	default:
		return fmt.Sprintf("[%s] %s: %s", r.Severity, r.Type, r.Description)
	}
}

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Query  string `json:"query"`
	FileID string `json:"file_id"`
}

// AnalyzeRequest is the body of POST /analyze.
type AnalyzeRequest struct {
	Query       string         `json:"query"`
	Statistics  map[string]any `json:"statistics"`
	DatasetInfo map[string]any `json:"datasetInfo"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// FileAnalysisResponse is the body of GET /file/<file_id>: the analysis the
// service stored when the file was uploaded.
type FileAnalysisResponse struct {
	FileID   string    `json:"file_id"`
	Analysis *Analysis `json:"analysis,omitempty"`
	Error    string    `json:"error,omitempty"`

	StatusCode int `json:"-"`
}

// DeleteResponse is the body of DELETE /file/<file_id>.
type DeleteResponse struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`

	StatusCode int `json:"-"`
}

// Reply is the body returned by /query, /analyze and /chat, including the
// {error, suggestion} bodies sent with non-2xx statuses.
type Reply struct {
	Response   string `json:"response"`
	Model      string `json:"model,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Error      string `json:"error,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`

	StatusCode int `json:"-"`
}

// Text returns the response text, falling back to the error field with
// its suggestion. Empty when the service sent neither.
func (r Reply) Text() string {
	if strings.TrimSpace(r.Response) != "" {
		return r.Response
	}
	if strings.TrimSpace(r.Error) == "" {
		return ""
	}
	if r.Suggestion != "" {
		return r.Error + "\n" + r.Suggestion
	}
	return r.Error
}

// IsError reports whether the reply carries only an error.
func (r Reply) IsError() bool {
	return strings.TrimSpace(r.Response) == "" && strings.TrimSpace(r.Error) != ""
}
