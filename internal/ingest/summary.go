// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/DatasetCopilot/internal/library"
	"github.com/AleutianAI/DatasetCopilot/internal/remote"
)

// SummaryStatus is the analysis verdict.
type SummaryStatus string

const (
	StatusOK     SummaryStatus = "OK"
	StatusFailed SummaryStatus = "FAILED"
)

// Summary is the analysis of one upload. It is used to build the
// transcript message and the library entry and is not retained.
type Summary struct {
	Filename      string
	FileType      string
	Rows          int
	Columns       int
	QualityScore  int
	QualityLevel  string
	Risks         []string
	Status        SummaryStatus
	FailureReason string
}

// summaryError carries a human-readable failure reason.
type summaryError struct {
	reason string
}

func (e *summaryError) Error() string { return e.reason }

// Summarize validates an upload response and extracts its Summary.
//
// A response succeeds only when its status is "success", it carries a file
// ID and an analysis, and the analysis status is SUCCESS or OK (any case).
// On failure the returned Summary has Status FAILED and the error carries
// the best reason the response offers.
func Summarize(filename string, resp remote.UploadResponse) (Summary, error) {
	failed := func(reason string) (Summary, error) {
		s := Summary{Filename: filename, Status: StatusFailed, FailureReason: reason}
		if resp.Analysis != nil {
			s.FileType = resp.Analysis.BasicInfo.FileType
		}
		return s, &summaryError{reason: reason}
	}

	if !strings.EqualFold(resp.Status, "success") {
		switch {
		case resp.Error != "":
			return failed(resp.Error)
		case resp.Analysis != nil && resp.Analysis.Error != "":
			return failed(resp.Analysis.Error)
		case resp.StatusCode >= 400:
			return failed(fmt.Sprintf("the service answered HTTP %d", resp.StatusCode))
		default:
			return failed(fmt.Sprintf("the service reported status %q", resp.Status))
		}
	}

	a := resp.Analysis
	if a == nil {
		return failed("the response did not include an analysis")
	}
	if !analysisOK(a.Status) {
		if a.Error != "" {
			return failed(a.Error)
		}
		return failed(fmt.Sprintf("analysis finished with status %q", a.Status))
	}
	if resp.FileID == "" {
		return failed("the response did not include a file id")
	}
	if a.BasicInfo.Rows < 0 || a.BasicInfo.Columns < 0 {
		return failed("the analysis reported a negative size")
	}

	risks := make([]string, 0, len(a.KeyRisks))
	for _, r := range a.KeyRisks {
		if s := r.String(); s != "" {
			risks = append(risks, s)
		}
	}

	name := a.Filename
	if name == "" {
		name = filename
	}
	return Summary{
		Filename:     name,
		FileType:     a.BasicInfo.FileType,
		Rows:         a.BasicInfo.Rows,
		Columns:      a.BasicInfo.Columns,
		QualityScore: library.ClampScore(a.QualityScore),
		QualityLevel: a.QualityLevel,
		Risks:        risks,
		Status:       StatusOK,
	}, nil
}

// SummarizeStored extracts the Summary of an analysis fetched from the
// service after upload. It applies the same checks as Summarize.
func SummarizeStored(resp remote.FileAnalysisResponse) (Summary, error) {
	var name string
	if resp.Analysis != nil {
		name = resp.Analysis.Filename
	}
	return Summarize(name, remote.UploadResponse{
		Status:     "success",
		FileID:     resp.FileID,
		Analysis:   resp.Analysis,
		StatusCode: resp.StatusCode,
	})
}

func analysisOK(status string) bool {
	return strings.EqualFold(status, "SUCCESS") || strings.EqualFold(status, "OK")
}

// DatasetFile derives the library entry for fileID.
func (s Summary) DatasetFile(fileID string) library.DatasetFile {
	return library.DatasetFile{
		FileID:       fileID,
		Filename:     s.Filename,
		RowCount:     s.Rows,
		Columns:      s.Columns,
		QualityScore: s.QualityScore,
		QualityLevel: s.QualityLevel,
	}
}

// Message renders the transcript text for a successful analysis.
func (s Summary) Message() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analysis complete for %s", s.Filename)
	if s.FileType != "" {
		fmt.Fprintf(&b, " (%s)", s.FileType)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Rows: %d\n", s.Rows)
	fmt.Fprintf(&b, "Columns: %d\n", s.Columns)
	fmt.Fprintf(&b, "Quality score: %d/100", s.QualityScore)
	if s.QualityLevel != "" {
		fmt.Fprintf(&b, " (%s)", s.QualityLevel)
	}
	b.WriteString("\n")
	if len(s.Risks) == 0 {
		b.WriteString("Key risks: none detected")
	} else {
		b.WriteString("Key risks:")
		for _, r := range s.Risks {
			b.WriteString("\n  - ")
			b.WriteString(r)
		}
	}
	b.WriteString("\n\nThe dataset is now selected. Ask about its statistics, distributions or quality.")
	return b.String()
}
