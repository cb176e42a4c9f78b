// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package library caches metadata for the datasets the service has analysed
// and tracks which one, if any, is selected.
package library

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/AleutianAI/DatasetCopilot/internal/observability"
	"github.com/AleutianAI/DatasetCopilot/internal/remote"
	"github.com/AleutianAI/DatasetCopilot/internal/state"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned when selecting a file the library does not hold.
var ErrNotFound = errors.New("dataset not found")

// DatasetFile is the library's view of one analysed dataset.
type DatasetFile struct {
	FileID       string
	Filename     string
	RowCount     int
	Columns      int
	QualityScore int
	QualityLevel string
}

// FromFileInfo derives a DatasetFile from a listing entry.
func FromFileInfo(f remote.FileInfo) DatasetFile {
	return DatasetFile{
		FileID:       f.FileID,
		Filename:     f.Filename,
		RowCount:     max(f.Rows, 0),
		Columns:      max(f.Columns, 0),
		QualityScore: ClampScore(f.QualityScore),
		QualityLevel: f.QualityLevel,
	}
}

// ClampScore rounds score to an integer in [0, 100]. NaN becomes 0.
func ClampScore(score float64) int {
	if math.IsNaN(score) {
		return 0
	}
	return int(math.Round(math.Max(0, math.Min(100, score))))
}

// Selection is the current selection. OK is false when nothing is selected.
type Selection struct {
	File DatasetFile
	OK   bool
}

// Lister fetches the service's file listing.
type Lister interface {
	ListFiles(ctx context.Context) (remote.FilesResponse, error)
}

// Library is an insertion-ordered set of DatasetFiles with one optional
// selection.
//
// Thread Safety: safe for concurrent use.
type Library struct {
	mu    sync.RWMutex
	order []string
	files map[string]DatasetFile

	// gen counts local edits. edits holds the generation of each file's
	// latest Upsert or Remove until a refresh that started after it lands.
	gen   uint64
	edits map[string]edit

	selection *state.Cell[Selection]
	refresh   singleflight.Group
	metrics   *observability.Metrics
}

type edit struct {
	gen     uint64
	removed bool
}

// New creates an empty library. metrics may be nil.
func New(metrics *observability.Metrics) *Library {
	return &Library{
		files:     make(map[string]DatasetFile),
		edits:     make(map[string]edit),
		selection: state.NewCell(Selection{}),
		metrics:   metrics,
	}
}

// List returns the files in insertion order.
func (l *Library) List() []DatasetFile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]DatasetFile, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.files[id])
	}
	return out
}

// Len returns the number of files.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Get looks a file up by ID.
func (l *Library) Get(fileID string) (DatasetFile, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	f, ok := l.files[fileID]
	return f, ok
}

// Upsert inserts file, or replaces the entry with the same FileID in place.
func (l *Library) Upsert(file DatasetFile) {
	l.mu.Lock()
	l.put(file)
	n := len(l.order)
	l.mu.Unlock()

	l.metrics.LibrarySize(n)

	// Keep a selected entry's metadata current.
	if sel := l.selection.Get(); sel.OK && sel.File.FileID == file.FileID && sel.File != file {
		l.selection.Set(Selection{File: file, OK: true})
	}
}

// put stores file and records the edit. Callers hold mu.
func (l *Library) put(file DatasetFile) {
	if _, ok := l.files[file.FileID]; !ok {
		l.order = append(l.order, file.FileID)
	}
	l.files[file.FileID] = file
	l.gen++
	l.edits[file.FileID] = edit{gen: l.gen}
}

// drop deletes fileID without recording an edit. Callers hold mu.
func (l *Library) drop(fileID string) bool {
	if _, ok := l.files[fileID]; !ok {
		return false
	}
	delete(l.files, fileID)
	l.order = slices.DeleteFunc(l.order, func(id string) bool { return id == fileID })
	return true
}

// Remove deletes fileID and reports whether it was present. A removed
// file that was selected is deselected. A refresh whose listing was
// requested before the removal does not bring the file back.
func (l *Library) Remove(fileID string) bool {
	l.mu.Lock()
	ok := l.drop(fileID)
	l.gen++
	l.edits[fileID] = edit{gen: l.gen, removed: true}
	n := len(l.order)
	l.mu.Unlock()

	if ok {
		l.metrics.LibrarySize(n)
	}
	if sel := l.selection.Get(); sel.OK && sel.File.FileID == fileID {
		l.selection.Set(Selection{})
	}
	return ok
}

// Admit upserts file and selects it as one step.
//
// Description:
//
//	The returned undo restores the previous entry for file.FileID, or
//	removes it if there was none, and restores the previous selection.
//	undo is meant to run at most once, straight after Admit, when the
//	result that produced file turns out to be unwanted.
func (l *Library) Admit(file DatasetFile) (undo func()) {
	l.mu.Lock()
	prev, existed := l.files[file.FileID]
	prevEdit, edited := l.edits[file.FileID]
	l.put(file)
	n := len(l.order)
	l.mu.Unlock()
	l.metrics.LibrarySize(n)

	prevSel := l.selection.Get()
	l.selection.Set(Selection{File: file, OK: true})

	return func() {
		l.mu.Lock()
		if existed {
			l.files[file.FileID] = prev
		} else {
			l.drop(file.FileID)
		}
		if edited {
			l.edits[file.FileID] = prevEdit
		} else {
			delete(l.edits, file.FileID)
		}
		n := len(l.order)
		l.mu.Unlock()
		l.metrics.LibrarySize(n)
		l.selection.Set(prevSel)
	}
}

// Select makes fileID the current selection. An unknown ID returns
// ErrNotFound and leaves the selection unchanged.
func (l *Library) Select(fileID string) error {
	l.mu.RLock()
	file, ok := l.files[fileID]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("select %q: %w", fileID, ErrNotFound)
	}
	l.selection.Set(Selection{File: file, OK: true})
	return nil
}

// Clear removes the selection.
func (l *Library) Clear() {
	if l.selection.Get().OK {
		l.selection.Set(Selection{})
	}
}

// Current returns the selected file.
func (l *Library) Current() (DatasetFile, bool) {
	sel := l.selection.Get()
	return sel.File, sel.OK
}

// Selection exposes the selection cell for observers.
func (l *Library) Selection() *state.Cell[Selection] {
	return l.selection
}

// Refresh replaces the library with the service's listing.
//
// Description:
//
//	Concurrent calls share one request. Entries keep the service's order.
//	Files upserted or removed while the listing was in flight keep their
//	local state; upserted ones missing from the listing follow the listed
//	entries. The selection survives only if its file is still held, and
//	then takes the current metadata. On error the library is unchanged.
func (l *Library) Refresh(ctx context.Context, lister Lister) error {
	_, err, _ := l.refresh.Do("files", func() (any, error) {
		l.mu.RLock()
		start := l.gen
		l.mu.RUnlock()

		resp, err := lister.ListFiles(ctx)
		if err != nil {
			return nil, err
		}
		l.replace(resp.Files, start)
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("refresh library: %w", err)
	}
	return nil
}

// replace installs listing, which the service produced no earlier than
// local generation start.
func (l *Library) replace(listing []remote.FileInfo, start uint64) {
	order := make([]string, 0, len(listing))
	files := make(map[string]DatasetFile, len(listing))
	for _, info := range listing {
		if info.FileID == "" {
			continue
		}
		if _, dup := files[info.FileID]; !dup {
			order = append(order, info.FileID)
		}
		files[info.FileID] = FromFileInfo(info)
	}

	l.mu.Lock()
	for _, id := range l.order {
		e, ok := l.edits[id]
		if !ok || e.gen <= start || e.removed {
			continue
		}
		if _, listed := files[id]; !listed {
			order = append(order, id)
		}
		files[id] = l.files[id]
	}
	for id, e := range l.edits {
		switch {
		case e.gen <= start:
			delete(l.edits, id)
		case e.removed:
			if _, listed := files[id]; listed {
				delete(files, id)
				order = slices.DeleteFunc(order, func(o string) bool { return o == id })
			}
		}
	}
	l.order = order
	l.files = files
	l.mu.Unlock()
	l.metrics.LibrarySize(len(order))

	sel := l.selection.Get()
	if !sel.OK {
		return
	}
	if f, ok := l.Get(sel.File.FileID); ok {
		if f != sel.File {
			l.selection.Set(Selection{File: f, OK: true})
		}
		return
	}
	l.selection.Set(Selection{})
}
