// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state provides owned, observable values.
//
// A Cell holds the latest value of something one component writes and
// others read: the health snapshot, the dataset selection, the library
// contents. Readers call Get without blocking; observers registered with
// Subscribe are told about each Set in order.
package state

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Observer receives the value stored by a Set.
type Observer[T any] func(value T)

type subscription[T any] struct {
	id string
	fn Observer[T]
}

// Cell is a concurrency-safe value with an update-notify contract.
//
// Thread Safety: all methods are safe for concurrent use. Observers run on
// the goroutine that called Set, one Set at a time, so they see values in
// the order they were stored. An observer must not call Set on the cell
// that is notifying it.
type Cell[T any] struct {
	mu       sync.RWMutex
	notifyMu sync.Mutex
	value    T
	subs     []subscription[T]
}

// NewCell creates a Cell holding initial.
func NewCell[T any](initial T) *Cell[T] {
	return &Cell[T]{value: initial}
}

// Get returns the current value.
func (c *Cell[T]) Get() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Set stores value and notifies every observer.
//
// Description:
//
//	The value becomes visible to Get before any observer runs. A panicking
//	observer is logged and skipped; the remaining observers still run.
func (c *Cell[T]) Set(value T) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	c.value = value
	subs := make([]subscription[T], len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, sub := range subs {
		safeNotify(sub, value)
	}
}

// Update applies fn to the current value and stores the result.
func (c *Cell[T]) Update(fn func(T) T) T {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	next := fn(c.value)
	c.value = next
	subs := make([]subscription[T], len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, sub := range subs {
		safeNotify(sub, next)
	}
	return next
}

// Subscribe registers fn for future Sets.
//
// Outputs:
//
//	func() - Cancels the subscription. Safe to call more than once.
func (c *Cell[T]) Subscribe(fn Observer[T]) (cancel func()) {
	id := uuid.NewString()

	c.mu.Lock()
	c.subs = append(c.subs, subscription[T]{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, sub := range c.subs {
				if sub.id == id {
					c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Observers reports how many observers are registered.
func (c *Cell[T]) Observers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

func safeNotify[T any](sub subscription[T], value T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("state observer panicked", "subscription_id", sub.id, "panic", r)
		}
	}()
	sub.fn(value)
}
