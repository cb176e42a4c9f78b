// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCell_GetSet(t *testing.T) {
	c := NewCell(1)
	assert.Equal(t, 1, c.Get())

	c.Set(7)
	assert.Equal(t, 7, c.Get())
}

func TestCell_SubscribeSeesValuesInOrder(t *testing.T) {
	c := NewCell("")
	var got []string
	cancel := c.Subscribe(func(v string) { got = append(got, v) })
	defer cancel()

	c.Set("a")
	c.Set("b")
	c.Update(func(s string) string { return s + "c" })

	assert.Equal(t, []string{"a", "b", "bc"}, got)
}

func TestCell_ValueVisibleBeforeObserverRuns(t *testing.T) {
	c := NewCell(0)
	var seen int
	c.Subscribe(func(int) { seen = c.Get() })

	c.Set(5)
	assert.Equal(t, 5, seen)
}

func TestCell_CancelStopsNotifications(t *testing.T) {
	c := NewCell(0)
	calls := 0
	cancel := c.Subscribe(func(int) { calls++ })
	other := c.Subscribe(func(int) {})

	c.Set(1)
	cancel()
	cancel()
	c.Set(2)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, c.Observers())
	other()
	assert.Equal(t, 0, c.Observers())
}

func TestCell_PanickingObserverDoesNotStopOthers(t *testing.T) {
	c := NewCell(0)
	var reached bool
	c.Subscribe(func(int) { panic("boom") })
	c.Subscribe(func(int) { reached = true })

	require.NotPanics(t, func() { c.Set(1) })
	assert.True(t, reached)
}

func TestCell_ConcurrentAccess(t *testing.T) {
	c := NewCell(0)
	var mu sync.Mutex
	notified := 0
	c.Subscribe(func(int) {
		mu.Lock()
		notified++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Update(func(v int) int { return v + 1 })
		}()
		go func() {
			defer wg.Done()
			_ = c.Get()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, c.Get())
	assert.Equal(t, 50, notified)
}
