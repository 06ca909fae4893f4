// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package corecontext

import (
	"sort"
	"sync"
	"time"
)

// Clock is the collaborator interface the spec calls `now() -> ms`,
// `setTimer(ms, fn) -> handle`, `clearTimer(handle)`. Components never
// call time.Now/time.AfterFunc directly so tests can drive deadlines
// deterministically.
type Clock interface {
	Now() time.Time
	SetTimer(d time.Duration, fn func()) TimerHandle
	ClearTimer(h TimerHandle)
}

// TimerHandle identifies a scheduled callback for cancellation.
type TimerHandle interface {
	Stop()
}

// realClock is the production Clock, backed by time.Now/time.AfterFunc.
type realClock struct{}

// NewClock returns the production, wall-clock-backed Clock.
func NewClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) SetTimer(d time.Duration, fn func()) TimerHandle {
	return &timeTimer{t: time.AfterFunc(d, fn)}
}

func (realClock) ClearTimer(h TimerHandle) {
	if h != nil {
		h.Stop()
	}
}

type timeTimer struct{ t *time.Timer }

func (h *timeTimer) Stop() { h.t.Stop() }

// MockClock is a mockable clock for deterministic tests, ported from the
// teacher's pkg/go/utils/timer/mockable.Clock and extended with a manual
// timer queue so `Advance` can fire due callbacks without real sleeps.
type MockClock struct {
	mu     sync.Mutex
	time   time.Time
	mocked bool
	timers []*mockTimer
}

type mockTimer struct {
	deadline time.Time
	fn       func()
	fired    bool
	stopped  bool
}

func (t *mockTimer) Stop() { t.stopped = true }

// NewMockClock returns a Clock pinned at the current wall-clock time
// until Set or Advance is called.
func NewMockClock() *MockClock {
	return &MockClock{time: time.Now(), mocked: true}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mocked {
		return c.time
	}
	return time.Now()
}

// Set pins the clock at t.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.time = t
	c.mocked = true
}

// Advance moves the clock forward by d and synchronously fires any timer
// whose deadline has now passed, in deadline order.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.mocked = true
	c.time = c.time.Add(d)
	now := c.time
	var due []*mockTimer
	for _, t := range c.timers {
		if !t.fired && !t.stopped && !t.deadline.After(now) {
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		c.mu.Lock()
		already := t.fired || t.stopped
		t.fired = true
		c.mu.Unlock()
		if !already {
			t.fn()
		}
	}
}

// Real switches the clock back to wall-clock time.
func (c *MockClock) Real() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mocked = false
}

func (c *MockClock) SetTimer(d time.Duration, fn func()) TimerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTimer{deadline: c.now().Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *MockClock) ClearTimer(h TimerHandle) {
	if h != nil {
		h.Stop()
	}
}

// now must be called with c.mu held.
func (c *MockClock) now() time.Time {
	if c.mocked {
		return c.time
	}
	return time.Now()
}
