// File: fake/clock.go
// Package fake provides controllable implementations of the api collaborator
// interfaces for tests and development.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"sync"
	"time"

	"github.com/momentics/wsendpoint/api"
)

// Clock is a manual api.Clock: timers fire only when the test says so.
type Clock struct {
	mu     sync.Mutex
	timers []*ClockTimer
}

// ClockTimer is one scheduled callback.
type ClockTimer struct {
	mu      sync.Mutex
	d       time.Duration
	fn      func()
	stopped bool
	fired   bool
}

// NewClock creates a manual clock.
func NewClock() *Clock { return &Clock{} }

// AfterFunc implements api.Clock.
func (c *Clock) AfterFunc(d time.Duration, fn func()) api.Timer {
	t := &ClockTimer{d: d, fn: fn}
	c.mu.Lock()
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return t
}

// Stop implements api.Timer.
func (t *ClockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// fire runs the callback unless the timer was stopped or already fired.
func (t *ClockTimer) fire() bool {
	t.mu.Lock()
	if t.fired || t.stopped {
		t.mu.Unlock()
		return false
	}
	t.fired = true
	fn := t.fn
	t.mu.Unlock()
	fn()
	return true
}

// FireAll fires every pending timer and reports how many ran.
func (c *Clock) FireAll() int {
	c.mu.Lock()
	timers := append([]*ClockTimer(nil), c.timers...)
	c.mu.Unlock()
	n := 0
	for _, t := range timers {
		if t.fire() {
			n++
		}
	}
	return n
}

// Pending counts timers that are neither fired nor stopped.
func (c *Clock) Pending() int {
	c.mu.Lock()
	timers := append([]*ClockTimer(nil), c.timers...)
	c.mu.Unlock()
	n := 0
	for _, t := range timers {
		t.mu.Lock()
		if !t.fired && !t.stopped {
			n++
		}
		t.mu.Unlock()
	}
	return n
}
