// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock provides an indirection over time.Now so tests can pin the
// wall clock without sleeping.
package clock

import (
	"sync"
	"time"
)

var (
	mu  sync.RWMutex
	now func() time.Time = time.Now
)

// Now returns the current time, honouring any override set by Set.
func Now() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	return now()
}

// Set overrides the clock. Returns a restore function; callers should defer it.
func Set(fn func() time.Time) func() {
	mu.Lock()
	now = fn
	mu.Unlock()
	return Reset
}

// SetFixed pins the clock to a single instant.
func SetFixed(t time.Time) func() {
	return Set(func() time.Time { return t })
}

// Reset restores the real clock.
func Reset() {
	mu.Lock()
	now = time.Now
	mu.Unlock()
}
