// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stats

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// rateState accumulates one backend's counters for the current second and
// exposes the previous second as the published rate.
type rateState struct {
	upTemp   *atomic.Int64
	downTemp *atomic.Int64
	upBlip   *atomic.Int64
	downBlip *atomic.Int64
}

func newRateState() *rateState {
	return &rateState{
		upTemp:   atomic.NewInt64(0),
		downTemp: atomic.NewInt64(0),
		upBlip:   atomic.NewInt64(0),
		downBlip: atomic.NewInt64(0),
	}
}

// RateTracker tracks per-backend upload/download throughput at one-second
// resolution for realtime push payloads.
type RateTracker struct {
	mu       sync.RWMutex
	backends map[int]*rateState
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateTracker creates a tracker and starts its ticker goroutine.
func NewRateTracker() *RateTracker {
	t := &RateTracker{
		backends: make(map[int]*rateState),
		stopCh:   make(chan struct{}),
	}
	go t.tick()
	return t
}

func (t *RateTracker) state(backendID int) *rateState {
	t.mu.RLock()
	st, ok := t.backends[backendID]
	t.mu.RUnlock()
	if ok {
		return st
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok = t.backends[backendID]; ok {
		return st
	}
	st = newRateState()
	t.backends[backendID] = st
	return st
}

// Push adds observed traffic to the current second's counters.
func (t *RateTracker) Push(backendID int, upload, download int64) {
	st := t.state(backendID)
	st.upTemp.Add(upload)
	st.downTemp.Add(download)
}

// Now returns the backend's published bytes-per-second rates.
func (t *RateTracker) Now(backendID int) (up, down int64) {
	st := t.state(backendID)
	return st.upBlip.Load(), st.downBlip.Load()
}

// Stop terminates the ticker goroutine.
func (t *RateTracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

func (t *RateTracker) tick() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.mu.RLock()
			for _, st := range t.backends {
				st.upBlip.Store(st.upTemp.Swap(0))
				st.downBlip.Store(st.downTemp.Swap(0))
			}
			t.mu.RUnlock()
		case <-t.stopCh:
			return
		}
	}
}
