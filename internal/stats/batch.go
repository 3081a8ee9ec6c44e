// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"grimm.is/proxwatch/internal/errors"
)

// BufferedDelta is one minute-collapsed traffic row staged for a durable
// write. Deltas with the same shape within a flush window are summed into a
// single row.
type BufferedDelta struct {
	MinuteKey   string
	Domain      string
	IP          string
	SourceIP    string
	Chain       string
	FullChain   string
	Rule        string
	RulePayload string
	RuleLabel   string // derived attribution label, not part of the row key
	Upload      int64
	Download    int64
	Connections int64 // connections first observed within this row
	Timestamp   time.Time
}

// TrafficWriter is the narrow durable-write contract the buffer flushes
// through. Implementations must apply each batch atomically.
type TrafficWriter interface {
	BatchUpdateTrafficStats(ctx context.Context, backendID int, rows []BufferedDelta) error
	BatchUpdateCountryStats(ctx context.Context, backendID int, results []GeoResult) error
}

// FlushResult reports what one flush attempt did.
type FlushResult struct {
	DidWork     bool // any pending data existed
	Skipped     bool // another flush for the backend was in progress
	TrafficOK   bool
	CountriesOK bool
	Rows        int
	GeoRows     int
	Domains     int // distinct domains written, for logging
	Rules       int // distinct rule labels written, for logging
}

// MaxRowsPerBackend is the hard ceiling on buffered rows for one backend.
// A persistently failing store would otherwise grow the buffer without
// bound; past the ceiling, new row shapes are dropped and counted.
const MaxRowsPerBackend = 50000

// BatchBuffer stages traffic deltas and resolved geo results between flushes.
// Rows are keyed by their full dimensional shape so repeated traffic within
// one flush window collapses into a single summed row.
type BatchBuffer struct {
	mu       sync.Mutex
	entries  map[string]*BufferedDelta
	geo      map[int][]GeoResult
	flushing map[int]bool
	dropped  map[int]int64
	rowCount map[int]int
	maxRows  int
}

// NewBatchBuffer creates an empty buffer.
func NewBatchBuffer() *BatchBuffer {
	return &BatchBuffer{
		entries:  make(map[string]*BufferedDelta),
		geo:      make(map[int][]GeoResult),
		flushing: make(map[int]bool),
		dropped:  make(map[int]int64),
		rowCount: make(map[int]int),
		maxRows:  MaxRowsPerBackend,
	}
}

func bufferKey(backendID int, d *BufferedDelta) string {
	return fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s",
		backendID, d.MinuteKey, d.Domain, d.IP, d.Chain, d.FullChain, d.Rule, d.RulePayload, d.SourceIP)
}

// Add merges a traffic delta into the keyed accumulation map, summing
// upload/download and keeping the later timestamp. newConns is the number of
// connections first observed with this delta.
func (b *BatchBuffer) Add(backendID int, d TrafficDelta, newConns int64) {
	if d.Zero() {
		return
	}

	row := &BufferedDelta{
		MinuteKey:   MinuteKey(d.Timestamp),
		Domain:      d.Domain,
		IP:          d.IP,
		SourceIP:    d.SourceIP,
		Chain:       d.Chain(),
		FullChain:   d.FullChain(),
		Rule:        d.Rule,
		RulePayload: d.RulePayload,
		RuleLabel:   d.RuleLabel(),
		Upload:      d.Upload,
		Download:    d.Download,
		Connections: newConns,
		Timestamp:   d.Timestamp,
	}
	key := bufferKey(backendID, row)

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.entries[key]; ok {
		existing.Upload += row.Upload
		existing.Download += row.Download
		existing.Connections += row.Connections
		if row.Timestamp.After(existing.Timestamp) {
			existing.Timestamp = row.Timestamp
		}
		return
	}
	if b.rowCount[backendID] >= b.maxRows {
		b.dropped[backendID]++
		return
	}
	b.entries[key] = row
	b.rowCount[backendID]++
}

// AddGeoResult appends a resolved geo lookup to the backend's queue.
func (b *BatchBuffer) AddGeoResult(backendID int, r GeoResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.geo[backendID] = append(b.geo[backendID], r)
}

// Size returns the number of buffered traffic rows for a backend.
func (b *BatchBuffer) Size(backendID int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rowCount[backendID]
}

// Dropped returns the number of rows discarded for a backend because the
// buffer hit its ceiling.
func (b *BatchBuffer) Dropped(backendID int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped[backendID]
}

// HasPending reports whether a backend has any traffic rows or geo results
// waiting for a flush.
func (b *BatchBuffer) HasPending(backendID int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.geo[backendID]) > 0 {
		return true
	}
	prefix := fmt.Sprintf("%d|", backendID)
	for k := range b.entries {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// detach removes and returns the backend's pending work. Rows detached here
// are merged back by restore if the durable write fails, so nothing is lost
// and nothing is double-written.
func (b *BatchBuffer) detach(backendID int) (map[string]*BufferedDelta, []GeoResult) {
	prefix := fmt.Sprintf("%d|", backendID)
	rows := make(map[string]*BufferedDelta)
	for k, v := range b.entries {
		if strings.HasPrefix(k, prefix) {
			rows[k] = v
			delete(b.entries, k)
		}
	}
	geo := b.geo[backendID]
	delete(b.geo, backendID)
	delete(b.rowCount, backendID)
	return rows, geo
}

// restoreRows merges failed-flush rows back in. Restored rows are never
// dropped: they were accepted once, so the ceiling only applies to new data.
func (b *BatchBuffer) restoreRows(backendID int, rows map[string]*BufferedDelta) {
	for k, v := range rows {
		if existing, ok := b.entries[k]; ok {
			existing.Upload += v.Upload
			existing.Download += v.Download
			existing.Connections += v.Connections
			if v.Timestamp.After(existing.Timestamp) {
				existing.Timestamp = v.Timestamp
			}
			continue
		}
		b.entries[k] = v
		b.rowCount[backendID]++
	}
}

func (b *BatchBuffer) restoreGeo(backendID int, geo []GeoResult) {
	b.geo[backendID] = append(geo, b.geo[backendID]...)
}

// Flush writes the backend's pending rows through the TrafficWriter. The two
// writes (traffic, countries) are independent: each side is cleared only when
// its write succeeds, giving at-least-once delivery toward storage. A flush
// already in progress for the same backend turns this call into a no-op.
func (b *BatchBuffer) Flush(ctx context.Context, w TrafficWriter, backendID int) (FlushResult, error) {
	b.mu.Lock()
	if b.flushing[backendID] {
		b.mu.Unlock()
		return FlushResult{Skipped: true}, nil
	}
	b.flushing[backendID] = true
	rows, geo := b.detach(backendID)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.flushing[backendID] = false
		b.mu.Unlock()
	}()

	res := FlushResult{}
	if len(rows) == 0 && len(geo) == 0 {
		return res, nil
	}
	res.DidWork = true

	var firstErr error

	if len(rows) > 0 {
		batch := make([]BufferedDelta, 0, len(rows))
		domains := make(map[string]struct{})
		rules := make(map[string]struct{})
		for _, r := range rows {
			batch = append(batch, *r)
			if r.Domain != "" {
				domains[r.Domain] = struct{}{}
			}
			if r.Rule != "" {
				rules[r.Rule] = struct{}{}
			}
		}

		if err := w.BatchUpdateTrafficStats(ctx, backendID, batch); err != nil {
			firstErr = errors.Wrap(err, errors.KindStorage, "batch traffic write failed")
			b.mu.Lock()
			b.restoreRows(backendID, rows)
			b.mu.Unlock()
		} else {
			res.TrafficOK = true
			res.Rows = len(batch)
			res.Domains = len(domains)
			res.Rules = len(rules)
		}
	}

	if len(geo) > 0 {
		resolved := geo[:0:0]
		for _, r := range geo {
			if r.Country != "" {
				resolved = append(resolved, r)
			}
		}
		if len(resolved) == 0 {
			// Nothing usable; drop the queue.
			res.CountriesOK = true
		} else if err := w.BatchUpdateCountryStats(ctx, backendID, resolved); err != nil {
			if firstErr == nil {
				firstErr = errors.Wrap(err, errors.KindStorage, "batch country write failed")
			}
			b.mu.Lock()
			b.restoreGeo(backendID, geo)
			b.mu.Unlock()
		} else {
			res.CountriesOK = true
			res.GeoRows = len(resolved)
		}
	}

	return res, firstErr
}
