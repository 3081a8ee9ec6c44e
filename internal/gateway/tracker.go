// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package gateway

import (
	"sync"
	"time"

	"grimm.is/proxwatch/internal/stats"
)

// TrackedConnection is the per-connection baseline used to convert
// cumulative counters into increments. It is created when an id is first
// observed and removed when the id disappears from a snapshot.
type TrackedConnection struct {
	ID            string
	Domain        string
	IP            string
	SourceIP      string
	Chains        []string
	Rule          string
	RulePayload   string
	LastUpload    int64
	LastDownload  int64
	TotalUpload   int64
	TotalDownload int64
}

// Emission is one delta produced by an ingest pass. FirstSeen marks deltas
// from a connection's first observation, which count as a new connection in
// the dimension accumulators.
type Emission struct {
	Delta     stats.TrafficDelta
	FirstSeen bool
}

// IngestResult summarizes one snapshot pass.
type IngestResult struct {
	Emissions     []Emission
	Closed        int  // tracked connections absent from this snapshot
	HasNewTraffic bool // at least one emission carried traffic
}

// Tracker converts connection snapshots into traffic deltas for one backend.
type Tracker struct {
	mu    sync.Mutex
	conns map[string]*TrackedConnection
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]*TrackedConnection)}
}

// Ingest processes one snapshot. New connections are seeded with the
// snapshot's counters as both baseline and total; if those initial counters
// are positive they are emitted as the connection's first observed traffic.
// Known connections emit max(0, current-baseline) increments. A counter that
// appears to have decreased (backend restart) contributes zero for that tick
// and leaves the baseline untouched.
func (t *Tracker) Ingest(snap Snapshot, now time.Time) IngestResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := IngestResult{}
	present := make(map[string]struct{}, len(snap.Connections))

	for _, raw := range snap.Connections {
		if raw.ID == "" {
			continue
		}
		present[raw.ID] = struct{}{}

		chains := raw.Chains
		if len(chains) == 0 {
			chains = []string{"DIRECT"}
		}

		tracked, known := t.conns[raw.ID]
		if !known {
			tracked = &TrackedConnection{
				ID:            raw.ID,
				Domain:        raw.Domain(),
				IP:            raw.Metadata.DestinationIP,
				SourceIP:      raw.Metadata.SourceIP,
				Chains:        chains,
				Rule:          raw.Rule,
				RulePayload:   raw.RulePayload,
				LastUpload:    raw.Upload,
				LastDownload:  raw.Download,
				TotalUpload:   raw.Upload,
				TotalDownload: raw.Download,
			}
			t.conns[raw.ID] = tracked

			if raw.Upload > 0 || raw.Download > 0 {
				res.Emissions = append(res.Emissions, Emission{
					Delta:     t.deltaFor(tracked, raw.Upload, raw.Download, now),
					FirstSeen: true,
				})
				res.HasNewTraffic = true
			}
			continue
		}

		upDelta := raw.Upload - tracked.LastUpload
		if upDelta < 0 {
			upDelta = 0
		}
		downDelta := raw.Download - tracked.LastDownload
		if downDelta < 0 {
			downDelta = 0
		}
		if upDelta == 0 && downDelta == 0 {
			continue
		}

		tracked.TotalUpload += upDelta
		tracked.TotalDownload += downDelta
		tracked.LastUpload = raw.Upload
		tracked.LastDownload = raw.Download

		res.Emissions = append(res.Emissions, Emission{
			Delta: t.deltaFor(tracked, upDelta, downDelta, now),
		})
		res.HasNewTraffic = true
	}

	// Tracked ids absent from the snapshot closed. Their in-flight traffic
	// was already emitted incrementally, so removal needs no flush.
	for id := range t.conns {
		if _, ok := present[id]; !ok {
			delete(t.conns, id)
			res.Closed++
		}
	}

	return res
}

func (t *Tracker) deltaFor(c *TrackedConnection, upload, download int64, now time.Time) stats.TrafficDelta {
	return stats.TrafficDelta{
		Domain:      c.Domain,
		IP:          c.IP,
		SourceIP:    c.SourceIP,
		Chains:      c.Chains,
		Rule:        c.Rule,
		RulePayload: c.RulePayload,
		Upload:      upload,
		Download:    download,
		Timestamp:   now,
	}
}

// Active returns the number of currently tracked connections.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Get returns a copy of a tracked connection, for tests and debugging.
func (t *Tracker) Get(id string) (TrackedConnection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[id]
	if !ok {
		return TrackedConnection{}, false
	}
	return *c, true
}
