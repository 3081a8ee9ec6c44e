// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pipeline wires one backend's collector, delta tracker, batch
// buffer, and realtime store together and drives the periodic durable
// flush.
package pipeline

import (
	"context"
	"strconv"
	"sync"
	"time"

	"grimm.is/proxwatch/internal/clock"
	"grimm.is/proxwatch/internal/gateway"
	"grimm.is/proxwatch/internal/geoip"
	"grimm.is/proxwatch/internal/logging"
	"grimm.is/proxwatch/internal/metrics"
	"grimm.is/proxwatch/internal/stats"
)

const (
	// DefaultFlushInterval is how often buffered rows are written out.
	DefaultFlushInterval = 30 * time.Second
	// DefaultFlushThreshold triggers an early flush when the buffer for a
	// backend grows past this many rows.
	DefaultFlushThreshold = 5000
	// broadcastMinInterval throttles update notifications to subscribers.
	broadcastMinInterval = 500 * time.Millisecond
	// geoLookupTimeout bounds a single snapshot's geo resolution pass.
	geoLookupTimeout = 10 * time.Second
)

// Config configures one backend pipeline.
type Config struct {
	BackendID         int
	URL               string
	Token             string
	FlushInterval     time.Duration
	FlushThreshold    int
	ReconnectInterval time.Duration
}

// Deps are the shared components a pipeline feeds. Buffer, Realtime, and
// Writer are typically shared across all backend pipelines.
type Deps struct {
	Writer   stats.TrafficWriter
	Buffer   *stats.BatchBuffer
	Realtime *stats.RealtimeStore
	Rates    *stats.RateTracker
	Geo      geoip.Resolver // nil disables country attribution
	Metrics  *metrics.Metrics

	// OnUpdate is invoked (throttled) after a snapshot produced new
	// traffic. Used to push dashboard updates.
	OnUpdate func(backendID int)
}

// Pipeline ingests one backend's connection snapshots and converts them
// into buffered, realtime, and durable statistics.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *logging.Logger
	label  string

	collector *gateway.Collector
	tracker   *gateway.Tracker

	mu            sync.Mutex
	lastBroadcast time.Time
	droppedSeen   int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a pipeline for one backend. The collector is created but not
// connected; call Start.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = DefaultFlushThreshold
	}

	p := &Pipeline{
		cfg:     cfg,
		deps:    deps,
		logger:  logging.WithComponent("pipeline"),
		label:   strconv.Itoa(cfg.BackendID),
		tracker: gateway.NewTracker(),
		stopCh:  make(chan struct{}),
	}

	collector, err := gateway.NewCollector(gateway.CollectorConfig{
		BackendID:         cfg.BackendID,
		URL:               cfg.URL,
		Token:             cfg.Token,
		ReconnectInterval: cfg.ReconnectInterval,
		OnSnapshot:        p.handleSnapshot,
		OnError:           p.handleCollectorError,
	})
	if err != nil {
		return nil, err
	}
	p.collector = collector
	return p, nil
}

// Start connects to the backend and begins the flush loop.
func (p *Pipeline) Start() {
	p.logger.Info("starting pipeline", "backend", p.cfg.BackendID, "url", p.cfg.URL)
	p.collector.Connect()
	p.wg.Add(1)
	go p.flushLoop()
}

// Stop disconnects from the backend, stops the flush loop, and performs a
// final flush so buffered rows are not lost on shutdown.
func (p *Pipeline) Stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.collector.Disconnect()
		p.wg.Wait()
		if _, err := p.flush(ctx); err != nil {
			p.logger.Error("final flush failed", "backend", p.cfg.BackendID, "error", err)
		}
	})
}

func (p *Pipeline) handleCollectorError(err error) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.Reconnects.WithLabelValues(p.label).Inc()
	}
}

func (p *Pipeline) handleSnapshot(snap gateway.Snapshot) {
	now := clock.Now()
	res := p.tracker.Ingest(snap, now)

	if p.deps.Metrics != nil {
		p.deps.Metrics.SnapshotsReceived.WithLabelValues(p.label).Inc()
		p.deps.Metrics.ActiveConnections.WithLabelValues(p.label).Set(float64(p.tracker.Active()))
	}

	var totalUp, totalDown int64
	ipTraffic := make(map[string]*stats.GeoResult)

	for _, em := range res.Emissions {
		d := em.Delta
		if d.Zero() && !em.FirstSeen {
			continue
		}

		var newConns int64
		if em.FirstSeen {
			newConns = 1
		}
		p.deps.Buffer.Add(p.cfg.BackendID, d, newConns)
		p.deps.Realtime.RecordTraffic(p.cfg.BackendID, d, newConns)

		totalUp += d.Upload
		totalDown += d.Download

		if d.IP != "" && !d.Zero() {
			g, ok := ipTraffic[d.IP]
			if !ok {
				g = &stats.GeoResult{IP: d.IP, Timestamp: now}
				ipTraffic[d.IP] = g
			}
			g.Upload += d.Upload
			g.Download += d.Download
		}

		if p.deps.Metrics != nil {
			p.deps.Metrics.DeltasEmitted.WithLabelValues(p.label).Inc()
		}
	}

	if p.deps.Metrics != nil {
		p.deps.Metrics.BytesObserved.WithLabelValues(p.label, "upload").Add(float64(totalUp))
		p.deps.Metrics.BytesObserved.WithLabelValues(p.label, "download").Add(float64(totalDown))
		p.deps.Metrics.BufferRows.WithLabelValues(p.label).Set(float64(p.deps.Buffer.Size(p.cfg.BackendID)))
	}
	p.noteDroppedRows()

	if p.deps.Rates != nil {
		p.deps.Rates.Push(p.cfg.BackendID, totalUp, totalDown)
	}

	if p.deps.Geo != nil && len(ipTraffic) > 0 {
		go p.resolveCountries(ipTraffic)
	}

	if p.deps.Buffer.Size(p.cfg.BackendID) >= p.cfg.FlushThreshold {
		go func() {
			if _, err := p.flush(context.Background()); err != nil {
				p.logger.Error("threshold flush failed", "backend", p.cfg.BackendID, "error", err)
			}
		}()
	}

	if res.HasNewTraffic {
		p.maybeBroadcast()
	}
}

// noteDroppedRows surfaces buffer ceiling drops. The buffer's counter is
// cumulative; only the increase since the last snapshot is reported.
func (p *Pipeline) noteDroppedRows() {
	total := p.deps.Buffer.Dropped(p.cfg.BackendID)
	p.mu.Lock()
	delta := total - p.droppedSeen
	p.droppedSeen = total
	p.mu.Unlock()
	if delta <= 0 {
		return
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.BufferDropped.WithLabelValues(p.label).Add(float64(delta))
	}
	p.logger.Warn("buffer ceiling reached, dropping rows",
		"backend", p.cfg.BackendID, "dropped", delta, "total_dropped", total)
}

// resolveCountries attributes one snapshot's per-IP traffic to countries.
// Lookup failures are counted but otherwise silent; country stats are best
// effort and must never stall ingestion.
func (p *Pipeline) resolveCountries(ipTraffic map[string]*stats.GeoResult) {
	ctx, cancel := context.WithTimeout(context.Background(), geoLookupTimeout)
	defer cancel()

	for ip, g := range ipTraffic {
		loc, err := p.deps.Geo.Lookup(ctx, ip)
		if err != nil {
			if p.deps.Metrics != nil {
				p.deps.Metrics.GeoLookups.WithLabelValues("error").Inc()
			}
			continue
		}
		result := *g
		if loc != nil {
			result.Country = loc.Country
			result.CountryName = loc.CountryName
			result.Continent = loc.Continent
		}
		if p.deps.Metrics != nil {
			if loc != nil {
				p.deps.Metrics.GeoLookups.WithLabelValues("hit").Inc()
			} else {
				p.deps.Metrics.GeoLookups.WithLabelValues("miss").Inc()
			}
		}
		p.deps.Buffer.AddGeoResult(p.cfg.BackendID, result)
		p.deps.Realtime.RecordCountryTraffic(p.cfg.BackendID, result)
	}
}

func (p *Pipeline) maybeBroadcast() {
	if p.deps.OnUpdate == nil {
		return
	}
	p.mu.Lock()
	now := clock.Now()
	if now.Sub(p.lastBroadcast) < broadcastMinInterval {
		p.mu.Unlock()
		return
	}
	p.lastBroadcast = now
	p.mu.Unlock()
	p.deps.OnUpdate(p.cfg.BackendID)
}

func (p *Pipeline) flushLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := p.flush(context.Background()); err != nil {
				p.logger.Error("periodic flush failed", "backend", p.cfg.BackendID, "error", err)
			}
		case <-p.stopCh:
			return
		}
	}
}

// flush writes buffered rows durably and, on success, drops the matching
// unflushed deltas from the realtime store so reads don't double count.
func (p *Pipeline) flush(ctx context.Context) (stats.FlushResult, error) {
	start := time.Now()
	res, err := p.deps.Buffer.Flush(ctx, p.deps.Writer, p.cfg.BackendID)

	if p.deps.Metrics != nil {
		p.deps.Metrics.FlushDuration.Observe(time.Since(start).Seconds())
		switch {
		case res.Skipped:
			p.deps.Metrics.FlushTotal.WithLabelValues(p.label, "skipped").Inc()
		case err != nil:
			p.deps.Metrics.FlushTotal.WithLabelValues(p.label, "error").Inc()
		case res.DidWork:
			p.deps.Metrics.FlushTotal.WithLabelValues(p.label, "ok").Inc()
		default:
			p.deps.Metrics.FlushTotal.WithLabelValues(p.label, "empty").Inc()
		}
		p.deps.Metrics.BufferRows.WithLabelValues(p.label).Set(float64(p.deps.Buffer.Size(p.cfg.BackendID)))
	}

	if res.Skipped || !res.DidWork {
		return res, err
	}

	if res.TrafficOK {
		p.deps.Realtime.ClearTraffic(p.cfg.BackendID)
	}
	if res.CountriesOK {
		p.deps.Realtime.ClearCountries(p.cfg.BackendID)
	}

	if res.TrafficOK || res.CountriesOK {
		p.logger.Debug("flushed traffic batch",
			"backend", p.cfg.BackendID,
			"rows", res.Rows,
			"geo_rows", res.GeoRows,
			"domains", res.Domains,
			"duration", time.Since(start),
		)
	}
	return res, err
}

// Tracker exposes the pipeline's connection tracker for inspection.
func (p *Pipeline) Tracker() *gateway.Tracker {
	return p.tracker
}
