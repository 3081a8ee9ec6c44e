// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes Prometheus instrumentation for the collection
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all pipeline Prometheus metrics.
type Metrics struct {
	SnapshotsReceived *prometheus.CounterVec
	DeltasEmitted     *prometheus.CounterVec
	BytesObserved     *prometheus.CounterVec
	FlushTotal        *prometheus.CounterVec
	FlushDuration     prometheus.Histogram
	BufferRows        *prometheus.GaugeVec
	BufferDropped     *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	ActiveConnections *prometheus.GaugeVec
	GeoLookups        *prometheus.CounterVec
}

// NewMetrics creates the pipeline metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		SnapshotsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxwatch_snapshots_received_total",
			Help: "Total number of connection snapshots received from backends",
		}, []string{"backend"}),
		DeltasEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxwatch_deltas_emitted_total",
			Help: "Total number of traffic deltas emitted by the tracker",
		}, []string{"backend"}),
		BytesObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxwatch_bytes_observed_total",
			Help: "Total traffic bytes observed, by direction",
		}, []string{"backend", "direction"}),
		FlushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxwatch_flushes_total",
			Help: "Total flush attempts, by result",
		}, []string{"backend", "result"}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proxwatch_flush_duration_seconds",
			Help:    "Duration of durable flush operations",
			Buckets: prometheus.DefBuckets,
		}),
		BufferRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proxwatch_buffer_rows",
			Help: "Traffic rows currently buffered awaiting flush",
		}, []string{"backend"}),
		BufferDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxwatch_buffer_dropped_total",
			Help: "Traffic rows discarded because the flush buffer hit its ceiling",
		}, []string{"backend"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxwatch_reconnects_total",
			Help: "Total backend reconnect attempts",
		}, []string{"backend"}),
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proxwatch_active_connections",
			Help: "Connections currently tracked per backend",
		}, []string{"backend"}),
		GeoLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxwatch_geoip_lookups_total",
			Help: "GeoIP lookups, by result",
		}, []string{"result"}),
	}
}

// Register registers every metric with the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.SnapshotsReceived,
		m.DeltasEmitted,
		m.BytesObserved,
		m.FlushTotal,
		m.FlushDuration,
		m.BufferRows,
		m.BufferDropped,
		m.Reconnects,
		m.ActiveConnections,
		m.GeoLookups,
	)
}
