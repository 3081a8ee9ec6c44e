// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package stats holds the traffic aggregation core: per-dimension delta
// accumulators, the batching buffer that stages deltas for durable writes,
// the in-memory realtime store, and the merge functions that fold realtime
// state into persisted query results.
package stats

import (
	"strings"
	"time"
)

// TrafficDelta is the traffic observed for one connection since the previous
// snapshot. Upload and Download are always non-negative increments, never
// cumulative counters.
type TrafficDelta struct {
	Domain      string
	IP          string
	SourceIP    string
	Chains      []string
	Rule        string
	RulePayload string
	Upload      int64
	Download    int64
	Timestamp   time.Time
}

// Zero reports whether the delta carries no traffic.
func (d TrafficDelta) Zero() bool {
	return d.Upload <= 0 && d.Download <= 0
}

// Chain returns the egress proxy hop, which in Clash-family backends is the
// first element of the chain list.
func (d TrafficDelta) Chain() string {
	if len(d.Chains) == 0 {
		return "DIRECT"
	}
	return d.Chains[0]
}

// FullChain returns the complete proxy path in hop order.
func (d TrafficDelta) FullChain() string {
	if len(d.Chains) == 0 {
		return "DIRECT"
	}
	return strings.Join(d.Chains, " > ")
}

// RuleLabel returns the label traffic is attributed to in the rule dimension:
// the entry chain hop when the connection traversed a proxy group, otherwise
// the rule name combined with its payload.
func (d TrafficDelta) RuleLabel() string {
	if len(d.Chains) > 1 {
		return d.Chains[len(d.Chains)-1]
	}
	if d.RulePayload != "" {
		return d.Rule + "(" + d.RulePayload + ")"
	}
	return d.Rule
}

// GeoResult carries traffic attributed to a resolved destination country.
// A nil-location lookup produces no GeoResult at all.
type GeoResult struct {
	IP          string
	Country     string // ISO code, e.g. "DE"
	CountryName string
	Continent   string
	Upload      int64
	Download    int64
	Timestamp   time.Time
}

// SummaryDelta is the per-backend running total not yet flushed to storage.
type SummaryDelta struct {
	Upload      int64
	Download    int64
	Connections int64
	LastUpdated time.Time
}

// MinuteBucket accumulates traffic attributed to one wall-clock minute.
type MinuteBucket struct {
	Upload      int64
	Download    int64
	LastUpdated time.Time
}

// DomainDelta accumulates unflushed traffic for one destination domain.
type DomainDelta struct {
	Upload      int64
	Download    int64
	Connections int64
	LastSeen    time.Time
	IPs         map[string]struct{}
	Rules       map[string]struct{}
	Chains      map[string]struct{}
}

// IPDelta accumulates unflushed traffic for one destination IP.
type IPDelta struct {
	Upload      int64
	Download    int64
	Connections int64
	LastSeen    time.Time
	Domains     map[string]struct{}
	Chains      map[string]struct{}
}

// ProxyDelta accumulates unflushed traffic for one egress proxy hop.
type ProxyDelta struct {
	Upload      int64
	Download    int64
	Connections int64
	LastSeen    time.Time
	Domains     map[string]struct{}
}

// RuleDelta accumulates unflushed traffic for one rule label.
type RuleDelta struct {
	Upload      int64
	Download    int64
	Connections int64
	LastSeen    time.Time
}

// DeviceDelta accumulates unflushed traffic for one client source IP.
type DeviceDelta struct {
	Upload      int64
	Download    int64
	Connections int64
	LastSeen    time.Time
	Domains     map[string]struct{}
}

// CountryDelta accumulates unflushed traffic for one destination country.
type CountryDelta struct {
	Code        string
	Name        string
	Continent   string
	Upload      int64
	Download    int64
	Connections int64
	LastSeen    time.Time
}

// MinuteKey formats a timestamp as the ISO minute bucket key, UTC.
func MinuteKey(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:00")
}

// ParseMinuteKey is the inverse of MinuteKey.
func ParseMinuteKey(key string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02T15:04:05", key, time.UTC)
}
