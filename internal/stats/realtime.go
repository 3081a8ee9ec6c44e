// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stats

import (
	"sync"
	"time"

	"grimm.is/proxwatch/internal/clock"
)

const (
	// DefaultRetentionMinutes bounds how long minute buckets live in memory.
	DefaultRetentionMinutes = 180
	// MinRetentionMinutes is the floor applied to configured retention.
	MinRetentionMinutes = 30
)

// backendState holds all realtime dimension maps for one backend. Entries
// are removed wholesale on clear so an empty map is distinguishable from a
// zero-traffic accumulator.
type backendState struct {
	summary   *SummaryDelta
	minutes   map[string]*MinuteBucket
	domains   map[string]*DomainDelta
	ips       map[string]*IPDelta
	proxies   map[string]*ProxyDelta
	rules     map[string]*RuleDelta
	devices   map[string]*DeviceDelta
	countries map[string]*CountryDelta
}

func newBackendState() *backendState {
	return &backendState{
		minutes:   make(map[string]*MinuteBucket),
		domains:   make(map[string]*DomainDelta),
		ips:       make(map[string]*IPDelta),
		proxies:   make(map[string]*ProxyDelta),
		rules:     make(map[string]*RuleDelta),
		devices:   make(map[string]*DeviceDelta),
		countries: make(map[string]*CountryDelta),
	}
}

// RealtimeStore keeps per-backend traffic recorded since the last successful
// durable flush. Reads merge this state over persisted query results so
// dashboards stay fresh between flushes. All state is volatile: a restart
// only loses data that was not yet flushed.
type RealtimeStore struct {
	mu         sync.RWMutex
	backends   map[int]*backendState
	maxMinutes int
}

// NewRealtimeStore creates a store retaining minute buckets for maxMinutes.
// Values below the floor are raised to it; zero selects the default.
func NewRealtimeStore(maxMinutes int) *RealtimeStore {
	if maxMinutes == 0 {
		maxMinutes = DefaultRetentionMinutes
	}
	if maxMinutes < MinRetentionMinutes {
		maxMinutes = MinRetentionMinutes
	}
	return &RealtimeStore{
		backends:   make(map[int]*backendState),
		maxMinutes: maxMinutes,
	}
}

func (s *RealtimeStore) backend(backendID int) *backendState {
	st, ok := s.backends[backendID]
	if !ok {
		st = newBackendState()
		s.backends[backendID] = st
	}
	return st
}

// RecordTraffic folds one delta into every traffic dimension. newConns is the
// number of connections first observed with this delta (0 for updates to
// already-tracked connections). A delta with zero upload and download never
// creates or mutates any entry.
func (s *RealtimeStore) RecordTraffic(backendID int, d TrafficDelta, newConns int64) {
	if d.Zero() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.backend(backendID)
	ts := d.Timestamp
	if ts.IsZero() {
		ts = clock.Now()
	}

	if st.summary == nil {
		st.summary = &SummaryDelta{}
	}
	st.summary.Upload += d.Upload
	st.summary.Download += d.Download
	st.summary.Connections += newConns
	if ts.After(st.summary.LastUpdated) {
		st.summary.LastUpdated = ts
	}

	mk := MinuteKey(ts)
	mb, ok := st.minutes[mk]
	if !ok {
		mb = &MinuteBucket{}
		st.minutes[mk] = mb
	}
	mb.Upload += d.Upload
	mb.Download += d.Download
	if ts.After(mb.LastUpdated) {
		mb.LastUpdated = ts
	}

	if d.Domain != "" {
		dd, ok := st.domains[d.Domain]
		if !ok {
			dd = &DomainDelta{
				IPs:    make(map[string]struct{}),
				Rules:  make(map[string]struct{}),
				Chains: make(map[string]struct{}),
			}
			st.domains[d.Domain] = dd
		}
		dd.Upload += d.Upload
		dd.Download += d.Download
		dd.Connections += newConns
		if ts.After(dd.LastSeen) {
			dd.LastSeen = ts
		}
		if d.IP != "" {
			dd.IPs[d.IP] = struct{}{}
		}
		if lbl := d.RuleLabel(); lbl != "" {
			dd.Rules[lbl] = struct{}{}
		}
		dd.Chains[d.Chain()] = struct{}{}
	}

	if d.IP != "" {
		id, ok := st.ips[d.IP]
		if !ok {
			id = &IPDelta{
				Domains: make(map[string]struct{}),
				Chains:  make(map[string]struct{}),
			}
			st.ips[d.IP] = id
		}
		id.Upload += d.Upload
		id.Download += d.Download
		id.Connections += newConns
		if ts.After(id.LastSeen) {
			id.LastSeen = ts
		}
		if d.Domain != "" {
			id.Domains[d.Domain] = struct{}{}
		}
		id.Chains[d.Chain()] = struct{}{}
	}

	chain := d.Chain()
	pd, ok := st.proxies[chain]
	if !ok {
		pd = &ProxyDelta{Domains: make(map[string]struct{})}
		st.proxies[chain] = pd
	}
	pd.Upload += d.Upload
	pd.Download += d.Download
	pd.Connections += newConns
	if ts.After(pd.LastSeen) {
		pd.LastSeen = ts
	}
	if d.Domain != "" {
		pd.Domains[d.Domain] = struct{}{}
	}

	if lbl := d.RuleLabel(); lbl != "" {
		rd, ok := st.rules[lbl]
		if !ok {
			rd = &RuleDelta{}
			st.rules[lbl] = rd
		}
		rd.Upload += d.Upload
		rd.Download += d.Download
		rd.Connections += newConns
		if ts.After(rd.LastSeen) {
			rd.LastSeen = ts
		}
	}

	if d.SourceIP != "" {
		dev, ok := st.devices[d.SourceIP]
		if !ok {
			dev = &DeviceDelta{Domains: make(map[string]struct{})}
			st.devices[d.SourceIP] = dev
		}
		dev.Upload += d.Upload
		dev.Download += d.Download
		dev.Connections += newConns
		if ts.After(dev.LastSeen) {
			dev.LastSeen = ts
		}
		if d.Domain != "" {
			dev.Domains[d.Domain] = struct{}{}
		}
	}

	s.pruneMinutesLocked(st)
}

// RecordCountryTraffic folds one resolved geo result into the country
// dimension. An empty country code is attributed to "Unknown".
func (s *RealtimeStore) RecordCountryTraffic(backendID int, r GeoResult) {
	if r.Upload <= 0 && r.Download <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.backend(backendID)
	code := r.Country
	if code == "" {
		code = "Unknown"
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = clock.Now()
	}

	cd, ok := st.countries[code]
	if !ok {
		cd = &CountryDelta{Code: code, Name: r.CountryName, Continent: r.Continent}
		st.countries[code] = cd
	}
	if cd.Name == "" {
		cd.Name = r.CountryName
	}
	if cd.Continent == "" {
		cd.Continent = r.Continent
	}
	cd.Upload += r.Upload
	cd.Download += r.Download
	cd.Connections++
	if ts.After(cd.LastSeen) {
		cd.LastSeen = ts
	}
}

// pruneMinutesLocked drops minute buckets whose key is strictly older than
// the retention horizon. Bucket counts are bounded by the retention window,
// so the scan stays cheap on the write path.
func (s *RealtimeStore) pruneMinutesLocked(st *backendState) {
	cutoff := MinuteKey(clock.Now().Add(-time.Duration(s.maxMinutes) * time.Minute))
	for k := range st.minutes {
		if k < cutoff {
			delete(st.minutes, k)
		}
	}
}

// ClearTraffic removes the backend's summary, minute, domain, ip, proxy,
// rule and device maps. Called after the corresponding data became durable.
func (s *RealtimeStore) ClearTraffic(backendID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.backends[backendID]
	if !ok {
		return
	}
	st.summary = nil
	st.minutes = make(map[string]*MinuteBucket)
	st.domains = make(map[string]*DomainDelta)
	st.ips = make(map[string]*IPDelta)
	st.proxies = make(map[string]*ProxyDelta)
	st.rules = make(map[string]*RuleDelta)
	st.devices = make(map[string]*DeviceDelta)
}

// ClearCountries removes the backend's country map.
func (s *RealtimeStore) ClearCountries(backendID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.backends[backendID]; ok {
		st.countries = make(map[string]*CountryDelta)
	}
}

// ClearBackend removes all realtime state for a backend.
func (s *RealtimeStore) ClearBackend(backendID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backends, backendID)
}

// Summary returns a copy of the backend's unflushed summary, if any.
func (s *RealtimeStore) Summary(backendID int) (SummaryDelta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.backends[backendID]
	if !ok || st.summary == nil {
		return SummaryDelta{}, false
	}
	return *st.summary, true
}

// MinuteBuckets returns a copy of the backend's minute buckets.
func (s *RealtimeStore) MinuteBuckets(backendID int) map[string]MinuteBucket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]MinuteBucket)
	if st, ok := s.backends[backendID]; ok {
		for k, v := range st.minutes {
			out[k] = *v
		}
	}
	return out
}

// Domains returns a deep copy of the backend's domain dimension.
func (s *RealtimeStore) Domains(backendID int) map[string]DomainDelta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]DomainDelta)
	if st, ok := s.backends[backendID]; ok {
		for k, v := range st.domains {
			c := *v
			c.IPs = copySet(v.IPs)
			c.Rules = copySet(v.Rules)
			c.Chains = copySet(v.Chains)
			out[k] = c
		}
	}
	return out
}

// IPs returns a deep copy of the backend's destination-IP dimension.
func (s *RealtimeStore) IPs(backendID int) map[string]IPDelta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]IPDelta)
	if st, ok := s.backends[backendID]; ok {
		for k, v := range st.ips {
			c := *v
			c.Domains = copySet(v.Domains)
			c.Chains = copySet(v.Chains)
			out[k] = c
		}
	}
	return out
}

// Proxies returns a deep copy of the backend's proxy dimension.
func (s *RealtimeStore) Proxies(backendID int) map[string]ProxyDelta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]ProxyDelta)
	if st, ok := s.backends[backendID]; ok {
		for k, v := range st.proxies {
			c := *v
			c.Domains = copySet(v.Domains)
			out[k] = c
		}
	}
	return out
}

// Rules returns a copy of the backend's rule dimension.
func (s *RealtimeStore) Rules(backendID int) map[string]RuleDelta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]RuleDelta)
	if st, ok := s.backends[backendID]; ok {
		for k, v := range st.rules {
			out[k] = *v
		}
	}
	return out
}

// Devices returns a deep copy of the backend's device dimension.
func (s *RealtimeStore) Devices(backendID int) map[string]DeviceDelta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]DeviceDelta)
	if st, ok := s.backends[backendID]; ok {
		for k, v := range st.devices {
			c := *v
			c.Domains = copySet(v.Domains)
			out[k] = c
		}
	}
	return out
}

// Countries returns a copy of the backend's country dimension.
func (s *RealtimeStore) Countries(backendID int) map[string]CountryDelta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]CountryDelta)
	if st, ok := s.backends[backendID]; ok {
		for k, v := range st.countries {
			out[k] = *v
		}
	}
	return out
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
