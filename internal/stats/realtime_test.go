// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/proxwatch/internal/clock"
)

func TestRealtimeStore_RecordTraffic(t *testing.T) {
	s := NewRealtimeStore(DefaultRetentionMinutes)
	now := time.Now()

	s.RecordTraffic(1, TrafficDelta{
		Domain: "a.com", IP: "1.1.1.1", SourceIP: "192.168.1.5",
		Chains: []string{"ProxyA", "Select"}, Rule: "Match",
		Upload: 100, Download: 200, Timestamp: now,
	}, 1)
	s.RecordTraffic(1, TrafficDelta{
		Domain: "a.com", IP: "2.2.2.2",
		Chains: []string{"ProxyA", "Select"}, Rule: "Match",
		Upload: 10, Download: 20, Timestamp: now,
	}, 0)

	summary, ok := s.Summary(1)
	require.True(t, ok)
	assert.Equal(t, int64(110), summary.Upload)
	assert.Equal(t, int64(220), summary.Download)
	assert.Equal(t, int64(1), summary.Connections)

	domains := s.Domains(1)
	require.Contains(t, domains, "a.com")
	assert.Equal(t, int64(110), domains["a.com"].Upload)
	assert.Len(t, domains["a.com"].IPs, 2)

	proxies := s.Proxies(1)
	require.Contains(t, proxies, "ProxyA")

	rules := s.Rules(1)
	require.Contains(t, rules, "Select", "multi-hop traffic is attributed to the entry group")

	devices := s.Devices(1)
	require.Contains(t, devices, "192.168.1.5")
	assert.NotContains(t, devices, "")

	buckets := s.MinuteBuckets(1)
	require.Contains(t, buckets, MinuteKey(now))
	assert.Equal(t, int64(110), buckets[MinuteKey(now)].Upload)
}

func TestRealtimeStore_ZeroDeltaIgnored(t *testing.T) {
	s := NewRealtimeStore(DefaultRetentionMinutes)
	s.RecordTraffic(1, TrafficDelta{Domain: "a.com"}, 0)
	_, ok := s.Summary(1)
	assert.False(t, ok)
}

func TestRealtimeStore_BackendIsolation(t *testing.T) {
	s := NewRealtimeStore(DefaultRetentionMinutes)
	s.RecordTraffic(1, TrafficDelta{Domain: "a.com", Upload: 1, Timestamp: time.Now()}, 1)
	s.RecordTraffic(2, TrafficDelta{Domain: "b.com", Upload: 1, Timestamp: time.Now()}, 1)

	assert.Contains(t, s.Domains(1), "a.com")
	assert.NotContains(t, s.Domains(1), "b.com")

	s.ClearBackend(2)
	_, ok := s.Summary(2)
	assert.False(t, ok)
	_, ok = s.Summary(1)
	assert.True(t, ok)
}

func TestRealtimeStore_ClearTrafficKeepsCountries(t *testing.T) {
	s := NewRealtimeStore(DefaultRetentionMinutes)
	s.RecordTraffic(1, TrafficDelta{Domain: "a.com", Upload: 1, Timestamp: time.Now()}, 1)
	s.RecordCountryTraffic(1, GeoResult{IP: "1.1.1.1", Country: "DE", Upload: 1, Timestamp: time.Now()})

	s.ClearTraffic(1)

	_, ok := s.Summary(1)
	assert.False(t, ok)
	assert.Empty(t, s.Domains(1))
	assert.Empty(t, s.MinuteBuckets(1))
	assert.Contains(t, s.Countries(1), "DE", "country deltas flush on their own cycle")

	s.ClearCountries(1)
	assert.Empty(t, s.Countries(1))
}

func TestRealtimeStore_MinutePruning(t *testing.T) {
	s := NewRealtimeStore(MinRetentionMinutes)

	base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	restore := clock.Set(func() time.Time { return base })
	defer restore()

	s.RecordTraffic(1, TrafficDelta{Domain: "old.com", Upload: 1, Timestamp: base}, 1)

	// Jump past the retention horizon; the next write prunes the old bucket.
	later := base.Add(time.Duration(MinRetentionMinutes+5) * time.Minute)
	clock.Set(func() time.Time { return later })

	s.RecordTraffic(1, TrafficDelta{Domain: "new.com", Upload: 1, Timestamp: later}, 1)

	buckets := s.MinuteBuckets(1)
	assert.NotContains(t, buckets, MinuteKey(base))
	assert.Contains(t, buckets, MinuteKey(later))
}

func TestRealtimeStore_ReadsReturnCopies(t *testing.T) {
	s := NewRealtimeStore(DefaultRetentionMinutes)
	s.RecordTraffic(1, TrafficDelta{
		Domain: "a.com", IP: "1.1.1.1", Upload: 1, Timestamp: time.Now(),
	}, 1)

	domains := s.Domains(1)
	domains["a.com"].IPs["9.9.9.9"] = struct{}{}

	fresh := s.Domains(1)
	assert.Len(t, fresh["a.com"].IPs, 1, "mutating a read result must not leak into the store")
}

func TestRealtimeStore_CountryDefaults(t *testing.T) {
	s := NewRealtimeStore(DefaultRetentionMinutes)
	s.RecordCountryTraffic(1, GeoResult{IP: "10.0.0.1", Upload: 5, Timestamp: time.Now()})

	countries := s.Countries(1)
	require.Contains(t, countries, "Unknown")
	assert.Equal(t, int64(1), countries["Unknown"].Connections)
}
