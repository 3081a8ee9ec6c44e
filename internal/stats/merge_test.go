// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/proxwatch/internal/clock"
)

func TestMergeSummary(t *testing.T) {
	s := NewRealtimeStore(DefaultRetentionMinutes)
	s.RecordTraffic(1, TrafficDelta{Domain: "a.com", Upload: 50, Download: 60, Timestamp: time.Now()}, 1)

	merged := MergeSummary(s, 1, SummaryRow{Upload: 1000, Download: 2000, Connections: 10})
	assert.Equal(t, int64(1050), merged.Upload)
	assert.Equal(t, int64(2060), merged.Download)
	assert.Equal(t, int64(11), merged.Connections)

	// No realtime data: persisted totals pass through untouched.
	untouched := MergeSummary(s, 2, SummaryRow{Upload: 7})
	assert.Equal(t, int64(7), untouched.Upload)
}

func TestMergeTopDomains(t *testing.T) {
	s := NewRealtimeStore(DefaultRetentionMinutes)
	s.RecordTraffic(1, TrafficDelta{
		Domain: "known.com", IP: "2.2.2.2", Upload: 500, Timestamp: time.Now(),
	}, 0)
	s.RecordTraffic(1, TrafficDelta{
		Domain: "fresh.com", IP: "3.3.3.3", Upload: 9000, Timestamp: time.Now(),
	}, 1)

	base := []DomainRow{
		{Domain: "known.com", Upload: 100, Download: 100, IPs: []string{"1.1.1.1"}},
		{Domain: "other.com", Upload: 50, Download: 50},
	}

	merged := MergeTopDomains(s, 1, base, 10, true)
	require.Len(t, merged, 3)

	// Unflushed traffic reorders: fresh.com now leads.
	assert.Equal(t, "fresh.com", merged[0].Domain)
	assert.Equal(t, "known.com", merged[1].Domain)
	assert.Equal(t, int64(600), merged[1].Upload)
	assert.ElementsMatch(t, []string{"1.1.1.1", "2.2.2.2"}, merged[1].IPs, "IP sets union")
}

func TestMergeTopDomains_EmptyBaseTruncates(t *testing.T) {
	s := NewRealtimeStore(DefaultRetentionMinutes)
	s.RecordTraffic(1, TrafficDelta{Domain: "a.com", Upload: 10, Download: 10, Timestamp: time.Now()}, 1)
	s.RecordTraffic(1, TrafficDelta{Domain: "b.com", Upload: 500, Timestamp: time.Now()}, 1)
	s.RecordTraffic(1, TrafficDelta{Domain: "c.com", Download: 90, Timestamp: time.Now()}, 1)
	s.RecordTraffic(1, TrafficDelta{Domain: "d.com", Upload: 300, Download: 300, Timestamp: time.Now()}, 1)
	s.RecordTraffic(1, TrafficDelta{Domain: "e.com", Upload: 1, Timestamp: time.Now()}, 1)

	merged := MergeTopDomains(s, 1, nil, 3, true)
	require.Len(t, merged, 3)
	assert.Equal(t, "d.com", merged[0].Domain)
	assert.Equal(t, "b.com", merged[1].Domain)
	assert.Equal(t, "c.com", merged[2].Domain)
	for i := 1; i < len(merged); i++ {
		prev := merged[i-1].Upload + merged[i-1].Download
		cur := merged[i].Upload + merged[i].Download
		assert.GreaterOrEqual(t, prev, cur)
	}
}

func TestMergeTopDomains_ExcludeNew(t *testing.T) {
	s := NewRealtimeStore(DefaultRetentionMinutes)
	s.RecordTraffic(1, TrafficDelta{Domain: "fresh.com", Upload: 9000, Timestamp: time.Now()}, 1)

	base := []DomainRow{{Domain: "known.com", Upload: 100}}
	merged := MergeTopDomains(s, 1, base, 10, false)
	require.Len(t, merged, 1)
	assert.Equal(t, "known.com", merged[0].Domain)
}

func TestMergeDomainsPaginated_NewRowsFirstPageOnly(t *testing.T) {
	s := NewRealtimeStore(DefaultRetentionMinutes)
	s.RecordTraffic(1, TrafficDelta{Domain: "fresh.com", Upload: 1, Timestamp: time.Now()}, 1)

	base := []DomainRow{{Domain: "known.com", Upload: 100}}

	page1 := MergeDomainsPaginated(s, 1, base, 1, 10, SortByTotal)
	assert.Len(t, page1, 2)

	page2 := MergeDomainsPaginated(s, 1, base, 2, 10, SortByTotal)
	for _, r := range page2 {
		assert.NotEqual(t, "fresh.com", r.Domain, "realtime-only rows belong to page one")
	}
}

func TestMergeTopIPs(t *testing.T) {
	s := NewRealtimeStore(DefaultRetentionMinutes)
	s.RecordTraffic(1, TrafficDelta{
		Domain: "a.com", IP: "1.1.1.1", Upload: 10, Timestamp: time.Now(),
	}, 0)

	base := []IPRow{{IP: "1.1.1.1", Upload: 100, Domains: []string{"b.com"}}}
	merged := MergeTopIPs(s, 1, base, 10, true)
	require.Len(t, merged, 1)
	assert.Equal(t, int64(110), merged[0].Upload)
	assert.ElementsMatch(t, []string{"a.com", "b.com"}, merged[0].Domains)
}

func TestMergeProxyStats(t *testing.T) {
	s := NewRealtimeStore(DefaultRetentionMinutes)
	s.RecordTraffic(1, TrafficDelta{
		Domain: "a.com", Chains: []string{"ProxyB", "Select"}, Upload: 700, Timestamp: time.Now(),
	}, 1)

	base := []ProxyRow{{Chain: "ProxyA", Upload: 500}}
	merged := MergeProxyStats(s, 1, base, 10)
	require.Len(t, merged, 2)
	assert.Equal(t, "ProxyB", merged[0].Chain)
}

func TestMergeRuleStats(t *testing.T) {
	s := NewRealtimeStore(DefaultRetentionMinutes)
	s.RecordTraffic(1, TrafficDelta{
		Domain: "a.com", Chains: []string{"DIRECT"}, Rule: "DomainSuffix", RulePayload: "a.com",
		Upload: 10, Timestamp: time.Now(),
	}, 1)

	merged := MergeRuleStats(s, 1, []RuleRow{{Rule: "Match", Upload: 5}}, 10)
	require.Len(t, merged, 2)
	assert.Equal(t, "DomainSuffix(a.com)", merged[0].Rule)
}

func TestMergeCountryStats(t *testing.T) {
	s := NewRealtimeStore(DefaultRetentionMinutes)
	s.RecordCountryTraffic(1, GeoResult{IP: "1.1.1.1", Country: "DE", CountryName: "Germany", Upload: 10, Timestamp: time.Now()})

	base := []CountryRow{{Code: "DE", Upload: 100}, {Code: "US", Name: "United States", Upload: 50}}
	merged := MergeCountryStats(s, 1, base, 10)
	require.Len(t, merged, 2)
	assert.Equal(t, "DE", merged[0].Code)
	assert.Equal(t, int64(110), merged[0].Upload)
	assert.Equal(t, "Germany", merged[0].Name, "realtime fills missing name")
}

func TestMergeDeviceStats(t *testing.T) {
	s := NewRealtimeStore(DefaultRetentionMinutes)
	s.RecordTraffic(1, TrafficDelta{
		Domain: "a.com", SourceIP: "192.168.1.20", Upload: 10, Timestamp: time.Now(),
	}, 1)

	merged := MergeDeviceStats(s, 1, []DeviceRow{{SourceIP: "192.168.1.20", Upload: 100, Domains: []string{"b.com"}}}, 10)
	require.Len(t, merged, 1)
	assert.Equal(t, int64(110), merged[0].Upload)
	assert.ElementsMatch(t, []string{"a.com", "b.com"}, merged[0].Domains)
}

func TestMergeTrend_ReBuckets(t *testing.T) {
	base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	restore := clock.SetFixed(base)
	defer restore()

	s := NewRealtimeStore(DefaultRetentionMinutes)
	s.RecordTraffic(1, TrafficDelta{Domain: "a.com", Upload: 10, Timestamp: base.Add(-time.Minute)}, 1)
	s.RecordTraffic(1, TrafficDelta{Domain: "a.com", Upload: 20, Timestamp: base.Add(-2 * time.Minute)}, 0)

	persisted := []TrendPoint{
		{Time: MinuteKey(base.Add(-time.Minute)), Upload: 100},
		{Time: MinuteKey(base.Add(-6 * time.Minute)), Upload: 5},
	}

	// Five-minute buckets: the two realtime minutes and the persisted
	// -1min point collapse into the same bucket.
	merged := MergeTrend(s, 1, persisted, time.Hour, 5*time.Minute, time.Time{})
	require.Len(t, merged, 2)
	assert.Equal(t, int64(5), merged[0].Upload)
	assert.Equal(t, int64(130), merged[1].Upload)

	// Minute buckets stay distinct.
	minute := MergeTrend(s, 1, persisted, time.Hour, time.Minute, time.Time{})
	require.Len(t, minute, 3)
}

func TestMergeTrend_WindowExcludesOldRealtime(t *testing.T) {
	base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	restore := clock.SetFixed(base)
	defer restore()

	s := NewRealtimeStore(DefaultRetentionMinutes)
	s.RecordTraffic(1, TrafficDelta{Domain: "a.com", Upload: 10, Timestamp: base.Add(-30 * time.Minute)}, 1)
	s.RecordTraffic(1, TrafficDelta{Domain: "a.com", Upload: 20, Timestamp: base.Add(-time.Minute)}, 0)

	merged := MergeTrend(s, 1, nil, 10*time.Minute, time.Minute, time.Time{})
	require.Len(t, merged, 1)
	assert.Equal(t, int64(20), merged[0].Upload)
}
