// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stats

import (
	"sort"
	"time"

	"grimm.is/proxwatch/internal/clock"
)

// Persisted row shapes returned by storage queries. The merger folds
// realtime deltas into these before they reach API callers.

type SummaryRow struct {
	Upload      int64     `json:"upload"`
	Download    int64     `json:"download"`
	Connections int64     `json:"connections"`
	LastUpdated time.Time `json:"lastUpdated"`
}

type DomainRow struct {
	Domain      string    `json:"domain"`
	Upload      int64     `json:"upload"`
	Download    int64     `json:"download"`
	Connections int64     `json:"connections"`
	LastSeen    time.Time `json:"lastSeen"`
	IPs         []string  `json:"ips,omitempty"`
	Rules       []string  `json:"rules,omitempty"`
	Chains      []string  `json:"chains,omitempty"`
}

type IPRow struct {
	IP          string    `json:"ip"`
	Upload      int64     `json:"upload"`
	Download    int64     `json:"download"`
	Connections int64     `json:"connections"`
	LastSeen    time.Time `json:"lastSeen"`
	Domains     []string  `json:"domains,omitempty"`
	Chains      []string  `json:"chains,omitempty"`
}

type ProxyRow struct {
	Chain       string    `json:"chain"`
	Upload      int64     `json:"upload"`
	Download    int64     `json:"download"`
	Connections int64     `json:"connections"`
	LastSeen    time.Time `json:"lastSeen"`
	Domains     []string  `json:"domains,omitempty"`
}

type RuleRow struct {
	Rule        string    `json:"rule"`
	Upload      int64     `json:"upload"`
	Download    int64     `json:"download"`
	Connections int64     `json:"connections"`
	LastSeen    time.Time `json:"lastSeen"`
}

type DeviceRow struct {
	SourceIP    string    `json:"sourceIP"`
	Upload      int64     `json:"upload"`
	Download    int64     `json:"download"`
	Connections int64     `json:"connections"`
	LastSeen    time.Time `json:"lastSeen"`
	Domains     []string  `json:"domains,omitempty"`
}

type CountryRow struct {
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Continent   string    `json:"continent"`
	Upload      int64     `json:"upload"`
	Download    int64     `json:"download"`
	Connections int64     `json:"connections"`
	LastSeen    time.Time `json:"lastSeen"`
}

// TrendPoint is one bucket of a traffic trend series, keyed by its bucket
// start in minute-key format.
type TrendPoint struct {
	Time     string `json:"time"`
	Upload   int64  `json:"upload"`
	Download int64  `json:"download"`
}

// SortKey selects the ordering for paginated domain/IP listings.
type SortKey string

const (
	SortByTotal       SortKey = "total"
	SortByUpload      SortKey = "upload"
	SortByDownload    SortKey = "download"
	SortByConnections SortKey = "connections"
	SortByLastSeen    SortKey = "lastSeen"
)

// MergeSummary folds the backend's unflushed summary into a persisted one.
func MergeSummary(store *RealtimeStore, backendID int, base SummaryRow) SummaryRow {
	delta, ok := store.Summary(backendID)
	if !ok {
		return base
	}
	base.Upload += delta.Upload
	base.Download += delta.Download
	base.Connections += delta.Connections
	if delta.LastUpdated.After(base.LastUpdated) {
		base.LastUpdated = delta.LastUpdated
	}
	return base
}

// MergeTopDomains folds unflushed domain deltas into a persisted top-domain
// result. includeNew must be false for pages beyond the first: a row unknown
// to the persisted result has no determinable rank against rows outside this
// page without requerying storage.
func MergeTopDomains(store *RealtimeStore, backendID int, base []DomainRow, limit int, includeNew bool) []DomainRow {
	deltas := store.Domains(backendID)
	if len(deltas) == 0 {
		return truncateDomains(sortDomains(base, SortByTotal), limit)
	}

	byDomain := make(map[string]*DomainRow, len(base))
	rows := make([]DomainRow, len(base))
	copy(rows, base)
	for i := range rows {
		byDomain[rows[i].Domain] = &rows[i]
	}

	for domain, d := range deltas {
		if row, ok := byDomain[domain]; ok {
			row.Upload += d.Upload
			row.Download += d.Download
			row.Connections += d.Connections
			if d.LastSeen.After(row.LastSeen) {
				row.LastSeen = d.LastSeen
			}
			row.IPs = unionSorted(row.IPs, d.IPs)
			row.Rules = unionSorted(row.Rules, d.Rules)
			row.Chains = unionSorted(row.Chains, d.Chains)
		} else if includeNew {
			rows = append(rows, DomainRow{
				Domain:      domain,
				Upload:      d.Upload,
				Download:    d.Download,
				Connections: d.Connections,
				LastSeen:    d.LastSeen,
				IPs:         setToSorted(d.IPs),
				Rules:       setToSorted(d.Rules),
				Chains:      setToSorted(d.Chains),
			})
		}
	}

	return truncateDomains(sortDomains(rows, SortByTotal), limit)
}

// MergeDomainsPaginated is the paginated variant: realtime-only rows are
// injected on the first page only, and ordering follows the caller's key.
func MergeDomainsPaginated(store *RealtimeStore, backendID int, base []DomainRow, page, pageSize int, key SortKey) []DomainRow {
	includeNew := page <= 1
	deltas := store.Domains(backendID)
	if len(deltas) == 0 {
		return truncateDomains(sortDomains(base, key), pageSize)
	}

	byDomain := make(map[string]*DomainRow, len(base))
	rows := make([]DomainRow, len(base))
	copy(rows, base)
	for i := range rows {
		byDomain[rows[i].Domain] = &rows[i]
	}

	for domain, d := range deltas {
		if row, ok := byDomain[domain]; ok {
			row.Upload += d.Upload
			row.Download += d.Download
			row.Connections += d.Connections
			if d.LastSeen.After(row.LastSeen) {
				row.LastSeen = d.LastSeen
			}
			row.IPs = unionSorted(row.IPs, d.IPs)
			row.Rules = unionSorted(row.Rules, d.Rules)
			row.Chains = unionSorted(row.Chains, d.Chains)
		} else if includeNew {
			rows = append(rows, DomainRow{
				Domain:      domain,
				Upload:      d.Upload,
				Download:    d.Download,
				Connections: d.Connections,
				LastSeen:    d.LastSeen,
				IPs:         setToSorted(d.IPs),
				Rules:       setToSorted(d.Rules),
				Chains:      setToSorted(d.Chains),
			})
		}
	}

	return truncateDomains(sortDomains(rows, key), pageSize)
}

// MergeTopIPs folds unflushed destination-IP deltas into a persisted result.
func MergeTopIPs(store *RealtimeStore, backendID int, base []IPRow, limit int, includeNew bool) []IPRow {
	deltas := store.IPs(backendID)
	if len(deltas) == 0 {
		return truncateIPs(sortIPs(base, SortByTotal), limit)
	}

	byIP := make(map[string]*IPRow, len(base))
	rows := make([]IPRow, len(base))
	copy(rows, base)
	for i := range rows {
		byIP[rows[i].IP] = &rows[i]
	}

	for ip, d := range deltas {
		if row, ok := byIP[ip]; ok {
			row.Upload += d.Upload
			row.Download += d.Download
			row.Connections += d.Connections
			if d.LastSeen.After(row.LastSeen) {
				row.LastSeen = d.LastSeen
			}
			row.Domains = unionSorted(row.Domains, d.Domains)
			row.Chains = unionSorted(row.Chains, d.Chains)
		} else if includeNew {
			rows = append(rows, IPRow{
				IP:          ip,
				Upload:      d.Upload,
				Download:    d.Download,
				Connections: d.Connections,
				LastSeen:    d.LastSeen,
				Domains:     setToSorted(d.Domains),
				Chains:      setToSorted(d.Chains),
			})
		}
	}

	return truncateIPs(sortIPs(rows, SortByTotal), limit)
}

// MergeIPsPaginated is the paginated variant of MergeTopIPs.
func MergeIPsPaginated(store *RealtimeStore, backendID int, base []IPRow, page, pageSize int, key SortKey) []IPRow {
	includeNew := page <= 1
	deltas := store.IPs(backendID)
	if len(deltas) == 0 {
		return truncateIPs(sortIPs(base, key), pageSize)
	}

	byIP := make(map[string]*IPRow, len(base))
	rows := make([]IPRow, len(base))
	copy(rows, base)
	for i := range rows {
		byIP[rows[i].IP] = &rows[i]
	}

	for ip, d := range deltas {
		if row, ok := byIP[ip]; ok {
			row.Upload += d.Upload
			row.Download += d.Download
			row.Connections += d.Connections
			if d.LastSeen.After(row.LastSeen) {
				row.LastSeen = d.LastSeen
			}
			row.Domains = unionSorted(row.Domains, d.Domains)
			row.Chains = unionSorted(row.Chains, d.Chains)
		} else if includeNew {
			rows = append(rows, IPRow{
				IP:          ip,
				Upload:      d.Upload,
				Download:    d.Download,
				Connections: d.Connections,
				LastSeen:    d.LastSeen,
				Domains:     setToSorted(d.Domains),
				Chains:      setToSorted(d.Chains),
			})
		}
	}

	return truncateIPs(sortIPs(rows, key), pageSize)
}

// MergeProxyStats folds unflushed proxy deltas into a persisted result.
func MergeProxyStats(store *RealtimeStore, backendID int, base []ProxyRow, limit int) []ProxyRow {
	deltas := store.Proxies(backendID)

	byChain := make(map[string]*ProxyRow, len(base))
	rows := make([]ProxyRow, len(base))
	copy(rows, base)
	for i := range rows {
		byChain[rows[i].Chain] = &rows[i]
	}

	for chain, d := range deltas {
		if row, ok := byChain[chain]; ok {
			row.Upload += d.Upload
			row.Download += d.Download
			row.Connections += d.Connections
			if d.LastSeen.After(row.LastSeen) {
				row.LastSeen = d.LastSeen
			}
			row.Domains = unionSorted(row.Domains, d.Domains)
		} else {
			rows = append(rows, ProxyRow{
				Chain:       chain,
				Upload:      d.Upload,
				Download:    d.Download,
				Connections: d.Connections,
				LastSeen:    d.LastSeen,
				Domains:     setToSorted(d.Domains),
			})
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Upload+rows[i].Download > rows[j].Upload+rows[j].Download
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// MergeRuleStats folds unflushed rule deltas into a persisted result.
func MergeRuleStats(store *RealtimeStore, backendID int, base []RuleRow, limit int) []RuleRow {
	deltas := store.Rules(backendID)

	byRule := make(map[string]*RuleRow, len(base))
	rows := make([]RuleRow, len(base))
	copy(rows, base)
	for i := range rows {
		byRule[rows[i].Rule] = &rows[i]
	}

	for rule, d := range deltas {
		if row, ok := byRule[rule]; ok {
			row.Upload += d.Upload
			row.Download += d.Download
			row.Connections += d.Connections
			if d.LastSeen.After(row.LastSeen) {
				row.LastSeen = d.LastSeen
			}
		} else {
			rows = append(rows, RuleRow{
				Rule:        rule,
				Upload:      d.Upload,
				Download:    d.Download,
				Connections: d.Connections,
				LastSeen:    d.LastSeen,
			})
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Upload+rows[i].Download > rows[j].Upload+rows[j].Download
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// MergeCountryStats folds unflushed country deltas into a persisted result.
func MergeCountryStats(store *RealtimeStore, backendID int, base []CountryRow, limit int) []CountryRow {
	deltas := store.Countries(backendID)

	byCode := make(map[string]*CountryRow, len(base))
	rows := make([]CountryRow, len(base))
	copy(rows, base)
	for i := range rows {
		byCode[rows[i].Code] = &rows[i]
	}

	for code, d := range deltas {
		if row, ok := byCode[code]; ok {
			row.Upload += d.Upload
			row.Download += d.Download
			row.Connections += d.Connections
			if d.LastSeen.After(row.LastSeen) {
				row.LastSeen = d.LastSeen
			}
			if row.Name == "" {
				row.Name = d.Name
			}
			if row.Continent == "" {
				row.Continent = d.Continent
			}
		} else {
			rows = append(rows, CountryRow{
				Code:        code,
				Name:        d.Name,
				Continent:   d.Continent,
				Upload:      d.Upload,
				Download:    d.Download,
				Connections: d.Connections,
				LastSeen:    d.LastSeen,
			})
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Upload+rows[i].Download > rows[j].Upload+rows[j].Download
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// MergeDeviceStats folds unflushed device deltas into a persisted result.
func MergeDeviceStats(store *RealtimeStore, backendID int, base []DeviceRow, limit int) []DeviceRow {
	deltas := store.Devices(backendID)

	bySource := make(map[string]*DeviceRow, len(base))
	rows := make([]DeviceRow, len(base))
	copy(rows, base)
	for i := range rows {
		bySource[rows[i].SourceIP] = &rows[i]
	}

	for src, d := range deltas {
		if row, ok := bySource[src]; ok {
			row.Upload += d.Upload
			row.Download += d.Download
			row.Connections += d.Connections
			if d.LastSeen.After(row.LastSeen) {
				row.LastSeen = d.LastSeen
			}
			row.Domains = unionSorted(row.Domains, d.Domains)
		} else {
			rows = append(rows, DeviceRow{
				SourceIP:    src,
				Upload:      d.Upload,
				Download:    d.Download,
				Connections: d.Connections,
				LastSeen:    d.LastSeen,
				Domains:     setToSorted(d.Domains),
			})
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Upload+rows[i].Download > rows[j].Upload+rows[j].Download
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// MergeTrend unions persisted trend points with realtime minute buckets.
// Persisted points are re-bucketed to the requested width; realtime buckets
// are folded in when they fall inside [cutoff, now] and the requested window,
// then the combined series is sorted ascending by time key. A nil store
// re-buckets the persisted points only, for queries too far in the past for
// realtime deltas to apply.
func MergeTrend(store *RealtimeStore, backendID int, base []TrendPoint, window time.Duration, bucket time.Duration, cutoff time.Time) []TrendPoint {
	if bucket < time.Minute {
		bucket = time.Minute
	}

	series := make(map[string]*TrendPoint)
	for _, p := range base {
		key := p.Time
		if t, err := ParseMinuteKey(p.Time); err == nil {
			key = bucketKey(t, bucket)
		}
		tp, ok := series[key]
		if !ok {
			tp = &TrendPoint{Time: key}
			series[key] = tp
		}
		tp.Upload += p.Upload
		tp.Download += p.Download
	}

	windowStart := time.Time{}
	if window > 0 {
		windowStart = clock.Now().Add(-window)
	}
	buckets := map[string]MinuteBucket{}
	if store != nil {
		buckets = store.MinuteBuckets(backendID)
	}
	for mk, mb := range buckets {
		t, err := ParseMinuteKey(mk)
		if err != nil {
			continue
		}
		if !cutoff.IsZero() && t.Before(cutoff.Truncate(time.Minute)) {
			continue
		}
		if !windowStart.IsZero() && t.Before(windowStart.Truncate(time.Minute)) {
			continue
		}
		key := bucketKey(t, bucket)
		tp, ok := series[key]
		if !ok {
			tp = &TrendPoint{Time: key}
			series[key] = tp
		}
		tp.Upload += mb.Upload
		tp.Download += mb.Download
	}

	out := make([]TrendPoint, 0, len(series))
	for _, tp := range series {
		out = append(out, *tp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}

func bucketKey(t time.Time, width time.Duration) string {
	return MinuteKey(t.UTC().Truncate(width))
}

// sortDomains orders rows by the given key, upload+download descending by
// default, with the dimension key as a stable tie-breaker.
func sortDomains(rows []DomainRow, key SortKey) []DomainRow {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		switch key {
		case SortByUpload:
			if a.Upload != b.Upload {
				return a.Upload > b.Upload
			}
		case SortByDownload:
			if a.Download != b.Download {
				return a.Download > b.Download
			}
		case SortByConnections:
			if a.Connections != b.Connections {
				return a.Connections > b.Connections
			}
		case SortByLastSeen:
			if !a.LastSeen.Equal(b.LastSeen) {
				return a.LastSeen.After(b.LastSeen)
			}
		default:
			if a.Upload+a.Download != b.Upload+b.Download {
				return a.Upload+a.Download > b.Upload+b.Download
			}
		}
		return a.Domain < b.Domain
	})
	return rows
}

func sortIPs(rows []IPRow, key SortKey) []IPRow {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		switch key {
		case SortByUpload:
			if a.Upload != b.Upload {
				return a.Upload > b.Upload
			}
		case SortByDownload:
			if a.Download != b.Download {
				return a.Download > b.Download
			}
		case SortByConnections:
			if a.Connections != b.Connections {
				return a.Connections > b.Connections
			}
		case SortByLastSeen:
			if !a.LastSeen.Equal(b.LastSeen) {
				return a.LastSeen.After(b.LastSeen)
			}
		default:
			if a.Upload+a.Download != b.Upload+b.Download {
				return a.Upload+a.Download > b.Upload+b.Download
			}
		}
		return a.IP < b.IP
	})
	return rows
}

func truncateDomains(rows []DomainRow, limit int) []DomainRow {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}

func truncateIPs(rows []IPRow, limit int) []IPRow {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func unionSorted(existing []string, extra map[string]struct{}) []string {
	set := make(map[string]struct{}, len(existing)+len(extra))
	for _, v := range existing {
		set[v] = struct{}{}
	}
	for k := range extra {
		set[k] = struct{}{}
	}
	return setToSorted(set)
}
