// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"grimm.is/proxwatch/internal/clock"
	"grimm.is/proxwatch/internal/stats"
)

const (
	defaultLimit    = 50
	maxLimit        = 500
	defaultPageSize = 50
	defaultTrendDur = time.Hour

	// defaultStaleTolerance is how far in the past a trend window may end
	// and still have unflushed realtime minutes folded in. Windows ending
	// earlier than this are fully covered by persisted rows.
	defaultStaleTolerance = 2 * time.Minute
)

func (s *Server) handleBackends(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, s.backends)
}

func backendID(r *http.Request) int {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	return id
}

func queryInt(r *http.Request, key string, def, max int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

func sortKey(r *http.Request) stats.SortKey {
	switch stats.SortKey(r.URL.Query().Get("sort")) {
	case stats.SortByUpload:
		return stats.SortByUpload
	case stats.SortByDownload:
		return stats.SortByDownload
	case stats.SortByConnections:
		return stats.SortByConnections
	case stats.SortByLastSeen:
		return stats.SortByLastSeen
	default:
		return stats.SortByTotal
	}
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := backendID(r)
	base, err := s.store.GetSummary(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats.MergeSummary(s.realtime, id, base))
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	id := backendID(r)
	var up, down int64
	if s.rates != nil {
		up, down = s.rates.Now(id)
	}
	WriteJSON(w, http.StatusOK, map[string]int64{
		"upload":   up,
		"download": down,
	})
}

// handleDomains serves both forms of the domain listing: plain top-N, and
// paginated when a page parameter is present.
func (s *Server) handleDomains(w http.ResponseWriter, r *http.Request) {
	id := backendID(r)

	if r.URL.Query().Get("page") != "" {
		page := queryInt(r, "page", 1, 0)
		pageSize := queryInt(r, "pageSize", defaultPageSize, maxLimit)
		base, err := s.store.GetTopDomainsPaginated(r.Context(), id, page, pageSize, sortKey(r))
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats.MergeDomainsPaginated(s.realtime, id, base, page, pageSize, sortKey(r)))
		return
	}

	limit := queryInt(r, "limit", defaultLimit, maxLimit)
	base, err := s.store.GetTopDomains(r.Context(), id, limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats.MergeTopDomains(s.realtime, id, base, limit, true))
}

func (s *Server) handleIPs(w http.ResponseWriter, r *http.Request) {
	id := backendID(r)

	if r.URL.Query().Get("page") != "" {
		page := queryInt(r, "page", 1, 0)
		pageSize := queryInt(r, "pageSize", defaultPageSize, maxLimit)
		base, err := s.store.GetTopIPsPaginated(r.Context(), id, page, pageSize, sortKey(r))
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats.MergeIPsPaginated(s.realtime, id, base, page, pageSize, sortKey(r)))
		return
	}

	limit := queryInt(r, "limit", defaultLimit, maxLimit)
	base, err := s.store.GetTopIPs(r.Context(), id, limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats.MergeTopIPs(s.realtime, id, base, limit, true))
}

func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	id := backendID(r)
	base, err := s.store.GetProxyStats(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats.MergeProxyStats(s.realtime, id, base, queryInt(r, "limit", defaultLimit, maxLimit)))
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	id := backendID(r)
	base, err := s.store.GetRuleStats(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats.MergeRuleStats(s.realtime, id, base, queryInt(r, "limit", defaultLimit, maxLimit)))
}

func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	id := backendID(r)
	base, err := s.store.GetCountryStats(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats.MergeCountryStats(s.realtime, id, base, queryInt(r, "limit", defaultLimit, maxLimit)))
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	id := backendID(r)
	base, err := s.store.GetDeviceStats(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats.MergeDeviceStats(s.realtime, id, base, queryInt(r, "limit", defaultLimit, maxLimit)))
}

// handleTrend serves a bucketed traffic series. The window ends at the
// optional RFC 3339 "end" parameter (default: now); realtime minutes are
// merged only when the window ends within the staleness tolerance, since a
// window further back is fully covered by persisted rows.
func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	id := backendID(r)

	window := defaultTrendDur
	if v := r.URL.Query().Get("window"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			window = d
		}
	}
	bucket := time.Minute
	if v := r.URL.Query().Get("bucket"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= time.Minute {
			bucket = d
		}
	}
	end := clock.Now()
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "end must be RFC 3339")
			return
		}
		end = t
	}

	since := end.Add(-window)
	base, err := s.store.GetTrafficTrend(r.Context(), id, since)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	endKey := stats.MinuteKey(end)
	kept := base[:0]
	for _, p := range base {
		if p.Time <= endKey {
			kept = append(kept, p)
		}
	}

	realtime := s.realtime
	if clock.Now().Sub(end) > s.staleTolerance {
		realtime = nil
	}
	WriteJSON(w, http.StatusOK, stats.MergeTrend(realtime, id, kept, window, bucket, since))
}

// handlePurge drops everything known about a backend: persisted rows,
// unflushed realtime deltas, both traffic and countries.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	id := backendID(r)
	if err := s.store.PurgeBackend(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.realtime.ClearBackend(id)
	s.logger.Info("Purged backend data", "backend", id)
	WriteJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}
