// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package storage is the durable side of the aggregation pipeline: batched
// UPSERT writes of minute-collapsed traffic rows and the query surface the
// dashboard reads through.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/proxwatch/internal/clock"
	"grimm.is/proxwatch/internal/errors"
	"grimm.is/proxwatch/internal/stats"
)

// Store handles persistence of traffic statistics to SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the traffic database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorage, "failed to open traffic db")
	}
	// SQLite allows one writer; serializing through one connection avoids
	// SQLITE_BUSY churn under concurrent flushes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS traffic_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		backend_id INTEGER NOT NULL,
		minute TEXT NOT NULL,
		domain TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		source_ip TEXT NOT NULL DEFAULT '',
		chain TEXT NOT NULL DEFAULT '',
		full_chain TEXT NOT NULL DEFAULT '',
		rule TEXT NOT NULL DEFAULT '',
		rule_payload TEXT NOT NULL DEFAULT '',
		rule_label TEXT NOT NULL DEFAULT '',
		upload INTEGER NOT NULL DEFAULT 0,
		download INTEGER NOT NULL DEFAULT 0,
		connections INTEGER NOT NULL DEFAULT 0,
		last_seen INTEGER NOT NULL,
		UNIQUE(backend_id, minute, domain, ip, chain, full_chain, rule, rule_payload, source_ip)
	);
	CREATE INDEX IF NOT EXISTS idx_traffic_backend_minute ON traffic_stats(backend_id, minute);
	CREATE INDEX IF NOT EXISTS idx_traffic_backend_domain ON traffic_stats(backend_id, domain);
	CREATE INDEX IF NOT EXISTS idx_traffic_backend_ip ON traffic_stats(backend_id, ip);

	CREATE TABLE IF NOT EXISTS country_stats (
		backend_id INTEGER NOT NULL,
		code TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		continent TEXT NOT NULL DEFAULT '',
		upload INTEGER NOT NULL DEFAULT 0,
		download INTEGER NOT NULL DEFAULT 0,
		connections INTEGER NOT NULL DEFAULT 0,
		last_seen INTEGER NOT NULL,
		PRIMARY KEY(backend_id, code)
	);
	`
	_, err := s.db.Exec(schema)
	return errors.Wrap(err, errors.KindStorage, "failed to initialize schema")
}

// BatchUpdateTrafficStats applies one flush batch atomically via UPSERT.
func (s *Store) BatchUpdateTrafficStats(ctx context.Context, backendID int, rows []stats.BufferedDelta) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.KindStorage, "begin traffic batch")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO traffic_stats (backend_id, minute, domain, ip, source_ip, chain, full_chain, rule, rule_payload, rule_label, upload, download, connections, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(backend_id, minute, domain, ip, chain, full_chain, rule, rule_payload, source_ip) DO UPDATE SET
			upload = upload + excluded.upload,
			download = download + excluded.download,
			connections = connections + excluded.connections,
			last_seen = MAX(last_seen, excluded.last_seen)
	`)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, errors.KindStorage, "prepare traffic upsert")
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.ExecContext(ctx,
			backendID, r.MinuteKey, r.Domain, r.IP, r.SourceIP, r.Chain, r.FullChain,
			r.Rule, r.RulePayload, r.RuleLabel, r.Upload, r.Download, r.Connections,
			r.Timestamp.Unix(),
		)
		if err != nil {
			tx.Rollback()
			return errors.Wrap(err, errors.KindStorage, "traffic upsert")
		}
	}

	return errors.Wrap(tx.Commit(), errors.KindStorage, "commit traffic batch")
}

// BatchUpdateCountryStats applies resolved country traffic atomically.
func (s *Store) BatchUpdateCountryStats(ctx context.Context, backendID int, results []stats.GeoResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.KindStorage, "begin country batch")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO country_stats (backend_id, code, name, continent, upload, download, connections, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(backend_id, code) DO UPDATE SET
			upload = upload + excluded.upload,
			download = download + excluded.download,
			connections = connections + excluded.connections,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE name END,
			continent = CASE WHEN excluded.continent != '' THEN excluded.continent ELSE continent END,
			last_seen = MAX(last_seen, excluded.last_seen)
	`)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, errors.KindStorage, "prepare country upsert")
	}
	defer stmt.Close()

	for _, r := range results {
		code := r.Country
		if code == "" {
			code = "Unknown"
		}
		_, err := stmt.ExecContext(ctx,
			backendID, code, r.CountryName, r.Continent, r.Upload, r.Download, r.Timestamp.Unix(),
		)
		if err != nil {
			tx.Rollback()
			return errors.Wrap(err, errors.KindStorage, "country upsert")
		}
	}

	return errors.Wrap(tx.Commit(), errors.KindStorage, "commit country batch")
}

// GetSummary returns the backend's persisted traffic totals.
func (s *Store) GetSummary(ctx context.Context, backendID int) (stats.SummaryRow, error) {
	var row stats.SummaryRow
	var lastSeen sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(upload), 0), COALESCE(SUM(download), 0), COALESCE(SUM(connections), 0), MAX(last_seen)
		FROM traffic_stats WHERE backend_id = ?
	`, backendID).Scan(&row.Upload, &row.Download, &row.Connections, &lastSeen)
	if err != nil {
		return row, errors.Wrap(err, errors.KindStorage, "summary query")
	}
	if lastSeen.Valid {
		row.LastUpdated = time.Unix(lastSeen.Int64, 0)
	}
	return row, nil
}

func splitConcat(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	parts := strings.Split(s.String, ",")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func domainOrder(key stats.SortKey) string {
	switch key {
	case stats.SortByUpload:
		return "SUM(upload) DESC"
	case stats.SortByDownload:
		return "SUM(download) DESC"
	case stats.SortByConnections:
		return "SUM(connections) DESC"
	case stats.SortByLastSeen:
		return "MAX(last_seen) DESC"
	default:
		return "SUM(upload) + SUM(download) DESC"
	}
}

func (s *Store) queryDomains(ctx context.Context, backendID int, order string, limit, offset int) ([]stats.DomainRow, error) {
	query := fmt.Sprintf(`
		SELECT domain, SUM(upload), SUM(download), SUM(connections), MAX(last_seen),
			GROUP_CONCAT(DISTINCT ip), GROUP_CONCAT(DISTINCT rule_label), GROUP_CONCAT(DISTINCT chain)
		FROM traffic_stats
		WHERE backend_id = ? AND domain != ''
		GROUP BY domain
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, order)

	rows, err := s.db.QueryContext(ctx, query, backendID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorage, "domain query")
	}
	defer rows.Close()

	var result []stats.DomainRow
	for rows.Next() {
		var r stats.DomainRow
		var lastSeen int64
		var ips, rules, chains sql.NullString
		if err := rows.Scan(&r.Domain, &r.Upload, &r.Download, &r.Connections, &lastSeen, &ips, &rules, &chains); err != nil {
			return nil, errors.Wrap(err, errors.KindStorage, "domain scan")
		}
		r.LastSeen = time.Unix(lastSeen, 0)
		r.IPs = splitConcat(ips)
		r.Rules = splitConcat(rules)
		r.Chains = splitConcat(chains)
		result = append(result, r)
	}
	return result, rows.Err()
}

// GetTopDomains returns the backend's top domains by total traffic.
func (s *Store) GetTopDomains(ctx context.Context, backendID, limit int) ([]stats.DomainRow, error) {
	return s.queryDomains(ctx, backendID, domainOrder(stats.SortByTotal), limit, 0)
}

// GetTopDomainsPaginated returns one page of the domain listing in the
// caller's sort order.
func (s *Store) GetTopDomainsPaginated(ctx context.Context, backendID, page, pageSize int, key stats.SortKey) ([]stats.DomainRow, error) {
	if page < 1 {
		page = 1
	}
	return s.queryDomains(ctx, backendID, domainOrder(key), pageSize, (page-1)*pageSize)
}

func (s *Store) queryIPs(ctx context.Context, backendID int, order string, limit, offset int) ([]stats.IPRow, error) {
	query := fmt.Sprintf(`
		SELECT ip, SUM(upload), SUM(download), SUM(connections), MAX(last_seen),
			GROUP_CONCAT(DISTINCT domain), GROUP_CONCAT(DISTINCT chain)
		FROM traffic_stats
		WHERE backend_id = ? AND ip != ''
		GROUP BY ip
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, order)

	rows, err := s.db.QueryContext(ctx, query, backendID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorage, "ip query")
	}
	defer rows.Close()

	var result []stats.IPRow
	for rows.Next() {
		var r stats.IPRow
		var lastSeen int64
		var domains, chains sql.NullString
		if err := rows.Scan(&r.IP, &r.Upload, &r.Download, &r.Connections, &lastSeen, &domains, &chains); err != nil {
			return nil, errors.Wrap(err, errors.KindStorage, "ip scan")
		}
		r.LastSeen = time.Unix(lastSeen, 0)
		r.Domains = splitConcat(domains)
		r.Chains = splitConcat(chains)
		result = append(result, r)
	}
	return result, rows.Err()
}

// GetTopIPs returns the backend's top destination IPs by total traffic.
func (s *Store) GetTopIPs(ctx context.Context, backendID, limit int) ([]stats.IPRow, error) {
	return s.queryIPs(ctx, backendID, domainOrder(stats.SortByTotal), limit, 0)
}

// GetTopIPsPaginated returns one page of the destination-IP listing.
func (s *Store) GetTopIPsPaginated(ctx context.Context, backendID, page, pageSize int, key stats.SortKey) ([]stats.IPRow, error) {
	if page < 1 {
		page = 1
	}
	return s.queryIPs(ctx, backendID, domainOrder(key), pageSize, (page-1)*pageSize)
}

// GetProxyStats returns per-egress-proxy traffic totals.
func (s *Store) GetProxyStats(ctx context.Context, backendID int) ([]stats.ProxyRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chain, SUM(upload), SUM(download), SUM(connections), MAX(last_seen),
			GROUP_CONCAT(DISTINCT domain)
		FROM traffic_stats
		WHERE backend_id = ?
		GROUP BY chain
		ORDER BY SUM(upload) + SUM(download) DESC
	`, backendID)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorage, "proxy query")
	}
	defer rows.Close()

	var result []stats.ProxyRow
	for rows.Next() {
		var r stats.ProxyRow
		var lastSeen int64
		var domains sql.NullString
		if err := rows.Scan(&r.Chain, &r.Upload, &r.Download, &r.Connections, &lastSeen, &domains); err != nil {
			return nil, errors.Wrap(err, errors.KindStorage, "proxy scan")
		}
		r.LastSeen = time.Unix(lastSeen, 0)
		r.Domains = splitConcat(domains)
		result = append(result, r)
	}
	return result, rows.Err()
}

// GetRuleStats returns per-rule-label traffic totals.
func (s *Store) GetRuleStats(ctx context.Context, backendID int) ([]stats.RuleRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_label, SUM(upload), SUM(download), SUM(connections), MAX(last_seen)
		FROM traffic_stats
		WHERE backend_id = ? AND rule_label != ''
		GROUP BY rule_label
		ORDER BY SUM(upload) + SUM(download) DESC
	`, backendID)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorage, "rule query")
	}
	defer rows.Close()

	var result []stats.RuleRow
	for rows.Next() {
		var r stats.RuleRow
		var lastSeen int64
		if err := rows.Scan(&r.Rule, &r.Upload, &r.Download, &r.Connections, &lastSeen); err != nil {
			return nil, errors.Wrap(err, errors.KindStorage, "rule scan")
		}
		r.LastSeen = time.Unix(lastSeen, 0)
		result = append(result, r)
	}
	return result, rows.Err()
}

// GetDeviceStats returns per-source-IP traffic totals.
func (s *Store) GetDeviceStats(ctx context.Context, backendID int) ([]stats.DeviceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_ip, SUM(upload), SUM(download), SUM(connections), MAX(last_seen),
			GROUP_CONCAT(DISTINCT domain)
		FROM traffic_stats
		WHERE backend_id = ? AND source_ip != ''
		GROUP BY source_ip
		ORDER BY SUM(upload) + SUM(download) DESC
	`, backendID)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorage, "device query")
	}
	defer rows.Close()

	var result []stats.DeviceRow
	for rows.Next() {
		var r stats.DeviceRow
		var lastSeen int64
		var domains sql.NullString
		if err := rows.Scan(&r.SourceIP, &r.Upload, &r.Download, &r.Connections, &lastSeen, &domains); err != nil {
			return nil, errors.Wrap(err, errors.KindStorage, "device scan")
		}
		r.LastSeen = time.Unix(lastSeen, 0)
		r.Domains = splitConcat(domains)
		result = append(result, r)
	}
	return result, rows.Err()
}

// GetCountryStats returns per-country traffic totals.
func (s *Store) GetCountryStats(ctx context.Context, backendID int) ([]stats.CountryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, name, continent, upload, download, connections, last_seen
		FROM country_stats
		WHERE backend_id = ?
		ORDER BY upload + download DESC
	`, backendID)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorage, "country query")
	}
	defer rows.Close()

	var result []stats.CountryRow
	for rows.Next() {
		var r stats.CountryRow
		var lastSeen int64
		if err := rows.Scan(&r.Code, &r.Name, &r.Continent, &r.Upload, &r.Download, &r.Connections, &lastSeen); err != nil {
			return nil, errors.Wrap(err, errors.KindStorage, "country scan")
		}
		r.LastSeen = time.Unix(lastSeen, 0)
		result = append(result, r)
	}
	return result, rows.Err()
}

// GetTrafficTrend returns per-minute traffic points at or after since,
// sorted ascending. Callers re-bucket to wider windows as needed.
func (s *Store) GetTrafficTrend(ctx context.Context, backendID int, since time.Time) ([]stats.TrendPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT minute, SUM(upload), SUM(download)
		FROM traffic_stats
		WHERE backend_id = ? AND minute >= ?
		GROUP BY minute
		ORDER BY minute ASC
	`, backendID, stats.MinuteKey(since))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorage, "trend query")
	}
	defer rows.Close()

	var result []stats.TrendPoint
	for rows.Next() {
		var p stats.TrendPoint
		if err := rows.Scan(&p.Time, &p.Upload, &p.Download); err != nil {
			return nil, errors.Wrap(err, errors.KindStorage, "trend scan")
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// Cleanup removes traffic rows older than the retention period. Country
// stats are lifetime totals and are not aged out.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := stats.MinuteKey(clock.Now().Add(-retention))
	res, err := s.db.ExecContext(ctx, `DELETE FROM traffic_stats WHERE minute < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindStorage, "cleanup")
	}
	return res.RowsAffected()
}

// PurgeBackend removes all persisted data for a backend. Used by the
// operator-facing purge, which also clears the realtime store.
func (s *Store) PurgeBackend(ctx context.Context, backendID int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM traffic_stats WHERE backend_id = ?`, backendID); err != nil {
		return errors.Wrap(err, errors.KindStorage, "purge traffic")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM country_stats WHERE backend_id = ?`, backendID); err != nil {
		return errors.Wrap(err, errors.KindStorage, "purge countries")
	}
	return nil
}
