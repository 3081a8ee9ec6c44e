// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package geoip resolves destination IPs to countries. Resolution is
// best-effort enrichment: every failure path degrades to "no location" and
// must never block traffic accounting.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"

	"grimm.is/proxwatch/internal/errors"
	"grimm.is/proxwatch/internal/logging"
)

// Location is a resolved country for one IP.
type Location struct {
	Country     string `json:"country"`      // ISO code
	CountryName string `json:"country_name"`
	Continent   string `json:"continent"`
}

// Resolver looks up the location of an IP. A nil Location with nil error
// means "unknown", which callers treat the same as a failed lookup.
type Resolver interface {
	Lookup(ctx context.Context, ip string) (*Location, error)
}

// MMDBResolver resolves against a local MaxMind database.
type MMDBResolver struct {
	reader *geoip2.Reader
}

// OpenMMDB opens a GeoLite2/GeoIP2 country database.
func OpenMMDB(path string) (*MMDBResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to open geoip database")
	}
	return &MMDBResolver{reader: reader}, nil
}

// Lookup resolves via the local database.
func (r *MMDBResolver) Lookup(_ context.Context, ip string) (*Location, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, nil
	}
	record, err := r.reader.Country(parsed)
	if err != nil {
		return nil, err
	}
	if record.Country.IsoCode == "" {
		return nil, nil
	}
	return &Location{
		Country:     record.Country.IsoCode,
		CountryName: record.Country.Names["en"],
		Continent:   record.Continent.Code,
	}, nil
}

// Close releases the database.
func (r *MMDBResolver) Close() error {
	return r.reader.Close()
}

// HTTPResolver resolves through an ipapi.co-style JSON endpoint. Used when
// no local database is configured.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
}

// NewHTTPResolver creates a resolver against the given base URL.
func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type httpLocation struct {
	Country       string `json:"country"`
	CountryName   string `json:"country_name"`
	ContinentCode string `json:"continent_code"`
}

// Lookup resolves via the HTTP endpoint.
func (r *HTTPResolver) Lookup(ctx context.Context, ip string) (*Location, error) {
	url := fmt.Sprintf("%s/%s/json/", r.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf(errors.KindUnavailable, "geoip endpoint returned %d", resp.StatusCode)
	}

	var loc httpLocation
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return nil, err
	}
	if loc.Country == "" {
		return nil, nil
	}
	return &Location{
		Country:     loc.Country,
		CountryName: loc.CountryName,
		Continent:   loc.ContinentCode,
	}, nil
}

// CachedResolver memoizes lookups, including misses, since destination IPs
// repeat heavily across snapshots.
type CachedResolver struct {
	inner      Resolver
	mu         sync.Mutex
	cache      map[string]*Location // nil value caches a miss
	maxEntries int
	logger     *logging.Logger
}

// NewCachedResolver wraps a resolver with an in-memory cache.
func NewCachedResolver(inner Resolver, maxEntries int) *CachedResolver {
	if maxEntries <= 0 {
		maxEntries = 65536
	}
	return &CachedResolver{
		inner:      inner,
		cache:      make(map[string]*Location),
		maxEntries: maxEntries,
		logger:     logging.WithComponent("geoip"),
	}
}

// Lookup consults the cache first; errors from the inner resolver are not
// cached so a transient failure can succeed later.
func (c *CachedResolver) Lookup(ctx context.Context, ip string) (*Location, error) {
	c.mu.Lock()
	if loc, ok := c.cache[ip]; ok {
		c.mu.Unlock()
		return loc, nil
	}
	c.mu.Unlock()

	loc, err := c.inner.Lookup(ctx, ip)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if len(c.cache) >= c.maxEntries {
		// Wholesale reset; simpler than LRU bookkeeping and rare in practice.
		c.logger.Debug("Resetting geoip cache", "entries", len(c.cache))
		c.cache = make(map[string]*Location)
	}
	c.cache[ip] = loc
	c.mu.Unlock()

	return loc, nil
}
