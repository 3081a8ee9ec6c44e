// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api serves the read side: merged persisted-plus-realtime traffic
// statistics over HTTP, live updates over WebSocket, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/proxwatch/internal/brand"
	"grimm.is/proxwatch/internal/errors"
	"grimm.is/proxwatch/internal/logging"
	"grimm.is/proxwatch/internal/stats"
)

// StatsStore is the persisted query surface the server reads through.
type StatsStore interface {
	GetSummary(ctx context.Context, backendID int) (stats.SummaryRow, error)
	GetTopDomains(ctx context.Context, backendID, limit int) ([]stats.DomainRow, error)
	GetTopDomainsPaginated(ctx context.Context, backendID, page, pageSize int, key stats.SortKey) ([]stats.DomainRow, error)
	GetTopIPs(ctx context.Context, backendID, limit int) ([]stats.IPRow, error)
	GetTopIPsPaginated(ctx context.Context, backendID, page, pageSize int, key stats.SortKey) ([]stats.IPRow, error)
	GetProxyStats(ctx context.Context, backendID int) ([]stats.ProxyRow, error)
	GetRuleStats(ctx context.Context, backendID int) ([]stats.RuleRow, error)
	GetDeviceStats(ctx context.Context, backendID int) ([]stats.DeviceRow, error)
	GetCountryStats(ctx context.Context, backendID int) ([]stats.CountryRow, error)
	GetTrafficTrend(ctx context.Context, backendID int, since time.Time) ([]stats.TrendPoint, error)
	PurgeBackend(ctx context.Context, backendID int) error
}

// Backend is one configured backend as the API reports it.
type Backend struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Server handles API requests.
type Server struct {
	store          StatsStore
	realtime       *stats.RealtimeStore
	rates          *stats.RateTracker
	hub            *Hub
	backends       []Backend
	registry       *prometheus.Registry
	staleTolerance time.Duration
	logger         *logging.Logger

	httpServer *http.Server
}

// Config configures the server.
type Config struct {
	Listen   string
	Store    StatsStore
	Realtime *stats.RealtimeStore
	Rates    *stats.RateTracker
	Hub      *Hub
	Backends []Backend
	Registry *prometheus.Registry

	// StaleTolerance bounds how far in the past a query window may end
	// while unflushed realtime deltas are still merged into the response.
	// Zero selects the default.
	StaleTolerance time.Duration
}

// NewServer builds the server and its router.
func NewServer(cfg Config) *Server {
	if cfg.StaleTolerance <= 0 {
		cfg.StaleTolerance = defaultStaleTolerance
	}
	s := &Server{
		store:          cfg.Store,
		realtime:       cfg.Realtime,
		rates:          cfg.Rates,
		hub:            cfg.Hub,
		backends:       cfg.Backends,
		registry:       cfg.Registry,
		staleTolerance: cfg.StaleTolerance,
		logger:         logging.WithComponent("api"),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if s.hub != nil {
		r.Handle("/api/ws", s.hub)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/backends", s.handleBackends).Methods(http.MethodGet)

	b := api.PathPrefix("/backends/{id:[0-9]+}").Subrouter()
	b.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)
	b.HandleFunc("/rate", s.handleRate).Methods(http.MethodGet)
	b.HandleFunc("/domains", s.handleDomains).Methods(http.MethodGet)
	b.HandleFunc("/ips", s.handleIPs).Methods(http.MethodGet)
	b.HandleFunc("/proxies", s.handleProxies).Methods(http.MethodGet)
	b.HandleFunc("/rules", s.handleRules).Methods(http.MethodGet)
	b.HandleFunc("/countries", s.handleCountries).Methods(http.MethodGet)
	b.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
	b.HandleFunc("/trend", s.handleTrend).Methods(http.MethodGet)
	b.HandleFunc("/purge", s.handlePurge).Methods(http.MethodPost)

	return r
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info("API server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": brand.LowerName,
	})
}

// WriteJSON writes a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON error envelope.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps domain error kinds onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	s.logger.Error("Request failed", "error", err)
	switch errors.GetKind(err) {
	case errors.KindValidation:
		WriteError(w, http.StatusBadRequest, err.Error())
	case errors.KindNotFound:
		WriteError(w, http.StatusNotFound, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
