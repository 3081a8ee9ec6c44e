// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command proxwatch aggregates live traffic statistics from proxy gateway
// backends and serves them over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/proxwatch/internal/api"
	"grimm.is/proxwatch/internal/brand"
	"grimm.is/proxwatch/internal/config"
	"grimm.is/proxwatch/internal/geoip"
	"grimm.is/proxwatch/internal/logging"
	"grimm.is/proxwatch/internal/metrics"
	"grimm.is/proxwatch/internal/pipeline"
	"grimm.is/proxwatch/internal/stats"
	"grimm.is/proxwatch/internal/storage"
)

var version = "dev"

const cleanupInterval = time.Hour

func main() {
	configPath := flag.String("config", brand.ConfigFileName, "path to configuration file")
	printExample := flag.Bool("example-config", false, "print an example configuration and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", brand.BinaryName, version)
		return
	}
	if *printExample {
		fmt.Print(config.Example())
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", brand.BinaryName, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.Logging.Level)
	logCfg.JSON = cfg.Logging.JSON
	logCfg.LogDir = cfg.Logging.Dir
	logCfg.Console = cfg.Logging.Console || cfg.Logging.Dir == ""
	logging.SetDefault(logging.New(logCfg))
	logger := logging.WithComponent("main")
	logger.Info("Starting", "service", brand.LowerName, "version", version, "backends", len(cfg.Backends))

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	resolver, err := buildResolver(cfg.GeoIP)
	if err != nil {
		return err
	}

	retention := cfg.Storage.RetentionMinutes
	if retention <= 0 {
		retention = stats.DefaultRetentionMinutes
	}
	if retention < stats.MinRetentionMinutes {
		retention = stats.MinRetentionMinutes
	}

	buffer := stats.NewBatchBuffer()
	realtime := stats.NewRealtimeStore(retention)
	rates := stats.NewRateTracker()
	defer rates.Stop()

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics()
	m.Register(registry)

	hub := api.NewHub()

	var pipelines []*pipeline.Pipeline
	var backends []api.Backend
	for _, b := range cfg.Backends {
		p, err := pipeline.New(pipeline.Config{
			BackendID:         b.ID,
			URL:               b.URL,
			Token:             b.Token,
			FlushInterval:     cfg.FlushInterval(),
			FlushThreshold:    cfg.Pipeline.FlushThreshold,
			ReconnectInterval: cfg.ReconnectInterval(),
		}, pipeline.Deps{
			Writer:   store,
			Buffer:   buffer,
			Realtime: realtime,
			Rates:    rates,
			Geo:      resolver,
			Metrics:  m,
			OnUpdate: func(backendID int) {
				hub.Broadcast(api.Update{Type: "traffic", BackendID: backendID})
			},
		})
		if err != nil {
			return err
		}
		pipelines = append(pipelines, p)
		backends = append(backends, api.Backend{ID: b.ID, Name: b.Name, URL: b.URL})
	}

	server := api.NewServer(api.Config{
		Listen:   cfg.API.Listen,
		Store:    store,
		Realtime: realtime,
		Rates:    rates,
		Hub:      hub,
		Backends: backends,
		Registry: registry,

		StaleTolerance: cfg.StaleTolerance(),
	})

	for _, p := range pipelines {
		p.Start()
	}

	cleanupDone := make(chan struct{})
	cleanupStop := make(chan struct{})
	go func() {
		defer close(cleanupDone)
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := store.Cleanup(context.Background(), time.Duration(retention)*time.Minute)
				if err != nil {
					logger.Error("Retention cleanup failed", "error", err)
				} else if n > 0 {
					logger.Info("Retention cleanup", "rows_removed", n)
				}
			case <-cleanupStop:
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	close(cleanupStop)
	<-cleanupDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, p := range pipelines {
		p.Stop(shutdownCtx)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown incomplete", "error", err)
	}

	logger.Info("Stopped")
	return nil
}

// buildResolver picks the country resolution mode from config. Both modes
// sit behind the same cache since destination IPs repeat heavily.
func buildResolver(cfg *config.GeoIPConfig) (geoip.Resolver, error) {
	switch {
	case cfg.MMDBPath != "":
		mmdb, err := geoip.OpenMMDB(cfg.MMDBPath)
		if err != nil {
			return nil, err
		}
		return geoip.NewCachedResolver(mmdb, cfg.CacheSize), nil
	case cfg.URL != "":
		return geoip.NewCachedResolver(geoip.NewHTTPResolver(cfg.URL), cfg.CacheSize), nil
	default:
		return nil, nil
	}
}
