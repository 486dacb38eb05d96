package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetdeck.control/internal/adapters/forge"
	http_handler "fleetdeck.control/internal/adapters/handler/http"
	"fleetdeck.control/internal/adapters/remote"
	"fleetdeck.control/internal/adapters/store"
	"fleetdeck.control/internal/config"
	"fleetdeck.control/internal/core/logger"
	"fleetdeck.control/internal/core/services"
	"fleetdeck.control/internal/core/tracing"
)

const version = "0.1.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Initialize structured logger
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting FleetDeck Control Server", "version", version, "state_dir", cfg.StateDir)

	// Initialize tracing
	var shutdownTracing func(context.Context) error
	if cfg.EnableTracing {
		shutdownTracing, err = tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("Failed to initialize tracing", "error", err)
		} else {
			logger.Info("Tracing initialized", "endpoint", cfg.OTLPEndpoint)
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Error("Failed to shutdown tracing", "error", err)
				}
			}()
		}
	}

	// Shared state store; missing files are treated as empty state, so
	// the server comes up even against a cold directory.
	st := store.NewStore(cfg.StateDir)

	forgeClient := forge.NewClient(forge.Options{
		APIURL:       cfg.ForgeAPIURL,
		AuthURL:      cfg.ForgeAuthURL,
		Repo:         cfg.ForgeRepo,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		ServerToken:  cfg.ServerToken,
	})

	// Initialize domain services
	aggregator := services.NewAggregator(st, cfg.Lookback)
	dora := services.NewDora(cfg.DoraPeriodDays)
	claims := services.NewClaims(forgeClient, st)
	alerts := services.NewAlerts(claims)
	machines := services.NewMachines(st, remote.NewSSH(cfg.SSHUser), cfg.BaseURL)
	presence := services.NewPresence(st)
	health := services.NewHealth(cfg.StateDir, st, version)

	authMode := services.AuthDisabled
	switch {
	case cfg.ClientID != "" && cfg.ClientSecret != "":
		authMode = services.AuthDelegated
	case cfg.ServerToken != "":
		authMode = services.AuthDirect
	}
	sessions := services.NewSessions(st, forgeClient, authMode, cfg.AllowedPerms)
	logger.Info("Auth configured", "mode", string(authMode))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Realtime hub, fed by file-change notifications plus a floor-rate
	// ticker so observers converge even if a write is missed.
	hub := http_handler.NewHub(aggregator.Aggregate)
	changes, err := st.Watch(ctx.Done())
	if err != nil {
		logger.Warn("File watcher unavailable, falling back to interval polling", "error", err)
		changes = nil
	}
	go hub.Run(ctx, cfg.PushInterval, changes)

	// Background maintenance loops
	go every(ctx, cfg.ReapInterval, func() { claims.ReapStale(ctx) })
	go every(ctx, cfg.CleanupInterval, func() {
		machines.CleanupJoinTokens()
		presence.CleanupInvites()
	})

	httpServer := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: http_handler.NewServer(http_handler.Deps{
			Aggregator: aggregator,
			Dora:       dora,
			Alerts:     alerts,
			Claims:     claims,
			Machines:   machines,
			Presence:   presence,
			Sessions:   sessions,
			Health:     health,
			Store:      st,
			Hub:        hub,
			Lookback:   cfg.Lookback,
		}).Handler(),
	}

	go func() {
		logger.Info("HTTP Server starting", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			log.Fatalf("failed to serve http: %v", err)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
