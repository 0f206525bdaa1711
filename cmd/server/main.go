// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

// Package main is the entry point for the Casewire hub.
//
// Casewire is the real-time distribution layer of a multi-tenant case
// management product. It accepts WebSocket connections from browser
// clients, fans case events out to the rooms that should see them,
// tracks per-user presence, and keeps durable notification, activity,
// and message backfill in an embedded BadgerDB store.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered defaults, YAML file, CASEWIRE_ env vars (Koanf v2)
//  2. Store: BadgerDB with notification, activity, and message keyspaces
//  3. Fan-out router, presence tracker, and messaging channel
//  4. Connection gateway: WebSocket handshake, auth, and per-client pumps
//  5. NATS relay (optional): cross-instance event forwarding
//  6. HTTP server: backfill REST API, health probes, Prometheus metrics
//
// All long-running components run under a suture supervisor tree and
// restart independently on failure.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (CASEWIRE_SERVER_PORT, ...)
//   - Config file (casewire.yaml, path via CASEWIRE_CONFIG_PATH)
//   - Built-in defaults
//
// CASEWIRE_SECURITY_TOKEN_SECRET is required and must be at least 32
// characters; it verifies the JWTs minted by the case service.
//
// # Signal Handling
//
// The server handles graceful shutdown on SIGINT and SIGTERM:
//   - Stops accepting new connections and closes live WebSockets
//   - Waits for in-flight fan-out deliveries to drain
//   - Closes the BadgerDB store last
//
// # Example Usage
//
//	export CASEWIRE_SECURITY_TOKEN_SECRET=$(openssl rand -base64 32)
//	export CASEWIRE_STORE_DIR=/data/casewire
//	./casewire
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casewire/casewire/internal/api"
	"github.com/casewire/casewire/internal/auth"
	"github.com/casewire/casewire/internal/config"
	"github.com/casewire/casewire/internal/fanout"
	"github.com/casewire/casewire/internal/logging"
	"github.com/casewire/casewire/internal/messaging"
	"github.com/casewire/casewire/internal/models"
	"github.com/casewire/casewire/internal/presence"
	"github.com/casewire/casewire/internal/registry"
	"github.com/casewire/casewire/internal/store"
	"github.com/casewire/casewire/internal/supervisor"
	"github.com/casewire/casewire/internal/ws"
)

// gatewaySender breaks the construction cycle between the fan-out
// router and the gateway: the router needs a Sender before the gateway
// exists, and the gateway needs the presence tracker, which needs the
// router. The gw field is set once during wiring, before any component
// publishes.
type gatewaySender struct {
	gw *ws.Gateway
}

func (s *gatewaySender) Send(connID registry.ConnID, event models.Event) error {
	return s.gw.Send(connID, event)
}

func main() {
	// Load configuration first to get logging settings.
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("addr", cfg.Server.Addr()).
		Str("store_dir", cfg.Store.Dir).
		Bool("store_in_memory", cfg.Store.InMemory).
		Bool("nats_enabled", cfg.NATS.Enabled).
		Msg("Configuration loaded")

	db, err := store.Open(store.Options{Dir: cfg.Store.Dir, InMemory: cfg.Store.InMemory})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()
	logging.Info().Msg("Store opened")

	verifier, err := auth.NewTokenVerifier(cfg.Security.TokenSecret)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize token verifier")
	}

	access := auth.OpenAccess{}

	notifications := store.NewNotificationStore(db)
	activity := store.NewActivityLog(db, access)
	messages := store.NewMessageLog(db)

	reg := registry.New()

	// The sender is filled in after the gateway exists; see gatewaySender.
	sender := &gatewaySender{}
	router := fanout.New(reg, sender, notifications, activity)
	tracker := presence.NewTracker(router, presence.Config{
		AwayTimeout:  cfg.Presence.AwayTimeout,
		OfflineGrace: cfg.Presence.OfflineGrace,
	})
	channel := messaging.NewChannel(messages, router)
	gateway := ws.NewGateway(verifier, reg, tracker, access, channel)
	sender.gw = gateway

	ready := func(_ context.Context) error {
		if db.IsClosed() {
			return store.ErrUnavailable
		}
		return nil
	}
	handler := api.NewHandler(notifications, activity, channel, tracker, gateway, access, cfg.API, ready)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(cfg.Server, verifier, handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	tree.AddMessagingService(gateway)
	tree.AddMessagingService(presence.NewSweeper(tracker, cfg.Presence.SweepInterval))
	tree.AddMessagingService(messaging.NewTypingSweeper(channel, cfg.Presence.TypingSweepInterval))
	tree.AddMessagingService(store.NewPruner(
		notifications, activity,
		cfg.Store.NotificationTTL, cfg.Store.ActivityRetention, cfg.Store.PruneInterval,
	))

	// NewNATSBridge attaches itself to the router as the relay.
	var bridge *fanout.NATSBridge
	if cfg.NATS.Enabled {
		bridge, err = fanout.NewNATSBridge(router, cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to connect NATS relay")
		}
		tree.AddMessagingService(bridge)
		logging.Info().Str("url", cfg.NATS.URL).Str("subject", cfg.NATS.Subject).Msg("NATS relay enabled")
	}

	tree.AddAPIService(supervisor.NewHTTPService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	// Let in-flight deliveries finish before the deferred db.Close.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer drainCancel()
	if err := router.Drain(drainCtx); err != nil {
		logging.Warn().Err(err).Msg("Fan-out drain timed out")
	}
	if bridge != nil {
		bridge.Close()
	}

	logging.Info().Msg("Casewire stopped gracefully")
}
