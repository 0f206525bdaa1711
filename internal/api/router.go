// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/casewire/casewire/internal/auth"
	"github.com/casewire/casewire/internal/config"
)

// NewRouter builds the chi route tree: health and metrics without auth,
// the websocket upgrade with in-band auth, and the REST backfill routes
// behind bearer-token verification.
func NewRouter(cfg config.ServerConfig, verifier *auth.TokenVerifier, handler *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Get("/live", handler.HealthLive)
		r.Get("/ready", handler.HealthReady)
	})

	r.Handle("/metrics", promhttp.Handler())

	// The upgrade endpoint authenticates in-band; rate limiting here only
	// bounds handshake attempts.
	r.With(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow)).
		Get("/api/v1/ws", handler.WebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))
		r.Use(authenticate(verifier))

		r.Get("/notifications", handler.Notifications)
		r.Put("/notifications", handler.NotificationsAction)
		r.Get("/activity", handler.Activity)
		r.Get("/messages", handler.Messages)
		r.Get("/presence", handler.Presence)
	})

	return r
}
