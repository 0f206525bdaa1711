// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

// Package metrics exposes Prometheus instrumentation for the hub:
// connection lifecycle, room membership, event fan-out, delivery
// outcomes, and durable store operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "casewire_connections_active",
			Help: "Current number of open websocket connections",
		},
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casewire_connections_total",
			Help: "Total connection attempts by handshake outcome",
		},
		[]string{"outcome"}, // "accepted", "auth_error", "timeout"
	)

	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "casewire_connection_duration_seconds",
			Help:    "Lifetime of closed websocket connections",
			Buckets: []float64{1, 10, 60, 300, 1800, 3600, 14400},
		},
	)

	// Room metrics
	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "casewire_rooms_active",
			Help: "Current number of rooms with at least one member",
		},
	)

	// Fan-out metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casewire_events_published_total",
			Help: "Total events published through the fan-out router",
		},
		[]string{"type"},
	)

	EventsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casewire_events_delivered_total",
			Help: "Total event frames delivered to live connections",
		},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casewire_events_dropped_total",
			Help: "Event frames not delivered to a live recipient",
		},
		[]string{"reason"}, // "slow_consumer", "closed"
	)

	DeliveryTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casewire_delivery_timeouts_total",
			Help: "Connections force-closed because a frame write timed out",
		},
	)

	// Store metrics
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "casewire_store_op_duration_seconds",
			Help:    "Duration of durable store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"store", "op"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casewire_store_errors_total",
			Help: "Total durable store operation failures",
		},
		[]string{"store", "op"},
	)

	StoreBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "casewire_store_breaker_open",
			Help: "Whether the store circuit breaker is open (1) or closed (0)",
		},
	)

	// Presence metrics
	PresenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casewire_presence_transitions_total",
			Help: "Presence state machine transitions",
		},
		[]string{"to"},
	)
)

// ObserveStoreOp records the duration of a store operation and counts the
// failure if err is non-nil.
func ObserveStoreOp(store, op string, start time.Time, err error) {
	StoreOpDuration.WithLabelValues(store, op).Observe(time.Since(start).Seconds())
	if err != nil {
		StoreErrors.WithLabelValues(store, op).Inc()
	}
}
