// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

// Package fanout routes published events to the live connections of their
// target rooms and writes notification/activity events through to the
// durable stores.
//
// Ordering: publishes to the same room are serialized through a per-room
// mutex, so each live member observes them in publish order. Publishes to
// different rooms proceed concurrently. No cross-room ordering is
// guaranteed.
//
// Delivery is best-effort per recipient: a connection that cannot accept
// a frame is dropped by the gateway, never stalling the publisher or
// failing the publish. Persistence failures do fail the publish so the
// producer can retry (at-least-once; a retry may re-deliver live frames).
package fanout

import (
	"context"
	"fmt"
	"sync"

	"github.com/casewire/casewire/internal/logging"
	"github.com/casewire/casewire/internal/metrics"
	"github.com/casewire/casewire/internal/models"
	"github.com/casewire/casewire/internal/registry"
	"github.com/casewire/casewire/internal/store"
)

// Memberships resolves the current live members of a room.
// Implemented by *registry.Registry.
type Memberships interface {
	MembersOf(room models.RoomKey) []registry.ConnID
}

// Sender enqueues one event frame on one live connection. Implemented by
// the gateway. An error means the frame was not accepted (connection
// closed or send buffer full); the gateway handles disposal of the
// connection, the router only records the drop.
type Sender interface {
	Send(connID registry.ConnID, event models.Event) error
}

// NotificationAppender persists notification events.
type NotificationAppender interface {
	Append(ctx context.Context, n *models.Notification) error
}

// ActivityAppender persists activity events.
type ActivityAppender interface {
	Append(ctx context.Context, e *models.ActivityEvent) error
}

// Relay forwards published events to peer hub instances. Optional.
type Relay interface {
	Forward(event models.Event, scopes []models.RoomKey) error
}

// Router is the event fan-out hub. Create with New, then Publish from any
// producer goroutine.
type Router struct {
	members       Memberships
	sender        Sender
	notifications NotificationAppender
	activity      ActivityAppender
	breaker       *storeBreaker
	relay         Relay

	// roomLocks serializes publishes per room key.
	roomLocks sync.Map // models.RoomKey -> *sync.Mutex

	// inflight tracks active publishes for shutdown draining.
	inflight sync.WaitGroup
}

// New creates a router. notifications and activity may be nil in tests
// that exercise delivery only; persistent events then fail to publish.
func New(members Memberships, sender Sender, notifications NotificationAppender, activity ActivityAppender) *Router {
	return &Router{
		members:       members,
		sender:        sender,
		notifications: notifications,
		activity:      activity,
		breaker:       newStoreBreaker(),
	}
}

// SetRelay attaches a cross-instance relay. Must be called before the
// first Publish.
func (r *Router) SetRelay(relay Relay) {
	r.relay = relay
}

// Publish resolves the target rooms, persists the event when its type
// requires it, and delivers it to every live member of each room.
// Returns store.ErrUnavailable when a required durable write failed;
// live delivery problems never fail the publish.
func (r *Router) Publish(ctx context.Context, event models.Event, scopes ...models.RoomKey) error {
	if len(scopes) == 0 {
		return fmt.Errorf("publish requires at least one target scope")
	}
	if !event.Type.Valid() {
		return fmt.Errorf("unknown event type %q", event.Type)
	}

	r.inflight.Add(1)
	defer r.inflight.Done()

	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()

	// Persist before delivering. Persistence happens exactly once per
	// publish regardless of how many rooms the event targets, and
	// unconditionally for notification/activity types so offline and
	// reconnecting clients can backfill.
	if event.Type.Persistent() {
		if err := r.persist(ctx, event); err != nil {
			return err
		}
	}

	for _, scope := range scopes {
		r.deliver(event, scope)
	}

	if r.relay != nil {
		if err := r.relay.Forward(event, scopes); err != nil {
			// Peer instances fall back to backfill; local delivery and
			// persistence already succeeded.
			logging.Warn().Err(err).Str("event", event.ID).Msg("relay forward failed")
		}
	}
	return nil
}

// DeliverLocal fans an event out to local connections only, without
// persistence or relay. Used by the relay bridge for events originating
// on a peer instance, which already persisted them.
func (r *Router) DeliverLocal(event models.Event, scopes ...models.RoomKey) {
	r.inflight.Add(1)
	defer r.inflight.Done()

	for _, scope := range scopes {
		r.deliver(event, scope)
	}
}

// deliver sends the event to every live member of one room, serialized
// against other publishes to the same room.
func (r *Router) deliver(event models.Event, scope models.RoomKey) {
	mu := r.roomLock(scope)
	mu.Lock()
	defer mu.Unlock()

	event.TargetScope = scope.String()

	conns := r.members.MembersOf(scope)
	for _, connID := range conns {
		if err := r.sender.Send(connID, event); err != nil {
			// Best-effort: the gateway disposes of the connection.
			metrics.EventsDropped.WithLabelValues("send_failed").Inc()
			logging.Debug().
				Err(err).
				Uint64("conn_id", uint64(connID)).
				Str("room", scope.String()).
				Msg("recipient dropped from delivery")
			continue
		}
		metrics.EventsDelivered.Inc()
	}
}

// persist writes the event through to its durable store behind the
// circuit breaker. Failures map to store.ErrUnavailable.
func (r *Router) persist(ctx context.Context, event models.Event) error {
	return r.breaker.execute(func() error {
		switch event.Type {
		case models.EventNotificationNew:
			n, ok := event.Payload.(*models.Notification)
			if !ok || r.notifications == nil {
				return fmt.Errorf("%w: notification event without notification payload", store.ErrUnavailable)
			}
			return r.notifications.Append(ctx, n)
		case models.EventActivityNew:
			e, ok := event.Payload.(*models.ActivityEvent)
			if !ok || r.activity == nil {
				return fmt.Errorf("%w: activity event without activity payload", store.ErrUnavailable)
			}
			return r.activity.Append(ctx, e)
		default:
			return nil
		}
	})
}

// roomLock returns the mutex serializing publishes to one room.
func (r *Router) roomLock(scope models.RoomKey) *sync.Mutex {
	if mu, ok := r.roomLocks.Load(scope); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := r.roomLocks.LoadOrStore(scope, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Drain blocks until all in-flight publishes complete or the context
// expires. Called during shutdown before the stores close.
func (r *Router) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
