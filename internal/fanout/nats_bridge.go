// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

package fanout

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/casewire/casewire/internal/logging"
	"github.com/casewire/casewire/internal/models"
)

// DefaultRelaySubject carries published events between hub instances.
// Each instance delivers to its own local connections; persistence
// happens once, on the originating instance.
const DefaultRelaySubject = "casewire.events"

// relayFrame is the cross-instance wire format.
type relayFrame struct {
	Origin string         `json:"origin"`
	Event  models.Event   `json:"event"`
	Scopes []string       `json:"scopes"`
}

// NATSBridge connects a router to peer hub instances over NATS. Outbound,
// it implements Relay for the local router; inbound, it subscribes to the
// relay subject and fans peer events out to local connections.
type NATSBridge struct {
	router   *Router
	conn     *nats.Conn
	subject  string
	instance string
}

// NewNATSBridge dials NATS and attaches the bridge to the router. An
// empty subject uses DefaultRelaySubject.
func NewNATSBridge(router *Router, url, subject string) (*NATSBridge, error) {
	if subject == "" {
		subject = DefaultRelaySubject
	}
	conn, err := nats.Connect(url,
		nats.Name("casewire-hub"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	b := &NATSBridge{
		router:   router,
		conn:     conn,
		subject:  subject,
		instance: uuid.New().String(),
	}
	router.SetRelay(b)
	return b, nil
}

// Forward implements Relay: publish the event to peer instances.
func (b *NATSBridge) Forward(event models.Event, scopes []models.RoomKey) error {
	frame := relayFrame{
		Origin: b.instance,
		Event:  event,
		Scopes: make([]string, 0, len(scopes)),
	}
	for _, s := range scopes {
		frame.Scopes = append(frame.Scopes, s.String())
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal relay frame: %w", err)
	}
	return b.conn.Publish(b.subject, data)
}

// Serve subscribes to the relay subject and delivers peer events to local
// connections until the context is canceled. Implements suture.Service.
func (b *NATSBridge) Serve(ctx context.Context) error {
	inbox := make(chan *nats.Msg, 256)
	sub, err := b.conn.ChanSubscribe(b.subject, inbox)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	logging.Info().Str("subject", b.subject).Msg("nats relay bridge started")

	for {
		select {
		case <-ctx.Done():
			logging.Info().Str("component", "nats-bridge").Msg("nats relay bridge stopped")
			return ctx.Err()
		case msg := <-inbox:
			b.handle(msg.Data)
		}
	}
}

// handle decodes one relay frame and fans it out locally. Frames from
// this instance are skipped; the local router already delivered them.
func (b *NATSBridge) handle(data []byte) {
	var frame relayFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		logging.Warn().Err(err).Msg("malformed relay frame dropped")
		return
	}
	if frame.Origin == b.instance {
		return
	}

	scopes := make([]models.RoomKey, 0, len(frame.Scopes))
	for _, raw := range frame.Scopes {
		key, err := models.ParseRoomKey(raw)
		if err != nil {
			logging.Warn().Err(err).Str("scope", raw).Msg("relay frame with bad scope dropped")
			return
		}
		scopes = append(scopes, key)
	}

	b.router.DeliverLocal(frame.Event, scopes...)
}

// String implements fmt.Stringer for supervisor logging.
func (b *NATSBridge) String() string { return "nats-bridge" }

// Close releases the NATS connection after the subscriber has stopped.
func (b *NATSBridge) Close() {
	b.conn.Close()
}
