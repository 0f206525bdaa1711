// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

// Package models defines the shared data model of the hub: the wire event
// envelope, room keys, identities, notifications, activity events, chat
// messages, and presence records.
package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a live event delivered over a connection. The same
// envelope shape is used as the persisted record for types that write
// through to a durable store.
type EventType string

// Live event types delivered to clients.
const (
	EventNotificationNew EventType = "notification:new"
	EventMessageNew      EventType = "message:new"
	EventMessageEdited   EventType = "message:edited"
	EventMessageDeleted  EventType = "message:deleted"
	EventMessageTyping   EventType = "message:typing"
	EventActivityNew     EventType = "activity:new"
	EventPresenceUpdate  EventType = "presence:update"
)

// Valid reports whether t is a known live event type.
func (t EventType) Valid() bool {
	switch t {
	case EventNotificationNew, EventMessageNew, EventMessageEdited,
		EventMessageDeleted, EventMessageTyping, EventActivityNew,
		EventPresenceUpdate:
		return true
	}
	return false
}

// Persistent reports whether events of this type must be written through
// to a durable store on publish. Notification and activity events are
// persisted unconditionally so that offline and reconnecting clients can
// backfill them; everything else is ephemeral.
func (t EventType) Persistent() bool {
	return t == EventNotificationNew || t == EventActivityNew
}

// Event is the wire envelope used both over the live connection and as the
// persisted record shape.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Payload     any       `json:"payload,omitempty"`
	TargetScope string    `json:"targetScope"`
	SenderID    string    `json:"senderId,omitempty"`
	Priority    Priority  `json:"priority,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewEvent builds an envelope with a fresh ID and timestamp. TargetScope
// is stamped by the router when the event is resolved to a room.
func NewEvent(t EventType, payload any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}
