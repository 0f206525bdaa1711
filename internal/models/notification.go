// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

package models

import "time"

// Priority ranks a notification for client-side presentation.
type Priority string

// Notification priorities.
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Notification is a durable per-user record with read/unread state. The
// payload is immutable once created; only the read state and existence may
// change, and only at the recipient's request.
type Notification struct {
	ID              string     `json:"id"`
	RecipientID     string     `json:"recipientId"`
	TenantID        string     `json:"tenantId"`
	Type            string     `json:"type"`
	Title           string     `json:"title"`
	Body            string     `json:"body"`
	SenderID        string     `json:"senderId,omitempty"`
	RelatedEntityID string     `json:"relatedEntityId,omitempty"`
	Priority        Priority   `json:"priority"`
	IsRead          bool       `json:"isRead"`
	ReadAt          *time.Time `json:"readAt,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Expired reports whether the notification has passed its expiry, if any.
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && now.After(*n.ExpiresAt)
}

// NotificationFilter narrows a per-user notification backfill.
type NotificationFilter struct {
	UnreadOnly bool
	Type       string
	Limit      int
	Offset     int
}

// NotificationPage is one page of a notification backfill, with the
// recipient's current unread count for badge rendering.
type NotificationPage struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unreadCount"`
	Limit         int            `json:"limit"`
	Offset        int            `json:"offset"`
}
