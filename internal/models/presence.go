// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

package models

import "time"

// PresenceStatus is a user's live availability.
type PresenceStatus string

// Presence states. Online/away/busy all imply at least one open
// connection; offline means none (after the reconnect grace period).
const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is a known presence status.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// PresenceRecord is the single shared record for a user across all of
// that user's simultaneous connections. Mutated only by the presence
// tracker.
type PresenceRecord struct {
	UserID      string         `json:"userId"`
	TenantID    string         `json:"tenantId"`
	Status      PresenceStatus `json:"status"`
	LastSeen    time.Time      `json:"lastSeen"`
	CurrentPage string         `json:"currentPage,omitempty"`
}

// Identity is the verified principal bound to a connection at handshake.
// Supplied by the external authenticator; immutable for the connection's
// lifetime.
type Identity struct {
	UserID      string `json:"userId"`
	TenantID    string `json:"tenantId"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
}
