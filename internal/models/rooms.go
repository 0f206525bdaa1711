// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

package models

import (
	"fmt"
	"strings"
)

// RoomKind is the scope class of a room.
type RoomKind string

// Room scope classes. Tenant and user rooms are joined automatically at
// handshake; case and conversation rooms require an authorization witness.
const (
	RoomTenant       RoomKind = "tenant"
	RoomUser         RoomKind = "user"
	RoomCase         RoomKind = "case"
	RoomConversation RoomKind = "conversation"
)

// RoomKey identifies a logical broadcast group, e.g. "tenant:t1" or
// "conversation:c42". The zero value is invalid.
type RoomKey string

// TenantRoom returns the room key for a tenant-wide broadcast group.
func TenantRoom(tenantID string) RoomKey {
	return RoomKey(string(RoomTenant) + ":" + tenantID)
}

// UserRoom returns the room key for a user's private broadcast group.
func UserRoom(userID string) RoomKey {
	return RoomKey(string(RoomUser) + ":" + userID)
}

// CaseRoom returns the room key for a case-scoped broadcast group.
func CaseRoom(caseID string) RoomKey {
	return RoomKey(string(RoomCase) + ":" + caseID)
}

// ConversationRoom returns the room key for a conversation's broadcast group.
func ConversationRoom(conversationID string) RoomKey {
	return RoomKey(string(RoomConversation) + ":" + conversationID)
}

// ParseRoomKey validates a raw room key string from the wire.
func ParseRoomKey(raw string) (RoomKey, error) {
	kind, id, ok := strings.Cut(raw, ":")
	if !ok || id == "" {
		return "", fmt.Errorf("malformed room key %q", raw)
	}
	switch RoomKind(kind) {
	case RoomTenant, RoomUser, RoomCase, RoomConversation:
		return RoomKey(raw), nil
	}
	return "", fmt.Errorf("unknown room kind %q", kind)
}

// Kind returns the scope class of the room key.
func (k RoomKey) Kind() RoomKind {
	kind, _, _ := strings.Cut(string(k), ":")
	return RoomKind(kind)
}

// ID returns the scope identifier part of the room key.
func (k RoomKey) ID() string {
	_, id, _ := strings.Cut(string(k), ":")
	return id
}

// Restricted reports whether joining the room requires an authorization
// witness from the external access checker. Tenant and user rooms are
// granted at handshake from the verified identity itself.
func (k RoomKey) Restricted() bool {
	kind := k.Kind()
	return kind == RoomCase || kind == RoomConversation
}

func (k RoomKey) String() string { return string(k) }
