// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

package ws

import "github.com/goccy/go-json"

// Frame is the client-to-server control message. The first frame on a
// connection must be an auth frame; anything else is rejected before the
// handshake completes.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client frame types.
const (
	FrameAuth        = "auth"
	FrameHeartbeat   = "heartbeat"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameStatus      = "status"
	FrameTyping      = "typing"
)

// Server control frame types. Live events are sent as models.Event
// envelopes, not control frames.
const (
	FrameConnected = "connected"
	FrameAuthError = "auth_error"
	FrameError     = "error"
)

// ControlFrame is the server-to-client control message.
type ControlFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// AuthPayload carries the opaque handshake token.
type AuthPayload struct {
	Token string `json:"token"`
}

// SubscribePayload names a room to join or leave.
type SubscribePayload struct {
	Room string `json:"room"`
}

// StatusPayload carries an explicit presence update. Either field may be
// empty to leave it unchanged.
type StatusPayload struct {
	Status string `json:"status,omitempty"`
	Page   string `json:"page,omitempty"`
}

// TypingPayload carries an ephemeral typing state change.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}
