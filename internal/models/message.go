// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

package models

import "time"

// MessageType classifies a chat message body.
type MessageType string

// Chat message types.
const (
	MessageText   MessageType = "text"
	MessageFile   MessageType = "file"
	MessageImage  MessageType = "image"
	MessageSystem MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageFile, MessageImage, MessageSystem:
		return true
	}
	return false
}

// Message is one row of a conversation. Sequence is assigned at write time
// and is strictly monotonic per conversation; clients rely on it as the
// ordering invariant. Edits and deletions mark the row in place and never
// remove it, preserving ordering and auditability.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	ReplyToID      string      `json:"replyToId,omitempty"`
	Sequence       uint64      `json:"sequence"`
	CreatedAt      time.Time   `json:"createdAt"`
	EditedAt       *time.Time  `json:"editedAt,omitempty"`
	Deleted        bool        `json:"deleted"`
}

// TypingIndicator is ephemeral and never persisted. A typing state that
// stops being refreshed is treated as cleared after a short timeout even
// without an explicit stop.
type TypingIndicator struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// MessagePage is one page of a conversation backfill, ordered by sequence.
type MessagePage struct {
	Messages []Message `json:"messages"`
	AfterSeq uint64    `json:"afterSeq"`
	Limit    int       `json:"limit"`
}
