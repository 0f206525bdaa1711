// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

// Package messaging implements per-conversation ordered delivery of chat
// messages, edits, deletions, and ephemeral typing indicators on top of
// the fan-out router.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/casewire/casewire/internal/models"
	"github.com/casewire/casewire/internal/store"
)

// ErrNotSender is returned when an edit or delete comes from anyone but
// the original sender.
var ErrNotSender = errors.New("only the original sender may modify a message")

// TypingExpiry bounds how long a typing indicator stays active without a
// refresh. A client that stops sending typing heartbeats is treated as
// having stopped typing after this timeout.
const TypingExpiry = 5 * time.Second

// Publisher routes message events. Implemented by *fanout.Router.
type Publisher interface {
	Publish(ctx context.Context, event models.Event, scopes ...models.RoomKey) error
}

// typingKey identifies one user's typing state in one conversation.
type typingKey struct {
	conversationID string
	userID         string
}

// Channel is the conversation messaging service. Sequence assignment is
// delegated to the message log, which allocates atomically with the row
// write; the channel adds sender checks, event publication, and typing
// state.
type Channel struct {
	log       *store.MessageLog
	publisher Publisher

	typingMu sync.Mutex
	typing   map[typingKey]time.Time
}

// NewChannel creates a messaging channel over an open message log.
func NewChannel(log *store.MessageLog, publisher Publisher) *Channel {
	return &Channel{
		log:       log,
		publisher: publisher,
		typing:    make(map[typingKey]time.Time),
	}
}

// Send appends a message to the conversation, assigning the next
// sequence number, and publishes message:new to the conversation room.
// A store failure surfaces as store.ErrUnavailable with no sequence
// consumed.
func (c *Channel) Send(ctx context.Context, conversationID, senderID, content string, msgType models.MessageType, replyTo string) (*models.Message, error) {
	if conversationID == "" || senderID == "" {
		return nil, fmt.Errorf("send requires a conversation and sender")
	}
	if !msgType.Valid() {
		msgType = models.MessageText
	}

	m := &models.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           msgType,
		ReplyToID:      replyTo,
	}
	if err := c.log.Append(ctx, m); err != nil {
		return nil, err
	}

	event := models.NewEvent(models.EventMessageNew, m)
	event.SenderID = senderID
	if err := c.publisher.Publish(ctx, event, models.ConversationRoom(conversationID)); err != nil {
		return nil, err
	}

	// A fresh message supersedes the sender's typing indicator.
	c.clearTyping(conversationID, senderID)
	return m, nil
}

// Edit replaces a message's content, marks the revision, and publishes
// message:edited. Restricted to the original sender; the row keeps its
// sequence position.
func (c *Channel) Edit(ctx context.Context, messageID, editorID, newContent string) (*models.Message, error) {
	m, err := c.log.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != editorID {
		return nil, ErrNotSender
	}

	now := time.Now().UTC()
	m.Content = newContent
	m.EditedAt = &now
	if err := c.log.Update(ctx, m); err != nil {
		return nil, err
	}

	event := models.NewEvent(models.EventMessageEdited, m)
	event.SenderID = editorID
	if err := c.publisher.Publish(ctx, event, models.ConversationRoom(m.ConversationID)); err != nil {
		return nil, err
	}
	return m, nil
}

// Delete marks a message deleted and publishes message:deleted. The row
// is never removed, preserving ordering and auditability; the content is
// blanked so deleted text does not linger in backfills.
func (c *Channel) Delete(ctx context.Context, messageID, requesterID string) (*models.Message, error) {
	m, err := c.log.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != requesterID {
		return nil, ErrNotSender
	}

	now := time.Now().UTC()
	m.Deleted = true
	m.Content = ""
	m.EditedAt = &now
	if err := c.log.Update(ctx, m); err != nil {
		return nil, err
	}

	event := models.NewEvent(models.EventMessageDeleted, m)
	event.SenderID = requesterID
	if err := c.publisher.Publish(ctx, event, models.ConversationRoom(m.ConversationID)); err != nil {
		return nil, err
	}
	return m, nil
}

// Typing publishes an ephemeral typing indicator to the conversation
// room. Nothing is persisted; an active state expires on its own after
// TypingExpiry unless refreshed.
func (c *Channel) Typing(ctx context.Context, conversationID, userID string, isTyping bool) error {
	c.typingMu.Lock()
	key := typingKey{conversationID: conversationID, userID: userID}
	if isTyping {
		c.typing[key] = time.Now().UTC()
	} else {
		delete(c.typing, key)
	}
	c.typingMu.Unlock()

	indicator := models.TypingIndicator{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	}
	event := models.NewEvent(models.EventMessageTyping, indicator)
	event.SenderID = userID
	return c.publisher.Publish(ctx, event, models.ConversationRoom(conversationID))
}

// History returns messages after the given sequence, for reconnect
// reconciliation.
func (c *Channel) History(ctx context.Context, conversationID string, afterSeq uint64, limit int) (*models.MessagePage, error) {
	return c.log.List(ctx, conversationID, afterSeq, limit)
}

// clearTyping drops a typing state without publishing; the message event
// that triggered it already signals the state change.
func (c *Channel) clearTyping(conversationID, userID string) {
	c.typingMu.Lock()
	delete(c.typing, typingKey{conversationID: conversationID, userID: userID})
	c.typingMu.Unlock()
}

// ExpireTyping publishes a cleared indicator for every typing state older
// than TypingExpiry. Called periodically by the typing sweeper.
func (c *Channel) ExpireTyping(ctx context.Context, now time.Time) {
	c.typingMu.Lock()
	var expired []typingKey
	for key, started := range c.typing {
		if now.Sub(started) > TypingExpiry {
			expired = append(expired, key)
			delete(c.typing, key)
		}
	}
	c.typingMu.Unlock()

	for _, key := range expired {
		indicator := models.TypingIndicator{
			ConversationID: key.conversationID,
			UserID:         key.userID,
			IsTyping:       false,
		}
		event := models.NewEvent(models.EventMessageTyping, indicator)
		event.SenderID = key.userID
		// Best-effort: typing state is ephemeral.
		_ = c.publisher.Publish(ctx, event, models.ConversationRoom(key.conversationID))
	}
}

// TypingSweeper periodically expires stale typing indicators.
// Implements suture.Service.
type TypingSweeper struct {
	channel  *Channel
	interval time.Duration
}

// NewTypingSweeper creates the sweeper. A zero interval sweeps every 2s.
func NewTypingSweeper(channel *Channel, interval time.Duration) *TypingSweeper {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &TypingSweeper{channel: channel, interval: interval}
}

// Serve runs the sweep loop until the context is canceled.
func (s *TypingSweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.channel.ExpireTyping(ctx, now)
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (s *TypingSweeper) String() string { return "typing-sweeper" }
