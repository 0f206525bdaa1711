// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

package messaging

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/casewire/casewire/internal/logging"
	"github.com/casewire/casewire/internal/models"
	"github.com/casewire/casewire/internal/store"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Format: "console", Output: io.Discard})
}

// capturePublisher records published events.
type capturePublisher struct {
	mu     sync.Mutex
	events []models.Event
	scopes [][]models.RoomKey
}

func (c *capturePublisher) Publish(_ context.Context, event models.Event, scopes ...models.RoomKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	c.scopes = append(c.scopes, scopes)
	return nil
}

func (c *capturePublisher) byType(t models.EventType) []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestChannel(t *testing.T) (*Channel, *capturePublisher) {
	t.Helper()
	db, err := store.Open(store.Options{InMemory: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	pub := &capturePublisher{}
	return NewChannel(store.NewMessageLog(db), pub), pub
}

func TestSendAssignsSequenceAndPublishes(t *testing.T) {
	ch, pub := newTestChannel(t)
	ctx := context.Background()

	first, err := ch.Send(ctx, "conv-1", "u1", "hello", models.MessageText, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	second, err := ch.Send(ctx, "conv-1", "u2", "hi back", models.MessageText, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if first.Sequence != 1 || second.Sequence != 2 {
		t.Errorf("sequences = %d, %d; want 1, 2", first.Sequence, second.Sequence)
	}

	events := pub.byType(models.EventMessageNew)
	if len(events) != 2 {
		t.Fatalf("published %d message:new events, want 2", len(events))
	}
	if pub.scopes[0][0] != models.ConversationRoom("conv-1") {
		t.Errorf("scope = %v, want conversation:conv-1", pub.scopes[0])
	}
	if events[0].SenderID != "u1" {
		t.Errorf("senderId = %q, want u1", events[0].SenderID)
	}
}

func TestSendValidation(t *testing.T) {
	ch, _ := newTestChannel(t)
	if _, err := ch.Send(context.Background(), "", "u1", "x", models.MessageText, ""); err == nil {
		t.Error("send without conversation should fail")
	}
	if _, err := ch.Send(context.Background(), "conv-1", "", "x", models.MessageText, ""); err == nil {
		t.Error("send without sender should fail")
	}
}

func TestSendDefaultsUnknownType(t *testing.T) {
	ch, _ := newTestChannel(t)
	m, err := ch.Send(context.Background(), "conv-1", "u1", "x", "bogus", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.Type != models.MessageText {
		t.Errorf("type = %s, want text fallback", m.Type)
	}
}

// Scenario: editing message 2 of a 3-message conversation emits
// message:edited for that id, leaves all sequence numbers untouched, and
// a backfill returns the updated content with an edited-at timestamp.
func TestEditPreservesOrdering(t *testing.T) {
	ch, pub := newTestChannel(t)
	ctx := context.Background()

	var msgs []*models.Message
	for _, content := range []string{"one", "two", "three"} {
		m, err := ch.Send(ctx, "conv-1", "u1", content, models.MessageText, "")
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		msgs = append(msgs, m)
	}

	edited, err := ch.Edit(ctx, msgs[1].ID, "u1", "two, revised")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if edited.Sequence != 2 {
		t.Errorf("edited sequence = %d, want 2", edited.Sequence)
	}

	events := pub.byType(models.EventMessageEdited)
	if len(events) != 1 {
		t.Fatalf("published %d message:edited events, want 1", len(events))
	}
	payload := events[0].Payload.(*models.Message)
	if payload.ID != msgs[1].ID {
		t.Errorf("edited event for %s, want %s", payload.ID, msgs[1].ID)
	}

	page, err := ch.History(ctx, "conv-1", 0, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page.Messages) != 3 {
		t.Fatalf("backfill returned %d messages, want 3", len(page.Messages))
	}
	for i, m := range page.Messages {
		if m.Sequence != uint64(i+1) {
			t.Errorf("message %d sequence = %d", i, m.Sequence)
		}
	}
	if page.Messages[1].Content != "two, revised" || page.Messages[1].EditedAt == nil {
		t.Errorf("backfilled edit = %+v", page.Messages[1])
	}
	if page.Messages[0].Content != "one" || page.Messages[2].Content != "three" {
		t.Error("neighboring messages must be untouched")
	}
}

func TestEditRestrictedToSender(t *testing.T) {
	ch, _ := newTestChannel(t)
	ctx := context.Background()

	m, err := ch.Send(ctx, "conv-1", "u1", "mine", models.MessageText, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if _, err := ch.Edit(ctx, m.ID, "u2", "hijacked"); !errors.Is(err, ErrNotSender) {
		t.Errorf("Edit by non-sender = %v, want ErrNotSender", err)
	}
	if _, err := ch.Delete(ctx, m.ID, "u2"); !errors.Is(err, ErrNotSender) {
		t.Errorf("Delete by non-sender = %v, want ErrNotSender", err)
	}
}

func TestEditUnknownMessage(t *testing.T) {
	ch, _ := newTestChannel(t)
	if _, err := ch.Edit(context.Background(), "missing", "u1", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Edit unknown = %v, want store.ErrNotFound", err)
	}
}

func TestDeleteKeepsRow(t *testing.T) {
	ch, pub := newTestChannel(t)
	ctx := context.Background()

	m, err := ch.Send(ctx, "conv-1", "u1", "regret", models.MessageText, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := ch.Delete(ctx, m.ID, "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	page, err := ch.History(ctx, "conv-1", 0, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page.Messages) != 1 {
		t.Fatal("deleted message row must remain")
	}
	if !page.Messages[0].Deleted || page.Messages[0].Content != "" {
		t.Errorf("deleted row = %+v", page.Messages[0])
	}
	if len(pub.byType(models.EventMessageDeleted)) != 1 {
		t.Error("message:deleted event not published")
	}
}

func TestTypingPublishesEphemeral(t *testing.T) {
	ch, pub := newTestChannel(t)
	ctx := context.Background()

	if err := ch.Typing(ctx, "conv-1", "u1", true); err != nil {
		t.Fatalf("Typing: %v", err)
	}

	events := pub.byType(models.EventMessageTyping)
	if len(events) != 1 {
		t.Fatalf("published %d typing events, want 1", len(events))
	}
	indicator := events[0].Payload.(models.TypingIndicator)
	if !indicator.IsTyping || indicator.UserID != "u1" {
		t.Errorf("indicator = %+v", indicator)
	}
}

func TestTypingExpires(t *testing.T) {
	ch, pub := newTestChannel(t)
	ctx := context.Background()

	if err := ch.Typing(ctx, "conv-1", "u1", true); err != nil {
		t.Fatalf("Typing: %v", err)
	}

	// Not yet expired.
	ch.ExpireTyping(ctx, time.Now())
	if got := len(pub.byType(models.EventMessageTyping)); got != 1 {
		t.Fatalf("premature expiry published %d typing events", got)
	}

	ch.ExpireTyping(ctx, time.Now().Add(TypingExpiry+time.Second))
	events := pub.byType(models.EventMessageTyping)
	if len(events) != 2 {
		t.Fatalf("expiry published %d typing events, want 2", len(events))
	}
	cleared := events[1].Payload.(models.TypingIndicator)
	if cleared.IsTyping {
		t.Error("expired indicator should report isTyping=false")
	}

	// Already cleared; a second sweep publishes nothing.
	ch.ExpireTyping(ctx, time.Now().Add(2*TypingExpiry))
	if got := len(pub.byType(models.EventMessageTyping)); got != 2 {
		t.Errorf("repeat sweep published %d typing events", got)
	}
}

func TestSendClearsTypingState(t *testing.T) {
	ch, pub := newTestChannel(t)
	ctx := context.Background()

	if err := ch.Typing(ctx, "conv-1", "u1", true); err != nil {
		t.Fatalf("Typing: %v", err)
	}
	if _, err := ch.Send(ctx, "conv-1", "u1", "done typing", models.MessageText, ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The send cleared the state, so expiry has nothing to publish.
	ch.ExpireTyping(ctx, time.Now().Add(2*TypingExpiry))
	if got := len(pub.byType(models.EventMessageTyping)); got != 1 {
		t.Errorf("typing events = %d, want 1 (no expiry after send)", got)
	}
}

// Property: concurrent senders in one conversation receive strictly
// increasing, never reused sequence numbers.
func TestConcurrentSendsSequence(t *testing.T) {
	ch, _ := newTestChannel(t)
	ctx := context.Background()

	const senders = 6
	const perSender = 20

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[uint64]bool)

	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				m, err := ch.Send(ctx, "conv-hot", "sender", "x", models.MessageText, "")
				if err != nil {
					t.Errorf("Send: %v", err)
					return
				}
				mu.Lock()
				if seen[m.Sequence] {
					t.Errorf("sequence %d reused", m.Sequence)
				}
				seen[m.Sequence] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != senders*perSender {
		t.Errorf("assigned %d distinct sequences, want %d", len(seen), senders*perSender)
	}
}
