// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

// Package presence maintains one live status record per user, computed
// from connection lifecycle events, heartbeats, and explicit status
// changes.
//
// State machine per user:
//
//	offline -> online          first connection opens, or explicit update
//	online  -> away            explicit, or no heartbeat for AwayTimeout
//	online/away -> busy        explicit only
//	any     -> offline         last connection closes and the grace
//	                           period elapses, or explicit update
//
// A user with multiple simultaneous connections is online as long as any
// connection is active; closing one connection while others remain never
// flips the user offline. Every transition publishes a presence:update
// event to the user's tenant room.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/casewire/casewire/internal/logging"
	"github.com/casewire/casewire/internal/metrics"
	"github.com/casewire/casewire/internal/models"
)

// Defaults chosen for the hub protocol: clients heartbeat every 30s, so
// a 60s silence means the user stepped away; the 10s grace absorbs
// reconnect flaps before an offline transition is announced.
const (
	DefaultAwayTimeout  = 60 * time.Second
	DefaultOfflineGrace = 10 * time.Second
)

// Publisher routes presence events. Implemented by *fanout.Router.
type Publisher interface {
	Publish(ctx context.Context, event models.Event, scopes ...models.RoomKey) error
}

// Config tunes the tracker's timeouts. Zero values use the defaults.
type Config struct {
	AwayTimeout  time.Duration
	OfflineGrace time.Duration
}

// userState is the tracked state for one user. pending holds transition
// snapshots queued for publication; announcing marks the goroutine
// currently draining the queue.
type userState struct {
	record     models.PresenceRecord
	connCount  int
	graceTimer *time.Timer

	pending    []models.PresenceRecord
	announcing bool
}

// Tracker is the concurrency-safe presence state machine. All mutations
// of presence records go through it.
type Tracker struct {
	mu        sync.Mutex
	users     map[string]*userState
	publisher Publisher

	awayTimeout  time.Duration
	offlineGrace time.Duration
}

// NewTracker creates a tracker publishing transitions through publisher.
func NewTracker(publisher Publisher, cfg Config) *Tracker {
	if cfg.AwayTimeout <= 0 {
		cfg.AwayTimeout = DefaultAwayTimeout
	}
	if cfg.OfflineGrace <= 0 {
		cfg.OfflineGrace = DefaultOfflineGrace
	}
	return &Tracker{
		users:        make(map[string]*userState),
		publisher:    publisher,
		awayTimeout:  cfg.AwayTimeout,
		offlineGrace: cfg.OfflineGrace,
	}
}

// ConnectionOpened registers one new connection for the user. The first
// active connection transitions the user online; a reconnect during the
// offline grace period cancels the pending offline transition.
func (t *Tracker) ConnectionOpened(identity models.Identity) {
	t.mu.Lock()
	state, ok := t.users[identity.UserID]
	if !ok {
		state = &userState{
			record: models.PresenceRecord{
				UserID:   identity.UserID,
				TenantID: identity.TenantID,
				Status:   models.PresenceOffline,
			},
		}
		t.users[identity.UserID] = state
	}

	if state.graceTimer != nil {
		state.graceTimer.Stop()
		state.graceTimer = nil
	}

	state.connCount++
	state.record.LastSeen = time.Now().UTC()

	drain := false
	if state.record.Status == models.PresenceOffline {
		state.record.Status = models.PresenceOnline
		drain = t.queueLocked(state)
	}
	t.mu.Unlock()

	if drain {
		t.drainQueue(state)
	}
}

// ConnectionClosed unregisters one connection. When the last connection
// closes, the offline transition is scheduled after the grace period; a
// reconnect within the grace window cancels it.
func (t *Tracker) ConnectionClosed(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.users[userID]
	if !ok {
		return
	}
	if state.connCount > 0 {
		state.connCount--
	}
	if state.connCount > 0 {
		return
	}

	if state.graceTimer != nil {
		state.graceTimer.Stop()
	}
	state.graceTimer = time.AfterFunc(t.offlineGrace, func() {
		t.graceExpired(userID)
	})
}

// graceExpired finalizes the offline transition if no connection
// reappeared during the grace window.
func (t *Tracker) graceExpired(userID string) {
	t.mu.Lock()
	state, ok := t.users[userID]
	if !ok || state.connCount > 0 || state.record.Status == models.PresenceOffline {
		t.mu.Unlock()
		return
	}
	state.graceTimer = nil
	state.record.Status = models.PresenceOffline
	state.record.LastSeen = time.Now().UTC()
	drain := t.queueLocked(state)
	t.mu.Unlock()

	if drain {
		t.drainQueue(state)
	}
}

// Heartbeat records liveness for the user. A heartbeat from an away user
// transitions them back online; busy is explicit and is not cleared by
// heartbeats.
func (t *Tracker) Heartbeat(userID string) {
	t.mu.Lock()
	state, ok := t.users[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	state.record.LastSeen = time.Now().UTC()

	drain := false
	if state.record.Status == models.PresenceAway {
		state.record.Status = models.PresenceOnline
		drain = t.queueLocked(state)
	}
	t.mu.Unlock()

	if drain {
		t.drainQueue(state)
	}
}

// SetStatus applies an explicit status change. Returns false for an
// unknown user or invalid status. Explicitly going offline does not
// close connections; the next heartbeat or explicit update brings the
// user back.
func (t *Tracker) SetStatus(userID string, status models.PresenceStatus) bool {
	if !status.Valid() {
		return false
	}

	t.mu.Lock()
	state, ok := t.users[userID]
	if !ok {
		t.mu.Unlock()
		return false
	}

	drain := false
	if state.record.Status != status {
		state.record.Status = status
		state.record.LastSeen = time.Now().UTC()
		drain = t.queueLocked(state)
	}
	t.mu.Unlock()

	if drain {
		t.drainQueue(state)
	}
	return true
}

// SetPage updates the user's current-page label without a transition.
func (t *Tracker) SetPage(userID, page string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.users[userID]; ok {
		state.record.CurrentPage = page
	}
}

// Get returns the user's presence record. Unknown users are offline.
func (t *Tracker) Get(userID string) models.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	if state, ok := t.users[userID]; ok {
		return state.record
	}
	return models.PresenceRecord{UserID: userID, Status: models.PresenceOffline}
}

// Snapshot returns presence records for the requested users.
func (t *Tracker) Snapshot(userIDs []string) []models.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.PresenceRecord, 0, len(userIDs))
	for _, id := range userIDs {
		if state, ok := t.users[id]; ok {
			out = append(out, state.record)
		} else {
			out = append(out, models.PresenceRecord{UserID: id, Status: models.PresenceOffline})
		}
	}
	return out
}

// Sweep transitions users with open connections but no heartbeat inside
// the away timeout from online to away. Called periodically by the
// sweeper service.
func (t *Tracker) Sweep(now time.Time) {
	t.mu.Lock()
	var drainers []*userState
	for _, state := range t.users {
		if state.connCount > 0 &&
			state.record.Status == models.PresenceOnline &&
			now.Sub(state.record.LastSeen) > t.awayTimeout {
			state.record.Status = models.PresenceAway
			if t.queueLocked(state) {
				drainers = append(drainers, state)
			}
		}
	}
	t.mu.Unlock()

	for _, state := range drainers {
		t.drainQueue(state)
	}
}

// queueLocked appends the user's current record to its publish queue and
// reports whether the caller must drain it. Queue order equals the order
// transitions were applied under the lock, so observers never see a
// newer status overwritten by an older one even when two transitions
// race (a grace expiry against a reconnect, say).
func (t *Tracker) queueLocked(state *userState) bool {
	state.pending = append(state.pending, state.record)
	if state.announcing {
		return false
	}
	state.announcing = true
	return true
}

// drainQueue publishes queued transitions for one user, oldest first,
// until the queue empties. Runs outside the state lock; transitions
// applied while a drain is in progress ride the same drainer.
func (t *Tracker) drainQueue(state *userState) {
	for {
		t.mu.Lock()
		if len(state.pending) == 0 {
			state.announcing = false
			t.mu.Unlock()
			return
		}
		record := state.pending[0]
		state.pending = state.pending[1:]
		t.mu.Unlock()

		t.announce(record)
	}
}

// announce publishes one presence transition to the user's tenant room.
func (t *Tracker) announce(record models.PresenceRecord) {
	metrics.PresenceTransitions.WithLabelValues(string(record.Status)).Inc()

	if t.publisher == nil {
		return
	}
	event := models.NewEvent(models.EventPresenceUpdate, record)
	if err := t.publisher.Publish(context.Background(), event, models.TenantRoom(record.TenantID)); err != nil {
		logging.Warn().Err(err).Str("user", record.UserID).Msg("presence publish failed")
	}
}

// Sweeper periodically runs Sweep. Implements suture.Service.
type Sweeper struct {
	tracker  *Tracker
	interval time.Duration
}

// NewSweeper creates the away sweeper. A zero interval sweeps every 15s.
func NewSweeper(tracker *Tracker, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sweeper{tracker: tracker, interval: interval}
}

// Serve runs the sweep loop until the context is canceled.
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.tracker.Sweep(now)
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (s *Sweeper) String() string { return "presence-sweeper" }
