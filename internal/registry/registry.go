// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

// Package registry tracks which connections belong to which rooms.
//
// Membership is kept in two mirrored maps (room -> connections and
// connection -> rooms) guarded by a single RWMutex. Invariant: the two
// maps are always bidirectionally consistent, even under concurrent
// join/leave/disconnect from many connection goroutines.
//
// The registry does not encode business rules about who may enter a case
// or conversation room; that decision belongs to the external access
// checker. It only enforces that a caller presented an authorization
// witness for restricted room kinds.
package registry

import (
	"errors"
	"sync"

	"github.com/casewire/casewire/internal/metrics"
	"github.com/casewire/casewire/internal/models"
)

// ErrNotAuthorized is returned when a join to a restricted room lacks an
// authorization witness. The connection stays open; only the join fails.
var ErrNotAuthorized = errors.New("room join not authorized")

// ConnID identifies one open connection. Assigned by the gateway from an
// atomic counter so connections sort deterministically.
type ConnID uint64

// Witness proves that the external access checker approved a subject for
// a restricted room. The registry stores nothing from it beyond the
// approval itself.
type Witness struct {
	Granted bool
}

// Registry is a concurrency-safe room membership index.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[models.RoomKey]map[ConnID]struct{}
	members map[ConnID]map[models.RoomKey]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		rooms:   make(map[models.RoomKey]map[ConnID]struct{}),
		members: make(map[ConnID]map[models.RoomKey]struct{}),
	}
}

// Join adds a connection to a room. Restricted rooms (case, conversation)
// require a granted witness; tenant and user rooms ignore the witness
// since entitlement follows from the verified identity at handshake.
// Joining a room twice is a no-op.
func (r *Registry) Join(connID ConnID, room models.RoomKey, witness *Witness) error {
	if room.Restricted() && (witness == nil || !witness.Granted) {
		return ErrNotAuthorized
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[room]; !ok {
		r.rooms[room] = make(map[ConnID]struct{})
		metrics.RoomsActive.Inc()
	}
	r.rooms[room][connID] = struct{}{}

	if _, ok := r.members[connID]; !ok {
		r.members[connID] = make(map[models.RoomKey]struct{})
	}
	r.members[connID][room] = struct{}{}

	return nil
}

// Leave removes a connection from a room. Leaving a room the connection
// is not in is a no-op. Empty rooms are dropped from the index; a room
// with zero members is still a valid publish target, events simply
// persist instead of delivering live.
func (r *Registry) Leave(connID ConnID, room models.RoomKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(connID, room)
}

// DropConnection removes a connection from every room it joined.
// Called on disconnect; after it returns no room references the
// connection.
func (r *Registry) DropConnection(connID ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for room := range r.members[connID] {
		r.leaveLocked(connID, room)
	}
}

// leaveLocked removes a single membership edge from both maps.
// Caller must hold r.mu.
func (r *Registry) leaveLocked(connID ConnID, room models.RoomKey) {
	if conns, ok := r.rooms[room]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.rooms, room)
			metrics.RoomsActive.Dec()
		}
	}
	if rooms, ok := r.members[connID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.members, connID)
		}
	}
}

// MembersOf returns a snapshot of the connections currently in a room.
func (r *Registry) MembersOf(room models.RoomKey) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.rooms[room]
	out := make([]ConnID, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// RoomsOf returns a snapshot of the rooms a connection has joined.
func (r *Registry) RoomsOf(connID ConnID) []models.RoomKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := r.members[connID]
	out := make([]models.RoomKey, 0, len(rooms))
	for room := range rooms {
		out = append(out, room)
	}
	return out
}

// Contains reports whether a connection is currently in a room.
func (r *Registry) Contains(connID ConnID, room models.RoomKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[room][connID]
	return ok
}

// RoomCount returns the number of rooms with at least one member.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Consistent verifies the bidirectional membership invariant. Intended
// for tests and debug assertions; runs under the read lock.
func (r *Registry) Consistent() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for room, conns := range r.rooms {
		for id := range conns {
			if _, ok := r.members[id][room]; !ok {
				return false
			}
		}
	}
	for id, rooms := range r.members {
		for room := range rooms {
			if _, ok := r.rooms[room][id]; !ok {
				return false
			}
		}
	}
	return true
}
