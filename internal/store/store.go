// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

// Package store persists notifications, activity events, and conversation
// messages in BadgerDB.
//
// Key layout (all values are JSON):
//
//	notification:<recipientID>:<createdAtNano>-<id>  Notification row
//	notifid:<id>                                     row key, for id lookup
//	activity:<tenantID>:<createdAtNano>-<id>         ActivityEvent row
//	message:<conversationID>:<seq, padded>           Message row
//	msgid:<id>                                       row key, for id lookup
//	convseq:<conversationID>                         sequence counter
//
// Timestamp-prefixed keys make reverse prefix iteration yield newest-first
// pages without a separate index. Sequence-keyed message rows iterate in
// conversation order directly.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/casewire/casewire/internal/logging"
)

// Sentinel errors surfaced to callers. ErrUnavailable wraps any storage
// engine failure so producers can retry without inspecting badger errors.
var (
	ErrNotFound         = errors.New("record not found")
	ErrPermissionDenied = errors.New("record belongs to another user")
	ErrUnavailable      = errors.New("store unavailable")
)

// Default page bounds for backfill queries.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// Options configures the badger database.
type Options struct {
	// Dir is the on-disk location. Ignored when InMemory is set.
	Dir string

	// InMemory runs badger without disk persistence. Used in tests.
	InMemory bool
}

// Open opens the badger database with zerolog routed through our facade.
func Open(opts Options) (*badger.DB, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(opts.Dir)
	}
	bopts = bopts.WithLogger(badgerLogger{})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %v", ErrUnavailable, err)
	}
	return db, nil
}

// badgerLogger adapts badger's logger interface to the logging facade.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	logging.Error().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Warningf(format string, args ...any) {
	logging.Warn().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Infof(format string, args ...any) {
	logging.Debug().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Debugf(format string, args ...any) {
	logging.Debug().Str("component", "badger").Msgf(format, args...)
}

// clampLimit normalizes a caller-supplied page limit.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}

// timeKey renders a timestamp-ordered key segment. Fixed width so that
// byte order equals chronological order.
func timeKey(ts time.Time, id string) string {
	return fmt.Sprintf("%020d-%s", ts.UnixNano(), id)
}

// unavailable wraps a storage engine error as ErrUnavailable, passing
// through sentinel errors that already carry meaning for the caller.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// padSeq left-pads a sequence number so byte order equals numeric order.
func padSeq(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}
