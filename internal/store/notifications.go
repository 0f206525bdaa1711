// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/logging"
	"github.com/casewire/casewire/internal/metrics"
	"github.com/casewire/casewire/internal/models"
)

const (
	notifKeyPrefix   = "notification:"
	notifIDKeyPrefix = "notifid:"
)

// NotificationStore is the durable per-user append log of notifications.
// Mutations (read state, deletion) are restricted to the owning recipient.
type NotificationStore struct {
	db *badger.DB
}

// NewNotificationStore creates a store over an open badger database.
func NewNotificationStore(db *badger.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

// notifKey builds the primary row key for a notification.
func notifKey(recipientID string, createdAt time.Time, id string) []byte {
	return []byte(notifKeyPrefix + recipientID + ":" + timeKey(createdAt, id))
}

// Append persists a notification. Missing ID, timestamp, and priority are
// filled with defaults; the payload is immutable after this call.
func (s *NotificationStore) Append(ctx context.Context, n *models.Notification) error {
	start := time.Now()
	err := s.append(n)
	metrics.ObserveStoreOp("notifications", "append", start, err)
	return err
}

func (s *NotificationStore) append(n *models.Notification) error {
	if n.RecipientID == "" {
		return errors.New("notification requires a recipient")
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if !n.Priority.Valid() {
		n.Priority = models.PriorityMedium
	}

	data, err := json.Marshal(n)
	if err != nil {
		return unavailable(err)
	}

	key := notifKey(n.RecipientID, n.CreatedAt, n.ID)
	return unavailable(s.db.Update(func(txn *badger.Txn) error {
		rowEntry := badger.NewEntry(key, data)
		idEntry := badger.NewEntry([]byte(notifIDKeyPrefix+n.ID), key)
		if n.ExpiresAt != nil {
			ttl := time.Until(*n.ExpiresAt)
			if ttl <= 0 {
				return nil // already expired, nothing to store
			}
			rowEntry = rowEntry.WithTTL(ttl)
			idEntry = idEntry.WithTTL(ttl)
		}
		if err := txn.SetEntry(rowEntry); err != nil {
			return err
		}
		return txn.SetEntry(idEntry)
	}))
}

// ListFor returns one page of a recipient's notifications, newest first,
// along with the recipient's total unread count.
func (s *NotificationStore) ListFor(ctx context.Context, userID string, filter models.NotificationFilter) (*models.NotificationPage, error) {
	start := time.Now()
	page, err := s.listFor(userID, filter)
	metrics.ObserveStoreOp("notifications", "list", start, err)
	return page, err
}

func (s *NotificationStore) listFor(userID string, filter models.NotificationFilter) (*models.NotificationPage, error) {
	limit := clampLimit(filter.Limit)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	page := &models.NotificationPage{
		Notifications: make([]models.Notification, 0, limit),
		Limit:         limit,
		Offset:        offset,
	}

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(notifKeyPrefix + userID + ":")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		skipped := 0
		// Reverse iteration must seek past the last key of the prefix.
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			var n models.Notification
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &n)
			}); err != nil {
				return err
			}

			if !n.IsRead {
				page.UnreadCount++
			}
			if filter.UnreadOnly && n.IsRead {
				continue
			}
			if filter.Type != "" && n.Type != filter.Type {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			if len(page.Notifications) < limit {
				page.Notifications = append(page.Notifications, n)
			}
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return page, nil
}

// UnreadCount returns the recipient's current number of unread
// notifications.
func (s *NotificationStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	start := time.Now()
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(notifKeyPrefix + userID + ":")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var n models.Notification
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &n)
			}); err != nil {
				return err
			}
			if !n.IsRead {
				count++
			}
		}
		return nil
	})
	metrics.ObserveStoreOp("notifications", "unread_count", start, err)
	if err != nil {
		return 0, unavailable(err)
	}
	return count, nil
}

// MarkRead marks the given notifications read for the owning recipient.
// Idempotent: notifications already read are left untouched. Returns
// ErrNotFound for an unknown id and ErrPermissionDenied when an id
// belongs to a different recipient; in both cases no mutation from the
// call is applied.
func (s *NotificationStore) MarkRead(ctx context.Context, ids []string, userID string) error {
	start := time.Now()
	err := s.mutate(ids, userID, func(n *models.Notification) bool {
		if n.IsRead {
			return false
		}
		now := time.Now().UTC()
		n.IsRead = true
		n.ReadAt = &now
		return true
	})
	metrics.ObserveStoreOp("notifications", "mark_read", start, err)
	return err
}

// MarkUnread clears the read flag for the owning recipient. Idempotent.
func (s *NotificationStore) MarkUnread(ctx context.Context, ids []string, userID string) error {
	start := time.Now()
	err := s.mutate(ids, userID, func(n *models.Notification) bool {
		if !n.IsRead {
			return false
		}
		n.IsRead = false
		n.ReadAt = nil
		return true
	})
	metrics.ObserveStoreOp("notifications", "mark_unread", start, err)
	return err
}

// mutate applies fn to each notification owned by userID in one
// transaction. fn returns whether the row changed.
func (s *NotificationStore) mutate(ids []string, userID string, fn func(*models.Notification) bool) error {
	return unavailable(s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			key, err := s.resolveOwned(txn, id, userID)
			if err != nil {
				return err
			}

			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			var n models.Notification
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &n)
			}); err != nil {
				return err
			}

			if !fn(&n) {
				continue
			}

			data, err := json.Marshal(&n)
			if err != nil {
				return err
			}
			entry := badger.NewEntry(key, data)
			if n.ExpiresAt != nil {
				if ttl := time.Until(*n.ExpiresAt); ttl > 0 {
					entry = entry.WithTTL(ttl)
				}
			}
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
		}
		return nil
	}))
}

// Delete removes notifications owned by userID. Returns ErrNotFound or
// ErrPermissionDenied on the first offending id, applying nothing.
func (s *NotificationStore) Delete(ctx context.Context, ids []string, userID string) error {
	start := time.Now()
	err := unavailable(s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			key, err := s.resolveOwned(txn, id, userID)
			if err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Delete([]byte(notifIDKeyPrefix + id)); err != nil {
				return err
			}
		}
		return nil
	}))
	metrics.ObserveStoreOp("notifications", "delete", start, err)
	return err
}

// resolveOwned maps a notification id to its row key, verifying the row
// belongs to userID. The recipient is part of the row key, so ownership
// is checked without loading the row.
func (s *NotificationStore) resolveOwned(txn *badger.Txn, id, userID string) ([]byte, error) {
	item, err := txn.Get([]byte(notifIDKeyPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	key, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(string(key), notifKeyPrefix+userID+":") {
		return nil, ErrPermissionDenied
	}
	return key, nil
}

// Prune removes notifications older than the retention horizon, together
// with their id index entries. Unread rows are pruned like read ones; the
// horizon is long enough that anything past it is stale.
func (s *NotificationStore) Prune(ctx context.Context, retention time.Duration) (int, error) {
	start := time.Now()
	horizon := time.Now().Add(-retention)

	type doomed struct {
		row []byte
		id  string
	}
	var rows []doomed
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(notifKeyPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var n models.Notification
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &n)
			}); err != nil {
				return err
			}
			if n.CreatedAt.Before(horizon) {
				rows = append(rows, doomed{row: it.Item().KeyCopy(nil), id: n.ID})
			}
		}
		return nil
	})
	if err != nil {
		metrics.ObserveStoreOp("notifications", "prune", start, err)
		return 0, unavailable(err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, d := range rows {
		if err := wb.Delete(d.row); err != nil {
			metrics.ObserveStoreOp("notifications", "prune", start, err)
			return 0, unavailable(err)
		}
		if err := wb.Delete([]byte(notifIDKeyPrefix + d.id)); err != nil {
			metrics.ObserveStoreOp("notifications", "prune", start, err)
			return 0, unavailable(err)
		}
	}
	if err := wb.Flush(); err != nil {
		metrics.ObserveStoreOp("notifications", "prune", start, err)
		return 0, unavailable(err)
	}

	metrics.ObserveStoreOp("notifications", "prune", start, nil)
	if len(rows) > 0 {
		logging.Info().Int("removed", len(rows)).Dur("retention", retention).Msg("notification retention prune completed")
	}
	return len(rows), nil
}
