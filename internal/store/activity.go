// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

package store

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/logging"
	"github.com/casewire/casewire/internal/metrics"
	"github.com/casewire/casewire/internal/models"
)

const activityKeyPrefix = "activity:"

// CaseAccessChecker answers whether a user may read a case's records.
// Owned by the external collaborator that holds case access rules; the
// hub only consults it at query time.
type CaseAccessChecker interface {
	CanAccessCase(ctx context.Context, userID, caseID string) bool
}

// ActivityLog is the durable, append-only, tenant-scoped activity store.
// Rows are never mutated; the only removal path is retention pruning.
type ActivityLog struct {
	db     *badger.DB
	access CaseAccessChecker
}

// NewActivityLog creates a log over an open badger database. access may
// be nil, in which case case-visibility events are readable only by
// actors and related users.
func NewActivityLog(db *badger.DB, access CaseAccessChecker) *ActivityLog {
	return &ActivityLog{db: db, access: access}
}

func activityKey(tenantID string, createdAt time.Time, id string) []byte {
	return []byte(activityKeyPrefix + tenantID + ":" + timeKey(createdAt, id))
}

// Append persists an activity event. Missing ID, timestamp, and
// visibility are filled with defaults.
func (l *ActivityLog) Append(ctx context.Context, e *models.ActivityEvent) error {
	start := time.Now()
	err := l.append(e)
	metrics.ObserveStoreOp("activity", "append", start, err)
	return err
}

func (l *ActivityLog) append(e *models.ActivityEvent) error {
	if e.TenantID == "" {
		return errors.New("activity event requires a tenant")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if !e.Visibility.Valid() {
		e.Visibility = models.VisibilityTenant
	}

	data, err := json.Marshal(e)
	if err != nil {
		return unavailable(err)
	}

	return unavailable(l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(activityKey(e.TenantID, e.CreatedAt, e.ID), data)
	}))
}

// Query returns one page of activity events visible to the caller,
// newest first. Public and tenant events are visible to all tenant
// members. Case events require case access (via the external checker)
// or explicit membership in the event's related-user set; the actor
// always sees their own events. The tenant filter is taken from the
// caller's identity, never from the request.
func (l *ActivityLog) Query(ctx context.Context, caller models.Identity, filter models.ActivityFilter) (*models.ActivityPage, error) {
	start := time.Now()
	page, err := l.query(ctx, caller, filter)
	metrics.ObserveStoreOp("activity", "query", start, err)
	return page, err
}

func (l *ActivityLog) query(ctx context.Context, caller models.Identity, filter models.ActivityFilter) (*models.ActivityPage, error) {
	limit := clampLimit(filter.Limit)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	page := &models.ActivityPage{
		Events: make([]models.ActivityEvent, 0, limit),
		Limit:  limit,
		Offset: offset,
	}

	err := l.db.View(func(txn *badger.Txn) error {
		prefix := []byte(activityKeyPrefix + caller.TenantID + ":")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		skipped := 0
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			var e models.ActivityEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}

			if !l.matches(&e, filter) || !l.visibleTo(ctx, caller, &e) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			if len(page.Events) >= limit {
				break
			}
			page.Events = append(page.Events, e)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return page, nil
}

// matches applies the non-visibility filter fields.
func (l *ActivityLog) matches(e *models.ActivityEvent, filter models.ActivityFilter) bool {
	if filter.TargetType != "" && e.TargetType != filter.TargetType {
		return false
	}
	if filter.TargetID != "" && e.TargetID != filter.TargetID {
		return false
	}
	if filter.ActivityType != "" && e.ActivityType != filter.ActivityType {
		return false
	}
	if !filter.DateFrom.IsZero() && e.CreatedAt.Before(filter.DateFrom) {
		return false
	}
	if !filter.DateTo.IsZero() && e.CreatedAt.After(filter.DateTo) {
		return false
	}
	return true
}

// visibleTo enforces visibility scoping for one event.
func (l *ActivityLog) visibleTo(ctx context.Context, caller models.Identity, e *models.ActivityEvent) bool {
	switch e.Visibility {
	case models.VisibilityPublic, models.VisibilityTenant:
		return true
	case models.VisibilityCase:
		if e.ActorID == caller.UserID || e.RelatedTo(caller.UserID) {
			return true
		}
		// Case-scoped events carry the case as their target.
		if e.TargetType == "case" && e.TargetID != "" && l.access != nil {
			return l.access.CanAccessCase(ctx, caller.UserID, e.TargetID)
		}
		return false
	default:
		return false
	}
}

// Prune removes events older than the retention horizon. Returns the
// number of rows removed. Called periodically from the supervisor tree.
func (l *ActivityLog) Prune(ctx context.Context, retention time.Duration) (int, error) {
	start := time.Now()
	horizon := time.Now().Add(-retention)

	var keys [][]byte
	err := l.db.View(func(txn *badger.Txn) error {
		prefix := []byte(activityKeyPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e models.ActivityEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			if e.CreatedAt.Before(horizon) {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		metrics.ObserveStoreOp("activity", "prune", start, err)
		return 0, unavailable(err)
	}

	wb := l.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			metrics.ObserveStoreOp("activity", "prune", start, err)
			return 0, unavailable(err)
		}
	}
	if err := wb.Flush(); err != nil {
		metrics.ObserveStoreOp("activity", "prune", start, err)
		return 0, unavailable(err)
	}

	metrics.ObserveStoreOp("activity", "prune", start, nil)
	if len(keys) > 0 {
		logging.Info().Int("removed", len(keys)).Dur("retention", retention).Msg("activity retention prune completed")
	}
	return len(keys), nil
}
