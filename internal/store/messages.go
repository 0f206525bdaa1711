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

	"github.com/casewire/casewire/internal/metrics"
	"github.com/casewire/casewire/internal/models"
)

const (
	messageKeyPrefix = "message:"
	msgIDKeyPrefix   = "msgid:"
	convSeqKeyPrefix = "convseq:"
)

// maxSeqRetries bounds optimistic transaction retries on concurrent
// sequence allocation within the same conversation.
const maxSeqRetries = 16

// MessageLog is the durable conversation message store. Each append
// atomically assigns the conversation's next sequence number; sequence
// numbers are monotonic and never reused. Edits and deletions rewrite the
// row in place, preserving its sequence position.
type MessageLog struct {
	db *badger.DB
}

// NewMessageLog creates a log over an open badger database.
func NewMessageLog(db *badger.DB) *MessageLog {
	return &MessageLog{db: db}
}

func messageKey(conversationID string, seq uint64) []byte {
	return []byte(messageKeyPrefix + conversationID + ":" + padSeq(seq))
}

// Append assigns the next sequence number for the message's conversation
// and persists the row. The counter read and the row write share one
// transaction, so sequences are gap-free; a rejected write never consumes
// a number. Concurrent appends to the same conversation are retried on
// transaction conflict.
func (l *MessageLog) Append(ctx context.Context, m *models.Message) error {
	start := time.Now()
	err := l.append(m)
	metrics.ObserveStoreOp("messages", "append", start, err)
	return err
}

func (l *MessageLog) append(m *models.Message) error {
	if m.ConversationID == "" {
		return errors.New("message requires a conversation")
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if !m.Type.Valid() {
		m.Type = models.MessageText
	}

	seqCounterKey := []byte(convSeqKeyPrefix + m.ConversationID)

	var lastErr error
	for attempt := 0; attempt < maxSeqRetries; attempt++ {
		lastErr = l.db.Update(func(txn *badger.Txn) error {
			var seq uint64
			item, err := txn.Get(seqCounterKey)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				seq = 1
			case err != nil:
				return err
			default:
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &seq)
				}); err != nil {
					return err
				}
				seq++
			}

			m.Sequence = seq

			data, err := json.Marshal(m)
			if err != nil {
				return err
			}
			seqData, err := json.Marshal(seq)
			if err != nil {
				return err
			}

			key := messageKey(m.ConversationID, seq)
			if err := txn.Set(key, data); err != nil {
				return err
			}
			if err := txn.Set([]byte(msgIDKeyPrefix+m.ID), key); err != nil {
				return err
			}
			return txn.Set(seqCounterKey, seqData)
		})
		if !errors.Is(lastErr, badger.ErrConflict) {
			break
		}
	}
	return unavailable(lastErr)
}

// Get returns a message by id.
func (l *MessageLog) Get(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(msgIDKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		row, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return row.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return &m, nil
}

// Update rewrites an existing message row in place. The sequence number
// and created-at timestamp are preserved; callers mutate content, edit
// markers, and the deleted flag.
func (l *MessageLog) Update(ctx context.Context, m *models.Message) error {
	start := time.Now()
	data, err := json.Marshal(m)
	if err != nil {
		metrics.ObserveStoreOp("messages", "update", start, err)
		return unavailable(err)
	}

	err = unavailable(l.db.Update(func(txn *badger.Txn) error {
		key := messageKey(m.ConversationID, m.Sequence)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return txn.Set(key, data)
	}))
	metrics.ObserveStoreOp("messages", "update", start, err)
	return err
}

// List returns messages of a conversation with sequence greater than
// afterSeq, in sequence order, up to limit rows.
func (l *MessageLog) List(ctx context.Context, conversationID string, afterSeq uint64, limit int) (*models.MessagePage, error) {
	start := time.Now()
	limit = clampLimit(limit)

	page := &models.MessagePage{
		Messages: make([]models.Message, 0, limit),
		AfterSeq: afterSeq,
		Limit:    limit,
	}

	err := l.db.View(func(txn *badger.Txn) error {
		prefix := []byte(messageKeyPrefix + conversationID + ":")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := messageKey(conversationID, afterSeq+1)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if len(page.Messages) >= limit {
				break
			}
			var m models.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			page.Messages = append(page.Messages, m)
		}
		return nil
	})
	metrics.ObserveStoreOp("messages", "list", start, err)
	if err != nil {
		return nil, unavailable(err)
	}
	return page, nil
}

// LastSequence returns the highest assigned sequence for a conversation,
// or zero when it has no messages.
func (l *MessageLog) LastSequence(ctx context.Context, conversationID string) (uint64, error) {
	var seq uint64
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(convSeqKeyPrefix + conversationID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &seq)
		})
	})
	if err != nil {
		return 0, unavailable(err)
	}
	return seq, nil
}
