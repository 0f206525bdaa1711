// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

package fanout

import (
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/casewire/casewire/internal/logging"
	"github.com/casewire/casewire/internal/metrics"
	"github.com/casewire/casewire/internal/store"
)

// storeBreaker guards durable write-through against a failing storage
// engine. When the breaker opens, publishes of persistent events fail
// fast with store.ErrUnavailable instead of piling up on a dead store.
type storeBreaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

func newStoreBreaker() *storeBreaker {
	settings := gobreaker.Settings{
		Name:        "store-write-through",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.StoreBreakerState.Set(1)
			} else {
				metrics.StoreBreakerState.Set(0)
			}
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("store breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// Caller mistakes (not-found, permission) are not store
			// health signals.
			if err == nil {
				return true
			}
			return !errors.Is(err, store.ErrUnavailable)
		},
	}
	return &storeBreaker{cb: gobreaker.NewCircuitBreaker[any](settings)}
}

// execute runs fn behind the breaker, mapping open-breaker rejections to
// store.ErrUnavailable.
func (b *storeBreaker) execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}
