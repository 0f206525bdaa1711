// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

package store

import (
	"context"
	"time"

	"github.com/casewire/casewire/internal/logging"
)

// Pruner periodically enforces retention on the durable stores. It runs
// under the supervisor tree; a failed prune is logged and retried on the
// next tick rather than crashing the service.
type Pruner struct {
	notifications *NotificationStore
	activity      *ActivityLog

	notificationTTL   time.Duration
	activityRetention time.Duration
	interval          time.Duration
}

// NewPruner creates a retention pruner. Zero interval defaults to one hour.
func NewPruner(notifications *NotificationStore, activity *ActivityLog, notificationTTL, activityRetention, interval time.Duration) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Pruner{
		notifications:     notifications,
		activity:          activity,
		notificationTTL:   notificationTTL,
		activityRetention: activityRetention,
		interval:          interval,
	}
}

// Serve implements suture.Service.
func (p *Pruner) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	if p.activity != nil && p.activityRetention > 0 {
		if _, err := p.activity.Prune(ctx, p.activityRetention); err != nil {
			logging.Error().Err(err).Msg("activity prune failed")
		}
	}
	if p.notifications != nil && p.notificationTTL > 0 {
		if _, err := p.notifications.Prune(ctx, p.notificationTTL); err != nil {
			logging.Error().Err(err).Msg("notification prune failed")
		}
	}
}

func (p *Pruner) String() string { return "retention-pruner" }
