// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

package models

import "time"

// Visibility controls who may read an activity event at query time.
type Visibility string

// Activity visibility scopes. Public and tenant events are readable by any
// tenant member; case events only by callers with access to the case or
// callers listed in the event's related-user set.
const (
	VisibilityPublic Visibility = "public"
	VisibilityTenant Visibility = "tenant"
	VisibilityCase   Visibility = "case"
)

// Valid reports whether v is a known visibility scope.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityTenant, VisibilityCase:
		return true
	}
	return false
}

// ActivityEvent is an append-only, tenant-scoped audit record. Events are
// never mutated or deleted except by retention pruning.
type ActivityEvent struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenantId"`
	ActorID        string     `json:"actorId"`
	ActorName      string     `json:"actorName"`
	ActorRole      string     `json:"actorRole"`
	ActivityType   string     `json:"activityType"`
	Description    string     `json:"description"`
	TargetType     string     `json:"targetType,omitempty"`
	TargetID       string     `json:"targetId,omitempty"`
	TargetName     string     `json:"targetName,omitempty"`
	Visibility     Visibility `json:"visibility"`
	RelatedUserIDs []string   `json:"relatedUserIds,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// RelatedTo reports whether userID is explicitly listed on the event.
func (e *ActivityEvent) RelatedTo(userID string) bool {
	for _, id := range e.RelatedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ActivityFilter narrows an activity backfill query. TenantID is required;
// the remaining fields are optional.
type ActivityFilter struct {
	TenantID     string
	TargetType   string
	TargetID     string
	ActivityType string
	DateFrom     time.Time
	DateTo       time.Time
	Limit        int
	Offset       int
}

// ActivityPage is one page of a visibility-filtered activity backfill.
type ActivityPage struct {
	Events []ActivityEvent `json:"events"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}
