// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/casewire/casewire/internal/config"
	"github.com/casewire/casewire/internal/logging"
	"github.com/casewire/casewire/internal/messaging"
	"github.com/casewire/casewire/internal/models"
	"github.com/casewire/casewire/internal/presence"
	"github.com/casewire/casewire/internal/store"
	"github.com/casewire/casewire/internal/ws"
)

// notificationActionRequest is the bulk mutation body for
// PUT /api/v1/notifications.
type notificationActionRequest struct {
	IDs    []string `json:"ids" validate:"required,min=1,max=100,dive,required"`
	Action string   `json:"action" validate:"required,oneof=mark_read mark_unread delete"`
}

// Handler carries the wired hub components behind the REST surface.
type Handler struct {
	notifications *store.NotificationStore
	activity      *store.ActivityLog
	channel       *messaging.Channel
	tracker       *presence.Tracker
	gateway       *ws.Gateway
	authorizer    ws.Authorizer
	pages         config.APIConfig
	ready         func(ctx context.Context) error

	validate *validator.Validate
	upgrader websocket.Upgrader
}

// NewHandler wires the REST handlers. ready reports whether the hub can
// serve traffic; authorizer may be nil, denying conversation backfill for
// everyone but nobody in practice wires it that way.
func NewHandler(
	notifications *store.NotificationStore,
	activity *store.ActivityLog,
	channel *messaging.Channel,
	tracker *presence.Tracker,
	gateway *ws.Gateway,
	authorizer ws.Authorizer,
	pages config.APIConfig,
	ready func(ctx context.Context) error,
) *Handler {
	return &Handler{
		notifications: notifications,
		activity:      activity,
		channel:       channel,
		tracker:       tracker,
		gateway:       gateway,
		authorizer:    authorizer,
		pages:         pages,
		ready:         ready,
		validate:      validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin enforcement happens in the CORS layer; the socket
			// itself is gated by the in-band auth handshake.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// WebSocket upgrades the connection and hands it to the gateway. Token
// verification happens in-band on the first frame, not here.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Ctx(r.Context()).Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.gateway.Accept(conn)
}

// Notifications serves GET /api/v1/notifications: the caller's own
// notification backfill, newest first.
func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	identity, ok := identityFrom(r.Context())
	if !ok {
		respondError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "missing identity")
		return
	}

	filter := models.NotificationFilter{
		UnreadOnly: r.URL.Query().Get("unreadOnly") == "true",
		Type:       r.URL.Query().Get("type"),
		Limit:      h.pageLimit(r),
		Offset:     queryInt(r, "offset", 0),
	}

	page, err := h.notifications.ListFor(r.Context(), identity.UserID, filter)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, page, start)
}

// NotificationsAction serves PUT /api/v1/notifications: bulk mark_read,
// mark_unread, or delete on the caller's own notifications.
func (h *Handler) NotificationsAction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	identity, ok := identityFrom(r.Context())
	if !ok {
		respondError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "missing identity")
		return
	}

	var req notificationActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "malformed request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid request: "+err.Error())
		return
	}

	var err error
	switch req.Action {
	case "mark_read":
		err = h.notifications.MarkRead(r.Context(), req.IDs, identity.UserID)
	case "mark_unread":
		err = h.notifications.MarkUnread(r.Context(), req.IDs, identity.UserID)
	case "delete":
		err = h.notifications.Delete(r.Context(), req.IDs, identity.UserID)
	}
	if err != nil {
		respondStoreError(w, r, err)
		return
	}

	unread, err := h.notifications.UnreadCount(r.Context(), identity.UserID)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]any{"applied": req.Action, "unreadCount": unread}, start)
}

// Activity serves GET /api/v1/activity: the tenant activity backfill,
// visibility-filtered for the caller.
func (h *Handler) Activity(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	identity, ok := identityFrom(r.Context())
	if !ok {
		respondError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "missing identity")
		return
	}

	filter := models.ActivityFilter{
		TargetType:   r.URL.Query().Get("targetType"),
		TargetID:     r.URL.Query().Get("targetId"),
		ActivityType: r.URL.Query().Get("activityType"),
		Limit:        h.pageLimit(r),
		Offset:       queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("dateFrom"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "dateFrom must be RFC3339")
			return
		}
		filter.DateFrom = t
	}
	if raw := r.URL.Query().Get("dateTo"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "dateTo must be RFC3339")
			return
		}
		filter.DateTo = t
	}

	page, err := h.activity.Query(r.Context(), identity, filter)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, page, start)
}

// Messages serves GET /api/v1/messages: per-conversation backfill by
// sequence number, for reconnect reconciliation.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	identity, ok := identityFrom(r.Context())
	if !ok {
		respondError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "missing identity")
		return
	}

	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "conversationId is required")
		return
	}
	if h.authorizer == nil || !h.authorizer.CanAccessConversation(r.Context(), identity.UserID, conversationID) {
		respondError(w, r, http.StatusForbidden, ErrCodeForbidden, "not authorized for conversation")
		return
	}

	afterSeq, err := strconv.ParseUint(r.URL.Query().Get("afterSeq"), 10, 64)
	if err != nil && r.URL.Query().Get("afterSeq") != "" {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "afterSeq must be a non-negative integer")
		return
	}

	page, err := h.channel.History(r.Context(), conversationID, afterSeq, h.pageLimit(r))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, page, start)
}

// Presence serves GET /api/v1/presence: a point-in-time snapshot for
// roster UIs, limited to the caller's tenant.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	identity, ok := identityFrom(r.Context())
	if !ok {
		respondError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "missing identity")
		return
	}

	raw := r.URL.Query().Get("userIds")
	if raw == "" {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "userIds is required")
		return
	}
	userIDs := strings.Split(raw, ",")
	for i := range userIDs {
		userIDs[i] = strings.TrimSpace(userIDs[i])
	}

	records := h.tracker.Snapshot(userIDs)
	visible := make([]models.PresenceRecord, 0, len(records))
	for _, rec := range records {
		// Presence is tenant-visible only. Users never seen by this hub
		// instance come back as offline records with an empty tenant.
		if rec.TenantID == "" || rec.TenantID == identity.TenantID {
			visible = append(visible, rec)
		}
	}
	respondJSON(w, r, http.StatusOK, map[string]any{"presence": visible}, start)
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, map[string]string{"status": "alive"}, time.Now())
}

// HealthReady reports whether the hub can serve traffic.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			respondError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
			return
		}
	}
	respondJSON(w, r, http.StatusOK, map[string]any{
		"status":      "ready",
		"connections": h.gateway.ConnectionCount(),
	}, time.Now())
}

// respondStoreError maps store error sentinels onto HTTP statuses.
func respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "not found")
	case errors.Is(err, store.ErrPermissionDenied):
		respondError(w, r, http.StatusForbidden, ErrCodeForbidden, "permission denied")
	case errors.Is(err, store.ErrUnavailable):
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, "store temporarily unavailable")
	default:
		logging.Ctx(r.Context()).Error().Err(err).Msg("unhandled store error")
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
	}
}

// pageLimit clamps the caller's requested page size to the configured
// bounds. The stores apply their own hard ceiling below this.
func (h *Handler) pageLimit(r *http.Request) int {
	limit := queryInt(r, "limit", h.pages.DefaultPageSize)
	if limit <= 0 {
		limit = h.pages.DefaultPageSize
	}
	if h.pages.MaxPageSize > 0 && limit > h.pages.MaxPageSize {
		limit = h.pages.MaxPageSize
	}
	return limit
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
