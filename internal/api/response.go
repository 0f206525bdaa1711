// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

// Package api provides the HTTP surface of the hub: the websocket upgrade
// endpoint plus the REST backfill routes clients use to reconcile state
// after reconnecting.
package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/casewire/casewire/internal/logging"
	"github.com/casewire/casewire/internal/models"
)

// Error codes for API responses.
const (
	ErrCodeBadRequest    = "VALIDATION_ERROR"
	ErrCodeUnauthorized  = "AUTHENTICATION_ERROR"
	ErrCodeForbidden     = "AUTHORIZATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeUnavailable   = "STORE_UNAVAILABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// respondJSON writes a success envelope.
func respondJSON(w http.ResponseWriter, r *http.Request, status int, data any, start time.Time) {
	resp := models.APIResponse{
		Status: "ok",
		Data:   data,
		Metadata: models.Metadata{
			Timestamp:   time.Now().UTC(),
			QueryTimeMS: float64(time.Since(start).Microseconds()) / 1000.0,
		},
	}
	writeEnvelope(w, r, status, resp)
}

// respondError writes an error envelope.
func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	resp := models.APIResponse{
		Status:   "error",
		Metadata: models.Metadata{Timestamp: time.Now().UTC()},
		Error:    &models.APIError{Code: code, Message: message},
	}
	writeEnvelope(w, r, status, resp)
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, resp models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("failed to encode response")
	}
}
