// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/casewire/casewire/internal/auth"
	"github.com/casewire/casewire/internal/logging"
	"github.com/casewire/casewire/internal/models"
)

type identityContextKey struct{}

// identityFrom returns the verified identity the auth middleware attached
// to the request context.
func identityFrom(ctx context.Context) (models.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(models.Identity)
	return identity, ok
}

// requestID assigns each request a fresh ID, exposed both in the response
// header and in the logging context.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

// authenticate verifies the bearer token and attaches the resulting
// identity to the request context. REST callers use the same tokens as the
// websocket handshake.
func authenticate(verifier *auth.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				respondError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "missing bearer token")
				return
			}

			identity, err := verifier.Verify(token)
			if err != nil {
				logging.Ctx(r.Context()).Debug().Err(err).Msg("token verification failed")
				respondError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
