// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

// Package auth verifies handshake tokens issued by the external
// authenticator. The hub never issues credentials itself; it only checks
// the HMAC signature and expiry of tokens presented at connect time and
// extracts the verified identity from the claims.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/casewire/casewire/internal/models"
)

// Sentinel errors for handshake rejection. Both map to the auth_error
// handshake reply; no connection state is created when they occur.
var (
	ErrInvalidToken = errors.New("invalid handshake token")
	ErrExpiredToken = errors.New("expired handshake token")
)

// Claims is the token payload the external authenticator signs.
type Claims struct {
	UserID      string `json:"uid"`
	TenantID    string `json:"tid"`
	Role        string `json:"role"`
	DisplayName string `json:"name"`
	jwt.RegisteredClaims
}

// TokenVerifier validates handshake tokens and extracts identities.
// Uses HMAC-SHA256 with a secret shared with the external authenticator.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier for the shared signing secret.
// The secret must be at least 32 bytes.
func NewTokenVerifier(secret string) (*TokenVerifier, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token secret must be at least 32 characters, got %d", len(secret))
	}
	return &TokenVerifier{secret: []byte(secret)}, nil
}

// Verify validates a handshake token and returns the identity it carries.
// Returns ErrExpiredToken for structurally valid but expired tokens and
// ErrInvalidToken for everything else (bad signature, wrong algorithm,
// malformed structure, missing identity claims).
func (v *TokenVerifier) Verify(tokenString string) (models.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		// Reject unexpected algorithms (RS256, none) to prevent
		// algorithm confusion attacks.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return models.Identity{}, ErrExpiredToken
		}
		return models.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return models.Identity{}, ErrInvalidToken
	}
	if claims.UserID == "" || claims.TenantID == "" {
		return models.Identity{}, fmt.Errorf("%w: missing identity claims", ErrInvalidToken)
	}

	return models.Identity{
		UserID:      claims.UserID,
		TenantID:    claims.TenantID,
		Role:        claims.Role,
		DisplayName: claims.DisplayName,
	}, nil
}

// Sign issues a token for the given identity. The hub itself only issues
// tokens in tests; production tokens come from the external authenticator
// with the same claim layout.
func (v *TokenVerifier) Sign(identity models.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:      identity.UserID,
		TenantID:    identity.TenantID,
		Role:        identity.Role,
		DisplayName: identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
