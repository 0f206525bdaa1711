// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/casewire/casewire/internal/models"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestVerifier(t *testing.T) *TokenVerifier {
	t.Helper()
	v, err := NewTokenVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewTokenVerifier: %v", err)
	}
	return v
}

func testIdentity() models.Identity {
	return models.Identity{
		UserID:      "u1",
		TenantID:    "t1",
		Role:        "staff",
		DisplayName: "Alice Worker",
	}
}

func TestNewTokenVerifierRejectsShortSecret(t *testing.T) {
	if _, err := NewTokenVerifier("short"); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.Sign(testIdentity(), time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	identity, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if identity != testIdentity() {
		t.Errorf("identity = %+v, want %+v", identity, testIdentity())
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.Sign(testIdentity(), -time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := v.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyTamperedToken(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.Sign(testIdentity(), time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	tampered := token[:len(token)-4] + "XXXX"
	if _, err := v.Verify(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for tampered token, got %v", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	v := newTestVerifier(t)
	other, err := NewTokenVerifier(strings.Repeat("z", 32))
	if err != nil {
		t.Fatalf("NewTokenVerifier: %v", err)
	}

	token, err := other.Sign(testIdentity(), time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	v := newTestVerifier(t)

	claims := &Claims{UserID: "u1", TenantID: "t1"}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	unsigned, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	if _, err := v.Verify(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for alg=none, got %v", err)
	}
}

func TestVerifyMissingIdentityClaims(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.Sign(models.Identity{UserID: "u1"}, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for missing tenant claim, got %v", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	v := newTestVerifier(t)
	for _, input := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := v.Verify(input); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify(%q) expected ErrInvalidToken, got %v", input, err)
		}
	}
}
