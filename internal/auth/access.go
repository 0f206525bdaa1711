// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

package auth

import "context"

// OpenAccess grants every authenticated user access to every case and
// conversation. The hub trusts the upstream case service to only hand
// out tokens to users who belong to the tenant; fine-grained membership
// checks belong to that service.
//
// TODO(access): delegate to the case service's membership API once its
// internal gRPC surface is published, instead of granting unconditionally.
type OpenAccess struct{}

func (OpenAccess) CanAccessCase(_ context.Context, _, _ string) bool { return true }

func (OpenAccess) CanAccessConversation(_ context.Context, _, _ string) bool { return true }
