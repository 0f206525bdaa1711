// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

package ws

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/casewire/casewire/internal/auth"
	"github.com/casewire/casewire/internal/logging"
	"github.com/casewire/casewire/internal/models"
	"github.com/casewire/casewire/internal/presence"
	"github.com/casewire/casewire/internal/registry"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

const testSecret = "unit-test-secret-0123456789abcdef"

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, models.Event, ...models.RoomKey) error { return nil }

// fakeAuthorizer grants access to explicitly listed cases and conversations.
type fakeAuthorizer struct {
	cases         map[string]bool
	conversations map[string]bool
}

func (a *fakeAuthorizer) CanAccessCase(_ context.Context, _, caseID string) bool {
	return a.cases[caseID]
}

func (a *fakeAuthorizer) CanAccessConversation(_ context.Context, _, conversationID string) bool {
	return a.conversations[conversationID]
}

// captureTyping records typing calls for assertions.
type captureTyping struct {
	mu    sync.Mutex
	calls []TypingPayload
}

func (c *captureTyping) Typing(_ context.Context, conversationID, _ string, isTyping bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, TypingPayload{ConversationID: conversationID, IsTyping: isTyping})
	return nil
}

func (c *captureTyping) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type testEnv struct {
	verifier   *auth.TokenVerifier
	rooms      *registry.Registry
	tracker    *presence.Tracker
	authorizer *fakeAuthorizer
	typing     *captureTyping
	gateway    *Gateway
	server     *httptest.Server
	cancel     context.CancelFunc
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	verifier, err := auth.NewTokenVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewTokenVerifier: %v", err)
	}

	env := &testEnv{
		verifier:   verifier,
		rooms:      registry.New(),
		authorizer: &fakeAuthorizer{cases: map[string]bool{}, conversations: map[string]bool{}},
		typing:     &captureTyping{},
	}
	env.tracker = presence.NewTracker(nopPublisher{}, presence.Config{
		AwayTimeout:  time.Minute,
		OfflineGrace: 20 * time.Millisecond,
	})
	env.gateway = NewGateway(verifier, env.rooms, env.tracker, env.authorizer, env.typing)

	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	go func() { _ = env.gateway.Serve(ctx) }()

	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		env.gateway.Accept(conn)
	}))

	t.Cleanup(func() {
		env.server.Close()
		cancel()
	})
	return env
}

func (env *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (env *testEnv) token(t *testing.T, identity models.Identity) string {
	t.Helper()
	token, err := env.verifier.Sign(identity, time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return token
}

// authenticate runs the handshake and consumes the connected frame.
func (env *testEnv) authenticate(t *testing.T, conn *websocket.Conn, identity models.Identity) {
	t.Helper()
	writeFrame(t, conn, FrameAuth, AuthPayload{Token: env.token(t, identity)})

	reply := readRaw(t, conn)
	if reply["type"] != FrameConnected {
		t.Fatalf("expected connected frame, got %v", reply)
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, frameType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := conn.WriteJSON(Frame{Type: frameType, Payload: raw}); err != nil {
		t.Fatalf("write %s frame: %v", frameType, err)
	}
}

// readRaw reads one JSON message as a flat map so tests can inspect both
// control frames and event envelopes.
func readRaw(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testIdentity() models.Identity {
	return models.Identity{UserID: "user-1", TenantID: "tenant-1", Role: "agent", DisplayName: "User One"}
}

func TestHandshakeAcceptsValidToken(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.authenticate(t, conn, testIdentity())

	waitFor(t, "connection registration", func() bool {
		return env.gateway.ConnectionCount() == 1
	})
	waitFor(t, "default room membership", func() bool {
		return len(env.rooms.MembersOf(models.UserRoom("user-1"))) == 1 &&
			len(env.rooms.MembersOf(models.TenantRoom("tenant-1"))) == 1
	})

	if got := env.tracker.Get("user-1").Status; got != models.PresenceOnline {
		t.Fatalf("presence after connect = %s, want %s", got, models.PresenceOnline)
	}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	writeFrame(t, conn, FrameAuth, AuthPayload{Token: "not-a-token"})

	reply := readRaw(t, conn)
	if reply["type"] != FrameAuthError {
		t.Fatalf("expected auth_error frame, got %v", reply)
	}

	// The socket must be closed after the rejection.
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected closed connection after auth rejection")
	}
	if env.gateway.ConnectionCount() != 0 {
		t.Fatal("rejected connection must not be registered")
	}
}

func TestHandshakeRejectsNonAuthFirstFrame(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	writeFrame(t, conn, FrameHeartbeat, struct{}{})

	reply := readRaw(t, conn)
	if reply["type"] != FrameAuthError {
		t.Fatalf("expected auth_error frame, got %v", reply)
	}
}

func TestSendDeliversEventToConnection(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.authenticate(t, conn, testIdentity())

	var connID registry.ConnID
	waitFor(t, "registration", func() bool {
		members := env.rooms.MembersOf(models.UserRoom("user-1"))
		if len(members) != 1 {
			return false
		}
		connID = members[0]
		return true
	})

	event := models.NewEvent(models.EventNotificationNew, map[string]string{"title": "hello"})
	if err := env.gateway.Send(connID, event); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := readRaw(t, conn)
	if got["type"] != string(models.EventNotificationNew) {
		t.Fatalf("delivered event type = %v, want %s", got["type"], models.EventNotificationNew)
	}
	if got["id"] != event.ID {
		t.Fatalf("delivered event id = %v, want %s", got["id"], event.ID)
	}
}

func TestSendToUnknownConnection(t *testing.T) {
	env := newTestEnv(t)

	err := env.gateway.Send(registry.ConnID(999999), models.NewEvent(models.EventActivityNew, nil))
	if !errors.Is(err, ErrConnClosed) {
		t.Fatalf("Send to unknown conn = %v, want ErrConnClosed", err)
	}
}

func TestSubscribeRestrictedRoom(t *testing.T) {
	env := newTestEnv(t)
	env.authorizer.cases["case-7"] = true

	conn := env.dial(t)
	env.authenticate(t, conn, testIdentity())
	waitFor(t, "registration", func() bool { return env.gateway.ConnectionCount() == 1 })

	// Denied case: no grant recorded for case-9.
	writeFrame(t, conn, FrameSubscribe, SubscribePayload{Room: "case:case-9"})
	reply := readRaw(t, conn)
	if reply["type"] != FrameError || reply["code"] != "AUTHORIZATION_ERROR" {
		t.Fatalf("expected authorization error, got %v", reply)
	}

	// Granted case joins silently.
	writeFrame(t, conn, FrameSubscribe, SubscribePayload{Room: "case:case-7"})
	waitFor(t, "case room join", func() bool {
		return len(env.rooms.MembersOf(models.CaseRoom("case-7"))) == 1
	})
}

func TestSubscribeForeignUserRoomDenied(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.authenticate(t, conn, testIdentity())

	writeFrame(t, conn, FrameSubscribe, SubscribePayload{Room: "user:someone-else"})
	reply := readRaw(t, conn)
	if reply["type"] != FrameError || reply["code"] != "AUTHORIZATION_ERROR" {
		t.Fatalf("expected authorization error, got %v", reply)
	}
	if len(env.rooms.MembersOf(models.UserRoom("someone-else"))) != 0 {
		t.Fatal("foreign user room must stay empty")
	}
}

func TestTypingRequiresConversationMembership(t *testing.T) {
	env := newTestEnv(t)
	env.authorizer.conversations["conv-1"] = true

	conn := env.dial(t)
	env.authenticate(t, conn, testIdentity())
	waitFor(t, "registration", func() bool { return env.gateway.ConnectionCount() == 1 })

	writeFrame(t, conn, FrameTyping, TypingPayload{ConversationID: "conv-1", IsTyping: true})
	reply := readRaw(t, conn)
	if reply["type"] != FrameError || reply["code"] != "AUTHORIZATION_ERROR" {
		t.Fatalf("expected authorization error before subscribing, got %v", reply)
	}
	if env.typing.count() != 0 {
		t.Fatal("typing handler must not run for unsubscribed conversation")
	}

	writeFrame(t, conn, FrameSubscribe, SubscribePayload{Room: "conversation:conv-1"})
	waitFor(t, "conversation join", func() bool {
		return len(env.rooms.MembersOf(models.ConversationRoom("conv-1"))) == 1
	})

	writeFrame(t, conn, FrameTyping, TypingPayload{ConversationID: "conv-1", IsTyping: true})
	waitFor(t, "typing handler call", func() bool { return env.typing.count() == 1 })
}

func TestStatusFrameUpdatesPresence(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.authenticate(t, conn, testIdentity())
	waitFor(t, "registration", func() bool { return env.gateway.ConnectionCount() == 1 })

	writeFrame(t, conn, FrameStatus, StatusPayload{Status: "busy", Page: "/cases/case-7"})
	waitFor(t, "status update", func() bool {
		record := env.tracker.Get("user-1")
		return record.Status == models.PresenceBusy && record.CurrentPage == "/cases/case-7"
	})

	// Invalid statuses are rejected without changing state.
	writeFrame(t, conn, FrameStatus, StatusPayload{Status: "invisible"})
	reply := readRaw(t, conn)
	if reply["type"] != FrameError {
		t.Fatalf("expected validation error, got %v", reply)
	}
	if got := env.tracker.Get("user-1").Status; got != models.PresenceBusy {
		t.Fatalf("status after invalid update = %s, want %s", got, models.PresenceBusy)
	}
}

func TestDisconnectCleansUpMembership(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.authenticate(t, conn, testIdentity())
	waitFor(t, "registration", func() bool { return env.gateway.ConnectionCount() == 1 })

	_ = conn.Close()

	waitFor(t, "unregistration", func() bool { return env.gateway.ConnectionCount() == 0 })
	waitFor(t, "room cleanup", func() bool {
		return len(env.rooms.MembersOf(models.UserRoom("user-1"))) == 0 &&
			len(env.rooms.MembersOf(models.TenantRoom("tenant-1"))) == 0
	})
	waitFor(t, "offline after grace", func() bool {
		return env.tracker.Get("user-1").Status == models.PresenceOffline
	})
}

func TestSendRacesDisconnect(t *testing.T) {
	env := newTestEnv(t)

	// A publish landing in the instant between unregistration and write-pump
	// teardown must fail cleanly, never crash the gateway.
	for round := 0; round < 25; round++ {
		conn := env.dial(t)
		env.authenticate(t, conn, testIdentity())

		var connID registry.ConnID
		waitFor(t, "registration", func() bool {
			members := env.rooms.MembersOf(models.UserRoom("user-1"))
			if len(members) != 1 {
				return false
			}
			connID = members[0]
			return true
		})

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				event := models.NewEvent(models.EventNotificationNew, nil)
				for j := 0; j < 200; j++ {
					if err := env.gateway.Send(connID, event); errors.Is(err, ErrConnClosed) {
						return
					}
				}
			}()
		}

		_ = conn.Close()
		wg.Wait()

		waitFor(t, "unregistration", func() bool { return env.gateway.ConnectionCount() == 0 })
	}

	if err := env.gateway.Send(registry.ConnID(0), models.NewEvent(models.EventNotificationNew, nil)); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("Send after disconnect = %v, want ErrConnClosed", err)
	}
}

func TestUnknownFrameKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.authenticate(t, conn, testIdentity())
	waitFor(t, "registration", func() bool { return env.gateway.ConnectionCount() == 1 })

	writeFrame(t, conn, "bogus", struct{}{})
	reply := readRaw(t, conn)
	if reply["type"] != FrameError {
		t.Fatalf("expected error frame, got %v", reply)
	}

	// The connection must survive an unknown frame type.
	writeFrame(t, conn, FrameHeartbeat, struct{}{})
	if env.gateway.ConnectionCount() != 1 {
		t.Fatal("connection dropped after unknown frame")
	}
}

func TestGatewayShutdownClosesClients(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	env.authenticate(t, conn, testIdentity())
	waitFor(t, "registration", func() bool { return env.gateway.ConnectionCount() == 1 })

	env.cancel()

	waitFor(t, "client teardown", func() bool { return env.gateway.ConnectionCount() == 0 })
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	if len(env.rooms.MembersOf(models.UserRoom("user-1"))) != 0 {
		t.Fatal("registry must be empty after shutdown")
	}
}
