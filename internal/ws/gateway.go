// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/casewire/casewire/internal/auth"
	"github.com/casewire/casewire/internal/logging"
	"github.com/casewire/casewire/internal/metrics"
	"github.com/casewire/casewire/internal/models"
	"github.com/casewire/casewire/internal/presence"
	"github.com/casewire/casewire/internal/registry"
)

var (
	// ErrConnClosed reports a delivery to a connection the gateway no
	// longer tracks.
	ErrConnClosed = errors.New("connection closed")

	// ErrSlowConsumer reports a connection whose outbound buffer was full.
	// The gateway force-closes such connections rather than block fan-out.
	ErrSlowConsumer = errors.New("slow consumer")
)

// Authorizer answers whether a user may join a restricted room. A nil
// Authorizer denies every restricted join.
type Authorizer interface {
	CanAccessCase(ctx context.Context, userID, caseID string) bool
	CanAccessConversation(ctx context.Context, userID, conversationID string) bool
}

// TypingHandler receives ephemeral typing frames from connected clients.
type TypingHandler interface {
	Typing(ctx context.Context, conversationID, userID string, isTyping bool) error
}

// Gateway owns the set of authenticated websocket connections. It accepts
// upgraded sockets, runs the auth handshake, binds each connection to its
// default rooms, and delivers fan-out events to individual connections.
//
// The gateway implements fanout.Sender.
type Gateway struct {
	verifier   *auth.TokenVerifier
	rooms      *registry.Registry
	presence   *presence.Tracker
	authorizer Authorizer
	typing     TypingHandler

	register   chan *Client
	unregister chan *Client

	clients map[registry.ConnID]*Client
	done    chan struct{}
	mu      sync.RWMutex
}

// NewGateway creates a gateway. typing and authorizer may be nil; a nil
// authorizer means no restricted room can be joined over this gateway.
func NewGateway(verifier *auth.TokenVerifier, rooms *registry.Registry, tracker *presence.Tracker, authorizer Authorizer, typing TypingHandler) *Gateway {
	return &Gateway{
		verifier:   verifier,
		rooms:      rooms,
		presence:   tracker,
		authorizer: authorizer,
		typing:     typing,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[registry.ConnID]*Client),
		done:       make(chan struct{}),
	}
}

// doneCh returns the channel closed when the lifecycle loop stops. It is
// refreshed on every Serve call so a supervised restart accepts clients
// again.
func (g *Gateway) doneCh() chan struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.done
}

// Accept runs the auth handshake on an upgraded connection. The first frame
// must be an auth frame carrying a verifiable token; anything else closes the
// socket before any state is attached to it. On success the connection is
// registered and its pumps started.
func (g *Gateway) Accept(conn *websocket.Conn) {
	identity, ok := g.handshake(conn)
	if !ok {
		return
	}

	client := newClient(g, conn, identity)
	select {
	case g.register <- client:
	case <-g.doneCh():
		// Gateway stopped between upgrade and registration.
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// handshake reads and verifies the auth frame. It reports false after
// closing the connection when the handshake fails.
func (g *Gateway) handshake(conn *websocket.Conn) (models.Identity, bool) {
	conn.SetReadLimit(maxFrameSize)
	if err := conn.SetReadDeadline(time.Now().Add(authWait)); err != nil {
		_ = conn.Close()
		return models.Identity{}, false
	}

	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		metrics.ConnectionsTotal.WithLabelValues("timeout").Inc()
		g.rejectConn(conn, "AUTHENTICATION_ERROR", "no auth frame received")
		return models.Identity{}, false
	}

	if frame.Type != FrameAuth {
		metrics.ConnectionsTotal.WithLabelValues("auth_error").Inc()
		g.rejectConn(conn, "AUTHENTICATION_ERROR", "first frame must be auth")
		return models.Identity{}, false
	}

	var payload AuthPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.Token == "" {
		metrics.ConnectionsTotal.WithLabelValues("auth_error").Inc()
		g.rejectConn(conn, "AUTHENTICATION_ERROR", "malformed auth payload")
		return models.Identity{}, false
	}

	identity, err := g.verifier.Verify(payload.Token)
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues("auth_error").Inc()
		msg := "invalid token"
		if errors.Is(err, auth.ErrExpiredToken) {
			msg = "token expired"
		}
		g.rejectConn(conn, "AUTHENTICATION_ERROR", msg)
		return models.Identity{}, false
	}

	return identity, true
}

// rejectConn writes a terminal auth_error frame and closes the socket.
func (g *Gateway) rejectConn(conn *websocket.Conn, code, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(ControlFrame{Type: FrameAuthError, Code: code, Message: message})
	_ = conn.Close()
}

// Send delivers an event to one connection without blocking. A full outbound
// buffer marks the connection as a slow consumer and force-closes it; the
// caller treats the failure as best effort.
func (g *Gateway) Send(connID registry.ConnID, event models.Event) error {
	g.mu.RLock()
	client, ok := g.clients[connID]
	g.mu.RUnlock()
	if !ok || client.closed() {
		return ErrConnClosed
	}

	if !client.enqueue(event) {
		metrics.DeliveryTimeouts.Inc()
		metrics.EventsDropped.WithLabelValues("slow_consumer").Inc()
		logging.Warn().Str("user_id", client.identity.UserID).Uint64("conn_id", uint64(connID)).
			Msg("outbound buffer full, closing slow consumer")
		client.close()
		return ErrSlowConsumer
	}
	return nil
}

// ConnectionCount returns the number of registered connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Serve runs the gateway lifecycle loop under supervision. Shutdown is
// checked ahead of lifecycle events so a canceled context wins when both
// channels are ready.
func (g *Gateway) Serve(ctx context.Context) error {
	g.mu.Lock()
	g.done = make(chan struct{})
	g.mu.Unlock()

	for {
		// Priority 1: shutdown.
		select {
		case <-ctx.Done():
			g.shutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case <-ctx.Done():
			g.shutdown(ctx)
			return ctx.Err()

		case client := <-g.register:
			g.addClient(client)

		case client := <-g.unregister:
			g.removeClient(client)
		}
	}
}

func (g *Gateway) String() string { return "ws-gateway" }

// addClient registers a freshly authenticated connection: it joins the
// connection to its default rooms, opens presence, and acknowledges the
// handshake over the connection's own send queue.
func (g *Gateway) addClient(client *Client) {
	g.mu.Lock()
	g.clients[client.id] = client
	total := len(g.clients)
	g.mu.Unlock()

	// Default rooms are unrestricted for the owning identity.
	_ = g.rooms.Join(client.id, models.UserRoom(client.identity.UserID), nil)
	_ = g.rooms.Join(client.id, models.TenantRoom(client.identity.TenantID), nil)

	g.presence.ConnectionOpened(client.identity)

	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()

	client.enqueue(ControlFrame{
		Type: FrameConnected,
		Payload: map[string]string{
			"userId":   client.identity.UserID,
			"tenantId": client.identity.TenantID,
		},
	})

	logging.Info().Str("user_id", client.identity.UserID).Str("tenant_id", client.identity.TenantID).
		Uint64("conn_id", uint64(client.id)).Int("total_connections", total).
		Msg("websocket client connected")
}

// removeClient tears down a connection: registry membership, presence, and
// the write pump. Safe against duplicate unregister events.
func (g *Gateway) removeClient(client *Client) {
	g.mu.Lock()
	_, known := g.clients[client.id]
	if known {
		delete(g.clients, client.id)
	}
	total := len(g.clients)
	g.mu.Unlock()

	if !known {
		return
	}

	g.rooms.DropConnection(client.id)
	g.presence.ConnectionClosed(client.identity.UserID)
	client.close()

	metrics.ConnectionsActive.Dec()
	metrics.ConnectionDuration.Observe(time.Since(client.openedAt).Seconds())

	logging.Info().Str("user_id", client.identity.UserID).Uint64("conn_id", uint64(client.id)).
		Int("total_connections", total).Msg("websocket client disconnected")
}

// shutdown force-closes every tracked connection so the supervisor can
// restart the gateway without orphaned sockets.
func (g *Gateway) shutdown(ctx context.Context) {
	g.mu.Lock()
	close(g.done)
	clients := make([]*Client, 0, len(g.clients))
	for _, client := range g.clients {
		clients = append(clients, client)
	}
	g.clients = make(map[registry.ConnID]*Client)
	g.mu.Unlock()

	for _, client := range clients {
		g.rooms.DropConnection(client.id)
		g.presence.ConnectionClosed(client.identity.UserID)
		client.close()
		metrics.ConnectionsActive.Dec()
	}

	reason := "context_canceled"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = "context_deadline"
	}
	logging.Info().Str("component", "ws-gateway").Str("reason", reason).
		Int("clients_closed", len(clients)).Msg("gateway shutdown complete")
}

// dispatch routes one inbound frame. Frame handlers never block on fan-out;
// errors are reported to the sending connection only.
func (g *Gateway) dispatch(client *Client, frame Frame) {
	switch frame.Type {
	case FrameHeartbeat:
		g.presence.Heartbeat(client.identity.UserID)

	case FrameStatus:
		g.handleStatus(client, frame.Payload)

	case FrameSubscribe:
		g.handleSubscribe(client, frame.Payload)

	case FrameUnsubscribe:
		g.handleUnsubscribe(client, frame.Payload)

	case FrameTyping:
		g.handleTyping(client, frame.Payload)

	case FrameAuth:
		// Already authenticated; re-auth on a live connection is not a thing.
		client.enqueue(ControlFrame{Type: FrameError, Code: "VALIDATION_ERROR", Message: "connection already authenticated"})

	default:
		client.enqueue(ControlFrame{Type: FrameError, Code: "VALIDATION_ERROR", Message: "unknown frame type: " + frame.Type})
	}
}

func (g *Gateway) handleStatus(client *Client, raw json.RawMessage) {
	var payload StatusPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		client.enqueue(ControlFrame{Type: FrameError, Code: "VALIDATION_ERROR", Message: "malformed status payload"})
		return
	}

	if payload.Status != "" {
		if !g.presence.SetStatus(client.identity.UserID, models.PresenceStatus(payload.Status)) {
			client.enqueue(ControlFrame{Type: FrameError, Code: "VALIDATION_ERROR", Message: "invalid presence status: " + payload.Status})
			return
		}
	}
	if payload.Page != "" {
		g.presence.SetPage(client.identity.UserID, payload.Page)
	}
}

func (g *Gateway) handleSubscribe(client *Client, raw json.RawMessage) {
	var payload SubscribePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		client.enqueue(ControlFrame{Type: FrameError, Code: "VALIDATION_ERROR", Message: "malformed subscribe payload"})
		return
	}

	room, err := models.ParseRoomKey(payload.Room)
	if err != nil {
		client.enqueue(ControlFrame{Type: FrameError, Code: "VALIDATION_ERROR", Message: "invalid room: " + payload.Room})
		return
	}

	witness, allowed := g.authorizeJoin(client, room)
	if !allowed {
		client.enqueue(ControlFrame{Type: FrameError, Code: "AUTHORIZATION_ERROR", Message: "not authorized for room: " + payload.Room})
		return
	}

	if err := g.rooms.Join(client.id, room, witness); err != nil {
		client.enqueue(ControlFrame{Type: FrameError, Code: "AUTHORIZATION_ERROR", Message: "not authorized for room: " + payload.Room})
	}
}

func (g *Gateway) handleUnsubscribe(client *Client, raw json.RawMessage) {
	var payload SubscribePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		client.enqueue(ControlFrame{Type: FrameError, Code: "VALIDATION_ERROR", Message: "malformed unsubscribe payload"})
		return
	}

	room, err := models.ParseRoomKey(payload.Room)
	if err != nil {
		return
	}
	g.rooms.Leave(client.id, room)
}

func (g *Gateway) handleTyping(client *Client, raw json.RawMessage) {
	if g.typing == nil {
		return
	}

	var payload TypingPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ConversationID == "" {
		client.enqueue(ControlFrame{Type: FrameError, Code: "VALIDATION_ERROR", Message: "malformed typing payload"})
		return
	}

	// Typing indicators must reach subscribers, so the frame only counts
	// for a conversation the connection is actually in.
	if !g.rooms.Contains(client.id, models.ConversationRoom(payload.ConversationID)) {
		client.enqueue(ControlFrame{Type: FrameError, Code: "AUTHORIZATION_ERROR", Message: "not subscribed to conversation: " + payload.ConversationID})
		return
	}

	if err := g.typing.Typing(context.Background(), payload.ConversationID, client.identity.UserID, payload.IsTyping); err != nil {
		logging.Warn().Err(err).Str("conversation_id", payload.ConversationID).Msg("typing frame dropped")
	}
}

// authorizeJoin decides whether an identity may join a room. Default rooms
// belong to the identity itself; restricted rooms delegate to the Authorizer.
func (g *Gateway) authorizeJoin(client *Client, room models.RoomKey) (*registry.Witness, bool) {
	switch room.Kind() {
	case models.RoomUser:
		return nil, room.ID() == client.identity.UserID
	case models.RoomTenant:
		return nil, room.ID() == client.identity.TenantID
	case models.RoomCase:
		if g.authorizer == nil || !g.authorizer.CanAccessCase(context.Background(), client.identity.UserID, room.ID()) {
			return nil, false
		}
		return &registry.Witness{Granted: true}, true
	case models.RoomConversation:
		if g.authorizer == nil || !g.authorizer.CanAccessConversation(context.Background(), client.identity.UserID, room.ID()) {
			return nil, false
		}
		return &registry.Witness{Granted: true}, true
	default:
		return nil, false
	}
}
