// Casewire - Real-Time Case Collaboration Hub
// Copyright 2026 Casewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casewire/casewire

package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/casewire/casewire/internal/logging"
	"github.com/casewire/casewire/internal/models"
	"github.com/casewire/casewire/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	heartbeatWait  = 60 * time.Second
	pingPeriod     = (heartbeatWait * 9) / 10
	authWait       = 10 * time.Second
	maxFrameSize   = 64 * 1024 // 64 KB
	sendBufferSize = 256

	// Inbound control frames per connection. Live traffic flows
	// server-to-client; a client has no business sending faster than this.
	inboundRate  = rate.Limit(20)
	inboundBurst = 40
)

// connIDCounter generates unique, monotonically increasing connection IDs.
// IDs are never reused for the lifetime of the process.
var connIDCounter atomic.Uint64

// Client is a middleman between one websocket connection and the gateway.
// It is created only after the handshake auth frame has been verified.
type Client struct {
	id       registry.ConnID
	gw       *Gateway
	conn     *websocket.Conn
	identity models.Identity
	send     chan any
	done     chan struct{}
	limiter  *rate.Limiter
	openedAt time.Time

	closeOnce sync.Once
}

func newClient(gw *Gateway, conn *websocket.Conn, identity models.Identity) *Client {
	return &Client{
		id:       registry.ConnID(connIDCounter.Add(1)),
		gw:       gw,
		conn:     conn,
		identity: identity,
		send:     make(chan any, sendBufferSize),
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(inboundRate, inboundBurst),
		openedAt: time.Now(),
	}
}

// ID returns the connection identifier used by the room registry.
func (c *Client) ID() registry.ConnID { return c.id }

// Identity returns the verified identity bound at handshake time.
func (c *Client) Identity() models.Identity { return c.identity }

// enqueue offers an outbound payload without blocking. It reports false when
// the buffer is full, which the gateway treats as a slow consumer. The send
// channel is never closed; publishers racing a teardown see a full buffer at
// worst, never a panic.
func (c *Client) enqueue(v any) bool {
	select {
	case c.send <- v:
		return true
	default:
		return false
	}
}

// closed reports whether teardown has started for this connection.
func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// close tears down the connection: done wakes the write pump, and the closed
// socket makes the read pump drive unregistration. Safe to call repeatedly
// from any goroutine.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readPump pumps frames from the websocket connection to the gateway.
// The read deadline doubles as the idle reaper: a connection that sends
// nothing (not even a heartbeat) within heartbeatWait is dropped.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.gw.unregister <- c:
		case <-c.gw.doneCh():
		}
		c.close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(heartbeatWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(heartbeatWait))
	})

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Str("user_id", c.identity.UserID).Msg("websocket read error")
			}
			return
		}

		// Any well-formed frame counts as liveness.
		_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatWait))

		if !c.limiter.Allow() {
			logging.Warn().Str("user_id", c.identity.UserID).Str("frame_type", frame.Type).
				Msg("inbound frame rate exceeded, dropping frame")
			continue
		}

		c.gw.dispatch(c, frame)
	}
}

// writePump pumps payloads from the gateway to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case payload := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}

			if err := c.conn.WriteJSON(payload); err != nil {
				logging.Debug().Err(err).Str("user_id", c.identity.UserID).Msg("websocket write error")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
