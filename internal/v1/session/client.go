// Package session owns the websocket edge: connection pumps, the per-socket
// request state machine, and the Hub that routes connections into rooms.
//
// Each connection runs two goroutines. readPump decodes frames off the wire
// and drives the Session dispatch; writePump drains the outbound queue and
// keeps the socket alive with pings. Domain code never touches the socket,
// it enqueues frames through the bus.Subscriber interface the Client
// implements.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openmeet-labs/signaling/internal/v1/logging"
	"github.com/openmeet-labs/signaling/internal/v1/metrics"
	"github.com/openmeet-labs/signaling/internal/v1/protocol"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 256
)

// wsConnection is the slice of *websocket.Conn the Client needs. Tests
// substitute a mock.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Client pumps frames between one websocket and one Session. It implements
// bus.Subscriber so room channels can fan out to it directly.
type Client struct {
	connectionID string
	conn         wsConnection
	session      *Session

	send chan *protocol.Frame
	done chan struct{}
	once sync.Once

	pingInterval time.Duration
	pongTimeout  time.Duration
}

func newClient(connectionID string, conn wsConnection, pingInterval, pongTimeout time.Duration) *Client {
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}
	return &Client{
		connectionID: connectionID,
		conn:         conn,
		send:         make(chan *protocol.Frame, sendQueueSize),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
	}
}

// ID returns the connection id this subscriber is registered under.
func (c *Client) ID() string { return c.connectionID }

// Enqueue queues a frame for delivery without blocking. A full queue drops
// the frame; a slow consumer must not stall the room's fan-out.
func (c *Client) Enqueue(frame *protocol.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		metrics.DroppedFrames.Inc()
		logging.Warn(context.Background(), "send queue full, dropping frame",
			zap.String("connection_id", c.connectionID),
			zap.String("frame_type", frame.Type))
		return false
	}
}

// close is idempotent; both pumps and the hub may race to call it.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readPump decodes inbound frames and hands them to the Session. Runs until
// the socket errors or closes, then triggers the disconnect path.
func (c *Client) readPump() {
	defer func() {
		c.session.socketClosed(c)
		c.close()
	}()

	if c.pongTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
		})
	}

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warn(context.Background(), "dropping malformed frame",
				zap.String("connection_id", c.connectionID), zap.Error(err))
			continue
		}
		c.session.handleFrame(&frame)
	}
}

// writePump serializes all socket writes: queued frames, keepalive pings,
// and the closing handshake.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			data, err := json.Marshal(frame)
			if err != nil {
				logging.Error(context.Background(), "failed to encode frame",
					zap.String("connection_id", c.connectionID), zap.Error(err))
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
