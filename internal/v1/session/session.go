package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openmeet-labs/signaling/internal/v1/auth"
	"github.com/openmeet-labs/signaling/internal/v1/logging"
	"github.com/openmeet-labs/signaling/internal/v1/metrics"
	"github.com/openmeet-labs/signaling/internal/v1/protocol"
	"github.com/openmeet-labs/signaling/internal/v1/room"
)

// requestTimeout bounds a single request end to end, media worker calls
// included. Requests that overrun are acked with TIMEOUT.
const requestTimeout = 30 * time.Second

type sessionState int

const (
	stateIdle sessionState = iota // authenticated, not in a room
	stateWaiting
	stateJoined
	stateClosed
)

// Session is the per-connection request state machine. The socket is
// authenticated before the Session exists; from there it moves between
// idle, waiting (queued in a waiting room), and joined.
type Session struct {
	hub    *Hub
	client *Client
	claims *auth.Claims

	connectionID  string
	sessionID     string
	defaultRoomID string // from the ws path, used when joinRoom omits roomId

	mu    sync.Mutex
	state sessionState
	room  *room.Room
}

func newSession(hub *Hub, client *Client, claims *auth.Claims, defaultRoomID string) *Session {
	s := &Session{
		hub:           hub,
		client:        client,
		claims:        claims,
		connectionID:  client.connectionID,
		sessionID:     claims.SessionID,
		defaultRoomID: defaultRoomID,
	}
	client.session = s
	return s
}

func (s *Session) currentRoom() (*room.Room, sessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room, s.state
}

func (s *Session) setRoom(rm *room.Room, state sessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room = rm
	s.state = state
}

// takeRoom detaches the session from its room, returning the old room.
func (s *Session) takeRoom() *room.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm := s.room
	s.room = nil
	s.state = stateIdle
	return rm
}

// requestContext seeds the logging context for one request.
func (s *Session) requestContext() context.Context {
	ctx := context.WithValue(context.Background(), logging.ConnectionIDKey, s.connectionID)
	ctx = context.WithValue(ctx, logging.UserKeyKey, logging.RedactEmail(s.claims.UserKey()))
	if rm, _ := s.currentRoom(); rm != nil {
		ctx = context.WithValue(ctx, logging.RoomIDKey, rm.ID)
	}
	return ctx
}

// handleFrame processes one inbound frame and emits exactly one ack.
// Called from the client's readPump; requests on one connection are
// therefore handled strictly in arrival order.
func (s *Session) handleFrame(frame *protocol.Frame) {
	if frame.Type == "" || frame.Type == protocol.FrameTypeAck {
		return
	}
	if frame.ID == 0 {
		logging.Warn(context.Background(), "dropping request without id",
			zap.String("connection_id", s.connectionID),
			zap.String("frame_type", frame.Type))
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(s.requestContext(), requestTimeout)
	defer cancel()

	payload, werr := s.dispatch(ctx, frame)
	if werr == nil && ctx.Err() == context.DeadlineExceeded {
		werr = protocol.NewError(protocol.ErrTimeout, "request timed out")
	}

	status := "ok"
	if werr != nil {
		status = string(werr.Code)
	}
	metrics.RequestsTotal.WithLabelValues(frame.Type, status).Inc()
	metrics.RequestDuration.WithLabelValues(frame.Type).Observe(time.Since(start).Seconds())

	var ack *protocol.Frame
	if werr != nil {
		ack = protocol.NewErrorAck(frame.ID, werr)
	} else {
		var err error
		ack, err = protocol.NewAck(frame.ID, payload)
		if err != nil {
			logging.Error(ctx, "failed to encode ack",
				zap.String("frame_type", frame.Type), zap.Error(err))
			ack = protocol.NewErrorAck(frame.ID, protocol.NewError(protocol.ErrInternal, "internal error"))
		}
	}
	s.client.Enqueue(ack)
}

func (s *Session) dispatch(ctx context.Context, frame *protocol.Frame) (any, *protocol.Error) {
	if werr := s.hub.throttle(ctx, s.claims.UserKey()); werr != nil {
		return nil, werr
	}

	handler, ok := handlers[frame.Type]
	if !ok {
		return nil, protocol.NewError(protocol.ErrBadRequest, "unknown request type %q", frame.Type)
	}

	// Everything except join, leave, and the room listing requires an
	// admitted connection.
	switch frame.Type {
	case protocol.RequestJoinRoom, protocol.RequestLeaveRoom, protocol.RequestGetRooms:
	default:
		if _, state := s.currentRoom(); state != stateJoined {
			return nil, protocol.NewError(protocol.ErrNotReady, "join a room first")
		}
	}

	return handler(ctx, s, frame.Payload)
}

// joinedRoom returns the session's room for handlers that already passed
// the stateJoined gate. Guards against the room closing underneath us.
func (s *Session) joinedRoom() (*room.Room, *protocol.Error) {
	rm, state := s.currentRoom()
	if rm == nil || state != stateJoined {
		return nil, protocol.NewError(protocol.ErrNotReady, "join a room first")
	}
	if rm.Closed() {
		return nil, protocol.NewError(protocol.ErrRoomNotFound, "room %s not found", rm.ID)
	}
	return rm, nil
}

// socketClosed runs when a read pump exits. A socket the session has
// already replaced through a reconnect only settles the connection gauge;
// otherwise the hub decides between an immediate leave and the disconnect
// grace window.
func (s *Session) socketClosed(c *Client) {
	s.mu.Lock()
	if s.client != c {
		s.mu.Unlock()
		metrics.ActiveConnections.Dec()
		return
	}
	prev := s.state
	rm := s.room
	s.state = stateClosed
	s.mu.Unlock()
	if prev == stateClosed {
		return
	}
	metrics.ActiveConnections.Dec()
	s.hub.connectionClosed(s, rm, prev == stateJoined)
}

// adoptClient rebinds the session to the replacement socket after a
// reconnect, returning the client it displaces.
func (s *Session) adoptClient(c *Client) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.client
	s.client = c
	c.session = s
	s.state = stateJoined
	return old
}
