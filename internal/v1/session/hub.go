package session

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"

	"github.com/openmeet-labs/signaling/internal/v1/auth"
	"github.com/openmeet-labs/signaling/internal/v1/config"
	"github.com/openmeet-labs/signaling/internal/v1/logging"
	"github.com/openmeet-labs/signaling/internal/v1/media"
	"github.com/openmeet-labs/signaling/internal/v1/metrics"
	"github.com/openmeet-labs/signaling/internal/v1/policy"
	"github.com/openmeet-labs/signaling/internal/v1/protocol"
	"github.com/openmeet-labs/signaling/internal/v1/room"
)

// dormantSession is a joined connection whose socket dropped; it survives
// until the disconnect grace runs out or the same sessionId reattaches.
type dormantSession struct {
	session *Session
	room    *room.Room
	timer   *time.Timer
}

// Hub is the connection front door and room registry. It authenticates
// websocket upgrades, creates rooms on demand, routes media worker events
// into rooms, and runs the disconnect grace for dropped sockets.
type Hub struct {
	cfg      *config.Config
	verifier auth.TokenVerifier
	router   media.Router
	policies *policy.Table
	upgrader websocket.Upgrader

	// wsLimiter throttles requests per user key; nil disables throttling.
	wsLimiter *limiter.Limiter

	mu       sync.Mutex
	rooms    map[string]*room.Room
	active   map[string]*Session        // joined sessions by sessionId
	dormant  map[string]*dormantSession // by sessionId
	draining bool
}

// NewHub wires the hub with its dependencies. wsLimiter may be nil.
func NewHub(cfg *config.Config, verifier auth.TokenVerifier, router media.Router, policies *policy.Table, wsLimiter *limiter.Limiter) *Hub {
	allowedOrigins := auth.ParseAllowedOrigins(cfg.AllowedOrigins, []string{"http://localhost:3000"})
	return &Hub{
		cfg:       cfg,
		verifier:  verifier,
		router:    router,
		policies:  policies,
		wsLimiter: wsLimiter,
		rooms:     make(map[string]*room.Room),
		active:    make(map[string]*Session),
		dormant:   make(map[string]*dormantSession),
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin(allowedOrigins),
			WriteBufferPool: &sync.Pool{
				New: func() any { return make([]byte, 4096) },
			},
		},
	}
}

// checkOrigin matches the Origin header against the allow-list by scheme
// and host. Requests without an Origin (non-browser clients) pass.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			allowedURL, err := url.Parse(a)
			if err != nil {
				continue
			}
			if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
				return true
			}
		}
		return false
	}
}

// ServeWs authenticates the token from the query string, upgrades the
// socket, and starts the connection's pumps. A sessionId that still has a
// joined session, live or dormant within its disconnect grace, reattaches
// to it instead of starting fresh; the previous socket, if still open, is
// displaced.
func (h *Hub) ServeWs(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}
	claims, err := h.verifier.ValidateToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	var (
		s      *Session
		client *Client
	)
	if live, rm := h.claimSession(claims); live != nil {
		// Same user, same sessionId: keep the connection id so room state
		// carries over untouched.
		client = newClient(live.connectionID, conn, h.cfg.PingInterval, h.cfg.PongTimeout)
		s = live
		if old := s.adoptClient(client); old != nil {
			old.close()
		}
		rm.Reattach(client.connectionID, client)
		logging.Info(c.Request.Context(), "session reattached",
			zap.String("connection_id", client.connectionID),
			zap.String("room_id", rm.ID))
	} else {
		client = newClient(uuid.NewString(), conn, h.cfg.PingInterval, h.cfg.PongTimeout)
		s = newSession(h, client, claims, c.Param("roomId"))
	}

	metrics.ActiveConnections.Inc()

	welcome, werr := protocol.NewEvent(protocol.EventWelcome, "", &protocol.WelcomePayload{
		ConnectionID: client.connectionID,
		UserID:       claims.UserKey(),
		IceServers:   claims.IceServers,
	})
	if werr == nil {
		client.Enqueue(welcome)
	}

	go client.writePump()
	go client.readPump()
}

// throttle enforces the per-user request budget.
func (h *Hub) throttle(ctx context.Context, userKey string) *protocol.Error {
	if h.wsLimiter == nil {
		return nil
	}
	lctx, err := h.wsLimiter.Get(ctx, userKey)
	if err != nil {
		logging.Warn(ctx, "rate limiter store error", zap.Error(err))
		return nil
	}
	if lctx.Reached {
		return protocol.NewError(protocol.ErrRateLimited, "too many requests")
	}
	return nil
}

func (h *Hub) roomConfig() room.Config {
	return room.Config{
		AdminCleanupTimeout:    h.cfg.AdminCleanupTimeout,
		EmptyRoomTTL:           h.cfg.EmptyRoomTTL,
		VideoQualityThresholds: h.cfg.VideoQualityThresholds,
	}
}

// roomForJoin returns the room for a join attempt, creating it on first
// contact. Joins are refused while draining.
func (h *Hub) roomForJoin(roomID string) (*room.Room, *protocol.Error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return nil, protocol.NewError(protocol.ErrServerDraining, "server is draining")
	}
	if rm, ok := h.rooms[roomID]; ok && !rm.Closed() {
		return rm, nil
	}
	rm := room.New(roomID, uuid.NewString(), h.roomConfig(), h.router, h.policies, func() {
		h.dropRoom(roomID)
	})
	h.rooms[roomID] = rm
	metrics.ActiveRooms.Inc()
	return rm, nil
}

// reapIfIdle removes a room that a failed join left behind with nobody in
// it. The empty-room TTL only covers rooms someone actually entered. The
// room is marked closed before the registry entry goes away; a join racing
// the reap on a stale pointer is refused rather than admitted into an
// orphan.
func (h *Hub) reapIfIdle(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[roomID]
	if !ok || !rm.CloseIfIdle() {
		return
	}
	delete(h.rooms, roomID)
	metrics.ActiveRooms.Dec()
	metrics.RoomParticipants.DeleteLabelValues(roomID)
}

func (h *Hub) dropRoom(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[roomID]; !ok {
		return
	}
	delete(h.rooms, roomID)
	metrics.ActiveRooms.Dec()
	metrics.RoomParticipants.DeleteLabelValues(roomID)
}

// roomChanged refreshes the per-room participant gauge.
func (h *Hub) roomChanged(rm *room.Room) {
	metrics.RoomParticipants.WithLabelValues(rm.ID).Set(float64(rm.ParticipantCount()))
}

func (h *Hub) snapshotRooms() []*room.Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*room.Room, 0, len(h.rooms))
	for _, rm := range h.rooms {
		out = append(out, rm)
	}
	return out
}

// RoomSummaries lists live rooms; detail fields are included for hosts only.
func (h *Hub) RoomSummaries(includeDetail bool) []protocol.RoomSummary {
	rooms := h.snapshotRooms()
	out := make([]protocol.RoomSummary, 0, len(rooms))
	for _, rm := range rooms {
		if rm.Closed() {
			continue
		}
		out = append(out, rm.Summary(includeDetail))
	}
	return out
}

// --- disconnect grace ---

// connectionClosed handles a socket drop. Waiting-room connections leave
// immediately; joined connections with a sessionId get the grace window.
func (h *Hub) connectionClosed(s *Session, rm *room.Room, wasJoined bool) {
	if rm == nil {
		return
	}
	if !wasJoined || s.sessionID == "" || h.cfg.DisconnectGrace <= 0 {
		h.unregisterActive(s)
		rm.Leave(context.Background(), s.connectionID)
		h.roomChanged(rm)
		return
	}

	rm.HostConnectionDropped(s.connectionID)

	h.mu.Lock()
	if cur, ok := h.active[s.sessionID]; ok && cur == s {
		delete(h.active, s.sessionID)
	}
	if prev, ok := h.dormant[s.sessionID]; ok {
		prev.timer.Stop()
	}
	d := &dormantSession{session: s, room: rm}
	d.timer = time.AfterFunc(h.cfg.DisconnectGrace, func() {
		h.expireDormant(s.sessionID, d)
	})
	h.dormant[s.sessionID] = d
	h.mu.Unlock()
}

func (h *Hub) expireDormant(sessionID string, d *dormantSession) {
	h.mu.Lock()
	cur, ok := h.dormant[sessionID]
	if !ok || cur != d {
		h.mu.Unlock()
		return
	}
	delete(h.dormant, sessionID)
	h.mu.Unlock()

	d.room.Leave(context.Background(), d.session.connectionID)
	h.roomChanged(d.room)
}

// claimSession finds the session a reconnecting sessionId should resume:
// a dormant one inside its grace window, or a live joined one whose old
// socket dropped without the server noticing yet. Same-user only.
func (h *Hub) claimSession(claims *auth.Claims) (*Session, *room.Room) {
	if claims.SessionID == "" {
		return nil, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.dormant[claims.SessionID]; ok && d.session.claims.UserKey() == claims.UserKey() {
		d.timer.Stop()
		delete(h.dormant, claims.SessionID)
		h.active[claims.SessionID] = d.session
		return d.session, d.room
	}
	if s, ok := h.active[claims.SessionID]; ok && s.claims.UserKey() == claims.UserKey() {
		if rm, state := s.currentRoom(); state == stateJoined && rm != nil {
			return s, rm
		}
	}
	return nil, nil
}

// registerActive indexes a joined session by sessionId so a reconnect can
// displace the previous socket before its drop is even detected.
func (h *Hub) registerActive(s *Session) {
	if s.sessionID == "" {
		return
	}
	h.mu.Lock()
	h.active[s.sessionID] = s
	h.mu.Unlock()
}

func (h *Hub) unregisterActive(s *Session) {
	if s.sessionID == "" {
		return
	}
	h.mu.Lock()
	if cur, ok := h.active[s.sessionID]; ok && cur == s {
		delete(h.active, s.sessionID)
	}
	h.mu.Unlock()
}

// --- media worker events ---

// OnProducerClosed fans a worker-initiated producer teardown into the room
// that owns the producer. Satisfies media.Observer.
func (h *Hub) OnProducerClosed(producerID, reason string) {
	metrics.WorkerEvents.WithLabelValues("producerClosed").Inc()
	for _, rm := range h.snapshotRooms() {
		if rm.HandleWorkerProducerClosed(producerID, reason) {
			return
		}
	}
}

// OnTransportClosed routes a worker transport teardown the same way.
func (h *Hub) OnTransportClosed(transportID string) {
	metrics.WorkerEvents.WithLabelValues("transportClosed").Inc()
	for _, rm := range h.snapshotRooms() {
		if rm.HandleWorkerTransportClosed(transportID) {
			return
		}
	}
}

// --- shutdown ---

// Drain stops admitting joins while existing sessions keep running.
func (h *Hub) Drain() {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()
}

func (h *Hub) isDraining() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.draining
}

// Shutdown drains, cancels every pending grace timer, and tells every room
// to notify its subscribers the server is restarting.
func (h *Hub) Shutdown() {
	h.Drain()

	h.mu.Lock()
	for id, d := range h.dormant {
		d.timer.Stop()
		delete(h.dormant, id)
	}
	h.active = make(map[string]*Session)
	h.mu.Unlock()

	for _, rm := range h.snapshotRooms() {
		rm.Shutdown()
	}
}
