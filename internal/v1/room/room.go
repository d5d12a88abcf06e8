// Package room implements the conference domain: admission, membership,
// the producer registry, host transfer, policy toggles, the waiting room,
// and the webinar overlay. Each Room is a single-writer domain; every
// mutating operation serializes on the Room's lock, media worker calls
// included, so invariants hold without finer-grained coordination.
package room

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/openmeet-labs/signaling/internal/v1/apps"
	"github.com/openmeet-labs/signaling/internal/v1/bus"
	"github.com/openmeet-labs/signaling/internal/v1/logging"
	"github.com/openmeet-labs/signaling/internal/v1/media"
	"github.com/openmeet-labs/signaling/internal/v1/metrics"
	"github.com/openmeet-labs/signaling/internal/v1/policy"
	"github.com/openmeet-labs/signaling/internal/v1/protocol"
)

const (
	maxChatHistory = 100
	maxChatChars   = 1000
	maxDisplayName = 128
)

// Config carries the tunables a Room needs.
type Config struct {
	AdminCleanupTimeout    time.Duration
	EmptyRoomTTL           time.Duration
	VideoQualityThresholds []int
}

// pendingJoin is one waiting-room entry.
type pendingJoin struct {
	UserKey      string
	ConnectionID string
	DisplayName  string
	ArrivalTime  time.Time
}

// Room holds all state for one conference. Construct with New.
type Room struct {
	ID        string
	ChannelID string

	mu  sync.Mutex
	cfg Config

	router   media.Router
	policies *policy.Table
	channel  *bus.Channel
	apps     *apps.Store

	participants map[string]*Participant // by connectionId
	admissionSeq uint64

	hostUserKey   string
	formerHostKey string
	hostTimer     *time.Timer

	producerIndex         map[string]string // producerId -> ownerConnectionId
	screenShareProducerID string

	pending  []*pendingJoin
	approved map[string]bool // userKeys cleared to bypass the waiting room

	isLocked      bool
	noGuests      bool
	isChatLocked  bool
	isTtsDisabled bool

	meetingInviteCode string

	webinar webinarState

	chat        []protocol.ChatMessage
	qualityHint string

	createdAt      time.Time
	lastActivityAt time.Time
	emptyTimer     *time.Timer

	// onEmpty runs once when the empty-room TTL expires; the hub uses it
	// to drop the room from the registry.
	onEmpty func()

	closed bool
}

// New builds an empty Room. channelID is the internal broadcast scope,
// distinct from the user-facing roomID. onEmpty fires after the room has
// held no non-observer for the configured TTL.
func New(roomID, channelID string, cfg Config, router media.Router, policies *policy.Table, onEmpty func()) *Room {
	now := time.Now()
	return &Room{
		ID:             roomID,
		ChannelID:      channelID,
		cfg:            cfg,
		router:         router,
		policies:       policies,
		channel:        bus.NewChannel(),
		apps:           apps.NewStore(),
		participants:   make(map[string]*Participant),
		producerIndex:  make(map[string]string),
		approved:       make(map[string]bool),
		createdAt:      now,
		lastActivityAt: now,
		onEmpty:        onEmpty,
	}
}

// --- broadcast helpers; callers hold r.mu ---

func (r *Room) publish(event string, payload any, roles set.Set[bus.Role]) {
	frame, err := protocol.NewEvent(event, r.ID, payload)
	if err != nil {
		logging.Error(context.Background(), "failed to encode event",
			zap.String("event", event), zap.String("room_id", r.ID), zap.Error(err))
		return
	}
	r.channel.Publish(frame, roles)
	metrics.BroadcastsTotal.WithLabelValues(event).Inc()
}

func (r *Room) publishMembers(event string, payload any) {
	r.publish(event, payload, bus.MemberRoles())
}

func (r *Room) publishMembersExcept(event string, payload any, exceptConnectionID string) {
	frame, err := protocol.NewEvent(event, r.ID, payload)
	if err != nil {
		logging.Error(context.Background(), "failed to encode event",
			zap.String("event", event), zap.String("room_id", r.ID), zap.Error(err))
		return
	}
	r.channel.PublishExcept(frame, bus.MemberRoles(), exceptConnectionID)
	metrics.BroadcastsTotal.WithLabelValues(event).Inc()
}

func (r *Room) publishHost(event string, payload any) {
	r.publish(event, payload, set.New(bus.RoleHost))
}

func (r *Room) unicast(connectionID, event string, payload any) {
	frame, err := protocol.NewEvent(event, r.ID, payload)
	if err != nil {
		logging.Error(context.Background(), "failed to encode event",
			zap.String("event", event), zap.String("room_id", r.ID), zap.Error(err))
		return
	}
	r.channel.Unicast(connectionID, frame)
}

func busRole(role Role) bus.Role {
	switch role {
	case RoleHost:
		return bus.RoleHost
	case RoleObserver:
		return bus.RoleObserver
	default:
		return bus.RoleParticipant
	}
}

// --- membership accessors ---

func (r *Room) participant(connectionID string) (*Participant, *protocol.Error) {
	p, ok := r.participants[connectionID]
	if !ok {
		return nil, protocol.NewError(protocol.ErrNotInRoom, "not in room %s", r.ID)
	}
	return p, nil
}

// participantsByUserKey returns every connection of userKey.
func (r *Room) participantsByUserKey(userKey string) []*Participant {
	var out []*Participant
	for _, p := range r.participants {
		if p.UserKey == userKey {
			out = append(out, p)
		}
	}
	return out
}

func (r *Room) nonObserverCount() int {
	n := 0
	for _, p := range r.participants {
		if !p.IsObserver {
			n++
		}
	}
	return n
}

func (r *Room) observerCount() int {
	n := 0
	for _, p := range r.participants {
		if p.IsObserver {
			n++
		}
	}
	return n
}

// ParticipantCount returns the number of admitted connections.
func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// HostUserKey returns the current host identity, empty when host-less.
func (r *Room) HostUserKey() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostUserKey
}

// Locked reports the room-lock flag.
func (r *Room) Locked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isLocked
}

func (r *Room) touch() {
	r.lastActivityAt = time.Now()
}

// --- admin guard ---

// requireHost admits the caller only when it holds the host role. A
// host-less room reports NO_HOST so clients can distinguish "someone else
// is host" from "nobody is".
func (r *Room) requireHost(connectionID string) (*Participant, *protocol.Error) {
	p, werr := r.participant(connectionID)
	if werr != nil {
		return nil, werr
	}
	if p.Role == RoleHost {
		return p, nil
	}
	if r.hostUserKey == "" {
		return nil, protocol.NewError(protocol.ErrNoHost, "room has no host")
	}
	return nil, protocol.NewError(protocol.ErrForbidden, "host privileges required")
}

// --- snapshots (unicast catch-up on admission) ---

func (r *Room) sendSnapshots(connectionID string) {
	displayNames := make(map[string]string, len(r.participants))
	var raisedHands []string
	for _, p := range r.participants {
		displayNames[p.UserKey] = p.DisplayName
		if p.IsHandRaised {
			raisedHands = append(raisedHands, p.UserKey)
		}
	}
	r.unicast(connectionID, protocol.EventDisplayNameSnapshot, &protocol.SnapshotEvent{DisplayNames: displayNames})
	r.unicast(connectionID, protocol.EventHandRaisedSnapshot, &protocol.SnapshotEvent{RaisedHands: raisedHands})
	if len(r.chat) > 0 {
		r.unicast(connectionID, protocol.EventChatHistory, r.chat)
	}
}

func (r *Room) sendPendingSnapshot(connectionID string) {
	users := make([]protocol.PendingUser, 0, len(r.pending))
	for _, pj := range r.pending {
		users = append(users, protocol.PendingUser{
			UserID:      pj.UserKey,
			DisplayName: pj.DisplayName,
			ArrivalTime: pj.ArrivalTime.UnixMilli(),
		})
	}
	r.unicast(connectionID, protocol.EventPendingUsersSnapshot, &protocol.SnapshotEvent{PendingUsers: users})
}

// --- video quality hint ---

// qualityForCount maps a non-observer participant count onto a coarse
// quality tier using the configured thresholds.
func (r *Room) qualityForCount(count int) string {
	tiers := []string{"high", "medium", "low", "minimal"}
	idx := 0
	for _, threshold := range r.cfg.VideoQualityThresholds {
		if count > threshold {
			idx++
		}
	}
	if idx >= len(tiers) {
		idx = len(tiers) - 1
	}
	return tiers[idx]
}

// refreshQualityHint recomputes the automatic hint after membership changes
// and broadcasts only on transitions.
func (r *Room) refreshQualityHint() {
	hint := r.qualityForCount(r.nonObserverCount())
	if hint == r.qualityHint {
		return
	}
	r.qualityHint = hint
	r.publishMembers(protocol.EventVideoQualityChanged, &protocol.VideoQualityEvent{Quality: hint})
}

// --- lifecycle: empty-room TTL ---

// armEmptyTimer starts the destruction countdown once no non-observer
// remains. Callers hold r.mu.
func (r *Room) armEmptyTimer() {
	if r.emptyTimer != nil || r.cfg.EmptyRoomTTL <= 0 {
		return
	}
	r.emptyTimer = time.AfterFunc(r.cfg.EmptyRoomTTL, r.expireEmpty)
}

func (r *Room) cancelEmptyTimer() {
	if r.emptyTimer != nil {
		r.emptyTimer.Stop()
		r.emptyTimer = nil
	}
}

func (r *Room) expireEmpty() {
	r.mu.Lock()
	if r.closed || r.nonObserverCount() > 0 {
		r.emptyTimer = nil
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.publish(protocol.EventRoomClosed, nil, bus.AllRoles())
	onEmpty := r.onEmpty
	r.mu.Unlock()

	logging.Info(context.Background(), "room expired after empty TTL", zap.String("room_id", r.ID))
	if onEmpty != nil {
		onEmpty()
	}
}

// CloseIfIdle destroys the room when no connection is admitted or waiting,
// so the registry can drop the entry without a concurrent join landing in
// an orphaned room. Returns false while the room is occupied.
func (r *Room) CloseIfIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return true
	}
	if len(r.participants) > 0 || len(r.pending) > 0 {
		return false
	}
	r.closed = true
	r.cancelEmptyTimer()
	r.clearHostTimer()
	return true
}

// Closed reports whether the room has been destroyed.
func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Shutdown notifies every subscriber the server is restarting and stops
// the room's timers.
func (r *Room) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publish(protocol.EventServerRestarting, nil, bus.AllRoles())
	r.cancelEmptyTimer()
	if r.hostTimer != nil {
		r.hostTimer.Stop()
		r.hostTimer = nil
	}
	r.closed = true
}

// Summary renders the room for a getRooms listing; detail fields are
// populated only for hosts.
func (r *Room) Summary(includeDetail bool) protocol.RoomSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	summary := protocol.RoomSummary{
		RoomID:           r.ID,
		ParticipantCount: len(r.participants),
	}
	if includeDetail {
		locked := r.isLocked
		webinarEnabled := r.webinar.Enabled
		summary.IsLocked = &locked
		summary.IsWebinarEnabled = &webinarEnabled
	}
	return summary
}
