package room

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openmeet-labs/signaling/internal/v1/bus"
	"github.com/openmeet-labs/signaling/internal/v1/logging"
	"github.com/openmeet-labs/signaling/internal/v1/protocol"
)

// HostConnectionDropped is invoked when the socket under a participant
// drops, before the disconnect grace runs out. If the participant held
// host, the room goes host-less and the reassignment window opens.
func (r *Room) HostConnectionDropped(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[connectionID]
	if !ok || p.Role != RoleHost {
		return
	}
	// Another live connection of the same user may still hold host.
	for _, other := range r.participantsByUserKey(p.UserKey) {
		if other.ConnectionID != connectionID && other.Role == RoleHost {
			return
		}
	}

	p.Role = RoleParticipant
	r.channel.SetRole(connectionID, busRole(RoleParticipant))
	r.hostUserKey = ""
	r.formerHostKey = p.UserKey
	r.armHostTimer()

	logging.Info(context.Background(), "host disconnected, reassignment window opened",
		zap.String("room_id", r.ID),
		zap.String("user_key", logging.RedactEmail(p.UserKey)),
		zap.Duration("window", r.cfg.AdminCleanupTimeout))
}

// ConnectionResumed is invoked when a dropped connection reattaches within
// the disconnect grace. A former host is restored silently.
func (r *Room) ConnectionResumed(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[connectionID]
	if !ok {
		return
	}
	if r.formerHostKey != "" && r.formerHostKey == p.UserKey && r.hostTimer != nil {
		p.Role = RoleHost
		r.channel.SetRole(connectionID, busRole(RoleHost))
		r.hostUserKey = p.UserKey
		r.clearHostTimer()
		logging.Info(context.Background(), "host restored after reconnect",
			zap.String("room_id", r.ID),
			zap.String("user_key", logging.RedactEmail(p.UserKey)))
	}
}

// Reattach swaps in the replacement subscriber for a connection that
// reconnected within the disconnect grace, keeping its current role, then
// restores a former host silently. Reports false for unknown connections.
func (r *Room) Reattach(connectionID string, sub bus.Subscriber) bool {
	r.mu.Lock()
	p, ok := r.participants[connectionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.channel.Subscribe(sub, busRole(p.Role))
	r.mu.Unlock()

	r.ConnectionResumed(connectionID)
	return true
}

// callers hold r.mu
func (r *Room) armHostTimer() {
	if r.hostTimer != nil {
		r.hostTimer.Stop()
	}
	if r.cfg.AdminCleanupTimeout <= 0 {
		return
	}
	r.hostTimer = time.AfterFunc(r.cfg.AdminCleanupTimeout, r.expireHostReassignment)
}

// callers hold r.mu
func (r *Room) clearHostTimer() {
	if r.hostTimer != nil {
		r.hostTimer.Stop()
		r.hostTimer = nil
	}
	r.formerHostKey = ""
}

func (r *Room) expireHostReassignment() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hostTimer = nil
	r.formerHostKey = ""
	if r.closed || r.hostUserKey != "" {
		return
	}
	r.promoteNextHost()
}

// promoteNextHost elects the earliest-admitted eligible participant,
// breaking admission-time ties on connectionId. Observers and ghosts are
// skipped. A room with no eligible member stays host-less. Caller holds r.mu.
func (r *Room) promoteNextHost() {
	var next *Participant
	for _, p := range r.participants {
		if p.IsObserver || p.IsGhost {
			continue
		}
		if next == nil ||
			p.admissionSeq < next.admissionSeq ||
			(p.admissionSeq == next.admissionSeq && p.ConnectionID < next.ConnectionID) {
			next = p
		}
	}
	if next == nil {
		logging.Info(context.Background(), "no eligible participant, room stays host-less",
			zap.String("room_id", r.ID))
		return
	}

	next.Role = RoleHost
	r.channel.SetRole(next.ConnectionID, busRole(RoleHost))
	r.hostUserKey = next.UserKey
	r.publishMembers(protocol.EventHostChanged, &protocol.HostChangedEvent{HostUserID: next.UserKey})
	r.sendPendingSnapshot(next.ConnectionID)
	r.ensureFeedSelection()

	logging.Info(context.Background(), "host reassigned",
		zap.String("room_id", r.ID),
		zap.String("user_key", logging.RedactEmail(next.UserKey)))
}
