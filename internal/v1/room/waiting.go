package room

import (
	"github.com/openmeet-labs/signaling/internal/v1/protocol"
)

// AdmitUser resolves a waiting-room entry in the user's favor. The pending
// connection receives joinApproved and re-issues joinRoom, which then
// bypasses the queue. Admitting a user who is no longer pending is a no-op.
func (r *Room) AdmitUser(connectionID, targetUserKey string) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, werr := r.requireHost(connectionID); werr != nil {
		return werr
	}

	entry := r.removePending(targetUserKey)
	if entry == nil {
		return nil
	}
	r.approved[targetUserKey] = true
	r.unicast(entry.ConnectionID, protocol.EventJoinApproved, &protocol.UserEvent{UserID: targetUserKey})
	r.touch()
	return nil
}

// RejectUser resolves a waiting-room entry against the user.
func (r *Room) RejectUser(connectionID, targetUserKey string) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, werr := r.requireHost(connectionID); werr != nil {
		return werr
	}

	entry := r.removePending(targetUserKey)
	if entry == nil {
		return nil
	}
	r.unicast(entry.ConnectionID, protocol.EventJoinRejected, &protocol.UserEvent{UserID: targetUserKey})
	r.channel.Unsubscribe(entry.ConnectionID)
	r.touch()
	return nil
}

// removePending drops userKey's waiting-room entry, returning it or nil.
// Caller holds r.mu.
func (r *Room) removePending(userKey string) *pendingJoin {
	for i, entry := range r.pending {
		if entry.UserKey == userKey {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return entry
		}
	}
	return nil
}

// dropPendingConnection handles a waiting connection disconnecting before
// the host resolves it. Caller holds r.mu.
func (r *Room) dropPendingConnection(connectionID string) {
	for i, entry := range r.pending {
		if entry.ConnectionID == connectionID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			r.channel.Unsubscribe(connectionID)
			r.publishHost(protocol.EventPendingUserLeft, &protocol.UserEvent{
				UserID:      entry.UserKey,
				DisplayName: entry.DisplayName,
			})
			return
		}
	}
	r.channel.Unsubscribe(connectionID)
}

// PendingCount returns the waiting-room depth.
func (r *Room) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
