package room

import (
	"context"

	"go.uber.org/zap"

	"github.com/openmeet-labs/signaling/internal/v1/bus"
	"github.com/openmeet-labs/signaling/internal/v1/logging"
	"github.com/openmeet-labs/signaling/internal/v1/protocol"
)

// Leave runs the full teardown for a connection: producers cascade-close
// with broadcasts, transports are released on the worker, membership and
// waiting-room state are cleaned up. Safe to call for connections the room
// has never seen.
func (r *Room) Leave(ctx context.Context, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(ctx, connectionID, false)
}

// Kick removes the target user's connections at the host's request. The
// target learns via kicked; everyone else sees userLeft, preceded by the
// target's producerClosed broadcasts.
func (r *Room) Kick(ctx context.Context, connectionID, targetUserKey string) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, werr := r.requireHost(connectionID); werr != nil {
		return werr
	}
	targets := r.participantsByUserKey(targetUserKey)
	if len(targets) == 0 {
		return protocol.NewError(protocol.ErrNotInRoom, "user is not in room %s", r.ID)
	}
	for _, target := range targets {
		r.unicast(target.ConnectionID, protocol.EventKicked, &protocol.KickedEvent{Reason: "removed by host"})
		r.leaveLocked(ctx, target.ConnectionID, true)
	}
	r.touch()
	return nil
}

// Redirect tells the target user's connections to navigate to url. The
// target is expected to disconnect on its own; no teardown here.
func (r *Room) Redirect(connectionID, targetUserKey, url string) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, werr := r.requireHost(connectionID); werr != nil {
		return werr
	}
	targets := r.participantsByUserKey(targetUserKey)
	if len(targets) == 0 {
		return protocol.NewError(protocol.ErrNotInRoom, "user is not in room %s", r.ID)
	}
	for _, target := range targets {
		r.unicast(target.ConnectionID, protocol.EventRedirect, &protocol.RedirectEvent{URL: url})
	}
	return nil
}

// leaveLocked is the teardown core. kicked suppresses the host-transfer
// window since a kicked host is not coming back. Caller holds r.mu.
func (r *Room) leaveLocked(ctx context.Context, connectionID string, kicked bool) {
	p, ok := r.participants[connectionID]
	if !ok {
		// A waiting-room connection leaving before resolution.
		r.dropPendingConnection(connectionID)
		return
	}

	for producerID := range p.producers {
		r.closeProducerLocked(ctx, producerID, "participant left", true)
	}
	if p.ProducerTransportID != "" {
		if err := r.router.CloseTransport(ctx, p.ProducerTransportID); err != nil {
			logging.Warn(ctx, "closing producer transport failed",
				zap.String("room_id", r.ID), zap.Error(err))
		}
	}
	if p.ConsumerTransportID != "" {
		if err := r.router.CloseTransport(ctx, p.ConsumerTransportID); err != nil {
			logging.Warn(ctx, "closing consumer transport failed",
				zap.String("room_id", r.ID), zap.Error(err))
		}
	}

	delete(r.participants, connectionID)
	r.channel.Unsubscribe(connectionID)
	r.apps.ClearAwarenessOrigin(connectionID)

	wasHost := p.Role == RoleHost
	if wasHost {
		r.hostUserKey = ""
		if kicked {
			r.formerHostKey = ""
			r.promoteNextHost()
		} else {
			r.formerHostKey = p.UserKey
			r.armHostTimer()
		}
	}

	if p.IsObserver {
		r.publish(protocol.EventWebinarAttendeeCount,
			&protocol.AttendeeCountEvent{AttendeeCount: r.observerCount()}, bus.AllRoles())
	} else {
		r.publishMembers(protocol.EventUserLeft, &protocol.UserEvent{
			UserID:       p.UserKey,
			ConnectionID: connectionID,
		})
	}

	r.ensureFeedSelection()
	r.refreshQualityHint()
	if r.nonObserverCount() == 0 {
		r.armEmptyTimer()
	}
	r.touch()

	logging.Info(ctx, "participant left",
		zap.String("room_id", r.ID),
		zap.String("user_key", logging.RedactEmail(p.UserKey)),
		zap.Bool("was_host", wasHost),
		zap.Bool("kicked", kicked))
}
