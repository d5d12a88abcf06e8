package room

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openmeet-labs/signaling/internal/v1/auth"
	"github.com/openmeet-labs/signaling/internal/v1/bus"
	"github.com/openmeet-labs/signaling/internal/v1/logging"
	"github.com/openmeet-labs/signaling/internal/v1/protocol"
)

// JoinRequest is one admission attempt for a connection.
type JoinRequest struct {
	ConnectionID      string
	SessionID         string
	Claims            *auth.Claims
	DisplayName       string
	IsGhost           bool
	MeetingInviteCode string
	WebinarInviteCode string
	Subscriber        bus.Subscriber
}

// Join runs the admission protocol and either admits the connection,
// queues it in the waiting room, or rejects it. Gate order is fixed:
// lock, guests, webinar overlay, meeting invite code, waiting room.
func (r *Room) Join(ctx context.Context, req *JoinRequest) (*protocol.JoinRoomResponse, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, protocol.NewError(protocol.ErrRoomNotFound, "room %s not found", r.ID)
	}

	// Re-issued joinRoom from an admitted connection returns current state.
	if p, ok := r.participants[req.ConnectionID]; ok {
		return r.buildJoinResponse(ctx, p), nil
	}

	claims := req.Claims
	userKey := claims.UserKey()
	pol := r.policies.Resolve(claims.ClientID)
	hostHint := claims.Host(ctx) && pol.AllowHostJoin
	forced := claims.IsForcedHost
	isObserver := claims.Mode() == auth.JoinModeWebinarAttendee

	if r.isLocked && !hostHint && !forced {
		return nil, protocol.NewError(protocol.ErrRoomLocked, "room %s is locked", r.ID)
	}
	if r.noGuests && claims.Email == "" {
		return nil, protocol.NewError(protocol.ErrNoGuests, "room %s does not admit guests", r.ID)
	}

	if isObserver {
		if !r.webinar.Enabled {
			return nil, protocol.NewError(protocol.ErrWebinarDisabled, "webinar is not enabled for room %s", r.ID)
		}
		if r.webinar.Locked {
			return nil, protocol.NewError(protocol.ErrWebinarLocked, "webinar is locked")
		}
		if r.webinar.RequiresInviteCode {
			if req.WebinarInviteCode == "" {
				return nil, protocol.ErrWebinarInviteCodeRequired
			}
			if req.WebinarInviteCode != r.webinar.InviteCode {
				return nil, protocol.ErrWebinarInviteCodeWrong
			}
		}
		if r.observerCount()+1 > r.webinar.MaxAttendees {
			return nil, protocol.NewError(protocol.ErrWebinarFull, "webinar is at capacity (%d)", r.webinar.MaxAttendees)
		}
	} else if r.meetingInviteCode != "" && !hostHint && !forced {
		if req.MeetingInviteCode == "" {
			return nil, protocol.ErrMeetingInviteCodeRequired
		}
		if req.MeetingInviteCode != r.meetingInviteCode {
			return nil, protocol.ErrMeetingInviteCodeWrong
		}
	}

	// Waiting room. Observers bypass it: the webinar gates above are their
	// admission control. A user with an admitted connection is already past
	// the gate; their additional devices join directly. Approved users burn
	// their approval on this join.
	if pol.UseWaitingRoom && !hostHint && !forced && !isObserver &&
		len(r.participants) > 0 && !r.approved[userKey] &&
		len(r.participantsByUserKey(userKey)) == 0 {
		return r.enqueuePending(req, userKey), nil
	}
	delete(r.approved, userKey)

	// Role assignment and host election.
	role := RoleParticipant
	restoredHost := false
	switch {
	case isObserver:
		role = RoleObserver
	case r.formerHostKey != "" && r.formerHostKey == userKey && r.hostTimer != nil:
		role = RoleHost
		restoredHost = true
	case len(r.participants) == 0:
		if hostHint || forced {
			role = RoleHost
		} else if claims.AllowRoomCreation || pol.AllowNonHostRoomCreation {
			role = RoleHost
		} else {
			return nil, protocol.NewError(protocol.ErrRoomNotFound, "room %s not found", r.ID)
		}
	case (hostHint || forced) && r.hostUserKey == "":
		role = RoleHost
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = claims.Name
	}
	if displayName == "" {
		displayName = userKey
	}
	if len(displayName) > maxDisplayName {
		displayName = displayName[:maxDisplayName]
	}

	r.admissionSeq++
	p := newParticipant(req.ConnectionID, userKey)
	p.DisplayName = displayName
	p.Role = role
	p.IsGhost = req.IsGhost
	p.IsObserver = isObserver
	p.PolicyKey = claims.ClientID
	p.SessionID = req.SessionID
	p.AdmittedAt = time.Now()
	p.admissionSeq = r.admissionSeq
	r.participants[req.ConnectionID] = p

	r.removePending(userKey)
	r.channel.Subscribe(req.Subscriber, busRole(role))

	if role == RoleHost {
		r.hostUserKey = userKey
		r.clearHostTimer()
		if !restoredHost {
			r.publishMembersExcept(protocol.EventHostAssigned,
				&protocol.HostChangedEvent{HostUserID: userKey}, req.ConnectionID)
		}
	}

	if !isObserver {
		r.cancelEmptyTimer()
		r.publishMembersExcept(protocol.EventUserJoined, &protocol.UserEvent{
			UserID:       userKey,
			ConnectionID: req.ConnectionID,
			DisplayName:  displayName,
		}, req.ConnectionID)
	} else {
		r.publish(protocol.EventWebinarAttendeeCount,
			&protocol.AttendeeCountEvent{AttendeeCount: r.observerCount()}, bus.AllRoles())
		r.ensureFeedSelection()
	}

	r.sendSnapshots(req.ConnectionID)
	if role == RoleHost {
		r.sendPendingSnapshot(req.ConnectionID)
	}
	r.refreshQualityHint()
	r.touch()

	logging.Info(ctx, "participant admitted",
		zap.String("room_id", r.ID),
		zap.String("user_key", logging.RedactEmail(userKey)),
		zap.String("role", string(role)),
		zap.Bool("observer", isObserver))

	return r.buildJoinResponse(ctx, p), nil
}

// enqueuePending inserts the caller into the waiting room and notifies the
// host. A retry from the same user replaces the stale entry. Caller holds r.mu.
func (r *Room) enqueuePending(req *JoinRequest, userKey string) *protocol.JoinRoomResponse {
	r.removePending(userKey)

	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Claims.Name
	}
	entry := &pendingJoin{
		UserKey:      userKey,
		ConnectionID: req.ConnectionID,
		DisplayName:  displayName,
		ArrivalTime:  time.Now(),
	}
	r.pending = append(r.pending, entry)
	r.channel.Subscribe(req.Subscriber, bus.RoleWaiting)

	r.unicast(req.ConnectionID, protocol.EventWaitingRoomStatus,
		&protocol.WaitingRoomStatusEvent{Position: len(r.pending)})
	r.publishHost(protocol.EventUserRequestedJoin, &protocol.UserEvent{
		UserID:      userKey,
		DisplayName: displayName,
	})
	r.touch()

	return &protocol.JoinRoomResponse{
		Status:                    protocol.JoinStatusWaiting,
		RoomID:                    r.ID,
		IsLocked:                  r.isLocked,
		MeetingRequiresInviteCode: r.meetingInviteCode != "",
		IsTtsDisabled:             r.isTtsDisabled,
		IsWebinarEnabled:          r.webinar.Enabled,
	}
}

// buildJoinResponse assembles the joined ack. Observers get only the
// selected feed's producers; members get everything except their own.
// Caller holds r.mu.
func (r *Room) buildJoinResponse(ctx context.Context, p *Participant) *protocol.JoinRoomResponse {
	rtpCapabilities, err := r.router.RtpCapabilities(ctx, r.ChannelID)
	if err != nil {
		logging.Warn(ctx, "failed to fetch router capabilities",
			zap.String("room_id", r.ID), zap.Error(err))
	}

	var existing []protocol.ProducerSummary
	if p.IsObserver {
		existing = r.feedProducers()
	} else {
		for _, other := range r.participants {
			if other.ConnectionID == p.ConnectionID {
				continue
			}
			existing = append(existing, other.producerSummaries()...)
		}
	}

	resp := &protocol.JoinRoomResponse{
		Status:                    protocol.JoinStatusJoined,
		RoomID:                    r.ID,
		RtpCapabilities:           rtpCapabilities,
		ExistingProducers:         existing,
		HostUserID:                r.hostUserKey,
		IsLocked:                  r.isLocked,
		MeetingRequiresInviteCode: r.meetingInviteCode != "",
		IsTtsDisabled:             r.isTtsDisabled,
		IsWebinarEnabled:          r.webinar.Enabled,
		WebinarRequiresInviteCode: r.webinar.RequiresInviteCode,
		WebinarLocked:             r.webinar.Locked,
	}
	if r.webinar.Enabled {
		resp.WebinarMaxAttendees = r.webinar.MaxAttendees
		resp.WebinarAttendeeCount = r.observerCount()
	}
	if p.IsObserver {
		resp.WebinarRole = "attendee"
	}
	return resp
}
