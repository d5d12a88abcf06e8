package room

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openmeet-labs/signaling/internal/v1/protocol"
)

// SetLocked flips the room lock. Host-only; repeating the current value
// acks success without re-broadcasting.
func (r *Room) SetLocked(connectionID string, flag bool) *protocol.Error {
	return r.setFlag(connectionID, flag, &r.isLocked, protocol.EventRoomLockChanged)
}

// SetNoGuests flips the verified-identity requirement.
func (r *Room) SetNoGuests(connectionID string, flag bool) *protocol.Error {
	return r.setFlag(connectionID, flag, &r.noGuests, protocol.EventNoGuestsChanged)
}

// SetChatLocked flips the chat lock.
func (r *Room) SetChatLocked(connectionID string, flag bool) *protocol.Error {
	return r.setFlag(connectionID, flag, &r.isChatLocked, protocol.EventChatLockChanged)
}

// SetTtsDisabled flips the text-to-speech suppression flag.
func (r *Room) SetTtsDisabled(connectionID string, flag bool) *protocol.Error {
	return r.setFlag(connectionID, flag, &r.isTtsDisabled, protocol.EventTtsDisabledChanged)
}

func (r *Room) setFlag(connectionID string, flag bool, target *bool, event string) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, werr := r.requireHost(connectionID); werr != nil {
		return werr
	}
	if *target == flag {
		return nil
	}
	*target = flag
	r.publishMembers(event, &protocol.FlagChangedEvent{Flag: flag})
	r.touch()
	return nil
}

// SetVideoQuality broadcasts a manual quality hint overriding the
// threshold-derived one until the next membership transition.
func (r *Room) SetVideoQuality(connectionID, quality string) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, werr := r.requireHost(connectionID); werr != nil {
		return werr
	}
	r.qualityHint = quality
	r.publishMembers(protocol.EventVideoQualityChanged, &protocol.VideoQualityEvent{Quality: quality})
	r.touch()
	return nil
}

// SetHandRaised updates the caller's hand state and announces it.
func (r *Room) SetHandRaised(connectionID string, raised bool) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, werr := r.participant(connectionID)
	if werr != nil {
		return werr
	}
	if p.IsObserver {
		return protocol.NewError(protocol.ErrObserverReadonly, "observers cannot raise hands")
	}
	if p.IsHandRaised == raised {
		return nil
	}
	p.IsHandRaised = raised
	r.publishMembers(protocol.EventHandRaised, &protocol.HandRaisedEvent{UserID: p.UserKey, Raised: raised})
	r.touch()
	return nil
}

// SendChat validates, stores, and fans out a chat message. History is
// capped; old entries fall off the front.
func (r *Room) SendChat(connectionID, content string) (*protocol.ChatMessage, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, werr := r.participant(connectionID)
	if werr != nil {
		return nil, werr
	}
	if p.IsObserver {
		return nil, protocol.NewError(protocol.ErrObserverReadonly, "observers cannot send chat")
	}
	if r.isChatLocked && p.Role != RoleHost {
		return nil, protocol.NewError(protocol.ErrForbidden, "chat is locked")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, protocol.NewError(protocol.ErrInternal, "empty chat message")
	}
	if len(content) > maxChatChars {
		return nil, protocol.NewError(protocol.ErrForbidden, "chat message exceeds %d characters", maxChatChars)
	}

	msg := protocol.ChatMessage{
		ID:          uuid.NewString(),
		UserID:      p.UserKey,
		DisplayName: p.DisplayName,
		Content:     content,
		Timestamp:   time.Now().UnixMilli(),
	}
	r.chat = append(r.chat, msg)
	if len(r.chat) > maxChatHistory {
		r.chat = r.chat[len(r.chat)-maxChatHistory:]
	}
	r.publishMembersExcept(protocol.EventChatMessage, &msg, connectionID)
	r.touch()
	return &msg, nil
}

// SendReaction fans out a transient emoji reaction. Not stored.
func (r *Room) SendReaction(connectionID, emoji string) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, werr := r.participant(connectionID)
	if werr != nil {
		return werr
	}
	if p.IsObserver {
		return protocol.NewError(protocol.ErrObserverReadonly, "observers cannot send reactions")
	}
	if emoji == "" || len(emoji) > 16 {
		return protocol.NewError(protocol.ErrInternal, "invalid reaction")
	}
	r.publishMembersExcept(protocol.EventReaction, &protocol.ReactionEvent{UserID: p.UserKey, Emoji: emoji}, connectionID)
	r.touch()
	return nil
}

// UpdateDisplayName renames the caller. Policy may restrict renames to
// hosts; the change fans out to every connection in the room, covering all
// connections of the same user.
func (r *Room) UpdateDisplayName(connectionID, displayName string) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, werr := r.participant(connectionID)
	if werr != nil {
		return werr
	}
	if p.IsObserver {
		return protocol.NewError(protocol.ErrObserverReadonly, "observers cannot change display names")
	}
	pol := r.policies.Resolve(p.PolicyKey)
	if !pol.AllowDisplayNameUpdate && p.Role != RoleHost {
		return protocol.NewError(protocol.ErrDisplayNameDisabled, "display name updates are disabled")
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return protocol.NewError(protocol.ErrInternal, "empty display name")
	}
	if len(displayName) > maxDisplayName {
		displayName = displayName[:maxDisplayName]
	}

	for _, conn := range r.participantsByUserKey(p.UserKey) {
		conn.DisplayName = displayName
	}
	r.publishMembers(protocol.EventDisplayNameUpdated, &protocol.DisplayNameEvent{
		UserID:      p.UserKey,
		DisplayName: displayName,
	})
	r.touch()
	return nil
}

// MeetingConfig returns the meeting settings. Host-only because the invite
// code is part of the snapshot.
func (r *Room) MeetingConfig(connectionID string) (*protocol.MeetingConfig, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, werr := r.requireHost(connectionID); werr != nil {
		return nil, werr
	}
	return &protocol.MeetingConfig{
		RequiresInviteCode: r.meetingInviteCode != "",
		InviteCode:         r.meetingInviteCode,
	}, nil
}

// UpdateMeetingConfig sets or clears the meeting invite code and announces
// the new requirement (never the code itself).
func (r *Room) UpdateMeetingConfig(connectionID string, req *protocol.MeetingUpdateRequest) (*protocol.MeetingConfig, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, werr := r.requireHost(connectionID); werr != nil {
		return nil, werr
	}
	if req.InviteCode != nil {
		r.meetingInviteCode = *req.InviteCode
		r.publishMembers(protocol.EventMeetingConfigChanged, &protocol.MeetingConfig{
			RequiresInviteCode: r.meetingInviteCode != "",
		})
	}
	r.touch()
	return &protocol.MeetingConfig{
		RequiresInviteCode: r.meetingInviteCode != "",
		InviteCode:         r.meetingInviteCode,
	}, nil
}
