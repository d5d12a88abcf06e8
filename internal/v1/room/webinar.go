package room

import (
	"strings"

	"github.com/google/uuid"
	"k8s.io/utils/set"

	"github.com/openmeet-labs/signaling/internal/v1/bus"
	"github.com/openmeet-labs/signaling/internal/v1/protocol"
)

const (
	defaultMaxAttendees = 100

	// FeedModeActiveSpeaker follows the loudest speaker. Without a worker
	// speaker score the earliest producer-owning member stands in.
	FeedModeActiveSpeaker = "active-speaker"
	// FeedModeHostPinned always feeds observers the host.
	FeedModeHostPinned = "host-pinned"
)

// webinarState is the overlay config plus the current observer feed. All
// access is guarded by the Room lock.
type webinarState struct {
	Enabled            bool
	PublicAccess       bool
	Locked             bool
	MaxAttendees       int
	RequiresInviteCode bool
	InviteCode         string
	LinkSlug           string
	LinkVersion        int
	FeedMode           string

	speakerConnectionID string
}

// WebinarConfig returns the overlay settings. Host-only, since the invite
// code is included.
func (r *Room) WebinarConfig(connectionID string) (*protocol.WebinarConfig, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, werr := r.requireHost(connectionID); werr != nil {
		return nil, werr
	}
	cfg := r.webinarConfigLocked(true)
	return &cfg, nil
}

// caller holds r.mu
func (r *Room) webinarConfigLocked(includeCode bool) protocol.WebinarConfig {
	cfg := protocol.WebinarConfig{
		Enabled:            r.webinar.Enabled,
		PublicAccess:       r.webinar.PublicAccess,
		Locked:             r.webinar.Locked,
		MaxAttendees:       r.webinar.MaxAttendees,
		AttendeeCount:      r.observerCount(),
		RequiresInviteCode: r.webinar.RequiresInviteCode,
		LinkSlug:           r.webinar.LinkSlug,
		LinkVersion:        r.webinar.LinkVersion,
		FeedMode:           r.webinar.FeedMode,
	}
	if includeCode {
		cfg.InviteCode = r.webinar.InviteCode
	}
	return cfg
}

// UpdateWebinarConfig applies a partial settings update. Enabling the
// overlay for the first time mints the link slug; edits never rotate it.
func (r *Room) UpdateWebinarConfig(connectionID string, req *protocol.WebinarUpdateRequest) (*protocol.WebinarConfig, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, werr := r.requireHost(connectionID); werr != nil {
		return nil, werr
	}

	// Validate before touching state so a rejected update applies nothing.
	if req.MaxAttendees != nil && *req.MaxAttendees > 0 && *req.MaxAttendees < r.observerCount() {
		return nil, protocol.NewError(protocol.ErrWebinarFull,
			"maxAttendees %d is below the current attendee count %d", *req.MaxAttendees, r.observerCount())
	}

	if req.Enabled != nil {
		r.webinar.Enabled = *req.Enabled
		if r.webinar.Enabled {
			if r.webinar.LinkSlug == "" {
				r.webinar.LinkSlug = newLinkSlug()
				r.webinar.LinkVersion = 1
			}
			if r.webinar.MaxAttendees == 0 {
				r.webinar.MaxAttendees = defaultMaxAttendees
			}
			if r.webinar.FeedMode == "" {
				r.webinar.FeedMode = FeedModeActiveSpeaker
			}
		}
	}
	if req.PublicAccess != nil {
		r.webinar.PublicAccess = *req.PublicAccess
	}
	if req.Locked != nil {
		r.webinar.Locked = *req.Locked
	}
	if req.MaxAttendees != nil && *req.MaxAttendees > 0 {
		r.webinar.MaxAttendees = *req.MaxAttendees
	}
	if req.RequiresInviteCode != nil {
		r.webinar.RequiresInviteCode = *req.RequiresInviteCode
	}
	if req.InviteCode != nil {
		r.webinar.InviteCode = *req.InviteCode
	}
	if req.FeedMode != nil {
		switch *req.FeedMode {
		case FeedModeActiveSpeaker, FeedModeHostPinned:
			r.webinar.FeedMode = *req.FeedMode
		default:
			return nil, protocol.NewError(protocol.ErrInternal, "unknown feed mode %q", *req.FeedMode)
		}
	}

	redacted := r.webinarConfigLocked(false)
	r.publish(protocol.EventWebinarConfigChanged, &redacted, bus.AllRoles())
	r.ensureFeedSelection()
	r.touch()

	cfg := r.webinarConfigLocked(true)
	return &cfg, nil
}

// GenerateWebinarLink mints the room's invite link if absent and returns it.
func (r *Room) GenerateWebinarLink(connectionID string) (*protocol.WebinarLinkResponse, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, werr := r.requireHost(connectionID); werr != nil {
		return nil, werr
	}
	if r.webinar.LinkSlug == "" {
		r.webinar.LinkSlug = newLinkSlug()
		r.webinar.LinkVersion = 1
	}
	return &protocol.WebinarLinkResponse{
		LinkSlug:    r.webinar.LinkSlug,
		LinkVersion: r.webinar.LinkVersion,
	}, nil
}

// RotateWebinarLink bumps the link version, invalidating previously shared
// links. The slug is stable for the life of the room.
func (r *Room) RotateWebinarLink(connectionID string) (*protocol.WebinarLinkResponse, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, werr := r.requireHost(connectionID); werr != nil {
		return nil, werr
	}
	if r.webinar.LinkSlug == "" {
		r.webinar.LinkSlug = newLinkSlug()
	}
	r.webinar.LinkVersion++
	redacted := r.webinarConfigLocked(false)
	r.publish(protocol.EventWebinarConfigChanged, &redacted, bus.AllRoles())
	r.touch()
	return &protocol.WebinarLinkResponse{
		LinkSlug:    r.webinar.LinkSlug,
		LinkVersion: r.webinar.LinkVersion,
	}, nil
}

func newLinkSlug() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// --- observer feed selection ---

// ensureFeedSelection recomputes which member's producers observers should
// consume and announces a change. Caller holds r.mu.
func (r *Room) ensureFeedSelection() {
	if !r.webinar.Enabled {
		r.webinar.speakerConnectionID = ""
		return
	}

	speaker := r.selectSpeaker()
	speakerID := ""
	if speaker != nil {
		speakerID = speaker.ConnectionID
	}
	if speakerID == r.webinar.speakerConnectionID {
		return
	}
	r.webinar.speakerConnectionID = speakerID

	if r.observerCount() == 0 {
		return
	}
	evt := &protocol.FeedChangedEvent{Producers: r.feedProducers()}
	if speaker != nil {
		evt.SpeakerUserID = speaker.UserKey
	}
	r.publish(protocol.EventWebinarFeedChanged, evt, set.New(bus.RoleObserver))
}

// selectSpeaker picks the feed source: the host when pinned, otherwise the
// earliest-admitted member owning producers, otherwise the host, otherwise
// the earliest member. Caller holds r.mu.
func (r *Room) selectSpeaker() *Participant {
	if r.webinar.FeedMode == FeedModeHostPinned && r.hostUserKey != "" {
		if host := r.earliestOf(func(p *Participant) bool { return p.Role == RoleHost }); host != nil {
			return host
		}
	}
	if speaker := r.earliestOf(func(p *Participant) bool { return !p.IsObserver && len(p.producers) > 0 }); speaker != nil {
		return speaker
	}
	if host := r.earliestOf(func(p *Participant) bool { return p.Role == RoleHost }); host != nil {
		return host
	}
	return r.earliestOf(func(p *Participant) bool { return !p.IsObserver })
}

// earliestOf returns the matching participant with the lowest admission
// sequence, connectionId breaking ties. Caller holds r.mu.
func (r *Room) earliestOf(match func(*Participant) bool) *Participant {
	var found *Participant
	for _, p := range r.participants {
		if !match(p) {
			continue
		}
		if found == nil ||
			p.admissionSeq < found.admissionSeq ||
			(p.admissionSeq == found.admissionSeq && p.ConnectionID < found.ConnectionID) {
			found = p
		}
	}
	return found
}

// feedProducers lists the selected speaker's producers. Caller holds r.mu.
func (r *Room) feedProducers() []protocol.ProducerSummary {
	speaker, ok := r.participants[r.webinar.speakerConnectionID]
	if !ok {
		return nil
	}
	return speaker.producerSummaries()
}
