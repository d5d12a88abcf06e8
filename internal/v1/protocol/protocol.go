// Package protocol defines the JSON wire contract of the signaling channel:
// the request/ack envelope, broadcast event names, and payload shapes.
//
// Every client request carries a correlation id and receives exactly one ack
// (success payload or Error). Server-initiated notifications carry no id but
// do carry the roomId so reconnecting clients can discard stale ones.
package protocol

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

// FrameTypeAck is the reserved type for request acknowledgements.
const FrameTypeAck = "ack"

// Frame is the envelope for every message on the channel.
type Frame struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewAck builds a success acknowledgement for request id.
func NewAck(id int64, payload any) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{ID: id, Type: FrameTypeAck, Payload: raw}, nil
}

// NewErrorAck builds a failure acknowledgement for request id.
func NewErrorAck(id int64, werr *Error) *Frame {
	return &Frame{ID: id, Type: FrameTypeAck, Error: werr}
}

// NewEvent builds a fire-and-forget notification scoped to roomID.
func NewEvent(event, roomID string, payload any) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: event, RoomID: roomID, Payload: raw}, nil
}

// --- Client requests ---

const (
	RequestJoinRoom                 = "joinRoom"
	RequestCreateProducerTransport  = "createProducerTransport"
	RequestCreateConsumerTransport  = "createConsumerTransport"
	RequestConnectProducerTransport = "connectProducerTransport"
	RequestConnectConsumerTransport = "connectConsumerTransport"
	RequestRestartIce               = "restartIce"
	RequestProduce                  = "produce"
	RequestConsume                  = "consume"
	RequestResumeConsumer           = "resumeConsumer"
	RequestToggleMute               = "toggleMute"
	RequestToggleCamera             = "toggleCamera"
	RequestCloseProducer            = "closeProducer"
	RequestSetHandRaised            = "setHandRaised"
	RequestSendChat                 = "sendChat"
	RequestSendReaction             = "sendReaction"
	RequestUpdateDisplayName        = "updateDisplayName"
	RequestLockRoom                 = "lockRoom"
	RequestSetNoGuests              = "setNoGuests"
	RequestLockChat                 = "lockChat"
	RequestSetTtsDisabled           = "setTtsDisabled"
	RequestSetVideoQuality          = "setVideoQuality"
	RequestAdmitUser                = "admitUser"
	RequestRejectUser               = "rejectUser"
	RequestKickUser                 = "kickUser"
	RequestRedirectUser             = "redirectUser"
	RequestCloseRemoteProducer      = "closeRemoteProducer"
	RequestGetProducers             = "getProducers"
	RequestGetRooms                 = "getRooms"
	RequestMeetingGetConfig         = "meeting:getConfig"
	RequestMeetingUpdateConfig      = "meeting:updateConfig"
	RequestWebinarGetConfig         = "webinar:getConfig"
	RequestWebinarUpdateConfig      = "webinar:updateConfig"
	RequestWebinarGenerateLink      = "webinar:generateLink"
	RequestWebinarRotateLink        = "webinar:rotateLink"
	RequestAppsOpen                 = "apps:open"
	RequestAppsClose                = "apps:close"
	RequestAppsLock                 = "apps:lock"
	RequestAppsSync                 = "apps:yjs:sync"
	RequestAppsUpdate               = "apps:yjs:update"
	RequestAppsAwareness            = "apps:awareness"
	RequestLeaveRoom                = "leaveRoom"
)

// --- Broadcast notifications ---

const (
	EventWelcome               = "welcome"
	EventUserJoined            = "userJoined"
	EventUserLeft              = "userLeft"
	EventNewProducer           = "newProducer"
	EventProducerClosed        = "producerClosed"
	EventParticipantMuted      = "participantMuted"
	EventParticipantCameraOff  = "participantCameraOff"
	EventHandRaised            = "handRaised"
	EventChatMessage           = "chatMessage"
	EventChatHistory           = "chatHistory"
	EventReaction              = "reaction"
	EventDisplayNameUpdated    = "displayNameUpdated"
	EventHostChanged           = "hostChanged"
	EventHostAssigned          = "hostAssigned"
	EventRoomLockChanged       = "roomLockChanged"
	EventNoGuestsChanged       = "noGuestsChanged"
	EventChatLockChanged       = "chatLockChanged"
	EventTtsDisabledChanged    = "ttsDisabledChanged"
	EventVideoQualityChanged   = "videoQualityChanged"
	EventMeetingConfigChanged  = "meeting:configChanged"
	EventWebinarConfigChanged  = "webinar:configChanged"
	EventWebinarAttendeeCount  = "webinar:attendeeCountChanged"
	EventWebinarFeedChanged    = "webinar:feedChanged"
	EventAppsState             = "apps:state"
	EventAppsUpdate            = "apps:yjs:update"
	EventAppsAwareness         = "apps:awareness"
	EventKicked                = "kicked"
	EventRedirect              = "redirect"
	EventRoomClosed            = "roomClosed"
	EventServerRestarting      = "serverRestarting"
	EventJoinApproved          = "joinApproved"
	EventJoinRejected          = "joinRejected"
	EventUserRequestedJoin     = "userRequestedJoin"
	EventPendingUserLeft       = "pendingUserLeft"
	EventDisplayNameSnapshot   = "displayNameSnapshot"
	EventHandRaisedSnapshot    = "handRaisedSnapshot"
	EventPendingUsersSnapshot  = "pendingUsersSnapshot"
	EventWaitingRoomStatus     = "waitingRoomStatus"
)

// MediaKind is an RTP media kind.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// ProducerType distinguishes webcam media from screen capture.
type ProducerType string

const (
	ProducerTypeWebcam ProducerType = "webcam"
	ProducerTypeScreen ProducerType = "screen"
)

// JoinMode selects meeting membership or the webinar attendee overlay.
type JoinMode string

const (
	JoinModeMeeting         JoinMode = "meeting"
	JoinModeWebinarAttendee JoinMode = "webinar_attendee"
)

// JoinStatus is the admission outcome in a joinRoom ack.
type JoinStatus string

const (
	JoinStatusJoined  JoinStatus = "joined"
	JoinStatusWaiting JoinStatus = "waiting"
)

// --- Payloads: handshake & admission ---

// WelcomePayload is unicast after a successful handshake.
type WelcomePayload struct {
	ConnectionID string             `json:"connectionId"`
	UserID       string             `json:"userId"`
	IceServers   []webrtc.ICEServer `json:"iceServers,omitempty"`
}

// JoinRoomRequest is the payload of the joinRoom request.
type JoinRoomRequest struct {
	RoomID            string `json:"roomId"`
	SessionID         string `json:"sessionId"`
	DisplayName       string `json:"displayName,omitempty"`
	Ghost             bool   `json:"ghost"`
	WebinarInviteCode string `json:"webinarInviteCode,omitempty"`
	MeetingInviteCode string `json:"meetingInviteCode,omitempty"`
}

// ProducerSummary describes one existing producer in a join ack.
type ProducerSummary struct {
	ProducerID string       `json:"producerId"`
	UserID     string       `json:"userId"`
	Kind       MediaKind    `json:"kind"`
	Type       ProducerType `json:"type"`
	Paused     bool         `json:"paused"`
}

// JoinRoomResponse is the joinRoom success ack.
type JoinRoomResponse struct {
	Status                     JoinStatus        `json:"status"`
	RoomID                     string            `json:"roomId"`
	RtpCapabilities            json.RawMessage   `json:"rtpCapabilities,omitempty"`
	ExistingProducers          []ProducerSummary `json:"existingProducers,omitempty"`
	HostUserID                 string            `json:"hostUserId,omitempty"`
	IsLocked                   bool              `json:"isLocked"`
	MeetingRequiresInviteCode  bool              `json:"meetingRequiresInviteCode"`
	IsTtsDisabled              bool              `json:"isTtsDisabled"`
	WebinarRole                string            `json:"webinarRole,omitempty"`
	WebinarMaxAttendees        int               `json:"webinarMaxAttendees,omitempty"`
	WebinarAttendeeCount       int               `json:"webinarAttendeeCount,omitempty"`
	WebinarRequiresInviteCode  bool              `json:"webinarRequiresInviteCode"`
	WebinarLocked              bool              `json:"webinarLocked"`
	IsWebinarEnabled           bool              `json:"isWebinarEnabled"`
}

// --- Payloads: transports & media ---

// TransportInfo is the worker-side transport description handed to clients.
type TransportInfo struct {
	ID             string          `json:"id"`
	IceParameters  json.RawMessage `json:"iceParameters"`
	IceCandidates  json.RawMessage `json:"iceCandidates"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

// ConnectTransportRequest carries the client DTLS answer.
type ConnectTransportRequest struct {
	TransportID    string          `json:"transportId"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

// RestartIceRequest selects which of the session's transports to restart.
type RestartIceRequest struct {
	Transport string `json:"transport"` // "producer" or "consumer"
}

// RestartIceResponse returns fresh ICE parameters.
type RestartIceResponse struct {
	IceParameters json.RawMessage `json:"iceParameters"`
}

// ProduceRequest asks the worker to create a producer on a transport.
type ProduceRequest struct {
	TransportID   string          `json:"transportId"`
	Kind          MediaKind       `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
	AppData       ProduceAppData  `json:"appData"`
}

// ProduceAppData is the application metadata attached to a producer.
type ProduceAppData struct {
	Type ProducerType `json:"type,omitempty"`
}

// ProduceResponse acks a produce request.
type ProduceResponse struct {
	ProducerID string `json:"producerId"`
}

// ConsumeRequest asks for a consumer bound to a remote producer.
type ConsumeRequest struct {
	ProducerID      string          `json:"producerId"`
	RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
}

// ConsumeResponse acks a consume request.
type ConsumeResponse struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          MediaKind       `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
}

// ResumeConsumerRequest resumes a server-paused consumer.
type ResumeConsumerRequest struct {
	ConsumerID string `json:"consumerId"`
}

// ToggleRequest pauses or resumes a producer (mute / camera off).
type ToggleRequest struct {
	ProducerID string `json:"producerId,omitempty"`
	Paused     bool   `json:"paused"`
}

// CloseProducerRequest closes one of the caller's producers.
type CloseProducerRequest struct {
	ProducerID string `json:"producerId"`
}

// SuccessResponse is the generic `{success: true}` ack body.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// --- Payloads: room interaction ---

// SetHandRaisedRequest raises or lowers the caller's hand.
type SetHandRaisedRequest struct {
	Raised bool `json:"raised"`
}

// SendChatRequest posts a chat message to the room.
type SendChatRequest struct {
	Content string `json:"content"`
}

// ChatMessage is a stored/broadcast chat entry.
type ChatMessage struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"`
}

// SendChatResponse acks a sendChat request.
type SendChatResponse struct {
	Success bool        `json:"success"`
	Message ChatMessage `json:"message"`
}

// SendReactionRequest broadcasts a transient emoji reaction.
type SendReactionRequest struct {
	Emoji string `json:"emoji"`
}

// UpdateDisplayNameRequest renames the caller.
type UpdateDisplayNameRequest struct {
	DisplayName string `json:"displayName"`
}

// FlagRequest is the payload of the host-only boolean toggles.
type FlagRequest struct {
	Flag bool `json:"flag"`
}

// SetVideoQualityRequest broadcasts a coarse quality hint.
type SetVideoQualityRequest struct {
	Quality string `json:"quality"`
}

// TargetUserRequest addresses a host action at another user.
type TargetUserRequest struct {
	UserID     string `json:"userId"`
	URL        string `json:"url,omitempty"`        // redirectUser
	ProducerID string `json:"producerId,omitempty"` // closeRemoteProducer
}

// RoomSummary is one entry of a getRooms ack. Policy may redact all
// fields beyond RoomID and ParticipantCount for non-hosts.
type RoomSummary struct {
	RoomID           string `json:"roomId"`
	ParticipantCount int    `json:"participantCount"`
	IsLocked         *bool  `json:"isLocked,omitempty"`
	IsWebinarEnabled *bool  `json:"isWebinarEnabled,omitempty"`
}

// --- Payloads: meeting / webinar configuration ---

// MeetingConfig is the meeting:getConfig / meeting:updateConfig body.
type MeetingConfig struct {
	RequiresInviteCode bool   `json:"requiresInviteCode"`
	InviteCode         string `json:"inviteCode,omitempty"`
}

// WebinarConfig mirrors the webinar overlay settings on the wire.
type WebinarConfig struct {
	Enabled            bool   `json:"enabled"`
	PublicAccess       bool   `json:"publicAccess"`
	Locked             bool   `json:"locked"`
	MaxAttendees       int    `json:"maxAttendees"`
	AttendeeCount      int    `json:"attendeeCount"`
	RequiresInviteCode bool   `json:"requiresInviteCode"`
	InviteCode         string `json:"inviteCode,omitempty"`
	LinkSlug           string `json:"linkSlug,omitempty"`
	LinkVersion        int    `json:"linkVersion"`
	FeedMode           string `json:"feedMode,omitempty"`
}

// WebinarUpdateRequest carries partial webinar settings; nil fields are untouched.
type WebinarUpdateRequest struct {
	Enabled            *bool   `json:"enabled,omitempty"`
	PublicAccess       *bool   `json:"publicAccess,omitempty"`
	Locked             *bool   `json:"locked,omitempty"`
	MaxAttendees       *int    `json:"maxAttendees,omitempty"`
	RequiresInviteCode *bool   `json:"requiresInviteCode,omitempty"`
	InviteCode         *string `json:"inviteCode,omitempty"`
	FeedMode           *string `json:"feedMode,omitempty"`
}

// WebinarLinkResponse acks webinar:generateLink / webinar:rotateLink.
type WebinarLinkResponse struct {
	LinkSlug    string `json:"linkSlug"`
	LinkVersion int    `json:"linkVersion"`
}

// MeetingUpdateRequest sets or clears the meeting invite code.
type MeetingUpdateRequest struct {
	InviteCode *string `json:"inviteCode,omitempty"`
}

// --- Payloads: shared apps ---

// AppRequest addresses an app by id; Data carries opaque CRDT bytes.
type AppRequest struct {
	AppID string `json:"appId"`
	Data  []byte `json:"data,omitempty"`
}

// AppSyncResponse returns the document diff and awareness snapshot.
type AppSyncResponse struct {
	AppID     string   `json:"appId"`
	Updates   [][]byte `json:"updates,omitempty"`
	Awareness [][]byte `json:"awareness,omitempty"`
}

// AppsStateEvent announces the active app and lock state.
type AppsStateEvent struct {
	ActiveAppID string `json:"activeAppId,omitempty"`
	Locked      bool   `json:"locked"`
}

// --- Payloads: notifications ---

// UserEvent is the common body of userJoined / userLeft / pendingUserLeft.
type UserEvent struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId,omitempty"`
	DisplayName  string `json:"displayName,omitempty"`
	IsObserver   bool   `json:"isObserver,omitempty"`
}

// NewProducerEvent announces a producer to the rest of the channel.
type NewProducerEvent struct {
	ProducerID string       `json:"producerId"`
	UserID     string       `json:"userId"`
	Kind       MediaKind    `json:"kind"`
	Type       ProducerType `json:"type"`
}

// ProducerClosedEvent announces producer teardown. Emitted exactly once
// per producer.
type ProducerClosedEvent struct {
	ProducerID string `json:"producerId"`
	UserID     string `json:"userId,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// MediaFlagEvent is the body of participantMuted / participantCameraOff.
type MediaFlagEvent struct {
	UserID string `json:"userId"`
	Paused bool   `json:"paused"`
}

// HandRaisedEvent announces a hand-raise change.
type HandRaisedEvent struct {
	UserID string `json:"userId"`
	Raised bool   `json:"raised"`
}

// ReactionEvent fans out a transient emoji reaction.
type ReactionEvent struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// DisplayNameEvent announces a rename across all connections of a user.
type DisplayNameEvent struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// HostChangedEvent announces host transfer or assignment.
type HostChangedEvent struct {
	HostUserID string `json:"hostUserId"`
}

// FlagChangedEvent is the body of the room policy toggle broadcasts.
type FlagChangedEvent struct {
	Flag bool `json:"flag"`
}

// VideoQualityEvent broadcasts the coarse quality hint.
type VideoQualityEvent struct {
	Quality string `json:"quality"`
}

// AttendeeCountEvent is the webinar:attendeeCountChanged body.
type AttendeeCountEvent struct {
	AttendeeCount int `json:"attendeeCount"`
}

// FeedChangedEvent tells observers which producer set to consume now.
type FeedChangedEvent struct {
	SpeakerUserID string            `json:"speakerUserId"`
	Producers     []ProducerSummary `json:"producers"`
}

// KickedEvent tells the target they were removed.
type KickedEvent struct {
	Reason string `json:"reason,omitempty"`
}

// RedirectEvent tells the target to navigate elsewhere.
type RedirectEvent struct {
	URL string `json:"url"`
}

// WaitingRoomStatusEvent is unicast to a queued joiner.
type WaitingRoomStatusEvent struct {
	Position int `json:"position"`
}

// PendingUser is one waiting-room entry in a pendingUsersSnapshot.
type PendingUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	ArrivalTime int64  `json:"arrivalTime"`
}

// SnapshotEvent is the unicast catch-up body sent on admission.
type SnapshotEvent struct {
	DisplayNames map[string]string `json:"displayNames,omitempty"`
	RaisedHands  []string          `json:"raisedHands,omitempty"`
	PendingUsers []PendingUser     `json:"pendingUsers,omitempty"`
}
