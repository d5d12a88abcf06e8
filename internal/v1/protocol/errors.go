package protocol

import "fmt"

// ErrorCode is the machine-readable error kind surfaced on the wire.
type ErrorCode string

const (
	// Auth
	ErrUnauthenticated ErrorCode = "UNAUTHENTICATED"
	ErrForbidden       ErrorCode = "FORBIDDEN"

	// Admission
	ErrRoomNotFound             ErrorCode = "ROOM_NOT_FOUND"
	ErrRoomLocked               ErrorCode = "ROOM_LOCKED"
	ErrNoGuests                 ErrorCode = "NO_GUESTS"
	ErrWebinarDisabled          ErrorCode = "WEBINAR_DISABLED"
	ErrWebinarLocked            ErrorCode = "WEBINAR_LOCKED"
	ErrWebinarFull              ErrorCode = "WEBINAR_FULL"
	ErrWebinarInviteCodeInvalid ErrorCode = "WEBINAR_INVITE_CODE_INVALID"
	ErrMeetingInviteCodeInvalid ErrorCode = "MEETING_INVITE_CODE_INVALID"

	// State
	ErrNotReady   ErrorCode = "NOT_READY"
	ErrNotInRoom  ErrorCode = "NOT_IN_ROOM"
	ErrNoHost     ErrorCode = "NO_HOST"
	ErrScreenBusy ErrorCode = "SCREEN_BUSY"

	// Capability
	ErrGhostNoMedia        ErrorCode = "GHOST_NO_MEDIA"
	ErrObserverReadonly    ErrorCode = "OBSERVER_READONLY"
	ErrDisplayNameDisabled ErrorCode = "DISPLAY_NAME_DISABLED"

	// Media
	ErrTransportNotFound ErrorCode = "TRANSPORT_NOT_FOUND"
	ErrProducerNotFound  ErrorCode = "PRODUCER_NOT_FOUND"
	ErrConsumerNotFound  ErrorCode = "CONSUMER_NOT_FOUND"
	ErrCannotConsume     ErrorCode = "CANNOT_CONSUME"
	ErrMediaRouter       ErrorCode = "MEDIA_ROUTER_ERROR"

	// Infra
	ErrBadRequest     ErrorCode = "BAD_REQUEST"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrTimeout        ErrorCode = "TIMEOUT"
	ErrServerDraining ErrorCode = "SERVER_DRAINING"
	ErrInternal       ErrorCode = "INTERNAL"
)

// Error is the wire-surface failure carried in acknowledgements.
// Message text is stable enough for clients that feature-gate on substrings
// (e.g. "invite code required"); Code is the machine contract.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a wire error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Canned admission errors whose text clients pattern-match on.
var (
	ErrMeetingInviteCodeRequired = &Error{Code: ErrMeetingInviteCodeInvalid, Message: "meeting invite code required"}
	ErrMeetingInviteCodeWrong    = &Error{Code: ErrMeetingInviteCodeInvalid, Message: "invalid meeting invite code"}
	ErrWebinarInviteCodeRequired = &Error{Code: ErrWebinarInviteCodeInvalid, Message: "webinar invite code required"}
	ErrWebinarInviteCodeWrong    = &Error{Code: ErrWebinarInviteCodeInvalid, Message: "invalid webinar invite code"}
)

// AsError converts any error into a wire Error, wrapping unknown
// failures as INTERNAL so raw internals never leak to clients.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if werr, ok := err.(*Error); ok {
		return werr
	}
	return &Error{Code: ErrInternal, Message: "internal error"}
}
