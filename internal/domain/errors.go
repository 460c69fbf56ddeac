package domain

import "errors"

var (
	// ErrUnauthenticated is returned when credentials are missing, malformed, expired or unknown.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrAccessDenied is returned when a user acts on a conversation or message it does not own.
	ErrAccessDenied = errors.New("access denied")
	// ErrNotFound is returned when a conversation, message or user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidParticipants is returned for an empty, duplicated or unknown participant pair.
	ErrInvalidParticipants = errors.New("invalid participants")
	// ErrInvalidMessage is returned when a send request fails validation.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrStorageConflict is returned by stores when a unique constraint rejects an insert.
	ErrStorageConflict = errors.New("storage conflict")
	// ErrNotificationFailure is returned by notifiers when the transport rejects a notification.
	ErrNotificationFailure = errors.New("notification failure")
)

// Wire codes carried by the live channel error event.
const (
	CodeUnauthenticated     = "unauthenticated"
	CodeAccessDenied        = "access_denied"
	CodeNotFound            = "not_found"
	CodeInvalidParticipants = "invalid_participants"
	CodeInvalidMessage      = "invalid_message"
	CodeInternal            = "internal"
)

// Code classifies err into a wire code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidParticipants):
		return CodeInvalidParticipants
	case errors.Is(err, ErrInvalidMessage):
		return CodeInvalidMessage
	default:
		return CodeInternal
	}
}

// PublicMessage returns a message safe to show to clients.
// Internal failures are never described beyond a generic text.
func PublicMessage(err error) string {
	if Code(err) == CodeInternal {
		return "internal error"
	}
	return err.Error()
}
