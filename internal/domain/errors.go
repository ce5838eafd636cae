package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the channel engine. Callers check them with errors.Is.
var (
	// ErrRateLimited is matched by every *RateLimitedError.
	ErrRateLimited = errors.New("sending is temporarily locked")

	// ErrChannelClosed rejects a patient-authored send on a CLOSED channel.
	ErrChannelClosed = errors.New("channel is closed")

	// ErrTransportUnavailable indicates the provider could not be reached.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrMalformedEvent marks a push event that could not be decoded.
	ErrMalformedEvent = errors.New("malformed event")

	ErrForbidden         = errors.New("action not permitted for this participant")
	ErrInvalidTransition = errors.New("invalid channel transition")
	ErrEmptyMessage      = errors.New("message body is empty")
	ErrSessionClosed     = errors.New("channel session is closed")
	ErrNotFound          = errors.New("requested resource not found")
)

// RateLimitedError carries the countdown shown next to the input box.
type RateLimitedError struct {
	SecondsRemaining int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: retry in %ds", ErrRateLimited, e.SecondsRemaining)
}

// Is lets errors.Is(err, ErrRateLimited) match.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// ErrorKind is the typed result the UI layer receives instead of raw errors.
type ErrorKind string

const (
	KindNone                 ErrorKind = ""
	KindRateLimited          ErrorKind = "RateLimited"
	KindChannelClosed        ErrorKind = "ChannelClosed"
	KindTransportUnavailable ErrorKind = "TransportUnavailable"
	KindMalformedEvent       ErrorKind = "MalformedEvent"
	KindRejected             ErrorKind = "Rejected"
	KindInternalError        ErrorKind = "Internal"
)

// KindOf maps an error onto the engine's error taxonomy.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrChannelClosed):
		return KindChannelClosed
	case errors.Is(err, ErrTransportUnavailable):
		return KindTransportUnavailable
	case errors.Is(err, ErrMalformedEvent):
		return KindMalformedEvent
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrSessionClosed):
		return KindRejected
	default:
		return KindInternalError
	}
}
