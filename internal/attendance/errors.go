package attendance

import "errors"

var (
	ErrEventNotFound          = errors.New("event not found or not available")
	ErrEventUnavailable       = errors.New("event is no longer active")
	ErrMalformedToken         = errors.New("malformed check-in token")
	ErrTokenInactiveOrUnknown = errors.New("check-in token is inactive or unknown")
	ErrTokenNotFound          = errors.New("no active check-in token for this event")
	ErrNotInscribed           = errors.New("user is not inscribed in this event")
	ErrAlreadyVerified        = errors.New("attendance already verified for this event")
)
