package collab_errors

import "errors"

// Common errors
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotJoined    = errors.New("not joined")
	ErrInvalidInput = errors.New("invalid input")
	ErrRateLimited  = errors.New("rate limited")
	ErrUnknownEvent = errors.New("unknown event")
	ErrNotOwner     = errors.New("not the owner")
)
