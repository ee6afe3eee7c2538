package auth

import "errors"

var (
	// ErrNotAuthorized is the only denial surfaced to callers; it never names
	// the role that would have sufficed.
	ErrNotAuthorized   = errors.New("not authorized")
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrInvalidToken    = errors.New("auth: invalid token")
	ErrMimicNotAllowed = errors.New("auth: role mimicking not allowed")
	ErrInvalidInput    = errors.New("auth: invalid input")
	ErrNotFound        = errors.New("auth: not found")
	ErrConflict        = errors.New("auth: conflict")
)
