// Package session tracks revoked session tokens until they would have expired
// anyway.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidTokenID rejects an empty token id.
var ErrInvalidTokenID = errors.New("session: token id is required")

// Revoker records logouts. A token whose id is revoked must be rejected even
// though its signature and expiry are still valid.
type Revoker interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}
