package audit

import (
	"context"
	"time"
)

// Actor identifies who performed an audited action. Role is always the real,
// persisted role; MimickedRole is metadata only.
type Actor struct {
	UserID         string
	EmployeeID     string
	OrganizationID string
	Role           string
	MimickedRole   string
}

// Event is what callers hand to the Recorder.
type Event struct {
	Type    EventType
	Actor   Actor
	Success bool
	Details map[string]any
}

// Entry is one row of the append-only audit log.
type Entry struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`
	EventType      EventType      `json:"event_type"`
	Details        map[string]any `json:"details"`
	Success        bool           `json:"success"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Sink persists entries. It is write-only from the caller's point of view.
type Sink interface {
	Append(ctx context.Context, entry Entry) error
}

// Query narrows an audit log listing.
type Query struct {
	EventType EventType
	// Before is an entry id; only older entries are returned.
	Before string
	Limit  int
}

// Reader lists entries of one organization, newest first.
type Reader interface {
	ListAudit(ctx context.Context, organizationID string, q Query) ([]Entry, error)
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Normalize clamps the limit into the supported range.
func (q Query) Normalize() Query {
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultListLimit
	case q.Limit > MaxListLimit:
		q.Limit = MaxListLimit
	}
	return q
}
