package audit

import (
	"context"
	"sync"
	"time"

	"appraise.org/internal/ids"
	"appraise.org/internal/obs"
)

// Escalator is notified when a security-relevant entry could not be persisted.
type Escalator interface {
	Escalate(ctx context.Context, entry Entry, cause error)
}

// EscalatorFunc adapts a function to Escalator.
type EscalatorFunc func(ctx context.Context, entry Entry, cause error)

func (f EscalatorFunc) Escalate(ctx context.Context, entry Entry, cause error) { f(ctx, entry, cause) }

// Recorder stamps, persists and mirrors audit events.
type Recorder struct {
	sink      Sink
	escalator Escalator
	now       func() time.Time
	mirror    bool

	mu   sync.Mutex
	last time.Time
}

type Option func(*Recorder)

func WithEscalator(e Escalator) Option { return func(r *Recorder) { r.escalator = e } }

func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

// WithoutLogMirror disables the JSON log line written for every entry.
func WithoutLogMirror() Option { return func(r *Recorder) { r.mirror = false } }

func NewRecorder(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{sink: sink, now: time.Now, mirror: true}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends one entry and returns it as stamped. Persistence failures are
// logged and, for security events, escalated; they are never returned, so a
// committed mutation is not reported as failed because its audit write was lost.
func (r *Recorder) Record(ctx context.Context, ev Event) Entry {
	entry := Entry{
		UserID:         ev.Actor.UserID,
		OrganizationID: ev.Actor.OrganizationID,
		EventType:      ev.Type,
		Success:        ev.Success,
		Details:        make(map[string]any, len(ev.Details)+4),
	}
	if entry.EventType == "" {
		entry.EventType = EventDefault
	}
	for k, v := range ev.Details {
		entry.Details[k] = v
	}
	if ev.Actor.Role != "" {
		entry.Details["actor_role"] = ev.Actor.Role
	}
	if ev.Actor.MimickedRole != "" {
		entry.Details["mimicked_role"] = ev.Actor.MimickedRole
	}
	if ev.Actor.EmployeeID != "" {
		entry.Details["actor_employee_id"] = ev.Actor.EmployeeID
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry.Details["request_id"] = rid
	}
	if r == nil {
		return entry
	}

	entry.CreatedAt = r.stamp()
	entry.ID = ids.NewAt(entry.CreatedAt)

	desc := Lookup(entry.EventType)
	obs.ObserveAuditEvent(string(entry.EventType), string(desc.Severity))

	if r.mirror {
		_ = LogEvent(ctx, string(entry.EventType), map[string]any{
			"audit_id":        entry.ID,
			"user_id":         entry.UserID,
			"organization_id": entry.OrganizationID,
			"severity":        desc.Severity,
			"success":         entry.Success,
			"details":         entry.Details,
		})
	}

	if r.sink == nil {
		return entry
	}
	if err := r.sink.Append(ctx, entry); err != nil {
		obs.AuditWriteFailed(string(entry.EventType))
		obs.Error("audit_write_failed", map[string]any{
			"audit_id":   entry.ID,
			"event_type": entry.EventType,
			"error":      err.Error(),
		})
		if IsSecurityEvent(entry) {
			r.escalate(ctx, entry, err)
		}
	}
	return entry
}

// IsSecurityEvent reports whether losing e would drop evidence of an
// authentication failure, a denial or an incident.
func IsSecurityEvent(e Entry) bool {
	switch e.EventType {
	case EventPermissionDenied, EventLoginFailure, EventCrossOrganizationAttempt:
		return true
	}
	return Lookup(e.EventType).Severity == SeverityDanger
}

func (r *Recorder) escalate(ctx context.Context, entry Entry, cause error) {
	obs.AuditEscalated(string(entry.EventType))
	obs.Log("critical", "audit_escalation", map[string]any{
		"audit_id":        entry.ID,
		"event_type":      entry.EventType,
		"organization_id": entry.OrganizationID,
		"user_id":         entry.UserID,
		"details":         entry.Details,
		"error":           cause.Error(),
	})
	if r.escalator != nil {
		r.escalator.Escalate(ctx, entry, cause)
	}
}

// stamp returns a UTC time strictly after the previous one issued by r.
func (r *Recorder) stamp() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC().Truncate(time.Microsecond)
	if !now.After(r.last) {
		now = r.last.Add(time.Microsecond)
	}
	r.last = now
	return now
}
