package appraisal

import (
	"fmt"
	"sort"
)

type Status string

const (
	StatusDraft             Status = "draft"
	StatusInProgress        Status = "in_progress"
	StatusAwaitingSecondary Status = "awaiting_secondary"
	StatusCompleted         Status = "completed"
)

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusDraft, StatusInProgress, StatusAwaitingSecondary, StatusCompleted}
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusInProgress, StatusAwaitingSecondary, StatusCompleted:
		return true
	}
	return false
}

func (s Status) Terminal() bool { return s == StatusCompleted }

// transitions is the complete workflow. Anything absent is rejected.
var transitions = map[Status]map[Status]struct{}{
	StatusDraft:             {StatusInProgress: {}},
	StatusInProgress:        {StatusAwaitingSecondary: {}, StatusCompleted: {}},
	StatusAwaitingSecondary: {StatusCompleted: {}},
	StatusCompleted:         {},
}

// TransitionError is the expected outcome of requesting a move the workflow
// does not allow.
type TransitionError struct {
	From Status
	To   Status
	// Reason is set when the table allows the move but the appraisal does
	// not qualify for it yet.
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("Cannot transition from %s to %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("Cannot transition from %s to %s", e.From, e.To)
}

// CheckTransition returns a *TransitionError unless from→to is in the table.
func CheckTransition(from, to Status) error {
	if _, ok := transitions[from][to]; ok {
		return nil
	}
	return &TransitionError{From: from, To: to}
}

// Next lists the statuses reachable from s.
func Next(s Status) []Status {
	out := make([]Status, 0, len(transitions[s]))
	for to := range transitions[s] {
		out = append(out, to)
	}
	order := map[Status]int{}
	for i, st := range Statuses() {
		order[st] = i
	}
	sort.Slice(out, func(i, j int) bool { return order[out[i]] < order[out[j]] })
	return out
}
