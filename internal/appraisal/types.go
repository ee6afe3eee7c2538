package appraisal

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("appraisal: not found")
	ErrInvalidInput = errors.New("appraisal: invalid input")
	// ErrConflict reports a write that lost a race or would duplicate a record.
	ErrConflict = errors.New("appraisal: conflict")
	// ErrUnratedItems is returned by a store that refused to complete an
	// appraisal because an item was unrated when the write was attempted.
	ErrUnratedItems = errors.New("appraisal: unrated items")
)

// Phase is the review stage of a cycle the appraisal belongs to.
type Phase string

const (
	PhaseGoalSetting Phase = "goal_setting"
	PhaseMidYear     Phase = "mid_year"
	PhaseYearEnd     Phase = "year_end"
)

func (p Phase) Valid() bool {
	switch p {
	case PhaseGoalSetting, PhaseMidYear, PhaseYearEnd:
		return true
	}
	return false
}

const (
	MinRating = 1
	MaxRating = 5
)

// Cycle is an appraisal period opened by an organization.
type Cycle struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	StartsOn       time.Time `json:"starts_on"`
	EndsOn         time.Time `json:"ends_on"`
	CreatedAt      time.Time `json:"created_at"`
}

type Appraisal struct {
	ID                string     `json:"id"`
	OrganizationID    string     `json:"organization_id"`
	EmployeeID        string     `json:"employee_id"`
	CycleID           string     `json:"cycle_id"`
	Status            Status     `json:"status"`
	Phase             Phase      `json:"phase"`
	FinalRating       *int       `json:"final_rating,omitempty"`
	PrimaryFeedback   string     `json:"primary_feedback,omitempty"`
	SecondaryFeedback string     `json:"secondary_feedback,omitempty"`
	PrimaryComplete   bool       `json:"primary_complete"`
	SecondaryComplete bool       `json:"secondary_complete"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ItemKind separates goal ratings from competency ratings.
type ItemKind string

const (
	ItemGoal       ItemKind = "goal"
	ItemCompetency ItemKind = "competency"
)

func (k ItemKind) Valid() bool { return k == ItemGoal || k == ItemCompetency }

type RatingItem struct {
	ID             string    `json:"id"`
	AppraisalID    string    `json:"appraisal_id"`
	OrganizationID string    `json:"organization_id"`
	Kind           ItemKind  `json:"kind"`
	Title          string    `json:"title"`
	Rating         *int      `json:"rating,omitempty"`
	Comment        string    `json:"comment,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AppraiserRole is the tier of a reviewer on one appraisal.
type AppraiserRole string

const (
	AppraiserPrimary   AppraiserRole = "primary"
	AppraiserSecondary AppraiserRole = "secondary"
)

type AppraiserAssignment struct {
	AppraisalID    string        `json:"appraisal_id"`
	AppraiserID    string        `json:"appraiser_id"`
	OrganizationID string        `json:"organization_id"`
	Role           AppraiserRole `json:"role"`
	IsPrimary      bool          `json:"is_primary"`
	AssignedBy     string        `json:"assigned_by,omitempty"`
	AssignedAt     time.Time     `json:"assigned_at"`
}
