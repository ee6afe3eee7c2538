package appraisal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTableIsClosed(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusDraft, StatusInProgress}:             true,
		{StatusInProgress, StatusAwaitingSecondary}: true,
		{StatusInProgress, StatusCompleted}:         true,
		{StatusAwaitingSecondary, StatusCompleted}:  true,
	}
	all := append(Statuses(), Status(""), Status("archived"))
	for _, from := range all {
		for _, to := range all {
			err := CheckTransition(from, to)
			if allowed[[2]Status{from, to}] {
				assert.NoError(t, err, "%s→%s", from, to)
				continue
			}
			var te *TransitionError
			require.True(t, errors.As(err, &te), "%s→%s must be rejected", from, to)
			assert.Equal(t, from, te.From)
			assert.Equal(t, to, te.To)
		}
	}
}

func TestTransitionErrorMessage(t *testing.T) {
	err := CheckTransition(StatusCompleted, StatusDraft)
	assert.EqualError(t, err, "Cannot transition from completed to draft")
}

func TestNextStatuses(t *testing.T) {
	assert.Equal(t, []Status{StatusAwaitingSecondary, StatusCompleted}, Next(StatusInProgress))
	assert.Empty(t, Next(StatusCompleted))
	assert.True(t, StatusCompleted.Terminal())
}

func rated(v int) *int { return &v }

func TestValidateCompletion(t *testing.T) {
	items := []RatingItem{
		{ID: "g1", Kind: ItemGoal, Title: "Ship v2", Rating: rated(4)},
		{ID: "g2", Kind: ItemGoal, Title: "Mentor"},
		{ID: "c1", Kind: ItemCompetency, Title: "Communication", Rating: rated(0)},
		{ID: "c2", Kind: ItemCompetency, Title: "Ownership", Rating: rated(5)},
	}
	r := ValidateCompletion(items)
	assert.False(t, r.CanSubmit)
	assert.Equal(t, []MissingItem{
		{ID: "g2", Kind: ItemGoal, Title: "Mentor"},
		{ID: "c1", Kind: ItemCompetency, Title: "Communication"},
	}, r.MissingItems)

	items[1].Rating = rated(3)
	items[2].Rating = rated(2)
	r = ValidateCompletion(items)
	assert.True(t, r.CanSubmit)
	assert.Empty(t, r.MissingItems)
}

func TestIncompleteErrorMessage(t *testing.T) {
	err := &IncompleteError{Readiness: ValidateCompletion([]RatingItem{{ID: "g", Kind: ItemGoal}})}
	assert.EqualError(t, err, "appraisal has 1 unrated item(s)")
}
