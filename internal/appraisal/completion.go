package appraisal

import "fmt"

type MissingItem struct {
	ID    string   `json:"id"`
	Kind  ItemKind `json:"kind"`
	Title string   `json:"title"`
}

// Readiness tells whether an appraisal may enter completed.
type Readiness struct {
	CanSubmit    bool          `json:"can_submit"`
	MissingItems []MissingItem `json:"missing_items"`
}

// ValidateCompletion requires a rating on every goal and competency item.
func ValidateCompletion(items []RatingItem) Readiness {
	r := Readiness{MissingItems: []MissingItem{}}
	for _, it := range items {
		if !it.Kind.Valid() {
			continue
		}
		if it.Rating == nil || *it.Rating < MinRating || *it.Rating > MaxRating {
			r.MissingItems = append(r.MissingItems, MissingItem{ID: it.ID, Kind: it.Kind, Title: it.Title})
		}
	}
	r.CanSubmit = len(r.MissingItems) == 0
	return r
}

// IncompleteError rejects completion while ratings are missing.
type IncompleteError struct {
	Readiness Readiness
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("appraisal has %d unrated item(s)", len(e.Readiness.MissingItems))
}
