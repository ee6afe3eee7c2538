package httpapi

import (
	"net/http"
	"strings"
	"time"

	"appraise.org/internal/appraisal"
)

type cycleRequest struct {
	Name     string    `json:"name"`
	StartsOn time.Time `json:"starts_on"`
	EndsOn   time.Time `json:"ends_on"`
}

type createAppraisalRequest struct {
	OrganizationID string          `json:"organization_id,omitempty"`
	EmployeeID     string          `json:"employee_id"`
	CycleID        string          `json:"cycle_id"`
	Phase          appraisal.Phase `json:"phase,omitempty"`
}

type updateAppraisalRequest struct {
	Phase             *appraisal.Phase `json:"phase,omitempty"`
	FinalRating       *int             `json:"final_rating,omitempty"`
	PrimaryFeedback   *string          `json:"primary_feedback,omitempty"`
	SecondaryFeedback *string          `json:"secondary_feedback,omitempty"`
}

type transitionRequest struct {
	Status appraisal.Status `json:"status"`
}

type itemRequest struct {
	Kind  appraisal.ItemKind `json:"kind"`
	Title string             `json:"title"`
}

type ratingRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

type appraisersRequest struct {
	AppraiserIDs []string `json:"appraiser_ids"`
	Override     bool     `json:"override,omitempty"`
}

func (a *API) handleCycles(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		cycles, err := a.appraisals.ListCycles(r.Context(), p)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cycles": cycles})
	case http.MethodPost:
		var req cycleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		c, err := a.appraisals.CreateCycle(r.Context(), p, appraisal.CycleInput{
			Name: req.Name, StartsOn: req.StartsOn, EndsOn: req.EndsOn,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleAppraisalsCollection(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		f := appraisal.ListFilter{
			CycleID: strings.TrimSpace(q.Get("cycle_id")),
			Status:  appraisal.Status(strings.TrimSpace(q.Get("status"))),
		}
		if f.Status != "" && !f.Status.Valid() {
			writeError(w, r, http.StatusBadRequest, "unknown status")
			return
		}
		list, err := a.appraisals.List(r.Context(), p, f)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"appraisals": list})
	case http.MethodPost:
		var req createAppraisalRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.guard.CompareSupplied(r.Context(), p, req.OrganizationID); err != nil {
			handleServiceError(w, r, err)
			return
		}
		created, err := a.appraisals.Create(r.Context(), p, appraisal.CreateInput{
			EmployeeID: req.EmployeeID, CycleID: req.CycleID, Phase: req.Phase,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleAppraisalResource routes /v1/appraisals/{id}[/...].
func (a *API) handleAppraisalResource(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r.URL.Path, "/v1/appraisals/")
	if len(segs) == 0 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	p, ok := principalFrom(w, r)
	if !ok {
		return
	}
	id := segs[0]

	switch {
	case len(segs) == 1:
		a.appraisalRoot(w, r, id)
	case len(segs) == 2 && segs[1] == "transition":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var req transitionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		updated, err := a.appraisals.Transition(r.Context(), p, id, req.Status)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case len(segs) == 2 && segs[1] == "completion":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		readiness, err := a.appraisals.CompletionReadiness(r.Context(), p, id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, readiness)
	case len(segs) == 2 && segs[1] == "items":
		a.appraisalItems(w, r, id)
	case len(segs) == 4 && segs[1] == "items" && segs[3] == "rating":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		var req ratingRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		item, err := a.appraisals.RateItem(r.Context(), p, id, segs[2], req.Rating, req.Comment)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	case len(segs) == 2 && segs[1] == "appraisers":
		a.appraisalAppraisers(w, r, id)
	case len(segs) == 3 && segs[1] == "appraisers":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		removal, err := a.assignment.RemoveAppraiser(r.Context(), p, id, segs[2])
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, removal)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) appraisalRoot(w http.ResponseWriter, r *http.Request, id string) {
	p, _ := principalFrom(w, r)
	switch r.Method {
	case http.MethodGet:
		detail, err := a.appraisals.Get(r.Context(), p, id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	case http.MethodPatch:
		var req updateAppraisalRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		updated, err := a.appraisals.Update(r.Context(), p, id, appraisal.UpdateInput{
			Phase:             req.Phase,
			FinalRating:       req.FinalRating,
			PrimaryFeedback:   req.PrimaryFeedback,
			SecondaryFeedback: req.SecondaryFeedback,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := a.appraisals.HardDelete(r.Context(), p, id, r.URL.Query().Get("reason")); err != nil {
			handleServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) appraisalItems(w http.ResponseWriter, r *http.Request, id string) {
	p, _ := principalFrom(w, r)
	switch r.Method {
	case http.MethodGet:
		detail, err := a.appraisals.Get(r.Context(), p, id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": detail.Items})
	case http.MethodPost:
		var req itemRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		item, err := a.appraisals.AddItem(r.Context(), p, id, appraisal.ItemInput{Kind: req.Kind, Title: req.Title})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, item)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) appraisalAppraisers(w http.ResponseWriter, r *http.Request, id string) {
	p, _ := principalFrom(w, r)
	switch r.Method {
	case http.MethodGet:
		roster, err := a.assignment.Appraisers(r.Context(), p, id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, roster)
	case http.MethodPut:
		var req appraisersRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		roster, err := a.assignment.AssignAppraisers(r.Context(), p, id, req.AppraiserIDs, req.Override)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, roster)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}
