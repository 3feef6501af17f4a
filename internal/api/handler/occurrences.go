// Package handler contains the HTTP handlers for the Faultline API. Each
// constructor takes the narrow interface it depends on and returns an
// http.HandlerFunc.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/faultline-io/faultline/internal/api/middleware"
	"github.com/faultline-io/faultline/internal/api/response"
	"github.com/faultline-io/faultline/internal/blame"
	"github.com/faultline-io/faultline/internal/occurrence"
	"github.com/faultline-io/faultline/internal/store"
	"github.com/faultline-io/faultline/pkg/models"
)

// BugFiler finds or creates the bug a fresh report belongs to.
type BugFiler interface {
	File(ctx context.Context, p blame.FileParams) (*models.Bug, error)
}

// OccurrenceService is the slice of the occurrence lifecycle the HTTP layer
// uses.
type OccurrenceService interface {
	Create(ctx context.Context, p occurrence.CreateParams) (*models.Occurrence, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Occurrence, error)
	Canonical(ctx context.Context, id uuid.UUID) (*models.Occurrence, error)
	EnqueueResolvers(ctx context.Context, occ *models.Occurrence) []*models.Job
	TriggerResolve(ctx context.Context, occID uuid.UUID, jobType string) (*models.Job, error)
	Truncate(ctx context.Context, ids ...uuid.UUID) error
	RedirectTo(ctx context.Context, id, targetID uuid.UUID) error
	Recategorize(ctx context.Context, id uuid.UUID) (*models.Occurrence, error)
}

type createOccurrenceRequest struct {
	BugID           *uuid.UUID       `json:"bug_id"`
	Environment     string           `json:"environment"`
	DeployID        *uuid.UUID       `json:"deploy_id"`
	OccurredAt      string           `json:"occurred_at"`
	Client          string           `json:"client"`
	Message         string           `json:"message"`
	Revision        string           `json:"revision"`
	Backtraces      models.Backtrace `json:"backtraces"`
	Metadata        map[string]any   `json:"metadata"`
	SymbolicationID *uuid.UUID       `json:"symbolication_id"`
}

type createOccurrenceResponse struct {
	Occurrence *models.Occurrence `json:"occurrence"`
	Jobs       []*models.Job      `json:"jobs,omitempty"`
}

// NewCreateOccurrenceHandler returns the handler for POST /api/v1/occurrences.
// Reports may name their bug directly or arrive with just an environment, in
// which case the filer derives the owning bug from the report's fingerprint.
func NewCreateOccurrenceHandler(filer BugFiler, svc OccurrenceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := mw.GetProjectID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing project", nil)
			return
		}

		var req createOccurrenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.Message == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "message is required", nil)
			return
		}

		var occurredAt time.Time
		if req.OccurredAt != "" {
			t, err := time.Parse(time.RFC3339, req.OccurredAt)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"occurred_at must be a valid RFC3339 timestamp", nil)
				return
			}
			occurredAt = t
		}

		bugID := req.BugID
		if bugID == nil {
			if req.Environment == "" {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"environment is required when bug_id is not given", nil)
				return
			}
			bug, err := filer.File(r.Context(), blame.FileParams{
				ProjectID:   projectID,
				Environment: req.Environment,
				DeployID:    req.DeployID,
				Message:     req.Message,
				Backtraces:  req.Backtraces,
			})
			if err != nil {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"Failed to file bug", nil)
				return
			}
			bugID = &bug.ID
		}

		occ, err := svc.Create(r.Context(), occurrence.CreateParams{
			BugID:           *bugID,
			OccurredAt:      occurredAt,
			Client:          req.Client,
			Message:         req.Message,
			Revision:        req.Revision,
			Backtraces:      req.Backtraces,
			Metadata:        req.Metadata,
			SymbolicationID: req.SymbolicationID,
		})
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Bug not found", nil)
			case errors.Is(err, occurrence.ErrMultipleFaultedThreads):
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"At most one thread may be faulted", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"Failed to create occurrence", nil)
			}
			return
		}

		jobs := svc.EnqueueResolvers(r.Context(), occ)
		response.Created(w, createOccurrenceResponse{Occurrence: occ, Jobs: jobs})
	}
}

// NewGetOccurrenceHandler returns the handler for
// GET /api/v1/occurrences/{occurrenceID}. With ?follow_redirects=true the
// redirect chain is walked to the canonical occurrence.
func NewGetOccurrenceHandler(svc OccurrenceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "occurrenceID")
		if !ok {
			return
		}

		var (
			occ *models.Occurrence
			err error
		)
		if r.URL.Query().Get("follow_redirects") == "true" {
			occ, err = svc.Canonical(r.Context(), id)
		} else {
			occ, err = svc.Get(r.Context(), id)
		}
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Occurrence not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load occurrence", nil)
			return
		}
		response.JSON(w, occ)
	}
}

// NewResolveHandler returns the handler for the three resolve endpoints,
// POST /api/v1/occurrences/{occurrenceID}/{symbolicate,sourcemap,deobfuscate}.
// It enqueues an async job and answers 202 with the job for polling.
func NewResolveHandler(svc OccurrenceService, jobType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "occurrenceID")
		if !ok {
			return
		}

		job, err := svc.TriggerResolve(r.Context(), id, jobType)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Occurrence not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to enqueue resolver", nil)
			return
		}
		response.Accepted(w, job)
	}
}

// NewRecategorizeHandler returns the handler for
// POST /api/v1/occurrences/{occurrenceID}/recategorize.
func NewRecategorizeHandler(svc OccurrenceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "occurrenceID")
		if !ok {
			return
		}

		created, err := svc.Recategorize(r.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Occurrence not found", nil)
			case errors.Is(err, occurrence.ErrTruncated):
				response.Error(w, http.StatusConflict, "TRUNCATED",
					"A truncated occurrence cannot be recategorized", nil)
			default:
				response.Error(w, http.StatusBadGateway, "RECATEGORIZE_FAILED",
					"Bug assignment failed; nothing was changed", nil)
			}
			return
		}
		response.JSON(w, created)
	}
}

// NewTruncateHandler returns the handler for POST /api/v1/occurrences/truncate.
func NewTruncateHandler(svc OccurrenceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs []uuid.UUID `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if len(req.IDs) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "ids is required", nil)
			return
		}

		if err := svc.Truncate(r.Context(), req.IDs...); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to truncate occurrences", nil)
			return
		}
		response.JSON(w, map[string]int{"truncated": len(req.IDs)})
	}
}

// NewRedirectHandler returns the handler for
// POST /api/v1/occurrences/{occurrenceID}/redirect.
func NewRedirectHandler(svc OccurrenceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "occurrenceID")
		if !ok {
			return
		}

		var req struct {
			TargetID uuid.UUID `json:"target_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.TargetID == uuid.Nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "target_id is required", nil)
			return
		}
		if req.TargetID == id {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"An occurrence cannot redirect to itself", nil)
			return
		}

		if err := svc.RedirectTo(r.Context(), id, req.TargetID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Occurrence not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to redirect occurrence", nil)
			return
		}
		response.NoContent(w)
	}
}

// JobGetter loads resolver jobs for polling.
type JobGetter interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// NewPollJobHandler returns the handler for GET /api/v1/jobs/{jobID}.
func NewPollJobHandler(st JobGetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "jobID")
		if !ok {
			return
		}

		job, err := st.GetJob(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load job", nil)
			return
		}
		response.JSON(w, job)
	}
}

func parseIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
