package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	mw "github.com/faultline-io/faultline/internal/api/middleware"
	"github.com/faultline-io/faultline/internal/api/response"
	"github.com/faultline-io/faultline/internal/store"
	"github.com/faultline-io/faultline/pkg/models"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// BugReader is the read side of bug storage used by the list/get handlers.
type BugReader interface {
	GetBug(ctx context.Context, id uuid.UUID) (*models.Bug, error)
	ListBugs(ctx context.Context, filter store.BugFilter) ([]*models.Bug, int, error)
	ListOccurrencesByBug(ctx context.Context, bugID uuid.UUID, page, limit int) ([]*models.Occurrence, int, error)
}

// NewListBugsHandler returns the handler for GET /api/v1/bugs.
func NewListBugsHandler(st BugReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := mw.GetProjectID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing project", nil)
			return
		}

		page, limit := parsePagination(r)
		filter := store.BugFilter{
			ProjectID: projectID,
			Page:      page,
			Limit:     limit,
		}
		q := r.URL.Query()
		if env := q.Get("environment"); env != "" {
			filter.Environment = env
		}
		if q.Get("include_irrelevant") == "true" {
			filter.IncludeIrrelevant = true
		}

		bugs, total, err := st.ListBugs(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list bugs", nil)
			return
		}
		response.Collection(w, bugs, paginationMeta(page, limit, total))
	}
}

// NewGetBugHandler returns the handler for GET /api/v1/bugs/{bugID}.
func NewGetBugHandler(st BugReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "bugID")
		if !ok {
			return
		}

		bug, err := st.GetBug(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Bug not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load bug", nil)
			return
		}
		response.JSON(w, bug)
	}
}

// NewListBugOccurrencesHandler returns the handler for
// GET /api/v1/bugs/{bugID}/occurrences, ordered by occurrence number.
func NewListBugOccurrencesHandler(st BugReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "bugID")
		if !ok {
			return
		}

		page, limit := parsePagination(r)
		occurrences, total, err := st.ListOccurrencesByBug(r.Context(), id, page, limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list occurrences", nil)
			return
		}
		response.Collection(w, occurrences, paginationMeta(page, limit, total))
	}
}

func parsePagination(r *http.Request) (page, limit int) {
	page = 1
	limit = defaultPageLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return page, limit
}

func paginationMeta(page, limit, total int) response.PaginationMeta {
	return response.PaginationMeta{
		Page:    page,
		Limit:   limit,
		Total:   total,
		HasNext: page*limit < total,
	}
}
