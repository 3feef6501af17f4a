package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	mw "github.com/faultline-io/faultline/internal/api/middleware"
	"github.com/faultline-io/faultline/internal/api/response"
	"github.com/faultline-io/faultline/internal/resolve"
	"github.com/faultline-io/faultline/internal/store"
	"github.com/faultline-io/faultline/pkg/models"
)

// TableStore is the write side of lookup-table and deploy storage. Uploads
// are validated through the table constructors before anything is persisted,
// so a malformed table is rejected whole.
type TableStore interface {
	CreateSymbolication(ctx context.Context, s *resolve.Symbolication) error
	CreateSourceMap(ctx context.Context, m *resolve.SourceMap) error
	CreateObfuscationMap(ctx context.Context, m *resolve.ObfuscationMap) error
	CreateDeploy(ctx context.Context, d *models.Deploy) error
	GetDeploy(ctx context.Context, id uuid.UUID) (*models.Deploy, error)
}

// NewUploadSymbolicationHandler returns the handler for
// POST /api/v1/symbolications.
func NewUploadSymbolicationHandler(st TableStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Ranges []resolve.AddrRange `json:"ranges"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if len(req.Ranges) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "ranges is required", nil)
			return
		}

		table, err := resolve.NewSymbolication(uuid.New(), req.Ranges)
		if err != nil {
			response.Error(w, http.StatusUnprocessableEntity, "INVALID_TABLE", err.Error(), nil)
			return
		}
		if err := st.CreateSymbolication(r.Context(), table); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to store symbolication", nil)
			return
		}
		response.Created(w, map[string]uuid.UUID{"id": table.ID})
	}
}

// NewUploadSourceMapHandler returns the handler for POST /api/v1/sourcemaps.
// The table is keyed by the authenticated project plus the environment and
// revision in the body.
func NewUploadSourceMapHandler(st TableStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := mw.GetProjectID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing project", nil)
			return
		}

		var req struct {
			Environment string            `json:"environment"`
			Revision    string            `json:"revision"`
			Mappings    []resolve.Mapping `json:"mappings"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Environment == "" || req.Revision == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"environment and revision are required", nil)
			return
		}
		if len(req.Mappings) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "mappings is required", nil)
			return
		}

		table, err := resolve.NewSourceMap(uuid.New(), projectID, req.Environment, req.Revision, req.Mappings)
		if err != nil {
			response.Error(w, http.StatusUnprocessableEntity, "INVALID_TABLE", err.Error(), nil)
			return
		}
		if err := st.CreateSourceMap(r.Context(), table); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to store source map", nil)
			return
		}
		response.Created(w, map[string]uuid.UUID{"id": table.ID})
	}
}

// NewUploadObfuscationMapHandler returns the handler for
// POST /api/v1/deploys/{deployID}/obfuscation_map.
func NewUploadObfuscationMapHandler(st TableStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deployID, ok := parseIDParam(w, r, "deployID")
		if !ok {
			return
		}
		if _, err := st.GetDeploy(r.Context(), deployID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Deploy not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load deploy", nil)
			return
		}

		var req struct {
			Packages map[string]string     `json:"packages"`
			Classes  []resolve.ClassAlias  `json:"classes"`
			Methods  []resolve.MethodAlias `json:"methods"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if len(req.Classes) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "classes is required", nil)
			return
		}

		table, err := resolve.NewObfuscationMap(uuid.New(), deployID, req.Packages, req.Classes, req.Methods)
		if err != nil {
			response.Error(w, http.StatusUnprocessableEntity, "INVALID_TABLE", err.Error(), nil)
			return
		}
		if err := st.CreateObfuscationMap(r.Context(), table); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to store obfuscation map", nil)
			return
		}
		response.Created(w, map[string]uuid.UUID{"id": table.ID})
	}
}

// NewCreateDeployHandler returns the handler for POST /api/v1/deploys.
func NewCreateDeployHandler(st TableStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := mw.GetProjectID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing project", nil)
			return
		}

		var req struct {
			Environment string `json:"environment"`
			Revision    string `json:"revision"`
			DeployedAt  string `json:"deployed_at"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Environment == "" || req.Revision == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"environment and revision are required", nil)
			return
		}

		deployedAt := time.Now().UTC()
		if req.DeployedAt != "" {
			t, err := time.Parse(time.RFC3339, req.DeployedAt)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"deployed_at must be a valid RFC3339 timestamp", nil)
				return
			}
			deployedAt = t
		}

		deploy := &models.Deploy{
			ID:          uuid.New(),
			ProjectID:   projectID,
			Environment: req.Environment,
			Revision:    req.Revision,
			DeployedAt:  deployedAt,
			CreatedAt:   time.Now().UTC(),
		}
		if err := st.CreateDeploy(r.Context(), deploy); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to create deploy", nil)
			return
		}
		response.Created(w, deploy)
	}
}
