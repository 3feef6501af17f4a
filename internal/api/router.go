package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/faultline-io/faultline/internal/api/middleware"
	"github.com/faultline-io/faultline/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	CreateOccurrence    http.HandlerFunc
	GetOccurrence       http.HandlerFunc
	SymbolicateHandler  http.HandlerFunc
	SourceMapHandler    http.HandlerFunc
	DeobfuscateHandler  http.HandlerFunc
	RecategorizeHandler http.HandlerFunc
	RedirectHandler     http.HandlerFunc
	TruncateHandler     http.HandlerFunc
	PollJobHandler      http.HandlerFunc

	ListBugs           http.HandlerFunc
	GetBug             http.HandlerFunc
	ListBugOccurrences http.HandlerFunc

	CreateDeploy        http.HandlerFunc
	UploadSymbolication http.HandlerFunc
	UploadSourceMap     http.HandlerFunc
	UploadObfuscation   http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/occurrences", orNotImplemented(deps.CreateOccurrence))
		r.Post("/api/v1/occurrences/truncate", orNotImplemented(deps.TruncateHandler))
		r.Get("/api/v1/occurrences/{occurrenceID}", orNotImplemented(deps.GetOccurrence))
		r.Post("/api/v1/occurrences/{occurrenceID}/symbolicate", orNotImplemented(deps.SymbolicateHandler))
		r.Post("/api/v1/occurrences/{occurrenceID}/sourcemap", orNotImplemented(deps.SourceMapHandler))
		r.Post("/api/v1/occurrences/{occurrenceID}/deobfuscate", orNotImplemented(deps.DeobfuscateHandler))
		r.Post("/api/v1/occurrences/{occurrenceID}/recategorize", orNotImplemented(deps.RecategorizeHandler))
		r.Post("/api/v1/occurrences/{occurrenceID}/redirect", orNotImplemented(deps.RedirectHandler))

		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.PollJobHandler))

		r.Get("/api/v1/bugs", orNotImplemented(deps.ListBugs))
		r.Get("/api/v1/bugs/{bugID}", orNotImplemented(deps.GetBug))
		r.Get("/api/v1/bugs/{bugID}/occurrences", orNotImplemented(deps.ListBugOccurrences))

		r.Post("/api/v1/deploys", orNotImplemented(deps.CreateDeploy))
		r.Post("/api/v1/deploys/{deployID}/obfuscation_map", orNotImplemented(deps.UploadObfuscation))
		r.Post("/api/v1/symbolications", orNotImplemented(deps.UploadSymbolication))
		r.Post("/api/v1/sourcemaps", orNotImplemented(deps.UploadSourceMap))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
