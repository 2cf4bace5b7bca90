package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/batchpilot/internal/api/middleware"
	"github.com/kiranshivaraju/batchpilot/internal/api/response"
	"github.com/kiranshivaraju/batchpilot/internal/observability"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit      *mw.RateLimit
	Metrics        *observability.Metrics
	MetricsHandler http.Handler

	HealthHandler http.HandlerFunc
	StatsHandler  http.HandlerFunc

	CreateJob http.HandlerFunc
	ListJobs  http.HandlerFunc
	GetJob    http.HandlerFunc
	UpdateJob http.HandlerFunc
	DeleteJob http.HandlerFunc

	AddRequests   http.HandlerFunc
	ListRequests  http.HandlerFunc
	GetRequest    http.HandlerFunc
	ListResponses http.HandlerFunc

	SubmitJob   http.HandlerFunc
	CheckJob    http.HandlerFunc
	JobStatus   http.HandlerFunc
	GetArtifact http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	if deps.Metrics != nil {
		r.Use(mw.Metrics(deps.Metrics))
	}

	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/stats", orNotImplemented(deps.StatsHandler))

		r.Route("/api/v1/jobs", func(r chi.Router) {
			r.Post("/", orNotImplemented(deps.CreateJob))
			r.Get("/", orNotImplemented(deps.ListJobs))

			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", orNotImplemented(deps.GetJob))
				r.Patch("/", orNotImplemented(deps.UpdateJob))
				r.Delete("/", orNotImplemented(deps.DeleteJob))

				r.Post("/requests", orNotImplemented(deps.AddRequests))
				r.Get("/requests", orNotImplemented(deps.ListRequests))
				r.Get("/requests/{customID}", orNotImplemented(deps.GetRequest))
				r.Get("/responses", orNotImplemented(deps.ListResponses))

				r.Post("/submit", orNotImplemented(deps.SubmitJob))
				r.Post("/check", orNotImplemented(deps.CheckJob))
				r.Get("/status", orNotImplemented(deps.JobStatus))
				r.Get("/artifacts/{kind}", orNotImplemented(deps.GetArtifact))
			})
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
