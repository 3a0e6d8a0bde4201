package server

import (
	"net/http"

	"golang.org/x/time/rate"
)

// NewHandler creates the full HTTP handler with routes and middleware.
// Exported for use in tests (e.g., httptest.NewServer).
func NewHandler(deps Deps, lim *rate.Limiter) http.Handler {
	return newMux(deps, lim)
}

func newMux(deps Deps, lim *rate.Limiter) http.Handler {
	h := &handler{Deps: deps}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /api/v1/jobs", h.createJob)
	mux.HandleFunc("GET /api/v1/jobs", h.listJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.getJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", h.cancelJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/events", h.listEvents)
	mux.HandleFunc("GET /api/v1/checkpoints/{symbol}", h.getCheckpoint)
	mux.HandleFunc("GET /api/v1/metrics", h.metrics)
	if deps.Bars != nil {
		mux.HandleFunc("GET /api/v1/bars/{symbol}", h.listBars)
	}

	// Apply middleware stack: recovery -> requestID -> logging -> throttle
	var handler http.Handler = mux
	handler = throttle(lim)(handler)
	handler = logging(handler)
	handler = requestID(handler)
	handler = recovery(handler)

	return handler
}
