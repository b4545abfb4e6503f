package api

import (
	"net/http"

	"github.com/fetchrelay/backend/internal/auth"
	"github.com/fetchrelay/backend/internal/health"
	"github.com/fetchrelay/backend/internal/metrics"
	"github.com/fetchrelay/backend/internal/notify"
)

// Router wires every HTTP surface: job lifecycle, credentials, probes,
// metrics, and the WebSocket progress feed.
type Router struct {
	mux          *http.ServeMux
	jobs         *JobHandlers
	authHandlers *auth.Handlers
	authService  *auth.Service
	health       *health.Handler
	ws           *notify.Handler
	metrics      *metrics.Metrics
}

func NewRouter(jobs *JobHandlers, authHandlers *auth.Handlers, authService *auth.Service,
	healthHandler *health.Handler, ws *notify.Handler, m *metrics.Metrics) *Router {

	r := &Router{
		mux:          http.NewServeMux(),
		jobs:         jobs,
		authHandlers: authHandlers,
		authService:  authService,
		health:       healthHandler,
		ws:           ws,
		metrics:      m,
	}
	r.setupRoutes()
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) setupRoutes() {
	// Probes and metrics (no auth required)
	r.mux.HandleFunc("GET /health", r.health.HealthHandler)
	r.mux.HandleFunc("GET /ready", r.health.ReadinessHandler)
	r.mux.HandleFunc("GET /metrics", r.metrics.Handler())

	// Auth routes (no auth required)
	r.mux.HandleFunc("POST /api/auth/register", r.authHandlers.Register)
	r.mux.HandleFunc("POST /api/auth/login", r.authHandlers.Login)

	// Job routes (auth required)
	r.mux.HandleFunc("POST /api/jobs", r.withAuth(r.jobs.Submit))
	r.mux.HandleFunc("GET /api/jobs", r.withAuth(r.jobs.List))
	r.mux.HandleFunc("GET /api/jobs/{id}", r.withAuth(r.jobs.Get))
	r.mux.HandleFunc("DELETE /api/jobs/{id}", r.withAuth(r.jobs.Cancel))
	r.mux.HandleFunc("GET /api/history", r.withAuth(r.jobs.History))
	r.mux.HandleFunc("GET /api/quota", r.withAuth(r.jobs.Quota))
	r.mux.HandleFunc("GET /api/status", r.withAuth(r.jobs.Status))

	// WebSocket progress feed (token via query parameter)
	r.mux.HandleFunc("GET /ws", r.ws.ServeWS)
}

func (r *Router) withAuth(next http.HandlerFunc) http.HandlerFunc {
	mw := auth.Middleware(r.authService)
	return func(w http.ResponseWriter, req *http.Request) {
		mw(next).ServeHTTP(w, req)
	}
}
