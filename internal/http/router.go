package http

import (
	"net/http"

	"remind/internal/auth"
	"remind/internal/config"
	"remind/internal/http/handler"
	mw "remind/internal/http/middleware"
	"remind/internal/reminder"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Deps struct {
	Service  *reminder.Service
	JWT      *auth.JWT
	Clients  auth.Clients
	Log      zerolog.Logger
	Gatherer prometheus.Gatherer
}

func NewRouter(cfg config.Config, d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.AccessLog(d.Log))
	r.Use(chimw.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(mw.CORS(cfg.CORSAllowedOrigins, cfg.CORSAllowCredentials))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	ah := &handler.AuthHandler{Clients: d.Clients, JWT: d.JWT}
	r.Post("/auth/token", ah.Token)

	me := &handler.MeHandler{}
	r.With(auth.RequireRole(d.JWT)).Get("/auth/me", me.Me)

	sh := &handler.SessionHandler{Svc: d.Service}

	// booking system events
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRole(d.JWT, auth.RoleBooking))

		r.Post("/sessions", sh.Create)
		r.Put("/sessions/{id}", sh.Reschedule)
		r.Delete("/sessions/{id}", sh.Cancel)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRole(d.JWT, auth.RoleBooking, auth.RoleOperator))

		r.Get("/sessions/{id}/jobs", sh.Jobs)
		r.Get("/stats", sh.Stats)
		r.Get("/templates", sh.Templates)
	})

	return r
}
