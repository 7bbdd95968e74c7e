package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/ledgerline/ledgerline/internal/costing"
	"github.com/ledgerline/ledgerline/internal/reporting"
	"github.com/ledgerline/ledgerline/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	CostingHandler   *costing.Handler
	ReportingHandler *reporting.Handler
	JobHandler       *jobs.Handler
}

// NewRouter constructs the chi.Router with Ledgerline defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mutations and cached read views share the /costing prefix.
	r.Route("/costing", func(r chi.Router) {
		params.CostingHandler.MountRoutes(r)
		if params.ReportingHandler != nil {
			params.ReportingHandler.MountRoutes(r)
		}
	})
	if params.JobHandler != nil {
		adminLimit := 5
		if params.Config != nil && params.Config.AdminRateLimitPerMin > 0 {
			adminLimit = params.Config.AdminRateLimitPerMin
		}
		r.Route("/admin", func(r chi.Router) {
			r.Use(httprate.Limit(adminLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
			params.JobHandler.MountRoutes(r)
		})
	}

	return r
}
