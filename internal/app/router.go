package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/amperebm/procurement/internal/approvals"
	"github.com/amperebm/procurement/internal/counterparty"
	"github.com/amperebm/procurement/internal/documents"
	"github.com/amperebm/procurement/internal/extraction"
	"github.com/amperebm/procurement/internal/observability"
	"github.com/amperebm/procurement/internal/reconcile"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger              *slog.Logger
	Config              *Config
	DocumentHandler     *documents.Handler
	ApprovalHandler     *approvals.Handler
	ReconcileHandler    *reconcile.Handler
	CounterpartyHandler *counterparty.Handler
	WebhookHandler      *extraction.WebhookHandler
	Metrics             *observability.Metrics
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		params.DocumentHandler.MountRoutes(r)
		params.ApprovalHandler.MountRoutes(r)
		params.ReconcileHandler.MountRoutes(r)
		params.CounterpartyHandler.MountRoutes(r)
	})

	if params.WebhookHandler != nil {
		r.Route("/webhooks", params.WebhookHandler.MountRoutes)
	}

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
