package documents

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

// MountRoutes attaches document endpoints. Uploads are rate limited per
// client IP since each one schedules background extraction work.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(30, time.Minute))
		r.Post("/documents", h.Submit)
	})
	r.Get("/documents", h.List)
	r.Get("/documents/{id}", h.Get)
	r.Get("/documents/{id}/status", h.Status)
	r.Get("/documents/{id}/warnings", h.Warnings)
	r.Post("/documents/{id}/cancel", h.Cancel)
	r.Post("/documents/{id}/paid", h.MarkPaid)
	r.Delete("/documents/{id}", h.Delete)
}
