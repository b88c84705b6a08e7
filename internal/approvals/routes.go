package approvals

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes attaches approval request and purchase order endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/approval-requests", h.CreateRequest)
	r.Get("/approval-requests", h.ListRequests)
	r.Get("/approval-requests/{id}", h.GetRequest)
	r.Post("/approval-requests/{id}/approve", h.Approve)
	r.Post("/approval-requests/{id}/reject", h.Reject)
	r.Get("/purchase-orders", h.ListPOs)
	r.Get("/purchase-orders/{id}", h.GetPO)
}
