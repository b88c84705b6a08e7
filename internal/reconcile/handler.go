package reconcile

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/amperebm/procurement/internal/platform/httpx"
	"github.com/amperebm/procurement/internal/shared"
)

// ProposalResponse is the API shape of one linkage candidate.
type ProposalResponse struct {
	POID            uuid.UUID `json:"po_id"`
	PONumber        string    `json:"po_number"`
	POTotal         float64   `json:"po_total"`
	SupplierMatches bool      `json:"supplier_matches"`
	AmountDeltaPct  float64   `json:"amount_delta_pct"`
}

// ConfirmDTO is the linkage confirmation body.
type ConfirmDTO struct {
	POID uuid.UUID `json:"po_id" validate:"required"`
}

// Handler serves linkage proposal and confirmation endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes attaches reconciliation endpoints under documents.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/documents/{id}/linkage-proposals", h.Propose)
	r.Post("/documents/{id}/link", h.Confirm)
}

// Propose returns ranked PO candidates for the document.
func (h *Handler) Propose(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	proposals, err := h.service.ProposeLinkage(r.Context(), id)
	if err != nil {
		h.respondError(w, "propose linkage", err)
		return
	}
	items := make([]ProposalResponse, 0, len(proposals))
	for _, p := range proposals {
		items = append(items, ProposalResponse{
			POID:            p.POID,
			PONumber:        p.PONumber,
			POTotal:         p.POTotal,
			SupplierMatches: p.SupplierMatches,
			AmountDeltaPct:  p.AmountDeltaPct,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

// Confirm links the document to the chosen PO.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	var dto ConfirmDTO
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.ConfirmLinkage(r.Context(), id, dto.POID, r.Header.Get("X-Actor-ID")); err != nil {
		h.respondError(w, "confirm linkage", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "linked"})
}

func (h *Handler) documentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid document id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	if !errors.Is(err, shared.ErrNotFound) && !errors.Is(err, shared.ErrValidation) && !errors.Is(err, shared.ErrConflict) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
