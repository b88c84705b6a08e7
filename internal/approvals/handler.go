package approvals

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

// Handler serves approval request and purchase order endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

func actorID(r *http.Request) string {
	return r.Header.Get("X-Actor-ID")
}

// CreateRequest opens a PO approval request for a quotation.
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var dto CreateRequestDTO
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	req, err := h.service.RequestPOGeneration(r.Context(), RequestInput{
		DocumentID:         dto.DocumentID,
		RequestedBy:        actorID(r),
		PaymentTerms:       dto.PaymentTerms,
		TermsAndConditions: dto.TermsAndConditions,
	})
	if err != nil {
		h.respondError(w, "create approval request", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, ToRequestResponse(req))
}

// GetRequest returns one approval request.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	req, err := h.service.GetRequest(r.Context(), id)
	if err != nil {
		h.respondError(w, "get approval request", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ToRequestResponse(req))
}

// ListRequests returns project approval requests.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(r.URL.Query().Get("project_id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "project_id query parameter required")
		return
	}
	var status *RequestStatus
	if v := r.URL.Query().Get("status"); v != "" {
		s := RequestStatus(v)
		status = &s
	}
	reqs, err := h.service.ListRequests(r.Context(), projectID, status)
	if err != nil {
		h.respondError(w, "list approval requests", err)
		return
	}
	items := make([]RequestResponse, 0, len(reqs))
	for _, req := range reqs {
		items = append(items, ToRequestResponse(req))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

// Approve records an approval and issues the purchase order.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, DecisionApproved)
}

// Reject records a rejection; comments are mandatory.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, DecisionRejected)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, decision Decision) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var dto DecisionDTO
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	req, err := h.service.Decide(r.Context(), id, decision, actorID(r), dto.Comments)
	if err != nil {
		h.respondError(w, "decide approval request", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ToRequestResponse(req))
}

// GetPO returns one purchase order with linked documents.
func (h *Handler) GetPO(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	po, linked, err := h.service.GetPO(r.Context(), id)
	if err != nil {
		h.respondError(w, "get purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ToPOResponse(po, linked))
}

// ListPOs returns project purchase orders.
func (h *Handler) ListPOs(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(r.URL.Query().Get("project_id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "project_id query parameter required")
		return
	}
	pos, err := h.service.ListPOs(r.Context(), projectID)
	if err != nil {
		h.respondError(w, "list purchase orders", err)
		return
	}
	items := make([]POResponse, 0, len(pos))
	for _, po := range pos {
		items = append(items, ToPOResponse(po, nil))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
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
