package counterparty

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/amperebm/procurement/internal/matching"
	"github.com/amperebm/procurement/internal/platform/httpx"
	"github.com/amperebm/procurement/internal/shared"
)

// Directory is the lookup surface the handler serves.
type Directory interface {
	Get(ctx context.Context, id uuid.UUID) (Counterparty, error)
	ListCandidates(ctx context.Context, projectID uuid.UUID) ([]matching.Candidate, error)
}

// Handler serves the read-only counterparty directory endpoints.
type Handler struct {
	logger    *slog.Logger
	directory Directory
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, directory Directory) *Handler {
	return &Handler{logger: logger, directory: directory}
}

// MountRoutes attaches the directory endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/counterparties", h.List)
	r.Get("/counterparties/{id}", h.Get)
}

// CounterpartyResponse is the wire shape of one directory record.
type CounterpartyResponse struct {
	ID        uuid.UUID  `json:"id"`
	ProjectID *uuid.UUID `json:"project_id,omitempty"`
	Name      string     `json:"name"`
	Kind      Kind       `json:"kind,omitempty"`
}

// Get returns one counterparty.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid counterparty id")
		return
	}
	c, err := h.directory.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "get counterparty", err)
		return
	}
	httpx.JSON(w, http.StatusOK, CounterpartyResponse{ID: c.ID, ProjectID: c.ProjectID, Name: c.Name, Kind: c.Kind})
}

// List returns directory entries visible to a project.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(r.URL.Query().Get("project_id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "project_id query parameter required")
		return
	}
	candidates, err := h.directory.ListCandidates(r.Context(), projectID)
	if err != nil {
		h.respondError(w, "list counterparties", err)
		return
	}
	items := make([]CounterpartyResponse, 0, len(candidates))
	for _, c := range candidates {
		items = append(items, CounterpartyResponse{ID: c.ID, Name: c.Name})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	if !errors.Is(err, shared.ErrNotFound) && !errors.Is(err, shared.ErrValidation) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
