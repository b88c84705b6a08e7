package documents

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/amperebm/procurement/internal/platform/httpx"
	"github.com/amperebm/procurement/internal/shared"
)

// Handler serves the document lifecycle endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

func actorID(r *http.Request) string {
	return r.Header.Get("X-Actor-ID")
}

// Submit accepts a multipart upload: file, project_id, declared_type, notes.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	maxBytes := h.service.uploads.MaxBytes
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+(1<<20))
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed multipart body")
		return
	}
	projectID, err := uuid.Parse(r.FormValue("project_id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid project_id")
		return
	}
	declared := DocumentType(r.FormValue("declared_type"))
	if declared == "" {
		declared = TypeAuto
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "file part required")
		return
	}
	defer func() { _ = file.Close() }()
	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unreadable file part")
		return
	}

	doc, err := h.service.Submit(r.Context(), SubmitInput{
		ProjectID:    projectID,
		DeclaredType: declared,
		FileName:     header.Filename,
		ContentType:  header.Header.Get("Content-Type"),
		Data:         data,
		Notes:        r.FormValue("notes"),
		ActorID:      actorID(r),
	})
	if err != nil {
		h.respondError(w, "submit document", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, ToResponse(doc))
}

// Get returns one document.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	doc, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "get document", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ToResponse(doc))
}

// List returns project documents filtered by status/type.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(r.URL.Query().Get("project_id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "project_id query parameter required")
		return
	}
	filter := ListFilter{ProjectID: projectID}
	if v := r.URL.Query().Get("status"); v != "" {
		status := DocumentStatus(v)
		filter.Status = &status
	}
	if v := r.URL.Query().Get("type"); v != "" {
		docType := DocumentType(v)
		filter.Type = &docType
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage > 200 {
		perPage = 200
	}
	p := shared.NewPagination(page, perPage, 0)
	filter.Limit = p.PerPage
	filter.Offset = p.Offset()
	docs, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, "list documents", err)
		return
	}
	items := make([]DocumentResponse, 0, len(docs))
	for _, d := range docs {
		items = append(items, ToResponse(d))
	}
	httpx.JSON(w, http.StatusOK, ListResponse{
		Items:      items,
		Pagination: shared.NewPagination(p.Page, p.PerPage, total),
	})
}

// Status is the bounded polling endpoint for extraction completion.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	snap, err := h.service.PollStatus(r.Context(), id)
	if err != nil {
		h.respondError(w, "poll status", err)
		return
	}
	resp := StatusResponse{StatusSnapshot: snap}
	if !snap.Settled {
		retry := int(h.service.Polling().Interval.Seconds())
		resp.RetryAfterSeconds = retry
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

// Warnings lists integrity warnings for the document.
func (h *Handler) Warnings(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	warnings, err := h.service.Warnings(r.Context(), id)
	if err != nil {
		h.respondError(w, "list warnings", err)
		return
	}
	items := make([]WarningResponse, 0, len(warnings))
	for _, warn := range warnings {
		items = append(items, WarningResponse{ID: warn.ID, Code: warn.Code, Detail: warn.Detail, CreatedAt: warn.CreatedAt})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

// Cancel marks the document CANCELLED.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	if err := h.service.Cancel(r.Context(), id, actorID(r)); err != nil {
		h.respondError(w, "cancel document", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": string(StatusCancelled)})
}

// Delete hard-deletes an unlinked document.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id, actorID(r)); err != nil {
		h.respondError(w, "delete document", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkPaid transitions a linked document to PAID.
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	if err := h.service.MarkPaid(r.Context(), id, actorID(r)); err != nil {
		h.respondError(w, "mark paid", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": string(StatusPaid)})
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
