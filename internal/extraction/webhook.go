package extraction

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/amperebm/procurement/internal/documents"
	"github.com/amperebm/procurement/internal/platform/httpx"
)

// CompletionSink receives extraction outcomes; implemented by the
// document lifecycle service.
type CompletionSink interface {
	OnExtractionComplete(ctx context.Context, documentID uuid.UUID, result documents.ExtractionResult) error
	OnExtractionFailed(ctx context.Context, documentID uuid.UUID, reason string) error
}

// WebhookPayload is the push-based completion callback body.
type WebhookPayload struct {
	DocumentID   uuid.UUID `json:"document_id" validate:"required"`
	Status       JobState  `json:"status" validate:"required,oneof=DONE ERROR"`
	Fields       *Fields   `json:"fields,omitempty"`
	Confidence   int       `json:"confidence" validate:"gte=0,lte=100"`
	InferredType string    `json:"inferred_type,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

// WebhookHandler accepts completion callbacks from the extraction
// service; polling stays available as the fallback path.
type WebhookHandler struct {
	logger   *slog.Logger
	sink     CompletionSink
	validate *validator.Validate
}

// NewWebhookHandler constructs the handler.
func NewWebhookHandler(logger *slog.Logger, sink CompletionSink) *WebhookHandler {
	return &WebhookHandler{logger: logger, sink: sink, validate: validator.New()}
}

// MountRoutes attaches the webhook route.
func (h *WebhookHandler) MountRoutes(r chi.Router) {
	r.Post("/extraction", h.handle)
}

func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request) {
	var payload WebhookPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed callback body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	var err error
	switch payload.Status {
	case StateDone:
		status := JobStatus{State: StateDone, Fields: payload.Fields, Confidence: payload.Confidence, InferredType: payload.InferredType}
		err = h.sink.OnExtractionComplete(r.Context(), payload.DocumentID, ToDocumentResult(status.ToResult()))
	case StateError:
		err = h.sink.OnExtractionFailed(r.Context(), payload.DocumentID, payload.Reason)
	}
	if err != nil {
		h.logger.Warn("extraction callback", slog.String("document_id", payload.DocumentID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// ToDocumentResult maps the wire result onto the lifecycle manager input.
func ToDocumentResult(r Result) documents.ExtractionResult {
	out := documents.ExtractionResult{
		InferredType:        documents.DocumentType(r.InferredType),
		Confidence:          r.Confidence,
		DocumentNumber:      r.Fields.DocumentNumber,
		DocumentDate:        r.Fields.DocumentDate,
		TotalAmount:         r.Fields.TotalAmount,
		TaxAmount:           r.Fields.TaxAmount,
		Currency:            r.Fields.Currency,
		CounterpartyName:    r.Fields.CounterpartyName,
		PaymentTerms:        r.Fields.PaymentTerms,
		DueDate:             r.Fields.DueDate,
		Reference:           r.Fields.Reference,
		PredecessorPONumber: r.Fields.PredecessorPONumber,
	}
	for _, li := range r.Fields.LineItems {
		out.LineItems = append(out.LineItems, documents.LineItem{
			Description: li.Description,
			Quantity:    li.Quantity,
			UnitPrice:   li.UnitPrice,
			Amount:      li.Amount,
		})
	}
	return out
}
