package documents

import (
	"time"

	"github.com/google/uuid"

	"github.com/amperebm/procurement/internal/shared"
)

// DocumentResponse is the wire shape of one document.
type DocumentResponse struct {
	ID           uuid.UUID      `json:"id"`
	ProjectID    uuid.UUID      `json:"project_id"`
	DeclaredType DocumentType   `json:"declared_type"`
	Type         DocumentType   `json:"type"`
	Status       DocumentStatus `json:"status"`
	FileName     string         `json:"file_name"`
	ContentType  string         `json:"content_type"`
	SizeBytes    int64          `json:"size_bytes"`
	Notes        string         `json:"notes,omitempty"`

	ExtractionConfidence *int   `json:"extraction_confidence,omitempty"`
	FailureReason        string `json:"failure_reason,omitempty"`
	InferredType         string `json:"inferred_type,omitempty"`

	DocumentNumber *string    `json:"document_number,omitempty"`
	DocumentDate   *time.Time `json:"document_date,omitempty"`
	TotalAmount    *float64   `json:"total_amount,omitempty"`
	TaxAmount      *float64   `json:"tax_amount,omitempty"`
	Currency       *string    `json:"currency,omitempty"`
	LineItems      []LineItem `json:"line_items,omitempty"`
	Details        Details    `json:"details,omitempty"`

	CounterpartyID              *uuid.UUID `json:"counterparty_id,omitempty"`
	CounterpartyMatchConfidence string     `json:"counterparty_match_confidence,omitempty"`
	CounterpartyNeedsReview     bool       `json:"counterparty_needs_review,omitempty"`

	LinkedPurchaseOrderID  *uuid.UUID `json:"linked_purchase_order_id,omitempty"`
	LinkedQuotationID      *uuid.UUID `json:"linked_quotation_id,omitempty"`
	LinkedVariationOrderID *uuid.UUID `json:"linked_variation_order_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToResponse maps a domain document onto the wire shape.
func ToResponse(d Document) DocumentResponse {
	return DocumentResponse{
		ID:                          d.ID,
		ProjectID:                   d.ProjectID,
		DeclaredType:                d.DeclaredType,
		Type:                        d.Type,
		Status:                      d.Status,
		FileName:                    d.FileName,
		ContentType:                 d.ContentType,
		SizeBytes:                   d.SizeBytes,
		Notes:                       d.Notes,
		ExtractionConfidence:        d.ExtractionConfidence,
		FailureReason:               d.FailureReason,
		InferredType:                string(d.InferredType),
		DocumentNumber:              d.DocumentNumber,
		DocumentDate:                d.DocumentDate,
		TotalAmount:                 d.TotalAmount,
		TaxAmount:                   d.TaxAmount,
		Currency:                    d.Currency,
		LineItems:                   d.LineItems,
		Details:                     d.Details,
		CounterpartyID:              d.CounterpartyID,
		CounterpartyMatchConfidence: string(d.CounterpartyMatchConfidence),
		CounterpartyNeedsReview:     d.CounterpartyNeedsReview,
		LinkedPurchaseOrderID:       d.LinkedPurchaseOrderID,
		LinkedQuotationID:           d.LinkedQuotationID,
		LinkedVariationOrderID:      d.LinkedVariationOrderID,
		CreatedAt:                   d.CreatedAt,
		UpdatedAt:                   d.UpdatedAt,
	}
}

// ListResponse wraps a page of documents with pagination metadata.
type ListResponse struct {
	Items      []DocumentResponse `json:"items"`
	Pagination shared.Pagination  `json:"pagination"`
}

// WarningResponse is the wire shape of one integrity warning.
type WarningResponse struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusResponse is the poll endpoint payload.
type StatusResponse struct {
	StatusSnapshot
	// RetryAfterSeconds tells a still-waiting caller when to poll again.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}
