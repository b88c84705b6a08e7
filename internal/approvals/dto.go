package approvals

import (
	"time"

	"github.com/google/uuid"
)

// CreateRequestDTO is the PO generation request body.
type CreateRequestDTO struct {
	DocumentID         uuid.UUID `json:"document_id" validate:"required"`
	PaymentTerms       string    `json:"payment_terms" validate:"max=500"`
	TermsAndConditions string    `json:"terms_and_conditions" validate:"max=5000"`
}

// DecisionDTO is the approve/reject body.
type DecisionDTO struct {
	Comments string `json:"comments" validate:"max=2000"`
}

// RequestResponse is the API shape of an approval request.
type RequestResponse struct {
	ID               uuid.UUID     `json:"id"`
	DocumentID       uuid.UUID     `json:"document_id"`
	ProjectID        uuid.UUID     `json:"project_id"`
	CounterpartyID   uuid.UUID     `json:"counterparty_id"`
	RequestedBy      string        `json:"requested_by"`
	Status           RequestStatus `json:"status"`
	Terms            TermsSnapshot `json:"terms"`
	GeneratedPOID    *uuid.UUID    `json:"generated_po_id,omitempty"`
	DecidedBy        string        `json:"decided_by,omitempty"`
	DecisionComments string        `json:"decision_comments,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	DecidedAt        *time.Time    `json:"decided_at,omitempty"`
}

// ToRequestResponse maps a request onto its API shape.
func ToRequestResponse(req POApprovalRequest) RequestResponse {
	return RequestResponse{
		ID:               req.ID,
		DocumentID:       req.DocumentID,
		ProjectID:        req.ProjectID,
		CounterpartyID:   req.CounterpartyID,
		RequestedBy:      req.RequestedBy,
		Status:           req.Status,
		Terms:            req.Terms,
		GeneratedPOID:    req.GeneratedPOID,
		DecidedBy:        req.DecidedBy,
		DecisionComments: req.DecisionComments,
		CreatedAt:        req.CreatedAt,
		DecidedAt:        req.DecidedAt,
	}
}

// POResponse is the API shape of a purchase order.
type POResponse struct {
	ID                uuid.UUID     `json:"id"`
	ProjectID         uuid.UUID     `json:"project_id"`
	Number            string        `json:"number"`
	Revision          int           `json:"revision"`
	PredecessorID     *uuid.UUID    `json:"predecessor_id,omitempty"`
	CounterpartyID    uuid.UUID     `json:"counterparty_id"`
	SourceQuotationID *uuid.UUID    `json:"source_quotation_id,omitempty"`
	Terms             TermsSnapshot `json:"terms"`
	BilledAmount      float64       `json:"billed_amount"`
	RemainingUnbilled float64       `json:"remaining_unbilled"`
	ArtifactKey       string        `json:"artifact_key"`
	IssuedBy          string        `json:"issued_by"`
	IssuedAt          time.Time     `json:"issued_at"`
	LinkedDocumentIDs []uuid.UUID   `json:"linked_document_ids,omitempty"`
}

// ToPOResponse maps a purchase order onto its API shape.
func ToPOResponse(po PurchaseOrder, linked []uuid.UUID) POResponse {
	return POResponse{
		ID:                po.ID,
		ProjectID:         po.ProjectID,
		Number:            po.Number,
		Revision:          po.Revision,
		PredecessorID:     po.PredecessorID,
		CounterpartyID:    po.CounterpartyID,
		SourceQuotationID: po.SourceQuotationID,
		Terms:             po.Terms,
		BilledAmount:      po.BilledAmount,
		RemainingUnbilled: po.RemainingUnbilled(),
		ArtifactKey:       po.ArtifactKey,
		IssuedBy:          po.IssuedBy,
		IssuedAt:          po.IssuedAt,
		LinkedDocumentIDs: linked,
	}
}
