// Package approvals owns PO-generation requests, their approve/reject
// transitions and the immutable purchase-order records produced on
// approval.
package approvals

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the PO approval request lifecycle.
type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestApproved RequestStatus = "APPROVED"
	RequestRejected RequestStatus = "REJECTED"
)

// Decision is an approval outcome.
type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

// Valid reports whether the decision is a known outcome.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// TermsSnapshot is the commercial terms captured at request time. It is
// the audit record: later edits to the source quotation never touch it.
type TermsSnapshot struct {
	Subtotal           float64 `json:"subtotal"`
	TaxAmount          float64 `json:"tax_amount"`
	TotalAmount        float64 `json:"total_amount"`
	Currency           string  `json:"currency"`
	PaymentTerms       string  `json:"payment_terms,omitempty"`
	TermsAndConditions string  `json:"terms_and_conditions,omitempty"`
}

// POApprovalRequest gates PO issuance behind a human decision. Exactly
// one decision per request; replays conflict instead of re-executing
// side effects.
type POApprovalRequest struct {
	ID             uuid.UUID
	DocumentID     uuid.UUID
	ProjectID      uuid.UUID
	CounterpartyID uuid.UUID
	RequestedBy    string
	Status         RequestStatus
	Terms          TermsSnapshot

	// Saga progress markers: the allocated number and rendered artifact
	// survive a failed approval attempt so a retry resumes instead of
	// consuming another number or rendering twice.
	AllocatedNumber string
	ArtifactKey     string

	GeneratedPOID    *uuid.UUID
	DecidedBy        string
	DecisionComments string
	CreatedAt        time.Time
	DecidedAt        *time.Time
}

// PurchaseOrder is an issued PO. Records are append-only: once sent to a
// counterparty a PO is immutable, and amendments become successor
// revisions referencing the original.
type PurchaseOrder struct {
	ID                uuid.UUID
	ProjectID         uuid.UUID
	Number            string
	Revision          int
	PredecessorID     *uuid.UUID
	CounterpartyID    uuid.UUID
	SourceQuotationID *uuid.UUID
	Terms             TermsSnapshot
	BilledAmount      float64
	ArtifactKey       string
	IssuedBy          string
	IssuedAt          time.Time
}

// RemainingUnbilled is the headroom left for supplier invoices.
func (po PurchaseOrder) RemainingUnbilled() float64 {
	return po.Terms.TotalAmount - po.BilledAmount
}

// ErrNumberExhausted signals the per-scope counter overflowed.
var ErrNumberExhausted = errors.New("approvals: po number space exhausted")
