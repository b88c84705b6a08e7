// Package documents owns the procurement-document state machine and the
// upload -> extraction -> classification lifecycle.
package documents

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/amperebm/procurement/internal/matching"
	"github.com/amperebm/procurement/internal/shared"
)

// DocumentType classifies a procurement document.
type DocumentType string

const (
	// TypeAuto is only valid as a declared type at upload time; the
	// extraction service supplies the authoritative type.
	TypeAuto              DocumentType = "AUTO"
	TypeCustomerPO        DocumentType = "CUSTOMER_PO"
	TypeSupplierQuotation DocumentType = "SUPPLIER_QUOTATION"
	TypeSupplierInvoice   DocumentType = "SUPPLIER_INVOICE"
	TypeSupplierPO        DocumentType = "SUPPLIER_PO"
	TypeClientInvoice     DocumentType = "CLIENT_INVOICE"
	TypeVariationOrder    DocumentType = "VARIATION_ORDER"
)

// ConcreteTypes lists every storable document type (AUTO excluded).
var ConcreteTypes = []DocumentType{
	TypeCustomerPO, TypeSupplierQuotation, TypeSupplierInvoice,
	TypeSupplierPO, TypeClientInvoice, TypeVariationOrder,
}

// Valid reports whether t is a known type, optionally allowing AUTO.
func (t DocumentType) Valid(allowAuto bool) bool {
	if t == TypeAuto {
		return allowAuto
	}
	for _, c := range ConcreteTypes {
		if t == c {
			return true
		}
	}
	return false
}

// DocumentStatus is a node in the lifecycle state machine.
type DocumentStatus string

const (
	StatusUploaded        DocumentStatus = "UPLOADED"
	StatusExtracted       DocumentStatus = "EXTRACTED"
	StatusFailed          DocumentStatus = "FAILED"
	StatusPendingApproval DocumentStatus = "PENDING_APPROVAL"
	StatusApproved        DocumentStatus = "APPROVED"
	StatusRejected        DocumentStatus = "REJECTED"
	StatusLinked          DocumentStatus = "LINKED"
	StatusPaid            DocumentStatus = "PAID"
	StatusCancelled       DocumentStatus = "CANCELLED"
)

// transitions is the closed edge set of the lifecycle graph. CANCELLED is
// reachable from every non-terminal state; FAILED documents are not
// resurrected in place (retry means a fresh upload).
var transitions = map[DocumentStatus][]DocumentStatus{
	StatusUploaded:        {StatusExtracted, StatusFailed, StatusCancelled},
	StatusExtracted:       {StatusPendingApproval, StatusLinked, StatusCancelled},
	StatusFailed:          {StatusCancelled},
	StatusPendingApproval: {StatusApproved, StatusRejected, StatusExtracted, StatusLinked, StatusCancelled},
	StatusApproved:        {StatusLinked, StatusPaid, StatusCancelled},
	StatusLinked:          {StatusPaid, StatusCancelled},
	StatusRejected:        {},
	StatusPaid:            {},
	StatusCancelled:       {},
}

// Terminal reports whether no further transition is possible.
func (s DocumentStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether the edge from -> to exists.
func CanTransition(from, to DocumentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates the edge and returns the new status, or ErrConflict
// leaving the caller's state untouched.
func Transition(from, to DocumentStatus) (DocumentStatus, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: document cannot move %s -> %s", shared.ErrConflict, from, to)
	}
	return to, nil
}

// LineItem is one extracted commercial line.
type LineItem struct {
	Description string   `json:"description"`
	Quantity    *float64 `json:"quantity,omitempty"`
	UnitPrice   *float64 `json:"unit_price,omitempty"`
	Amount      float64  `json:"amount"`
}

// lineSumTolerance is the rounding tolerance applied when checking that
// line amounts sum to total minus tax.
const lineSumTolerance = 0.01

// LineSumMismatch returns true plus the delta when the line amounts do not
// sum to total-tax within tolerance. Nil inputs mean nothing to check.
func LineSumMismatch(items []LineItem, total, tax *float64) (bool, float64) {
	if len(items) == 0 || total == nil {
		return false, 0
	}
	want := *total
	if tax != nil {
		want -= *tax
	}
	var sum float64
	for _, it := range items {
		sum += it.Amount
	}
	delta := sum - want
	return math.Abs(delta) > lineSumTolerance, delta
}

// Details is the closed tagged union of per-type payloads. Each variant
// carries only the fields valid for its document type.
type Details interface {
	DocumentType() DocumentType
}

// CustomerPODetails describes a purchase order received from a client.
type CustomerPODetails struct {
	CustomerReference string `json:"customer_reference,omitempty"`
}

// SupplierQuotationDetails describes a supplier's offer.
type SupplierQuotationDetails struct {
	ValidUntil   *time.Time `json:"valid_until,omitempty"`
	PaymentTerms string     `json:"payment_terms,omitempty"`
}

// SupplierInvoiceDetails describes a bill from a supplier.
type SupplierInvoiceDetails struct {
	SupplierInvoiceRef string     `json:"supplier_invoice_ref,omitempty"`
	DueDate            *time.Time `json:"due_date,omitempty"`
}

// SupplierPODetails describes a purchase order we issued to a supplier
// and re-ingested (for example a countersigned copy).
type SupplierPODetails struct {
	PONumber string `json:"po_number,omitempty"`
}

// ClientInvoiceDetails describes an invoice issued to the project client.
type ClientInvoiceDetails struct {
	DueDate *time.Time `json:"due_date,omitempty"`
}

// VariationOrderDetails always carries the predecessor PO reference the
// variation amends.
type VariationOrderDetails struct {
	PredecessorPONumber string `json:"predecessor_po_number"`
	ChangeReason        string `json:"change_reason,omitempty"`
}

func (CustomerPODetails) DocumentType() DocumentType        { return TypeCustomerPO }
func (SupplierQuotationDetails) DocumentType() DocumentType { return TypeSupplierQuotation }
func (SupplierInvoiceDetails) DocumentType() DocumentType   { return TypeSupplierInvoice }
func (SupplierPODetails) DocumentType() DocumentType        { return TypeSupplierPO }
func (ClientInvoiceDetails) DocumentType() DocumentType     { return TypeClientInvoice }
func (VariationOrderDetails) DocumentType() DocumentType    { return TypeVariationOrder }

// Document is the procurement document header shared by all types.
type Document struct {
	ID        uuid.UUID
	ProjectID uuid.UUID

	// DeclaredType is what the uploader selected (may be AUTO); Type is
	// authoritative once extraction has classified the document.
	DeclaredType DocumentType
	Type         DocumentType
	Status       DocumentStatus

	FileName    string
	ContentType string
	SizeBytes   int64
	StorageKey  string
	Notes       string

	ExtractionJobID      string
	ExtractionConfidence *int
	FailureReason        string

	// ExtractedName is the free-text counterparty name the extractor
	// returned; InferredType is its classification, kept even when the
	// declared type stays authoritative. ExtractionPayload is the
	// canonical payload of the applied completion, used to detect
	// conflicting duplicate completions.
	ExtractedName     string
	InferredType      DocumentType
	ExtractionPayload []byte

	DocumentNumber *string
	DocumentDate   *time.Time
	TotalAmount    *float64
	TaxAmount      *float64
	Currency       *string
	LineItems      []LineItem
	Details        Details

	CounterpartyID              *uuid.UUID
	CounterpartyMatchConfidence matching.Confidence
	CounterpartyNeedsReview     bool

	LinkedPurchaseOrderID  *uuid.UUID
	LinkedQuotationID      *uuid.UUID
	LinkedVariationOrderID *uuid.UUID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Warning codes recorded on documents.
const (
	WarnLineSumMismatch = "LINE_SUM_MISMATCH"
	WarnTypeMismatch    = "DECLARED_TYPE_MISMATCH"
	WarnOverBilled      = "OVER_BILLED"
)

// Warning is a non-fatal inconsistency surfaced for human review. It
// never blocks the transition that produced it.
type Warning struct {
	ID         int64
	DocumentID uuid.UUID
	Code       string
	Detail     string
	CreatedAt  time.Time
}
