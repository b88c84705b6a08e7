package documents

import (
	"encoding/json"
	"time"
)

// ExtractionResult is the structured payload returned by the extraction
// service for one document.
type ExtractionResult struct {
	InferredType DocumentType `json:"inferred_type"`
	Confidence   int          `json:"confidence"`

	DocumentNumber *string    `json:"document_number,omitempty"`
	DocumentDate   *time.Time `json:"document_date,omitempty"`
	TotalAmount    *float64   `json:"total_amount,omitempty"`
	TaxAmount      *float64   `json:"tax_amount,omitempty"`
	Currency       *string    `json:"currency,omitempty"`

	CounterpartyName string     `json:"counterparty_name,omitempty"`
	LineItems        []LineItem `json:"line_items,omitempty"`

	// Type-specific extras mapped into the Details variant.
	PaymentTerms        string     `json:"payment_terms,omitempty"`
	DueDate             *time.Time `json:"due_date,omitempty"`
	Reference           string     `json:"reference,omitempty"`
	PredecessorPONumber string     `json:"predecessor_po_number,omitempty"`
}

// Fingerprint returns the canonical JSON form of the payload.
func (r ExtractionResult) Fingerprint() []byte {
	data, _ := json.Marshal(r)
	return data
}

// previousResult rebuilds the applied completion from the stored payload.
func (d Document) previousResult() (ExtractionResult, bool) {
	if len(d.ExtractionPayload) == 0 {
		return ExtractionResult{}, false
	}
	var r ExtractionResult
	if err := json.Unmarshal(d.ExtractionPayload, &r); err != nil {
		return ExtractionResult{}, false
	}
	return r, true
}

// Equal reports whether two results carry an identical payload. Duplicate
// completions with an identical payload are idempotent; differing payloads
// for an already extracted document are a conflict.
func (r ExtractionResult) Equal(other ExtractionResult) bool {
	if r.InferredType != other.InferredType || r.Confidence != other.Confidence {
		return false
	}
	if !eqStrPtr(r.DocumentNumber, other.DocumentNumber) ||
		!eqTimePtr(r.DocumentDate, other.DocumentDate) ||
		!eqFloatPtr(r.TotalAmount, other.TotalAmount) ||
		!eqFloatPtr(r.TaxAmount, other.TaxAmount) ||
		!eqStrPtr(r.Currency, other.Currency) {
		return false
	}
	if r.CounterpartyName != other.CounterpartyName ||
		r.PaymentTerms != other.PaymentTerms ||
		!eqTimePtr(r.DueDate, other.DueDate) ||
		r.Reference != other.Reference ||
		r.PredecessorPONumber != other.PredecessorPONumber {
		return false
	}
	if len(r.LineItems) != len(other.LineItems) {
		return false
	}
	for i := range r.LineItems {
		a, b := r.LineItems[i], other.LineItems[i]
		if a.Description != b.Description || a.Amount != b.Amount ||
			!eqFloatPtr(a.Quantity, b.Quantity) || !eqFloatPtr(a.UnitPrice, b.UnitPrice) {
			return false
		}
	}
	return true
}

// detailsFor builds the tagged-union payload for the authoritative type.
func (r ExtractionResult) detailsFor(docType DocumentType) Details {
	switch docType {
	case TypeCustomerPO:
		return CustomerPODetails{CustomerReference: r.Reference}
	case TypeSupplierQuotation:
		return SupplierQuotationDetails{ValidUntil: r.DueDate, PaymentTerms: r.PaymentTerms}
	case TypeSupplierInvoice:
		return SupplierInvoiceDetails{SupplierInvoiceRef: r.Reference, DueDate: r.DueDate}
	case TypeSupplierPO:
		return SupplierPODetails{PONumber: r.Reference}
	case TypeClientInvoice:
		return ClientInvoiceDetails{DueDate: r.DueDate}
	case TypeVariationOrder:
		return VariationOrderDetails{PredecessorPONumber: r.PredecessorPONumber}
	}
	return nil
}

func eqStrPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqFloatPtr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
