// Package reconcile links downstream documents (supplier invoices and
// variation orders) to issued purchase orders and applies their
// commercial effects.
package reconcile

import (
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/amperebm/procurement/internal/approvals"
)

// billingTolerance absorbs rounding noise when comparing cumulative
// invoiced amounts against the PO total.
const billingTolerance = 0.01

// LinkageProposal is one ranked PO candidate for a document.
type LinkageProposal struct {
	POID            uuid.UUID
	PONumber        string
	POTotal         float64
	SupplierMatches bool
	// AmountDeltaPct is the absolute difference between the document total
	// and the PO total, as a percentage of the PO total.
	AmountDeltaPct float64
}

// rankProposals orders candidates: supplier matches first, then by
// smallest amount delta, then by PO number for a stable order.
func rankProposals(proposals []LinkageProposal) {
	sort.SliceStable(proposals, func(i, j int) bool {
		if proposals[i].SupplierMatches != proposals[j].SupplierMatches {
			return proposals[i].SupplierMatches
		}
		if proposals[i].AmountDeltaPct != proposals[j].AmountDeltaPct {
			return proposals[i].AmountDeltaPct < proposals[j].AmountDeltaPct
		}
		return proposals[i].PONumber < proposals[j].PONumber
	})
}

// proposalFor scores one candidate PO against a document.
func proposalFor(po approvals.PurchaseOrder, docTotal float64, docCounterparty *uuid.UUID) LinkageProposal {
	p := LinkageProposal{
		POID:     po.ID,
		PONumber: po.Number,
		POTotal:  po.Terms.TotalAmount,
	}
	if docCounterparty != nil && *docCounterparty == po.CounterpartyID {
		p.SupplierMatches = true
	}
	if po.Terms.TotalAmount != 0 {
		p.AmountDeltaPct = math.Abs(docTotal-po.Terms.TotalAmount) / po.Terms.TotalAmount * 100
	} else if docTotal != 0 {
		p.AmountDeltaPct = 100
	}
	return p
}

// OverBilled reports whether adding amount to the PO's cumulative billing
// exceeds its total beyond tolerance, and by how much.
func OverBilled(po approvals.PurchaseOrder, amount float64) (bool, float64) {
	excess := po.BilledAmount + amount - po.Terms.TotalAmount
	return excess > billingTolerance, excess
}
