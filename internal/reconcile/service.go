package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/amperebm/procurement/internal/approvals"
	"github.com/amperebm/procurement/internal/documents"
	"github.com/amperebm/procurement/internal/observability"
	"github.com/amperebm/procurement/internal/shared"
)

// AuditPort records mutating operations.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// linkableTypes are the downstream documents that attach to a PO.
var linkableTypes = map[documents.DocumentType]string{
	documents.TypeSupplierInvoice: "INVOICE",
	documents.TypeVariationOrder:  "VARIATION_ORDER",
}

// Service proposes and confirms document-to-PO linkages.
type Service struct {
	repo    RepositoryPort
	audit   AuditPort
	metrics *observability.Metrics
	logger  *slog.Logger
}

// ServiceConfig groups Service dependencies.
type ServiceConfig struct {
	Repo    RepositoryPort
	Audit   AuditPort
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// NewService constructs the reconciliation service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{repo: cfg.Repo, audit: cfg.Audit, metrics: cfg.Metrics, logger: cfg.Logger}
}

// ProposeLinkage ranks the project's current POs as linkage candidates
// for an extracted downstream document. Supplier matches outrank amount
// proximity; the list is advisory and confirmation stays manual.
func (s *Service) ProposeLinkage(ctx context.Context, documentID uuid.UUID) ([]LinkageProposal, error) {
	doc, err := s.repo.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if _, ok := linkableTypes[doc.Type]; !ok {
		return nil, fmt.Errorf("%w: %s documents do not link to purchase orders", shared.ErrValidation, doc.Type)
	}
	if doc.Status != documents.StatusExtracted {
		return nil, fmt.Errorf("%w: document %s is %s, not %s", shared.ErrConflict, doc.ID, doc.Status, documents.StatusExtracted)
	}
	var docTotal float64
	if doc.TotalAmount != nil {
		docTotal = *doc.TotalAmount
	}
	pos, err := s.repo.CandidatePOs(ctx, doc.ProjectID)
	if err != nil {
		return nil, err
	}
	proposals := make([]LinkageProposal, 0, len(pos))
	for _, po := range pos {
		proposals = append(proposals, proposalFor(po, docTotal, doc.CounterpartyID))
	}
	rankProposals(proposals)
	return proposals, nil
}

// ConfirmLinkage attaches the document to the PO.
//
// Invoices accrue against the PO's billed amount; crossing the PO total
// records an OVER_BILLED warning but never blocks, since disputed
// invoices are a commercial matter. Variation orders supersede the PO
// with an adjusted revision; the original row is never touched. In
// either case the document moves to LINKED.
func (s *Service) ConfirmLinkage(ctx context.Context, documentID, poID uuid.UUID, actorID string) error {
	var linkedPO uuid.UUID
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetDocumentForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		linkType, ok := linkableTypes[doc.Type]
		if !ok {
			return fmt.Errorf("%w: %s documents do not link to purchase orders", shared.ErrValidation, doc.Type)
		}
		if doc.Status != documents.StatusExtracted {
			return fmt.Errorf("%w: document %s is %s, not %s", shared.ErrConflict, doc.ID, doc.Status, documents.StatusExtracted)
		}
		po, err := tx.GetPOForUpdate(ctx, poID)
		if err != nil {
			return err
		}
		if po.ProjectID != doc.ProjectID {
			return fmt.Errorf("%w: document and purchase order belong to different projects", shared.ErrValidation)
		}
		superseded, err := tx.HasSuccessor(ctx, poID)
		if err != nil {
			return err
		}
		if superseded {
			return fmt.Errorf("%w: po %s has been superseded by a revision", shared.ErrConflict, po.Number)
		}

		linkedPO = po.ID
		switch doc.Type {
		case documents.TypeSupplierInvoice:
			if err := s.applyInvoice(ctx, tx, doc, po); err != nil {
				return err
			}
		case documents.TypeVariationOrder:
			revised, err := s.applyVariation(ctx, tx, doc, po, actorID)
			if err != nil {
				return err
			}
			linkedPO = revised.ID
		}

		if err := tx.InsertPOLink(ctx, linkedPO, doc.ID, linkType); err != nil {
			return err
		}
		if err := tx.UpdateDocumentStatus(ctx, doc.ID, documents.StatusExtracted, documents.StatusLinked); err != nil {
			return err
		}
		return tx.SetDocumentPOLink(ctx, doc.ID, linkedPO)
	})
	if err != nil {
		return err
	}
	doc, docErr := s.repo.GetDocument(ctx, documentID)
	if docErr == nil {
		s.metrics.LinkageConfirmed(string(doc.Type))
	}
	s.recordAudit(ctx, actorID, "DOC_LINKED", documentID, map[string]any{"po_id": linkedPO})
	return nil
}

func (s *Service) applyInvoice(ctx context.Context, tx TxRepository, doc approvals.SourceDocument, po approvals.PurchaseOrder) error {
	if doc.TotalAmount == nil {
		return fmt.Errorf("%w: invoice has no extracted total", shared.ErrValidation)
	}
	amount := *doc.TotalAmount
	if over, excess := OverBilled(po, amount); over {
		w := documents.Warning{
			DocumentID: doc.ID,
			Code:       documents.WarnOverBilled,
			Detail:     fmt.Sprintf("cumulative invoices exceed po %s total by %.2f", po.Number, excess),
			CreatedAt:  time.Now().UTC(),
		}
		if err := tx.InsertWarning(ctx, w); err != nil {
			return err
		}
		s.logger.Warn("over-billed po", slog.String("po", po.Number), slog.Float64("excess", excess))
	}
	return tx.UpdateBilledAmount(ctx, po.ID, po.BilledAmount+amount)
}

// applyVariation issues the successor revision carrying the adjusted
// total and the accrued billing.
func (s *Service) applyVariation(ctx context.Context, tx TxRepository, doc approvals.SourceDocument, po approvals.PurchaseOrder, actorID string) (approvals.PurchaseOrder, error) {
	if doc.TotalAmount == nil {
		return approvals.PurchaseOrder{}, fmt.Errorf("%w: variation order has no extracted total", shared.ErrValidation)
	}
	var tax float64
	if doc.TaxAmount != nil {
		tax = *doc.TaxAmount
	}
	terms := po.Terms
	terms.TotalAmount += *doc.TotalAmount
	terms.TaxAmount += tax
	terms.Subtotal = terms.TotalAmount - terms.TaxAmount

	revision := po.Revision + 1
	predecessor := po.ID
	revised := approvals.PurchaseOrder{
		ID:                uuid.New(),
		ProjectID:         po.ProjectID,
		Number:            approvals.RevisionNumber(po.Number, revision),
		Revision:          revision,
		PredecessorID:     &predecessor,
		CounterpartyID:    po.CounterpartyID,
		SourceQuotationID: po.SourceQuotationID,
		Terms:             terms,
		BilledAmount:      po.BilledAmount,
		IssuedBy:          actorID,
		IssuedAt:          time.Now().UTC(),
	}
	if err := tx.InsertPO(ctx, revised); err != nil {
		return approvals.PurchaseOrder{}, err
	}
	return revised, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID, action string, docID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if actorID == "" {
		actorID = "system"
	}
	log := shared.AuditLog{ActorID: actorID, Action: action, Entity: "procurement_document", EntityID: docID.String(), Meta: meta, At: time.Now().UTC()}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("record audit", slog.String("action", action), slog.Any("error", err))
	}
}
