package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/amperebm/procurement/internal/documents"
	"github.com/amperebm/procurement/internal/observability"
	"github.com/amperebm/procurement/internal/shared"
)

// POSnapshot is the data handed to the artifact renderer.
type POSnapshot struct {
	Number               string
	ProjectID            uuid.UUID
	CounterpartyID       uuid.UUID
	Terms                TermsSnapshot
	SourceDocumentNumber *string
	IssuedBy             string
}

// RendererPort produces the immutable PO artifact (a stored PDF) and
// returns its storage key.
type RendererPort interface {
	RenderPO(ctx context.Context, snapshot POSnapshot) (string, error)
}

// AuditPort records mutating operations.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates PO approval requests and the approve saga.
type Service struct {
	repo      RepositoryPort
	allocator AllocatorPort
	renderer  RendererPort
	audit     AuditPort
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// ServiceConfig groups Service dependencies.
type ServiceConfig struct {
	Repo      RepositoryPort
	Allocator AllocatorPort
	Renderer  RendererPort
	Audit     AuditPort
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// NewService constructs the approval coordinator.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		repo:      cfg.Repo,
		allocator: cfg.Allocator,
		renderer:  cfg.Renderer,
		audit:     cfg.Audit,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

// RequestInput describes one PO generation request.
type RequestInput struct {
	DocumentID         uuid.UUID
	RequestedBy        string
	PaymentTerms       string
	TermsAndConditions string
}

// RequestPOGeneration opens an approval request for an extracted supplier
// quotation, snapshotting its commercial terms and parking the document
// in PENDING_APPROVAL. One open request per document.
func (s *Service) RequestPOGeneration(ctx context.Context, input RequestInput) (POApprovalRequest, error) {
	if input.DocumentID == uuid.Nil {
		return POApprovalRequest{}, fmt.Errorf("%w: document id required", shared.ErrValidation)
	}
	var req POApprovalRequest
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetDocumentForUpdate(ctx, input.DocumentID)
		if err != nil {
			return err
		}
		if doc.Type != documents.TypeSupplierQuotation {
			return fmt.Errorf("%w: only supplier quotations generate purchase orders, got %s", shared.ErrValidation, doc.Type)
		}
		if doc.Status != documents.StatusExtracted {
			return fmt.Errorf("%w: document %s is %s, not %s", shared.ErrConflict, doc.ID, doc.Status, documents.StatusExtracted)
		}
		if doc.CounterpartyID == nil {
			return fmt.Errorf("%w: quotation has no resolved counterparty", shared.ErrValidation)
		}
		if doc.TotalAmount == nil {
			return fmt.Errorf("%w: quotation has no extracted total", shared.ErrValidation)
		}

		req = POApprovalRequest{
			ID:             uuid.New(),
			DocumentID:     doc.ID,
			ProjectID:      doc.ProjectID,
			CounterpartyID: *doc.CounterpartyID,
			RequestedBy:    input.RequestedBy,
			Status:         RequestPending,
			Terms:          snapshotTerms(doc, input),
			CreatedAt:      time.Now().UTC(),
		}
		if err := tx.InsertRequest(ctx, req); err != nil {
			return err
		}
		return tx.UpdateDocumentStatus(ctx, doc.ID, documents.StatusExtracted, documents.StatusPendingApproval)
	})
	if err != nil {
		return POApprovalRequest{}, err
	}
	s.recordAudit(ctx, input.RequestedBy, "PO_REQUESTED", req.ID, map[string]any{"document_id": req.DocumentID})
	return req, nil
}

// snapshotTerms derives the frozen terms from extracted amounts. The
// subtotal is total minus tax; currency defaults to SGD when extraction
// produced none.
func snapshotTerms(doc SourceDocument, input RequestInput) TermsSnapshot {
	total := *doc.TotalAmount
	var tax float64
	if doc.TaxAmount != nil {
		tax = *doc.TaxAmount
	}
	currency := "SGD"
	if doc.Currency != nil && *doc.Currency != "" {
		currency = *doc.Currency
	}
	return TermsSnapshot{
		Subtotal:           total - tax,
		TaxAmount:          tax,
		TotalAmount:        total,
		Currency:           currency,
		PaymentTerms:       input.PaymentTerms,
		TermsAndConditions: input.TermsAndConditions,
	}
}

// Decide records the approve or reject outcome.
//
// Rejection needs comments and returns the document to EXTRACTED so the
// request can be amended and resubmitted.
//
// Approval runs a three-step saga: allocate the PO number, render the
// artifact, then commit the PO, the linkage and both status transitions
// in one transaction. Number and artifact are persisted on the request
// as each step lands, so a crash or render outage leaves the request
// PENDING and a retry resumes where it stopped instead of consuming a
// second number.
func (s *Service) Decide(ctx context.Context, requestID uuid.UUID, decision Decision, actorID, comments string) (POApprovalRequest, error) {
	if !decision.Valid() {
		return POApprovalRequest{}, fmt.Errorf("%w: unknown decision %q", shared.ErrValidation, decision)
	}
	if decision == DecisionRejected && comments == "" {
		return POApprovalRequest{}, fmt.Errorf("%w: rejection requires comments", shared.ErrValidation)
	}

	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return POApprovalRequest{}, err
	}
	if req.Status != RequestPending {
		return POApprovalRequest{}, fmt.Errorf("%w: request %s already %s", shared.ErrConflict, requestID, req.Status)
	}

	if decision == DecisionRejected {
		err = s.reject(ctx, req, actorID, comments)
	} else {
		err = s.approve(ctx, &req, actorID, comments)
	}
	if err != nil {
		return POApprovalRequest{}, err
	}
	s.metrics.ApprovalDecided(string(decision))
	s.recordAudit(ctx, actorID, "PO_"+string(decision), requestID, map[string]any{"comments": comments})
	return s.repo.GetRequest(ctx, requestID)
}

func (s *Service) reject(ctx context.Context, req POApprovalRequest, actorID, comments string) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetRequestForUpdate(ctx, req.ID)
		if err != nil {
			return err
		}
		if current.Status != RequestPending {
			return fmt.Errorf("%w: request %s already %s", shared.ErrConflict, req.ID, current.Status)
		}
		if err := tx.UpdateRequestStatus(ctx, req.ID, RequestPending, RequestRejected, actorID, comments); err != nil {
			return err
		}
		return tx.UpdateDocumentStatus(ctx, req.DocumentID, documents.StatusPendingApproval, documents.StatusExtracted)
	})
}

func (s *Service) approve(ctx context.Context, req *POApprovalRequest, actorID, comments string) error {
	number, err := s.ensureNumber(ctx, req)
	if err != nil {
		return err
	}

	if req.ArtifactKey == "" {
		doc, docErr := s.sourceDocument(ctx, req.DocumentID)
		if docErr != nil {
			return docErr
		}
		key, renderErr := s.renderer.RenderPO(ctx, POSnapshot{
			Number:               number,
			ProjectID:            req.ProjectID,
			CounterpartyID:       req.CounterpartyID,
			Terms:                req.Terms,
			SourceDocumentNumber: doc.DocumentNumber,
			IssuedBy:             actorID,
		})
		if renderErr != nil {
			// The request stays PENDING with its number consumed; the next
			// approval attempt skips allocation and renders again.
			return fmt.Errorf("%w: render po artifact: %v", shared.ErrExternalService, renderErr)
		}
		if err := s.repo.PersistArtifact(ctx, req.ID, key); err != nil {
			return err
		}
		req.ArtifactKey = key
	}

	po := PurchaseOrder{
		ID:                uuid.New(),
		ProjectID:         req.ProjectID,
		Number:            number,
		Revision:          0,
		CounterpartyID:    req.CounterpartyID,
		SourceQuotationID: &req.DocumentID,
		Terms:             req.Terms,
		ArtifactKey:       req.ArtifactKey,
		IssuedBy:          actorID,
		IssuedAt:          time.Now().UTC(),
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// Re-check under the row lock: the fast-path PENDING check in
		// Decide reads outside the transaction and can go stale.
		current, err := tx.GetRequestForUpdate(ctx, req.ID)
		if err != nil {
			return err
		}
		if current.Status != RequestPending {
			return fmt.Errorf("%w: request %s already %s", shared.ErrConflict, req.ID, current.Status)
		}
		if err := tx.UpdateRequestStatus(ctx, req.ID, RequestPending, RequestApproved, actorID, comments); err != nil {
			return err
		}
		if err := tx.InsertPO(ctx, po); err != nil {
			return err
		}
		if err := tx.SetGeneratedPO(ctx, req.ID, po.ID); err != nil {
			return err
		}
		if err := tx.InsertPOLink(ctx, po.ID, req.DocumentID, "SOURCE_QUOTATION"); err != nil {
			return err
		}
		if err := tx.UpdateDocumentStatus(ctx, req.DocumentID, documents.StatusPendingApproval, documents.StatusLinked); err != nil {
			return err
		}
		return tx.SetDocumentPOLink(ctx, req.DocumentID, po.ID)
	})
}

// ensureNumber returns the request's allocated number, consuming a fresh
// one on first approval attempt. A lost allocation race re-reads the
// winner's number; the loser's number is wasted, which is acceptable
// since the sequence promises uniqueness and order, not density.
func (s *Service) ensureNumber(ctx context.Context, req *POApprovalRequest) (string, error) {
	if req.AllocatedNumber != "" {
		return req.AllocatedNumber, nil
	}
	number, err := s.allocator.Next(ctx, req.ProjectID)
	if err != nil {
		return "", err
	}
	s.metrics.PONumberAllocated()
	if err := s.repo.PersistAllocation(ctx, req.ID, number); err != nil {
		if !errors.Is(err, shared.ErrConflict) {
			return "", err
		}
		current, readErr := s.repo.GetRequest(ctx, req.ID)
		if readErr != nil {
			return "", readErr
		}
		if current.Status != RequestPending || current.AllocatedNumber == "" {
			return "", fmt.Errorf("%w: request %s decided concurrently", shared.ErrConflict, req.ID)
		}
		*req = current
		return current.AllocatedNumber, nil
	}
	req.AllocatedNumber = number
	return number, nil
}

func (s *Service) sourceDocument(ctx context.Context, documentID uuid.UUID) (SourceDocument, error) {
	var doc SourceDocument
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		doc, err = tx.GetDocumentForUpdate(ctx, documentID)
		return err
	})
	return doc, err
}

// GetRequest returns one approval request.
func (s *Service) GetRequest(ctx context.Context, id uuid.UUID) (POApprovalRequest, error) {
	return s.repo.GetRequest(ctx, id)
}

// ListRequests returns project requests, optionally filtered by status.
func (s *Service) ListRequests(ctx context.Context, projectID uuid.UUID, status *RequestStatus) ([]POApprovalRequest, error) {
	return s.repo.ListRequests(ctx, projectID, status)
}

// GetPO returns one purchase order with its linked document ids.
func (s *Service) GetPO(ctx context.Context, id uuid.UUID) (PurchaseOrder, []uuid.UUID, error) {
	po, err := s.repo.GetPO(ctx, id)
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	linked, err := s.repo.LinkedDocumentIDs(ctx, id)
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	return po, linked, nil
}

// ListPOs returns project purchase orders.
func (s *Service) ListPOs(ctx context.Context, projectID uuid.UUID) ([]PurchaseOrder, error) {
	return s.repo.ListPOs(ctx, projectID)
}

func (s *Service) recordAudit(ctx context.Context, actorID, action string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if actorID == "" {
		actorID = "system"
	}
	log := shared.AuditLog{ActorID: actorID, Action: action, Entity: "po_approval_request", EntityID: id.String(), Meta: meta, At: time.Now().UTC()}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("record audit", slog.String("action", action), slog.Any("error", err))
	}
}
