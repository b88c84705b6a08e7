package documents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/amperebm/procurement/internal/matching"
	"github.com/amperebm/procurement/internal/observability"
	"github.com/amperebm/procurement/internal/shared"
)

// BlobStore is the opaque document store collaborator. The core keeps
// only the returned key, never raw bytes.
type BlobStore interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// ExtractionQueue schedules the fire-and-forget extraction job.
type ExtractionQueue interface {
	EnqueueDispatch(ctx context.Context, documentID uuid.UUID) error
}

// DirectoryPort is the read-only counterparty lookup.
type DirectoryPort interface {
	ListCandidates(ctx context.Context, projectID uuid.UUID) ([]matching.Candidate, error)
}

// Matcher resolves counterparty names; see the matching package.
type Matcher interface {
	Match(name string, pool []matching.Candidate) matching.Match
}

// AuditPort records mutating operations.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// StatusCache optionally caches poll responses (redis-backed in prod).
type StatusCache interface {
	GetStatus(ctx context.Context, id uuid.UUID) (string, bool)
	SetStatus(ctx context.Context, id uuid.UUID, payload string, ttl time.Duration)
}

// UploadPolicy bounds accepted uploads.
type UploadPolicy struct {
	MaxBytes     int64
	AllowedTypes []string
}

// Allows reports whether the content type is on the allow-list.
func (p UploadPolicy) Allows(contentType string) bool {
	base := contentType
	if i := strings.Index(base, ";"); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSpace(strings.ToLower(base))
	for _, t := range p.AllowedTypes {
		if base == t {
			return true
		}
	}
	return false
}

// PollPolicy is the bounded client-side polling schedule for extraction
// completion: fixed interval, fixed attempt ceiling.
type PollPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

// Timeout is the total window before callers are told to re-check later.
func (p PollPolicy) Timeout() time.Duration {
	return time.Duration(p.MaxAttempts) * p.Interval
}

// Service is the document lifecycle manager.
type Service struct {
	repo      RepositoryPort
	blobs     BlobStore
	queue     ExtractionQueue
	directory DirectoryPort
	matcher   Matcher
	audit     AuditPort
	cache     StatusCache
	metrics   *observability.Metrics
	logger    *slog.Logger
	uploads   UploadPolicy
	polling   PollPolicy
	sf        singleflight.Group
}

// ServiceConfig groups Service dependencies.
type ServiceConfig struct {
	Repo      RepositoryPort
	Blobs     BlobStore
	Queue     ExtractionQueue
	Directory DirectoryPort
	Matcher   Matcher
	Audit     AuditPort
	Cache     StatusCache
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Uploads   UploadPolicy
	Polling   PollPolicy
}

// NewService constructs the lifecycle manager.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Uploads.MaxBytes == 0 {
		cfg.Uploads.MaxBytes = 20 << 20
	}
	if len(cfg.Uploads.AllowedTypes) == 0 {
		cfg.Uploads.AllowedTypes = []string{"application/pdf", "image/png", "image/jpeg"}
	}
	if cfg.Polling.Interval == 0 {
		cfg.Polling.Interval = 5 * time.Second
	}
	if cfg.Polling.MaxAttempts == 0 {
		cfg.Polling.MaxAttempts = 60
	}
	return &Service{
		repo:      cfg.Repo,
		blobs:     cfg.Blobs,
		queue:     cfg.Queue,
		directory: cfg.Directory,
		matcher:   cfg.Matcher,
		audit:     cfg.Audit,
		cache:     cfg.Cache,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		uploads:   cfg.Uploads,
		polling:   cfg.Polling,
	}
}

// Polling exposes the poll policy for handlers and the worker.
func (s *Service) Polling() PollPolicy { return s.polling }

// SubmitInput describes one upload.
type SubmitInput struct {
	ProjectID    uuid.UUID
	DeclaredType DocumentType
	FileName     string
	ContentType  string
	Data         []byte
	Notes        string
	ActorID      string
}

// Submit validates the upload, persists metadata in UPLOADED and schedules
// extraction. The document id is returned immediately; extraction runs as
// an out-of-process job.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (Document, error) {
	if input.ProjectID == uuid.Nil {
		return Document{}, fmt.Errorf("%w: project id required", shared.ErrValidation)
	}
	if !input.DeclaredType.Valid(true) {
		return Document{}, fmt.Errorf("%w: unknown document type %q", shared.ErrValidation, input.DeclaredType)
	}
	if len(input.Data) == 0 {
		return Document{}, fmt.Errorf("%w: empty file", shared.ErrValidation)
	}
	if int64(len(input.Data)) > s.uploads.MaxBytes {
		return Document{}, fmt.Errorf("%w: file exceeds %d bytes", shared.ErrValidation, s.uploads.MaxBytes)
	}
	if !s.uploads.Allows(input.ContentType) {
		return Document{}, fmt.Errorf("%w: content type %q not accepted", shared.ErrValidation, input.ContentType)
	}

	key, err := s.blobs.Put(ctx, input.Data, input.ContentType)
	if err != nil {
		return Document{}, fmt.Errorf("%w: store upload: %v", shared.ErrExternalService, err)
	}

	now := time.Now().UTC()
	doc := Document{
		ID:           uuid.New(),
		ProjectID:    input.ProjectID,
		DeclaredType: input.DeclaredType,
		Type:         input.DeclaredType,
		Status:       StatusUploaded,
		FileName:     input.FileName,
		ContentType:  input.ContentType,
		SizeBytes:    int64(len(input.Data)),
		StorageKey:   key,
		Notes:        input.Notes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.Insert(ctx, doc)
	})
	if err != nil {
		// The blob was stored before the insert; remove it so a failed
		// submit leaves no orphaned row behind.
		if delErr := s.blobs.Delete(ctx, key); delErr != nil {
			s.logger.Warn("delete orphaned blob", slog.String("key", key), slog.Any("error", delErr))
		}
		return Document{}, err
	}

	// Fire and forget: a failed enqueue leaves the document UPLOADED and
	// is surfaced in logs, never to the uploader.
	if err := s.queue.EnqueueDispatch(ctx, doc.ID); err != nil {
		s.logger.Warn("enqueue extraction", slog.String("document_id", doc.ID.String()), slog.Any("error", err))
	}

	s.metrics.DocumentSubmitted(string(input.DeclaredType))
	s.recordAudit(ctx, input.ActorID, "DOC_SUBMIT", doc.ID, map[string]any{"declared_type": input.DeclaredType, "file": input.FileName})
	return doc, nil
}

// RecordExtractionJob stores the external job id after dispatch.
func (s *Service) RecordExtractionJob(ctx context.Context, documentID uuid.UUID, jobID string) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetExtractionJob(ctx, documentID, jobID)
	})
}

// OnExtractionComplete applies extracted fields, resolves the counterparty
// and moves the document to EXTRACTED.
//
// Replaying an identical completion is a no-op; a different payload for an
// already extracted document is a conflict. A late completion for a
// CANCELLED document is recorded but triggers no matching and no
// transition.
func (s *Service) OnExtractionComplete(ctx context.Context, documentID uuid.UUID, result ExtractionResult) error {
	if result.Confidence < 0 || result.Confidence > 100 {
		return fmt.Errorf("%w: confidence %d out of range", shared.ErrValidation, result.Confidence)
	}
	outcome := "completed"
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		switch doc.Status {
		case StatusUploaded:
			// fall through to apply
		case StatusCancelled:
			outcome = "late"
			return s.applyLateCompletion(ctx, tx, doc, result)
		case StatusExtracted, StatusPendingApproval, StatusLinked, StatusPaid, StatusApproved:
			if prev, ok := doc.previousResult(); ok && prev.Equal(result) {
				outcome = "duplicate"
				return nil
			}
			return fmt.Errorf("%w: conflicting extraction payload for document %s", shared.ErrConflict, documentID)
		default:
			return fmt.Errorf("%w: document %s is %s", shared.ErrConflict, documentID, doc.Status)
		}

		docType, err := s.authoritativeType(ctx, tx, &doc, result)
		if err != nil {
			return err
		}
		s.applyFields(&doc, docType, result)

		if mismatch, delta := LineSumMismatch(doc.LineItems, doc.TotalAmount, doc.TaxAmount); mismatch {
			s.insertWarning(ctx, tx, doc.ID, WarnLineSumMismatch,
				fmt.Sprintf("line items deviate from total minus tax by %.2f", delta))
		}

		if result.CounterpartyName != "" {
			if err := s.resolveCounterparty(ctx, &doc, result.CounterpartyName); err != nil {
				return err
			}
		}

		if err := tx.ApplyExtraction(ctx, doc); err != nil {
			return err
		}
		return tx.UpdateStatus(ctx, doc.ID, StatusUploaded, StatusExtracted)
	})
	if err != nil {
		return err
	}
	s.metrics.ExtractionFinished(outcome)
	s.invalidateStatus(ctx, documentID)
	if outcome == "completed" {
		s.recordAudit(ctx, "system", "DOC_EXTRACTED", documentID, map[string]any{"confidence": result.Confidence})
	}
	return nil
}

// applyLateCompletion records fields on a cancelled document without
// matching or transition.
func (s *Service) applyLateCompletion(ctx context.Context, tx TxRepository, doc Document, result ExtractionResult) error {
	docType := doc.DeclaredType
	if docType == TypeAuto && result.InferredType.Valid(false) {
		docType = result.InferredType
	}
	if !docType.Valid(false) {
		docType = doc.Type
	}
	s.applyFields(&doc, docType, result)
	return tx.ApplyExtraction(ctx, doc)
}

// authoritativeType resolves AUTO via the inferred type and records a
// warning when a concrete declared type contradicts the extractor.
func (s *Service) authoritativeType(ctx context.Context, tx TxRepository, doc *Document, result ExtractionResult) (DocumentType, error) {
	if doc.DeclaredType == TypeAuto {
		if !result.InferredType.Valid(false) {
			return "", fmt.Errorf("%w: extractor returned no usable type for AUTO upload", shared.ErrValidation)
		}
		return result.InferredType, nil
	}
	if result.InferredType.Valid(false) && result.InferredType != doc.DeclaredType {
		// Declared type stays authoritative; the disagreement is surfaced
		// instead of silently discarded.
		s.insertWarning(ctx, tx, doc.ID, WarnTypeMismatch,
			fmt.Sprintf("declared %s but extractor classified %s", doc.DeclaredType, result.InferredType))
	}
	return doc.DeclaredType, nil
}

func (s *Service) applyFields(doc *Document, docType DocumentType, result ExtractionResult) {
	confidence := result.Confidence
	doc.Type = docType
	doc.InferredType = result.InferredType
	doc.ExtractionConfidence = &confidence
	doc.DocumentNumber = result.DocumentNumber
	doc.DocumentDate = result.DocumentDate
	doc.TotalAmount = result.TotalAmount
	doc.TaxAmount = result.TaxAmount
	doc.Currency = result.Currency
	doc.LineItems = result.LineItems
	doc.ExtractedName = result.CounterpartyName
	doc.Details = result.detailsFor(docType)
	doc.ExtractionPayload = result.Fingerprint()
}

func (s *Service) resolveCounterparty(ctx context.Context, doc *Document, name string) error {
	pool, err := s.directory.ListCandidates(ctx, doc.ProjectID)
	if err != nil {
		return fmt.Errorf("%w: counterparty directory: %v", shared.ErrExternalService, err)
	}
	match := s.matcher.Match(name, pool)
	doc.CounterpartyMatchConfidence = match.Confidence
	if match.CounterpartyID != nil {
		doc.CounterpartyID = match.CounterpartyID
		doc.CounterpartyNeedsReview = match.NeedsReview()
	}
	return nil
}

// OnExtractionFailed records the failure reason and moves the document to
// FAILED. There is no automatic retry: a FAILED document is terminal save
// for cancellation, and retry means a fresh upload.
func (s *Service) OnExtractionFailed(ctx context.Context, documentID uuid.UUID, reason string) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		switch doc.Status {
		case StatusFailed, StatusCancelled:
			return nil
		case StatusUploaded:
		default:
			return fmt.Errorf("%w: document %s is %s", shared.ErrConflict, documentID, doc.Status)
		}
		if err := tx.SetFailure(ctx, documentID, reason); err != nil {
			return err
		}
		return tx.UpdateStatus(ctx, documentID, StatusUploaded, StatusFailed)
	})
	if err != nil {
		return err
	}
	s.metrics.ExtractionFinished("failed")
	s.invalidateStatus(ctx, documentID)
	s.recordAudit(ctx, "system", "DOC_EXTRACT_FAILED", documentID, map[string]any{"reason": reason})
	return nil
}

// StatusSnapshot is the poll response for one document.
type StatusSnapshot struct {
	Status     DocumentStatus `json:"status"`
	Confidence *int           `json:"confidence,omitempty"`
	// Settled is true once polling can stop (extraction finished or the
	// document left UPLOADED some other way).
	Settled bool `json:"settled"`
}

// PollStatus returns the current status and confidence. Concurrent polls
// for one document collapse into a single lookup, and settled snapshots
// are briefly cached so a polling client herd does not hit the database.
func (s *Service) PollStatus(ctx context.Context, documentID uuid.UUID) (StatusSnapshot, error) {
	if s.cache != nil {
		if payload, ok := s.cache.GetStatus(ctx, documentID); ok && payload != "" {
			var snap StatusSnapshot
			if err := json.Unmarshal([]byte(payload), &snap); err == nil {
				return snap, nil
			}
		}
	}
	v, err, _ := s.sf.Do(documentID.String(), func() (any, error) {
		doc, err := s.repo.Get(ctx, documentID)
		if err != nil {
			return StatusSnapshot{}, err
		}
		snap := StatusSnapshot{
			Status:     doc.Status,
			Confidence: doc.ExtractionConfidence,
			Settled:    doc.Status != StatusUploaded,
		}
		if s.cache != nil {
			if data, err := json.Marshal(snap); err == nil {
				s.cache.SetStatus(ctx, documentID, string(data), s.polling.Interval)
			}
		}
		return snap, nil
	})
	if err != nil {
		return StatusSnapshot{}, err
	}
	return v.(StatusSnapshot), nil
}

// Cancel marks the document CANCELLED. It is cooperative: an in-flight
// extraction is not aborted, its late completion is simply inert. Fails
// when a PENDING or APPROVED approval request depends on the document.
func (s *Service) Cancel(ctx context.Context, documentID uuid.UUID, actorID string) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		if doc.Status.Terminal() {
			return fmt.Errorf("%w: document %s is %s", shared.ErrConflict, documentID, doc.Status)
		}
		open, err := tx.OpenApprovalRequestExists(ctx, documentID)
		if err != nil {
			return err
		}
		if open {
			return fmt.Errorf("%w: document has an open approval request", shared.ErrConflict)
		}
		return tx.UpdateStatus(ctx, documentID, doc.Status, StatusCancelled)
	})
	if err != nil {
		return err
	}
	s.invalidateStatus(ctx, documentID)
	s.recordAudit(ctx, actorID, "DOC_CANCEL", documentID, nil)
	return nil
}

// Delete hard-deletes an UPLOADED, EXTRACTED or FAILED document together
// with its blob. Documents linked to a PO are never deleted.
func (s *Service) Delete(ctx context.Context, documentID uuid.UUID, actorID string) error {
	var storageKey string
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		switch doc.Status {
		case StatusUploaded, StatusExtracted, StatusFailed:
		default:
			return fmt.Errorf("%w: cannot delete document in %s", shared.ErrConflict, doc.Status)
		}
		if doc.LinkedPurchaseOrderID != nil {
			return fmt.Errorf("%w: document linked to a purchase order", shared.ErrConflict)
		}
		storageKey = doc.StorageKey
		return tx.Delete(ctx, documentID)
	})
	if err != nil {
		return err
	}
	if storageKey != "" {
		if err := s.blobs.Delete(ctx, storageKey); err != nil {
			s.logger.Warn("delete blob", slog.String("key", storageKey), slog.Any("error", err))
		}
	}
	s.recordAudit(ctx, actorID, "DOC_DELETE", documentID, nil)
	return nil
}

// MarkPaid moves a LINKED document to PAID once payment is recorded.
func (s *Service) MarkPaid(ctx context.Context, documentID uuid.UUID, actorID string) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		if _, err := Transition(doc.Status, StatusPaid); err != nil {
			return err
		}
		return tx.UpdateStatus(ctx, documentID, doc.Status, StatusPaid)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "DOC_PAID", documentID, nil)
	return nil
}

// Get returns one document.
func (s *Service) Get(ctx context.Context, documentID uuid.UUID) (Document, error) {
	return s.repo.Get(ctx, documentID)
}

// List returns project documents and the total count.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Document, int, error) {
	return s.repo.List(ctx, filter)
}

// Warnings lists integrity warnings for a document.
func (s *Service) Warnings(ctx context.Context, documentID uuid.UUID) ([]Warning, error) {
	return s.repo.Warnings(ctx, documentID)
}

func (s *Service) insertWarning(ctx context.Context, tx TxRepository, docID uuid.UUID, code, detail string) {
	w := Warning{DocumentID: docID, Code: code, Detail: detail, CreatedAt: time.Now().UTC()}
	if err := tx.InsertWarning(ctx, w); err != nil {
		s.logger.Warn("record integrity warning", slog.String("code", code), slog.Any("error", err))
	}
	s.logger.Warn("integrity warning", slog.String("document_id", docID.String()),
		slog.String("code", code), slog.String("detail", detail))
}

func (s *Service) invalidateStatus(ctx context.Context, documentID uuid.UUID) {
	if s.cache == nil {
		return
	}
	s.cache.SetStatus(ctx, documentID, "", 0)
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
