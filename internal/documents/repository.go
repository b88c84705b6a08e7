package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amperebm/procurement/internal/matching"
	"github.com/amperebm/procurement/internal/shared"
)

// ListFilter narrows document listings.
type ListFilter struct {
	ProjectID uuid.UUID
	Status    *DocumentStatus
	Type      *DocumentType
	Limit     int
	Offset    int
}

// RepositoryPort describes persistence operations used by the Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id uuid.UUID) (Document, error)
	List(ctx context.Context, filter ListFilter) ([]Document, int, error)
	Warnings(ctx context.Context, documentID uuid.UUID) ([]Warning, error)
}

// TxRepository exposes transactional operations. Status updates are
// guarded on the expected source status so concurrent transitions for the
// same document serialize on the row and the loser sees a conflict.
type TxRepository interface {
	Insert(ctx context.Context, d Document) error
	GetForUpdate(ctx context.Context, id uuid.UUID) (Document, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to DocumentStatus) error
	ApplyExtraction(ctx context.Context, d Document) error
	SetExtractionJob(ctx context.Context, id uuid.UUID, jobID string) error
	SetFailure(ctx context.Context, id uuid.UUID, reason string) error
	InsertWarning(ctx context.Context, w Warning) error
	OpenApprovalRequestExists(ctx context.Context, documentID uuid.UUID) (bool, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	if err := fn(ctx, &txRepo{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const documentColumns = `id, project_id, declared_type, doc_type, status, file_name, content_type,
size_bytes, storage_key, notes, extraction_job_id, extraction_confidence, failure_reason,
extracted_name, inferred_type, extraction_payload, document_number, document_date,
total_amount, tax_amount, currency, line_items, details, counterparty_id,
counterparty_confidence, counterparty_review, linked_po_id, linked_quotation_id,
linked_vo_id, created_at, updated_at`

// Get returns a document by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Document, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM procurement_documents WHERE id=$1`, id)
	return scanDocument(row)
}

// List returns project documents matching the filter plus the total count.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Document, int, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + documentColumns + ` FROM procurement_documents WHERE project_id=$1`
	countQuery := `SELECT COUNT(*) FROM procurement_documents WHERE project_id=$1`
	args := []any{filter.ProjectID}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		cond := fmt.Sprintf(" AND status=$%d", len(args))
		query += cond
		countQuery += cond
	}
	if filter.Type != nil {
		args = append(args, string(*filter.Type))
		cond := fmt.Sprintf(" AND doc_type=$%d", len(args))
		query += cond
		countQuery += cond
	}
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		docs = append(docs, d)
	}
	return docs, total, rows.Err()
}

// Warnings lists integrity warnings recorded for a document.
func (r *Repository) Warnings(ctx context.Context, documentID uuid.UUID) ([]Warning, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, document_id, code, detail, created_at
FROM document_warnings WHERE document_id=$1 ORDER BY id ASC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var warnings []Warning
	for rows.Next() {
		var w Warning
		if err := rows.Scan(&w.ID, &w.DocumentID, &w.Code, &w.Detail, &w.CreatedAt); err != nil {
			return nil, err
		}
		warnings = append(warnings, w)
	}
	return warnings, rows.Err()
}

func (t *txRepo) Insert(ctx context.Context, d Document) error {
	lineItems, err := json.Marshal(d.LineItems)
	if err != nil {
		return err
	}
	details, err := marshalDetails(d.Details)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO procurement_documents
(id, project_id, declared_type, doc_type, status, file_name, content_type, size_bytes,
storage_key, notes, extraction_job_id, extraction_confidence, failure_reason,
extracted_name, inferred_type, extraction_payload, document_number, document_date,
total_amount, tax_amount, currency, line_items, details, counterparty_id,
counterparty_confidence, counterparty_review, linked_po_id, linked_quotation_id,
linked_vo_id, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31)`,
		d.ID, d.ProjectID, string(d.DeclaredType), string(d.Type), string(d.Status),
		d.FileName, d.ContentType, d.SizeBytes, d.StorageKey, d.Notes,
		d.ExtractionJobID, d.ExtractionConfidence, d.FailureReason,
		d.ExtractedName, string(d.InferredType), d.ExtractionPayload,
		d.DocumentNumber, d.DocumentDate, d.TotalAmount, d.TaxAmount, d.Currency,
		lineItems, details, d.CounterpartyID, string(d.CounterpartyMatchConfidence),
		d.CounterpartyNeedsReview, d.LinkedPurchaseOrderID, d.LinkedQuotationID,
		d.LinkedVariationOrderID, d.CreatedAt, d.UpdatedAt)
	return err
}

func (t *txRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (Document, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM procurement_documents WHERE id=$1 FOR UPDATE`, id)
	return scanDocument(row)
}

func (t *txRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to DocumentStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE procurement_documents SET status=$3, updated_at=NOW()
WHERE id=$1 AND status=$2`, id, string(from), string(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document %s is no longer %s", shared.ErrConflict, id, from)
	}
	return nil
}

func (t *txRepo) ApplyExtraction(ctx context.Context, d Document) error {
	lineItems, err := json.Marshal(d.LineItems)
	if err != nil {
		return err
	}
	details, err := marshalDetails(d.Details)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `UPDATE procurement_documents SET
doc_type=$2, extraction_confidence=$3, extracted_name=$4, inferred_type=$5,
extraction_payload=$6, document_number=$7, document_date=$8, total_amount=$9,
tax_amount=$10, currency=$11, line_items=$12, details=$13, counterparty_id=$14,
counterparty_confidence=$15, counterparty_review=$16, updated_at=NOW()
WHERE id=$1`,
		d.ID, string(d.Type), d.ExtractionConfidence, d.ExtractedName,
		string(d.InferredType), d.ExtractionPayload, d.DocumentNumber, d.DocumentDate,
		d.TotalAmount, d.TaxAmount, d.Currency, lineItems, details,
		d.CounterpartyID, string(d.CounterpartyMatchConfidence), d.CounterpartyNeedsReview)
	return err
}

func (t *txRepo) SetExtractionJob(ctx context.Context, id uuid.UUID, jobID string) error {
	_, err := t.tx.Exec(ctx, `UPDATE procurement_documents SET extraction_job_id=$2, updated_at=NOW() WHERE id=$1`, id, jobID)
	return err
}

func (t *txRepo) SetFailure(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := t.tx.Exec(ctx, `UPDATE procurement_documents SET failure_reason=$2, updated_at=NOW() WHERE id=$1`, id, reason)
	return err
}

func (t *txRepo) InsertWarning(ctx context.Context, w Warning) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO document_warnings (document_id, code, detail, created_at)
VALUES ($1, $2, $3, COALESCE($4, NOW()))`, w.DocumentID, w.Code, w.Detail, w.CreatedAt)
	return err
}

// OpenApprovalRequestExists reports whether a PENDING or APPROVED PO
// approval request depends on the document. It runs inside the cancel
// transaction so the check and the status update see one snapshot.
func (t *txRepo) OpenApprovalRequestExists(ctx context.Context, documentID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS(
SELECT 1 FROM po_approval_requests WHERE document_id=$1 AND status IN ('PENDING','APPROVED'))`, documentID).Scan(&exists)
	return exists, err
}

func (t *txRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM document_warnings WHERE document_id=$1`, id)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM procurement_documents WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func marshalDetails(d Details) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

func unmarshalDetails(docType DocumentType, raw []byte) (Details, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	switch docType {
	case TypeCustomerPO:
		var d CustomerPODetails
		return d, json.Unmarshal(raw, &d)
	case TypeSupplierQuotation:
		var d SupplierQuotationDetails
		return d, json.Unmarshal(raw, &d)
	case TypeSupplierInvoice:
		var d SupplierInvoiceDetails
		return d, json.Unmarshal(raw, &d)
	case TypeSupplierPO:
		var d SupplierPODetails
		return d, json.Unmarshal(raw, &d)
	case TypeClientInvoice:
		var d ClientInvoiceDetails
		return d, json.Unmarshal(raw, &d)
	case TypeVariationOrder:
		var d VariationOrderDetails
		return d, json.Unmarshal(raw, &d)
	}
	return nil, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		d                       Document
		declaredType, docType   string
		status                  string
		inferredType, matchConf string
		lineItems, details      []byte
		docDate                 *time.Time
	)
	err := row.Scan(&d.ID, &d.ProjectID, &declaredType, &docType, &status,
		&d.FileName, &d.ContentType, &d.SizeBytes, &d.StorageKey, &d.Notes,
		&d.ExtractionJobID, &d.ExtractionConfidence, &d.FailureReason,
		&d.ExtractedName, &inferredType, &d.ExtractionPayload,
		&d.DocumentNumber, &docDate, &d.TotalAmount, &d.TaxAmount, &d.Currency,
		&lineItems, &details, &d.CounterpartyID, &matchConf, &d.CounterpartyNeedsReview,
		&d.LinkedPurchaseOrderID, &d.LinkedQuotationID, &d.LinkedVariationOrderID,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, shared.ErrNotFound
		}
		return Document{}, err
	}
	d.DeclaredType = DocumentType(declaredType)
	d.Type = DocumentType(docType)
	d.Status = DocumentStatus(status)
	d.InferredType = DocumentType(inferredType)
	d.CounterpartyMatchConfidence = matchingConfidence(matchConf)
	d.DocumentDate = docDate
	if len(lineItems) > 0 {
		if err := json.Unmarshal(lineItems, &d.LineItems); err != nil {
			return Document{}, err
		}
	}
	d.Details, err = unmarshalDetails(d.Type, details)
	if err != nil {
		return Document{}, err
	}
	return d, nil
}

func matchingConfidence(v string) matching.Confidence {
	if v == "" {
		return matching.ConfidenceNone
	}
	return matching.Confidence(v)
}
