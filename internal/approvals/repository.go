package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amperebm/procurement/internal/documents"
	"github.com/amperebm/procurement/internal/shared"
)

// SourceDocument is the projection of a procurement document the
// approval workflow needs.
type SourceDocument struct {
	ID             uuid.UUID
	ProjectID      uuid.UUID
	Type           documents.DocumentType
	Status         documents.DocumentStatus
	DocumentNumber *string
	TotalAmount    *float64
	TaxAmount      *float64
	Currency       *string
	CounterpartyID *uuid.UUID
}

// RepositoryPort describes persistence used by the Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRequest(ctx context.Context, id uuid.UUID) (POApprovalRequest, error)
	ListRequests(ctx context.Context, projectID uuid.UUID, status *RequestStatus) ([]POApprovalRequest, error)
	GetPO(ctx context.Context, id uuid.UUID) (PurchaseOrder, error)
	ListPOs(ctx context.Context, projectID uuid.UUID) ([]PurchaseOrder, error)
	LinkedDocumentIDs(ctx context.Context, poID uuid.UUID) ([]uuid.UUID, error)

	// Saga progress writes commit immediately so an interrupted approval
	// resumes with its consumed number and rendered artifact.
	PersistAllocation(ctx context.Context, requestID uuid.UUID, number string) error
	PersistArtifact(ctx context.Context, requestID uuid.UUID, artifactKey string) error
}

// TxRepository exposes transactional operations, including the document
// row updates that must commit atomically with request transitions.
type TxRepository interface {
	InsertRequest(ctx context.Context, req POApprovalRequest) error
	GetRequestForUpdate(ctx context.Context, id uuid.UUID) (POApprovalRequest, error)
	UpdateRequestStatus(ctx context.Context, id uuid.UUID, from, to RequestStatus, decidedBy, comments string) error
	SetGeneratedPO(ctx context.Context, requestID, poID uuid.UUID) error
	InsertPO(ctx context.Context, po PurchaseOrder) error
	InsertPOLink(ctx context.Context, poID, documentID uuid.UUID, linkType string) error

	GetDocumentForUpdate(ctx context.Context, documentID uuid.UUID) (SourceDocument, error)
	UpdateDocumentStatus(ctx context.Context, documentID uuid.UUID, from, to documents.DocumentStatus) error
	SetDocumentPOLink(ctx context.Context, documentID, poID uuid.UUID) error
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

const requestColumns = `id, document_id, project_id, counterparty_id, requested_by, status, terms,
allocated_number, artifact_key, generated_po_id, decided_by, decision_comments, created_at, decided_at`

const poColumns = `id, project_id, number, revision, predecessor_id, counterparty_id,
source_quotation_id, terms, billed_amount, artifact_key, issued_by, issued_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (POApprovalRequest, error) {
	var (
		req    POApprovalRequest
		status string
		terms  []byte
	)
	err := row.Scan(&req.ID, &req.DocumentID, &req.ProjectID, &req.CounterpartyID,
		&req.RequestedBy, &status, &terms, &req.AllocatedNumber, &req.ArtifactKey,
		&req.GeneratedPOID, &req.DecidedBy, &req.DecisionComments, &req.CreatedAt, &req.DecidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return POApprovalRequest{}, shared.ErrNotFound
		}
		return POApprovalRequest{}, err
	}
	req.Status = RequestStatus(status)
	if err := json.Unmarshal(terms, &req.Terms); err != nil {
		return POApprovalRequest{}, err
	}
	return req, nil
}

func scanPO(row rowScanner) (PurchaseOrder, error) {
	var (
		po    PurchaseOrder
		terms []byte
	)
	err := row.Scan(&po.ID, &po.ProjectID, &po.Number, &po.Revision, &po.PredecessorID,
		&po.CounterpartyID, &po.SourceQuotationID, &terms, &po.BilledAmount,
		&po.ArtifactKey, &po.IssuedBy, &po.IssuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, shared.ErrNotFound
		}
		return PurchaseOrder{}, err
	}
	if err := json.Unmarshal(terms, &po.Terms); err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

// GetRequest returns one approval request.
func (r *Repository) GetRequest(ctx context.Context, id uuid.UUID) (POApprovalRequest, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM po_approval_requests WHERE id=$1`, id)
	return scanRequest(row)
}

// ListRequests returns project requests, optionally by status.
func (r *Repository) ListRequests(ctx context.Context, projectID uuid.UUID, status *RequestStatus) ([]POApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM po_approval_requests WHERE project_id=$1`
	args := []any{projectID}
	if status != nil {
		query += ` AND status=$2`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []POApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// GetPO returns one purchase order.
func (r *Repository) GetPO(ctx context.Context, id uuid.UUID) (PurchaseOrder, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id=$1`, id)
	return scanPO(row)
}

// ListPOs returns project purchase orders, newest first.
func (r *Repository) ListPOs(ctx context.Context, projectID uuid.UUID) ([]PurchaseOrder, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE project_id=$1 ORDER BY issued_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PurchaseOrder
	for rows.Next() {
		po, err := scanPO(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	return out, rows.Err()
}

// LinkedDocumentIDs returns documents linked to a PO, making linkage
// discoverable from the PO side.
func (r *Repository) LinkedDocumentIDs(ctx context.Context, poID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT document_id FROM purchase_order_links WHERE po_id=$1 ORDER BY created_at ASC`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// PersistAllocation stores the consumed number on a still-pending request.
// A no-op result means another worker got there first or the request has
// been decided; the caller re-reads and acts on current state.
func (r *Repository) PersistAllocation(ctx context.Context, requestID uuid.UUID, number string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE po_approval_requests SET allocated_number=$2
WHERE id=$1 AND status='PENDING' AND allocated_number=''`, requestID, number)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: request %s already carries an allocation or decision", shared.ErrConflict, requestID)
	}
	return nil
}

// PersistArtifact stores the rendered artifact key.
func (r *Repository) PersistArtifact(ctx context.Context, requestID uuid.UUID, artifactKey string) error {
	_, err := r.pool.Exec(ctx, `UPDATE po_approval_requests SET artifact_key=$2
WHERE id=$1 AND status='PENDING'`, requestID, artifactKey)
	return err
}

func (t *txRepo) InsertRequest(ctx context.Context, req POApprovalRequest) error {
	terms, err := json.Marshal(req.Terms)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO po_approval_requests
(id, document_id, project_id, counterparty_id, requested_by, status, terms,
allocated_number, artifact_key, decided_by, decision_comments, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		req.ID, req.DocumentID, req.ProjectID, req.CounterpartyID, req.RequestedBy,
		string(req.Status), terms, req.AllocatedNumber, req.ArtifactKey,
		req.DecidedBy, req.DecisionComments, req.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		// partial unique index on (document_id) WHERE status='PENDING'
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: document already has a pending approval request", shared.ErrConflict)
		}
		return err
	}
	return nil
}

func (t *txRepo) GetRequestForUpdate(ctx context.Context, id uuid.UUID) (POApprovalRequest, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM po_approval_requests WHERE id=$1 FOR UPDATE`, id)
	return scanRequest(row)
}

func (t *txRepo) UpdateRequestStatus(ctx context.Context, id uuid.UUID, from, to RequestStatus, decidedBy, comments string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE po_approval_requests
SET status=$3, decided_by=$4, decision_comments=$5, decided_at=NOW()
WHERE id=$1 AND status=$2`, id, string(from), string(to), decidedBy, comments)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: request %s is no longer %s", shared.ErrConflict, id, from)
	}
	return nil
}

func (t *txRepo) SetGeneratedPO(ctx context.Context, requestID, poID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `UPDATE po_approval_requests SET generated_po_id=$2 WHERE id=$1`, requestID, poID)
	return err
}

func (t *txRepo) InsertPO(ctx context.Context, po PurchaseOrder) error {
	terms, err := json.Marshal(po.Terms)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO purchase_orders
(id, project_id, number, revision, predecessor_id, counterparty_id, source_quotation_id,
terms, billed_amount, artifact_key, issued_by, issued_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		po.ID, po.ProjectID, po.Number, po.Revision, po.PredecessorID, po.CounterpartyID,
		po.SourceQuotationID, terms, po.BilledAmount, po.ArtifactKey, po.IssuedBy, po.IssuedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: po number %s already issued", shared.ErrConflict, po.Number)
		}
		return err
	}
	return nil
}

func (t *txRepo) InsertPOLink(ctx context.Context, poID, documentID uuid.UUID, linkType string) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO purchase_order_links (po_id, document_id, link_type, created_at)
VALUES ($1, $2, $3, $4)`, poID, documentID, linkType, time.Now().UTC())
	return err
}

func (t *txRepo) GetDocumentForUpdate(ctx context.Context, documentID uuid.UUID) (SourceDocument, error) {
	var (
		d               SourceDocument
		docType, status string
	)
	err := t.tx.QueryRow(ctx, `SELECT id, project_id, doc_type, status, document_number,
total_amount, tax_amount, currency, counterparty_id
FROM procurement_documents WHERE id=$1 FOR UPDATE`, documentID).
		Scan(&d.ID, &d.ProjectID, &docType, &status, &d.DocumentNumber,
			&d.TotalAmount, &d.TaxAmount, &d.Currency, &d.CounterpartyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SourceDocument{}, shared.ErrNotFound
		}
		return SourceDocument{}, err
	}
	d.Type = documents.DocumentType(docType)
	d.Status = documents.DocumentStatus(status)
	return d, nil
}

func (t *txRepo) UpdateDocumentStatus(ctx context.Context, documentID uuid.UUID, from, to documents.DocumentStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE procurement_documents SET status=$3, updated_at=NOW()
WHERE id=$1 AND status=$2`, documentID, string(from), string(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document %s is no longer %s", shared.ErrConflict, documentID, from)
	}
	return nil
}

func (t *txRepo) SetDocumentPOLink(ctx context.Context, documentID, poID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `UPDATE procurement_documents SET linked_po_id=$2, updated_at=NOW() WHERE id=$1`, documentID, poID)
	return err
}
