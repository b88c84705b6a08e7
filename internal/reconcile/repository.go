package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amperebm/procurement/internal/approvals"
	"github.com/amperebm/procurement/internal/documents"
	"github.com/amperebm/procurement/internal/shared"
)

// RepositoryPort describes persistence used by the Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetDocument(ctx context.Context, id uuid.UUID) (approvals.SourceDocument, error)
	// CandidatePOs returns current (unsuperseded) purchase orders for a
	// project.
	CandidatePOs(ctx context.Context, projectID uuid.UUID) ([]approvals.PurchaseOrder, error)
}

// TxRepository exposes the transactional operations of a linkage.
type TxRepository interface {
	GetDocumentForUpdate(ctx context.Context, id uuid.UUID) (approvals.SourceDocument, error)
	GetPOForUpdate(ctx context.Context, id uuid.UUID) (approvals.PurchaseOrder, error)
	HasSuccessor(ctx context.Context, poID uuid.UUID) (bool, error)
	UpdateBilledAmount(ctx context.Context, poID uuid.UUID, amount float64) error
	InsertPO(ctx context.Context, po approvals.PurchaseOrder) error
	InsertPOLink(ctx context.Context, poID, documentID uuid.UUID, linkType string) error
	UpdateDocumentStatus(ctx context.Context, documentID uuid.UUID, from, to documents.DocumentStatus) error
	SetDocumentPOLink(ctx context.Context, documentID, poID uuid.UUID) error
	InsertWarning(ctx context.Context, w documents.Warning) error
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

const documentQuery = `SELECT id, project_id, doc_type, status, document_number,
total_amount, tax_amount, currency, counterparty_id
FROM procurement_documents WHERE id=$1`

func scanSourceDocument(row pgx.Row) (approvals.SourceDocument, error) {
	var (
		d               approvals.SourceDocument
		docType, status string
	)
	err := row.Scan(&d.ID, &d.ProjectID, &docType, &status, &d.DocumentNumber,
		&d.TotalAmount, &d.TaxAmount, &d.Currency, &d.CounterpartyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return approvals.SourceDocument{}, shared.ErrNotFound
		}
		return approvals.SourceDocument{}, err
	}
	d.Type = documents.DocumentType(docType)
	d.Status = documents.DocumentStatus(status)
	return d, nil
}

const poQuery = `SELECT id, project_id, number, revision, predecessor_id, counterparty_id,
source_quotation_id, terms, billed_amount, artifact_key, issued_by, issued_at
FROM purchase_orders`

func scanPO(row pgx.Row) (approvals.PurchaseOrder, error) {
	var (
		po    approvals.PurchaseOrder
		terms []byte
	)
	err := row.Scan(&po.ID, &po.ProjectID, &po.Number, &po.Revision, &po.PredecessorID,
		&po.CounterpartyID, &po.SourceQuotationID, &terms, &po.BilledAmount,
		&po.ArtifactKey, &po.IssuedBy, &po.IssuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return approvals.PurchaseOrder{}, shared.ErrNotFound
		}
		return approvals.PurchaseOrder{}, err
	}
	if err := json.Unmarshal(terms, &po.Terms); err != nil {
		return approvals.PurchaseOrder{}, err
	}
	return po, nil
}

// GetDocument returns the reconciliation projection of a document.
func (r *Repository) GetDocument(ctx context.Context, id uuid.UUID) (approvals.SourceDocument, error) {
	return scanSourceDocument(r.pool.QueryRow(ctx, documentQuery, id))
}

// CandidatePOs returns project POs that have not been superseded by a
// revision.
func (r *Repository) CandidatePOs(ctx context.Context, projectID uuid.UUID) ([]approvals.PurchaseOrder, error) {
	rows, err := r.pool.Query(ctx, poQuery+` po WHERE po.project_id=$1
AND NOT EXISTS (SELECT 1 FROM purchase_orders s WHERE s.predecessor_id = po.id)
ORDER BY po.number`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []approvals.PurchaseOrder
	for rows.Next() {
		po, err := scanPO(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	return out, rows.Err()
}

func (t *txRepo) GetDocumentForUpdate(ctx context.Context, id uuid.UUID) (approvals.SourceDocument, error) {
	return scanSourceDocument(t.tx.QueryRow(ctx, documentQuery+` FOR UPDATE`, id))
}

func (t *txRepo) GetPOForUpdate(ctx context.Context, id uuid.UUID) (approvals.PurchaseOrder, error) {
	return scanPO(t.tx.QueryRow(ctx, poQuery+` WHERE id=$1 FOR UPDATE`, id))
}

func (t *txRepo) HasSuccessor(ctx context.Context, poID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM purchase_orders WHERE predecessor_id=$1)`, poID).Scan(&exists)
	return exists, err
}

func (t *txRepo) UpdateBilledAmount(ctx context.Context, poID uuid.UUID, amount float64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET billed_amount=$2 WHERE id=$1`, poID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *txRepo) InsertPO(ctx context.Context, po approvals.PurchaseOrder) error {
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
	return err
}

func (t *txRepo) InsertPOLink(ctx context.Context, poID, documentID uuid.UUID, linkType string) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO purchase_order_links (po_id, document_id, link_type, created_at)
VALUES ($1, $2, $3, $4)`, poID, documentID, linkType, time.Now().UTC())
	return err
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

func (t *txRepo) InsertWarning(ctx context.Context, w documents.Warning) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO document_warnings (document_id, code, detail, created_at)
VALUES ($1, $2, $3, $4)`, w.DocumentID, w.Code, w.Detail, w.CreatedAt)
	return err
}
