// Package counterparty provides the read-only supplier/customer directory
// consumed by the matching engine.
package counterparty

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amperebm/procurement/internal/matching"
	"github.com/amperebm/procurement/internal/shared"
)

// Kind distinguishes directory entries.
type Kind string

const (
	KindSupplier Kind = "SUPPLIER"
	KindCustomer Kind = "CUSTOMER"
)

// Counterparty is one directory record. A nil ProjectID means the entry
// is shared company-wide.
type Counterparty struct {
	ID        uuid.UUID
	ProjectID *uuid.UUID
	Name      string
	Kind      Kind
}

// Repository reads the counterparty directory.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListCandidates returns matching candidates visible to a project.
// Directory entries without a project scope are shared company-wide.
func (r *Repository) ListCandidates(ctx context.Context, projectID uuid.UUID) ([]matching.Candidate, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name FROM counterparties
WHERE project_id = $1 OR project_id IS NULL ORDER BY name ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []matching.Candidate
	for rows.Next() {
		var c matching.Candidate
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Get returns one counterparty.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Counterparty, error) {
	var c Counterparty
	var kind string
	err := r.pool.QueryRow(ctx, `SELECT id, project_id, name, kind
FROM counterparties WHERE id=$1`, id).Scan(&c.ID, &c.ProjectID, &c.Name, &kind)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Counterparty{}, shared.ErrNotFound
		}
		return Counterparty{}, err
	}
	c.Kind = Kind(kind)
	return c, nil
}
