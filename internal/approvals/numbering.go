package approvals

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Scope is the boundary within which PO numbers are unique and
// monotonically increasing.
type Scope string

const (
	ScopeProject Scope = "project"
	ScopeCompany Scope = "company"
)

// AllocatorPort hands out PO numbers. Allocation must hold under
// concurrent approvals in one scope: two callers never receive the same
// number. Numbers are consumed, not reversible.
type AllocatorPort interface {
	Next(ctx context.Context, projectID uuid.UUID) (string, error)
}

// PGAllocator allocates numbers from a per-scope counter row. The upsert
// increments atomically under the row lock, so concurrent approvals
// serialize on the scope and receive distinct, increasing values.
type PGAllocator struct {
	pool  *pgxpool.Pool
	scope Scope
}

// NewPGAllocator constructs the allocator.
func NewPGAllocator(pool *pgxpool.Pool, scope Scope) *PGAllocator {
	if scope != ScopeCompany {
		scope = ScopeProject
	}
	return &PGAllocator{pool: pool, scope: scope}
}

// Next allocates the next number in the applicable scope.
func (a *PGAllocator) Next(ctx context.Context, projectID uuid.UUID) (string, error) {
	key := scopeKey(a.scope, projectID)
	var seq int64
	err := a.pool.QueryRow(ctx, `INSERT INTO purchase_order_counters (scope_key, last_value)
VALUES ($1, 1)
ON CONFLICT (scope_key) DO UPDATE SET last_value = purchase_order_counters.last_value + 1
RETURNING last_value`, key).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("approvals: allocate po number: %w", err)
	}
	if seq > 99999 {
		return "", ErrNumberExhausted
	}
	return FormatNumber(a.scope, projectID, seq), nil
}

// FormatNumber renders a PO number for its scope. Project-scoped numbers
// embed a short project tag so they stay readable across projects.
func FormatNumber(scope Scope, projectID uuid.UUID, seq int64) string {
	if scope == ScopeCompany {
		return fmt.Sprintf("PO-%05d", seq)
	}
	tag := strings.ToUpper(strings.ReplaceAll(projectID.String(), "-", ""))[:6]
	return fmt.Sprintf("PO-%s-%05d", tag, seq)
}

// RevisionNumber derives the successor number for a PO revision, e.g.
// PO-100 -> PO-100-R1.
func RevisionNumber(base string, revision int) string {
	if i := strings.Index(base, "-R"); i > 0 {
		if _, err := fmt.Sscanf(base[i:], "-R%d", new(int)); err == nil {
			base = base[:i]
		}
	}
	return fmt.Sprintf("%s-R%d", base, revision)
}
