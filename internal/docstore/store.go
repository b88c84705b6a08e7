// Package docstore is the opaque blob store behind uploaded files. The
// core only ever holds keys; the backing implementation is swappable.
package docstore

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amperebm/procurement/internal/shared"
)

// Store is the blob storage contract.
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// PostgresStore keeps blobs in a document_blobs table. It is the
// reference implementation; object storage can replace it behind Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs the store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Put stores the blob and returns its opaque key.
func (s *PostgresStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	key := uuid.NewString()
	_, err := s.pool.Exec(ctx, `INSERT INTO document_blobs (key, content_type, data, created_at)
VALUES ($1, $2, $3, NOW())`, key, contentType, data)
	if err != nil {
		return "", err
	}
	return key, nil
}

// Get returns the blob bytes for a key.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM document_blobs WHERE key=$1`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Delete removes the blob.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM document_blobs WHERE key=$1`, key)
	return err
}
