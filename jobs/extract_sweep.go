package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amperebm/procurement/internal/documents"
)

// ExtractSweepJob is the safety net for lost extraction chains: any
// document still UPLOADED well past the polling window is failed so it
// stops reporting as in progress.
type ExtractSweepJob struct {
	Pool   *pgxpool.Pool
	Docs   *documents.Service
	Logger *slog.Logger
	clock  func() time.Time
}

// NewExtractSweepJob constructs the sweep handler.
func NewExtractSweepJob(pool *pgxpool.Pool, docs *documents.Service, logger *slog.Logger) *ExtractSweepJob {
	return &ExtractSweepJob{
		Pool:   pool,
		Docs:   docs,
		Logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sweep pass.
func (j *ExtractSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pool == nil {
		return errors.New("extract sweep: handler not configured")
	}
	// Twice the polling window leaves the regular poll chain every chance
	// to settle the document first.
	cutoff := j.clock().Add(-2 * j.Docs.Polling().Timeout())
	rows, err := j.Pool.Query(ctx, `SELECT id FROM procurement_documents
WHERE status=$1 AND created_at < $2 ORDER BY created_at ASC LIMIT 100`,
		string(documents.StatusUploaded), cutoff)
	if err != nil {
		return err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var swept int
	for _, id := range ids {
		if err := j.Docs.OnExtractionFailed(ctx, id, "extraction abandoned"); err != nil {
			j.Logger.Warn("sweep document", slog.String("document_id", id.String()), slog.Any("error", err))
			continue
		}
		swept++
	}
	if swept > 0 {
		j.Logger.Info("swept stalled documents", slog.Int("count", swept))
	}
	return nil
}
