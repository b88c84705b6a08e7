package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/amperebm/procurement/internal/documents"
	"github.com/amperebm/procurement/internal/extraction"
	"github.com/amperebm/procurement/internal/shared"
)

// PollEnqueuer schedules poll steps; satisfied by Client.
type PollEnqueuer interface {
	EnqueuePoll(ctx context.Context, payload PollPayload, delay time.Duration) error
}

// DocumentLifecycle is the slice of the document service the pipeline
// drives; satisfied by documents.Service.
type DocumentLifecycle interface {
	Get(ctx context.Context, documentID uuid.UUID) (documents.Document, error)
	RecordExtractionJob(ctx context.Context, documentID uuid.UUID, jobID string) error
	OnExtractionComplete(ctx context.Context, documentID uuid.UUID, result documents.ExtractionResult) error
	OnExtractionFailed(ctx context.Context, documentID uuid.UUID, reason string) error
	Polling() documents.PollPolicy
}

// ExtractionJob drives the async extraction pipeline: dispatch the
// document to the extraction service, then poll on a fixed interval up
// to the attempt ceiling.
type ExtractionJob struct {
	Docs    DocumentLifecycle
	Client  extraction.Client
	Queue   PollEnqueuer
	Logger  *slog.Logger
	Polling documents.PollPolicy
}

// NewExtractionJob constructs the pipeline handler.
func NewExtractionJob(docs DocumentLifecycle, client extraction.Client, queue PollEnqueuer, logger *slog.Logger) *ExtractionJob {
	return &ExtractionJob{
		Docs:    docs,
		Client:  client,
		Queue:   queue,
		Logger:  logger,
		Polling: docs.Polling(),
	}
}

// HandleDispatch submits the stored file for extraction and schedules
// the first poll.
func (j *ExtractionJob) HandleDispatch(ctx context.Context, t *asynq.Task) error {
	var payload DispatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	doc, err := j.Docs.Get(ctx, payload.DocumentID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return asynq.SkipRetry
		}
		return err
	}
	if doc.Status != documents.StatusUploaded {
		// Cancelled or already settled before dispatch ran.
		return nil
	}

	jobID, err := j.Client.Submit(ctx, doc.StorageKey, string(doc.DeclaredType))
	if err != nil {
		j.Logger.Warn("extraction dispatch", slog.String("document_id", doc.ID.String()), slog.Any("error", err))
		return fmt.Errorf("submit extraction for %s: %w", doc.ID, err)
	}
	if err := j.Docs.RecordExtractionJob(ctx, doc.ID, jobID); err != nil {
		return err
	}
	j.Logger.Info("extraction dispatched",
		slog.String("document_id", doc.ID.String()), slog.String("job_id", jobID))
	return j.Queue.EnqueuePoll(ctx, PollPayload{DocumentID: doc.ID, JobID: jobID, Attempt: 1}, j.Polling.Interval)
}

// HandlePoll checks the extraction job once and either applies its
// outcome, reschedules itself, or times the document out at the attempt
// ceiling.
func (j *ExtractionJob) HandlePoll(ctx context.Context, t *asynq.Task) error {
	var payload PollPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	status, err := j.Client.Poll(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("poll extraction job %s: %w", payload.JobID, err)
	}

	switch status.State {
	case extraction.StateDone:
		err := j.Docs.OnExtractionComplete(ctx, payload.DocumentID, extraction.ToDocumentResult(status.ToResult()))
		if errors.Is(err, shared.ErrConflict) {
			// The webhook delivered a different payload first; nothing the
			// poller can do about it.
			j.Logger.Warn("extraction result conflict", slog.String("document_id", payload.DocumentID.String()))
			return nil
		}
		return err
	case extraction.StateError:
		return j.Docs.OnExtractionFailed(ctx, payload.DocumentID, status.Reason)
	default:
		if payload.Attempt >= j.Polling.MaxAttempts {
			j.Logger.Warn("extraction timed out",
				slog.String("document_id", payload.DocumentID.String()),
				slog.Int("attempts", payload.Attempt))
			return j.Docs.OnExtractionFailed(ctx, payload.DocumentID, "extraction timed out")
		}
		payload.Attempt++
		return j.Queue.EnqueuePoll(ctx, payload, j.Polling.Interval)
	}
}
