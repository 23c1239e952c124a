package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haruki121731-del/Lore-Anchor1/internal/pipeline"
	"github.com/haruki121731-del/Lore-Anchor1/internal/worker/domain"
)

// dispatch drives one protection attempt: dedup check, optimistic claim,
// pipeline run, terminal state write. A nil return means the message is
// consumed (acked) whether the pipeline succeeded, failed, or was a
// duplicate; a RetryableError surfaces state-store unavailability for
// queue redelivery.
func (w *Worker) dispatch(ctx context.Context, msg *domain.JobMessage) error {
	job := msg.Job
	started := time.Now()

	w.logger.Info("Dispatching job",
		slog.String("image_id", job.ImageID),
		slog.String("storage_key", job.StorageKey),
		slog.Int("attempt", job.Attempt),
		slog.String("worker_id", w.workerID),
	)

	// Dedup check. Duplicate delivery is expected under at-least-once
	// semantics; the claim below is the authoritative guard, this read
	// just avoids burning a claim round-trip on obvious duplicates.
	status, err := w.store.GetImageStatus(ctx, job.ImageID)
	if err != nil {
		if errors.Is(err, domain.ErrImageNotFound) {
			w.logger.Warn("No image record for job, routing to dead letter",
				slog.String("image_id", job.ImageID),
			)
			if routeErr := w.store.RouteDeadLetter(ctx, rawJobPayload(job), domain.ReasonUnknownImage); routeErr != nil {
				w.logger.Error("Failed to route dead letter",
					slog.String("error", routeErr.Error()),
				)
			}
			return nil
		}
		return domain.NewRetryableError(fmt.Errorf("failed to read image status: %w", err))
	}

	if status == domain.StatusProcessing || status == domain.StatusCompleted {
		w.logger.Warn("Skipping duplicate job",
			slog.String("image_id", job.ImageID),
			slog.String("status", status),
		)
		return nil
	}

	// Claim: the compare-and-set transition pending|failed -> processing.
	// A concurrent worker racing on the same image loses here and drops
	// the message without side effects.
	if err := w.store.ClaimImage(ctx, job.ImageID); err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			w.logger.Warn("Image already claimed by another worker",
				slog.String("image_id", job.ImageID),
			)
			return nil
		}
		if errors.Is(err, domain.ErrImageNotFound) {
			if routeErr := w.store.RouteDeadLetter(ctx, rawJobPayload(job), domain.ReasonUnknownImage); routeErr != nil {
				w.logger.Error("Failed to route dead letter",
					slog.String("error", routeErr.Error()),
				)
			}
			return nil
		}
		return domain.NewRetryableError(fmt.Errorf("failed to claim image: %w", err))
	}

	recordID, err := w.store.OpenExecution(ctx, job.ImageID, w.workerID)
	if err != nil {
		// Never swallowed: the attempt is already claimed, but without an
		// execution record it cannot be audited. Surface for redelivery.
		return domain.NewRetryableError(fmt.Errorf("failed to open execution record: %w", err))
	}

	result, runErr := w.pipeline.Run(ctx, job)
	if runErr != nil {
		return w.reportFailure(ctx, job, recordID, runErr, started)
	}

	if err := w.store.CompleteImage(ctx, job.ImageID, result.ProtectedKey, result.MarkerID, result.Provenance); err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			w.logger.Error("Terminal completed write lost the status race",
				slog.String("image_id", job.ImageID),
			)
			return nil
		}
		return domain.NewRetryableError(fmt.Errorf("failed to record completion: %w", err))
	}

	if err := w.store.CloseExecution(ctx, recordID, "", ""); err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to close execution record: %w", err))
	}

	w.logger.Info("Job completed",
		slog.String("image_id", job.ImageID),
		slog.String("protected_location", result.ProtectedKey),
		slog.Duration("elapsed", time.Since(started)),
	)

	return nil
}

// reportFailure writes the failed terminal state with the stage tag and
// a bounded human-readable detail.
func (w *Worker) reportFailure(ctx context.Context, job domain.ProtectionJob, recordID string, runErr error, started time.Time) error {
	stage := ""
	var stageErr *pipeline.StageError
	if errors.As(runErr, &stageErr) {
		stage = string(stageErr.Stage)
	}

	errorText := truncateError(runErr.Error())

	w.logger.Error("Pipeline failed",
		slog.String("image_id", job.ImageID),
		slog.String("failed_stage", stage),
		slog.String("error", errorText),
		slog.Duration("elapsed", time.Since(started)),
	)

	if err := w.store.FailImage(ctx, job.ImageID, errorText); err != nil {
		if !errors.Is(err, domain.ErrStateConflict) {
			return domain.NewRetryableError(fmt.Errorf("failed to record failure: %w", err))
		}
		w.logger.Error("Terminal failed write lost the status race",
			slog.String("image_id", job.ImageID),
		)
	}

	if err := w.store.CloseExecution(ctx, recordID, stage, errorText); err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to close execution record: %w", err))
	}

	return nil
}

// truncateError bounds error text for storage; the field is shown in
// collaborator UIs.
func truncateError(s string) string {
	if len(s) > domain.MaxErrorTextLen {
		return s[:domain.MaxErrorTextLen]
	}
	return s
}

// rawJobPayload re-encodes a parsed job for the dead-letter sink.
func rawJobPayload(job domain.ProtectionJob) string {
	return fmt.Sprintf(`{"image_id":%q,"storage_key":%q,"attempt":%d}`, job.ImageID, job.StorageKey, job.Attempt)
}
