package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/haruki121731-del/Lore-Anchor1/internal/worker/domain"
)

// Storage is the Postgres-backed state store for the worker. Every status
// transition is a single UPDATE guarded by the expected current status,
// so concurrent workers racing on the same image resolve at the database.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// GetImageStatus returns the current status of an image row
func (s *Storage) GetImageStatus(ctx context.Context, imageID string) (string, error) {
	query := `
		SELECT status
		FROM images
		WHERE image_id = $1
	`

	var status string
	err := s.db.QueryRowContext(ctx, query, imageID).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", domain.ErrImageNotFound
		}
		return "", fmt.Errorf("failed to get image status: %w", err)
	}

	return status, nil
}

// GetImage retrieves the full image row
func (s *Storage) GetImage(ctx context.Context, imageID string) (*domain.ImageRecord, error) {
	query := `
		SELECT image_id, status, COALESCE(protected_location, ''), COALESCE(marker_id, ''), COALESCE(provenance, ''), updated_at
		FROM images
		WHERE image_id = $1
	`

	var rec domain.ImageRecord
	err := s.db.QueryRowContext(ctx, query, imageID).Scan(
		&rec.ImageID,
		&rec.Status,
		&rec.ProtectedLocation,
		&rec.MarkerID,
		&rec.Provenance,
		&rec.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrImageNotFound
		}
		return nil, fmt.Errorf("failed to get image: %w", err)
	}

	return &rec, nil
}

// ClaimImage attempts to claim an image for processing using optimistic
// locking. Returns domain.ErrStateConflict when the row exists but its
// status is not claimable, domain.ErrImageNotFound when no row exists.
func (s *Storage) ClaimImage(ctx context.Context, imageID string) error {
	query := `
		UPDATE images
		SET status = $1,
		    updated_at = NOW()
		WHERE image_id = $2
		  AND status IN ($3, $4)
	`

	result, err := s.db.ExecContext(ctx, query, domain.StatusProcessing, imageID, domain.StatusPending, domain.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to claim image: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read claim result: %w", err)
	}

	if rows == 0 {
		// Distinguish a lost race from a missing row.
		if _, statusErr := s.GetImageStatus(ctx, imageID); statusErr != nil {
			return statusErr
		}
		s.logger.Warn("Failed to claim image - not in a claimable state",
			slog.String("image_id", imageID),
		)
		return domain.ErrStateConflict
	}

	s.logger.Info("Image claimed",
		slog.String("image_id", imageID),
	)

	return nil
}

// CompleteImage records the terminal completed state with the pipeline
// result fields. Guarded on processing so stale workers cannot overwrite
// a newer attempt's outcome.
func (s *Storage) CompleteImage(ctx context.Context, imageID, protectedLocation, markerID string, provenance []byte) error {
	query := `
		UPDATE images
		SET status = $1,
		    protected_location = $2,
		    marker_id = $3,
		    provenance = $4,
		    error_text = NULL,
		    updated_at = NOW()
		WHERE image_id = $5
		  AND status = $6
	`

	result, err := s.db.ExecContext(ctx, query, domain.StatusCompleted, protectedLocation, markerID, provenance, imageID, domain.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete image: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read completion result: %w", err)
	}
	if rows == 0 {
		return domain.ErrStateConflict
	}

	s.logger.Info("Image completed",
		slog.String("image_id", imageID),
		slog.String("protected_location", protectedLocation),
	)

	return nil
}

// FailImage records the terminal failed state with a bounded error text.
func (s *Storage) FailImage(ctx context.Context, imageID, errorText string) error {
	if len(errorText) > domain.MaxErrorTextLen {
		errorText = errorText[:domain.MaxErrorTextLen]
	}

	query := `
		UPDATE images
		SET status = $1,
		    error_text = $2,
		    updated_at = NOW()
		WHERE image_id = $3
		  AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query, domain.StatusFailed, errorText, imageID, domain.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to record image failure: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read failure result: %w", err)
	}
	if rows == 0 {
		return domain.ErrStateConflict
	}

	s.logger.Info("Image failed",
		slog.String("image_id", imageID),
	)

	return nil
}

// OpenExecution appends a new task execution record for this attempt and
// returns its id. Records are append-only; retries open fresh rows.
func (s *Storage) OpenExecution(ctx context.Context, imageID, workerID string) (string, error) {
	recordID := uuid.NewString()

	query := `
		INSERT INTO image_tasks (id, image_id, worker_id, started_at)
		VALUES ($1, $2, $3, NOW())
	`

	if _, err := s.db.ExecContext(ctx, query, recordID, imageID, workerID); err != nil {
		return "", fmt.Errorf("failed to open execution record: %w", err)
	}

	s.logger.Debug("Execution record opened",
		slog.String("record_id", recordID),
		slog.String("image_id", imageID),
		slog.String("worker_id", workerID),
	)

	return recordID, nil
}

// CloseExecution closes an open execution record exactly once. The
// completed_at guard makes a duplicate close a no-op.
func (s *Storage) CloseExecution(ctx context.Context, recordID, failedStage, errorText string) error {
	if len(errorText) > domain.MaxErrorTextLen {
		errorText = errorText[:domain.MaxErrorTextLen]
	}

	query := `
		UPDATE image_tasks
		SET completed_at = NOW(),
		    failed_stage = $1,
		    error_text = $2
		WHERE id = $3
		  AND completed_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, failedStage, errorText, recordID)
	if err != nil {
		return fmt.Errorf("failed to close execution record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read close result: %w", err)
	}
	if rows == 0 {
		s.logger.Warn("Execution record already closed",
			slog.String("record_id", recordID),
		)
	}

	return nil
}

// RouteDeadLetter persists a terminally unprocessable payload for
// operational tooling. Best effort; callers log and move on when this
// fails.
func (s *Storage) RouteDeadLetter(ctx context.Context, rawPayload, reason string) error {
	query := `
		INSERT INTO dead_letters (raw_payload, reason, routed_at)
		VALUES ($1, $2, NOW())
	`

	if _, err := s.db.ExecContext(ctx, query, rawPayload, reason); err != nil {
		return fmt.Errorf("failed to route dead letter: %w", err)
	}

	s.logger.Warn("Message routed to dead letter sink",
		slog.String("reason", reason),
	)

	return nil
}

// ListExecutions returns the attempt history for an image, newest first.
func (s *Storage) ListExecutions(ctx context.Context, imageID string) ([]domain.TaskExecutionRecord, error) {
	query := `
		SELECT id, image_id, worker_id, started_at, completed_at, COALESCE(failed_stage, ''), COALESCE(error_text, '')
		FROM image_tasks
		WHERE image_id = $1
		ORDER BY started_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, imageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution records: %w", err)
	}
	defer rows.Close()

	var records []domain.TaskExecutionRecord
	for rows.Next() {
		var rec domain.TaskExecutionRecord
		if err := rows.Scan(&rec.ID, &rec.ImageID, &rec.WorkerID, &rec.StartedAt, &rec.CompletedAt, &rec.FailedStage, &rec.ErrorText); err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}
