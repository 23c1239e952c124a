package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/haruki121731-del/Lore-Anchor1/internal/pipeline"
	"github.com/haruki121731-del/Lore-Anchor1/internal/worker/domain"
	"github.com/haruki121731-del/Lore-Anchor1/shared/rabbitmq"
)

// StateStore is the state-reporter boundary. It exclusively owns writes
// to image status; every transition is an atomic compare-and-set at the
// store, which is the concurrency guard across worker processes.
type StateStore interface {
	// GetImageStatus returns the current image status, or
	// domain.ErrImageNotFound when no record exists.
	GetImageStatus(ctx context.Context, imageID string) (string, error)

	// ClaimImage transitions pending|failed -> processing atomically.
	// Returns domain.ErrStateConflict when another worker holds the
	// image or it is already completed.
	ClaimImage(ctx context.Context, imageID string) error

	// CompleteImage transitions processing -> completed atomically,
	// setting the result fields.
	CompleteImage(ctx context.Context, imageID, protectedLocation, markerID string, provenance []byte) error

	// FailImage transitions processing -> failed atomically with a
	// bounded error text.
	FailImage(ctx context.Context, imageID, errorText string) error

	// OpenExecution appends a new task execution record and returns its id.
	OpenExecution(ctx context.Context, imageID, workerID string) (string, error)

	// CloseExecution closes an open execution record exactly once.
	CloseExecution(ctx context.Context, recordID, failedStage, errorText string) error

	// RouteDeadLetter persists a terminally unprocessable payload.
	// Never blocks or retries; failures are logged by the implementation.
	RouteDeadLetter(ctx context.Context, rawPayload, reason string) error
}

// PipelineRunner runs the protection pipeline for one job.
type PipelineRunner interface {
	Run(ctx context.Context, job domain.ProtectionJob) (*pipeline.Result, error)
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	Store         StateStore
	RabbitClient  *rabbitmq.Client
	Pipeline      PipelineRunner
	Concurrency   int
	PrefetchCount int
	QueueName     string
}

// Worker consumes protection jobs from the durable queue and drives them
// through dispatch, pipeline execution, and state reporting.
type Worker struct {
	logger        *slog.Logger
	store         StateStore
	rabbitClient  *rabbitmq.Client
	pipeline      PipelineRunner
	concurrency   int
	prefetchCount int
	queueName     string
	workerID      string
	jobsChan      chan *domain.JobMessage
	wg            sync.WaitGroup
	stopChan      chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}

	return &Worker{
		logger:        cfg.Logger,
		store:         cfg.Store,
		rabbitClient:  cfg.RabbitClient,
		pipeline:      cfg.Pipeline,
		concurrency:   concurrency,
		prefetchCount: cfg.PrefetchCount,
		queueName:     cfg.QueueName,
		workerID:      fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		jobsChan:      make(chan *domain.JobMessage),
		stopChan:      make(chan struct{}),
	}
}

// WorkerID returns this worker's identity as recorded in execution records.
func (w *Worker) WorkerID() string {
	return w.workerID
}

// Start begins consuming and processing jobs. Blocks until ctx is
// canceled or the delivery channel closes.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.String("queue", w.queueName),
	)

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return fmt.Errorf("failed to setup consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)

	return nil
}

// Stop gracefully stops the worker, letting in-flight jobs finish.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
