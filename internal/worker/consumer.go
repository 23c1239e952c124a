package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/haruki121731-del/Lore-Anchor1/internal/worker/domain"
)

// setupConsumer sets up the RabbitMQ consumer with QoS and returns the
// delivery channel.
func (w *Worker) setupConsumer(ctx context.Context) (<-chan amqp.Delivery, error) {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		return nil, fmt.Errorf("rabbitmq channel is nil")
	}

	// prefetch_count limits unacknowledged messages per consumer so a
	// slow pipeline run does not hoard the queue.
	if err := channel.Qos(w.prefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)

	deliveries, err := w.rabbitClient.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("worker_id", w.workerID),
		slog.String("queue", w.queueName),
	)

	return deliveries, nil
}

// startMessageDispatcher listens to queue deliveries, parses them, and
// hands valid jobs to the worker pool. Unparseable payloads are
// dead-lettered and acknowledged here: redelivery can never fix them.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			job, err := w.intake(ctx, delivery.Body)
			if err != nil {
				if ackErr := delivery.Ack(false); ackErr != nil {
					w.logger.Error("Failed to ACK dead-lettered message",
						slog.String("error", ackErr.Error()),
					)
				}
				continue
			}

			jobMsg := &domain.JobMessage{
				Job:         *job,
				DeliveryTag: delivery.DeliveryTag,
			}

			select {
			case w.jobsChan <- jobMsg:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("image_id", job.ImageID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return
			}
		}
	}
}

// intake parses a raw queue message. Malformed payloads are routed to
// the dead-letter sink without consuming a pipeline attempt.
func (w *Worker) intake(ctx context.Context, body []byte) (*domain.ProtectionJob, error) {
	job, err := parseJob(body)
	if err != nil {
		w.logger.Error("Malformed job payload, routing to dead letter",
			slog.String("error", err.Error()),
			slog.String("body", string(body)),
		)
		if routeErr := w.store.RouteDeadLetter(ctx, string(body), domain.ReasonMalformedPayload); routeErr != nil {
			w.logger.Error("Failed to route dead letter",
				slog.String("error", routeErr.Error()),
			)
		}
		return nil, err
	}

	return job, nil
}

// parseJob validates the inbound queue message contract: image_id and
// storage_key present, attempt >= 1.
func parseJob(body []byte) (*domain.ProtectionJob, error) {
	var job domain.ProtectionJob
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}

	if job.ImageID == "" {
		return nil, fmt.Errorf("%w: missing image_id", domain.ErrMalformedPayload)
	}
	if job.StorageKey == "" {
		return nil, fmt.Errorf("%w: missing storage_key", domain.ErrMalformedPayload)
	}
	if job.Attempt < 1 {
		return nil, fmt.Errorf("%w: attempt must be >= 1, got %d", domain.ErrMalformedPayload, job.Attempt)
	}

	return &job, nil
}
