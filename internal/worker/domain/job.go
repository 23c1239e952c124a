package domain

import "time"

// ProtectionJob is the queue message describing one protection attempt.
// Messages are immutable once enqueued; a retry is a new message for the
// same image with Attempt incremented by the producer.
type ProtectionJob struct {
	ImageID    string    `json:"image_id"`
	StorageKey string    `json:"storage_key"`
	EnqueuedAt time.Time `json:"enqueued_at,omitempty"`
	Attempt    int       `json:"attempt"`
}

// ImageRecord mirrors the images row owned by the surrounding system.
// The worker only ever mutates it through the state store's
// compare-and-set transitions.
type ImageRecord struct {
	ImageID           string    `db:"image_id"`
	Status            string    `db:"status"`
	ProtectedLocation string    `db:"protected_location"`
	MarkerID          string    `db:"marker_id"`
	Provenance        []byte    `db:"provenance"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// TaskExecutionRecord is one append-only row per pipeline attempt.
// Created when an attempt starts, closed exactly once when the attempt
// ends; retries create new records, preserving full attempt history.
type TaskExecutionRecord struct {
	ID          string     `db:"id"`
	ImageID     string     `db:"image_id"`
	WorkerID    string     `db:"worker_id"`
	StartedAt   time.Time  `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
	FailedStage string     `db:"failed_stage"`
	ErrorText   string     `db:"error_text"`
}

// DeadLetter is a terminally unprocessable queue message captured for
// operational tooling. Routing here never consumes a pipeline attempt.
type DeadLetter struct {
	RawPayload string    `db:"raw_payload"`
	Reason     string    `db:"reason"`
	RoutedAt   time.Time `db:"routed_at"`
}

// JobMessage pairs a parsed job with its queue delivery tag so the worker
// pool can ack or nack after processing.
type JobMessage struct {
	Job         ProtectionJob
	DeliveryTag uint64
}
