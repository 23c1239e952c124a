package domain

// Image status values. The images row moves pending -> processing exactly
// once per accepted dispatch, then processing -> completed or failed
// exactly once per attempt.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Dead-letter reasons.
const (
	ReasonMalformedPayload = "malformed_payload"
	ReasonUnknownImage     = "unknown_image"
)

// MaxErrorTextLen bounds error_text written to image rows and task
// execution records. The field is read by collaborator UIs.
const MaxErrorTextLen = 4000
