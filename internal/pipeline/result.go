package pipeline

import "fmt"

// Stage identifies the pipeline stage an error is attributed to.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageEmbed   Stage = "embed"
	StageVerify  Stage = "verify"
	StagePerturb Stage = "perturb"
	StageSign    Stage = "sign"
	StageUpload  Stage = "upload"
)

// Result is the outcome of a successful pipeline run.
type Result struct {
	ProtectedKey string
	MarkerID     string
	Provenance   []byte
}

// StageError tags a pipeline failure with the stage it occurred in, so
// operational tooling can tell a broken marker from a broken signer
// without log scraping.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// VerificationError reports a marker confidence score below the
// configured gate. This is a protection-quality failure, not a transient
// fault: a deterministic embedder will fail the same way on a bare retry.
type VerificationError struct {
	Score     float64
	Threshold float64
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("marker verification rejected: score %.2f below threshold %.2f", e.Score, e.Threshold)
}
