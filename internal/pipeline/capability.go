package pipeline

import "context"

// ArtifactStore is the key-addressed blob boundary the pipeline reads
// originals from and writes protected outputs to.
type ArtifactStore interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, content []byte, contentType string) error
}

// MarkerEmbedder embeds a recoverable identifier into image content.
// Available reports whether the implementation can run at all (e.g. its
// model artifact is present); the orchestrator falls back on
// unavailability only, never on embed failure.
type MarkerEmbedder interface {
	Name() string
	Available() bool
	Embed(ctx context.Context, image []byte, payload MarkerPayload) ([]byte, error)
}

// MarkerVerifier reads an image and an expected payload and returns the
// bit-agreement confidence in [0,1]. Pure function of its inputs.
type MarkerVerifier interface {
	Name() string
	Verify(ctx context.Context, image []byte, expected MarkerPayload) (float64, error)
}

// MarkerSuite pairs an embedder with the verifier that understands its
// encoding. The pair is selected together so the gate always checks the
// marker the way it was written.
type MarkerSuite struct {
	Embedder MarkerEmbedder
	Verifier MarkerVerifier
}

// PerturbationApplier applies a bounded adversarial transform intended to
// degrade downstream model training on the image.
type PerturbationApplier interface {
	Name() string
	Available() bool
	Apply(ctx context.Context, image []byte) ([]byte, error)
}

// Statement is the origin/usage-restriction assertion handed to the
// signer. The signer computes its manifest over the final image bytes.
type Statement struct {
	ImageID     string
	MarkerID    string
	Restriction string
}

// ProvenanceSigner attaches a signed, structured statement of origin to
// the final artifact. Returns the signed image bytes and the provenance
// document persisted alongside the image record.
type ProvenanceSigner interface {
	Name() string
	Available() bool
	Sign(ctx context.Context, image []byte, stmt Statement) (signed []byte, doc []byte, err error)
}
