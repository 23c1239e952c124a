package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haruki121731-del/Lore-Anchor1/internal/worker/domain"
)

// DefaultVerificationThreshold is the minimum bit-accuracy a freshly
// embedded marker must reach before perturbation is allowed to run.
const DefaultVerificationThreshold = 0.75

// Config holds orchestrator wiring. Fallback capabilities are optional;
// they are selected only when the primary reports itself unavailable and
// fallback is enabled, never after a primary failure.
type Config struct {
	Logger *slog.Logger
	Store  ArtifactStore

	Marker          MarkerSuite
	FallbackMarker  *MarkerSuite
	Perturber       PerturbationApplier
	FallbackPerturb PerturbationApplier
	Signer          ProvenanceSigner
	FallbackSigner  ProvenanceSigner

	VerificationThreshold float64
	FallbackEnabled       bool

	// DerivePayload overrides marker payload derivation; defaults to
	// DeriveMarkerPayload.
	DerivePayload func(imageID string) MarkerPayload
}

// Orchestrator sequences the capability modules in fixed order:
// fetch, embed, verify (gate), perturb, sign, upload. The order is not
// configurable: a marker embedded into already-perturbed content would
// be mistaken for attack residue, and the signature must cover the bytes
// actually delivered.
type Orchestrator struct {
	logger *slog.Logger
	store  ArtifactStore

	marker          MarkerSuite
	fallbackMarker  *MarkerSuite
	perturber       PerturbationApplier
	fallbackPerturb PerturbationApplier
	signer          ProvenanceSigner
	fallbackSigner  ProvenanceSigner

	threshold       float64
	fallbackEnabled bool
	derivePayload   func(imageID string) MarkerPayload
}

// New creates a new pipeline orchestrator.
func New(cfg *Config) *Orchestrator {
	threshold := cfg.VerificationThreshold
	if threshold <= 0 {
		threshold = DefaultVerificationThreshold
	}

	derive := cfg.DerivePayload
	if derive == nil {
		derive = DeriveMarkerPayload
	}

	return &Orchestrator{
		logger:          cfg.Logger,
		store:           cfg.Store,
		marker:          cfg.Marker,
		fallbackMarker:  cfg.FallbackMarker,
		perturber:       cfg.Perturber,
		fallbackPerturb: cfg.FallbackPerturb,
		signer:          cfg.Signer,
		fallbackSigner:  cfg.FallbackSigner,
		threshold:       threshold,
		fallbackEnabled: cfg.FallbackEnabled,
		derivePayload:   derive,
	}
}

// Run executes the full protection pipeline for one job. On failure the
// returned error is always a *StageError naming the failing stage; no
// stage after the failing one is invoked.
func (o *Orchestrator) Run(ctx context.Context, job domain.ProtectionJob) (*Result, error) {
	started := time.Now()
	payload := o.derivePayload(job.ImageID)

	o.logger.Info("Starting protection pipeline",
		slog.String("image_id", job.ImageID),
		slog.String("storage_key", job.StorageKey),
		slog.Int("attempt", job.Attempt),
	)

	// Stage: fetch
	original, err := o.store.Fetch(ctx, job.StorageKey)
	if err != nil {
		return nil, o.fail(job.ImageID, StageFetch, err)
	}
	o.stageDone(job.ImageID, StageFetch)

	// Stage: embed
	suite := o.selectMarkerSuite()
	if suite.Embedder == nil {
		return nil, o.fail(job.ImageID, StageEmbed, fmt.Errorf("no available marker embedder"))
	}
	marked, err := suite.Embedder.Embed(ctx, original, payload)
	if err != nil {
		return nil, o.fail(job.ImageID, StageEmbed, fmt.Errorf("%s: %w", suite.Embedder.Name(), err))
	}
	o.stageDone(job.ImageID, StageEmbed)

	// Stage: verify. The gate runs before perturbation so a downstream
	// recovery failure is attributable to embedding, not perturbation.
	score, err := suite.Verifier.Verify(ctx, marked, payload)
	if err != nil {
		return nil, o.fail(job.ImageID, StageVerify, fmt.Errorf("%s: %w", suite.Verifier.Name(), err))
	}
	if score < o.threshold {
		return nil, o.fail(job.ImageID, StageVerify, &VerificationError{Score: score, Threshold: o.threshold})
	}
	o.logger.Info("Marker verified",
		slog.String("image_id", job.ImageID),
		slog.Float64("score", score),
		slog.Float64("threshold", o.threshold),
	)

	// Stage: perturb. Safe to run on the marked image because the marker
	// has independently been confirmed recoverable.
	perturber := o.selectPerturber()
	if perturber == nil {
		return nil, o.fail(job.ImageID, StagePerturb, fmt.Errorf("no available perturbation applier"))
	}
	perturbed, err := perturber.Apply(ctx, marked)
	if err != nil {
		return nil, o.fail(job.ImageID, StagePerturb, fmt.Errorf("%s: %w", perturber.Name(), err))
	}
	o.stageDone(job.ImageID, StagePerturb)

	// Stage: sign. Last, so the signature covers the delivered bytes.
	signer := o.selectSigner()
	if signer == nil {
		return nil, o.fail(job.ImageID, StageSign, fmt.Errorf("no available provenance signer"))
	}
	stmt := Statement{
		ImageID:     job.ImageID,
		MarkerID:    payload.String(),
		Restriction: RestrictionTrainingDisallowed,
	}
	signed, provenance, err := signer.Sign(ctx, perturbed, stmt)
	if err != nil {
		return nil, o.fail(job.ImageID, StageSign, fmt.Errorf("%s: %w", signer.Name(), err))
	}
	o.stageDone(job.ImageID, StageSign)

	// Stage: upload. Always a new key; the original is never overwritten.
	protectedKey := ProtectedKey(job.ImageID)
	if err := o.store.Upload(ctx, protectedKey, signed, "image/png"); err != nil {
		return nil, o.fail(job.ImageID, StageUpload, err)
	}

	o.logger.Info("Protection pipeline completed",
		slog.String("image_id", job.ImageID),
		slog.String("protected_key", protectedKey),
		slog.Duration("elapsed", time.Since(started)),
	)

	return &Result{
		ProtectedKey: protectedKey,
		MarkerID:     payload.String(),
		Provenance:   provenance,
	}, nil
}

// RestrictionTrainingDisallowed is the usage restriction asserted in
// every provenance statement this pipeline produces.
const RestrictionTrainingDisallowed = "training-disallowed"

// ProtectedKey returns the object key protected output is written to.
func ProtectedKey(imageID string) string {
	return "protected/" + imageID + ".png"
}

// selectMarkerSuite picks the primary embedder/verifier pair unless the
// primary embedder reports itself unavailable and a fallback is allowed.
func (o *Orchestrator) selectMarkerSuite() MarkerSuite {
	if o.marker.Embedder != nil && o.marker.Embedder.Available() {
		return o.marker
	}
	if o.fallbackEnabled && o.fallbackMarker != nil && o.fallbackMarker.Embedder.Available() {
		o.logger.Warn("Primary marker embedder unavailable, using fallback",
			slog.String("fallback", o.fallbackMarker.Embedder.Name()),
		)
		return *o.fallbackMarker
	}
	return MarkerSuite{}
}

func (o *Orchestrator) selectPerturber() PerturbationApplier {
	if o.perturber != nil && o.perturber.Available() {
		return o.perturber
	}
	if o.fallbackEnabled && o.fallbackPerturb != nil && o.fallbackPerturb.Available() {
		o.logger.Warn("Primary perturbation applier unavailable, using fallback",
			slog.String("fallback", o.fallbackPerturb.Name()),
		)
		return o.fallbackPerturb
	}
	return nil
}

func (o *Orchestrator) selectSigner() ProvenanceSigner {
	if o.signer != nil && o.signer.Available() {
		return o.signer
	}
	if o.fallbackEnabled && o.fallbackSigner != nil && o.fallbackSigner.Available() {
		o.logger.Warn("Primary provenance signer unavailable, using fallback",
			slog.String("fallback", o.fallbackSigner.Name()),
		)
		return o.fallbackSigner
	}
	return nil
}

func (o *Orchestrator) fail(imageID string, stage Stage, err error) error {
	o.logger.Error("Pipeline stage failed",
		slog.String("image_id", imageID),
		slog.String("stage", string(stage)),
		slog.String("error", err.Error()),
	)
	return &StageError{Stage: stage, Err: err}
}

func (o *Orchestrator) stageDone(imageID string, stage Stage) {
	o.logger.Debug("Pipeline stage completed",
		slog.String("image_id", imageID),
		slog.String("stage", string(stage)),
	)
}
