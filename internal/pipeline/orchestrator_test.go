package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haruki121731-del/Lore-Anchor1/internal/worker/domain"
)

// fakeStore records stage calls and serves canned image bytes.
type fakeStore struct {
	objects  map[string][]byte
	uploads  map[string][]byte
	calls    *[]string
	fetchErr error
	putErr   error
}

func newFakeStore(calls *[]string) *fakeStore {
	return &fakeStore{
		objects: map[string][]byte{},
		uploads: map[string][]byte{},
		calls:   calls,
	}
}

func (s *fakeStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	*s.calls = append(*s.calls, "fetch")
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("no object for key %s", key)
	}
	return data, nil
}

func (s *fakeStore) Upload(ctx context.Context, key string, content []byte, contentType string) error {
	*s.calls = append(*s.calls, "upload")
	if s.putErr != nil {
		return s.putErr
	}
	s.uploads[key] = content
	return nil
}

type fakeEmbedder struct {
	name      string
	available bool
	err       error
	calls     *[]string
}

func (e *fakeEmbedder) Name() string    { return e.name }
func (e *fakeEmbedder) Available() bool { return e.available }

func (e *fakeEmbedder) Embed(ctx context.Context, image []byte, payload MarkerPayload) ([]byte, error) {
	*e.calls = append(*e.calls, "embed:"+e.name)
	if e.err != nil {
		return nil, e.err
	}
	return append(append([]byte{}, image...), []byte(payload)...), nil
}

type fakeVerifier struct {
	name  string
	score float64
	err   error
	calls *[]string
}

func (v *fakeVerifier) Name() string { return v.name }

func (v *fakeVerifier) Verify(ctx context.Context, image []byte, expected MarkerPayload) (float64, error) {
	*v.calls = append(*v.calls, "verify:"+v.name)
	if v.err != nil {
		return 0, v.err
	}
	return v.score, nil
}

type fakePerturber struct {
	name      string
	available bool
	err       error
	calls     *[]string
}

func (p *fakePerturber) Name() string    { return p.name }
func (p *fakePerturber) Available() bool { return p.available }

func (p *fakePerturber) Apply(ctx context.Context, image []byte) ([]byte, error) {
	*p.calls = append(*p.calls, "perturb:"+p.name)
	if p.err != nil {
		return nil, p.err
	}
	return append(append([]byte{}, image...), 'P'), nil
}

type fakeSigner struct {
	name      string
	available bool
	err       error
	calls     *[]string
}

func (s *fakeSigner) Name() string    { return s.name }
func (s *fakeSigner) Available() bool { return s.available }

func (s *fakeSigner) Sign(ctx context.Context, image []byte, stmt Statement) ([]byte, []byte, error) {
	*s.calls = append(*s.calls, "sign:"+s.name)
	if s.err != nil {
		return nil, nil, s.err
	}
	doc := []byte(fmt.Sprintf(`{"image_id":%q,"restriction":%q}`, stmt.ImageID, stmt.Restriction))
	return append(append([]byte{}, image...), 'S'), doc, nil
}

type harness struct {
	calls     []string
	store     *fakeStore
	embedder  *fakeEmbedder
	verifier  *fakeVerifier
	perturber *fakePerturber
	signer    *fakeSigner
	cfg       *Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{}
	h.store = newFakeStore(&h.calls)
	h.embedder = &fakeEmbedder{name: "seal", available: true, calls: &h.calls}
	h.verifier = &fakeVerifier{name: "seal", score: 0.92, calls: &h.calls}
	h.perturber = &fakePerturber{name: "mist-texture", available: true, calls: &h.calls}
	h.signer = &fakeSigner{name: "es256", available: true, calls: &h.calls}

	h.cfg = &Config{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:     h.store,
		Marker:    MarkerSuite{Embedder: h.embedder, Verifier: h.verifier},
		Perturber: h.perturber,
		Signer:    h.signer,
	}
	return h
}

func testJob() domain.ProtectionJob {
	return domain.ProtectionJob{
		ImageID:    "img_7",
		StorageKey: "raw/img_7.png",
		Attempt:    1,
	}
}

func TestOrchestrator_RunSuccess(t *testing.T) {
	h := newHarness(t)
	h.store.objects["raw/img_7.png"] = []byte("original")

	result, err := New(h.cfg).Run(context.Background(), testJob())
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "protected/img_7.png", result.ProtectedKey)
	assert.Equal(t, DeriveMarkerPayload("img_7").String(), result.MarkerID)
	assert.Contains(t, string(result.Provenance), "training-disallowed")

	// Every stage ran, in order, exactly once.
	assert.Equal(t, []string{
		"fetch",
		"embed:seal",
		"verify:seal",
		"perturb:mist-texture",
		"sign:es256",
		"upload",
	}, h.calls)

	// The uploaded bytes are the signed output, not an intermediate.
	uploaded := h.store.uploads["protected/img_7.png"]
	require.NotEmpty(t, uploaded)
	assert.Equal(t, byte('S'), uploaded[len(uploaded)-1])
}

func TestOrchestrator_VerifyGateBlocksDownstream(t *testing.T) {
	h := newHarness(t)
	h.store.objects["raw/img_7.png"] = []byte("original")
	h.verifier.score = 0.50

	result, err := New(h.cfg).Run(context.Background(), testJob())
	require.Error(t, err)
	assert.Nil(t, result)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageVerify, stageErr.Stage)

	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 0.50, verr.Score)
	assert.Equal(t, DefaultVerificationThreshold, verr.Threshold)

	// Perturbation and signing never ran on the rejected image.
	assert.NotContains(t, h.calls, "perturb:mist-texture")
	assert.NotContains(t, h.calls, "sign:es256")
	assert.NotContains(t, h.calls, "upload")
}

func TestOrchestrator_StageAttribution(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name      string
		mutate    func(h *harness)
		wantStage Stage
	}{
		{
			name:      "fetch failure",
			mutate:    func(h *harness) { h.store.fetchErr = boom },
			wantStage: StageFetch,
		},
		{
			name:      "embed failure",
			mutate:    func(h *harness) { h.embedder.err = boom },
			wantStage: StageEmbed,
		},
		{
			name:      "verify failure",
			mutate:    func(h *harness) { h.verifier.err = boom },
			wantStage: StageVerify,
		},
		{
			name:      "perturb failure",
			mutate:    func(h *harness) { h.perturber.err = boom },
			wantStage: StagePerturb,
		},
		{
			name:      "sign failure",
			mutate:    func(h *harness) { h.signer.err = boom },
			wantStage: StageSign,
		},
		{
			name:      "upload failure",
			mutate:    func(h *harness) { h.store.putErr = boom },
			wantStage: StageUpload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.store.objects["raw/img_7.png"] = []byte("original")
			tt.mutate(h)

			_, err := New(h.cfg).Run(context.Background(), testJob())
			require.Error(t, err)

			var stageErr *StageError
			require.ErrorAs(t, err, &stageErr)
			assert.Equal(t, tt.wantStage, stageErr.Stage)
		})
	}
}

func TestOrchestrator_FallbackOnUnavailableOnly(t *testing.T) {
	t.Run("fallback used when primary unavailable", func(t *testing.T) {
		h := newHarness(t)
		h.store.objects["raw/img_7.png"] = []byte("original")
		h.perturber.available = false

		fallback := &fakePerturber{name: "mist-freq", available: true, calls: &h.calls}
		h.cfg.FallbackPerturb = fallback
		h.cfg.FallbackEnabled = true

		_, err := New(h.cfg).Run(context.Background(), testJob())
		require.NoError(t, err)

		assert.Contains(t, h.calls, "perturb:mist-freq")
		assert.NotContains(t, h.calls, "perturb:mist-texture")
	})

	t.Run("no fallback after primary failure", func(t *testing.T) {
		h := newHarness(t)
		h.store.objects["raw/img_7.png"] = []byte("original")
		h.perturber.err = errors.New("primary exploded")

		fallback := &fakePerturber{name: "mist-freq", available: true, calls: &h.calls}
		h.cfg.FallbackPerturb = fallback
		h.cfg.FallbackEnabled = true

		_, err := New(h.cfg).Run(context.Background(), testJob())
		require.Error(t, err)

		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StagePerturb, stageErr.Stage)
		assert.NotContains(t, h.calls, "perturb:mist-freq")
	})

	t.Run("fallback ignored when disabled", func(t *testing.T) {
		h := newHarness(t)
		h.store.objects["raw/img_7.png"] = []byte("original")
		h.perturber.available = false

		fallback := &fakePerturber{name: "mist-freq", available: true, calls: &h.calls}
		h.cfg.FallbackPerturb = fallback
		h.cfg.FallbackEnabled = false

		_, err := New(h.cfg).Run(context.Background(), testJob())
		require.Error(t, err)

		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StagePerturb, stageErr.Stage)
		assert.NotContains(t, h.calls, "perturb:mist-freq")
	})

	t.Run("fallback marker suite swaps pair together", func(t *testing.T) {
		h := newHarness(t)
		h.store.objects["raw/img_7.png"] = []byte("original")
		h.embedder.available = false

		fbEmbed := &fakeEmbedder{name: "lsb", available: true, calls: &h.calls}
		fbVerify := &fakeVerifier{name: "lsb", score: 0.99, calls: &h.calls}
		h.cfg.FallbackMarker = &MarkerSuite{Embedder: fbEmbed, Verifier: fbVerify}
		h.cfg.FallbackEnabled = true

		_, err := New(h.cfg).Run(context.Background(), testJob())
		require.NoError(t, err)

		assert.Contains(t, h.calls, "embed:lsb")
		assert.Contains(t, h.calls, "verify:lsb")
		assert.NotContains(t, h.calls, "verify:seal")
	})
}

func TestOrchestrator_CustomThreshold(t *testing.T) {
	h := newHarness(t)
	h.store.objects["raw/img_7.png"] = []byte("original")
	h.verifier.score = 0.80
	h.cfg.VerificationThreshold = 0.90

	_, err := New(h.cfg).Run(context.Background(), testJob())
	require.Error(t, err)

	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 0.90, verr.Threshold)
}

func TestProtectedKey(t *testing.T) {
	assert.Equal(t, "protected/img_42.png", ProtectedKey("img_42"))
}
