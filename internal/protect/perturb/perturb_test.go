package perturb

import (
	"context"
	"image"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haruki121731-del/Lore-Anchor1/internal/protect/imgutil"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testImagePNG(t *testing.T, w, h int, seed int64) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(rng.Intn(256))
		img.Pix[i+1] = uint8(rng.Intn(256))
		img.Pix[i+2] = uint8(rng.Intn(256))
		img.Pix[i+3] = 255
	}

	data, err := imgutil.EncodePNG(img)
	require.NoError(t, err)
	return data
}

func writeTexture(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "texture_target.png")
	require.NoError(t, os.WriteFile(path, testImagePNG(t, 32, 32, 7), 0o644))
	return path
}

// maxDeviation decodes both PNGs and returns the largest per-channel
// pixel difference.
func maxDeviation(t *testing.T, a, b []byte) int {
	t.Helper()

	imgA, err := imgutil.Decode(a)
	require.NoError(t, err)
	imgB, err := imgutil.Decode(b)
	require.NoError(t, err)

	require.Equal(t, imgA.Rect, imgB.Rect)

	maxDiff := 0
	for i := 0; i < len(imgA.Pix); i++ {
		diff := int(math.Abs(float64(imgA.Pix[i]) - float64(imgB.Pix[i])))
		if diff > maxDiff {
			maxDiff = diff
		}
	}
	return maxDiff
}

func TestFreq_BoundedPerturbation(t *testing.T) {
	freq := NewFreq(8, 3, discard())
	original := testImagePNG(t, 64, 64, 1)

	perturbed, err := freq.Apply(context.Background(), original)
	require.NoError(t, err)

	// Something changed, but no pixel moved more than epsilon.
	dev := maxDeviation(t, original, perturbed)
	assert.Greater(t, dev, 0)
	assert.LessOrEqual(t, dev, 8)
}

func TestFreq_Deterministic(t *testing.T) {
	freq := NewFreq(8, 3, discard())
	original := testImagePNG(t, 64, 64, 1)

	first, err := freq.Apply(context.Background(), original)
	require.NoError(t, err)
	second, err := freq.Apply(context.Background(), original)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestFreq_PreservesDimensions(t *testing.T) {
	freq := NewFreq(8, 1, discard())
	original := testImagePNG(t, 72, 40, 2)

	perturbed, err := freq.Apply(context.Background(), original)
	require.NoError(t, err)

	img, err := imgutil.Decode(perturbed)
	require.NoError(t, err)
	assert.Equal(t, 72, img.Rect.Dx())
	assert.Equal(t, 40, img.Rect.Dy())
}

func TestFreq_RejectsInvalidImage(t *testing.T) {
	freq := NewFreq(8, 1, discard())
	_, err := freq.Apply(context.Background(), []byte("not an image"))
	require.Error(t, err)
}

func TestTexture_BoundedPerturbation(t *testing.T) {
	texture := NewTexture(writeTexture(t), 8, 3, discard())
	require.True(t, texture.Available())

	original := testImagePNG(t, 64, 64, 1)
	perturbed, err := texture.Apply(context.Background(), original)
	require.NoError(t, err)

	dev := maxDeviation(t, original, perturbed)
	assert.Greater(t, dev, 0)
	assert.LessOrEqual(t, dev, 8)
}

func TestTexture_Availability(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		available bool
	}{
		{name: "empty path", path: "", available: false},
		{name: "missing file", path: "/nonexistent/texture.png", available: false},
		{name: "present file", path: writeTexture(t), available: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.available, NewTexture(tt.path, 8, 3, discard()).Available())
		})
	}
}

func TestTexture_BadArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "texture_target.png")
	require.NoError(t, os.WriteFile(path, []byte("not a png"), 0o644))

	texture := NewTexture(path, 8, 3, discard())
	_, err := texture.Apply(context.Background(), testImagePNG(t, 64, 64, 1))
	require.Error(t, err)
}

func TestInBand(t *testing.T) {
	// DC and lowest frequencies stay untouched.
	assert.False(t, inBand(0, 0))
	assert.False(t, inBand(1, 1))
	assert.True(t, inBand(1, 2))
	assert.True(t, inBand(5, 5))
	assert.False(t, inBand(6, 5))
	assert.False(t, inBand(7, 7))
}

func TestDCT_RoundTrip(t *testing.T) {
	var block [blockSize][blockSize]float64
	rng := rand.New(rand.NewSource(3))
	for x := 0; x < blockSize; x++ {
		for y := 0; y < blockSize; y++ {
			block[x][y] = float64(rng.Intn(256))
		}
	}

	coeffs := dct2(&block)
	restored := idct2(&coeffs)

	for x := 0; x < blockSize; x++ {
		for y := 0; y < blockSize; y++ {
			assert.InDelta(t, block[x][y], restored[x][y], 1e-6)
		}
	}
}
