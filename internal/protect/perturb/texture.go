package perturb

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"

	"github.com/haruki121731-del/Lore-Anchor1/internal/protect/imgutil"
)

// Texture is the primary perturbation applier. It steers the image's
// mid/high-band DCT coefficients toward those of a semantically
// unrelated texture target, so models fine-tuned on the protected image
// learn the texture's statistics instead of the artwork's. Requires the
// texture-target artifact on disk; unavailable without it.
type Texture struct {
	texturePath string
	epsilon     float64
	iterations  int
	logger      *slog.Logger

	once    sync.Once
	tex     *image.NRGBA
	loadErr error
}

// NewTexture creates the primary perturbation applier backed by a
// texture-target artifact.
func NewTexture(texturePath string, epsilon float64, iterations int, logger *slog.Logger) *Texture {
	if iterations < 1 {
		iterations = 1
	}
	return &Texture{
		texturePath: texturePath,
		epsilon:     epsilon,
		iterations:  iterations,
		logger:      logger,
	}
}

func (t *Texture) Name() string { return "mist-texture" }

// Available reports whether the texture-target artifact is present.
func (t *Texture) Available() bool {
	if t.texturePath == "" {
		return false
	}
	_, err := os.Stat(t.texturePath)
	return err == nil
}

func (t *Texture) load() error {
	t.once.Do(func() {
		data, err := os.ReadFile(t.texturePath)
		if err != nil {
			t.loadErr = fmt.Errorf("failed to read texture target: %w", err)
			return
		}

		tex, err := imgutil.Decode(data)
		if err != nil {
			t.loadErr = fmt.Errorf("failed to decode texture target: %w", err)
			return
		}

		t.tex = tex
	})
	return t.loadErr
}

// Apply moves band coefficients a fraction of the way toward the tiled
// texture target per iteration, clamped so no pixel moves more than
// epsilon from its input value.
func (t *Texture) Apply(ctx context.Context, data []byte) ([]byte, error) {
	if err := t.load(); err != nil {
		return nil, err
	}

	img, err := imgutil.Decode(data)
	if err != nil {
		return nil, err
	}

	orig := imgutil.Clone(img)
	out := imgutil.Clone(img)
	step := 1.0 / float64(t.iterations)

	for iter := 0; iter < t.iterations; iter++ {
		perturbBlocks(out, orig, t.epsilon, func(bx, by, ch int, coeffs *[blockSize][blockSize]float64) {
			target := t.textureCoeffs(bx, by, ch)
			for u := 0; u < blockSize; u++ {
				for v := 0; v < blockSize; v++ {
					if inBand(u, v) {
						coeffs[u][v] += (target[u][v] - coeffs[u][v]) * step
					}
				}
			}
		})
	}

	t.logger.Debug("Texture perturbation applied",
		slog.Float64("epsilon", t.epsilon),
		slog.Int("iterations", t.iterations),
	)

	return imgutil.EncodePNG(out)
}

// textureCoeffs returns the DCT coefficients of the texture block under
// the given image block, tiling the texture as needed.
func (t *Texture) textureCoeffs(bx, by, ch int) [blockSize][blockSize]float64 {
	tw, th := t.tex.Rect.Dx(), t.tex.Rect.Dy()

	var block [blockSize][blockSize]float64
	for x := 0; x < blockSize; x++ {
		for y := 0; y < blockSize; y++ {
			tx := (bx*blockSize + x) % tw
			ty := (by*blockSize + y) % th
			off := ty*t.tex.Stride + tx*4
			block[x][y] = float64(t.tex.Pix[off+ch])
		}
	}

	return dct2(&block)
}
