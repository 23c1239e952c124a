// Package perturb provides the adversarial perturbation appliers. The
// primary "texture" mode steers DCT coefficients toward a texture-target
// artifact loaded from disk; the fallback "freq" mode injects structured
// mid/high-band noise and needs no artifacts. Both are bounded: no pixel
// moves more than epsilon from its input value.
package perturb

import (
	"context"
	"image"
	"log/slog"
	"math/rand"

	"github.com/haruki121731-del/Lore-Anchor1/internal/protect/imgutil"
)

// Freq is the fallback perturbation applier. Deterministic per input:
// the noise is seeded from block coordinates, so identical inputs
// produce identical outputs.
type Freq struct {
	epsilon    float64
	iterations int
	logger     *slog.Logger
}

// NewFreq creates the fallback frequency-domain perturbation applier.
func NewFreq(epsilon float64, iterations int, logger *slog.Logger) *Freq {
	if iterations < 1 {
		iterations = 1
	}
	return &Freq{epsilon: epsilon, iterations: iterations, logger: logger}
}

func (f *Freq) Name() string { return "mist-freq" }

// Available always reports true; freq mode needs no model artifacts.
func (f *Freq) Available() bool { return true }

// Apply injects epsilon-bounded structured noise into the mid/high DCT
// band of every full 8x8 block.
func (f *Freq) Apply(ctx context.Context, data []byte) ([]byte, error) {
	img, err := imgutil.Decode(data)
	if err != nil {
		return nil, err
	}

	orig := imgutil.Clone(img)
	out := imgutil.Clone(img)

	for iter := 0; iter < f.iterations; iter++ {
		perturbBlocks(out, orig, f.epsilon, func(bx, by, ch int, coeffs *[blockSize][blockSize]float64) {
			rng := rand.New(rand.NewSource(blockSeed(bx, by, ch, iter)))
			for u := 0; u < blockSize; u++ {
				for v := 0; v < blockSize; v++ {
					if inBand(u, v) {
						coeffs[u][v] += (rng.Float64()*2 - 1) * f.epsilon
					}
				}
			}
		})
	}

	f.logger.Debug("Freq perturbation applied",
		slog.Float64("epsilon", f.epsilon),
		slog.Int("iterations", f.iterations),
	)

	return imgutil.EncodePNG(out)
}

func blockSeed(bx, by, ch, iter int) int64 {
	return int64(bx)*73856093 ^ int64(by)*19349663 ^ int64(ch)*83492791 ^ int64(iter)*2654435761
}

// perturbBlocks runs mutate over the DCT coefficients of every full
// block and channel of img, then clamps the result so no pixel deviates
// more than epsilon from the reference image.
func perturbBlocks(img, ref *image.NRGBA, epsilon float64, mutate func(bx, by, ch int, coeffs *[blockSize][blockSize]float64)) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	blocksX, blocksY := w/blockSize, h/blockSize

	for by := 0; by < blocksY; by++ {
		for bx := 0; bx < blocksX; bx++ {
			for ch := 0; ch < 3; ch++ {
				var block [blockSize][blockSize]float64
				for x := 0; x < blockSize; x++ {
					for y := 0; y < blockSize; y++ {
						off := (by*blockSize+y)*img.Stride + (bx*blockSize+x)*4
						block[x][y] = float64(img.Pix[off+ch])
					}
				}

				coeffs := dct2(&block)
				mutate(bx, by, ch, &coeffs)
				spatial := idct2(&coeffs)

				for x := 0; x < blockSize; x++ {
					for y := 0; y < blockSize; y++ {
						off := (by*blockSize+y)*img.Stride + (bx*blockSize+x)*4
						img.Pix[off+ch] = clampNear(float64(ref.Pix[off+ch]), spatial[x][y], epsilon)
					}
				}
			}
		}
	}
}

// clampNear clamps v to [ref-epsilon, ref+epsilon] and the byte range.
func clampNear(ref, v, epsilon float64) uint8 {
	if v < ref-epsilon {
		v = ref - epsilon
	}
	if v > ref+epsilon {
		v = ref + epsilon
	}
	if v < 0 {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	return uint8(v + 0.5)
}
