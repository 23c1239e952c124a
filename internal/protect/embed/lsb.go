package embed

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/haruki121731-del/Lore-Anchor1/internal/pipeline"
	"github.com/haruki121731-del/Lore-Anchor1/internal/protect/imgutil"
)

// LSB is the fallback marker suite. It writes payload bits into the
// least significant bit of the blue channel, cycling over pixels in
// row-major order. Cheaper and weaker than seal: it does not survive
// recompression, which is why it is only selected when the primary
// reports itself unavailable.
type LSB struct {
	logger *slog.Logger
}

// NewLSB creates the fallback marker suite.
func NewLSB(logger *slog.Logger) *LSB {
	return &LSB{logger: logger}
}

func (l *LSB) Name() string { return "lsb" }

// Available always reports true; the fallback needs no artifacts.
func (l *LSB) Available() bool { return true }

// Embed writes the payload into the image and returns PNG bytes.
func (l *LSB) Embed(ctx context.Context, data []byte, payload pipeline.MarkerPayload) ([]byte, error) {
	bits, err := payload.Bits()
	if err != nil {
		return nil, err
	}

	img, err := imgutil.Decode(data)
	if err != nil {
		return nil, err
	}

	w, h := img.Rect.Dx(), img.Rect.Dy()
	if w*h < len(bits) {
		return nil, fmt.Errorf("image too small for %d-bit marker: %dx%d", len(bits), w, h)
	}

	out := imgutil.Clone(img)
	forEachPixel(out, func(idx, off int) {
		bit := bits[idx%len(bits)]
		out.Pix[off+2] = (out.Pix[off+2] &^ 1) | bit
	})

	l.logger.Debug("LSB marker embedded",
		slog.String("marker_prefix", payload.String()[:8]),
	)

	return imgutil.EncodePNG(out)
}

// Verify recovers payload bits by majority vote over the pixel cycle and
// returns the agreement fraction against the expected payload.
func (l *LSB) Verify(ctx context.Context, data []byte, expected pipeline.MarkerPayload) (float64, error) {
	bits, err := expected.Bits()
	if err != nil {
		return 0, err
	}

	img, err := imgutil.Decode(data)
	if err != nil {
		return 0, err
	}

	votes := make([]int, len(bits))
	forEachPixel(img, func(idx, off int) {
		if img.Pix[off+2]&1 == 1 {
			votes[idx%len(bits)]++
		} else {
			votes[idx%len(bits)]--
		}
	})

	return bitAgreement(bits, votes), nil
}

// forEachPixel visits pixels in row-major order, passing the pixel index
// and its byte offset into Pix.
func forEachPixel(img *image.NRGBA, fn func(idx, off int)) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	idx := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			fn(idx, y*img.Stride+x*4)
			idx++
		}
	}
}

// bitAgreement resolves per-bit majority votes and returns the fraction
// of bits matching the expected payload.
func bitAgreement(expected []uint8, votes []int) float64 {
	matched := 0
	for i, want := range expected {
		var got uint8
		if votes[i] > 0 {
			got = 1
		}
		if got == want {
			matched++
		}
	}
	return float64(matched) / float64(len(expected))
}

// clampByte clamps a float to the [0, 255] byte range.
func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v + 0.5)
}
