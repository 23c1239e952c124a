package perturb

import "math"

// 8x8 block DCT, the working domain for both perturbation modes. The
// mid-to-high frequency band (3 <= u+v <= 10) is where convolutional
// feature extractors are most sensitive and human vision is least.
const (
	blockSize = 8
	bandLow   = 3
	bandHigh  = 10
)

var cosTable [blockSize][blockSize]float64

func init() {
	for x := 0; x < blockSize; x++ {
		for u := 0; u < blockSize; u++ {
			cosTable[x][u] = math.Cos((2*float64(x) + 1) * float64(u) * math.Pi / (2 * blockSize))
		}
	}
}

func alpha(u int) float64 {
	if u == 0 {
		return 1 / math.Sqrt2
	}
	return 1
}

// dct2 computes the 2D type-II DCT of an 8x8 block.
func dct2(block *[blockSize][blockSize]float64) [blockSize][blockSize]float64 {
	var out [blockSize][blockSize]float64
	for u := 0; u < blockSize; u++ {
		for v := 0; v < blockSize; v++ {
			sum := 0.0
			for x := 0; x < blockSize; x++ {
				for y := 0; y < blockSize; y++ {
					sum += block[x][y] * cosTable[x][u] * cosTable[y][v]
				}
			}
			out[u][v] = 0.25 * alpha(u) * alpha(v) * sum
		}
	}
	return out
}

// idct2 inverts dct2.
func idct2(coeffs *[blockSize][blockSize]float64) [blockSize][blockSize]float64 {
	var out [blockSize][blockSize]float64
	for x := 0; x < blockSize; x++ {
		for y := 0; y < blockSize; y++ {
			sum := 0.0
			for u := 0; u < blockSize; u++ {
				for v := 0; v < blockSize; v++ {
					sum += alpha(u) * alpha(v) * coeffs[u][v] * cosTable[x][u] * cosTable[y][v]
				}
			}
			out[x][y] = 0.25 * sum
		}
	}
	return out
}

// inBand reports whether a coefficient sits in the perturbation band.
func inBand(u, v int) bool {
	return u+v >= bandLow && u+v <= bandHigh
}
