package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// MarkerPayloadBits is the fixed marker width.
const MarkerPayloadBits = 128

// MarkerPayload is a fixed-width opaque identifier, encoded as a 32-char
// hex string. The orchestrator treats it as an uninterpreted bit string;
// only embedder/verifier pairs understand its structure.
type MarkerPayload string

// DeriveMarkerPayload derives the payload for an image deterministically,
// so retries embed the same identifier instead of a fresh random one.
func DeriveMarkerPayload(imageID string) MarkerPayload {
	sum := sha256.Sum256([]byte("lore-anchor:marker:" + imageID))
	return MarkerPayload(hex.EncodeToString(sum[:MarkerPayloadBits/8]))
}

// Bits decodes the payload into its 128 bits, least significant first
// within each byte.
func (p MarkerPayload) Bits() ([]uint8, error) {
	raw, err := hex.DecodeString(string(p))
	if err != nil {
		return nil, fmt.Errorf("invalid marker payload %q: %w", string(p), err)
	}
	if len(raw) != MarkerPayloadBits/8 {
		return nil, fmt.Errorf("marker payload must be %d bits, got %d", MarkerPayloadBits, len(raw)*8)
	}

	bits := make([]uint8, 0, MarkerPayloadBits)
	for _, b := range raw {
		for i := 0; i < 8; i++ {
			bits = append(bits, (b>>uint(i))&1)
		}
	}
	return bits, nil
}

func (p MarkerPayload) String() string {
	return string(p)
}
