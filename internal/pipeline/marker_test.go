package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveMarkerPayload(t *testing.T) {
	p1 := DeriveMarkerPayload("img_7")
	p2 := DeriveMarkerPayload("img_7")
	p3 := DeriveMarkerPayload("img_8")

	// Deterministic per image, distinct across images.
	assert.Equal(t, p1, p2)
	assert.NotEqual(t, p1, p3)
	assert.Len(t, string(p1), MarkerPayloadBits/4)
}

func TestMarkerPayload_Bits(t *testing.T) {
	bits, err := DeriveMarkerPayload("img_7").Bits()
	require.NoError(t, err)
	assert.Len(t, bits, MarkerPayloadBits)

	for _, b := range bits {
		assert.LessOrEqual(t, b, uint8(1))
	}
}

func TestMarkerPayload_BitsOrdering(t *testing.T) {
	// 0x01 has its least significant bit set; bits are LSB-first per byte.
	payload := MarkerPayload("01000000000000000000000000000000")
	bits, err := payload.Bits()
	require.NoError(t, err)

	assert.Equal(t, uint8(1), bits[0])
	for _, b := range bits[1:] {
		assert.Equal(t, uint8(0), b)
	}
}

func TestMarkerPayload_BitsRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		payload MarkerPayload
	}{
		{name: "not hex", payload: MarkerPayload("zz000000000000000000000000000000")},
		{name: "too short", payload: MarkerPayload("abcd")},
		{name: "empty", payload: MarkerPayload("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.payload.Bits()
			require.Error(t, err)
		})
	}
}
