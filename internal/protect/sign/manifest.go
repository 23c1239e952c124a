// Package sign provides the provenance signers. A manifest asserting the
// training-disallowed usage restriction is signed with ES256 over the
// final image bytes and embedded into the delivered PNG, so the
// signature covers exactly the artifact the creator receives.
package sign

import (
	"encoding/json"
	"time"
)

const (
	claimGenerator = "lore-anchor/1.0"
	manifestTitle  = "Protected by Lore Anchor"

	// AlgorithmES256 identifies ECDSA P-256 with SHA-256.
	AlgorithmES256 = "ES256"
)

// UsageEntry declares whether a usage class is allowed.
type UsageEntry struct {
	Use string `json:"use"`
}

// Assertion is one labeled usage-restriction block in the manifest.
type Assertion struct {
	Label   string                `json:"label"`
	Entries map[string]UsageEntry `json:"entries"`
}

// Manifest is the structured provenance statement. ContentHash binds it
// to the exact pixel bytes it was computed over.
type Manifest struct {
	ClaimGenerator string      `json:"claim_generator"`
	Title          string      `json:"title"`
	ImageID        string      `json:"image_id"`
	MarkerID       string      `json:"marker_id"`
	Restriction    string      `json:"restriction"`
	Assertions     []Assertion `json:"assertions"`
	ContentHash    string      `json:"content_hash"`
	SignedAt       time.Time   `json:"signed_at"`
}

// Document is the provenance payload persisted with the image record and
// embedded into the signed PNG: the manifest plus its signature.
type Document struct {
	Manifest
	Signature string `json:"signature"`
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"public_key"`
}

// trainingAssertions is the fixed restriction set every protected image
// carries, mirroring the C2PA training-and-data-mining assertion.
func trainingAssertions() []Assertion {
	return []Assertion{
		{
			Label: "training-mining",
			Entries: map[string]UsageEntry{
				"ai_generative_training": {Use: "notAllowed"},
				"ai_inference":           {Use: "notAllowed"},
				"ai_training":            {Use: "notAllowed"},
				"data_mining":            {Use: "notAllowed"},
			},
		},
	}
}

// signingBytes returns the canonical manifest encoding the signature is
// computed over.
func (m *Manifest) signingBytes() ([]byte, error) {
	return json.Marshal(m)
}
