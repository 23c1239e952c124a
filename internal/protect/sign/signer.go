package sign

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/haruki121731-del/Lore-Anchor1/internal/pipeline"
)

// Signer signs provenance manifests with an ES256 key loaded from PEM
// files. Unavailable when the configured key material is absent; the
// orchestrator may then select the dev signer instead.
type Signer struct {
	name    string
	keyPath string
	logger  *slog.Logger

	once    sync.Once
	key     *ecdsa.PrivateKey
	pubPEM  string
	loadErr error

	// generate, when set, creates an ephemeral key instead of loading
	// one from disk (dev signer).
	generate bool
}

// NewSigner creates the primary provenance signer backed by a PEM
// private key on disk.
func NewSigner(keyPath string, logger *slog.Logger) *Signer {
	return &Signer{name: "es256", keyPath: keyPath, logger: logger}
}

// NewDevSigner creates the fallback signer. It signs with an ephemeral
// self-generated key, so provenance stays structurally valid in
// environments without provisioned key material.
func NewDevSigner(logger *slog.Logger) *Signer {
	return &Signer{name: "es256-dev", generate: true, logger: logger}
}

func (s *Signer) Name() string { return s.name }

// Available reports whether signing key material can be obtained.
func (s *Signer) Available() bool {
	if s.generate {
		return true
	}
	if s.keyPath == "" {
		return false
	}
	_, err := os.Stat(s.keyPath)
	return err == nil
}

func (s *Signer) load() error {
	s.once.Do(func() {
		if s.generate {
			key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			if err != nil {
				s.loadErr = fmt.Errorf("failed to generate signing key: %w", err)
				return
			}
			s.key = key
			s.logger.Warn("Using ephemeral self-generated signing key; provision real key material for production")
		} else {
			key, err := loadECKey(s.keyPath)
			if err != nil {
				s.loadErr = err
				return
			}
			s.key = key
		}

		pubDER, err := x509.MarshalPKIXPublicKey(&s.key.PublicKey)
		if err != nil {
			s.loadErr = fmt.Errorf("failed to marshal public key: %w", err)
			return
		}
		s.pubPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	})
	return s.loadErr
}

// Sign computes a manifest over the final image bytes, signs it, and
// returns the image with the provenance document embedded plus the
// document itself.
func (s *Signer) Sign(ctx context.Context, image []byte, stmt pipeline.Statement) ([]byte, []byte, error) {
	if err := s.load(); err != nil {
		return nil, nil, err
	}

	contentHash := sha256.Sum256(image)
	manifest := Manifest{
		ClaimGenerator: claimGenerator,
		Title:          manifestTitle,
		ImageID:        stmt.ImageID,
		MarkerID:       stmt.MarkerID,
		Restriction:    stmt.Restriction,
		Assertions:     trainingAssertions(),
		ContentHash:    "sha256:" + hex.EncodeToString(contentHash[:]),
		SignedAt:       time.Now().UTC(),
	}

	payload, err := manifest.signingBytes()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode manifest: %w", err)
	}

	digest := sha256.Sum256(payload)
	sig, err := ecdsa.SignASN1(rand.Reader, s.key, digest[:])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign manifest: %w", err)
	}

	doc := Document{
		Manifest:  manifest,
		Signature: base64.StdEncoding.EncodeToString(sig),
		Algorithm: AlgorithmES256,
		PublicKey: s.pubPEM,
	}

	docJSON, err := json.Marshal(&doc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode provenance document: %w", err)
	}

	signed, err := insertTextChunk(image, ProvenanceKeyword, docJSON)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to embed provenance chunk: %w", err)
	}

	s.logger.Debug("Provenance manifest signed",
		slog.String("image_id", stmt.ImageID),
		slog.String("signer", s.name),
	)

	return signed, docJSON, nil
}

// ExtractDocument reads the embedded provenance document back out of a
// signed PNG.
func ExtractDocument(image []byte) (*Document, error) {
	raw, err := extractTextChunk(image, ProvenanceKeyword)
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse provenance document: %w", err)
	}
	return &doc, nil
}

// VerifyDocument checks the document's signature against its embedded
// public key.
func VerifyDocument(doc *Document) (bool, error) {
	block, _ := pem.Decode([]byte(doc.PublicKey))
	if block == nil {
		return false, fmt.Errorf("invalid public key PEM")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return false, fmt.Errorf("failed to parse public key: %w", err)
	}

	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return false, fmt.Errorf("public key is not ECDSA")
	}

	sig, err := base64.StdEncoding.DecodeString(doc.Signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding: %w", err)
	}

	payload, err := doc.Manifest.signingBytes()
	if err != nil {
		return false, err
	}

	digest := sha256.Sum256(payload)
	return ecdsa.VerifyASN1(ecPub, digest[:], sig), nil
}

// loadECKey parses an EC or PKCS#8 private key from a PEM file.
func loadECKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("invalid signing key PEM in %s", path)
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}

	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key in %s is not ECDSA", path)
	}
	return key, nil
}
