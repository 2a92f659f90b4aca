package verifier

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/punchamoorthee/payswitch/internal/domain"
	"github.com/punchamoorthee/payswitch/internal/models"
)

// Verified carries the canonical form of a request that passed signature checks.
type Verified struct {
	Canonical []byte
	Hash      string
}

// Verify checks req.Signature against the payer bank's Ed25519 public key
// (base64) over the canonical request bytes.
func Verify(req models.PaymentRequest, publicKey string) (Verified, error) {
	key, err := DecodePublicKey(publicKey)
	if err != nil {
		return Verified{}, err
	}
	sig, err := decodeBase64(req.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return Verified{}, domain.ErrInvalidSignature
	}

	canonical := Canonicalize(req)
	if !ed25519.Verify(key, canonical, sig) {
		return Verified{}, domain.ErrInvalidSignature
	}
	return Verified{Canonical: canonical, Hash: Hash(canonical)}, nil
}

// Sign produces a base64 signature over the canonical form. Used by banks,
// seeders and load generators.
func Sign(req models.PaymentRequest, key ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, Canonicalize(req)))
}

// DecodePublicKey parses a base64 Ed25519 public key.
func DecodePublicKey(raw string) (ed25519.PublicKey, error) {
	b, err := decodeBase64(raw)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
