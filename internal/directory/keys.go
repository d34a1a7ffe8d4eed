package directory

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// PublicKey is a user's ed25519 verification key.
type PublicKey = ed25519.PublicKey

// ParsePublicKey decodes a PKIX PEM public key and requires it to be
// ed25519. Key files are stored exactly as clients submit them; parsing
// happens on registration and on every handshake.
func ParsePublicKey(pemBytes []byte) (PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	edKey, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an ed25519 key: %T", key)
	}
	return edKey, nil
}

// MarshalPublicKey encodes an ed25519 public key as PKIX PEM. Tests and the
// registration round-trip use it to produce key files.
func MarshalPublicKey(key PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Verify reports whether sig is a valid signature over message under key.
func Verify(key PublicKey, message, sig []byte) bool {
	if len(key) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(key, message, sig)
}
