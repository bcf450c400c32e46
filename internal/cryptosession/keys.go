// Package cryptosession implements the per-session key agreement and frame
// cipher described in spec.md §4.2: a single X25519 ECDH exchange seeds an
// AES-128-CBC session key.
package cryptosession

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// keyDerivationSuffix is mixed into the shared secret before truncation to
// the 128-bit session key, matching the wire protocol's fixed label.
const keyDerivationSuffix = "SpearIT-K9Dev"

var (
	// ErrKeyGenerationFailed indicates local X25519 key generation failed.
	ErrKeyGenerationFailed = errors.New("cryptosession: key generation failed")
	// ErrInvalidPublicKey indicates a peer public key was malformed.
	ErrInvalidPublicKey = errors.New("cryptosession: invalid public key")
	// ErrECDHFailed indicates the ECDH exchange itself failed.
	ErrECDHFailed = errors.New("cryptosession: ECDH operation failed")
)

// KeySize is the AES-128 session key length in bytes.
const KeySize = 16

// IVSize is the CBC initialization vector length in bytes.
const IVSize = 16

// X25519Keypair is an ephemeral Curve25519 keypair used once per session.
type X25519Keypair struct {
	PublicKey  []byte // 32 bytes
	privateKey []byte // 32 bytes
}

// GenerateX25519Keypair generates a fresh ephemeral keypair for one
// handshake attempt.
func GenerateX25519Keypair() (*X25519Keypair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}

	return &X25519Keypair{
		PublicKey:  pub,
		privateKey: priv,
	}, nil
}

// GenerateIV returns a fresh random 16-byte CBC initialization vector.
func GenerateIV() ([IVSize]byte, error) {
	var iv [IVSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return iv, fmt.Errorf("%w: failed to generate IV: %v", ErrKeyGenerationFailed, err)
	}
	return iv, nil
}

// DeriveSessionKey performs the X25519 exchange against peerPublicKey and
// derives the 128-bit AES session key as SHA-256(shared || suffix)[:16].
// The exchange is constant-time per RFC 7748; a low-order peer point is
// rejected rather than yielding an all-zero secret.
func (kp *X25519Keypair) DeriveSessionKey(peerPublicKey []byte) ([KeySize]byte, error) {
	var key [KeySize]byte

	if len(peerPublicKey) != curve25519.PointSize {
		return key, fmt.Errorf("%w: peer public key must be %d bytes, got %d", ErrInvalidPublicKey, curve25519.PointSize, len(peerPublicKey))
	}

	shared, err := curve25519.X25519(kp.privateKey, peerPublicKey)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrECDHFailed, err)
	}

	digest := sha256.Sum256(append(shared, []byte(keyDerivationSuffix)...))
	copy(key[:], digest[:KeySize])
	return key, nil
}
