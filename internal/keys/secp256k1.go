// Package keys holds the secp256k1 identity key used to sign invites and to
// derive invite token keys.
package keys

import (
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	sentinal_errors "sentinal-convos/pkg/errors"
)

const (
	PrivateKeySize = 32
	// SignatureSize is r || s || recovery id.
	SignatureSize = 65

	// Compact signatures from the curve library carry 27+v as a leading
	// header byte (uncompressed form).
	compactHeaderBase = 27
)

type PrivateKey struct {
	key *secp256k1.PrivateKey
}

func Generate() (*PrivateKey, error) {
	k, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate secp256k1 key: %w", err)
	}
	return &PrivateKey{key: k}, nil
}

// FromBytes parses a raw 32-byte scalar.
func FromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != PrivateKeySize {
		return nil, sentinal_errors.E(sentinal_errors.KindCrypto, "keys.FromBytes", sentinal_errors.ErrInvalidKey)
	}
	k := secp256k1.PrivKeyFromBytes(b)
	if k.Key.IsZero() {
		return nil, sentinal_errors.E(sentinal_errors.KindCrypto, "keys.FromBytes", sentinal_errors.ErrInvalidKey)
	}
	return &PrivateKey{key: k}, nil
}

func (k *PrivateKey) Bytes() []byte {
	return k.key.Serialize()
}

// PublicKey returns the 65-byte uncompressed public key.
func (k *PrivateKey) PublicKey() []byte {
	return k.key.PubKey().SerializeUncompressed()
}

// Sign hashes message with SHA-256 and returns a 65-byte recoverable
// signature laid out as r || s || v with v in [0,3].
func (k *PrivateKey) Sign(message []byte) []byte {
	digest := sha256.Sum256(message)
	compact := ecdsa.SignCompact(k.key, digest[:], false)
	// compact is header || r || s; move the recovery id to the tail.
	sig := make([]byte, SignatureSize)
	copy(sig, compact[1:])
	sig[64] = compact[0] - compactHeaderBase
	return sig
}

// RecoverPublicKey returns the uncompressed public key that produced sig
// over message. A signature over different bytes recovers a different key
// or fails.
func RecoverPublicKey(message, sig []byte) ([]byte, error) {
	const op = "keys.RecoverPublicKey"
	if len(sig) != SignatureSize {
		return nil, sentinal_errors.E(sentinal_errors.KindCrypto, op, sentinal_errors.ErrInvalidSignatureLength)
	}
	v := sig[64]
	if v > 3 {
		return nil, sentinal_errors.E(sentinal_errors.KindCrypto, op, sentinal_errors.ErrInvalidSignature)
	}
	compact := make([]byte, SignatureSize)
	compact[0] = compactHeaderBase + v
	copy(compact[1:], sig[:64])

	digest := sha256.Sum256(message)
	pub, _, err := ecdsa.RecoverCompact(compact, digest[:])
	if err != nil {
		return nil, sentinal_errors.E(sentinal_errors.KindCrypto, op, fmt.Errorf("%w: %v", sentinal_errors.ErrInvalidSignature, err))
	}
	return pub.SerializeUncompressed(), nil
}

// ParsePublicKey validates a serialized (compressed or uncompressed) key and
// returns its uncompressed form.
func ParsePublicKey(b []byte) ([]byte, error) {
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, sentinal_errors.E(sentinal_errors.KindCrypto, "keys.ParsePublicKey", err)
	}
	return pub.SerializeUncompressed(), nil
}
