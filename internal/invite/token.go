// Package invite implements the shareable conversation invite: an encrypted
// conversation token bound to its creator, wrapped in a signed, compressed,
// URL-safe envelope.
package invite

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	sentinal_errors "sentinal-convos/pkg/errors"
)

const (
	TokenVersion byte = 1

	identifierUUID   byte = 0x01
	identifierString byte = 0x02

	// MaxStringIdentifierLength bounds non-UUID conversation ids.
	MaxStringIdentifierLength = 255

	// UUIDTokenSize is the fixed encoded size of a token carrying a UUID.
	UUIDTokenSize = 1 + chacha20poly1305.NonceSize + chacha20poly1305.Overhead + 1 + 16

	minTokenSize = 1 + chacha20poly1305.NonceSize + chacha20poly1305.Overhead + 2

	tokenKeyInfo = "convos/invite-token/v1"
)

// EncodeConversationToken encrypts conversationID so that only the holder of
// privateKey can recover it, and only when decoding under the same
// creatorInboxID. The layout is [version:1][nonce:12][AEAD(kind:1 || identifier)]
// with AAD = version || creatorInboxID.
func EncodeConversationToken(conversationID, creatorInboxID string, privateKey []byte) ([]byte, error) {
	const op = "invite.EncodeConversationToken"

	plaintext, err := packIdentifier(conversationID)
	if err != nil {
		return nil, sentinal_errors.E(sentinal_errors.KindCrypto, op, err)
	}
	aead, err := tokenCipher(privateKey)
	if err != nil {
		return nil, sentinal_errors.E(sentinal_errors.KindCrypto, op, err)
	}

	out := make([]byte, 1+chacha20poly1305.NonceSize, 1+chacha20poly1305.NonceSize+len(plaintext)+aead.Overhead())
	out[0] = TokenVersion
	nonce := out[1:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, sentinal_errors.E(sentinal_errors.KindCrypto, op, fmt.Errorf("read nonce: %w", err))
	}
	return aead.Seal(out, nonce, plaintext, tokenAAD(TokenVersion, creatorInboxID)), nil
}

// DecodeConversationToken reverses EncodeConversationToken. Every failure is
// a crypto error; a wrong key and a wrong creator are indistinguishable.
func DecodeConversationToken(token []byte, creatorInboxID string, privateKey []byte) (string, error) {
	const op = "invite.DecodeConversationToken"

	if len(token) < minTokenSize {
		return "", sentinal_errors.E(sentinal_errors.KindCrypto, op, sentinal_errors.ErrTokenTooShort)
	}
	if token[0] != TokenVersion {
		return "", sentinal_errors.E(sentinal_errors.KindCrypto, op, sentinal_errors.ErrUnsupportedVersion)
	}
	aead, err := tokenCipher(privateKey)
	if err != nil {
		return "", sentinal_errors.E(sentinal_errors.KindCrypto, op, err)
	}

	nonce := token[1 : 1+chacha20poly1305.NonceSize]
	sealed := token[1+chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, tokenAAD(token[0], creatorInboxID))
	if err != nil {
		return "", sentinal_errors.E(sentinal_errors.KindCrypto, op, sentinal_errors.ErrDecryptionFailed)
	}

	id, err := unpackIdentifier(plaintext)
	if err != nil {
		return "", sentinal_errors.E(sentinal_errors.KindCrypto, op, err)
	}
	return id, nil
}

func tokenCipher(privateKey []byte) (cipher.AEAD, error) {
	if len(privateKey) == 0 {
		return nil, sentinal_errors.ErrInvalidKey
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, privateKey, nil, []byte(tokenKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	return chacha20poly1305.New(key)
}

func tokenAAD(version byte, creatorInboxID string) []byte {
	aad := make([]byte, 0, 1+len(creatorInboxID))
	aad = append(aad, version)
	return append(aad, creatorInboxID...)
}

// packIdentifier stores canonical 36-character UUIDs in 16 bytes and
// anything else as a length-prefixed string.
func packIdentifier(id string) ([]byte, error) {
	if id == "" {
		return nil, sentinal_errors.ErrInvalidInput
	}
	if len(id) == 36 {
		if u, err := uuid.Parse(id); err == nil {
			return append([]byte{identifierUUID}, u[:]...), nil
		}
	}
	if len(id) > MaxStringIdentifierLength {
		return nil, fmt.Errorf("%w: identifier is %d bytes, max %d", sentinal_errors.ErrInputTooLarge, len(id), MaxStringIdentifierLength)
	}
	out := make([]byte, 0, 2+len(id))
	out = append(out, identifierString, byte(len(id)))
	return append(out, id...), nil
}

func unpackIdentifier(b []byte) (string, error) {
	if len(b) < 2 {
		return "", sentinal_errors.ErrMalformedInvite
	}
	switch b[0] {
	case identifierUUID:
		if len(b) != 17 {
			return "", sentinal_errors.ErrMalformedInvite
		}
		u, err := uuid.FromBytes(b[1:])
		if err != nil {
			return "", sentinal_errors.ErrMalformedInvite
		}
		return strings.ToLower(u.String()), nil
	case identifierString:
		n := int(b[1])
		if n == 0 || len(b) != 2+n {
			return "", sentinal_errors.ErrMalformedInvite
		}
		return string(b[2:]), nil
	default:
		return "", sentinal_errors.ErrMalformedInvite
	}
}
