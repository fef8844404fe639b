package invite

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"sentinal-convos/internal/keys"
	sentinal_errors "sentinal-convos/pkg/errors"
	"sentinal-convos/pkg/wire"
)

const (
	fieldEnvelopePayload   protowire.Number = 1
	fieldEnvelopeSignature protowire.Number = 2
)

// Limits bound how far an untrusted invite code may expand.
type Limits struct {
	MaxDecompressedSize int
	MaxCompressionRatio int
}

func DefaultLimits() Limits {
	return Limits{
		MaxDecompressedSize: wire.DefaultMaxDecompressedSize,
		MaxCompressionRatio: wire.DefaultMaxCompressionRatio,
	}
}

// SignedInvite is a payload plus the 65-byte recoverable signature over its
// exact serialized bytes.
type SignedInvite struct {
	Payload      Payload
	PayloadBytes []byte
	Signature    []byte
}

// Params describe a new invite for a conversation.
type Params struct {
	ConversationID        string
	CreatorInboxID        string
	Tag                   string
	Name                  string
	Description           string
	ImageURL              string
	ConversationExpiresAt time.Time
	ExpiresAt             time.Time
	ExpiresAfterUse       bool
}

// Create encrypts the conversation id under key, bound to the creator, and
// signs the resulting payload with the same key.
func Create(p Params, key *keys.PrivateKey) (*SignedInvite, error) {
	if key == nil {
		return nil, sentinal_errors.E(sentinal_errors.KindCrypto, "invite.Create", sentinal_errors.ErrInvalidKey)
	}
	creator, err := wire.HexDecode(p.CreatorInboxID)
	if err != nil || len(creator) == 0 {
		return nil, sentinal_errors.E(sentinal_errors.KindCrypto, "invite.Create",
			fmt.Errorf("%w: creator inbox id must be hex", sentinal_errors.ErrInvalidInput))
	}
	// The token is bound to the same canonical form the payload carries.
	creatorID := wire.HexEncode(creator)
	token, err := EncodeConversationToken(p.ConversationID, creatorID, key.Bytes())
	if err != nil {
		return nil, err
	}
	return Sign(Payload{
		ConversationToken:     token,
		CreatorInboxID:        creatorID,
		Tag:                   p.Tag,
		Name:                  p.Name,
		Description:           p.Description,
		ImageURL:              p.ImageURL,
		ConversationExpiresAt: p.ConversationExpiresAt,
		ExpiresAt:             p.ExpiresAt,
		ExpiresAfterUse:       p.ExpiresAfterUse,
	}, key)
}

// Sign serializes p and signs the serialized bytes.
func Sign(p Payload, key *keys.PrivateKey) (*SignedInvite, error) {
	const op = "invite.Sign"
	b, err := p.MarshalBinary()
	if err != nil {
		return nil, sentinal_errors.E(sentinal_errors.KindCrypto, op, err)
	}
	// Normalize through a decode so Payload matches exactly what was signed.
	var normalized Payload
	if err := normalized.UnmarshalBinary(b); err != nil {
		return nil, sentinal_errors.E(sentinal_errors.KindCrypto, op, err)
	}
	return &SignedInvite{
		Payload:      normalized,
		PayloadBytes: b,
		Signature:    key.Sign(b),
	}, nil
}

// RecoverSigner returns the uncompressed public key of whoever signed the
// payload bytes.
func (s *SignedInvite) RecoverSigner() ([]byte, error) {
	return keys.RecoverPublicKey(s.PayloadBytes, s.Signature)
}

// SignedBy reports whether publicKey produced the signature.
func (s *SignedInvite) SignedBy(publicKey []byte) bool {
	pub, err := s.RecoverSigner()
	if err != nil {
		return false
	}
	return bytes.Equal(pub, publicKey)
}

// ConversationID decrypts the embedded token. Only the creator, holding the
// signing key, can do this.
func (s *SignedInvite) ConversationID(key *keys.PrivateKey) (string, error) {
	if key == nil {
		return "", sentinal_errors.E(sentinal_errors.KindCrypto, "invite.ConversationID", sentinal_errors.ErrInvalidKey)
	}
	return DecodeConversationToken(s.Payload.ConversationToken, s.Payload.CreatorInboxID, key.Bytes())
}

// Encode returns the shareable code: compressed when that is smaller,
// base64url without padding.
func (s *SignedInvite) Encode() string {
	return s.encode(true)
}

func (s *SignedInvite) encode(allowCompression bool) string {
	raw := s.marshal()
	if allowCompression {
		if c, ok := wire.Compress(raw); ok {
			return wire.EncodeBase64URL(c)
		}
	}
	return wire.EncodeBase64URL(raw)
}

func (s *SignedInvite) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldEnvelopePayload, protowire.BytesType)
	b = protowire.AppendBytes(b, s.PayloadBytes)
	b = protowire.AppendTag(b, fieldEnvelopeSignature, protowire.BytesType)
	return protowire.AppendBytes(b, s.Signature)
}

// Decode parses a code in either raw or compressed form. It checks structure
// and signature length only; callers verify the signer.
func Decode(code string, limits Limits) (*SignedInvite, error) {
	const op = "invite.Decode"

	b, err := wire.DecodeBase64URL(code)
	if err != nil || len(b) == 0 {
		return nil, sentinal_errors.E(sentinal_errors.KindCrypto, op, sentinal_errors.ErrMalformedInvite)
	}
	if wire.IsCompressed(b) {
		b, err = wire.Decompress(b, limits.MaxDecompressedSize, limits.MaxCompressionRatio)
		if err != nil {
			return nil, sentinal_errors.E(sentinal_errors.KindCrypto, op, err)
		}
	}

	s, err := unmarshalEnvelope(b)
	if err != nil {
		return nil, sentinal_errors.E(sentinal_errors.KindCrypto, op, err)
	}
	return s, nil
}

func unmarshalEnvelope(b []byte) (*SignedInvite, error) {
	var s SignedInvite
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed(protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType || (num != fieldEnvelopePayload && num != fieldEnvelopeSignature) {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed(protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, malformed(protowire.ParseError(n))
		}
		b = b[n:]
		if num == fieldEnvelopePayload {
			s.PayloadBytes = append([]byte(nil), v...)
		} else {
			s.Signature = append([]byte(nil), v...)
		}
	}

	if len(s.PayloadBytes) == 0 {
		return nil, malformed(fmt.Errorf("missing payload"))
	}
	if len(s.Signature) != keys.SignatureSize {
		return nil, sentinal_errors.ErrInvalidSignatureLength
	}
	if err := s.Payload.UnmarshalBinary(s.PayloadBytes); err != nil {
		return nil, err
	}
	return &s, nil
}

// LooksLikeInviteCode reports whether s is base64url and parses as an invite
// envelope. Plain text that happens to use the alphabet is rejected.
func LooksLikeInviteCode(s string) bool {
	s = strings.TrimSpace(s)
	if !wire.IsBase64URL(s) {
		return false
	}
	_, err := Decode(s, DefaultLimits())
	return err == nil
}

// ExtractCode accepts a bare code or a share URL, either
// https://host/path?i=<code> or https://host/<code>.
func ExtractCode(input string) string {
	input = strings.TrimSpace(input)
	u, err := url.Parse(input)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return input
	}
	if code := u.Query().Get("i"); code != "" {
		return code
	}
	last := path.Base(u.Path)
	if last == "/" || last == "." {
		return ""
	}
	return last
}

// ShareURL renders code as a link under base. An empty base yields the bare
// code.
func ShareURL(base, code string) string {
	if base == "" {
		return code
	}
	u, err := url.Parse(base)
	if err != nil {
		return code
	}
	q := u.Query()
	q.Set("i", code)
	u.RawQuery = q.Encode()
	return u.String()
}
