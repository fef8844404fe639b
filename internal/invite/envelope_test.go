package invite

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinal-convos/internal/keys"
	sentinal_errors "sentinal-convos/pkg/errors"
	"sentinal-convos/pkg/wire"
)

func newSigner(t *testing.T) *keys.PrivateKey {
	t.Helper()
	k, err := keys.Generate()
	require.NoError(t, err)
	return k
}

func sampleInvite(t *testing.T, key *keys.PrivateKey, description string) *SignedInvite {
	t.Helper()
	inv, err := Create(Params{
		ConversationID: "11111111-1111-1111-1111-111111111111",
		CreatorInboxID: identityA,
		Tag:            "tag-1234",
		Name:           "Weekend plans",
		Description:    description,
		ImageURL:       "https://cdn.example.com/a.png",
	}, key)
	require.NoError(t, err)
	return inv
}

func TestEnvelope_EncodeDecodeRecoversSigner(t *testing.T) {
	key := newSigner(t)
	inv := sampleInvite(t, key, "")

	decoded, err := Decode(inv.Encode(), DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, inv.Payload, decoded.Payload)
	assert.True(t, decoded.SignedBy(key.PublicKey()))
	assert.False(t, decoded.SignedBy(newSigner(t).PublicKey()))

	id, err := decoded.ConversationID(key)
	require.NoError(t, err)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", id)

	_, err = decoded.ConversationID(newSigner(t))
	assert.True(t, errors.Is(err, sentinal_errors.ErrCrypto))
}

func TestEnvelope_PayloadMutationInvalidatesSignature(t *testing.T) {
	key := newSigner(t)
	inv := sampleInvite(t, key, "")

	for i := range inv.PayloadBytes {
		mutated := *inv
		mutated.PayloadBytes = append([]byte(nil), inv.PayloadBytes...)
		mutated.PayloadBytes[i] ^= 0x01
		assert.False(t, mutated.SignedBy(key.PublicKey()), "byte %d", i)
	}
}

func TestEnvelope_RawAndCompressedFormsBothDecode(t *testing.T) {
	key := newSigner(t)
	inv := sampleInvite(t, key, strings.Repeat("bring snacks and a jacket. ", 30))

	compressed := inv.Encode()
	raw := inv.encode(false)
	assert.Less(t, len(compressed), len(raw))

	b, err := wire.DecodeBase64URL(compressed)
	require.NoError(t, err)
	assert.True(t, wire.IsCompressed(b))

	for _, code := range []string{compressed, raw} {
		decoded, err := Decode(code, DefaultLimits())
		require.NoError(t, err)
		assert.Equal(t, inv.Payload, decoded.Payload)
		assert.True(t, decoded.SignedBy(key.PublicKey()))
	}
}

func TestEnvelope_ShortInviteStaysRaw(t *testing.T) {
	inv := sampleInvite(t, newSigner(t), "")
	b, err := wire.DecodeBase64URL(inv.Encode())
	require.NoError(t, err)
	assert.False(t, wire.IsCompressed(b))
	assert.NotContains(t, inv.Encode(), "=")
}

func TestEnvelope_DecodeRejectsBombs(t *testing.T) {
	inv := sampleInvite(t, newSigner(t), strings.Repeat("a", 8000))
	code := inv.Encode()

	_, err := Decode(code, Limits{MaxDecompressedSize: 1024, MaxCompressionRatio: 100})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinal_errors.ErrDecompressionLimit))

	bomb := wire.EncodeBase64URL([]byte{wire.CompressionMarker, 0x7f, 0xff, 0xff, 0xff, 0x01, 0x02})
	_, err = Decode(bomb, DefaultLimits())
	assert.True(t, errors.Is(err, sentinal_errors.ErrDecompressionLimit))
}

func TestEnvelope_BadSignatureLength(t *testing.T) {
	inv := sampleInvite(t, newSigner(t), "")
	inv.Signature = inv.Signature[:64]

	_, err := Decode(inv.encode(false), DefaultLimits())
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinal_errors.ErrInvalidSignatureLength))
}

func TestLooksLikeInviteCode(t *testing.T) {
	inv := sampleInvite(t, newSigner(t), "")
	assert.True(t, LooksLikeInviteCode(inv.Encode()))

	for _, s := range []string{"", "hello", "test", "abcd1234", "see you at noon", "ok_then-ok"} {
		assert.False(t, LooksLikeInviteCode(s), s)
	}
}

func TestExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := Payload{}
	assert.False(t, p.IsExpired(now))
	assert.False(t, p.IsConversationExpired(now))

	p.ExpiresAt = now.Add(-time.Second)
	p.ConversationExpiresAt = now.Add(time.Hour)
	assert.True(t, p.IsExpired(now))
	assert.False(t, p.IsConversationExpired(now))
}

func TestExpiryTimestampsSurviveEncoding(t *testing.T) {
	key := newSigner(t)
	exp := time.Unix(1_800_000_000, 0).UTC()
	inv, err := Create(Params{
		ConversationID:  "conv-1",
		CreatorInboxID:  identityA,
		Tag:             "t",
		ExpiresAt:       exp,
		ExpiresAfterUse: true,
	}, key)
	require.NoError(t, err)

	decoded, err := Decode(inv.Encode(), DefaultLimits())
	require.NoError(t, err)
	assert.True(t, decoded.Payload.ExpiresAt.Equal(exp))
	assert.True(t, decoded.Payload.ConversationExpiresAt.IsZero())
	assert.True(t, decoded.Payload.ExpiresAfterUse)
}

func TestCreate_RejectsNonHexCreator(t *testing.T) {
	_, err := Create(Params{ConversationID: "c", CreatorInboxID: "not-hex", Tag: "t"}, newSigner(t))
	assert.True(t, errors.Is(err, sentinal_errors.ErrInvalidInput))
}

func TestExtractCodeAndShareURL(t *testing.T) {
	assert.Equal(t, "abc-_", ExtractCode("  abc-_ "))
	assert.Equal(t, "abc", ExtractCode("https://convos.example/v2?i=abc"))
	assert.Equal(t, "abc", ExtractCode("https://convos.example/abc"))
	assert.Equal(t, "", ExtractCode("https://convos.example/"))

	link := ShareURL("https://convos.example/v2", "abc-_")
	assert.Equal(t, "https://convos.example/v2?i=abc-_", link)
	assert.Equal(t, "abc-_", ExtractCode(link))
	assert.Equal(t, "abc", ShareURL("", "abc"))
}
