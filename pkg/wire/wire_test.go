package wire

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sentinal_errors "sentinal-convos/pkg/errors"
)

func TestHex_RoundTripAndPrefix(t *testing.T) {
	b := []byte{0x00, 0xab, 0xff}
	assert.Equal(t, "00abff", HexEncode(b))

	got, err := HexDecode("0x00ABFF")
	require.NoError(t, err)
	assert.Equal(t, b, got)

	assert.True(t, IsHex("deadbeef"))
	assert.False(t, IsHex("abc"))
	assert.False(t, IsHex(""))
	assert.False(t, IsHex("zz"))
}

func TestBase64URL_NoPaddingAndSafeAlphabet(t *testing.T) {
	// 0xfb 0xff encodes to "+/8=" in standard base64.
	b := []byte{0xfb, 0xff}
	s := EncodeBase64URL(b)
	assert.Equal(t, "-_8", s)
	assert.NotContains(t, s, "=")

	for _, in := range []string{"-_8", "-_8=", "+/8=", " -_8 "} {
		got, err := DecodeBase64URL(in)
		require.NoError(t, err, in)
		assert.Equal(t, b, got, in)
	}
}

func TestBase64URL_RoundTripRandom(t *testing.T) {
	for n := 0; n < 64; n++ {
		b := make([]byte, n)
		_, _ = rand.Read(b)
		got, err := DecodeBase64URL(EncodeBase64URL(b))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(b, got))
	}
}

func TestIsBase64URL(t *testing.T) {
	assert.True(t, IsBase64URL("abcd"))
	assert.True(t, IsBase64URL("ab-_"))
	assert.False(t, IsBase64URL(""))
	assert.False(t, IsBase64URL("hello world"))
	assert.False(t, IsBase64URL("ab+/"))
	assert.False(t, IsBase64URL("a"))
}

func TestCompress_RoundTrip(t *testing.T) {
	data := []byte(strings.Repeat("conversation-invite-", 40))

	c, ok := Compress(data)
	require.True(t, ok)
	assert.Less(t, len(c), len(data))
	assert.True(t, IsCompressed(c))
	assert.Equal(t, uint32(len(data)), binary.BigEndian.Uint32(c[1:5]))

	got, err := Decompress(c, DefaultMaxDecompressedSize, DefaultMaxCompressionRatio)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCompress_IncompressibleKeepsRaw(t *testing.T) {
	data := make([]byte, 48)
	_, _ = rand.Read(data)

	_, ok := Compress(data)
	assert.False(t, ok)

	_, ok = Compress(nil)
	assert.False(t, ok)
}

func TestDecompress_RejectsOversizeDeclaration(t *testing.T) {
	data := bytes.Repeat([]byte{'a'}, 4096)
	c, ok := Compress(data)
	require.True(t, ok)

	_, err := Decompress(c, 1024, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinal_errors.ErrDecompressionLimit))
	assert.Equal(t, sentinal_errors.KindCrypto, sentinal_errors.KindOf(err))
}

func TestDecompress_RejectsRatio(t *testing.T) {
	data := bytes.Repeat([]byte{0}, 64*1024)
	c, ok := Compress(data)
	require.True(t, ok)

	_, err := Decompress(c, 0, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinal_errors.ErrDecompressionLimit))
}

func TestDecompress_BombHeaderFailsWithoutInflating(t *testing.T) {
	// A forged header declaring 4 GiB over 3 bytes of garbage must be
	// rejected on the header alone.
	bomb := []byte{CompressionMarker, 0xff, 0xff, 0xff, 0xff, 1, 2, 3}
	_, err := Decompress(bomb, DefaultMaxDecompressedSize, DefaultMaxCompressionRatio)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinal_errors.ErrDecompressionLimit))
}

func TestDecompress_SizeMismatch(t *testing.T) {
	data := []byte(strings.Repeat("xyz", 100))
	c, ok := Compress(data)
	require.True(t, ok)

	tampered := append([]byte(nil), c...)
	binary.BigEndian.PutUint32(tampered[1:5], uint32(len(data)-1))
	_, err := Decompress(tampered, 0, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinal_errors.ErrMalformedInvite))

	binary.BigEndian.PutUint32(tampered[1:5], uint32(len(data)+1))
	_, err = Decompress(tampered, 0, 0)
	require.Error(t, err)
}

func TestDecompress_Malformed(t *testing.T) {
	for _, in := range [][]byte{nil, {CompressionMarker}, {0x0a, 0, 0, 0, 1, 1}} {
		_, err := Decompress(in, 0, 0)
		assert.Error(t, err)
	}
}
