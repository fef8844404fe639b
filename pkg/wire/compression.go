package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/flate"

	sentinal_errors "sentinal-convos/pkg/errors"
)

const (
	// CompressionMarker prefixes compressed payloads. 0x1F is never a valid
	// first byte of a protobuf message (field 3, wire type 7), so raw and
	// compressed encodings cannot be confused.
	CompressionMarker byte = 0x1F

	compressionHeaderSize = 1 + 4

	DefaultMaxDecompressedSize = 1 << 20
	DefaultMaxCompressionRatio = 100
)

// Compress returns marker || uint32be(len(data)) || deflate(data). ok is
// false when the result would not be strictly smaller than data, in which
// case callers keep the raw bytes.
func Compress(data []byte) (out []byte, ok bool) {
	if len(data) == 0 || uint64(len(data)) > math.MaxUint32 {
		return nil, false
	}

	var buf bytes.Buffer
	buf.WriteByte(CompressionMarker)
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(data)))
	buf.Write(size[:])

	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, false
	}
	if _, err := w.Write(data); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}

	if buf.Len() >= len(data) {
		return nil, false
	}
	return buf.Bytes(), true
}

// IsCompressed reports whether data carries the compression marker.
func IsCompressed(data []byte) bool {
	return len(data) > 0 && data[0] == CompressionMarker
}

// Decompress inflates a Compress result. The declared size is checked
// against maxSize and maxRatio before anything is inflated, and the
// inflated length must match the declaration exactly.
func Decompress(data []byte, maxSize int, maxRatio int) ([]byte, error) {
	const op = "wire.Decompress"

	if len(data) <= compressionHeaderSize || data[0] != CompressionMarker {
		return nil, sentinal_errors.E(sentinal_errors.KindCrypto, op, sentinal_errors.ErrMalformedInvite)
	}
	declared := uint64(binary.BigEndian.Uint32(data[1:compressionHeaderSize]))
	compressed := data[compressionHeaderSize:]

	if maxSize > 0 && declared > uint64(maxSize) {
		return nil, sentinal_errors.E(sentinal_errors.KindCrypto, op,
			fmt.Errorf("%w: declared size %d exceeds %d", sentinal_errors.ErrDecompressionLimit, declared, maxSize))
	}
	if maxRatio > 0 && declared > uint64(maxRatio)*uint64(len(compressed)) {
		return nil, sentinal_errors.E(sentinal_errors.KindCrypto, op,
			fmt.Errorf("%w: ratio %d:%d exceeds %d", sentinal_errors.ErrDecompressionLimit, declared, len(compressed), maxRatio))
	}

	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()

	out := make([]byte, 0, declared)
	buf := bytes.NewBuffer(out)
	// One extra byte so an over-long stream is detected rather than truncated.
	n, err := io.Copy(buf, io.LimitReader(r, int64(declared)+1))
	if err != nil {
		return nil, sentinal_errors.E(sentinal_errors.KindCrypto, op, fmt.Errorf("%w: %v", sentinal_errors.ErrMalformedInvite, err))
	}
	if uint64(n) != declared {
		return nil, sentinal_errors.E(sentinal_errors.KindCrypto, op,
			fmt.Errorf("%w: inflated %d bytes, declared %d", sentinal_errors.ErrMalformedInvite, n, declared))
	}
	return buf.Bytes(), nil
}
