// Package wire holds the byte-level helpers the invite format is built on:
// hex, padding-free URL-safe base64 and size-bounded deflate.
package wire

import (
	"encoding/hex"
	"strings"
)

// HexEncode returns the lowercase hex form of b.
func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// HexDecode accepts upper or lower case and an optional 0x prefix.
func HexDecode(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}

// IsHex reports whether s decodes as hex (0x prefix allowed, even length).
func IsHex(s string) bool {
	if s == "" {
		return false
	}
	_, err := HexDecode(s)
	return err == nil
}
