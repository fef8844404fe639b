package wire

import (
	"encoding/base64"
	"strings"
)

// EncodeBase64URL encodes b with the URL-safe alphabet and no padding.
func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64URL reverses EncodeBase64URL. Trailing padding and the standard
// alphabet's '+' and '/' are tolerated so codes that went through a lossy
// share sheet still decode.
func DecodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	return base64.RawURLEncoding.DecodeString(s)
}

// IsBase64URL reports whether s is non-empty and uses only the URL-safe
// alphabet (plus optional trailing padding) with a decodable length.
func IsBase64URL(s string) bool {
	trimmed := strings.TrimRight(s, "=")
	if trimmed == "" {
		return false
	}
	for _, r := range trimmed {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	_, err := base64.RawURLEncoding.DecodeString(trimmed)
	return err == nil
}
