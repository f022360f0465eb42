package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashPrefix is the optional algorithm prefix carried by digests at rest.
const HashPrefix = "sha256:"

// Hash returns the lowercase hex SHA-256 digest of the canonical encoding.
func Hash(v Value) string {
	return HashBytes(Canonicalize(v))
}

// HashAny converts v through FromAny and hashes the result.
func HashAny(v any) (string, error) {
	cv, err := FromAny(v)
	if err != nil {
		return "", err
	}
	return Hash(cv), nil
}

// HashBytes returns the lowercase hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// WithPrefix returns the digest with the sha256: prefix, adding it if absent.
func WithPrefix(digest string) string {
	if strings.HasPrefix(digest, HashPrefix) {
		return digest
	}
	return HashPrefix + digest
}

// StripPrefix returns the bare hex digest, removing the sha256: prefix if present.
func StripPrefix(digest string) string {
	return strings.TrimPrefix(digest, HashPrefix)
}

// DigestsEqual compares two digests ignoring the optional prefix.
func DigestsEqual(a, b string) bool {
	return StripPrefix(a) == StripPrefix(b)
}
