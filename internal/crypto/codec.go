package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// KeySize is the length in bytes of an AES-256 key, a PBKDF2 salt doubled,
// or any other 32-byte secret handled by this package.
const KeySize = 32

// SaltSize is the length in bytes of a PBKDF2 salt (encryption or validation).
const SaltSize = 16

// IVSize is the length in bytes of a GCM nonce.
const IVSize = 12

// encodeBase64 encodes bytes as URL-safe base64 with no padding, per the
// wire format used for every field in the note/file data model.
func encodeBase64(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// decodeBase64 decodes a URL-safe base64 string, restoring the padding the
// unpadded wire format strips and rejecting any character outside the
// URL-safe alphabet.
func decodeBase64(s string) ([]byte, error) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return nil, fmt.Errorf("invalid base64url character %q at position %d", c, i)
		}
	}

	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64url string: %w", err)
	}
	return data, nil
}

// randomBytes returns n cryptographically random bytes from the platform
// CSPRNG. There is no fallback: a read failure is always a fatal error for
// the caller, never silently degraded entropy.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// EncodeToken encodes bytes as URL-safe base64 for external consumption
// (IDs, ciphertexts, salts, tokens).
func EncodeToken(data []byte) string {
	return encodeBase64(data)
}

// DecodeToken decodes a URL-safe base64 token, rejecting malformed input.
func DecodeToken(s string) ([]byte, error) {
	return decodeBase64(s)
}

// RandomBytes exposes randomBytes for callers outside this package that
// need raw CSPRNG output (e.g. minting download tokens).
func RandomBytes(n int) ([]byte, error) {
	return randomBytes(n)
}
