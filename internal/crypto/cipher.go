package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// tagSize is the length in bytes of the GCM authentication tag AES-GCM
// appends to every Seal output.
const tagSize = 16

// AuthError wraps a GCM authentication failure. Callers distinguish it from
// infrastructure errors with errors.As so the reveal path can surface a
// single "decryption failed" message class rather than leaking which part
// of the pipeline rejected the ciphertext.
type AuthError struct {
	err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("authentication failed: %v", e.err) }
func (e *AuthError) Unwrap() error { return e.err }

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// EncryptBytes performs AES-256-GCM encryption of an arbitrary-length
// plaintext (the note ciphertext path, C2). It generates a fresh random IV
// and uses no additional authenticated data.
func EncryptBytes(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	iv, err = randomBytes(IVSize)
	if err != nil {
		return nil, nil, err
	}
	ciphertext = gcm.Seal(nil, iv, plaintext, nil)
	return iv, ciphertext, nil
}

// DecryptBytes is the inverse of EncryptBytes. A GCM tag mismatch is
// returned as *AuthError, never silently as a different error class.
func DecryptBytes(key, iv, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", IVSize, len(iv))
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, &AuthError{err: err}
	}
	return plaintext, nil
}

// EncryptFileWhole has an identical contract to EncryptBytes; iv_base for a
// whole-file record is just the IV used here.
func EncryptFileWhole(key, plaintext []byte) (ivBase, ciphertext []byte, err error) {
	return EncryptBytes(key, plaintext)
}

// DecryptFileWhole is the inverse of EncryptFileWhole.
func DecryptFileWhole(key, ivBase, ciphertext []byte) ([]byte, error) {
	return DecryptBytes(key, ivBase, ciphertext)
}

// EncryptFilename encrypts the original filename under the content
// encryption key with its own fresh IV, independent of the content IV.
// Decryption of the result is an explicit client gesture (see
// SPEC_FULL.md's Open Question decision); the server never performs it.
func EncryptFilename(key []byte, filename string) (iv, encryptedFilename []byte, err error) {
	return EncryptBytes(key, []byte(filename))
}

// DecryptFilename is the inverse of EncryptFilename.
func DecryptFilename(key, iv, encryptedFilename []byte) (string, error) {
	plaintext, err := DecryptBytes(key, iv, encryptedFilename)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
