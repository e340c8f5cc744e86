package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// MinPBKDF2Iterations is the floor enforced on any stored kdf_iterations
// value. Passphrase records below this are rejected at creation.
const MinPBKDF2Iterations = 210_000

// DefaultPBKDF2Iterations is used when a client doesn't pin a higher count.
const DefaultPBKDF2Iterations = 210_000

// PassphraseMaterial holds everything derived from one user passphrase in
// passphrase mode. EncryptionKey never leaves the client that computed it;
// ValidationHash is the only derivative the server ever sees.
type PassphraseMaterial struct {
	EncryptionSalt  []byte
	ValidationSalt  []byte
	Iterations      int
	EncryptionKey   []byte
	ValidationHash  []byte
}

// DeriveEncryptionKey derives the AES-256 key for passphrase mode from the
// passphrase and the encryption_salt, never the validation_salt.
func DeriveEncryptionKey(passphrase string, encryptionSalt []byte, iterations int) ([]byte, error) {
	if len(encryptionSalt) != SaltSize {
		return nil, fmt.Errorf("encryption salt must be %d bytes, got %d", SaltSize, len(encryptionSalt))
	}
	if iterations < MinPBKDF2Iterations {
		return nil, fmt.Errorf("iterations %d below floor %d", iterations, MinPBKDF2Iterations)
	}
	return pbkdf2.Key([]byte(passphrase), encryptionSalt, iterations, KeySize, sha256.New), nil
}

// DeriveValidationHash derives the server-side comparison hash from the
// passphrase and the validation_salt, an output that is cryptographically
// independent of DeriveEncryptionKey because the two salts are distinct.
func DeriveValidationHash(passphrase string, validationSalt []byte, iterations int) ([]byte, error) {
	if len(validationSalt) != SaltSize {
		return nil, fmt.Errorf("validation salt must be %d bytes, got %d", SaltSize, len(validationSalt))
	}
	if iterations < MinPBKDF2Iterations {
		return nil, fmt.Errorf("iterations %d below floor %d", iterations, MinPBKDF2Iterations)
	}
	return pbkdf2.Key([]byte(passphrase), validationSalt, iterations, KeySize, sha256.New), nil
}

// NewPassphraseMaterial generates two independent salts and derives both
// outputs from a single passphrase. This is the create-path entry point for
// passphrase mode (C3): the caller persists EncryptionSalt, ValidationSalt,
// Iterations, and base64(ValidationHash); EncryptionKey is used locally to
// encrypt and then discarded.
func NewPassphraseMaterial(passphrase string, iterations int) (*PassphraseMaterial, error) {
	if iterations < MinPBKDF2Iterations {
		iterations = DefaultPBKDF2Iterations
	}

	encSalt, err := randomBytes(SaltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate encryption salt: %w", err)
	}
	valSalt, err := randomBytes(SaltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate validation salt: %w", err)
	}

	// Salts must be drawn independently, never derived from one another —
	// reusing one salt with a domain separator would let the server-visible
	// validation_hash/validation_salt pair narrow the search space for the
	// encryption key.
	if subtle.ConstantTimeCompare(encSalt, valSalt) == 1 {
		return nil, fmt.Errorf("encryption salt and validation salt collided, refusing to proceed")
	}

	encKey, err := DeriveEncryptionKey(passphrase, encSalt, iterations)
	if err != nil {
		return nil, err
	}
	valHash, err := DeriveValidationHash(passphrase, valSalt, iterations)
	if err != nil {
		return nil, err
	}

	return &PassphraseMaterial{
		EncryptionSalt: encSalt,
		ValidationSalt: valSalt,
		Iterations:     iterations,
		EncryptionKey:  encKey,
		ValidationHash: valHash,
	}, nil
}

// CompareValidationHash performs a constant-time comparison of a
// server-stored passphrase_hash against a freshly derived candidate,
// avoiding a timing oracle on the comparison itself.
func CompareValidationHash(stored, candidate []byte) bool {
	if len(stored) != len(candidate) {
		return false
	}
	return subtle.ConstantTimeCompare(stored, candidate) == 1
}
