package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	salt, err := randomBytes(SaltSize)
	require.NoError(t, err)

	k1, err := DeriveEncryptionKey("correct horse", salt, MinPBKDF2Iterations)
	require.NoError(t, err)
	k2, err := DeriveEncryptionKey("correct horse", salt, MinPBKDF2Iterations)
	require.NoError(t, err)

	assert.Equal(t, k1, k2, "same passphrase/salt/iterations must derive bit-identical output")
	assert.Len(t, k1, KeySize)
}

func TestDeriveKey_IterationFloorEnforced(t *testing.T) {
	salt, err := randomBytes(SaltSize)
	require.NoError(t, err)

	_, err = DeriveEncryptionKey("x", salt, MinPBKDF2Iterations-1)
	assert.Error(t, err)
}

func TestNewPassphraseMaterial_SaltsIndependent(t *testing.T) {
	m, err := NewPassphraseMaterial("hunter2", 0)
	require.NoError(t, err)

	assert.Len(t, m.EncryptionSalt, SaltSize)
	assert.Len(t, m.ValidationSalt, SaltSize)
	assert.NotEqual(t, m.EncryptionSalt, m.ValidationSalt)
	assert.Equal(t, DefaultPBKDF2Iterations, m.Iterations)

	// The validation hash must not be recoverable from the encryption key's
	// derivation path: re-deriving under the *other* salt must not match.
	crossed, err := DeriveEncryptionKey("hunter2", m.ValidationSalt, m.Iterations)
	require.NoError(t, err)
	assert.NotEqual(t, m.EncryptionKey, crossed)
}

func TestValidatePassphrase_WrongThenRight(t *testing.T) {
	m, err := NewPassphraseMaterial("correct horse battery staple", 0)
	require.NoError(t, err)

	wrong, err := DeriveValidationHash("wrong guess", m.ValidationSalt, m.Iterations)
	require.NoError(t, err)
	assert.False(t, CompareValidationHash(m.ValidationHash, wrong))

	right, err := DeriveValidationHash("correct horse battery staple", m.ValidationSalt, m.Iterations)
	require.NoError(t, err)
	assert.True(t, CompareValidationHash(m.ValidationHash, right))
}

func TestCompareValidationHash_LengthMismatch(t *testing.T) {
	assert.False(t, CompareValidationHash([]byte("short"), []byte("a-different-length-value")))
}
