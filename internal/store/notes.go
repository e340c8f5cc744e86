package store

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PassphraseFields is the optional quartet of passphrase-mode columns,
// shared by notes and files. All four are nil together (link-with-key
// mode) or all populated together (passphrase mode) — never a partial set.
type PassphraseFields struct {
	EncryptionSalt []byte
	ValidationSalt []byte
	KDFIterations  int
	PassphraseHash []byte
}

// CreateNote inserts a new note and returns its id. views must be in
// [MinViews, MaxViews] and expiresAt within MaxExpiryHorizon of now.
func (s *Store) CreateNote(ctx context.Context, ciphertext, iv []byte, expiresAt time.Time, views int, pp *PassphraseFields) (string, error) {
	if views < MinViews || views > MaxViews {
		return "", fmt.Errorf("%w: views %d outside [%d, %d]", ErrValidation, views, MinViews, MaxViews)
	}
	now := time.Now()
	if expiresAt.Before(now) || expiresAt.After(now.Add(MaxExpiryHorizon)) {
		return "", fmt.Errorf("%w: expires_at outside configured horizon", ErrValidation)
	}

	note := Note{
		ID:         uuid.NewString(),
		Ciphertext: ciphertext,
		IV:         iv,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
		ViewsLeft:  views,
	}
	if pp != nil {
		if len(pp.EncryptionSalt) == 0 || len(pp.ValidationSalt) == 0 || len(pp.PassphraseHash) == 0 {
			return "", fmt.Errorf("%w: partial passphrase fields", ErrValidation)
		}
		if subtle.ConstantTimeCompare(pp.EncryptionSalt, pp.ValidationSalt) == 1 {
			return "", fmt.Errorf("%w: encryption_salt and validation_salt must differ", ErrValidation)
		}
		note.EncryptionSalt = pp.EncryptionSalt
		note.ValidationSalt = pp.ValidationSalt
		iterations := pp.KDFIterations
		note.KDFIterations = &iterations
		note.PassphraseHash = pp.PassphraseHash
	}

	const query = `
		INSERT INTO notes (id, ciphertext, iv, created_at, expires_at, views_left,
			encryption_salt, validation_salt, kdf_iterations, passphrase_hash)
		VALUES (:id, :ciphertext, :iv, :created_at, :expires_at, :views_left,
			:encryption_salt, :validation_salt, :kdf_iterations, :passphrase_hash)
	`
	if _, err := s.db.NamedExecContext(ctx, query, note); err != nil {
		return "", fmt.Errorf("failed to insert note: %w", err)
	}
	return note.ID, nil
}

// noteMeta is the subset of columns get_note_meta and validate_note_passphrase
// need without pulling ciphertext off the wire.
type noteMeta struct {
	ValidationSalt []byte `db:"validation_salt"`
	EncryptionSalt []byte `db:"encryption_salt"`
	KDFIterations  *int   `db:"kdf_iterations"`
	PassphraseHash []byte `db:"passphrase_hash"`
	ViewsLeft      int    `db:"views_left"`
	ExpiresAt      time.Time `db:"expires_at"`
}

// GetNoteMeta returns the passphrase parameters for a live, passphrase-mode
// note, never consuming a view. Returns ErrNotFound if the note doesn't
// exist, isn't live, or isn't passphrase-mode.
func (s *Store) GetNoteMeta(ctx context.Context, id string) (encryptionSalt, validationSalt []byte, iterations int, err error) {
	var m noteMeta
	const query = `
		SELECT validation_salt, encryption_salt, kdf_iterations, passphrase_hash, views_left, expires_at
		FROM notes WHERE id = $1
	`
	if err := s.db.GetContext(ctx, &m, query, id); err != nil {
		if isNoRows(err) {
			return nil, nil, 0, ErrNotFound
		}
		return nil, nil, 0, fmt.Errorf("failed to fetch note meta: %w", err)
	}

	if time.Now().After(m.ExpiresAt) || m.ViewsLeft <= 0 || len(m.PassphraseHash) == 0 {
		return nil, nil, 0, ErrNotFound
	}

	iterations = 0
	if m.KDFIterations != nil {
		iterations = *m.KDFIterations
	}
	return m.EncryptionSalt, m.ValidationSalt, iterations, nil
}

// ValidateNotePassphrase compares providedHash against the stored hash for
// a live note, in constant time. It never consumes a view and never
// distinguishes among "not found", "expired", "burned", and "wrong hash" —
// all report false.
func (s *Store) ValidateNotePassphrase(ctx context.Context, id string, providedHash []byte) (bool, error) {
	var m noteMeta
	const query = `
		SELECT validation_salt, encryption_salt, kdf_iterations, passphrase_hash, views_left, expires_at
		FROM notes WHERE id = $1
	`
	if err := s.db.GetContext(ctx, &m, query, id); err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to fetch note for validation: %w", err)
	}

	if time.Now().After(m.ExpiresAt) || m.ViewsLeft <= 0 || len(m.PassphraseHash) == 0 {
		return false, nil
	}
	if len(m.PassphraseHash) != len(providedHash) {
		return false, nil
	}
	return subtle.ConstantTimeCompare(m.PassphraseHash, providedHash) == 1, nil
}

// BurnAndFetchNote atomically decrements views_left and returns the
// ciphertext, or ErrGone if the note is absent, expired, or exhausted. This
// is a single UPDATE ... RETURNING statement — not a read followed by a
// write — so two concurrent callers racing on a views_left=1 note can never
// both observe success.
func (s *Store) BurnAndFetchNote(ctx context.Context, id string) (ciphertext, iv []byte, err error) {
	const query = `
		UPDATE notes
		SET views_left = views_left - 1
		WHERE id = $1 AND expires_at >= $2 AND views_left > 0
		RETURNING ciphertext, iv
	`
	row := s.db.QueryRowxContext(ctx, query, id, time.Now())

	var c, i []byte
	if err := row.Scan(&c, &i); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, ErrGone
		}
		return nil, nil, fmt.Errorf("failed to burn note: %w", err)
	}
	return c, i, nil
}
