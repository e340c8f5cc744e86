package store

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FileUploadParams describes a new file record before any chunk bytes have
// arrived. storage_path is set to the generated id; chunk bytes land at
// chunkPath(id, index) in the blob store as upload_chunk is called.
type FileUploadParams struct {
	FileName          string
	SizeBytes         int64
	ChunkBytes        int
	TotalChunks       int
	ExpiresAt         time.Time
	EncryptedFilename []byte
	FilenameIV        []byte
	Passphrase        *PassphraseFields
}

// chunkPath returns the blob path of chunk index within file fileID.
func chunkPath(fileID string, index int) string {
	return fmt.Sprintf("%s/chunk-%06d", fileID, index)
}

// InitFileUpload inserts a file record with no chunk data yet and returns
// its id. TotalChunks == 1 is the whole-file (unchunked) case; the chunked
// encrypt/decrypt machinery treats it identically to any other chunk count.
func (s *Store) InitFileUpload(ctx context.Context, p FileUploadParams) (string, error) {
	if p.TotalChunks < 1 {
		return "", fmt.Errorf("%w: total_chunks must be >= 1", ErrValidation)
	}
	now := time.Now()
	if p.ExpiresAt.Before(now) || p.ExpiresAt.After(now.Add(MaxExpiryHorizon)) {
		return "", fmt.Errorf("%w: expires_at outside configured horizon", ErrValidation)
	}

	f := File{
		ID:                uuid.NewString(),
		CreatedAt:         now,
		ExpiresAt:         p.ExpiresAt,
		FileName:          p.FileName,
		SizeBytes:         p.SizeBytes,
		ChunkBytes:        p.ChunkBytes,
		TotalChunks:       p.TotalChunks,
		EncryptedFilename: p.EncryptedFilename,
		FilenameIV:        p.FilenameIV,
	}
	f.StoragePath = f.ID

	if p.Passphrase != nil {
		pp := p.Passphrase
		if len(pp.EncryptionSalt) == 0 || len(pp.ValidationSalt) == 0 || len(pp.PassphraseHash) == 0 {
			return "", fmt.Errorf("%w: partial passphrase fields", ErrValidation)
		}
		if subtle.ConstantTimeCompare(pp.EncryptionSalt, pp.ValidationSalt) == 1 {
			return "", fmt.Errorf("%w: encryption_salt and validation_salt must differ", ErrValidation)
		}
		f.EncryptionSalt = pp.EncryptionSalt
		f.ValidationSalt = pp.ValidationSalt
		iterations := pp.KDFIterations
		f.KDFIterations = &iterations
		f.PassphraseHash = pp.PassphraseHash
	}

	const query = `
		INSERT INTO files (id, created_at, expires_at, encryption_salt, validation_salt,
			kdf_iterations, passphrase_hash, file_name, size_bytes, chunk_bytes, total_chunks,
			iv_base, storage_path, encrypted_filename, filename_iv, finalized)
		VALUES (:id, :created_at, :expires_at, :encryption_salt, :validation_salt,
			:kdf_iterations, :passphrase_hash, :file_name, :size_bytes, :chunk_bytes, :total_chunks,
			:iv_base, :storage_path, :encrypted_filename, :filename_iv, :finalized)
	`
	if _, err := s.db.NamedExecContext(ctx, query, f); err != nil {
		return "", fmt.Errorf("failed to insert file: %w", err)
	}
	return f.ID, nil
}

// CreateFileWhole implements create_file_whole: it writes ciphertext to the
// blob store under a fresh id, then inserts the metadata row naming
// ivBase. On metadata failure the blob is removed (compensating action); on
// blob failure nothing is written at all.
func (s *Store) CreateFileWhole(ctx context.Context, p FileUploadParams, ivBase, ciphertext []byte) (string, error) {
	p.TotalChunks = 1
	p.ChunkBytes = len(ciphertext)
	id := uuid.NewString()

	if err := s.blob.Put(ctx, chunkPath(id, 0), ciphertext); err != nil {
		return "", fmt.Errorf("failed to store file blob: %w", err)
	}

	now := time.Now()
	if p.ExpiresAt.Before(now) || p.ExpiresAt.After(now.Add(MaxExpiryHorizon)) {
		_ = s.blob.Delete(ctx, chunkPath(id, 0))
		return "", fmt.Errorf("%w: expires_at outside configured horizon", ErrValidation)
	}

	f := File{
		ID:                id,
		CreatedAt:         now,
		ExpiresAt:         p.ExpiresAt,
		FileName:          p.FileName,
		SizeBytes:         p.SizeBytes,
		ChunkBytes:        p.ChunkBytes,
		TotalChunks:       1,
		IVBase:            ivBase,
		EncryptedFilename: p.EncryptedFilename,
		FilenameIV:        p.FilenameIV,
	}
	f.StoragePath = f.ID

	if p.Passphrase != nil {
		pp := p.Passphrase
		if len(pp.EncryptionSalt) == 0 || len(pp.ValidationSalt) == 0 || len(pp.PassphraseHash) == 0 {
			_ = s.blob.Delete(ctx, chunkPath(id, 0))
			return "", fmt.Errorf("%w: partial passphrase fields", ErrValidation)
		}
		if subtle.ConstantTimeCompare(pp.EncryptionSalt, pp.ValidationSalt) == 1 {
			_ = s.blob.Delete(ctx, chunkPath(id, 0))
			return "", fmt.Errorf("%w: encryption_salt and validation_salt must differ", ErrValidation)
		}
		f.EncryptionSalt = pp.EncryptionSalt
		f.ValidationSalt = pp.ValidationSalt
		iterations := pp.KDFIterations
		f.KDFIterations = &iterations
		f.PassphraseHash = pp.PassphraseHash
	}

	const query = `
		INSERT INTO files (id, created_at, expires_at, encryption_salt, validation_salt,
			kdf_iterations, passphrase_hash, file_name, size_bytes, chunk_bytes, total_chunks,
			iv_base, storage_path, encrypted_filename, filename_iv, finalized)
		VALUES (:id, :created_at, :expires_at, :encryption_salt, :validation_salt,
			:kdf_iterations, :passphrase_hash, :file_name, :size_bytes, :chunk_bytes, :total_chunks,
			:iv_base, :storage_path, :encrypted_filename, :filename_iv, :finalized)
	`
	if _, err := s.db.NamedExecContext(ctx, query, f); err != nil {
		// Compensating action: the blob landed but the metadata row didn't.
		if delErr := s.blob.Delete(ctx, chunkPath(id, 0)); delErr != nil {
			s.logger.WithError(delErr).WithField("file_id", id).Warn("failed to remove orphaned blob after metadata insert failure")
		}
		return "", fmt.Errorf("failed to insert file: %w", err)
	}
	return f.ID, nil
}

// UploadChunk writes one chunk's ciphertext to the blob store and, for
// index 0, records ivBase. It is idempotent: re-uploading an already-present
// chunk (a retried request) succeeds without rewriting it.
func (s *Store) UploadChunk(ctx context.Context, fileID string, index, total int, data, ivBase []byte) error {
	f, err := s.getFileRow(ctx, fileID)
	if err != nil {
		return err
	}
	if time.Now().After(f.ExpiresAt) || f.Finalized {
		return ErrExpired
	}
	if total != f.TotalChunks || index < 0 || index >= total {
		return ErrOutOfBounds
	}

	if index == 0 {
		if len(ivBase) == 0 {
			return fmt.Errorf("%w: iv_base required on chunk 0", ErrValidation)
		}
		const query = `UPDATE files SET iv_base = $1 WHERE id = $2 AND iv_base IS NULL`
		if _, err := s.db.ExecContext(ctx, query, ivBase, fileID); err != nil {
			return fmt.Errorf("failed to record iv_base: %w", err)
		}
	}

	if _, err := s.blob.PutIfAbsent(ctx, chunkPath(fileID, index), data); err != nil {
		return fmt.Errorf("failed to store chunk %d: %w", index, err)
	}
	return nil
}

// getFileRow fetches the full file row, mapping sql.ErrNoRows to ErrNotFound.
func (s *Store) getFileRow(ctx context.Context, fileID string) (File, error) {
	var f File
	const query = `SELECT * FROM files WHERE id = $1`
	if err := s.db.GetContext(ctx, &f, query, fileID); err != nil {
		if isNoRows(err) {
			return File{}, ErrNotFound
		}
		return File{}, fmt.Errorf("failed to fetch file: %w", err)
	}
	return f, nil
}

// FileMeta is what get_file_meta returns: enough for the recipient's
// confirmation screen plus a fresh download token for the byte fetches that
// follow.
type FileMeta struct {
	FileName          string
	SizeBytes         int64
	ChunkBytes        int
	TotalChunks       int
	EncryptedFilename []byte
	FilenameIV        []byte
	IsPassphraseMode  bool
	EncryptionSalt    []byte
	ValidationSalt    []byte
	KDFIterations     int
	IVBase            []byte
	Token             DownloadToken
}

// GetFileMeta returns file metadata and atomically mints a fresh download
// token (single-use if the file is a single chunk, multi-use otherwise).
// Returns ErrNotFound if the file doesn't exist, is expired, or is already
// finalized, and ErrUnauthorized-shaped callers should not distinguish this
// from "token missing" further up the stack to avoid an enumeration oracle.
func (s *Store) GetFileMeta(ctx context.Context, fileID string) (FileMeta, error) {
	f, err := s.getFileRow(ctx, fileID)
	if err != nil {
		return FileMeta{}, err
	}
	if time.Now().After(f.ExpiresAt) || f.Finalized {
		return FileMeta{}, ErrNotFound
	}

	tok, err := s.mintDownloadToken(ctx, fileID, f.TotalChunks)
	if err != nil {
		return FileMeta{}, err
	}

	iterations := 0
	if f.KDFIterations != nil {
		iterations = *f.KDFIterations
	}
	return FileMeta{
		FileName:          f.FileName,
		SizeBytes:         f.SizeBytes,
		ChunkBytes:        f.ChunkBytes,
		TotalChunks:       f.TotalChunks,
		EncryptedFilename: f.EncryptedFilename,
		FilenameIV:        f.FilenameIV,
		IsPassphraseMode:  f.IsPassphraseMode(),
		EncryptionSalt:    f.EncryptionSalt,
		ValidationSalt:    f.ValidationSalt,
		KDFIterations:     iterations,
		IVBase:            f.IVBase,
		Token:             tok,
	}, nil
}

// GetEncryptedFilename returns the stored encrypted filename and its IV for
// an explicit "show real name" gesture. It does not consume a token or
// mutate state; the server never decrypts the name itself.
func (s *Store) GetEncryptedFilename(ctx context.Context, fileID string) ([]byte, []byte, error) {
	f, err := s.getFileRow(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	if time.Now().After(f.ExpiresAt) || f.Finalized {
		return nil, nil, ErrNotFound
	}
	return f.EncryptedFilename, f.FilenameIV, nil
}

// ValidateFilePassphrase mirrors ValidateNotePassphrase for files.
func (s *Store) ValidateFilePassphrase(ctx context.Context, fileID string, providedHash []byte) (bool, error) {
	f, err := s.getFileRow(ctx, fileID)
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if time.Now().After(f.ExpiresAt) || f.Finalized || len(f.PassphraseHash) == 0 {
		return false, nil
	}
	if len(f.PassphraseHash) != len(providedHash) {
		return false, nil
	}
	return subtle.ConstantTimeCompare(f.PassphraseHash, providedHash) == 1, nil
}

// DownloadWhole atomically consumes a single-use token, fetches the sole
// chunk's ciphertext, then best-effort removes the blob and metadata row.
// Blob/metadata cleanup failures are logged, not returned: the sweeper
// reclaims anything left behind, per §5's "best effort, sweeper as
// backstop" policy.
func (s *Store) DownloadWhole(ctx context.Context, fileID, token string) ([]byte, []byte, string, error) {
	f, err := s.getFileRow(ctx, fileID)
	if err != nil {
		if err == ErrNotFound {
			return nil, nil, "", ErrGone
		}
		return nil, nil, "", err
	}
	if f.TotalChunks != 1 {
		return nil, nil, "", fmt.Errorf("%w: file is chunked, use download_chunk", ErrValidation)
	}
	if err := s.consumeSingleUseToken(ctx, fileID, token); err != nil {
		return nil, nil, "", err
	}

	data, err := s.blob.Get(ctx, chunkPath(fileID, 0))
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to fetch file blob: %w", err)
	}

	if err := s.blob.Delete(ctx, chunkPath(fileID, 0)); err != nil {
		s.logger.WithError(err).WithField("file_id", fileID).Warn("failed to delete file blob after download, sweeper will reclaim it")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, fileID); err != nil {
		s.logger.WithError(err).WithField("file_id", fileID).Warn("failed to delete file metadata after download")
	}
	return data, f.IVBase, f.FileName, nil
}

// DownloadChunk validates a multi-use token without consuming it and
// returns one chunk's ciphertext.
func (s *Store) DownloadChunk(ctx context.Context, fileID, token string, index int) ([]byte, error) {
	f, err := s.getFileRow(ctx, fileID)
	if err != nil {
		if err == ErrNotFound {
			return nil, ErrGone
		}
		return nil, err
	}
	if time.Now().After(f.ExpiresAt) || f.Finalized {
		return nil, ErrGone
	}
	if index < 0 || index >= f.TotalChunks {
		return nil, ErrOutOfBounds
	}
	if err := s.checkMultiUseToken(ctx, fileID, token); err != nil {
		return nil, err
	}

	data, err := s.blob.Get(ctx, chunkPath(fileID, index))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chunk %d: %w", index, err)
	}
	return data, nil
}

// FinalizeChunked marks a chunked file consumed and removes its blobs and
// metadata, returning the number of chunks deleted. It is idempotent: a file
// that was already finalized, already swept by expiry, or never existed at
// all reports success with chunksDeleted 0 rather than erroring, since the
// net effect the caller wants — "this file is gone" — already holds.
func (s *Store) FinalizeChunked(ctx context.Context, fileID, token string) (int, error) {
	f, err := s.getFileRow(ctx, fileID)
	if err != nil {
		if err == ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	if f.Finalized {
		return 0, nil
	}
	if err := s.checkMultiUseToken(ctx, fileID, token); err != nil {
		return 0, err
	}

	const query = `UPDATE files SET finalized = TRUE WHERE id = $1 AND finalized = FALSE`
	res, err := s.db.ExecContext(ctx, query, fileID)
	if err != nil {
		return 0, fmt.Errorf("failed to finalize file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	if err := s.blob.DeletePrefix(ctx, fileID); err != nil {
		s.logger.WithError(err).WithField("file_id", fileID).Warn("failed to delete chunk blobs after finalize, sweeper will reclaim them")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, fileID); err != nil {
		s.logger.WithError(err).WithField("file_id", fileID).Warn("failed to delete file metadata after finalize")
	}
	return f.TotalChunks, nil
}
