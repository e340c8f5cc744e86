package store

import "time"

// Note mirrors the note record of the data model (§3). Passphrase fields
// are nil in link-with-key mode and all populated in passphrase mode.
type Note struct {
	ID             string    `db:"id"`
	Ciphertext     []byte    `db:"ciphertext"`
	IV             []byte    `db:"iv"`
	CreatedAt      time.Time `db:"created_at"`
	ExpiresAt      time.Time `db:"expires_at"`
	ViewsLeft      int       `db:"views_left"`
	EncryptionSalt []byte    `db:"encryption_salt"`
	ValidationSalt []byte    `db:"validation_salt"`
	KDFIterations  *int      `db:"kdf_iterations"`
	PassphraseHash []byte    `db:"passphrase_hash"`
}

// IsPassphraseMode reports whether n carries passphrase fields.
func (n *Note) IsPassphraseMode() bool {
	return len(n.PassphraseHash) > 0
}

// File mirrors the file record of the data model (§3).
type File struct {
	ID                string    `db:"id"`
	CreatedAt         time.Time `db:"created_at"`
	ExpiresAt         time.Time `db:"expires_at"`
	EncryptionSalt    []byte    `db:"encryption_salt"`
	ValidationSalt    []byte    `db:"validation_salt"`
	KDFIterations     *int      `db:"kdf_iterations"`
	PassphraseHash    []byte    `db:"passphrase_hash"`
	FileName          string    `db:"file_name"`
	SizeBytes         int64     `db:"size_bytes"`
	ChunkBytes        int       `db:"chunk_bytes"`
	TotalChunks       int       `db:"total_chunks"`
	IVBase            []byte    `db:"iv_base"`
	StoragePath       string    `db:"storage_path"`
	EncryptedFilename []byte    `db:"encrypted_filename"`
	FilenameIV        []byte    `db:"filename_iv"`
	Finalized         bool      `db:"finalized"`
}

// IsPassphraseMode reports whether f carries passphrase fields.
func (f *File) IsPassphraseMode() bool {
	return len(f.PassphraseHash) > 0
}

// IsChunked reports whether f uses chunked mode (total_chunks > 1).
func (f *File) IsChunked() bool {
	return f.TotalChunks > 1
}

// DownloadToken mirrors the download token record of the data model (§3).
type DownloadToken struct {
	Token      string    `db:"token"`
	FileID     string    `db:"file_id"`
	CreatedAt  time.Time `db:"created_at"`
	ExpiresAt  time.Time `db:"expires_at"`
	Used       bool      `db:"used"`
	IsMultiUse bool      `db:"is_multi_use"`
}

// SweepResult reports what sweep_expired reclaimed: note/file counts plus
// the storage paths of reclaimed files so the caller can remove blobs.
type SweepResult struct {
	NotesDeleted       int
	FilesDeleted       int
	TokensDeleted      int
	ReclaimedFilePaths []string
}
