// Package blob stores and retrieves the opaque ciphertext bytes the
// relational store (internal/store) references by path. It never sees
// plaintext, passphrases, or keys — only byte slices and path strings.
package blob

import "context"

// Store is the byte-container contract internal/store.BlobStore is
// satisfied by. It is intentionally narrower than a general object-store
// SDK: no presigned URLs, no range reads, no multipart upload — the burn
// protocol always writes and reads whole chunks.
type Store interface {
	// Put writes data at path, overwriting any existing object.
	Put(ctx context.Context, path string, data []byte) error
	// PutIfAbsent writes data at path only if nothing exists there yet,
	// the create-or-fail idempotence §5 requires for chunk uploads:
	// a retried upload_chunk call must not corrupt an already-stored
	// chunk. existed reports whether the object was already present.
	PutIfAbsent(ctx context.Context, path string, data []byte) (existed bool, err error)
	// Get reads the full contents at path.
	Get(ctx context.Context, path string) ([]byte, error)
	// Delete removes the object at path. Deleting a missing object is not
	// an error — callers (including the sweeper) may race a download
	// against an expiry sweep.
	Delete(ctx context.Context, path string) error
	// DeletePrefix removes every object whose path starts with prefix,
	// used to tear down every chunk of a finalized or expired file in one
	// call.
	DeletePrefix(ctx context.Context, prefix string) error
}
