package crypto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MinChunkBytes and MaxChunkBytes bound the declared chunk size of a
// chunked file record, the 1 MiB to 4 MiB window the protocol allows.
const (
	MinChunkBytes = 1 << 20
	MaxChunkBytes = 4 << 20
)

// UploadConcurrency and DownloadConcurrency are the bounded worker-pool
// sizes a client uses for chunk upload and download: 6 concurrent uploads,
// 8 concurrent downloads, chosen to respect per-origin connection caps while
// still pipelining large transfers.
const (
	UploadConcurrency   = 6
	DownloadConcurrency = 8
)

// deriveChunkIV copies ivBase and overwrites its trailing 4 bytes with the
// big-endian chunk index, making the per-chunk IV a pure function of
// (ivBase, index) rather than an XOR of the two.
func deriveChunkIV(ivBase []byte, index int) []byte {
	iv := make([]byte, len(ivBase))
	copy(iv, ivBase)
	binary.BigEndian.PutUint32(iv[len(iv)-4:], uint32(index))
	return iv
}

// chunkAAD builds the additional authenticated data binding a chunk's
// ciphertext to its position within a specific total chunk count. AES-GCM
// alone authenticates a chunk's bytes, not where it sits in the file;
// without this AAD, chunks could be reordered, duplicated, or spliced in
// from a differently-sized file without the tag check failing.
func chunkAAD(index, total int) []byte {
	return []byte(fmt.Sprintf("chunk:%d/%d", index, total))
}

// ValidateChunkSize rejects a declared chunk size outside the protocol's
// allowed window.
func ValidateChunkSize(chunkSize int) error {
	if chunkSize < MinChunkBytes || chunkSize > MaxChunkBytes {
		return fmt.Errorf("chunk size %d outside [%d, %d]", chunkSize, MinChunkBytes, MaxChunkBytes)
	}
	return nil
}

// EncryptFileChunked partitions source into totalChunks consecutive
// chunkSize chunks (the last one possibly shorter) under one freshly
// generated ivBase, calling onChunk with each chunk's ciphertext (including
// its GCM tag) in index order. totalChunks must be known up front — the
// client always knows size_bytes before starting an upload — so every
// chunk's AAD binds the true total on the only pass over the data.
func EncryptFileChunked(key []byte, source io.Reader, chunkSize, totalChunks int, onChunk func(index int, ciphertext []byte) error) (ivBase []byte, err error) {
	if err := ValidateChunkSize(chunkSize); err != nil {
		return nil, err
	}
	if totalChunks < 1 {
		return nil, fmt.Errorf("total chunks must be >= 1, got %d", totalChunks)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	ivBase, err = randomBytes(IVSize)
	if err != nil {
		return nil, err
	}

	pool := GetGlobalBufferPool()
	plain := make([]byte, chunkSize)

	for index := 0; index < totalChunks; index++ {
		n, readErr := io.ReadFull(source, plain)
		if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
			return nil, fmt.Errorf("failed to read plaintext chunk %d: %w", index, readErr)
		}
		if n == 0 && index != totalChunks-1 {
			return nil, fmt.Errorf("stream ended early at chunk %d of %d", index, totalChunks)
		}

		chunkIV := deriveChunkIV(ivBase, index)
		out := pool.GetChunk(n + tagSize)
		ciphertext := gcm.Seal(out, chunkIV, plain[:n], chunkAAD(index, totalChunks))

		emitErr := onChunk(index, ciphertext)
		pool.PutChunk(ciphertext)
		if emitErr != nil {
			return nil, fmt.Errorf("failed to emit chunk %d: %w", index, emitErr)
		}
	}

	return ivBase, nil
}

// chunkResult carries one worker's decryption outcome back to the ordered
// reassembly loop in DecryptFileChunked.
type chunkResult struct {
	index     int
	plaintext []byte
	err       error
}

// DecryptFileChunked re-derives each chunk's IV and AAD from (ivBase,
// index, total), fetches its ciphertext via fetchChunk, and decrypts up to
// DownloadConcurrency chunks concurrently. Chunks may finish decrypting out
// of order, but onPlaintext is always invoked in index order. A single
// authentication or fetch failure anywhere aborts the decryption: the first
// error encountered in index order is returned, and onPlaintext is never
// called for any chunk at or after that index.
func DecryptFileChunked(key, ivBase []byte, total int, fetchChunk func(index int) ([]byte, error), onPlaintext func(index int, plaintext []byte) error) error {
	if total < 1 {
		return fmt.Errorf("total chunks must be >= 1, got %d", total)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	results := make(chan chunkResult, total)
	sem := make(chan struct{}, DownloadConcurrency)

	for i := 0; i < total; i++ {
		sem <- struct{}{}
		go func(index int) {
			defer func() { <-sem }()

			ciphertext, fetchErr := fetchChunk(index)
			if fetchErr != nil {
				results <- chunkResult{index: index, err: fmt.Errorf("failed to fetch chunk %d: %w", index, fetchErr)}
				return
			}

			chunkIV := deriveChunkIV(ivBase, index)
			plaintext, openErr := gcm.Open(nil, chunkIV, ciphertext, chunkAAD(index, total))
			if openErr != nil {
				results <- chunkResult{index: index, err: &AuthError{err: fmt.Errorf("chunk %d: %w", index, openErr)}}
				return
			}

			results <- chunkResult{index: index, plaintext: plaintext}
		}(i)
	}

	pending := make(map[int]chunkResult, total)
	next := 0
	var firstErr error

	for received := 0; received < total; received++ {
		r := <-results
		pending[r.index] = r

		for {
			p, ok := pending[next]
			if !ok {
				break
			}
			if firstErr == nil {
				if p.err != nil {
					firstErr = p.err
				} else if err := onPlaintext(p.index, p.plaintext); err != nil {
					firstErr = fmt.Errorf("failed to consume chunk %d: %w", p.index, err)
				}
			}
			delete(pending, next)
			next++
		}
	}

	if firstErr == nil {
		for _, r := range pending {
			if r.err != nil {
				firstErr = r.err
				break
			}
		}
	}

	return firstErr
}
