package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SweepExpired deletes up to limit files whose expires_at has passed, plus
// every note that has expired or has no views left and every expired
// download token; only the file delete is bounded by limit, the note and
// token deletes are not. It returns the storage paths of reclaimed files so
// the caller can clean
// up the blob store; blob deletion is the caller's responsibility because
// the sweeper only knows about relational state.
func (s *Store) SweepExpired(ctx context.Context, limit int) (SweepResult, error) {
	if limit <= 0 {
		limit = 500
	}
	now := time.Now()
	var result SweepResult

	var paths []string
	const selectExpiredFiles = `SELECT storage_path FROM files WHERE expires_at < $1 LIMIT $2`
	if err := s.db.SelectContext(ctx, &paths, selectExpiredFiles, now, limit); err != nil {
		return result, fmt.Errorf("failed to list expired files: %w", err)
	}
	result.ReclaimedFilePaths = paths

	if len(paths) > 0 {
		query, args, err := sqlx.In(`DELETE FROM files WHERE storage_path IN (?)`, paths)
		if err != nil {
			return result, fmt.Errorf("failed to build expired file delete query: %w", err)
		}
		res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
		if err != nil {
			return result, fmt.Errorf("failed to delete expired files: %w", err)
		}
		n, _ := res.RowsAffected()
		result.FilesDeleted = int(n)
	}

	const deleteNotes = `DELETE FROM notes WHERE expires_at < $1 OR views_left <= 0`
	res, err := s.db.ExecContext(ctx, deleteNotes, now)
	if err != nil {
		return result, fmt.Errorf("failed to delete expired notes: %w", err)
	}
	n, _ := res.RowsAffected()
	result.NotesDeleted = int(n)

	const deleteTokens = `DELETE FROM download_tokens WHERE expires_at < $1`
	res, err = s.db.ExecContext(ctx, deleteTokens, now)
	if err != nil {
		return result, fmt.Errorf("failed to delete expired download tokens: %w", err)
	}
	n, _ = res.RowsAffected()
	result.TokensDeleted = int(n)

	return result, nil
}
