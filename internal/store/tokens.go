package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// mintDownloadToken inserts a fresh download token for fileID. Whole files
// (totalChunks == 1) get a single-use token good for SingleUseTokenTTL;
// chunked files get a multi-use token good for MultiUseTokenTTL, since the
// client must present it once per chunk plus once to finalize.
func (s *Store) mintDownloadToken(ctx context.Context, fileID string, totalChunks int) (DownloadToken, error) {
	multiUse := totalChunks > 1
	ttl := SingleUseTokenTTL
	if multiUse {
		ttl = MultiUseTokenTTL
	}
	now := time.Now()
	tok := DownloadToken{
		Token:      uuid.NewString(),
		FileID:     fileID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		Used:       false,
		IsMultiUse: multiUse,
	}
	const query = `
		INSERT INTO download_tokens (token, file_id, created_at, expires_at, used, is_multi_use)
		VALUES (:token, :file_id, :created_at, :expires_at, :used, :is_multi_use)
	`
	if _, err := s.db.NamedExecContext(ctx, query, tok); err != nil {
		return DownloadToken{}, fmt.Errorf("failed to mint download token: %w", err)
	}
	return tok, nil
}

// consumeSingleUseToken atomically marks token used, returning
// ErrUnauthorized if the token is unknown, expired, already used, or doesn't
// belong to fileID. A single conditional UPDATE whose WHERE clause does the
// check, atomic in the same way as BurnAndFetchNote, so two concurrent
// downloads of a 5-minute single-use token can't both win.
func (s *Store) consumeSingleUseToken(ctx context.Context, fileID, token string) error {
	const query = `
		UPDATE download_tokens
		SET used = TRUE
		WHERE token = $1 AND file_id = $2 AND used = FALSE AND is_multi_use = FALSE AND expires_at >= $3
	`
	res, err := s.db.ExecContext(ctx, query, token, fileID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to consume download token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrUnauthorized
	}
	return nil
}

// checkMultiUseToken validates a multi-use token without consuming it, for
// per-chunk fetches that may happen many times against the same token.
func (s *Store) checkMultiUseToken(ctx context.Context, fileID, token string) error {
	var expiresAt time.Time
	const query = `
		SELECT expires_at FROM download_tokens
		WHERE token = $1 AND file_id = $2 AND is_multi_use = TRUE
	`
	if err := s.db.GetContext(ctx, &expiresAt, query, token, fileID); err != nil {
		if isNoRows(err) {
			return ErrUnauthorized
		}
		return fmt.Errorf("failed to fetch download token: %w", err)
	}
	if time.Now().After(expiresAt) {
		return ErrUnauthorized
	}
	return nil
}
