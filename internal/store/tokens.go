package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PutRefreshToken records a freshly issued refresh token's hash so it can
// later be redeemed exactly once and revoked independently of its access
// token's lifetime.
func (s *Store) PutRefreshToken(ctx context.Context, tokenHash string, userID uuid.UUID, expiresAt, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token_hash, user_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)
	`, tokenHash, userID.String(), expiresAt.Format(time.RFC3339Nano), createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put refresh token: %w", err)
	}
	return nil
}

// RefreshTokenUserID returns the owning user of a live (unexpired) refresh
// token hash, or ErrNotFound if it doesn't exist or has already expired.
func (s *Store) RefreshTokenUserID(ctx context.Context, tokenHash string, asOf time.Time) (uuid.UUID, error) {
	row := s.db.QueryRowContext(ctx, "SELECT user_id, expires_at FROM refresh_tokens WHERE token_hash = ?", tokenHash)
	var userID, expiresAt string
	if err := row.Scan(&userID, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.UUID{}, ErrNotFound
		}
		return uuid.UUID{}, fmt.Errorf("get refresh token: %w", err)
	}
	exp, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("parse refresh token expiry: %w", err)
	}
	if asOf.After(exp) {
		return uuid.UUID{}, ErrNotFound
	}
	id, err := uuid.Parse(userID)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("parse refresh token user id: %w", err)
	}
	return id, nil
}

// DeleteRefreshToken revokes a single refresh token, rotating it out of use
// (called both on redemption, so a token is single-use, and on logout).
func (s *Store) DeleteRefreshToken(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE token_hash = ?", tokenHash)
	if err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}
