package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/medivault/lifeline/internal/model"
)

// CreateNonce persists a fresh token nonce with used=false.
func (s *Store) CreateNonce(ctx context.Context, n *model.TokenNonce) error {
	const q = `INSERT INTO token_nonces (nonce, req_id, created_ts, expires_ts, used)
		VALUES (:nonce, :req_id, :created_ts, :expires_ts, 0)`

	result, err := s.db.NamedExecContext(ctx, q, n)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("nonce collision: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert nonce: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get nonce id: %w", err)
	}
	n.ID = id
	return nil
}

// GetNonce returns a nonce row by value.
func (s *Store) GetNonce(ctx context.Context, nonce string) (*model.TokenNonce, error) {
	var n model.TokenNonce
	if err := s.db.GetContext(ctx, &n, "SELECT * FROM token_nonces WHERE nonce = ?", nonce); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get nonce: %w", err)
	}
	return &n, nil
}

// ConsumeNonce atomically flips used from false to true. The affected-row
// count is the whole replay check: exactly one caller ever sees success,
// regardless of how many race. Returns the owning req_id on success.
func (s *Store) ConsumeNonce(ctx context.Context, nonce string) (string, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE token_nonces SET used = 1 WHERE nonce = ? AND used = 0", nonce)
	if err != nil {
		return "", fmt.Errorf("consume nonce: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("consume nonce rows affected: %w", err)
	}
	if n == 0 {
		// Zero rows means either a replay or a nonce that never existed
		// (garbage, or purged after expiry). Callers treat the two very
		// differently, so look the row up once to tell them apart.
		var spent int
		err := s.db.GetContext(ctx, &spent, "SELECT used FROM token_nonces WHERE nonce = ?", nonce)
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		if err != nil {
			return "", fmt.Errorf("inspect nonce: %w", err)
		}
		return "", ErrNonceSpent
	}

	var reqID string
	if err := s.db.GetContext(ctx, &reqID, "SELECT req_id FROM token_nonces WHERE nonce = ?", nonce); err != nil {
		return "", fmt.Errorf("resolve consumed nonce: %w", err)
	}
	return reqID, nil
}

// PurgeExpiredNonces deletes unused nonces whose expiry has passed. Spent
// nonces are kept: they are evidence.
func (s *Store) PurgeExpiredNonces(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM token_nonces WHERE used = 0 AND expires_ts < ?", now)
	if err != nil {
		return 0, fmt.Errorf("purge expired nonces: %w", err)
	}
	return result.RowsAffected()
}
