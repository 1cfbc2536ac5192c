package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/medivault/lifeline/internal/model"
)

// UpsertSecret creates or replaces a vault secret at (vault_id, path).
// Administrators write through here via the CLI; the core never does.
func (s *Store) UpsertSecret(ctx context.Context, secret *model.VaultSecret) error {
	now := time.Now().UTC()
	secret.UpdatedAt = now
	if secret.CreatedAt.IsZero() {
		secret.CreatedAt = now
	}

	const q = `INSERT INTO vault_secrets
		(vault_id, path, encrypted_secret, owner_id, cache_allowed, ttl_seconds, created_at, updated_at)
		VALUES
		(:vault_id, :path, :encrypted_secret, :owner_id, :cache_allowed, :ttl_seconds, :created_at, :updated_at)
		ON CONFLICT(vault_id, path) DO UPDATE SET
			encrypted_secret = excluded.encrypted_secret,
			owner_id = excluded.owner_id,
			cache_allowed = excluded.cache_allowed,
			ttl_seconds = excluded.ttl_seconds,
			updated_at = excluded.updated_at`

	if _, err := s.db.NamedExecContext(ctx, q, secret); err != nil {
		return fmt.Errorf("upsert secret: %w", err)
	}
	return nil
}

// GetSecret returns the secret at (vault_id, path).
func (s *Store) GetSecret(ctx context.Context, vaultID, path string) (*model.VaultSecret, error) {
	var secret model.VaultSecret
	err := s.db.GetContext(ctx, &secret,
		"SELECT * FROM vault_secrets WHERE vault_id = ? AND path = ?", vaultID, path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return &secret, nil
}

// ListSecrets returns secret metadata for a vault (or all vaults when
// vaultID is empty). Encrypted payloads are included; plaintext never exists
// at this layer.
func (s *Store) ListSecrets(ctx context.Context, vaultID string) ([]model.VaultSecret, error) {
	var secrets []model.VaultSecret
	var err error
	if vaultID == "" {
		err = s.db.SelectContext(ctx, &secrets, "SELECT * FROM vault_secrets ORDER BY vault_id, path")
	} else {
		err = s.db.SelectContext(ctx, &secrets,
			"SELECT * FROM vault_secrets WHERE vault_id = ? ORDER BY path", vaultID)
	}
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	return secrets, nil
}
