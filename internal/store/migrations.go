package store

import (
	"fmt"
	"strings"
)

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS credential_requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			req_id TEXT UNIQUE NOT NULL,
			requester_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING'
				CHECK (status IN ('PENDING','APPROVED','ISSUED','DENIED','EXPIRED')),
			reason TEXT NOT NULL,
			target_vault TEXT NOT NULL,
			target_path TEXT NOT NULL,
			patient_context TEXT NOT NULL DEFAULT '',
			emergency INTEGER NOT NULL DEFAULT 0,
			created_ts DATETIME NOT NULL,
			expires_ts DATETIME,
			merkle_proof_id TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS credential_approvals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			req_id TEXT UNIQUE NOT NULL REFERENCES credential_requests(req_id),
			approver_id TEXT NOT NULL,
			signature BLOB NOT NULL,
			approved_ts DATETIME NOT NULL,
			ttl_seconds INTEGER NOT NULL,
			merkle_proof_id TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS token_nonces (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			nonce TEXT UNIQUE NOT NULL,
			req_id TEXT NOT NULL REFERENCES credential_requests(req_id),
			created_ts DATETIME NOT NULL,
			expires_ts DATETIME NOT NULL,
			used INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS vault_secrets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			vault_id TEXT NOT NULL,
			path TEXT NOT NULL,
			encrypted_secret BLOB NOT NULL,
			owner_id TEXT NOT NULL,
			cache_allowed INTEGER NOT NULL DEFAULT 0,
			ttl_seconds INTEGER,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(vault_id, path)
		)`,

		`CREATE TABLE IF NOT EXISTS audit_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			proof_id TEXT UNIQUE NOT NULL,
			ts TEXT NOT NULL,
			event_type TEXT NOT NULL,
			req_id TEXT NOT NULL DEFAULT '',
			actor_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			prev_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_requests_status ON credential_requests(status)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_created ON credential_requests(created_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_nonces_req ON token_nonces(req_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_entries(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_req ON audit_entries(req_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// SQLite ALTER TABLE ADD COLUMN fails if the column already
			// exists; treat duplicates as no-ops so migrations stay
			// idempotent.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
