package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/medivault/lifeline/internal/model"
)

// chainHead is the tail of the audit chain: the last sequence number and
// entry hash. A fresh chain starts at seq 0 with the genesis hash supplied by
// the audit service.
type chainHead struct {
	Seq  int64  `db:"seq"`
	Hash string `db:"entry_hash"`
}

// AppendAuditEntry appends one entry to the chain. The build callback
// receives the current head and must return the fully hashed entry linking
// to it. The read-head/insert pair runs inside a single IMMEDIATE
// transaction, so concurrent appends serialize on the write lock and the
// chain order can never interleave.
func (s *Store) AppendAuditEntry(ctx context.Context, build func(prevSeq int64, prevHash string) (model.AuditEntry, error)) (*model.AuditEntry, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin audit tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	head := chainHead{Seq: 0, Hash: ""}
	err = tx.GetContext(ctx, &head,
		"SELECT seq, entry_hash FROM audit_entries ORDER BY seq DESC LIMIT 1")
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	entry, err := build(head.Seq, head.Hash)
	if err != nil {
		return nil, err
	}

	const q = `INSERT INTO audit_entries
		(seq, proof_id, ts, event_type, req_id, actor_id, payload, prev_hash, entry_hash)
		VALUES
		(:seq, :proof_id, :ts, :event_type, :req_id, :actor_id, :payload, :prev_hash, :entry_hash)`

	if _, err := tx.NamedExecContext(ctx, q, entry); err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit audit entry: %w", err)
	}
	return &entry, nil
}

// GetAuditEntry returns one entry by proof id.
func (s *Store) GetAuditEntry(ctx context.Context, proofID string) (*model.AuditEntry, error) {
	var entry model.AuditEntry
	if err := s.db.GetContext(ctx, &entry, "SELECT * FROM audit_entries WHERE proof_id = ?", proofID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get audit entry: %w", err)
	}
	return &entry, nil
}

// ListAuditEntries returns entries newest first for paginated reads.
func (s *Store) ListAuditEntries(ctx context.Context, limit, offset int) ([]model.AuditEntry, error) {
	var entries []model.AuditEntry
	err := s.db.SelectContext(ctx, &entries,
		"SELECT * FROM audit_entries ORDER BY seq DESC LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}

// WalkAuditChain streams every entry from genesis in order. Verification
// recomputes hashes as it walks.
func (s *Store) WalkAuditChain(ctx context.Context, upToSeq int64, visit func(model.AuditEntry) error) error {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM audit_entries WHERE seq <= ? ORDER BY seq", upToSeq)
	if err != nil {
		return fmt.Errorf("walk audit chain: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry model.AuditEntry
		if err := rows.StructScan(&entry); err != nil {
			return fmt.Errorf("scan audit entry: %w", err)
		}
		if err := visit(entry); err != nil {
			return err
		}
	}
	return rows.Err()
}

// AuditStats aggregates total and per-type event counts plus the chain head.
func (s *Store) AuditStats(ctx context.Context) (*model.AuditStats, error) {
	stats := &model.AuditStats{ByType: make(map[string]int64)}

	if err := s.db.GetContext(ctx, &stats.TotalEvents, "SELECT COUNT(*) FROM audit_entries"); err != nil {
		return nil, fmt.Errorf("count audit entries: %w", err)
	}

	rows, err := s.db.QueryxContext(ctx,
		"SELECT event_type, COUNT(*) AS n FROM audit_entries GROUP BY event_type")
	if err != nil {
		return nil, fmt.Errorf("count audit entries by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var eventType string
		var n int64
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, fmt.Errorf("scan audit counter: %w", err)
		}
		stats.ByType[eventType] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	head := chainHead{}
	err = s.db.Get(&head, "SELECT seq, entry_hash FROM audit_entries ORDER BY seq DESC LIMIT 1")
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read chain head: %w", err)
	}
	stats.HeadSeq = head.Seq
	stats.HeadHash = head.Hash
	return stats, nil
}

// TamperAuditPayload rewrites a stored payload out-of-band. Only used by
// integrity tests to prove verification catches mutation.
func (s *Store) TamperAuditPayload(ctx context.Context, seq int64, payload string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE audit_entries SET payload = ? WHERE seq = ?", payload, seq)
	return err
}
