package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/medivault/lifeline/internal/model"
)

// CreateApproval inserts the single approval row for a request. A second
// insert for the same req_id violates the unique constraint and surfaces as
// ErrDuplicate; callers treat that as "already approved" without any
// pre-check race.
func (s *Store) CreateApproval(ctx context.Context, a *model.CredentialApproval) error {
	const q = `INSERT INTO credential_approvals
		(req_id, approver_id, signature, approved_ts, ttl_seconds, merkle_proof_id)
		VALUES
		(:req_id, :approver_id, :signature, :approved_ts, :ttl_seconds, :merkle_proof_id)`

	result, err := s.db.NamedExecContext(ctx, q, a)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("approval for %s: %w", a.ReqID, ErrDuplicate)
		}
		return fmt.Errorf("insert approval: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get approval id: %w", err)
	}
	a.ID = id
	return nil
}

// SetApprovalProof backfills the ledger proof id once the approval entry
// has been appended.
func (s *Store) SetApprovalProof(ctx context.Context, reqID, proofID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE credential_approvals SET merkle_proof_id = ? WHERE req_id = ?", proofID, reqID)
	if err != nil {
		return fmt.Errorf("set approval proof: %w", err)
	}
	return nil
}

// GetApproval returns the approval for a request, if one exists.
func (s *Store) GetApproval(ctx context.Context, reqID string) (*model.CredentialApproval, error) {
	var a model.CredentialApproval
	if err := s.db.GetContext(ctx, &a, "SELECT * FROM credential_approvals WHERE req_id = ?", reqID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return &a, nil
}
