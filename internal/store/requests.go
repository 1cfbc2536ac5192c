package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medivault/lifeline/internal/model"
)

// requestRow maps 1:1 to credential_requests columns. The structured patient
// context is stored as a JSON column.
type requestRow struct {
	ID             int64      `db:"id"`
	ReqID          string     `db:"req_id"`
	RequesterID    string     `db:"requester_id"`
	Status         string     `db:"status"`
	Reason         string     `db:"reason"`
	TargetVault    string     `db:"target_vault"`
	TargetPath     string     `db:"target_path"`
	PatientContext string     `db:"patient_context"`
	Emergency      bool       `db:"emergency"`
	CreatedTS      time.Time  `db:"created_ts"`
	ExpiresTS      *time.Time `db:"expires_ts"`
	ProofID        string     `db:"merkle_proof_id"`
}

func requestRowFromModel(req *model.CredentialRequest) (requestRow, error) {
	ctxJSON, err := req.MarshalContext()
	if err != nil {
		return requestRow{}, fmt.Errorf("marshal patient context: %w", err)
	}
	return requestRow{
		ID:             req.ID,
		ReqID:          req.ReqID,
		RequesterID:    req.RequesterID,
		Status:         string(req.Status),
		Reason:         req.Reason,
		TargetVault:    req.TargetVault,
		TargetPath:     req.TargetPath,
		PatientContext: ctxJSON,
		Emergency:      req.Emergency,
		CreatedTS:      req.CreatedTS,
		ExpiresTS:      req.ExpiresTS,
		ProofID:        req.ProofID,
	}, nil
}

func (r requestRow) toModel() (model.CredentialRequest, error) {
	req := model.CredentialRequest{
		ID:          r.ID,
		ReqID:       r.ReqID,
		RequesterID: r.RequesterID,
		Status:      model.RequestStatus(r.Status),
		Reason:      r.Reason,
		TargetVault: r.TargetVault,
		TargetPath:  r.TargetPath,
		Emergency:   r.Emergency,
		CreatedTS:   r.CreatedTS,
		ExpiresTS:   r.ExpiresTS,
		ProofID:     r.ProofID,
	}
	if err := req.UnmarshalContext(r.PatientContext); err != nil {
		return model.CredentialRequest{}, fmt.Errorf("unmarshal patient context: %w", err)
	}
	return req, nil
}

// CreateRequest inserts a new credential request. The ID field on req is
// populated after a successful insert.
func (s *Store) CreateRequest(ctx context.Context, req *model.CredentialRequest) error {
	row, err := requestRowFromModel(req)
	if err != nil {
		return err
	}

	const q = `INSERT INTO credential_requests
		(req_id, requester_id, status, reason, target_vault, target_path,
		 patient_context, emergency, created_ts, expires_ts, merkle_proof_id)
		VALUES
		(:req_id, :requester_id, :status, :reason, :target_vault, :target_path,
		 :patient_context, :emergency, :created_ts, :expires_ts, :merkle_proof_id)`

	result, err := s.db.NamedExecContext(ctx, q, row)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("request %s: %w", req.ReqID, ErrDuplicate)
		}
		return fmt.Errorf("insert request: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get request id: %w", err)
	}
	req.ID = id
	return nil
}

// GetRequest returns a request by its public req_id.
func (s *Store) GetRequest(ctx context.Context, reqID string) (*model.CredentialRequest, error) {
	var row requestRow
	if err := s.db.GetContext(ctx, &row, "SELECT * FROM credential_requests WHERE req_id = ?", reqID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get request: %w", err)
	}
	req, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// ListRequests returns requests ordered newest first, optionally filtered by
// status.
func (s *Store) ListRequests(ctx context.Context, status model.RequestStatus, limit, offset int) ([]model.CredentialRequest, error) {
	var rows []requestRow
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &rows,
			"SELECT * FROM credential_requests ORDER BY created_ts DESC LIMIT ? OFFSET ?", limit, offset)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			"SELECT * FROM credential_requests WHERE status = ? ORDER BY created_ts DESC LIMIT ? OFFSET ?",
			string(status), limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}

	requests := make([]model.CredentialRequest, 0, len(rows))
	for _, r := range rows {
		req, err := r.toModel()
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, nil
}

// TransitionRequest advances a request from one status to another with a
// guarded UPDATE. The WHERE clause carries the expected current status, so a
// concurrent transition makes this return ErrStaleStatus instead of silently
// clobbering state.
func (s *Store) TransitionRequest(ctx context.Context, reqID string, from, to model.RequestStatus, proofID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE credential_requests SET status = ?, merkle_proof_id = ?
		 WHERE req_id = ? AND status = ?`,
		string(to), proofID, reqID, string(from))
	if err != nil {
		return fmt.Errorf("transition request: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition request rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish missing from raced.
		if _, getErr := s.GetRequest(ctx, reqID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStaleStatus
	}
	return nil
}

// SetRequestProof backfills the ledger proof id after the entry for an
// already-committed transition has been appended.
func (s *Store) SetRequestProof(ctx context.Context, reqID, proofID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE credential_requests SET merkle_proof_id = ? WHERE req_id = ?", proofID, reqID)
	if err != nil {
		return fmt.Errorf("set request proof: %w", err)
	}
	return nil
}

// ExpireOverdueRequests moves all PENDING/APPROVED requests whose window has
// elapsed to EXPIRED, returning the req_ids that were transitioned. The
// lazy-expiry sweep and per-read checks both funnel through here.
func (s *Store) ExpireOverdueRequests(ctx context.Context, now time.Time) ([]string, error) {
	var overdue []string
	err := s.db.SelectContext(ctx, &overdue,
		`SELECT req_id FROM credential_requests
		 WHERE status IN ('PENDING','APPROVED') AND expires_ts IS NOT NULL AND expires_ts < ?`, now)
	if err != nil {
		return nil, fmt.Errorf("find overdue requests: %w", err)
	}
	if len(overdue) == 0 {
		return nil, nil
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE credential_requests SET status = 'EXPIRED'
		 WHERE status IN ('PENDING','APPROVED') AND expires_ts IS NOT NULL AND expires_ts < ?`, now)
	if err != nil {
		return nil, fmt.Errorf("expire overdue requests: %w", err)
	}
	return overdue, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
