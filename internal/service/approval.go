package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/medivault/lifeline/internal/audit"
	"github.com/medivault/lifeline/internal/crypto"
	"github.com/medivault/lifeline/internal/model"
	"github.com/medivault/lifeline/internal/store"
)

// DefaultApprovalTTL bounds how long an approval can back retrieval tokens
// when the approver does not set one.
const DefaultApprovalTTL = 5 * time.Minute

// MaxApprovalTTL is the hard ceiling on approver-chosen TTLs.
const MaxApprovalTTL = 1 * time.Hour

// ApprovalService verifies owner signatures and moves requests to APPROVED.
type ApprovalService struct {
	store  *store.Store
	audit  *audit.Service
	keys   *crypto.Provider
	logger *slog.Logger
	now    func() time.Time
}

// NewApprovalService creates an ApprovalService.
func NewApprovalService(st *store.Store, aud *audit.Service, keys *crypto.Provider, logger *slog.Logger) *ApprovalService {
	return &ApprovalService{store: st, audit: aud, keys: keys, logger: logger, now: time.Now}
}

// ApproveInput carries an owner's signed decision.
type ApproveInput struct {
	ApproverID string `json:"approver_id"`
	Signature  string `json:"signature"` // base64, Ed25519 over the canonical request record
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

// Approve verifies the signature over the canonical request record and
// transitions the request PENDING → APPROVED. A failed verification mutates
// nothing except an APPROVAL_REJECTED audit stamp.
func (s *ApprovalService) Approve(ctx context.Context, reqID string, in ApproveInput) (*model.CredentialApproval, error) {
	if in.ApproverID == "" {
		return nil, ValidationError("approver_id", "required")
	}
	sig, err := base64.StdEncoding.DecodeString(in.Signature)
	if err != nil || len(sig) == 0 {
		return nil, ValidationError("signature", "must be non-empty base64")
	}
	ttl := time.Duration(in.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = DefaultApprovalTTL
	}
	if ttl > MaxApprovalTTL {
		return nil, ValidationError("ttl_seconds", fmt.Sprintf("exceeds ceiling of %d", int64(MaxApprovalTTL/time.Second)))
	}

	req, err := s.store.GetRequest(ctx, reqID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NotFoundError("request", reqID)
	}
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if req.ExpiredAt(now) || req.Status == model.StatusExpired {
		return nil, fmt.Errorf("%w: approval window closed", ErrExpiredRequest)
	}
	if req.Status != model.StatusPending {
		return nil, fmt.Errorf("%w: status is %s", ErrAlreadyDecided, req.Status)
	}

	msg := crypto.ApprovalMessage(req.ReqID, req.RequesterID, req.TargetVault, req.TargetPath, req.Reason)
	if err := s.keys.Verify(in.ApproverID, msg, sig); err != nil {
		if _, aerr := s.audit.Append(ctx, model.AuditEvent{
			Type:     model.EventApprovalRejected,
			ReqID:    reqID,
			ActorID:  in.ApproverID,
			Metadata: map[string]any{"reason": err.Error()},
		}); aerr != nil {
			s.logger.Error("stamping rejection failed", "req_id", reqID, "error", aerr)
		}
		s.logger.Warn("approval signature rejected", "req_id", reqID, "approver_id", in.ApproverID)
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	// Mutate first, stamp after. The ledger must never hold a success
	// event for an approval that lost the unique-insert or transition race.
	approval := &model.CredentialApproval{
		ReqID:      reqID,
		ApproverID: in.ApproverID,
		Signature:  sig,
		ApprovedTS: now,
		TTLSeconds: int64(ttl / time.Second),
	}
	if err := s.store.CreateApproval(ctx, approval); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: approval already recorded", ErrAlreadyDecided)
		}
		return nil, fmt.Errorf("persist approval: %w", err)
	}

	if err := s.store.TransitionRequest(ctx, reqID, model.StatusPending, model.StatusApproved, ""); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return nil, fmt.Errorf("%w: concurrent transition", ErrAlreadyDecided)
		}
		return nil, err
	}

	proofID, err := s.audit.Append(ctx, model.AuditEvent{
		Type:    model.EventCredentialApproved,
		ReqID:   reqID,
		ActorID: in.ApproverID,
		Metadata: map[string]any{
			"ttl_seconds": int64(ttl / time.Second),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("stamp approval: %w", err)
	}
	approval.ProofID = proofID
	if err := s.store.SetApprovalProof(ctx, reqID, proofID); err != nil {
		s.logger.Error("backfilling approval proof failed", "req_id", reqID, "error", err)
	}
	if err := s.store.SetRequestProof(ctx, reqID, proofID); err != nil {
		s.logger.Error("backfilling request proof failed", "req_id", reqID, "error", err)
	}

	s.logger.Info("credential request approved",
		"req_id", reqID,
		"approver_id", in.ApproverID,
		"ttl_seconds", approval.TTLSeconds)
	return approval, nil
}

// GetApproval returns the approval record for a request.
func (s *ApprovalService) GetApproval(ctx context.Context, reqID string) (*model.CredentialApproval, error) {
	a, err := s.store.GetApproval(ctx, reqID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NotFoundError("approval", reqID)
	}
	return a, err
}
