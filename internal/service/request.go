package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/medivault/lifeline/internal/adapter"
	"github.com/medivault/lifeline/internal/audit"
	"github.com/medivault/lifeline/internal/model"
	"github.com/medivault/lifeline/internal/store"
)

// Window defaults for the approval SLA. A request not approved inside its
// window expires and can never be revived.
const (
	DefaultRequestWindow   = 120 * time.Second
	EmergencyRequestWindow = 15 * time.Minute
)

// VaultResolver reports whether a vault target exists and which adapter
// kind serves it. The config layer implements this.
type VaultResolver interface {
	ResolveVault(vaultID string) (kind string, ok bool)
}

// RequestService owns the credential request lifecycle up to approval.
type RequestService struct {
	store    *store.Store
	audit    *audit.Service
	registry *adapter.Registry
	vaults   VaultResolver
	logger   *slog.Logger

	requestWindow   time.Duration
	emergencyWindow time.Duration

	now func() time.Time
}

// NewRequestService creates a RequestService with the default windows.
func NewRequestService(st *store.Store, aud *audit.Service, reg *adapter.Registry, vaults VaultResolver, logger *slog.Logger) *RequestService {
	return &RequestService{
		store:           st,
		audit:           aud,
		registry:        reg,
		vaults:          vaults,
		logger:          logger,
		requestWindow:   DefaultRequestWindow,
		emergencyWindow: EmergencyRequestWindow,
		now:             time.Now,
	}
}

// SetWindows overrides the approval windows. Zero values keep the defaults.
func (s *RequestService) SetWindows(standard, emergency time.Duration) {
	if standard > 0 {
		s.requestWindow = standard
	}
	if emergency > 0 {
		s.emergencyWindow = emergency
	}
}

// CreateRequestInput is the caller-supplied portion of a new request.
type CreateRequestInput struct {
	RequesterID    string               `json:"requester_id"`
	Reason         string               `json:"reason"`
	TargetVault    string               `json:"target_vault"`
	TargetPath     string               `json:"target_path"`
	PatientContext model.PatientContext `json:"patient_context"`
	Emergency      bool                 `json:"emergency"`
}

func (in *CreateRequestInput) validate() error {
	if in.RequesterID == "" {
		return ValidationError("requester_id", "required")
	}
	if in.Reason == "" {
		return ValidationError("reason", "required")
	}
	if in.TargetVault == "" {
		return ValidationError("target_vault", "required")
	}
	if in.TargetPath == "" {
		return ValidationError("target_path", "required")
	}
	return nil
}

// Create registers a new PENDING request, stamps it in the audit ledger, and
// starts its approval window.
func (s *RequestService) Create(ctx context.Context, in CreateRequestInput) (*model.CredentialRequest, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	kind, ok := s.vaults.ResolveVault(in.TargetVault)
	if !ok {
		return nil, ValidationError("target_vault", fmt.Sprintf("unknown vault %q", in.TargetVault))
	}
	if _, err := s.registry.Lookup(kind); err != nil {
		return nil, ValidationError("target_vault", fmt.Sprintf("vault %q maps to unserviceable adapter kind %q", in.TargetVault, kind))
	}

	now := s.now().UTC()
	window := s.requestWindow
	if in.Emergency {
		window = s.emergencyWindow
	}
	expires := now.Add(window)

	reqID, err := newRequestID(now)
	if err != nil {
		return nil, fmt.Errorf("generate request id: %w", err)
	}

	req := &model.CredentialRequest{
		ReqID:          reqID,
		RequesterID:    in.RequesterID,
		Status:         model.StatusPending,
		Reason:         in.Reason,
		TargetVault:    in.TargetVault,
		TargetPath:     in.TargetPath,
		PatientContext: in.PatientContext,
		Emergency:      in.Emergency,
		CreatedTS:      now,
		ExpiresTS:      &expires,
	}

	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("persist request: %w", err)
	}

	proofID, err := s.audit.Append(ctx, model.AuditEvent{
		Type:    model.EventCredentialRequest,
		ReqID:   reqID,
		ActorID: in.RequesterID,
		Metadata: map[string]any{
			"target_vault":   in.TargetVault,
			"target_path":    in.TargetPath,
			"emergency":      in.Emergency,
			"window_seconds": int64(window / time.Second),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("stamp request: %w", err)
	}
	req.ProofID = proofID
	if err := s.store.SetRequestProof(ctx, reqID, proofID); err != nil {
		s.logger.Error("backfilling request proof failed", "req_id", reqID, "error", err)
	}

	s.logger.Info("credential request created",
		"req_id", reqID,
		"requester_id", in.RequesterID,
		"target_vault", in.TargetVault,
		"emergency", in.Emergency,
		"expires_ts", expires)
	return req, nil
}

// Get returns one request, lazily expiring it when its window has elapsed.
func (s *RequestService) Get(ctx context.Context, reqID string) (*model.CredentialRequest, error) {
	req, err := s.store.GetRequest(ctx, reqID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NotFoundError("request", reqID)
	}
	if err != nil {
		return nil, err
	}
	return s.expireIfOverdue(ctx, req)
}

// List returns requests filtered by status, newest first.
func (s *RequestService) List(ctx context.Context, status model.RequestStatus, limit, offset int) ([]model.CredentialRequest, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListRequests(ctx, status, limit, offset)
}

// Deny moves a non-terminal request to DENIED.
func (s *RequestService) Deny(ctx context.Context, reqID, actorID, reason string) (*model.CredentialRequest, error) {
	req, err := s.Get(ctx, reqID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() || req.Status == model.StatusIssued {
		return nil, fmt.Errorf("%w: status is %s", ErrAlreadyDecided, req.Status)
	}

	if err := s.store.TransitionRequest(ctx, reqID, req.Status, model.StatusDenied, ""); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return nil, fmt.Errorf("%w: concurrent transition", ErrAlreadyDecided)
		}
		return nil, err
	}
	proofID, err := s.audit.Append(ctx, model.AuditEvent{
		Type:     model.EventCredentialDenied,
		ReqID:    reqID,
		ActorID:  actorID,
		Metadata: map[string]any{"reason": reason},
	})
	if err != nil {
		return nil, fmt.Errorf("stamp denial: %w", err)
	}
	if err := s.store.SetRequestProof(ctx, reqID, proofID); err != nil {
		s.logger.Error("backfilling request proof failed", "req_id", reqID, "error", err)
	}

	s.logger.Info("credential request denied", "req_id", reqID, "actor_id", actorID)
	return s.store.GetRequest(ctx, reqID)
}

// ExpireOverdue sweeps all overdue requests into EXPIRED and stamps each
// one. The serve loop runs this periodically.
func (s *RequestService) ExpireOverdue(ctx context.Context) (int, error) {
	reqIDs, err := s.store.ExpireOverdueRequests(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	for _, reqID := range reqIDs {
		proofID, err := s.audit.Append(ctx, model.AuditEvent{
			Type:  model.EventCredentialExpired,
			ReqID: reqID,
		})
		if err != nil {
			s.logger.Error("stamping expiry failed", "req_id", reqID, "error", err)
			continue
		}
		if err := s.store.SetRequestProof(ctx, reqID, proofID); err != nil {
			s.logger.Error("backfilling request proof failed", "req_id", reqID, "error", err)
		}
	}
	if len(reqIDs) > 0 {
		s.logger.Info("expired overdue requests", "count", len(reqIDs))
	}
	return len(reqIDs), nil
}

// expireIfOverdue transitions a request whose window elapsed between sweeps.
// ISSUED requests are left alone: once a token exists, only nonce expiry
// gates the retrieval.
func (s *RequestService) expireIfOverdue(ctx context.Context, req *model.CredentialRequest) (*model.CredentialRequest, error) {
	if req.Status.Terminal() || req.Status == model.StatusIssued || !req.ExpiredAt(s.now().UTC()) {
		return req, nil
	}

	err := s.store.TransitionRequest(ctx, req.ReqID, req.Status, model.StatusExpired, "")
	if errors.Is(err, store.ErrStaleStatus) {
		// Raced with a sweep or another reader; that writer stamps it.
		return s.store.GetRequest(ctx, req.ReqID)
	}
	if err != nil {
		return nil, err
	}
	proofID, err := s.audit.Append(ctx, model.AuditEvent{
		Type:  model.EventCredentialExpired,
		ReqID: req.ReqID,
	})
	if err != nil {
		return nil, fmt.Errorf("stamp expiry: %w", err)
	}
	if err := s.store.SetRequestProof(ctx, req.ReqID, proofID); err != nil {
		s.logger.Error("backfilling request proof failed", "req_id", req.ReqID, "error", err)
	}
	return s.store.GetRequest(ctx, req.ReqID)
}

// newRequestID builds a REQ-<YYYYMMDD-HHMMSS>-<hex12> identifier. The random
// suffix makes ids collision-free within one second.
func newRequestID(now time.Time) (string, error) {
	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	return fmt.Sprintf("REQ-%s-%s", now.UTC().Format("20060102-150405"), hex.EncodeToString(suffix)), nil
}
