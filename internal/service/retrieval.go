package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/medivault/lifeline/internal/adapter"
	"github.com/medivault/lifeline/internal/audit"
	"github.com/medivault/lifeline/internal/model"
	"github.com/medivault/lifeline/internal/vault"
)

const (
	connectAttempts  = 3
	connectBackoff   = 500 * time.Millisecond
	retrievalTimeout = 60 * time.Second
	ephemeralTTL     = 15 * time.Minute
)

// TargetResolver supplies the backend config for a vault. The config layer
// implements this alongside VaultResolver.
type TargetResolver interface {
	ResolveTarget(vaultID string) (adapter.TargetConfig, bool)
}

// RetrievalInput is the caller's side of a retrieval: the single-use token
// plus the scope of what to fetch.
type RetrievalInput struct {
	Token     string         `json:"token"`
	Query     adapter.Query  `json:"query"`
	Format    adapter.Format `json:"format"`
	Ephemeral bool           `json:"ephemeral_account"`
}

// RetrievalResult is the orchestrator's output. Data carries the payload
// bytes; the rest is provenance for the caller and the ledger.
type RetrievalResult struct {
	ReqID     string         `json:"req_id"`
	Format    adapter.Format `json:"format"`
	Data      []byte         `json:"-"`
	Requested int            `json:"requested"`
	Succeeded int            `json:"succeeded"`
	Bytes     int64          `json:"bytes"`
	Duration  time.Duration  `json:"-"`
	ProofID   string         `json:"merkle_proof_id"`
}

// RetrievalService orchestrates a full retrieval: token consumption, secret
// lookup, backend connect/authenticate/list/retrieve, and cleanup.
type RetrievalService struct {
	tokens   *TokenService
	vault    *vault.Service
	audit    *audit.Service
	registry *adapter.Registry
	vaults   VaultResolver
	targets  TargetResolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewRetrievalService creates a RetrievalService.
func NewRetrievalService(tokens *TokenService, vlt *vault.Service, aud *audit.Service, reg *adapter.Registry, vaults VaultResolver, targets TargetResolver, logger *slog.Logger) *RetrievalService {
	return &RetrievalService{
		tokens:   tokens,
		vault:    vlt,
		audit:    aud,
		registry: reg,
		vaults:   vaults,
		targets:  targets,
		logger:   logger,
		now:      time.Now,
	}
}

// Retrieve performs one credentialed fetch. The token is burned before any
// backend work starts, so a failed retrieval still consumes it; the ledger
// records the attempt, the outcome, and transfer metrics either way.
func (s *RetrievalService) Retrieve(ctx context.Context, in RetrievalInput) (*RetrievalResult, error) {
	grant, err := s.tokens.Consume(ctx, in.Token)
	if err != nil {
		return nil, err
	}

	start := s.now()
	if _, err := s.audit.Append(ctx, model.AuditEvent{
		Type:    model.EventRetrievalAttempt,
		ReqID:   grant.ReqID,
		ActorID: grant.RequesterID,
		Metadata: map[string]any{
			"vault": grant.VaultID,
			"path":  grant.Path,
		},
	}); err != nil {
		return nil, fmt.Errorf("stamp attempt: %w", err)
	}

	payload, err := s.fetch(ctx, grant, in)
	duration := s.now().Sub(start)

	if err != nil {
		if _, aerr := s.audit.Append(ctx, model.AuditEvent{
			Type:    model.EventRetrievalFailure,
			ReqID:   grant.ReqID,
			ActorID: grant.RequesterID,
			Metadata: map[string]any{
				"error":       err.Error(),
				"duration_ms": duration.Milliseconds(),
			},
		}); aerr != nil {
			s.logger.Error("stamping failure failed", "req_id", grant.ReqID, "error", aerr)
		}
		s.logger.Error("retrieval failed", "req_id", grant.ReqID, "duration", duration, "error", err)
		return nil, err
	}

	proofID, err := s.audit.Append(ctx, model.AuditEvent{
		Type:    model.EventRetrievalSuccess,
		ReqID:   grant.ReqID,
		ActorID: grant.RequesterID,
		Metadata: map[string]any{
			"requested":   payload.Requested,
			"succeeded":   payload.Succeeded,
			"bytes":       payload.Bytes,
			"duration_ms": duration.Milliseconds(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("stamp success: %w", err)
	}

	s.logger.Info("retrieval complete",
		"req_id", grant.ReqID,
		"vault", grant.VaultID,
		"bytes", payload.Bytes,
		"duration", duration)
	return &RetrievalResult{
		ReqID:     grant.ReqID,
		Format:    payload.Format,
		Data:      payload.Data,
		Requested: payload.Requested,
		Succeeded: payload.Succeeded,
		Bytes:     payload.Bytes,
		Duration:  duration,
		ProofID:   proofID,
	}, nil
}

// fetch runs the backend leg of the retrieval under its own timeout.
func (s *RetrievalService) fetch(ctx context.Context, grant *TokenGrant, in RetrievalInput) (*adapter.Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, retrievalTimeout)
	defer cancel()

	kind, ok := s.vaults.ResolveVault(grant.VaultID)
	if !ok {
		return nil, ValidationError("vault", fmt.Sprintf("unknown vault %q", grant.VaultID))
	}
	target, ok := s.targets.ResolveTarget(grant.VaultID)
	if !ok {
		return nil, ValidationError("vault", fmt.Sprintf("vault %q has no target config", grant.VaultID))
	}
	ad, err := s.registry.Lookup(kind)
	if err != nil {
		return nil, err
	}

	// The secret is scoped to the owner who approved the request, not the
	// requesting clinician.
	secret, err := s.vault.GetSecret(ctx, grant.VaultID, grant.Path, grant.ApproverID)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, NotFoundError("secret", grant.VaultID+"/"+grant.Path)
		}
		return nil, err
	}
	creds, err := adapter.ParseCredentials(secret.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("decode vault secret: %w", err)
	}

	conn, err := s.connectWithRetry(ctx, ad, target)
	if err != nil {
		return nil, err
	}
	defer ad.Cleanup(conn)

	if _, err := ad.Authenticate(ctx, conn, creds); err != nil {
		return nil, err
	}

	if in.Ephemeral {
		if err := s.withEphemeralAccount(ctx, grant, ad, conn, creds); err != nil {
			return nil, err
		}
	}

	q := in.Query
	if q.Limit <= 0 {
		q.Limit = 100
	}
	instances, err := ad.ListInstances(ctx, conn, q)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: no instances matched", adapter.ErrRetrieval)
	}

	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	format := in.Format
	if format == "" {
		format = adapter.FormatJSON
	}
	return ad.Retrieve(ctx, conn, ids, format)
}

// connectWithRetry dials the backend with bounded exponential backoff.
// Authentication failures never retry; only transport errors do.
func (s *RetrievalService) connectWithRetry(ctx context.Context, ad adapter.Adapter, target adapter.TargetConfig) (adapter.Connection, error) {
	var lastErr error
	backoff := connectBackoff
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		conn, err := ad.Connect(ctx, target)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		s.logger.Warn("backend connect failed",
			"kind", ad.Name(),
			"host", target.Host,
			"attempt", attempt,
			"error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", adapter.ErrConnection, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

// withEphemeralAccount provisions a short-lived backend account, stamps it,
// and schedules a best-effort drop after its TTL. Adapters without the
// capability fail the request rather than silently ignoring the flag.
func (s *RetrievalService) withEphemeralAccount(ctx context.Context, grant *TokenGrant, ad adapter.Adapter, conn adapter.Connection, creds adapter.Credentials) error {
	prov, ok := ad.(adapter.EphemeralProvisioner)
	if !ok {
		return fmt.Errorf("%w: adapter %q cannot provision accounts", adapter.ErrEphemeralAccount, ad.Name())
	}

	cred, err := prov.CreateEphemeralAccount(ctx, conn, ephemeralTTL)
	if err != nil {
		return err
	}
	if _, aerr := s.audit.Append(ctx, model.AuditEvent{
		Type:    model.EventEphemeralCreated,
		ReqID:   grant.ReqID,
		ActorID: grant.RequesterID,
		Metadata: map[string]any{
			"username":   cred.Username,
			"expires_ts": cred.Expires.Format(time.RFC3339),
		},
	}); aerr != nil {
		s.logger.Error("stamping ephemeral account failed", "req_id", grant.ReqID, "error", aerr)
	}

	// The backend enforces the expiry itself; the drop here only tidies up
	// early when the broker is still running.
	go func() {
		timer := time.NewTimer(ephemeralTTL)
		defer timer.Stop()
		<-timer.C

		dropCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		fresh, err := ad.Connect(dropCtx, conn.Target())
		if err != nil {
			s.logger.Warn("ephemeral drop skipped, backend unreachable", "username", cred.Username, "error", err)
			return
		}
		defer ad.Cleanup(fresh)
		if _, err := ad.Authenticate(dropCtx, fresh, creds); err != nil {
			s.logger.Warn("ephemeral drop skipped, re-authentication failed", "username", cred.Username, "error", err)
			return
		}
		if err := prov.DropEphemeralAccount(dropCtx, fresh, cred.Username); err != nil {
			s.logger.Warn("ephemeral drop failed", "username", cred.Username, "error", err)
			return
		}
		if _, err := s.audit.Append(dropCtx, model.AuditEvent{
			Type:     model.EventEphemeralExpired,
			ReqID:    grant.ReqID,
			Metadata: map[string]any{"username": cred.Username},
		}); err != nil {
			s.logger.Error("stamping ephemeral expiry failed", "req_id", grant.ReqID, "error", err)
		}
	}()
	return nil
}
