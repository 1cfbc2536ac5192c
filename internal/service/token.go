package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/medivault/lifeline/internal/audit"
	"github.com/medivault/lifeline/internal/crypto"
	"github.com/medivault/lifeline/internal/model"
	"github.com/medivault/lifeline/internal/store"
)

const tokenIssuer = "lifeline-broker"

// IssuedToken is the result of a successful issuance.
type IssuedToken struct {
	Token     string    `json:"token"`
	Nonce     string    `json:"nonce"`
	ReqID     string    `json:"req_id"`
	ExpiresTS time.Time `json:"expires_ts"`
}

// TokenGrant is what a verified, consumed token authorizes: one retrieval
// against one vault path. ApproverID names the owner who signed off; the
// vault layer checks it against the secret's owner.
type TokenGrant struct {
	ReqID       string
	RequesterID string
	ApproverID  string
	VaultID     string
	Path        string
	Nonce       string
}

// TokenService mints and consumes single-use retrieval tokens. Replay
// safety rests on the store's conditional nonce update, not on JWT
// validation alone.
type TokenService struct {
	store  *store.Store
	audit  *audit.Service
	keys   *crypto.Provider
	logger *slog.Logger
	now    func() time.Time
}

// NewTokenService creates a TokenService.
func NewTokenService(st *store.Store, aud *audit.Service, keys *crypto.Provider, logger *slog.Logger) *TokenService {
	return &TokenService{store: st, audit: aud, keys: keys, logger: logger, now: time.Now}
}

// Issue mints a retrieval token for an APPROVED request and transitions it
// to ISSUED. The token lifetime is the approval TTL.
func (s *TokenService) Issue(ctx context.Context, reqID, actorID string) (*IssuedToken, error) {
	req, err := s.store.GetRequest(ctx, reqID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NotFoundError("request", reqID)
	}
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if req.Status == model.StatusExpired || req.ExpiredAt(now) {
		return nil, fmt.Errorf("%w: issuance window closed", ErrExpiredRequest)
	}
	if req.Status != model.StatusApproved {
		return nil, fmt.Errorf("%w: status is %s", ErrNotApproved, req.Status)
	}

	approval, err := s.store.GetApproval(ctx, reqID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no approval on record", ErrNotApproved)
	}
	if err != nil {
		return nil, err
	}

	expires := now.Add(time.Duration(approval.TTLSeconds) * time.Second)

	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceBytes)

	claims := jwt.MapClaims{
		"iss":    tokenIssuer,
		"sub":    req.RequesterID,
		"req_id": req.ReqID,
		"nonce":  nonce,
		"vault":  req.TargetVault,
		"path":   req.TargetPath,
		"apr":    approval.ApproverID,
		"iat":    now.Unix(),
		"exp":    expires.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.keys.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	if err := s.store.CreateNonce(ctx, &model.TokenNonce{
		Nonce:     nonce,
		ReqID:     reqID,
		CreatedTS: now,
		ExpiresTS: expires,
	}); err != nil {
		return nil, fmt.Errorf("persist nonce: %w", err)
	}

	// Transition first so a lost race never leaves a TOKEN_ISSUED entry
	// behind, then stamp and backfill the proof id.
	if err := s.store.TransitionRequest(ctx, reqID, model.StatusApproved, model.StatusIssued, ""); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return nil, fmt.Errorf("%w: concurrent transition", ErrAlreadyDecided)
		}
		return nil, err
	}

	proofID, err := s.audit.Append(ctx, model.AuditEvent{
		Type:    model.EventTokenIssued,
		ReqID:   reqID,
		ActorID: actorID,
		Metadata: map[string]any{
			"nonce":      nonce,
			"expires_ts": expires.Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("stamp issuance: %w", err)
	}
	if err := s.store.SetRequestProof(ctx, reqID, proofID); err != nil {
		s.logger.Error("backfilling request proof failed", "req_id", reqID, "error", err)
	}

	s.logger.Info("retrieval token issued", "req_id", reqID, "expires_ts", expires)
	return &IssuedToken{Token: token, Nonce: nonce, ReqID: reqID, ExpiresTS: expires}, nil
}

// Consume verifies a token and burns its nonce. Exactly one Consume per
// token can ever succeed; replays are stamped in the ledger before the
// error returns.
func (s *TokenService) Consume(ctx context.Context, rawToken string) (*TokenGrant, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (any, error) {
		return s.keys.Public(), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	grant := &TokenGrant{
		ReqID:       claimString(claims, "req_id"),
		RequesterID: claimString(claims, "sub"),
		ApproverID:  claimString(claims, "apr"),
		VaultID:     claimString(claims, "vault"),
		Path:        claimString(claims, "path"),
		Nonce:       claimString(claims, "nonce"),
	}
	if grant.ReqID == "" || grant.Nonce == "" || grant.VaultID == "" {
		return nil, fmt.Errorf("%w: missing claims", ErrInvalidToken)
	}

	reqID, err := s.store.ConsumeNonce(ctx, grant.Nonce)
	if errors.Is(err, store.ErrNonceSpent) {
		if _, aerr := s.audit.Append(ctx, model.AuditEvent{
			Type:    model.EventNonceReplay,
			ReqID:   grant.ReqID,
			ActorID: grant.RequesterID,
			Metadata: map[string]any{
				"nonce": grant.Nonce,
			},
		}); aerr != nil {
			s.logger.Error("stamping replay failed", "req_id", grant.ReqID, "error", aerr)
		}
		s.logger.Warn("retrieval token replay detected", "req_id", grant.ReqID, "nonce", grant.Nonce)
		return nil, fmt.Errorf("%w: nonce %s", ErrNonceReplay, grant.Nonce)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown nonce", ErrInvalidToken)
	}
	if err != nil {
		return nil, err
	}
	if reqID != grant.ReqID {
		// Nonce was minted for a different request than the token claims.
		return nil, fmt.Errorf("%w: nonce/request mismatch", ErrInvalidToken)
	}

	if _, err := s.audit.Append(ctx, model.AuditEvent{
		Type:    model.EventTokenConsumed,
		ReqID:   grant.ReqID,
		ActorID: grant.RequesterID,
		Metadata: map[string]any{
			"nonce": grant.Nonce,
		},
	}); err != nil {
		s.logger.Error("stamping consumption failed", "req_id", grant.ReqID, "error", err)
	}

	return grant, nil
}

// PurgeExpiredNonces deletes unused nonces past their expiry. Spent nonces
// are kept as replay evidence.
func (s *TokenService) PurgeExpiredNonces(ctx context.Context) (int64, error) {
	return s.store.PurgeExpiredNonces(ctx, s.now().UTC())
}

func claimString(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
