package service

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/medivault/lifeline/internal/adapter"
	"github.com/medivault/lifeline/internal/audit"
	"github.com/medivault/lifeline/internal/crypto"
	"github.com/medivault/lifeline/internal/model"
	"github.com/medivault/lifeline/internal/store"
	"github.com/medivault/lifeline/internal/vault"
)

const (
	testVault    = "radiology-pacs"
	testPath     = "service-account"
	testApprover = "owner-radiology"
	testKind     = "mock"
)

// stubVaults satisfies VaultResolver and TargetResolver with a fixed map.
type stubVaults struct {
	kinds   map[string]string
	targets map[string]adapter.TargetConfig
}

func (s stubVaults) ResolveVault(vaultID string) (string, bool) {
	kind, ok := s.kinds[vaultID]
	return kind, ok
}

func (s stubVaults) ResolveTarget(vaultID string) (adapter.TargetConfig, bool) {
	tc, ok := s.targets[vaultID]
	return tc, ok
}

type testEnv struct {
	store        *store.Store
	audit        *audit.Service
	keys         *crypto.Provider
	approverPriv ed25519.PrivateKey
	backend      *mockBackend
	vaultSvc     *vault.Service

	requests  *RequestService
	approvals *ApprovalService
	tokens    *TokenService
	retrieval *RetrievalService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open("")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	aud := audit.New(st, logger)

	_, tokenPriv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	approverPub, approverPriv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	keys := crypto.NewProvider(tokenPriv, map[string]ed25519.PublicKey{testApprover: approverPub})

	backend := newMockBackend()
	reg := adapter.NewRegistry()
	reg.Register(testKind, func() adapter.Adapter { return &mockAdapter{backend: backend} })

	masterKey := make([]byte, 32)
	for i := range masterKey {
		masterKey[i] = byte(i)
	}
	aead, err := crypto.NewAEAD(masterKey)
	if err != nil {
		t.Fatalf("NewAEAD() error = %v", err)
	}
	vaultSvc := vault.New(st, aead, logger)
	secret := &model.VaultSecret{VaultID: testVault, Path: testPath, OwnerID: testApprover}
	if err := vaultSvc.PutSecret(context.Background(), secret, []byte(`{"username":"svc","password":"pw"}`)); err != nil {
		t.Fatalf("PutSecret() error = %v", err)
	}

	vaults := stubVaults{
		kinds: map[string]string{testVault: testKind},
		targets: map[string]adapter.TargetConfig{
			testVault: {Kind: testKind, Host: "pacs.internal", Port: 8042},
		},
	}

	tokens := NewTokenService(st, aud, keys, logger)
	return &testEnv{
		store:        st,
		audit:        aud,
		keys:         keys,
		approverPriv: approverPriv,
		backend:      backend,
		vaultSvc:     vaultSvc,
		requests:     NewRequestService(st, aud, reg, vaults, logger),
		approvals:    NewApprovalService(st, aud, keys, logger),
		tokens:       tokens,
		retrieval:    NewRetrievalService(tokens, vaultSvc, aud, reg, vaults, vaults, logger),
	}
}

func (e *testEnv) createRequest(t *testing.T, emergency bool) *model.CredentialRequest {
	t.Helper()
	req, err := e.requests.Create(context.Background(), CreateRequestInput{
		RequesterID: "dr-chen",
		Reason:      "unresponsive trauma patient, prior imaging needed",
		TargetVault: testVault,
		TargetPath:  testPath,
		Emergency:   emergency,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return req
}

func (e *testEnv) signature(req *model.CredentialRequest) string {
	msg := crypto.ApprovalMessage(req.ReqID, req.RequesterID, req.TargetVault, req.TargetPath, req.Reason)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(e.approverPriv, msg))
}

func (e *testEnv) approve(t *testing.T, req *model.CredentialRequest) *model.CredentialApproval {
	t.Helper()
	approval, err := e.approvals.Approve(context.Background(), req.ReqID, ApproveInput{
		ApproverID: testApprover,
		Signature:  e.signature(req),
	})
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	return approval
}

func (e *testEnv) issue(t *testing.T, reqID string) *IssuedToken {
	t.Helper()
	tok, err := e.tokens.Issue(context.Background(), reqID, testApprover)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return tok
}

func (e *testEnv) lastAuditType(t *testing.T) string {
	t.Helper()
	entries, err := e.audit.List(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("audit List() error = %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("audit ledger is empty")
	}
	return entries[0].EventType
}

func (e *testEnv) status(t *testing.T, reqID string) model.RequestStatus {
	t.Helper()
	req, err := e.store.GetRequest(context.Background(), reqID)
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	return req.Status
}

func TestRequestLifecycleRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := env.createRequest(t, false)
	if req.Status != model.StatusPending {
		t.Fatalf("Status after Create = %s, want PENDING", req.Status)
	}
	if req.ProofID == "" {
		t.Error("Create left ProofID empty")
	}
	if req.ExpiresTS == nil || !req.ExpiresTS.After(req.CreatedTS) {
		t.Error("approval window not set")
	}

	approval := env.approve(t, req)
	if approval.TTLSeconds != int64(DefaultApprovalTTL/time.Second) {
		t.Errorf("TTLSeconds = %d, want default", approval.TTLSeconds)
	}
	if env.status(t, req.ReqID) != model.StatusApproved {
		t.Fatalf("status after Approve = %s, want APPROVED", env.status(t, req.ReqID))
	}

	tok := env.issue(t, req.ReqID)
	if env.status(t, req.ReqID) != model.StatusIssued {
		t.Fatalf("status after Issue = %s, want ISSUED", env.status(t, req.ReqID))
	}

	grant, err := env.tokens.Consume(ctx, tok.Token)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if grant.ReqID != req.ReqID || grant.RequesterID != "dr-chen" {
		t.Errorf("grant = %+v", grant)
	}
	if grant.ApproverID != testApprover {
		t.Errorf("ApproverID = %q, want %q", grant.ApproverID, testApprover)
	}
	if grant.VaultID != testVault || grant.Path != testPath {
		t.Errorf("grant scope = %s/%s", grant.VaultID, grant.Path)
	}
	if grant.Nonce != tok.Nonce {
		t.Errorf("Nonce = %q, want %q", grant.Nonce, tok.Nonce)
	}

	// Every step stamped the ledger and left the chain intact.
	if broken, err := env.audit.VerifyAll(ctx); err != nil || broken != 0 {
		t.Errorf("VerifyAll() = %d, %v", broken, err)
	}
}

func TestCreateRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	valid := CreateRequestInput{
		RequesterID: "dr-chen",
		Reason:      "r",
		TargetVault: testVault,
		TargetPath:  testPath,
	}
	tests := []struct {
		name   string
		mutate func(*CreateRequestInput)
	}{
		{"missing requester", func(in *CreateRequestInput) { in.RequesterID = "" }},
		{"missing reason", func(in *CreateRequestInput) { in.Reason = "" }},
		{"missing vault", func(in *CreateRequestInput) { in.TargetVault = "" }},
		{"missing path", func(in *CreateRequestInput) { in.TargetPath = "" }},
		{"unknown vault", func(in *CreateRequestInput) { in.TargetVault = "no-such-vault" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			if _, err := env.requests.Create(ctx, in); !errors.Is(err, ErrValidation) {
				t.Errorf("Create() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestEmergencyWindowIsWider(t *testing.T) {
	env := newTestEnv(t)

	standard := env.createRequest(t, false)
	emergency := env.createRequest(t, true)

	stdWindow := standard.ExpiresTS.Sub(standard.CreatedTS)
	emgWindow := emergency.ExpiresTS.Sub(emergency.CreatedTS)
	if stdWindow != DefaultRequestWindow {
		t.Errorf("standard window = %s, want %s", stdWindow, DefaultRequestWindow)
	}
	if emgWindow != EmergencyRequestWindow {
		t.Errorf("emergency window = %s, want %s", emgWindow, EmergencyRequestWindow)
	}
}

func TestApproveInvalidSignatureMutatesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := env.createRequest(t, false)

	// Sign the wrong message so verification fails with a well-formed sig.
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(env.approverPriv, []byte("something else")))
	_, err := env.approvals.Approve(ctx, req.ReqID, ApproveInput{ApproverID: testApprover, Signature: sig})
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Approve() error = %v, want ErrInvalidSignature", err)
	}

	if got := env.status(t, req.ReqID); got != model.StatusPending {
		t.Errorf("status after rejected approval = %s, want PENDING", got)
	}
	if got := env.lastAuditType(t); got != model.EventApprovalRejected {
		t.Errorf("last audit event = %s, want %s", got, model.EventApprovalRejected)
	}
	if _, err := env.store.GetApproval(ctx, req.ReqID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetApproval() error = %v, want ErrNotFound", err)
	}
}

func TestApproveUnknownApprover(t *testing.T) {
	env := newTestEnv(t)
	req := env.createRequest(t, false)

	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(env.approverPriv, []byte("x")))
	_, err := env.approvals.Approve(context.Background(), req.ReqID, ApproveInput{ApproverID: "owner-ghost", Signature: sig})
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Approve() error = %v, want ErrInvalidSignature", err)
	}
}

func TestApproveExpiredRequest(t *testing.T) {
	env := newTestEnv(t)
	req := env.createRequest(t, false)

	env.approvals.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	_, err := env.approvals.Approve(context.Background(), req.ReqID, ApproveInput{
		ApproverID: testApprover,
		Signature:  env.signature(req),
	})
	if !errors.Is(err, ErrExpiredRequest) {
		t.Errorf("Approve() error = %v, want ErrExpiredRequest", err)
	}
}

func TestApproveTTLCeiling(t *testing.T) {
	env := newTestEnv(t)
	req := env.createRequest(t, false)

	_, err := env.approvals.Approve(context.Background(), req.ReqID, ApproveInput{
		ApproverID: testApprover,
		Signature:  env.signature(req),
		TTLSeconds: int64(MaxApprovalTTL/time.Second) + 1,
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Approve() error = %v, want ErrValidation", err)
	}
}

func TestApproveDecidedRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := env.createRequest(t, false)
	env.approve(t, req)

	_, err := env.approvals.Approve(ctx, req.ReqID, ApproveInput{
		ApproverID: testApprover,
		Signature:  env.signature(req),
	})
	if !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("second Approve() error = %v, want ErrAlreadyDecided", err)
	}
}

func TestApproveLostRaceLeavesNoSuccessStamp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := env.createRequest(t, false)

	// Mid-race state: a competing approval row landed but the status
	// transition has not happened yet.
	seeded := &model.CredentialApproval{
		ReqID:      req.ReqID,
		ApproverID: testApprover,
		Signature:  []byte("competing"),
		ApprovedTS: time.Now().UTC(),
		TTLSeconds: 300,
	}
	if err := env.store.CreateApproval(ctx, seeded); err != nil {
		t.Fatalf("CreateApproval() error = %v", err)
	}

	_, err := env.approvals.Approve(ctx, req.ReqID, ApproveInput{
		ApproverID: testApprover,
		Signature:  env.signature(req),
	})
	if !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("Approve() error = %v, want ErrAlreadyDecided", err)
	}

	entries, err := env.audit.List(ctx, 50, 0)
	if err != nil {
		t.Fatalf("audit List() error = %v", err)
	}
	for _, e := range entries {
		if e.EventType == model.EventCredentialApproved {
			t.Error("ledger holds a CREDENTIAL_APPROVED entry for an approval that never committed")
		}
	}
	if got := env.status(t, req.ReqID); got != model.StatusPending {
		t.Errorf("status = %s, want PENDING", got)
	}
}

func TestDenyRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := env.createRequest(t, false)

	denied, err := env.requests.Deny(ctx, req.ReqID, testApprover, "no clinical justification")
	if err != nil {
		t.Fatalf("Deny() error = %v", err)
	}
	if denied.Status != model.StatusDenied {
		t.Errorf("Status = %s, want DENIED", denied.Status)
	}
	if got := env.lastAuditType(t); got != model.EventCredentialDenied {
		t.Errorf("last audit event = %s, want %s", got, model.EventCredentialDenied)
	}

	if _, err := env.requests.Deny(ctx, req.ReqID, testApprover, "again"); !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("Deny(denied) error = %v, want ErrAlreadyDecided", err)
	}
}

func TestDenyIssuedRequest(t *testing.T) {
	env := newTestEnv(t)
	req := env.createRequest(t, false)
	env.approve(t, req)
	env.issue(t, req.ReqID)

	_, err := env.requests.Deny(context.Background(), req.ReqID, testApprover, "too late")
	if !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("Deny(issued) error = %v, want ErrAlreadyDecided", err)
	}
}

func TestIssueBeforeApproval(t *testing.T) {
	env := newTestEnv(t)
	req := env.createRequest(t, false)

	_, err := env.tokens.Issue(context.Background(), req.ReqID, testApprover)
	if !errors.Is(err, ErrNotApproved) {
		t.Errorf("Issue(pending) error = %v, want ErrNotApproved", err)
	}
}

func TestIssueTwice(t *testing.T) {
	env := newTestEnv(t)
	req := env.createRequest(t, false)
	env.approve(t, req)
	env.issue(t, req.ReqID)

	_, err := env.tokens.Issue(context.Background(), req.ReqID, testApprover)
	if !errors.Is(err, ErrNotApproved) {
		t.Errorf("second Issue() error = %v, want ErrNotApproved", err)
	}
}

func TestConsumeReplayIsStamped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := env.createRequest(t, false)
	env.approve(t, req)
	tok := env.issue(t, req.ReqID)

	if _, err := env.tokens.Consume(ctx, tok.Token); err != nil {
		t.Fatalf("first Consume() error = %v", err)
	}
	if _, err := env.tokens.Consume(ctx, tok.Token); !errors.Is(err, ErrNonceReplay) {
		t.Fatalf("second Consume() error = %v, want ErrNonceReplay", err)
	}
	if got := env.lastAuditType(t); got != model.EventNonceReplay {
		t.Errorf("last audit event = %s, want %s", got, model.EventNonceReplay)
	}
}

func TestConsumeParallelExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	req := env.createRequest(t, false)
	env.approve(t, req)
	tok := env.issue(t, req.ReqID)

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.tokens.Consume(context.Background(), tok.Token)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, replays int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrNonceReplay):
			replays++
		default:
			t.Errorf("unexpected Consume() error = %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if replays != workers-1 {
		t.Errorf("replays = %d, want %d", replays, workers-1)
	}
}

func TestConsumeGarbageToken(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.tokens.Consume(context.Background(), "not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Consume() error = %v, want ErrInvalidToken", err)
	}
}

func TestConsumeExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	req := env.createRequest(t, false)
	env.approve(t, req)
	tok := env.issue(t, req.ReqID)

	env.tokens.now = func() time.Time { return time.Now().Add(DefaultApprovalTTL + time.Minute) }
	if _, err := env.tokens.Consume(context.Background(), tok.Token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Consume() error = %v, want ErrTokenExpired", err)
	}
}

func TestConsumeForeignKeyToken(t *testing.T) {
	env := newTestEnv(t)
	other := newTestEnv(t)
	req := other.createRequest(t, false)
	other.approve(t, req)
	tok := other.issue(t, req.ReqID)

	// Signed by a different broker key, so verification fails outright.
	if _, err := env.tokens.Consume(context.Background(), tok.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Consume() error = %v, want ErrInvalidToken", err)
	}
}

func TestExpireOverdueSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := env.createRequest(t, false)
	env.createRequest(t, true) // emergency, window still open

	env.requests.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	n, err := env.requests.ExpireOverdue(ctx)
	if err != nil {
		t.Fatalf("ExpireOverdue() error = %v", err)
	}
	if n != 1 {
		t.Errorf("ExpireOverdue() = %d, want 1", n)
	}
	if got := env.status(t, req.ReqID); got != model.StatusExpired {
		t.Errorf("status = %s, want EXPIRED", got)
	}
	if got := env.lastAuditType(t); got != model.EventCredentialExpired {
		t.Errorf("last audit event = %s, want %s", got, model.EventCredentialExpired)
	}
}

func TestGetLazilyExpires(t *testing.T) {
	env := newTestEnv(t)
	req := env.createRequest(t, false)

	env.requests.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	got, err := env.requests.Get(context.Background(), req.ReqID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != model.StatusExpired {
		t.Errorf("Status = %s, want EXPIRED", got.Status)
	}
}

func TestGetUnknownRequest(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.requests.Get(context.Background(), "REQ-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}
