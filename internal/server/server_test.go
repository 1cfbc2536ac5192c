package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/medivault/lifeline/internal/adapter"
	"github.com/medivault/lifeline/internal/audit"
	"github.com/medivault/lifeline/internal/config"
	"github.com/medivault/lifeline/internal/crypto"
	"github.com/medivault/lifeline/internal/model"
	"github.com/medivault/lifeline/internal/service"
	"github.com/medivault/lifeline/internal/store"
	"github.com/medivault/lifeline/internal/vault"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	testAPIKey   = "integration-test-api-key"
	testCaller   = "er-gateway"
	testVaultID  = "radiology-pacs"
	testPath     = "service-account"
	testApprover = "owner-radiology"
	testKind     = "stub"
)

// stubConn and stubAdapter stand in for a clinical backend.
type stubConn struct {
	target adapter.TargetConfig
}

func (c *stubConn) Target() adapter.TargetConfig { return c.target }
func (c *stubConn) Close() error                 { return nil }

type stubAdapter struct{}

func (a *stubAdapter) Name() string { return testKind }

func (a *stubAdapter) Connect(ctx context.Context, target adapter.TargetConfig) (adapter.Connection, error) {
	return &stubConn{target: target}, nil
}

func (a *stubAdapter) Authenticate(ctx context.Context, conn adapter.Connection, creds adapter.Credentials) (adapter.AuthToken, error) {
	return adapter.AuthToken{Value: "session"}, nil
}

func (a *stubAdapter) ListInstances(ctx context.Context, conn adapter.Connection, q adapter.Query) ([]adapter.InstanceDescriptor, error) {
	return []adapter.InstanceDescriptor{{ID: "inst-1", Kind: "dicom-instance"}}, nil
}

func (a *stubAdapter) Retrieve(ctx context.Context, conn adapter.Connection, instanceIDs []string, format adapter.Format) (*adapter.Payload, error) {
	data := []byte(`[{"id":"inst-1","modality":"MR"}]`)
	return &adapter.Payload{
		Format:    format,
		Data:      data,
		Requested: len(instanceIDs),
		Succeeded: len(instanceIDs),
		Bytes:     int64(len(data)),
	}, nil
}

func (a *stubAdapter) Cleanup(conn adapter.Connection) {}

// testEnv holds the shared state for the HTTP integration tests.
type testEnv struct {
	server       *Server
	store        *store.Store
	approverPriv ed25519.PrivateKey
}

// newTestEnv wires a fully functional Server over an in-memory store with a
// stub backend adapter and one provisioned vault secret.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open("")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	aud := audit.New(st, logger)

	_, tokenPriv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	approverPub, approverPriv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	keys := crypto.NewProvider(tokenPriv, map[string]ed25519.PublicKey{testApprover: approverPub})

	reg := adapter.NewRegistry()
	reg.Register(testKind, func() adapter.Adapter { return &stubAdapter{} })

	masterKey := make([]byte, 32)
	aead, err := crypto.NewAEAD(masterKey)
	if err != nil {
		t.Fatalf("NewAEAD: %v", err)
	}
	vaultSvc := vault.New(st, aead, logger)
	secret := &model.VaultSecret{VaultID: testVaultID, Path: testPath, OwnerID: testApprover}
	if err := vaultSvc.PutSecret(context.Background(), secret, []byte(`{"username":"svc","password":"pw"}`)); err != nil {
		t.Fatalf("PutSecret: %v", err)
	}

	cfg := config.Default()
	cfg.Vaults = []config.VaultConfig{{
		ID:     testVaultID,
		Kind:   testKind,
		Target: config.TargetConfig{Host: "backend.internal", Port: 8042},
	}}
	keySum := sha256.Sum256([]byte(testAPIKey))
	cfg.Auth.Keys = []config.APIKeyRef{{ID: testCaller, KeyHash: hex.EncodeToString(keySum[:])}}

	tokens := service.NewTokenService(st, aud, keys, logger)
	services := Services{
		Requests:  service.NewRequestService(st, aud, reg, cfg, logger),
		Approvals: service.NewApprovalService(st, aud, keys, logger),
		Tokens:    tokens,
		Retrieval: service.NewRetrievalService(tokens, vaultSvc, aud, reg, cfg, cfg, logger),
		Audit:     aud,
	}
	srv := New(cfg.Server, cfg.Auth, st, services, logger)

	return &testEnv{server: srv, store: st, approverPriv: approverPriv}
}

// do performs an authenticated request against the router.
func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("X-API-Key", testAPIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

// createRequest files a request over HTTP and returns the decoded record.
func (e *testEnv) createRequest(t *testing.T) model.CredentialRequest {
	t.Helper()
	rr := e.do(t, "POST", "/api/v1/requests", map[string]any{
		"reason":       "trauma patient, prior imaging needed",
		"target_vault": testVaultID,
		"target_path":  testPath,
		"patient_context": map[string]any{
			"patient_id": "MRN-1234",
			"modality":   "MR",
		},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create request: status %d, body %s", rr.Code, rr.Body.String())
	}
	return decodeBody[model.CredentialRequest](t, rr)
}

func (e *testEnv) signature(req model.CredentialRequest) string {
	msg := crypto.ApprovalMessage(req.ReqID, req.RequesterID, req.TargetVault, req.TargetPath, req.Reason)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(e.approverPriv, msg))
}

func (e *testEnv) approveRequest(t *testing.T, req model.CredentialRequest) {
	t.Helper()
	rr := e.do(t, "POST", "/api/v1/requests/"+req.ReqID+"/approve", map[string]any{
		"approver_id": testApprover,
		"signature":   e.signature(req),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("approve: status %d, body %s", rr.Code, rr.Body.String())
	}
}

func (e *testEnv) issueToken(t *testing.T, reqID string) string {
	t.Helper()
	rr := e.do(t, "GET", "/api/v1/requests/"+reqID+"/token", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("issue token: status %d, body %s", rr.Code, rr.Body.String())
	}
	issued := decodeBody[map[string]any](t, rr)
	tok, _ := issued["token"].(string)
	if tok == "" {
		t.Fatalf("no token in response %s", rr.Body.String())
	}
	return tok
}

// ---------------------------------------------------------------------------
// Health and authentication
// ---------------------------------------------------------------------------

func TestHealthEndpointsUnauthenticated(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/v1/health/live", "/api/v1/health/ready"} {
		req := httptest.NewRequest("GET", path, nil)
		rr := httptest.NewRecorder()
		env.server.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("%s: status %d, want 200", path, rr.Code)
		}
	}
}

func TestAPIRequiresKey(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "/api/v1/requests", nil)
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status %d, want 401", rr.Code)
	}

	req = httptest.NewRequest("GET", "/api/v1/requests", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	rr = httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("bad key: status %d, want 401", rr.Code)
	}
}

// ---------------------------------------------------------------------------
// Full lifecycle over HTTP
// ---------------------------------------------------------------------------

func TestLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	req := env.createRequest(t)
	if req.Status != model.StatusPending {
		t.Fatalf("created status = %s, want PENDING", req.Status)
	}
	// The requester defaults to the authenticated caller.
	if req.RequesterID != testCaller {
		t.Errorf("RequesterID = %q, want %q", req.RequesterID, testCaller)
	}

	env.approveRequest(t, req)

	rr := env.do(t, "GET", "/api/v1/requests/"+req.ReqID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: status %d", rr.Code)
	}
	if got := decodeBody[model.CredentialRequest](t, rr); got.Status != model.StatusApproved {
		t.Errorf("status after approve = %s, want APPROVED", got.Status)
	}

	token := env.issueToken(t, req.ReqID)

	rr = env.do(t, "POST", "/api/v1/credentials/retrieve", map[string]any{
		"token": token,
		"query": map[string]any{"patient_id": "MRN-1234"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("retrieve: status %d, body %s", rr.Code, rr.Body.String())
	}
	result := decodeBody[map[string]any](t, rr)
	if result["req_id"] != req.ReqID {
		t.Errorf("req_id = %v", result["req_id"])
	}
	if result["merkle_proof_id"] == "" || result["merkle_proof_id"] == nil {
		t.Error("retrieval response carries no proof id")
	}
	if result["data"] == nil {
		t.Error("retrieval response carries no data")
	}

	// The single-use token is spent.
	rr = env.do(t, "POST", "/api/v1/credentials/retrieve", map[string]any{"token": token})
	if rr.Code != http.StatusConflict {
		t.Errorf("replayed retrieve: status %d, want 409", rr.Code)
	}
}

func TestListRequestsFiltering(t *testing.T) {
	env := newTestEnv(t)
	first := env.createRequest(t)
	env.createRequest(t)
	env.approveRequest(t, first)

	rr := env.do(t, "GET", "/api/v1/requests?status=PENDING", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: status %d", rr.Code)
	}
	var list struct {
		Resource []model.CredentialRequest `json:"resource"`
		Meta     model.ResponseMeta        `json:"meta"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Resource) != 1 {
		t.Fatalf("pending count = %d, want 1", len(list.Resource))
	}
	if list.Meta.Count != 1 {
		t.Errorf("meta count = %d, want 1", list.Meta.Count)
	}
}

// ---------------------------------------------------------------------------
// Error statuses
// ---------------------------------------------------------------------------

func TestErrorStatuses(t *testing.T) {
	env := newTestEnv(t)
	req := env.createRequest(t)
	denied := env.createRequest(t)
	if rr := env.do(t, "POST", "/api/v1/requests/"+denied.ReqID+"/deny", map[string]any{"reason": "no"}); rr.Code != http.StatusOK {
		t.Fatalf("deny: status %d", rr.Code)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{
			"unknown request", "GET", "/api/v1/requests/REQ-missing", nil,
			http.StatusNotFound,
		},
		{
			"create without reason", "POST", "/api/v1/requests",
			map[string]any{"target_vault": testVaultID, "target_path": testPath},
			http.StatusBadRequest,
		},
		{
			"create for unknown vault", "POST", "/api/v1/requests",
			map[string]any{"reason": "r", "target_vault": "nope", "target_path": "p"},
			http.StatusBadRequest,
		},
		{
			"approve with malformed signature", "POST", "/api/v1/requests/" + req.ReqID + "/approve",
			map[string]any{"approver_id": testApprover, "signature": "%%%not-base64%%%"},
			http.StatusBadRequest,
		},
		{
			"approve with forged signature", "POST", "/api/v1/requests/" + req.ReqID + "/approve",
			map[string]any{"approver_id": testApprover, "signature": base64.StdEncoding.EncodeToString(make([]byte, 64))},
			http.StatusForbidden,
		},
		{
			"token before approval", "GET", "/api/v1/requests/" + req.ReqID + "/token", nil,
			http.StatusConflict,
		},
		{
			"approve decided request", "POST", "/api/v1/requests/" + denied.ReqID + "/approve",
			map[string]any{"approver_id": testApprover, "signature": env.signature(denied)},
			http.StatusConflict,
		},
		{
			"retrieve with garbage token", "POST", "/api/v1/credentials/retrieve",
			map[string]any{"token": "not.a.jwt"},
			http.StatusUnauthorized,
		},
		{
			"retrieve without token", "POST", "/api/v1/credentials/retrieve",
			map[string]any{},
			http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, tt.method, tt.path, tt.body)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rr.Code, tt.want, rr.Body.String())
			}
			var envelope model.ErrorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
				t.Fatalf("error body is not the envelope: %s", rr.Body.String())
			}
			if envelope.Error.Code != tt.want {
				t.Errorf("envelope code = %d, want %d", envelope.Error.Code, tt.want)
			}
			if envelope.Error.Message == "" {
				t.Error("envelope carries no message")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Audit endpoints
// ---------------------------------------------------------------------------

func TestAuditEndpoints(t *testing.T) {
	env := newTestEnv(t)
	req := env.createRequest(t)
	env.approveRequest(t, req)

	rr := env.do(t, "GET", "/api/v1/audit/log", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("audit log: status %d", rr.Code)
	}
	var list struct {
		Resource []model.AuditEntry `json:"resource"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode audit log: %v", err)
	}
	if len(list.Resource) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(list.Resource))
	}
	if list.Resource[0].EventType != model.EventCredentialApproved {
		t.Errorf("newest event = %s, want %s", list.Resource[0].EventType, model.EventCredentialApproved)
	}

	proofID := list.Resource[0].ProofID
	rr = env.do(t, "GET", fmt.Sprintf("/api/v1/audit/log/%s/verify", proofID), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("verify: status %d", rr.Code)
	}
	verdict := decodeBody[map[string]any](t, rr)
	if verdict["valid"] != true {
		t.Errorf("verify = %v, want valid", verdict)
	}

	rr = env.do(t, "GET", "/api/v1/audit/log/LEDGER-99999999/verify", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("verify unknown proof: status %d, want 404", rr.Code)
	}

	rr = env.do(t, "GET", "/api/v1/audit/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats: status %d", rr.Code)
	}
	var stats model.AuditStats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalEvents != 2 {
		t.Errorf("TotalEvents = %d, want 2", stats.TotalEvents)
	}
}
