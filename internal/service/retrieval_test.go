package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/medivault/lifeline/internal/adapter"
	"github.com/medivault/lifeline/internal/model"
)

// mockBackend is the shared state behind every mockAdapter instance the
// registry hands out. Tests script failures and inspect call counts on it.
type mockBackend struct {
	mu           sync.Mutex
	connectFails int
	connects     int
	authErr      error
	instances    []adapter.InstanceDescriptor
	retrieveErr  error
	lastQuery    adapter.Query
	lastFormat   adapter.Format
	lastCreds    adapter.Credentials
	cleanups     int
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		instances: []adapter.InstanceDescriptor{
			{ID: "inst-1", Kind: "dicom-instance", SizeHint: 512},
			{ID: "inst-2", Kind: "dicom-instance", SizeHint: 512},
		},
	}
}

type mockConn struct {
	target adapter.TargetConfig
}

func (c *mockConn) Target() adapter.TargetConfig { return c.target }
func (c *mockConn) Close() error                 { return nil }

type mockAdapter struct {
	backend *mockBackend
}

func (a *mockAdapter) Name() string { return testKind }

func (a *mockAdapter) Connect(ctx context.Context, target adapter.TargetConfig) (adapter.Connection, error) {
	b := a.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	if b.connects <= b.connectFails {
		return nil, adapter.ConnectionError(testKind, target.Host, errors.New("connection refused"))
	}
	return &mockConn{target: target}, nil
}

func (a *mockAdapter) Authenticate(ctx context.Context, conn adapter.Connection, creds adapter.Credentials) (adapter.AuthToken, error) {
	b := a.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastCreds = creds
	if b.authErr != nil {
		return adapter.AuthToken{}, b.authErr
	}
	return adapter.AuthToken{Value: "session"}, nil
}

func (a *mockAdapter) ListInstances(ctx context.Context, conn adapter.Connection, q adapter.Query) ([]adapter.InstanceDescriptor, error) {
	b := a.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastQuery = q
	return b.instances, nil
}

func (a *mockAdapter) Retrieve(ctx context.Context, conn adapter.Connection, instanceIDs []string, format adapter.Format) (*adapter.Payload, error) {
	b := a.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFormat = format
	if b.retrieveErr != nil {
		return nil, b.retrieveErr
	}
	data := []byte(`[{"id":"inst-1"},{"id":"inst-2"}]`)
	return &adapter.Payload{
		Format:    format,
		Data:      data,
		Requested: len(instanceIDs),
		Succeeded: len(instanceIDs),
		Bytes:     int64(len(data)),
	}, nil
}

func (a *mockAdapter) Cleanup(conn adapter.Connection) {
	b := a.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanups++
}

// issuedToken walks a fresh request through approval and issuance.
func (e *testEnv) issuedToken(t *testing.T) *IssuedToken {
	t.Helper()
	req := e.createRequest(t, false)
	e.approve(t, req)
	return e.issue(t, req.ReqID)
}

func TestRetrieveSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tok := env.issuedToken(t)

	res, err := env.retrieval.Retrieve(ctx, RetrievalInput{
		Token: tok.Token,
		Query: adapter.Query{StudyUID: "1.2.840.1", Modality: "MR"},
	})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if res.ReqID != tok.ReqID {
		t.Errorf("ReqID = %q, want %q", res.ReqID, tok.ReqID)
	}
	if res.Requested != 2 || res.Succeeded != 2 {
		t.Errorf("Requested/Succeeded = %d/%d, want 2/2", res.Requested, res.Succeeded)
	}
	if res.Bytes == 0 || len(res.Data) == 0 {
		t.Error("payload is empty")
	}
	if res.ProofID == "" {
		t.Error("success not stamped with a proof id")
	}
	if res.Format != adapter.FormatJSON {
		t.Errorf("Format = %q, want default json", res.Format)
	}
	if got := env.lastAuditType(t); got != model.EventRetrievalSuccess {
		t.Errorf("last audit event = %s, want %s", got, model.EventRetrievalSuccess)
	}

	env.backend.mu.Lock()
	defer env.backend.mu.Unlock()
	if env.backend.lastCreds.Username != "svc" || env.backend.lastCreds.Password != "pw" {
		t.Error("vault credentials did not reach the adapter")
	}
	if env.backend.lastQuery.StudyUID != "1.2.840.1" {
		t.Errorf("query StudyUID = %q", env.backend.lastQuery.StudyUID)
	}
	if env.backend.lastQuery.Limit != 100 {
		t.Errorf("query Limit = %d, want default 100", env.backend.lastQuery.Limit)
	}
	if env.backend.cleanups != 1 {
		t.Errorf("cleanups = %d, want 1", env.backend.cleanups)
	}
}

func TestRetrieveBurnsTokenOnFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tok := env.issuedToken(t)
	env.backend.authErr = adapter.AuthenticationError(testKind, errors.New("bad service account"))

	_, err := env.retrieval.Retrieve(ctx, RetrievalInput{Token: tok.Token})
	if !errors.Is(err, adapter.ErrAuthentication) {
		t.Fatalf("Retrieve() error = %v, want ErrAuthentication", err)
	}
	if got := env.lastAuditType(t); got != model.EventRetrievalFailure {
		t.Errorf("last audit event = %s, want %s", got, model.EventRetrievalFailure)
	}

	// The nonce was spent before the backend leg ran.
	env.backend.authErr = nil
	if _, err := env.retrieval.Retrieve(ctx, RetrievalInput{Token: tok.Token}); !errors.Is(err, ErrNonceReplay) {
		t.Errorf("retry error = %v, want ErrNonceReplay", err)
	}

	env.backend.mu.Lock()
	defer env.backend.mu.Unlock()
	if env.backend.cleanups != 1 {
		t.Errorf("cleanups = %d, want 1", env.backend.cleanups)
	}
}

func TestRetrieveConnectRetries(t *testing.T) {
	env := newTestEnv(t)
	tok := env.issuedToken(t)
	env.backend.connectFails = 1

	if _, err := env.retrieval.Retrieve(context.Background(), RetrievalInput{Token: tok.Token}); err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}

	env.backend.mu.Lock()
	defer env.backend.mu.Unlock()
	if env.backend.connects != 2 {
		t.Errorf("connects = %d, want 2", env.backend.connects)
	}
}

func TestRetrieveConnectExhaustsRetries(t *testing.T) {
	env := newTestEnv(t)
	tok := env.issuedToken(t)
	env.backend.connectFails = 10

	_, err := env.retrieval.Retrieve(context.Background(), RetrievalInput{Token: tok.Token})
	if !errors.Is(err, adapter.ErrConnection) {
		t.Fatalf("Retrieve() error = %v, want ErrConnection", err)
	}

	env.backend.mu.Lock()
	defer env.backend.mu.Unlock()
	if env.backend.connects != connectAttempts {
		t.Errorf("connects = %d, want %d", env.backend.connects, connectAttempts)
	}
}

func TestRetrieveNoMatchingInstances(t *testing.T) {
	env := newTestEnv(t)
	tok := env.issuedToken(t)
	env.backend.instances = nil

	_, err := env.retrieval.Retrieve(context.Background(), RetrievalInput{Token: tok.Token})
	if !errors.Is(err, adapter.ErrRetrieval) {
		t.Errorf("Retrieve() error = %v, want ErrRetrieval", err)
	}
}

func TestRetrievePartialFailure(t *testing.T) {
	env := newTestEnv(t)
	tok := env.issuedToken(t)
	env.backend.retrieveErr = adapter.RetrievalError(testKind, 1, 2, errors.New("instance gone"))

	_, err := env.retrieval.Retrieve(context.Background(), RetrievalInput{Token: tok.Token})
	if !errors.Is(err, adapter.ErrRetrieval) {
		t.Errorf("Retrieve() error = %v, want ErrRetrieval", err)
	}
	if got := env.lastAuditType(t); got != model.EventRetrievalFailure {
		t.Errorf("last audit event = %s, want %s", got, model.EventRetrievalFailure)
	}
}

func TestRetrieveEphemeralUnsupported(t *testing.T) {
	env := newTestEnv(t)
	tok := env.issuedToken(t)

	_, err := env.retrieval.Retrieve(context.Background(), RetrievalInput{Token: tok.Token, Ephemeral: true})
	if !errors.Is(err, adapter.ErrEphemeralAccount) {
		t.Errorf("Retrieve() error = %v, want ErrEphemeralAccount", err)
	}
}

func TestRetrieveRawFormat(t *testing.T) {
	env := newTestEnv(t)
	tok := env.issuedToken(t)

	res, err := env.retrieval.Retrieve(context.Background(), RetrievalInput{Token: tok.Token, Format: adapter.FormatRaw})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if res.Format != adapter.FormatRaw {
		t.Errorf("Format = %q, want raw", res.Format)
	}
}

func TestRetrieveSecretOwnerGuardsAccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Re-home the secret under a different owner after issuance. The grant
	// still names the original approver, so the vault refuses it.
	tok := env.issuedToken(t)
	secret := &model.VaultSecret{VaultID: testVault, Path: testPath, OwnerID: "owner-other"}
	if err := env.vaultSvc.PutSecret(ctx, secret, []byte(`{"username":"svc","password":"pw"}`)); err != nil {
		t.Fatalf("PutSecret() error = %v", err)
	}

	_, err := env.retrieval.Retrieve(ctx, RetrievalInput{Token: tok.Token})
	if err == nil {
		t.Fatal("Retrieve() succeeded against a foreign-owned secret")
	}

	env.backend.mu.Lock()
	defer env.backend.mu.Unlock()
	if env.backend.connects != 0 {
		t.Error("backend was dialed despite vault denial")
	}
}

func TestRetrieveDuration(t *testing.T) {
	env := newTestEnv(t)
	tok := env.issuedToken(t)

	base := time.Now()
	calls := 0
	env.retrieval.now = func() time.Time {
		calls++
		if calls == 1 {
			return base
		}
		return base.Add(250 * time.Millisecond)
	}

	res, err := env.retrieval.Retrieve(context.Background(), RetrievalInput{Token: tok.Token})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if res.Duration != 250*time.Millisecond {
		t.Errorf("Duration = %s, want 250ms", res.Duration)
	}
}
