package crypto

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	pub, priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	p := NewProvider(priv, map[string]ed25519.PublicKey{"owner-radiology": pub})

	msg := ApprovalMessage("REQ-1", "dr-chen", "radiology-pacs", "service-account", "stroke protocol")
	sig := ed25519.Sign(priv, msg)

	if err := p.Verify("owner-radiology", msg, sig); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	pub, priv, _ := GenerateKey()
	p := NewProvider(priv, map[string]ed25519.PublicKey{"owner": pub})

	msg := ApprovalMessage("REQ-1", "dr-chen", "radiology-pacs", "service-account", "stroke protocol")
	sig := ed25519.Sign(priv, msg)
	tampered := ApprovalMessage("REQ-1", "dr-chen", "radiology-pacs", "other-path", "stroke protocol")

	if err := p.Verify("owner", tampered, sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify(tampered) error = %v, want ErrBadSignature", err)
	}
}

func TestVerifyUnknownApprover(t *testing.T) {
	_, priv, _ := GenerateKey()
	p := NewProvider(priv, nil)

	if err := p.Verify("ghost", []byte("msg"), []byte("sig")); !errors.Is(err, ErrUnknownApprover) {
		t.Errorf("Verify() error = %v, want ErrUnknownApprover", err)
	}
}

func TestApprovalMessageBindsAllFields(t *testing.T) {
	base := ApprovalMessage("REQ-1", "dr-chen", "vault", "path", "reason")
	variants := [][]byte{
		ApprovalMessage("REQ-2", "dr-chen", "vault", "path", "reason"),
		ApprovalMessage("REQ-1", "dr-wu", "vault", "path", "reason"),
		ApprovalMessage("REQ-1", "dr-chen", "other", "path", "reason"),
		ApprovalMessage("REQ-1", "dr-chen", "vault", "other", "reason"),
		ApprovalMessage("REQ-1", "dr-chen", "vault", "path", "other"),
	}
	for i, v := range variants {
		if bytes.Equal(base, v) {
			t.Errorf("variant %d produced the same canonical record", i)
		}
	}
}

func TestKeyPEMRoundTrip(t *testing.T) {
	pub, priv, _ := GenerateKey()
	dir := t.TempDir()

	privPEM, err := EncodePrivateKeyPEM(priv)
	if err != nil {
		t.Fatalf("EncodePrivateKeyPEM() error = %v", err)
	}
	pubPEM, err := EncodePublicKeyPEM(pub)
	if err != nil {
		t.Fatalf("EncodePublicKeyPEM() error = %v", err)
	}

	privPath := filepath.Join(dir, "test.key")
	pubPath := filepath.Join(dir, "test.pub")
	os.WriteFile(privPath, privPEM, 0o600)
	os.WriteFile(pubPath, pubPEM, 0o644)

	gotPriv, err := LoadPrivateKeyPEM(privPath)
	if err != nil {
		t.Fatalf("LoadPrivateKeyPEM() error = %v", err)
	}
	gotPub, err := LoadPublicKeyPEM(pubPath)
	if err != nil {
		t.Fatalf("LoadPublicKeyPEM() error = %v", err)
	}
	if !priv.Equal(gotPriv) || !pub.Equal(gotPub) {
		t.Error("PEM round trip changed the key material")
	}
}

func TestAEADSealOpen(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	a, err := NewAEAD(key)
	if err != nil {
		t.Fatalf("NewAEAD() error = %v", err)
	}

	aad := SecretAAD("radiology-pacs", "service-account")
	sealed, err := a.Seal([]byte(`{"username":"svc"}`), aad)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	plain, err := a.Open(sealed, aad)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(plain) != `{"username":"svc"}` {
		t.Errorf("Open() = %q", plain)
	}
}

func TestAEADRejectsForeignAAD(t *testing.T) {
	key := make([]byte, 32)
	a, _ := NewAEAD(key)

	sealed, _ := a.Seal([]byte("secret"), SecretAAD("vault-a", "p"))
	if _, err := a.Open(sealed, SecretAAD("vault-b", "p")); err == nil {
		t.Error("Open() accepted ciphertext bound to a different vault")
	}
}

func TestNewAEADRejectsShortKey(t *testing.T) {
	if _, err := NewAEAD(make([]byte, 16)); err == nil {
		t.Error("NewAEAD() accepted a 128-bit key")
	}
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 1, "a": map[string]any{"z": true, "y": "s"}})
	if err != nil {
		t.Fatalf("CanonicalJSON() error = %v", err)
	}
	b, err := CanonicalJSON(map[string]any{"a": map[string]any{"y": "s", "z": true}, "b": 1})
	if err != nil {
		t.Fatalf("CanonicalJSON() error = %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("canonical forms differ: %s vs %s", a, b)
	}
	want := `{"a":{"y":"s","z":true},"b":1}`
	if string(a) != want {
		t.Errorf("CanonicalJSON() = %s, want %s", a, want)
	}
}
