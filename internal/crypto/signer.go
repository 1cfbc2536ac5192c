package crypto

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrBadSignature is returned when a signature does not verify against
	// the registered approver key.
	ErrBadSignature = errors.New("signature verification failed")
	// ErrUnknownApprover is returned when no public key is registered for
	// the approver id.
	ErrUnknownApprover = errors.New("unknown approver")
)

// Verifier checks approver signatures. The provider holds one Ed25519 public
// key per approver id, loaded at startup.
type Verifier interface {
	Verify(approverID string, message, signature []byte) error
}

// Signer signs broker-issued artifacts (retrieval tokens) with the broker's
// own Ed25519 key.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	Public() ed25519.PublicKey
	PrivateKey() ed25519.PrivateKey
}

// Provider is the concrete crypto provider backed by PEM key files.
type Provider struct {
	tokenKey  ed25519.PrivateKey
	approvers map[string]ed25519.PublicKey
}

// NewProvider builds a Provider from a broker private key and a map of
// approver id → public key.
func NewProvider(tokenKey ed25519.PrivateKey, approvers map[string]ed25519.PublicKey) *Provider {
	if approvers == nil {
		approvers = make(map[string]ed25519.PublicKey)
	}
	return &Provider{tokenKey: tokenKey, approvers: approvers}
}

// RegisterApprover adds or replaces the public key for an approver.
func (p *Provider) RegisterApprover(approverID string, pub ed25519.PublicKey) {
	p.approvers[approverID] = pub
}

// Verify checks sig over message with the approver's registered key.
func (p *Provider) Verify(approverID string, message, sig []byte) error {
	pub, ok := p.approvers[approverID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownApprover, approverID)
	}
	if !ed25519.Verify(pub, message, sig) {
		return ErrBadSignature
	}
	return nil
}

// Sign signs message with the broker token key.
func (p *Provider) Sign(message []byte) ([]byte, error) {
	if p.tokenKey == nil {
		return nil, errors.New("token signing key not configured")
	}
	return p.tokenKey.Sign(rand.Reader, message, crypto.Hash(0))
}

// Public returns the broker token verification key.
func (p *Provider) Public() ed25519.PublicKey {
	return p.tokenKey.Public().(ed25519.PublicKey)
}

// PrivateKey exposes the raw signing key for the JWT layer.
func (p *Provider) PrivateKey() ed25519.PrivateKey {
	return p.tokenKey
}

// GenerateKey creates a fresh Ed25519 key pair.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// LoadPrivateKeyPEM reads a PKCS#8 PEM-encoded Ed25519 private key from path.
func LoadPrivateKeyPEM(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an Ed25519 key", path)
	}
	return edKey, nil
}

// LoadPublicKeyPEM reads a PKIX PEM-encoded Ed25519 public key from path.
func LoadPublicKeyPEM(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	edKey, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an Ed25519 key", path)
	}
	return edKey, nil
}

// EncodePrivateKeyPEM serializes an Ed25519 private key as PKCS#8 PEM.
func EncodePrivateKeyPEM(key ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodePublicKeyPEM serializes an Ed25519 public key as PKIX PEM.
func EncodePublicKeyPEM(key ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
