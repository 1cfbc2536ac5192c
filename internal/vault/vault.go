// Package vault serves decrypted secrets with owner scoping and a bounded
// in-memory cache. Plaintext only ever lives on the heap of this process and
// only for entries whose stored policy allows caching.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/medivault/lifeline/internal/crypto"
	"github.com/medivault/lifeline/internal/model"
	"github.com/medivault/lifeline/internal/store"
)

var (
	// ErrAccessDenied is returned when the caller's owner id does not match
	// the secret's owner.
	ErrAccessDenied = errors.New("access denied")
	// ErrNotFound is returned when no secret exists at (vault, path).
	ErrNotFound = errors.New("secret not found")
)

// Secret is a decrypted vault value handed to the retrieval orchestrator.
type Secret struct {
	VaultID   string
	Path      string
	OwnerID   string
	Plaintext []byte
}

type cacheEntry struct {
	plaintext []byte
	expires   time.Time
}

// Service decrypts vault secrets on demand.
type Service struct {
	store  *store.Store
	aead   *crypto.AEAD
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry

	// defaultCacheTTL bounds cache lifetime for secrets that allow caching
	// but carry no ttl_seconds of their own.
	defaultCacheTTL time.Duration
}

// New creates a vault service.
func New(st *store.Store, aead *crypto.AEAD, logger *slog.Logger) *Service {
	return &Service{
		store:           st,
		aead:            aead,
		logger:          logger,
		now:             time.Now,
		cache:           make(map[string]cacheEntry),
		defaultCacheTTL: 60 * time.Second,
	}
}

// GetSecret returns the decrypted secret at (vaultID, path), enforcing owner
// scoping. Cache hits are served only while their TTL holds; expired entries
// are discarded and re-fetched.
func (s *Service) GetSecret(ctx context.Context, vaultID, path, ownerID string) (*Secret, error) {
	key := vaultID + "\x00" + path + "\x00" + ownerID

	s.mu.Lock()
	if entry, ok := s.cache[key]; ok {
		if s.now().Before(entry.expires) {
			plaintext := make([]byte, len(entry.plaintext))
			copy(plaintext, entry.plaintext)
			s.mu.Unlock()
			return &Secret{VaultID: vaultID, Path: path, OwnerID: ownerID, Plaintext: plaintext}, nil
		}
		delete(s.cache, key)
	}
	s.mu.Unlock()

	row, err := s.store.GetSecret(ctx, vaultID, path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, vaultID, path)
		}
		return nil, err
	}

	if row.OwnerID != ownerID {
		s.logger.Warn("vault access denied", "vault", vaultID, "path", path, "owner", ownerID)
		return nil, fmt.Errorf("%w: owner mismatch for %s/%s", ErrAccessDenied, vaultID, path)
	}

	plaintext, err := s.aead.Open(row.Encrypted, crypto.SecretAAD(vaultID, path))
	if err != nil {
		return nil, fmt.Errorf("decrypt secret %s/%s: %w", vaultID, path, err)
	}

	if row.CacheAllowed {
		ttl := s.defaultCacheTTL
		if row.TTLSeconds != nil && *row.TTLSeconds > 0 {
			ttl = time.Duration(*row.TTLSeconds) * time.Second
		}
		cached := make([]byte, len(plaintext))
		copy(cached, plaintext)
		s.mu.Lock()
		s.cache[key] = cacheEntry{plaintext: cached, expires: s.now().Add(ttl)}
		s.mu.Unlock()
	}

	return &Secret{VaultID: vaultID, Path: path, OwnerID: ownerID, Plaintext: plaintext}, nil
}

// PutSecret seals and stores a secret. Administrative path, used by the CLI.
func (s *Service) PutSecret(ctx context.Context, secret *model.VaultSecret, plaintext []byte) error {
	sealed, err := s.aead.Seal(plaintext, crypto.SecretAAD(secret.VaultID, secret.Path))
	if err != nil {
		return fmt.Errorf("seal secret: %w", err)
	}
	secret.Encrypted = sealed
	return s.store.UpsertSecret(ctx, secret)
}

// Flush drops every cached plaintext. Called on shutdown.
func (s *Service) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.cache {
		for i := range e.plaintext {
			e.plaintext[i] = 0
		}
		delete(s.cache, k)
	}
}
