// Package audit maintains the tamper-evident event ledger. Entries form a
// linear SHA-256 hash chain: each entry's hash covers its content plus the
// previous entry's hash, so any out-of-band edit breaks verification of that
// entry and every one after it.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/medivault/lifeline/internal/crypto"
	"github.com/medivault/lifeline/internal/model"
	"github.com/medivault/lifeline/internal/store"
)

// genesisHash anchors the chain. Versioned so a future hashing change can
// start a new chain without colliding with v1 proofs.
const genesisHash = "lifeline-audit-genesis-v1"

// Service appends to and verifies the audit chain.
type Service struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates an audit service over the given store.
func New(st *store.Store, logger *slog.Logger) *Service {
	return &Service{store: st, logger: logger, now: time.Now}
}

// Append serializes the event, links it to the chain tail, and persists it.
// Returns the proof id referencing the entry's chain position. Serialization
// of concurrent appends happens in the store (single-writer transaction).
func (s *Service) Append(ctx context.Context, event model.AuditEvent) (string, error) {
	payload, err := crypto.CanonicalJSON(event.Metadata)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit payload: %w", err)
	}

	entry, err := s.store.AppendAuditEntry(ctx, func(prevSeq int64, prevHash string) (model.AuditEntry, error) {
		if prevHash == "" {
			prevHash = genesisHash
		}
		e := model.AuditEntry{
			Seq:       prevSeq + 1,
			Timestamp: s.now().UTC().Format(time.RFC3339Nano),
			EventType: event.Type,
			ReqID:     event.ReqID,
			ActorID:   event.ActorID,
			Payload:   string(payload),
			PrevHash:  prevHash,
		}
		e.ProofID = fmt.Sprintf("LEDGER-%08d", e.Seq)
		e.EntryHash = entryHash(e)
		return e, nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug("audit entry appended",
		"proof_id", entry.ProofID, "event_type", entry.EventType, "req_id", entry.ReqID)
	return entry.ProofID, nil
}

// Verify recomputes the chain from genesis up to the entry referenced by
// proofID and reports whether every link, including that entry, is intact.
func (s *Service) Verify(ctx context.Context, proofID string) (bool, error) {
	target, err := s.store.GetAuditEntry(ctx, proofID)
	if err != nil {
		return false, err
	}

	expectedPrev := genesisHash
	expectedSeq := int64(1)
	intact := true

	err = s.store.WalkAuditChain(ctx, target.Seq, func(e model.AuditEntry) error {
		if e.Seq != expectedSeq || e.PrevHash != expectedPrev || entryHash(e) != e.EntryHash {
			intact = false
		}
		expectedPrev = e.EntryHash
		expectedSeq = e.Seq + 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return intact, nil
}

// VerifyAll walks the entire chain and returns the first bad sequence number,
// or 0 when the chain is intact. Used by `lifeline audit verify`.
func (s *Service) VerifyAll(ctx context.Context) (int64, error) {
	stats, err := s.store.AuditStats(ctx)
	if err != nil {
		return 0, err
	}
	if stats.HeadSeq == 0 {
		return 0, nil
	}

	expectedPrev := genesisHash
	expectedSeq := int64(1)
	var firstBad int64

	err = s.store.WalkAuditChain(ctx, stats.HeadSeq, func(e model.AuditEntry) error {
		if firstBad == 0 && (e.Seq != expectedSeq || e.PrevHash != expectedPrev || entryHash(e) != e.EntryHash) {
			firstBad = e.Seq
		}
		expectedPrev = e.EntryHash
		expectedSeq = e.Seq + 1
		return nil
	})
	if err != nil {
		return 0, err
	}
	return firstBad, nil
}

// Stats returns aggregate chain counters.
func (s *Service) Stats(ctx context.Context) (*model.AuditStats, error) {
	return s.store.AuditStats(ctx)
}

// List returns entries newest first for the paginated API.
func (s *Service) List(ctx context.Context, limit, offset int) ([]model.AuditEntry, error) {
	return s.store.ListAuditEntries(ctx, limit, offset)
}

// entryHash computes the SHA-256 link hash for an entry. The record layout is
// fixed and versioned by the genesis constant; changing it invalidates every
// stored chain.
func entryHash(e model.AuditEntry) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(e.Seq, 10)))
	h.Write([]byte{0})
	h.Write([]byte(e.Timestamp))
	h.Write([]byte{0})
	h.Write([]byte(e.EventType))
	h.Write([]byte{0})
	h.Write([]byte(e.ReqID))
	h.Write([]byte{0})
	h.Write([]byte(e.ActorID))
	h.Write([]byte{0})
	h.Write([]byte(e.Payload))
	h.Write([]byte{0})
	h.Write([]byte(e.PrevHash))
	return hex.EncodeToString(h.Sum(nil))
}
