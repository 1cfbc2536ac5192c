package model

import "time"

// CredentialApproval is the immutable record of an owner signing off on a
// request. Exactly one approval may exist per request; the unique constraint
// on req_id is the source of truth, not an application-level check.
type CredentialApproval struct {
	ID         int64     `json:"-" db:"id"`
	ReqID      string    `json:"req_id" db:"req_id"`
	ApproverID string    `json:"approver_id" db:"approver_id"`
	Signature  []byte    `json:"-" db:"signature"` // Ed25519 over the canonical request record
	ApprovedTS time.Time `json:"approved_ts" db:"approved_ts"`
	TTLSeconds int64     `json:"ttl_seconds" db:"ttl_seconds"`
	ProofID    string    `json:"merkle_proof_id" db:"merkle_proof_id"`
}
