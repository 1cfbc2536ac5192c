package model

// Audit event types recorded by the broker. Every state-machine transition
// and every security-relevant failure maps to one of these.
const (
	EventCredentialRequest  = "CREDENTIAL_REQUEST"
	EventCredentialApproved = "CREDENTIAL_APPROVED"
	EventCredentialDenied   = "CREDENTIAL_DENIED"
	EventCredentialExpired  = "CREDENTIAL_EXPIRED"
	EventApprovalRejected   = "APPROVAL_REJECTED"
	EventTokenIssued        = "TOKEN_ISSUED"
	EventTokenConsumed      = "TOKEN_CONSUMED"
	EventNonceReplay        = "NONCE_REPLAY"
	EventRetrievalAttempt   = "RETRIEVAL_ATTEMPT"
	EventRetrievalSuccess   = "RETRIEVAL_SUCCESS"
	EventRetrievalFailure   = "RETRIEVAL_FAILURE"
	EventEphemeralCreated   = "EPHEMERAL_CREATED"
	EventEphemeralExpired   = "EPHEMERAL_EXPIRED"
)

// AuditEvent is the value handed to the audit service for stamping. Metadata
// must be JSON-serializable; the service canonicalizes it before hashing so
// the stored hash is reproducible.
type AuditEvent struct {
	Type     string         `json:"type"`
	ReqID    string         `json:"req_id,omitempty"`
	ActorID  string         `json:"actor_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AuditEntry is one persisted link in the hash chain. EntryHash covers the
// sequence number, timestamp, serialized event, and PrevHash, so mutating any
// stored entry breaks verification of it and every later entry.
//
// Timestamp is a pre-formatted RFC3339Nano string, not a time.Time: the hash
// covers the exact stored bytes, and a driver-dependent time round-trip would
// make verification flaky.
type AuditEntry struct {
	Seq       int64  `json:"seq" db:"seq"`
	ProofID   string `json:"proof_id" db:"proof_id"`
	Timestamp string `json:"ts" db:"ts"`
	EventType string `json:"event_type" db:"event_type"`
	ReqID     string `json:"req_id,omitempty" db:"req_id"`
	ActorID   string `json:"actor_id,omitempty" db:"actor_id"`
	Payload   string `json:"payload" db:"payload"`
	PrevHash  string `json:"prev_hash" db:"prev_hash"`
	EntryHash string `json:"entry_hash" db:"entry_hash"`
}

// AuditStats aggregates chain counters for operational visibility.
type AuditStats struct {
	TotalEvents int64            `json:"total_events"`
	ByType      map[string]int64 `json:"by_type"`
	HeadSeq     int64            `json:"head_seq"`
	HeadHash    string           `json:"head_hash"`
}
