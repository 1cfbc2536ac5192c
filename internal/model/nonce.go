package model

import "time"

// TokenNonce tracks one single-use retrieval token. The used flag may flip
// from false to true exactly once, enforced by a conditional UPDATE in the
// store rather than a read-then-write.
type TokenNonce struct {
	ID        int64     `json:"-" db:"id"`
	Nonce     string    `json:"nonce" db:"nonce"`
	ReqID     string    `json:"req_id" db:"req_id"`
	CreatedTS time.Time `json:"created_ts" db:"created_ts"`
	ExpiresTS time.Time `json:"expires_ts" db:"expires_ts"`
	Used      bool      `json:"used" db:"used"`
}
