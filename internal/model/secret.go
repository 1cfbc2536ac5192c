package model

import "time"

// VaultSecret is an encrypted credential blob scoped to an owner. The core
// only reads these; administrators manage them through the CLI. The secret
// column holds an AES-256-GCM sealed payload (nonce prepended).
type VaultSecret struct {
	ID           int64     `json:"-" db:"id"`
	VaultID      string    `json:"vault_id" db:"vault_id"`
	Path         string    `json:"path" db:"path"`
	Encrypted    []byte    `json:"-" db:"encrypted_secret"`
	OwnerID      string    `json:"owner_id" db:"owner_id"`
	CacheAllowed bool      `json:"cache_allowed" db:"cache_allowed"`
	TTLSeconds   *int64    `json:"ttl_seconds,omitempty" db:"ttl_seconds"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
