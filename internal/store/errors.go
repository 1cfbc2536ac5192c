package store

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique constraint rejects an insert.
	// The approval path relies on this to detect a second approval attempt
	// without a racy pre-check.
	ErrDuplicate = errors.New("duplicate")
	// ErrNonceSpent is returned when the conditional nonce update affects
	// zero rows: the nonce was already consumed or never existed.
	ErrNonceSpent = errors.New("nonce already consumed")
	// ErrStaleStatus is returned when a guarded status transition matched no
	// row, meaning the request moved concurrently.
	ErrStaleStatus = errors.New("stale request status")
)
