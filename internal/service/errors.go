package service

import (
	"errors"
	"fmt"
)

// Sentinel errors for the broker's failure taxonomy. Handlers map each
// category to an HTTP status; services wrap them with %w and context.
var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrInvalidSignature = errors.New("invalid approval signature")
	ErrAlreadyDecided   = errors.New("request already decided")
	ErrExpiredRequest   = errors.New("request expired")
	ErrInvalidToken     = errors.New("invalid retrieval token")
	ErrTokenExpired     = errors.New("retrieval token expired")
	ErrNonceReplay      = errors.New("retrieval token already consumed")
	ErrNotApproved      = errors.New("request not approved")
)

// ValidationError wraps ErrValidation with a field-level message.
func ValidationError(field, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrValidation, field, msg)
}

// NotFoundError wraps ErrNotFound with the resource identity.
func NotFoundError(resource, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, resource, id)
}
