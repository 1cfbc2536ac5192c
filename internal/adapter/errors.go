package adapter

import (
	"errors"
	"fmt"
)

// Sentinel categories. Concrete adapters wrap these with %w so the
// orchestrator can map a failure to its stage without parsing messages.
var (
	ErrConnection       = errors.New("backend connection failed")
	ErrAuthentication   = errors.New("backend authentication failed")
	ErrRetrieval        = errors.New("backend retrieval failed")
	ErrEphemeralAccount = errors.New("ephemeral account provisioning failed")
	ErrUnknownAdapter   = errors.New("unknown adapter kind")
)

// ConnectionError wraps a transport failure against a target.
func ConnectionError(kind, host string, err error) error {
	return fmt.Errorf("%w: %s target %s: %v", ErrConnection, kind, host, err)
}

// AuthenticationError wraps a credential rejection. The cause is included
// verbatim; callers must ensure it carries no secret material.
func AuthenticationError(kind string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrAuthentication, kind, err)
}

// RetrievalError reports a partial or total transfer failure with counts.
func RetrievalError(kind string, succeeded, requested int, err error) error {
	return fmt.Errorf("%w: %s: %d/%d instances transferred: %v", ErrRetrieval, kind, succeeded, requested, err)
}
