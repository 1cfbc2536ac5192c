// Package siemensmri adapts Siemens MR archives that expose an
// Orthanc-compatible REST gateway.
package siemensmri

import (
	"context"
	"fmt"
	"time"

	"github.com/medivault/lifeline/internal/adapter"
	"github.com/medivault/lifeline/internal/adapter/dicomweb"
)

const Kind = "siemens-mri"

// Adapter implements adapter.Adapter for Siemens MR archives.
type Adapter struct{}

// New creates a new Siemens MR adapter.
func New() adapter.Adapter { return &Adapter{} }

// Name returns the registry kind.
func (a *Adapter) Name() string { return Kind }

// Connect dials the archive's REST gateway.
func (a *Adapter) Connect(ctx context.Context, target adapter.TargetConfig) (adapter.Connection, error) {
	return dicomweb.Dial(ctx, Kind, target)
}

// Authenticate validates archive credentials on the open connection.
func (a *Adapter) Authenticate(ctx context.Context, conn adapter.Connection, creds adapter.Credentials) (adapter.AuthToken, error) {
	return client(conn).Authenticate(ctx, Kind, creds)
}

// ListInstances enumerates MR instances matching the query. The modality
// filter defaults to MR unless the query overrides it.
func (a *Adapter) ListInstances(ctx context.Context, conn adapter.Connection, q adapter.Query) ([]adapter.InstanceDescriptor, error) {
	return client(conn).ListInstances(ctx, Kind, "MR", q)
}

// Retrieve fetches the identified instances.
func (a *Adapter) Retrieve(ctx context.Context, conn adapter.Connection, instanceIDs []string, format adapter.Format) (*adapter.Payload, error) {
	return client(conn).Retrieve(ctx, Kind, instanceIDs, format)
}

// CreateEphemeralAccount provisions a view-only archive user for the grant's
// lifetime.
func (a *Adapter) CreateEphemeralAccount(ctx context.Context, conn adapter.Connection, ttl time.Duration) (*adapter.EphemeralCredential, error) {
	return client(conn).CreateEphemeralUser(ctx, ttl)
}

// DropEphemeralAccount removes a provisioned archive user.
func (a *Adapter) DropEphemeralAccount(ctx context.Context, conn adapter.Connection, username string) error {
	return client(conn).DropEphemeralUser(ctx, username)
}

// Cleanup closes the gateway session.
func (a *Adapter) Cleanup(conn adapter.Connection) {
	if conn != nil {
		conn.Close()
	}
}

func client(conn adapter.Connection) *dicomweb.Client {
	c, ok := conn.(*dicomweb.Client)
	if !ok {
		panic(fmt.Sprintf("siemensmri: foreign connection type %T", conn))
	}
	return c
}
