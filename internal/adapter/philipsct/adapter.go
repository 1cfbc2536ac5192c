// Package philipsct adapts Philips CT archives behind an Orthanc-compatible
// REST gateway. Philips gateways historically reject Basic auth on the
// system endpoint, so token credentials are preferred when both are present.
package philipsct

import (
	"context"
	"fmt"
	"time"

	"github.com/medivault/lifeline/internal/adapter"
	"github.com/medivault/lifeline/internal/adapter/dicomweb"
)

const Kind = "philips-ct"

// Adapter implements adapter.Adapter for Philips CT archives.
type Adapter struct{}

// New creates a new Philips CT adapter.
func New() adapter.Adapter { return &Adapter{} }

// Name returns the registry kind.
func (a *Adapter) Name() string { return Kind }

// Connect dials the archive's REST gateway.
func (a *Adapter) Connect(ctx context.Context, target adapter.TargetConfig) (adapter.Connection, error) {
	return dicomweb.Dial(ctx, Kind, target)
}

// Authenticate validates archive credentials on the open connection.
func (a *Adapter) Authenticate(ctx context.Context, conn adapter.Connection, creds adapter.Credentials) (adapter.AuthToken, error) {
	if creds.Token != "" {
		creds.Username, creds.Password = "", ""
	}
	return client(conn).Authenticate(ctx, Kind, creds)
}

// ListInstances enumerates CT instances matching the query.
func (a *Adapter) ListInstances(ctx context.Context, conn adapter.Connection, q adapter.Query) ([]adapter.InstanceDescriptor, error) {
	return client(conn).ListInstances(ctx, Kind, "CT", q)
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
		panic(fmt.Sprintf("philipsct: foreign connection type %T", conn))
	}
	return c
}
