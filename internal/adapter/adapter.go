// Package adapter defines the uniform capability contract the broker speaks
// to heterogeneous clinical backends: DICOM PACS servers, laboratory
// information systems, and generic SSH/file/SMB/API targets. Each concrete
// adapter lives in its own subpackage and registers a factory with the
// Registry at startup.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Format selects the shape of a retrieved payload.
type Format string

const (
	// FormatJSON returns structured metadata about the requested instances.
	FormatJSON Format = "json"
	// FormatRaw returns the raw binary content (DICOM files, file bytes).
	FormatRaw Format = "raw"
)

// TargetConfig describes one backend endpoint as configured per vault.
// Options carries protocol-specific settings (AE title, share name, base
// path) that only the owning adapter interprets.
type TargetConfig struct {
	Kind    string            `yaml:"kind" json:"kind"`
	Host    string            `yaml:"host" json:"host"`
	Port    int               `yaml:"port" json:"port"`
	UseTLS  bool              `yaml:"use_tls" json:"use_tls"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout"`
	Options map[string]string `yaml:"options" json:"options"`
}

// Option returns a named option or the fallback when unset.
func (t TargetConfig) Option(key, fallback string) string {
	if v, ok := t.Options[key]; ok && v != "" {
		return v
	}
	return fallback
}

// Credentials is the decrypted secret material used to authenticate against
// a backend. Never log this struct or any of its fields.
type Credentials struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	Token         string `json:"token,omitempty"`
	PrivateKeyPEM string `json:"private_key_pem,omitempty"`
	Domain        string `json:"domain,omitempty"`
}

// ParseCredentials decodes the vault secret plaintext. Secrets are stored as
// JSON documents; a bare string is treated as a token for API-style targets.
func ParseCredentials(plaintext []byte) (Credentials, error) {
	var c Credentials
	if err := json.Unmarshal(plaintext, &c); err != nil {
		// Not JSON: treat the whole value as an opaque token.
		return Credentials{Token: string(plaintext)}, nil
	}
	if c.Username == "" && c.Password == "" && c.Token == "" && c.PrivateKeyPEM == "" {
		return Credentials{}, fmt.Errorf("credential document carries no usable material")
	}
	return c, nil
}

// Query scopes an instance listing: a study instance UID for PACS targets, a
// patient MRN for LIS targets, a path prefix for file-style targets.
type Query struct {
	StudyUID  string `json:"study_instance_uid,omitempty"`
	PatientID string `json:"patient_id,omitempty"`
	Modality  string `json:"modality,omitempty"`
	PathGlob  string `json:"path,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// InstanceDescriptor identifies one retrievable unit on the backend.
type InstanceDescriptor struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"` // "dicom-instance", "lab-order", "file", ...
	SizeHint int64             `json:"size_hint,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// Payload is the result of a retrieval. Requested/Succeeded allow partial
// failures to be reported precisely.
type Payload struct {
	Format    Format         `json:"format"`
	Data      []byte         `json:"-"`
	Meta      map[string]any `json:"meta,omitempty"`
	Requested int            `json:"requested"`
	Succeeded int            `json:"succeeded"`
	Bytes     int64          `json:"bytes"`
}

// AuthToken is the backend session credential produced by Authenticate and
// consumed by the listing/retrieval calls.
type AuthToken struct {
	Value   string
	Expires time.Time
}

// EphemeralCredential is a time-bounded account provisioned on the backend
// for one emergency retrieval.
type EphemeralCredential struct {
	Username string
	Password string
	Expires  time.Time
}

// Connection is an open, protocol-specific session with a backend. Concrete
// adapters return their own implementation; the orchestrator only closes it.
type Connection interface {
	// Target returns the config this connection was opened against.
	Target() TargetConfig
	// Close releases the underlying session. Safe to call more than once.
	Close() error
}

// Adapter is the capability contract every backend implementation satisfies.
// Every method bounds its own blocking time; callers additionally pass a
// context whose cancellation the adapter honors opportunistically.
type Adapter interface {
	// Name returns the registry kind this adapter serves.
	Name() string

	// Connect establishes protocol-specific connectivity. Wrap network and
	// timeout failures in ErrConnection.
	Connect(ctx context.Context, target TargetConfig) (Connection, error)

	// Authenticate validates credentials on the open connection. Wrap
	// rejections in ErrAuthentication; never echo credential material.
	Authenticate(ctx context.Context, conn Connection, creds Credentials) (AuthToken, error)

	// ListInstances enumerates retrievable units matching the query.
	ListInstances(ctx context.Context, conn Connection, q Query) ([]InstanceDescriptor, error)

	// Retrieve fetches the identified instances in the requested format.
	// Partial transfers fail with ErrRetrieval carrying succeeded/requested
	// counts in the message.
	Retrieve(ctx context.Context, conn Connection, instanceIDs []string, format Format) (*Payload, error)

	// Cleanup releases the connection. The orchestrator guarantees it runs
	// on every exit path; failures are logged, never propagated.
	Cleanup(conn Connection)
}

// EphemeralProvisioner is the optional capability of provisioning short-lived
// accounts on the backend. Adapters that cannot do this simply don't
// implement the interface.
type EphemeralProvisioner interface {
	CreateEphemeralAccount(ctx context.Context, conn Connection, ttl time.Duration) (*EphemeralCredential, error)
	DropEphemeralAccount(ctx context.Context, conn Connection, username string) error
}
