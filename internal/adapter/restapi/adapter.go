// Package restapi adapts generic bearer-token HTTP APIs: regional record
// exchanges, registries, and other services that expose a resource listing
// plus per-resource fetch. Endpoint paths are configurable per target so one
// adapter covers the long tail of one-off integrations.
package restapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/medivault/lifeline/internal/adapter"
)

const (
	Kind           = "rest-api"
	defaultTimeout = 10 * time.Second
)

// Adapter implements adapter.Adapter for generic REST backends.
type Adapter struct{}

// New creates a new generic REST adapter.
func New() adapter.Adapter { return &Adapter{} }

// Name returns the registry kind.
func (a *Adapter) Name() string { return Kind }

type conn struct {
	target   adapter.TargetConfig
	base     string
	http     *http.Client
	authHdr  string
	listPath string
	itemPath string
}

func (c *conn) Target() adapter.TargetConfig { return c.target }

func (c *conn) Close() error {
	c.http.CloseIdleConnections()
	c.authHdr = ""
	return nil
}

// Connect probes the target's health path.
func (a *Adapter) Connect(ctx context.Context, target adapter.TargetConfig) (adapter.Connection, error) {
	scheme := "http"
	if target.UseTLS {
		scheme = "https"
	}
	port := target.Port
	if port == 0 {
		if target.UseTLS {
			port = 443
		} else {
			port = 80
		}
	}
	timeout := target.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &conn{
		target:   target,
		base:     fmt.Sprintf("%s://%s:%d", scheme, target.Host, port),
		http:     &http.Client{Timeout: timeout},
		listPath: target.Option("list_path", "/records"),
		itemPath: target.Option("item_path", "/records/%s"),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+target.Option("health_path", "/healthz"), nil)
	if err != nil {
		return nil, adapter.ConnectionError(Kind, target.Host, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, adapter.ConnectionError(Kind, target.Host, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, adapter.ConnectionError(Kind, target.Host, fmt.Errorf("backend returned %s", resp.Status))
	}
	return c, nil
}

// Authenticate installs the bearer token or basic credentials and verifies
// them with a probe of the listing endpoint.
func (a *Adapter) Authenticate(ctx context.Context, cn adapter.Connection, creds adapter.Credentials) (adapter.AuthToken, error) {
	c := restConn(cn)
	switch {
	case creds.Token != "":
		c.authHdr = "Bearer " + creds.Token
	case creds.Username != "":
		c.authHdr = "Basic " + base64.StdEncoding.EncodeToString([]byte(creds.Username+":"+creds.Password))
	default:
		return adapter.AuthToken{}, adapter.AuthenticationError(Kind, fmt.Errorf("no credentials supplied"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+c.listPath+"?limit=1", nil)
	if err != nil {
		return adapter.AuthToken{}, adapter.AuthenticationError(Kind, err)
	}
	req.Header.Set("Authorization", c.authHdr)
	resp, err := c.http.Do(req)
	if err != nil {
		return adapter.AuthToken{}, adapter.AuthenticationError(Kind, err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.authHdr = ""
		return adapter.AuthToken{}, adapter.AuthenticationError(Kind, fmt.Errorf("backend rejected credentials (%s)", resp.Status))
	}
	if resp.StatusCode != http.StatusOK {
		c.authHdr = ""
		return adapter.AuthToken{}, adapter.AuthenticationError(Kind, fmt.Errorf("unexpected status %s", resp.Status))
	}
	return adapter.AuthToken{Value: c.authHdr, Expires: time.Now().Add(30 * time.Minute)}, nil
}

type listedRecord struct {
	ID   string            `json:"id"`
	Kind string            `json:"kind"`
	Size int64             `json:"size"`
	Meta map[string]string `json:"meta"`
}

// ListInstances queries the listing endpoint scoped by patient.
func (a *Adapter) ListInstances(ctx context.Context, cn adapter.Connection, q adapter.Query) ([]adapter.InstanceDescriptor, error) {
	c := restConn(cn)
	v := url.Values{}
	if q.PatientID != "" {
		v.Set("patient_id", q.PatientID)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}

	data, err := c.get(ctx, c.listPath+"?"+v.Encode())
	if err != nil {
		return nil, adapter.RetrievalError(Kind, 0, 0, err)
	}
	var records []listedRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, adapter.RetrievalError(Kind, 0, 0, err)
	}

	out := make([]adapter.InstanceDescriptor, 0, len(records))
	for _, r := range records {
		kind := r.Kind
		if kind == "" {
			kind = "record"
		}
		out = append(out, adapter.InstanceDescriptor{ID: r.ID, Kind: kind, SizeHint: r.Size, Meta: r.Meta})
	}
	return out, nil
}

// Retrieve fetches the identified records. FormatJSON wraps the response
// bodies in a JSON array; FormatRaw concatenates them.
func (a *Adapter) Retrieve(ctx context.Context, cn adapter.Connection, instanceIDs []string, format adapter.Format) (*adapter.Payload, error) {
	c := restConn(cn)
	p := &adapter.Payload{Format: format, Requested: len(instanceIDs), Meta: map[string]any{}}

	var raw []byte
	docs := make([]json.RawMessage, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		data, err := c.get(ctx, fmt.Sprintf(c.itemPath, url.PathEscape(id)))
		if err != nil {
			return nil, adapter.RetrievalError(Kind, p.Succeeded, p.Requested, err)
		}
		if format == adapter.FormatRaw {
			raw = append(raw, data...)
		} else {
			if !json.Valid(data) {
				return nil, adapter.RetrievalError(Kind, p.Succeeded, p.Requested, fmt.Errorf("record %q is not valid JSON", id))
			}
			docs = append(docs, json.RawMessage(data))
		}
		p.Bytes += int64(len(data))
		p.Succeeded++
	}

	if format == adapter.FormatRaw {
		p.Data = raw
	} else {
		data, err := json.Marshal(docs)
		if err != nil {
			return nil, adapter.RetrievalError(Kind, p.Succeeded, p.Requested, err)
		}
		p.Data = data
	}
	p.Meta["records"] = p.Succeeded
	return p, nil
}

// Cleanup closes the session.
func (a *Adapter) Cleanup(cn adapter.Connection) {
	if cn != nil {
		cn.Close()
	}
}

func (c *conn) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	if c.authHdr != "" {
		req.Header.Set("Authorization", c.authHdr)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func restConn(cn adapter.Connection) *conn {
	c, ok := cn.(*conn)
	if !ok {
		panic(fmt.Sprintf("restapi: foreign connection type %T", cn))
	}
	return c
}
