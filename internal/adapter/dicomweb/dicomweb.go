// Package dicomweb implements the shared REST plumbing for PACS archives
// exposing an Orthanc-style HTTP API. The vendor adapters wrap this client
// with their own defaults and registry kinds.
package dicomweb

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/medivault/lifeline/internal/adapter"
)

const defaultTimeout = 10 * time.Second

// Client talks to a single PACS archive over HTTP.
type Client struct {
	target  adapter.TargetConfig
	base    *url.URL
	http    *http.Client
	authHdr string
}

// Target implements adapter.Connection.
func (c *Client) Target() adapter.TargetConfig { return c.target }

// Close implements adapter.Connection. HTTP keep-alive pools are shut down
// so no sockets outlive the retrieval.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	c.authHdr = ""
	return nil
}

// Dial opens a client against the archive and verifies reachability with a
// GET of the system endpoint.
func Dial(ctx context.Context, kind string, target adapter.TargetConfig) (*Client, error) {
	scheme := "http"
	if target.UseTLS {
		scheme = "https"
	}
	port := target.Port
	if port == 0 {
		port = 8042
	}
	base, err := url.Parse(fmt.Sprintf("%s://%s:%d", scheme, target.Host, port))
	if err != nil {
		return nil, adapter.ConnectionError(kind, target.Host, err)
	}

	timeout := target.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		target: target,
		base:   base,
		http:   &http.Client{Timeout: timeout},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/system"), nil)
	if err != nil {
		return nil, adapter.ConnectionError(kind, target.Host, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, adapter.ConnectionError(kind, target.Host, err)
	}
	defer resp.Body.Close()
	// 401 still proves the archive is reachable; authentication comes later.
	if resp.StatusCode >= 500 {
		return nil, adapter.ConnectionError(kind, target.Host, fmt.Errorf("archive returned %s", resp.Status))
	}
	return c, nil
}

// Authenticate verifies credentials against the archive and installs them on
// the client for subsequent calls.
func (c *Client) Authenticate(ctx context.Context, kind string, creds adapter.Credentials) (adapter.AuthToken, error) {
	hdr := ""
	switch {
	case creds.Token != "":
		hdr = "Bearer " + creds.Token
	case creds.Username != "":
		hdr = "Basic " + basicAuth(creds.Username, creds.Password)
	default:
		return adapter.AuthToken{}, adapter.AuthenticationError(kind, fmt.Errorf("no credentials supplied"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/system"), nil)
	if err != nil {
		return adapter.AuthToken{}, adapter.AuthenticationError(kind, err)
	}
	req.Header.Set("Authorization", hdr)
	resp, err := c.http.Do(req)
	if err != nil {
		return adapter.AuthToken{}, adapter.AuthenticationError(kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return adapter.AuthToken{}, adapter.AuthenticationError(kind, fmt.Errorf("archive rejected credentials (%s)", resp.Status))
	}
	if resp.StatusCode != http.StatusOK {
		return adapter.AuthToken{}, adapter.AuthenticationError(kind, fmt.Errorf("unexpected status %s", resp.Status))
	}

	c.authHdr = hdr
	return adapter.AuthToken{Value: hdr, Expires: time.Now().Add(1 * time.Hour)}, nil
}

// findRequest is the Orthanc /tools/find body.
type findRequest struct {
	Level string            `json:"Level"`
	Query map[string]string `json:"Query"`
	Limit int               `json:"Limit,omitempty"`
}

type foundInstance struct {
	ID       string            `json:"ID"`
	MainTags map[string]string `json:"MainDicomTags"`
}

// ListInstances runs an instance-level find scoped by the query.
func (c *Client) ListInstances(ctx context.Context, kind, modality string, q adapter.Query) ([]adapter.InstanceDescriptor, error) {
	find := findRequest{Level: "Instance", Query: map[string]string{}, Limit: q.Limit}
	if q.StudyUID != "" {
		find.Query["StudyInstanceUID"] = q.StudyUID
	}
	if q.PatientID != "" {
		find.Query["PatientID"] = q.PatientID
	}
	mod := q.Modality
	if mod == "" {
		mod = modality
	}
	if mod != "" {
		find.Query["Modality"] = mod
	}

	body, err := json.Marshal(find)
	if err != nil {
		return nil, adapter.RetrievalError(kind, 0, 0, err)
	}
	var found []foundInstance
	if err := c.postJSON(ctx, "/tools/find?expand", body, &found); err != nil {
		return nil, adapter.RetrievalError(kind, 0, 0, err)
	}

	out := make([]adapter.InstanceDescriptor, 0, len(found))
	for _, f := range found {
		out = append(out, adapter.InstanceDescriptor{
			ID:   f.ID,
			Kind: "dicom-instance",
			Meta: f.MainTags,
		})
	}
	return out, nil
}

// Retrieve fetches the given instances. FormatRaw concatenates DICOM file
// bodies; FormatJSON collects the simplified tag dumps.
func (c *Client) Retrieve(ctx context.Context, kind string, instanceIDs []string, format adapter.Format) (*adapter.Payload, error) {
	p := &adapter.Payload{Format: format, Requested: len(instanceIDs), Meta: map[string]any{}}

	var raw bytes.Buffer
	tags := make([]map[string]any, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		switch format {
		case adapter.FormatRaw:
			data, err := c.getBytes(ctx, "/instances/"+url.PathEscape(id)+"/file")
			if err != nil {
				return nil, adapter.RetrievalError(kind, p.Succeeded, p.Requested, err)
			}
			raw.Write(data)
			p.Bytes += int64(len(data))
		default:
			var doc map[string]any
			data, err := c.getBytes(ctx, "/instances/"+url.PathEscape(id)+"/simplified-tags")
			if err != nil {
				return nil, adapter.RetrievalError(kind, p.Succeeded, p.Requested, err)
			}
			if err := json.Unmarshal(data, &doc); err != nil {
				return nil, adapter.RetrievalError(kind, p.Succeeded, p.Requested, err)
			}
			tags = append(tags, doc)
			p.Bytes += int64(len(data))
		}
		p.Succeeded++
	}

	if format == adapter.FormatRaw {
		p.Data = raw.Bytes()
	} else {
		data, err := json.Marshal(tags)
		if err != nil {
			return nil, adapter.RetrievalError(kind, p.Succeeded, p.Requested, err)
		}
		p.Data = data
	}
	p.Meta["instances"] = p.Succeeded
	return p, nil
}

// userRequest is the archive's user-provisioning payload.
type userRequest struct {
	Username    string   `json:"Username"`
	Password    string   `json:"Password"`
	Permissions []string `json:"Permissions"`
}

// CreateEphemeralUser provisions a view-only archive user through the user
// API. The archive keeps no expiry of its own, so the caller is responsible
// for dropping the account when the ttl elapses.
func (c *Client) CreateEphemeralUser(ctx context.Context, ttl time.Duration) (*adapter.EphemeralCredential, error) {
	if c.authHdr == "" {
		return nil, fmt.Errorf("%w: not authenticated", adapter.ErrEphemeralAccount)
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrEphemeralAccount, err)
	}
	pw := make([]byte, 18)
	if _, err := rand.Read(pw); err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrEphemeralAccount, err)
	}
	username := "lfl-" + hex.EncodeToString(suffix)
	password := hex.EncodeToString(pw)

	body, err := json.Marshal(userRequest{Username: username, Password: password, Permissions: []string{"view"}})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrEphemeralAccount, err)
	}
	if err := c.postStatus(ctx, "/users", body); err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrEphemeralAccount, err)
	}
	return &adapter.EphemeralCredential{Username: username, Password: password, Expires: time.Now().Add(ttl)}, nil
}

// DropEphemeralUser deletes a provisioned archive user. Only accounts
// carrying the broker's prefix may be dropped.
func (c *Client) DropEphemeralUser(ctx context.Context, username string) error {
	if !strings.HasPrefix(username, "lfl-") {
		return fmt.Errorf("%w: refusing to drop non-broker account %q", adapter.ErrEphemeralAccount, username)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint("/users/"+url.PathEscape(username)), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrEphemeralAccount, err)
	}
	if c.authHdr != "" {
		req.Header.Set("Authorization", c.authHdr)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrEphemeralAccount, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: DELETE /users/%s: %s", adapter.ErrEphemeralAccount, username, resp.Status)
	}
	return nil
}

// endpoint joins by plain concatenation so query strings in path survive.
func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

func (c *Client) getBytes(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
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

func (c *Client) postJSON(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authHdr != "" {
		req.Header.Set("Authorization", c.authHdr)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// postStatus posts a JSON body and checks the status only, for endpoints
// whose response body carries nothing the caller needs.
func (c *Client) postStatus(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authHdr != "" {
		req.Header.Set("Authorization", c.authHdr)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("POST %s: %s", path, resp.Status)
	}
	return nil
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
