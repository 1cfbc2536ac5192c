// Package lablis adapts laboratory information systems that expose a
// token-authenticated REST API for orders and results.
package lablis

import (
	"bytes"
	"context"
	"encoding/csv"
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
	Kind           = "lab-lis"
	defaultPort    = 9443
	defaultTimeout = 10 * time.Second
)

// Adapter implements adapter.Adapter for LIS REST endpoints.
type Adapter struct{}

// New creates a new LIS adapter.
func New() adapter.Adapter { return &Adapter{} }

// Name returns the registry kind.
func (a *Adapter) Name() string { return Kind }

type conn struct {
	target adapter.TargetConfig
	base   string
	http   *http.Client
	token  string
}

func (c *conn) Target() adapter.TargetConfig { return c.target }

func (c *conn) Close() error {
	c.http.CloseIdleConnections()
	c.token = ""
	return nil
}

// Connect probes the LIS health endpoint.
func (a *Adapter) Connect(ctx context.Context, target adapter.TargetConfig) (adapter.Connection, error) {
	scheme := "http"
	if target.UseTLS {
		scheme = "https"
	}
	port := target.Port
	if port == 0 {
		port = defaultPort
	}
	timeout := target.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &conn{
		target: target,
		base:   fmt.Sprintf("%s://%s:%d", scheme, target.Host, port),
		http:   &http.Client{Timeout: timeout},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/health", nil)
	if err != nil {
		return nil, adapter.ConnectionError(Kind, target.Host, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, adapter.ConnectionError(Kind, target.Host, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, adapter.ConnectionError(Kind, target.Host, fmt.Errorf("LIS returned %s", resp.Status))
	}
	return c, nil
}

// Authenticate exchanges username/password for a session token at
// /api/login, or accepts a pre-issued API token directly.
func (a *Adapter) Authenticate(ctx context.Context, cn adapter.Connection, creds adapter.Credentials) (adapter.AuthToken, error) {
	c := lisConn(cn)
	if creds.Token != "" {
		c.token = creds.Token
		return adapter.AuthToken{Value: creds.Token, Expires: time.Now().Add(30 * time.Minute)}, nil
	}

	body, err := json.Marshal(map[string]string{"username": creds.Username, "password": creds.Password})
	if err != nil {
		return adapter.AuthToken{}, adapter.AuthenticationError(Kind, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/login", bytes.NewReader(body))
	if err != nil {
		return adapter.AuthToken{}, adapter.AuthenticationError(Kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return adapter.AuthToken{}, adapter.AuthenticationError(Kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return adapter.AuthToken{}, adapter.AuthenticationError(Kind, fmt.Errorf("LIS rejected credentials (%s)", resp.Status))
	}
	if resp.StatusCode != http.StatusOK {
		return adapter.AuthToken{}, adapter.AuthenticationError(Kind, fmt.Errorf("unexpected status %s", resp.Status))
	}

	var login struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return adapter.AuthToken{}, adapter.AuthenticationError(Kind, err)
	}
	if login.Token == "" {
		return adapter.AuthToken{}, adapter.AuthenticationError(Kind, fmt.Errorf("login response carried no token"))
	}
	ttl := time.Duration(login.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	c.token = login.Token
	return adapter.AuthToken{Value: login.Token, Expires: time.Now().Add(ttl)}, nil
}

type lisOrder struct {
	OrderID   string `json:"order_id"`
	PatientID string `json:"patient_id"`
	Panel     string `json:"panel"`
	Status    string `json:"status"`
	Collected string `json:"collected_at"`
}

// ListInstances lists lab orders for the queried patient.
func (a *Adapter) ListInstances(ctx context.Context, cn adapter.Connection, q adapter.Query) ([]adapter.InstanceDescriptor, error) {
	c := lisConn(cn)
	v := url.Values{}
	if q.PatientID != "" {
		v.Set("patient", q.PatientID)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}

	data, err := c.get(ctx, "/api/orders?"+v.Encode())
	if err != nil {
		return nil, adapter.RetrievalError(Kind, 0, 0, err)
	}
	var orders []lisOrder
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, adapter.RetrievalError(Kind, 0, 0, err)
	}

	out := make([]adapter.InstanceDescriptor, 0, len(orders))
	for _, o := range orders {
		out = append(out, adapter.InstanceDescriptor{
			ID:   o.OrderID,
			Kind: "lab-order",
			Meta: map[string]string{
				"patient_id":   o.PatientID,
				"panel":        o.Panel,
				"status":       o.Status,
				"collected_at": o.Collected,
			},
		})
	}
	return out, nil
}

// Retrieve fetches results for the given orders. FormatJSON returns the
// result documents as a JSON array; FormatRaw flattens them to CSV for
// ingestion by downstream spreadsheet tooling.
func (a *Adapter) Retrieve(ctx context.Context, cn adapter.Connection, instanceIDs []string, format adapter.Format) (*adapter.Payload, error) {
	c := lisConn(cn)
	p := &adapter.Payload{Format: format, Requested: len(instanceIDs), Meta: map[string]any{}}

	results := make([]map[string]any, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		data, err := c.get(ctx, "/api/orders/"+url.PathEscape(id)+"/results")
		if err != nil {
			return nil, adapter.RetrievalError(Kind, p.Succeeded, p.Requested, err)
		}
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, adapter.RetrievalError(Kind, p.Succeeded, p.Requested, err)
		}
		results = append(results, doc)
		p.Bytes += int64(len(data))
		p.Succeeded++
	}

	var (
		out []byte
		err error
	)
	if format == adapter.FormatRaw {
		out, err = resultsCSV(results)
	} else {
		out, err = json.Marshal(results)
	}
	if err != nil {
		return nil, adapter.RetrievalError(Kind, p.Succeeded, p.Requested, err)
	}
	p.Data = out
	p.Meta["orders"] = p.Succeeded
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
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
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

// resultsCSV emits one row per analyte across all result documents. Each
// document is expected to carry order_id and an analytes array of
// {code, value, unit, flag} objects; anything else is skipped.
func resultsCSV(results []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"order_id", "code", "value", "unit", "flag"}); err != nil {
		return nil, err
	}
	for _, doc := range results {
		orderID, _ := doc["order_id"].(string)
		analytes, _ := doc["analytes"].([]any)
		for _, a := range analytes {
			m, ok := a.(map[string]any)
			if !ok {
				continue
			}
			row := []string{orderID, str(m["code"]), str(m["value"]), str(m["unit"]), str(m["flag"])}
			if err := w.Write(row); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func str(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func lisConn(cn adapter.Connection) *conn {
	c, ok := cn.(*conn)
	if !ok {
		panic(fmt.Sprintf("lablis: foreign connection type %T", cn))
	}
	return c
}
