// Package files adapts record exports mounted on the broker host itself,
// for example an NFS mount or a nightly batch export directory. No network
// authentication exists for these targets; the credential check degrades to
// verifying an access code configured on the target.
package files

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/medivault/lifeline/internal/adapter"
)

const Kind = "local-files"

// Adapter implements adapter.Adapter over a local directory tree.
type Adapter struct{}

// New creates a new local files adapter.
func New() adapter.Adapter { return &Adapter{} }

// Name returns the registry kind.
func (a *Adapter) Name() string { return Kind }

type conn struct {
	target adapter.TargetConfig
	root   string
}

func (c *conn) Target() adapter.TargetConfig { return c.target }
func (c *conn) Close() error                 { return nil }

// Connect verifies the configured root exists and is a directory. The host
// field is ignored for this adapter; the root comes from options.
func (a *Adapter) Connect(ctx context.Context, target adapter.TargetConfig) (adapter.Connection, error) {
	root := target.Option("root", "")
	if root == "" {
		return nil, adapter.ConnectionError(Kind, target.Host, fmt.Errorf("target option %q is required", "root"))
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, adapter.ConnectionError(Kind, root, err)
	}
	if !info.IsDir() {
		return nil, adapter.ConnectionError(Kind, root, fmt.Errorf("not a directory"))
	}
	return &conn{target: target, root: root}, nil
}

// Authenticate compares the credential token against the target's access
// code in constant time. Targets without an access code accept anything.
func (a *Adapter) Authenticate(ctx context.Context, cn adapter.Connection, creds adapter.Credentials) (adapter.AuthToken, error) {
	c := fileConn(cn)
	want := c.target.Option("access_code", "")
	if want != "" {
		got := creds.Token
		if got == "" {
			got = creds.Password
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
			return adapter.AuthToken{}, adapter.AuthenticationError(Kind, fmt.Errorf("access code mismatch"))
		}
	}
	return adapter.AuthToken{Value: "local", Expires: time.Now().Add(1 * time.Hour)}, nil
}

// ListInstances walks the root and returns regular files matching the glob.
func (a *Adapter) ListInstances(ctx context.Context, cn adapter.Connection, q adapter.Query) ([]adapter.InstanceDescriptor, error) {
	c := fileConn(cn)
	glob := q.PathGlob
	if glob == "" {
		glob = "*"
	}

	var descs []adapter.InstanceDescriptor
	err := filepath.WalkDir(c.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(c.root, p)
		if err != nil {
			return err
		}
		ok, err := filepath.Match(glob, d.Name())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		descs = append(descs, adapter.InstanceDescriptor{
			ID:       filepath.ToSlash(rel),
			Kind:     "file",
			SizeHint: info.Size(),
			Meta:     map[string]string{"modified": info.ModTime().UTC().Format(time.RFC3339)},
		})
		if q.Limit > 0 && len(descs) >= q.Limit {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, adapter.RetrievalError(Kind, 0, 0, err)
	}
	return descs, nil
}

// Retrieve reads the identified files relative to the root.
func (a *Adapter) Retrieve(ctx context.Context, cn adapter.Connection, instanceIDs []string, format adapter.Format) (*adapter.Payload, error) {
	c := fileConn(cn)
	p := &adapter.Payload{Format: format, Requested: len(instanceIDs), Meta: map[string]any{}}

	var raw bytes.Buffer
	docs := make(map[string]string, len(instanceIDs))
	for _, id := range instanceIDs {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, adapter.RetrievalError(Kind, p.Succeeded, p.Requested, ctxErr)
		}
		full := filepath.Join(c.root, filepath.FromSlash(id))
		if !strings.HasPrefix(full, filepath.Clean(c.root)+string(os.PathSeparator)) {
			return nil, adapter.RetrievalError(Kind, p.Succeeded, p.Requested, fmt.Errorf("path escapes root: %q", id))
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, adapter.RetrievalError(Kind, p.Succeeded, p.Requested, err)
		}
		if format == adapter.FormatRaw {
			raw.Write(data)
		} else {
			docs[id] = string(data)
		}
		p.Bytes += int64(len(data))
		p.Succeeded++
	}

	if format == adapter.FormatRaw {
		p.Data = raw.Bytes()
	} else {
		data, err := json.Marshal(docs)
		if err != nil {
			return nil, adapter.RetrievalError(Kind, p.Succeeded, p.Requested, err)
		}
		p.Data = data
	}
	p.Meta["files"] = p.Succeeded
	return p, nil
}

// Cleanup is a no-op for local directories.
func (a *Adapter) Cleanup(cn adapter.Connection) {}

func fileConn(cn adapter.Connection) *conn {
	c, ok := cn.(*conn)
	if !ok {
		panic(fmt.Sprintf("files: foreign connection type %T", cn))
	}
	return c
}
