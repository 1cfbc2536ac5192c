// Package smbshare adapts Windows file shares that hold record exports,
// typically departmental shares on hospital file servers.
package smbshare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net"
	"path"
	"strings"
	"time"

	"github.com/hirochachacha/go-smb2"

	"github.com/medivault/lifeline/internal/adapter"
)

const (
	Kind           = "smb-share"
	defaultPort    = 445
	defaultTimeout = 10 * time.Second
)

// Adapter implements adapter.Adapter for SMB shares.
type Adapter struct{}

// New creates a new SMB share adapter.
func New() adapter.Adapter { return &Adapter{} }

// Name returns the registry kind.
func (a *Adapter) Name() string { return Kind }

type conn struct {
	target  adapter.TargetConfig
	sock    net.Conn
	session *smb2.Session
	share   *smb2.Share
}

func (c *conn) Target() adapter.TargetConfig { return c.target }

func (c *conn) Close() error {
	var err error
	if c.share != nil {
		err = c.share.Umount()
		c.share = nil
	}
	if c.session != nil {
		if lerr := c.session.Logoff(); err == nil {
			err = lerr
		}
		c.session = nil
	}
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	return err
}

// Connect opens the TCP transport to the file server. The SMB session is
// negotiated in Authenticate since the dialect handshake carries the
// credentials.
func (a *Adapter) Connect(ctx context.Context, target adapter.TargetConfig) (adapter.Connection, error) {
	port := target.Port
	if port == 0 {
		port = defaultPort
	}
	timeout := target.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	d := net.Dialer{Timeout: timeout}
	sock, err := d.DialContext(ctx, "tcp", net.JoinHostPort(target.Host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, adapter.ConnectionError(Kind, target.Host, err)
	}
	return &conn{target: target, sock: sock}, nil
}

// Authenticate negotiates the SMB session with NTLM credentials and mounts
// the configured share.
func (a *Adapter) Authenticate(ctx context.Context, cn adapter.Connection, creds adapter.Credentials) (adapter.AuthToken, error) {
	c := smbConn(cn)
	if creds.Username == "" {
		return adapter.AuthToken{}, adapter.AuthenticationError(Kind, fmt.Errorf("username required"))
	}
	shareName := c.target.Option("share", "")
	if shareName == "" {
		return adapter.AuthToken{}, adapter.AuthenticationError(Kind, fmt.Errorf("target option %q is required", "share"))
	}

	dialer := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     creds.Username,
			Password: creds.Password,
			Domain:   creds.Domain,
		},
	}
	session, err := dialer.DialContext(ctx, c.sock)
	if err != nil {
		return adapter.AuthToken{}, adapter.AuthenticationError(Kind, fmt.Errorf("session setup failed: %v", err))
	}

	share, err := session.Mount(shareName)
	if err != nil {
		session.Logoff()
		return adapter.AuthToken{}, adapter.AuthenticationError(Kind, fmt.Errorf("mount %q failed: %v", shareName, err))
	}

	c.session = session
	c.share = share
	return adapter.AuthToken{Value: creds.Username, Expires: time.Now().Add(1 * time.Hour)}, nil
}

// ListInstances walks the share subtree configured as root and returns
// files matching the glob.
func (a *Adapter) ListInstances(ctx context.Context, cn adapter.Connection, q adapter.Query) ([]adapter.InstanceDescriptor, error) {
	c := smbConn(cn)
	if c.share == nil {
		return nil, adapter.RetrievalError(Kind, 0, 0, fmt.Errorf("not authenticated"))
	}
	glob := q.PathGlob
	if glob == "" {
		glob = "*"
	}
	root := c.target.Option("root", ".")

	var descs []adapter.InstanceDescriptor
	err := fs.WalkDir(c.share.DirFS(root), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		ok, err := path.Match(glob, d.Name())
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
			ID:       p,
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

// Retrieve reads the identified files from the share.
func (a *Adapter) Retrieve(ctx context.Context, cn adapter.Connection, instanceIDs []string, format adapter.Format) (*adapter.Payload, error) {
	c := smbConn(cn)
	if c.share == nil {
		return nil, adapter.RetrievalError(Kind, 0, len(instanceIDs), fmt.Errorf("not authenticated"))
	}
	root := c.target.Option("root", ".")
	p := &adapter.Payload{Format: format, Requested: len(instanceIDs), Meta: map[string]any{}}

	var raw bytes.Buffer
	docs := make(map[string]string, len(instanceIDs))
	for _, id := range instanceIDs {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, adapter.RetrievalError(Kind, p.Succeeded, p.Requested, ctxErr)
		}
		if strings.Contains(id, "..") {
			return nil, adapter.RetrievalError(Kind, p.Succeeded, p.Requested, fmt.Errorf("path escapes root: %q", id))
		}
		data, err := fs.ReadFile(c.share.DirFS(root), id)
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

// Cleanup unmounts the share and tears down the session.
func (a *Adapter) Cleanup(cn adapter.Connection) {
	if cn != nil {
		cn.Close()
	}
}

func smbConn(cn adapter.Connection) *conn {
	c, ok := cn.(*conn)
	if !ok {
		panic(fmt.Sprintf("smbshare: foreign connection type %T", cn))
	}
	return c
}
