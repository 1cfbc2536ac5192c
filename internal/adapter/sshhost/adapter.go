// Package sshhost adapts plain SSH hosts: legacy clinical workstations and
// export servers where records live as files under a configured root. It
// also provisions ephemeral accounts when the broker's service account has
// sudo rights on the host.
package sshhost

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"path"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/medivault/lifeline/internal/adapter"
)

const (
	Kind           = "ssh-host"
	defaultPort    = 22
	defaultTimeout = 10 * time.Second
)

// Adapter implements adapter.Adapter and adapter.EphemeralProvisioner for
// SSH-reachable hosts.
type Adapter struct{}

// New creates a new SSH host adapter.
func New() adapter.Adapter { return &Adapter{} }

// Name returns the registry kind.
func (a *Adapter) Name() string { return Kind }

type conn struct {
	target adapter.TargetConfig
	addr   string
	client *ssh.Client
	root   string
}

func (c *conn) Target() adapter.TargetConfig { return c.target }

func (c *conn) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// Connect verifies the host accepts TCP on the SSH port. The SSH handshake
// itself happens in Authenticate, because the protocol authenticates during
// the handshake.
func (a *Adapter) Connect(ctx context.Context, target adapter.TargetConfig) (adapter.Connection, error) {
	port := target.Port
	if port == 0 {
		port = defaultPort
	}
	timeout := target.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	addr := net.JoinHostPort(target.Host, fmt.Sprintf("%d", port))

	d := net.Dialer{Timeout: timeout}
	probe, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, adapter.ConnectionError(Kind, target.Host, err)
	}
	probe.Close()

	return &conn{
		target: target,
		addr:   addr,
		root:   target.Option("root", "/srv/records"),
	}, nil
}

// Authenticate performs the SSH handshake with password or private-key
// credentials.
func (a *Adapter) Authenticate(ctx context.Context, cn adapter.Connection, creds adapter.Credentials) (adapter.AuthToken, error) {
	c := sshConn(cn)

	var methods []ssh.AuthMethod
	if creds.PrivateKeyPEM != "" {
		signer, err := ssh.ParsePrivateKey([]byte(creds.PrivateKeyPEM))
		if err != nil {
			return adapter.AuthToken{}, adapter.AuthenticationError(Kind, fmt.Errorf("bad private key: %v", err))
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		methods = append(methods, ssh.Password(creds.Password))
	}
	if creds.Username == "" || len(methods) == 0 {
		return adapter.AuthToken{}, adapter.AuthenticationError(Kind, fmt.Errorf("username and key or password required"))
	}

	timeout := c.target.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	cfg := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
	if pinned := c.target.Option("host_key", ""); pinned != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pinned))
		if err != nil {
			return adapter.AuthToken{}, adapter.AuthenticationError(Kind, fmt.Errorf("bad pinned host key: %v", err))
		}
		cfg.HostKeyCallback = ssh.FixedHostKey(key)
	}

	client, err := ssh.Dial("tcp", c.addr, cfg)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return adapter.AuthToken{}, adapter.AuthenticationError(Kind, fmt.Errorf("host rejected credentials"))
		}
		return adapter.AuthToken{}, adapter.ConnectionError(Kind, c.target.Host, err)
	}
	c.client = client
	return adapter.AuthToken{Value: creds.Username, Expires: time.Now().Add(1 * time.Hour)}, nil
}

// ListInstances enumerates regular files under the configured root matching
// the query's path glob.
func (a *Adapter) ListInstances(ctx context.Context, cn adapter.Connection, q adapter.Query) ([]adapter.InstanceDescriptor, error) {
	c := sshConn(cn)
	if c.client == nil {
		return nil, adapter.RetrievalError(Kind, 0, 0, fmt.Errorf("not authenticated"))
	}

	glob := q.PathGlob
	if glob == "" {
		glob = "*"
	}
	cmd := fmt.Sprintf("find %s -type f -name %s -printf '%%P\\t%%s\\n'", shellQuote(c.root), shellQuote(glob))
	out, err := c.run(ctx, cmd)
	if err != nil {
		return nil, adapter.RetrievalError(Kind, 0, 0, err)
	}

	var descs []adapter.InstanceDescriptor
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		name, sizeStr, _ := strings.Cut(line, "\t")
		d := adapter.InstanceDescriptor{ID: name, Kind: "file"}
		fmt.Sscanf(sizeStr, "%d", &d.SizeHint)
		descs = append(descs, d)
		if q.Limit > 0 && len(descs) >= q.Limit {
			break
		}
	}
	return descs, nil
}

// Retrieve reads the identified files. FormatRaw concatenates contents and
// FormatJSON returns a name-to-content map.
func (a *Adapter) Retrieve(ctx context.Context, cn adapter.Connection, instanceIDs []string, format adapter.Format) (*adapter.Payload, error) {
	c := sshConn(cn)
	if c.client == nil {
		return nil, adapter.RetrievalError(Kind, 0, len(instanceIDs), fmt.Errorf("not authenticated"))
	}
	p := &adapter.Payload{Format: format, Requested: len(instanceIDs), Meta: map[string]any{}}

	var raw bytes.Buffer
	docs := make(map[string]string, len(instanceIDs))
	for _, id := range instanceIDs {
		if strings.Contains(id, "..") {
			return nil, adapter.RetrievalError(Kind, p.Succeeded, p.Requested, fmt.Errorf("path escapes root: %q", id))
		}
		full := path.Join(c.root, id)
		out, err := c.run(ctx, "cat "+shellQuote(full))
		if err != nil {
			return nil, adapter.RetrievalError(Kind, p.Succeeded, p.Requested, err)
		}
		if format == adapter.FormatRaw {
			raw.Write(out)
		} else {
			docs[id] = string(out)
		}
		p.Bytes += int64(len(out))
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

// Cleanup closes the SSH session.
func (a *Adapter) Cleanup(cn adapter.Connection) {
	if cn != nil {
		cn.Close()
	}
}

// CreateEphemeralAccount provisions a locked-down user with an expiry the
// host enforces on its own clock. Requires passwordless sudo for useradd
// and chpasswd on the target.
func (a *Adapter) CreateEphemeralAccount(ctx context.Context, cn adapter.Connection, ttl time.Duration) (*adapter.EphemeralCredential, error) {
	c := sshConn(cn)
	if c.client == nil {
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
	expires := time.Now().Add(ttl)

	cmd := fmt.Sprintf("sudo useradd --no-create-home --shell /usr/sbin/nologin --expiredate %s %s",
		expires.UTC().Format("2006-01-02"), shellQuote(username))
	if _, err := c.run(ctx, cmd); err != nil {
		return nil, fmt.Errorf("%w: useradd: %v", adapter.ErrEphemeralAccount, err)
	}
	if _, err := c.run(ctx, fmt.Sprintf("printf '%%s:%%s' %s %s | sudo chpasswd", shellQuote(username), shellQuote(password))); err != nil {
		c.run(ctx, "sudo userdel "+shellQuote(username))
		return nil, fmt.Errorf("%w: chpasswd: %v", adapter.ErrEphemeralAccount, err)
	}

	return &adapter.EphemeralCredential{Username: username, Password: password, Expires: expires}, nil
}

// DropEphemeralAccount removes a previously provisioned account. Only
// accounts carrying the broker's prefix may be dropped.
func (a *Adapter) DropEphemeralAccount(ctx context.Context, cn adapter.Connection, username string) error {
	c := sshConn(cn)
	if c.client == nil {
		return fmt.Errorf("%w: not authenticated", adapter.ErrEphemeralAccount)
	}
	if !strings.HasPrefix(username, "lfl-") {
		return fmt.Errorf("%w: refusing to drop non-broker account %q", adapter.ErrEphemeralAccount, username)
	}
	if _, err := c.run(ctx, "sudo userdel --force "+shellQuote(username)); err != nil {
		return fmt.Errorf("%w: userdel: %v", adapter.ErrEphemeralAccount, err)
	}
	return nil
}

// run executes one command in a fresh session, honoring ctx cancellation.
func (c *conn) run(ctx context.Context, cmd string) ([]byte, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sess.Signal(ssh.SIGKILL)
		case <-done:
		}
	}()
	out, err := sess.Output(cmd)
	close(done)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, fmt.Errorf("remote command failed: %v", err)
	}
	return out, nil
}

// shellQuote single-quotes a value for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func sshConn(cn adapter.Connection) *conn {
	c, ok := cn.(*conn)
	if !ok {
		panic(fmt.Sprintf("sshhost: foreign connection type %T", cn))
	}
	return c
}
