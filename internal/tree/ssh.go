package tree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	StrictHostKeyVerification   = "strict"
	InsecureHostKeyVerification = "insecure"
)

// SSHConfig holds the credentials used to reach a build worker over SSH.
// User and Port may be overridden by the workspace URI.
type SSHConfig struct {
	User                string `envconfig:"DT_SSH_USER"`
	Port                int    `envconfig:"DT_SSH_PORT" default:"22"`
	PrivateKeyFile      string `envconfig:"DT_SSH_PRIVATE_KEY_FILE"`
	Passphrase          string `envconfig:"DT_SSH_PASSPHRASE"`
	Password            string `envconfig:"DT_SSH_PASSWORD"`
	HostKeyVerification string `envconfig:"DT_SSH_HOST_KEY_VERIFICATION" default:"strict"`
	KnownHostsFile      string `envconfig:"DT_SSH_KNOWN_HOSTS_FILE"`
}

func (c *SSHConfig) Validate() error {
	if c.User == "" {
		return errors.New("ssh username is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("invalid ssh port number: must be between 1 and 65535")
	}
	if c.PrivateKeyFile == "" && c.Password == "" {
		return errors.New("private key file or password is required")
	}
	if c.HostKeyVerification == "" {
		c.HostKeyVerification = StrictHostKeyVerification
	}
	return nil
}

func (c *SSHConfig) hostKeyCallback() (ssh.HostKeyCallback, error) {
	switch c.HostKeyVerification {
	case InsecureHostKeyVerification:
		return ssh.InsecureIgnoreHostKey(), nil // #nosec G106
	case StrictHostKeyVerification:
		file := c.KnownHostsFile
		if file == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to locate known_hosts: %w", err)
			}
			file = filepath.Join(home, ".ssh", "known_hosts")
		}
		callback, err := knownhosts.New(file)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts file: %w", err)
		}
		return callback, nil
	default:
		return nil, fmt.Errorf("unknown host key verification strategy: %s", c.HostKeyVerification)
	}
}

func (c *SSHConfig) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if c.PrivateKeyFile != "" {
		pemBytes, err := os.ReadFile(c.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH private key: %w", err)
		}
		var signer ssh.Signer
		if c.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(c.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pemBytes)
		}
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				return nil, errors.New("SSH private key appears encrypted, set DT_SSH_PASSPHRASE")
			}
			return nil, fmt.Errorf("failed to parse SSH private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	return methods, nil
}

// remoteExec runs shell commands next to the data. It is the only channel
// between this process and the worker.
type remoteExec interface {
	Output(ctx context.Context, cmd string) ([]byte, error)
	Stream(ctx context.Context, cmd string) (io.ReadCloser, error)
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	Close() error
}

// SSH is a Tree on a remote build worker. Enumeration runs find(1) on the
// worker and only the resulting paths are returned; file contents are
// streamed through cat(1) as they are read.
type SSH struct {
	exec remoteExec
	host string
	root string
}

// NewSSH connects to host and returns a tree rooted at root on that host.
func NewSSH(ctx context.Context, host, root string, cfg SSHConfig) (*SSH, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tree: invalid ssh config: %w", err)
	}
	auth, err := cfg.authMethods()
	if err != nil {
		return nil, fmt.Errorf("tree: %w", err)
	}
	hostKeyCallback, err := cfg.hostKeyCallback()
	if err != nil {
		return nil, fmt.Errorf("tree: %w", err)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(cfg.Port))
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	}

	d := net.Dialer{Timeout: clientCfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tree: ssh dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tree: ssh handshake with %s: %w", addr, err)
	}

	return newSSH(&sshExec{client: ssh.NewClient(c, chans, reqs)}, host, root), nil
}

func newSSH(exec remoteExec, host, root string) *SSH {
	return &SSH{exec: exec, host: host, root: path.Clean(root)}
}

func (t *SSH) Root() string { return "ssh://" + t.host + t.root }

func (t *SSH) Remote() bool { return true }

func (t *SSH) Close() error { return t.exec.Close() }

// DialContext opens a connection originating on the worker.
func (t *SSH) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return t.exec.DialContext(ctx, network, addr)
}

func (t *SSH) List(ctx context.Context) ([]string, error) {
	cmd := "cd -- " + shellQuote(t.root) + " && find . -type f -print0"
	out, err := t.exec.Output(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("tree: %w: %s: %w", ErrUnreadable, t.Root(), err)
	}

	var files []string
	for _, p := range bytes.Split(out, []byte{0}) {
		rel := strings.TrimPrefix(string(p), "./")
		if rel == "" {
			continue
		}
		files = append(files, rel)
	}
	return files, nil
}

func (t *SSH) Size(ctx context.Context, rel string) (int64, error) {
	p, err := t.path(rel)
	if err != nil {
		return 0, err
	}
	out, err := t.exec.Output(ctx, "wc -c < "+shellQuote(p))
	if err != nil {
		return 0, fmt.Errorf("tree: failed to stat %q: %w", p, err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("tree: unexpected size for %q: %w", p, err)
	}
	return n, nil
}

func (t *SSH) Open(ctx context.Context, rel string) (io.ReadCloser, error) {
	p, err := t.path(rel)
	if err != nil {
		return nil, err
	}
	r, err := t.exec.Stream(ctx, "cat -- "+shellQuote(p))
	if err != nil {
		return nil, fmt.Errorf("tree: failed to open %q: %w", p, err)
	}
	return r, nil
}

// path resolves rel under the root, refusing paths that climb out of it.
func (t *SSH) path(rel string) (string, error) {
	p := path.Join(t.root, rel)
	if p != t.root && !strings.HasPrefix(p, strings.TrimSuffix(t.root, "/")+"/") {
		return "", fmt.Errorf("tree: path %q escapes %s", rel, t.Root())
	}
	return p, nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type sshExec struct {
	client *ssh.Client
}

func (e *sshExec) Output(ctx context.Context, cmd string) ([]byte, error) {
	sess, err := e.client.NewSession()
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
	defer stop()

	if err := sess.Run(cmd); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

func (e *sshExec) Stream(ctx context.Context, cmd string) (io.ReadCloser, error) {
	sess, err := e.client.NewSession()
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	sess.Stderr = &stderr

	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	if err := sess.Start(cmd); err != nil {
		_ = sess.Close()
		return nil, err
	}

	return &sessionReader{
		r:      stdout,
		sess:   sess,
		stderr: &stderr,
		stop:   context.AfterFunc(ctx, func() { _ = sess.Close() }),
	}, nil
}

func (e *sshExec) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return e.client.DialContext(ctx, network, addr)
}

func (e *sshExec) Close() error {
	return e.client.Close()
}

// sessionReader streams a remote command's stdout. Reaching EOF waits for
// the command so a non-zero exit surfaces as a read error.
type sessionReader struct {
	r      io.Reader
	sess   *ssh.Session
	stderr *bytes.Buffer
	stop   func() bool
	waited bool
}

func (s *sessionReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err == io.EOF && !s.waited {
		s.waited = true
		if werr := s.sess.Wait(); werr != nil {
			if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
				return n, fmt.Errorf("%w: %s", werr, msg)
			}
			return n, werr
		}
	}
	return n, err
}

func (s *sessionReader) Close() error {
	s.stop()
	err := s.sess.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
