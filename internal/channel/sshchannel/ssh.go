// Package sshchannel opens workspace sessions as shells on a remote SSH host.
package sshchannel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"pkt.systems/codeyard/core"
	"pkt.systems/codeyard/schema"
	"pkt.systems/pslog"
)

const (
	// DefaultMaxLine bounds a command line sent over an ssh channel without a pty.
	DefaultMaxLine = 128 * 1024
	// DefaultPTYMaxLine stays under the remote tty line buffer.
	DefaultPTYMaxLine = 4000
)

// Config configures the ssh provider.
type Config struct {
	Addr                  string
	User                  string
	Password              string
	KeyPath               string
	// Signer takes precedence over KeyPath, e.g. a key from the encrypted
	// identity store.
	Signer                ssh.Signer
	KnownHosts            string
	InsecureIgnoreHostKey bool
	PTY                   bool
	MaxLineBytes          int
}

// Provider dials the configured host for every session.
type Provider struct {
	cfg          Config
	clientConfig *ssh.ClientConfig
	logger       pslog.Logger
}

// New validates cfg and prepares the client config.
func New(cfg Config, logger pslog.Logger) (*Provider, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("ssh address is required")
	}
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		cfg.Addr = net.JoinHostPort(cfg.Addr, "22")
	}
	if cfg.User == "" {
		return nil, errors.New("ssh user is required")
	}
	var auth []ssh.AuthMethod
	if cfg.Signer != nil {
		auth = append(auth, ssh.PublicKeys(cfg.Signer))
	} else if cfg.KeyPath != "" {
		data, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh key_path, identity or password is required")
	}
	hostKeys, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLine
		if cfg.PTY {
			cfg.MaxLineBytes = DefaultPTYMaxLine
		}
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Provider{
		cfg: cfg,
		clientConfig: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKeys,
		},
		logger: logger.With("channel", "ssh", "addr", cfg.Addr),
	}, nil
}

func hostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if strings.TrimSpace(cfg.KnownHosts) == "" {
		return nil, errors.New("ssh known_hosts is required unless insecure_ignore_host_key is set")
	}
	callback, err := knownhosts.New(cfg.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("known hosts: %w", err)
	}
	return callback, nil
}

// Create dials the host and starts a login shell.
func (p *Provider) Create(ctx context.Context, req core.ChannelRequest) (core.Channel, error) {
	if req.Output == nil {
		return nil, errors.New("output writer is required")
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.cfg.Addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, p.cfg.Addr, p.clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)
	ch, err := p.start(client, req)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return ch, nil
}

func (p *Provider) start(client *ssh.Client, req core.ChannelRequest) (*Channel, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session: %w", err)
	}
	if p.cfg.PTY {
		modes := ssh.TerminalModes{ssh.ECHO: 1, ssh.TTY_OP_ISPEED: 38400, ssh.TTY_OP_OSPEED: 38400}
		if err := session.RequestPty("dumb", 50, 200, modes); err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("request pty: %w", err)
		}
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	out := &lockedWriter{w: req.Output}
	session.Stdout = out
	session.Stderr = out
	if err := session.Shell(); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	id := schema.SessionID(uuid.NewString())
	ch := &Channel{
		id:       id,
		client:   client,
		session:  session,
		stdin:    stdin,
		terminal: p.cfg.PTY,
		maxLine:  p.cfg.MaxLineBytes,
		done:     make(chan struct{}),
		logger:   p.logger.With("session", id),
	}
	ch.logger.Debug("ssh shell started", "pty", p.cfg.PTY)
	go ch.wait()
	return ch, nil
}

// lockedWriter keeps stdout and stderr chunks from interleaving mid-write.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Channel is a remote shell over ssh.
type Channel struct {
	id       schema.SessionID
	client   *ssh.Client
	session  *ssh.Session
	stdin    io.WriteCloser
	terminal bool
	maxLine  int
	logger   pslog.Logger

	sendMu    sync.Mutex
	mu        sync.Mutex
	closing   bool
	err       error
	done      chan struct{}
	closeOnce sync.Once
}

// SessionID returns the channel id.
func (c *Channel) SessionID() schema.SessionID { return c.id }

// Info reports the transport limits.
func (c *Channel) Info() core.ChannelInfo {
	return core.ChannelInfo{Terminal: c.terminal, MaxLineBytes: c.maxLine}
}

// Send writes one line to the remote shell.
func (c *Channel) Send(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return errors.New("ssh session has ended")
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, err := io.WriteString(c.stdin, line+"\n")
	return err
}

// Done is closed when the remote shell exits or the connection drops.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err reports why the session ended; nil after Close or a zero exit.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the session and the connection.
func (c *Channel) Close(ctx context.Context) error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		_ = c.stdin.Close()
		_ = c.session.Signal(ssh.SIGKILL)
		_ = c.session.Close()
		if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			closeErr = err
		}
		select {
		case <-c.done:
		case <-ctx.Done():
		}
		c.logger.Debug("ssh shell closed")
	})
	return closeErr
}

func (c *Channel) wait() {
	err := c.session.Wait()
	c.mu.Lock()
	if !c.closing && err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			c.err = fmt.Errorf("remote shell exited with status %d", exitErr.ExitStatus())
		} else {
			c.err = fmt.Errorf("ssh session: %w", err)
		}
	}
	c.mu.Unlock()
	c.logger.Debug("ssh shell ended", "err", err)
	close(c.done)
}
