// Package localshell runs workspace sessions as local shell processes, each in
// its own scratch directory.
package localshell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"pkt.systems/codeyard/core"
	"pkt.systems/codeyard/schema"
	"pkt.systems/pslog"
)

const (
	// DefaultPipeMaxLine bounds a command line sent over a pipe.
	DefaultPipeMaxLine = 256 * 1024
	// DefaultPTYMaxLine stays under the canonical-mode tty line buffer.
	DefaultPTYMaxLine = 4000

	killGrace = 2 * time.Second
)

// Config configures the local shell provider.
type Config struct {
	Shell        string
	Args         []string
	PTY          bool
	WorkRoot     string
	KeepDirs     bool
	MaxLineBytes int
	Env          []string
}

// Provider starts one shell process per session.
type Provider struct {
	cfg    Config
	logger pslog.Logger
}

// New constructs a Provider.
func New(cfg Config, logger pslog.Logger) (*Provider, error) {
	if strings.TrimSpace(cfg.Shell) == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = filepath.Join(os.TempDir(), "codeyard")
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultPipeMaxLine
		if cfg.PTY {
			cfg.MaxLineBytes = DefaultPTYMaxLine
		}
	}
	if err := os.MkdirAll(cfg.WorkRoot, 0o700); err != nil {
		return nil, fmt.Errorf("work root: %w", err)
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Provider{cfg: cfg, logger: logger.With("channel", "local")}, nil
}

// Create starts a shell in a fresh scratch directory.
func (p *Provider) Create(ctx context.Context, req core.ChannelRequest) (core.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Output == nil {
		return nil, errors.New("output writer is required")
	}
	dir, err := os.MkdirTemp(p.cfg.WorkRoot, sanitize(string(req.WorkspaceID))+"-")
	if err != nil {
		return nil, fmt.Errorf("session dir: %w", err)
	}
	cmd := exec.Command(p.cfg.Shell, p.cfg.Args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM=dumb", "PS1=$ ")
	cmd.Env = append(cmd.Env, p.cfg.Env...)

	ch := &Channel{
		id:       schema.SessionID(uuid.NewString()),
		dir:      dir,
		keepDir:  p.cfg.KeepDirs,
		terminal: p.cfg.PTY,
		maxLine:  p.cfg.MaxLineBytes,
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
		logger:   p.logger.With("session", dir),
	}
	var output io.ReadCloser
	if p.cfg.PTY {
		f, err := startPTY(cmd)
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("start shell: %w", err)
		}
		ch.stdin = f
		output = f
	} else {
		r, w, err := os.Pipe()
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, err
		}
		stdin, err := cmd.StdinPipe()
		if err != nil {
			_ = r.Close()
			_ = w.Close()
			_ = os.RemoveAll(dir)
			return nil, err
		}
		cmd.Stdout = w
		cmd.Stderr = w
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if err := cmd.Start(); err != nil {
			_ = r.Close()
			_ = w.Close()
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("start shell: %w", err)
		}
		_ = w.Close()
		ch.stdin = stdin
		output = r
	}
	ch.cmd = cmd
	ch.logger.Debug("local shell started", "pid", cmd.Process.Pid, "pty", p.cfg.PTY)
	go ch.pump(output, req.Output)
	go ch.wait()
	return ch, nil
}

func startPTY(cmd *exec.Cmd) (*os.File, error) {
	ptyFile, ttyFile, err := pty.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = ttyFile.Close() }()
	_ = pty.Setsize(ptyFile, &pty.Winsize{Cols: 200, Rows: 50})
	cmd.Stdin = ttyFile
	cmd.Stdout = ttyFile
	cmd.Stderr = ttyFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true, Ctty: 0}
	if err := cmd.Start(); err != nil {
		_ = ptyFile.Close()
		return nil, err
	}
	return ptyFile, nil
}

// Channel is a running local shell.
type Channel struct {
	id       schema.SessionID
	cmd      *exec.Cmd
	dir      string
	keepDir  bool
	terminal bool
	maxLine  int
	logger   pslog.Logger

	sendMu sync.Mutex
	stdin  io.WriteCloser

	mu        sync.Mutex
	closing   bool
	err       error
	done      chan struct{}
	drained   chan struct{}
	closeOnce sync.Once
}

// SessionID returns the channel id.
func (c *Channel) SessionID() schema.SessionID { return c.id }

// Info reports the transport limits.
func (c *Channel) Info() core.ChannelInfo {
	return core.ChannelInfo{Terminal: c.terminal, MaxLineBytes: c.maxLine}
}

// Dir returns the scratch directory the shell runs in.
func (c *Channel) Dir() string { return c.dir }

// Send writes one line to the shell.
func (c *Channel) Send(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return errors.New("shell has exited")
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, err := io.WriteString(c.stdin, line+"\n")
	return err
}

// Done is closed when the shell exits.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err reports why the shell exited; nil after Close or a zero exit.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close terminates the shell's process group and removes the scratch directory.
func (c *Channel) Close(ctx context.Context) error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		_ = c.stdin.Close()
		pid := c.cmd.Process.Pid
		_ = unix.Kill(-pid, unix.SIGTERM)
		grace := time.NewTimer(killGrace)
		defer grace.Stop()
		select {
		case <-c.done:
		case <-grace.C:
			_ = unix.Kill(-pid, unix.SIGKILL)
			<-c.done
		case <-ctx.Done():
			_ = unix.Kill(-pid, unix.SIGKILL)
			<-c.done
		}
		select {
		case <-c.drained:
		case <-time.After(killGrace):
		}
		if !c.keepDir {
			if err := os.RemoveAll(c.dir); err != nil {
				closeErr = fmt.Errorf("remove session dir: %w", err)
			}
		}
		c.logger.Debug("local shell closed")
	})
	return closeErr
}

func (c *Channel) pump(r io.ReadCloser, out io.Writer) {
	defer close(c.drained)
	defer func() { _ = r.Close() }()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = out.Write(buf[:n])
		}
		if err != nil {
			// A pty read returns EIO once the shell side closes.
			return
		}
	}
}

func (c *Channel) wait() {
	err := c.cmd.Wait()
	c.mu.Lock()
	if !c.closing && err != nil {
		c.err = fmt.Errorf("shell exited: %w", err)
	}
	c.mu.Unlock()
	c.logger.Debug("local shell exited", "err", err)
	close(c.done)
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "session"
	}
	return b.String()
}
