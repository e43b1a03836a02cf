// Package sshserver is a small SSH host that gives every session its own shell
// in a scratch directory. It is the remote end for the ssh channel driver.
package sshserver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"

	"pkt.systems/pslog"
)

// Server exposes scratch shells over SSH.
type Server struct {
	Addr        string
	HostKeyPath string
	Listener    net.Listener
	// AuthorizedKeys are accepted public keys. Password is an alternative.
	AuthorizedKeys []ssh.PublicKey
	Password       string
	Shell          string
	WorkRoot       string
	KeepDirs       bool
	logger         pslog.Logger
}

// NewServer builds a Server from config, loading the authorized keys file.
func NewServer(cfg Config, logger pslog.Logger) (*Server, error) {
	s := &Server{
		Addr:        cfg.Addr,
		HostKeyPath: cfg.HostKeyPath,
		Password:    cfg.Password,
		Shell:       cfg.Shell,
		WorkRoot:    cfg.WorkRoot,
		KeepDirs:    cfg.KeepDirs,
		logger:      logger,
	}
	if strings.TrimSpace(cfg.AuthorizedKeysPath) != "" {
		keys, err := LoadAuthorizedKeys(cfg.AuthorizedKeysPath)
		if err != nil {
			return nil, err
		}
		s.AuthorizedKeys = keys
	}
	return s, nil
}

// LoadAuthorizedKeys parses an authorized_keys file.
func LoadAuthorizedKeys(path string) ([]ssh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authorized keys: %w", err)
	}
	var keys []ssh.PublicKey
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey(line)
		if err != nil {
			return nil, fmt.Errorf("parse authorized key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, scanner.Err()
}

// ListenAndServe starts the SSH server and shuts down on context cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	if s.Shell == "" {
		s.Shell = "/bin/sh"
	}
	if s.WorkRoot == "" {
		s.WorkRoot = filepath.Join(os.TempDir(), "codeyard-sandbox")
	}
	if len(s.AuthorizedKeys) == 0 && s.Password == "" {
		return errors.New("authorized keys or a password are required for SSH")
	}
	if err := os.MkdirAll(s.WorkRoot, 0o700); err != nil {
		return fmt.Errorf("work root: %w", err)
	}
	signer, err := EnsureHostKey(s.HostKeyPath)
	if err != nil {
		return err
	}

	server := &gliderssh.Server{
		Addr:    s.Addr,
		Handler: s.handleSession,
	}
	if len(s.AuthorizedKeys) > 0 {
		server.PublicKeyHandler = s.handlePublicKey
	}
	if s.Password != "" {
		server.PasswordHandler = s.handlePassword
	}
	server.AddHostKey(signer)

	errCh := make(chan error, 1)
	go func() {
		if s.Listener != nil {
			errCh <- server.Serve(s.Listener)
			return
		}
		errCh <- server.ListenAndServe()
	}()
	s.logger.Info("sandbox ssh listening", "addr", s.Addr, "work_root", s.WorkRoot)

	select {
	case <-ctx.Done():
		_ = server.Close()
		return nil
	case err := <-errCh:
		if errors.Is(err, gliderssh.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handlePublicKey(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
	fingerprint := ssh.FingerprintSHA256(key)
	log := s.logger.With("user", ctx.User(), "remote", remoteAddr(ctx), "fingerprint", fingerprint)
	for _, allowed := range s.AuthorizedKeys {
		if gliderssh.KeysEqual(key, allowed) {
			log.Info("ssh pubkey accepted")
			return true
		}
	}
	log.Warn("ssh pubkey rejected", "reason", "no matching key")
	return false
}

func (s *Server) handlePassword(ctx gliderssh.Context, password string) bool {
	ok := subtle.ConstantTimeCompare([]byte(password), []byte(s.Password)) == 1
	log := s.logger.With("user", ctx.User(), "remote", remoteAddr(ctx))
	if !ok {
		log.Warn("ssh password rejected")
		return false
	}
	log.Info("ssh password accepted")
	return true
}

func remoteAddr(ctx gliderssh.Context) string {
	if ctx == nil || ctx.RemoteAddr() == nil {
		return ""
	}
	return ctx.RemoteAddr().String()
}

func (s *Server) handleSession(sess gliderssh.Session) {
	log := s.logger.With("user", sess.User(), "remote", sess.RemoteAddr().String())
	if id := sess.Context().SessionID(); id != "" {
		log = log.With("ssh_session", id)
	}
	dir, err := os.MkdirTemp(s.WorkRoot, "session-")
	if err != nil {
		log.Warn("ssh session rejected", "reason", "scratch dir", "err", err)
		_, _ = fmt.Fprintf(sess.Stderr(), "scratch dir: %v\n", err)
		_ = sess.Exit(1)
		return
	}
	if !s.KeepDirs {
		defer func() { _ = os.RemoveAll(dir) }()
	}

	args := []string{}
	if raw := sess.RawCommand(); raw != "" {
		args = append(args, "-c", raw)
	}
	cmd := exec.Command(s.Shell, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "HOME="+dir, "PS1=$ ")

	ptyReq, winCh, isPty := sess.Pty()
	log.Info("ssh session opened", "dir", dir, "pty", isPty, "command", sess.RawCommand() != "")
	var code int
	if isPty {
		code, err = runPTY(sess, cmd, ptyReq, winCh)
	} else {
		code, err = runPipes(sess, cmd)
	}
	if err != nil {
		log.Warn("ssh session failed", "err", err)
		_, _ = fmt.Fprintf(sess.Stderr(), "%v\n", err)
	}
	log.Info("ssh session closed", "exit", code)
	_ = sess.Exit(code)
}

func runPipes(sess gliderssh.Session, cmd *exec.Cmd) (int, error) {
	cmd.Stdout = sess
	cmd.Stderr = sess.Stderr()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 1, err
	}
	if err := cmd.Start(); err != nil {
		return 1, err
	}
	go func() {
		_, _ = io.Copy(stdin, sess)
		_ = stdin.Close()
	}()
	stop := killOnHangup(sess, cmd.Process.Pid)
	defer stop()
	return exitCode(cmd.Wait())
}

func runPTY(sess gliderssh.Session, cmd *exec.Cmd, req gliderssh.Pty, winCh <-chan gliderssh.Window) (int, error) {
	term := req.Term
	if term == "" {
		term = "dumb"
	}
	cmd.Env = append(cmd.Env, "TERM="+term)
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(req.Window.Width), Rows: uint16(req.Window.Height)})
	if err != nil {
		return 1, err
	}
	defer func() { _ = f.Close() }()
	go func() {
		for win := range winCh {
			_ = pty.Setsize(f, &pty.Winsize{Cols: uint16(win.Width), Rows: uint16(win.Height)})
		}
	}()
	go func() { _, _ = io.Copy(f, sess) }()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(sess, f)
	}()
	stop := killOnHangup(sess, cmd.Process.Pid)
	defer stop()
	code, err := exitCode(cmd.Wait())
	wg.Wait()
	return code, err
}

// killOnHangup terminates the process group when the client goes away.
func killOnHangup(sess gliderssh.Session, pid int) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-sess.Context().Done():
			_ = unix.Kill(-pid, unix.SIGKILL)
		case <-done:
		}
	}()
	return func() { close(done) }
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		return 128 + int(unix.SIGKILL), nil
	}
	return 1, err
}
