package sshserver

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

func startServer(t *testing.T, srv *Server) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.Listener = ln
	srv.Addr = ln.Addr().String()
	if srv.HostKeyPath == "" {
		srv.HostKeyPath = filepath.Join(t.TempDir(), "host_key")
	}
	if srv.WorkRoot == "" {
		srv.WorkRoot = t.TempDir()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})
	return ln.Addr().String()
}

func TestEnsureHostKeyIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "host_key")
	first, err := EnsureHostKey(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := EnsureHostKey(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(first.PublicKey().Marshal()) != string(second.PublicKey().Marshal()) {
		t.Fatalf("host key changed between loads")
	}
	if _, err := EnsureHostKey(" "); err == nil {
		t.Fatalf("expected empty path to fail")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("host key mode = %o", info.Mode().Perm())
	}
}

func TestEnsureHostKeyRejectsLooseMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_key")
	if _, err := EnsureHostKey(path); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, err := EnsureHostKey(path); err == nil {
		t.Fatalf("expected world readable key to be rejected")
	}
}

func TestLoadAuthorizedKeys(t *testing.T) {
	signer := newSigner(t)
	path := filepath.Join(t.TempDir(), "authorized_keys")
	content := "# comment\n\n" + string(ssh.MarshalAuthorizedKey(signer.PublicKey()))
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	keys, err := LoadAuthorizedKeys(path)
	if err != nil || len(keys) != 1 {
		t.Fatalf("load: %v %d", err, len(keys))
	}
	if err := os.WriteFile(path, []byte("garbage\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadAuthorizedKeys(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestListenRequiresCredentials(t *testing.T) {
	srv := &Server{HostKeyPath: filepath.Join(t.TempDir(), "k"), WorkRoot: t.TempDir()}
	if err := srv.ListenAndServe(context.Background()); err == nil {
		t.Fatalf("expected missing credentials to fail")
	}
}

func TestCommandSessionExitCode(t *testing.T) {
	signer := newSigner(t)
	addr := startServer(t, &Server{AuthorizedKeys: []ssh.PublicKey{signer.PublicKey()}})
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "dev",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	out, err := session.CombinedOutput("pwd; echo hi; exit 4")
	var exitErr *ssh.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitStatus() != 4 {
		t.Fatalf("expected exit status 4, got %v", err)
	}
	if !strings.Contains(string(out), "hi\n") || !strings.Contains(string(out), "session-") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestPasswordAuth(t *testing.T) {
	addr := startServer(t, &Server{Password: "s3cret"})
	cfg := &ssh.ClientConfig{
		User:            "dev",
		Auth:            []ssh.AuthMethod{ssh.Password("wrong")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	if _, err := ssh.Dial("tcp", addr, cfg); err == nil {
		t.Fatalf("expected wrong password to fail")
	}
	cfg.Auth = []ssh.AuthMethod{ssh.Password("s3cret")}
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = client.Close()
}
