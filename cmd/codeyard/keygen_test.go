package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"pkt.systems/codeyard/sshserver"
)

func writeKeyConfig(t *testing.T, dir string, extra ...string) string {
	t.Helper()
	lines := []string{
		"config_version: 1",
		"state_dir: " + filepath.Join(dir, "state"),
		"channel:",
		"  ssh:",
		"    key_store: " + filepath.Join(dir, "keys", "keystore.pb"),
		"    key_dir: " + filepath.Join(dir, "keys", "identities"),
	}
	lines = append(lines, extra...)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestKeygenEnsureRotateRemove(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeKeyConfig(t, dir)

	first, err := execute(t, "keygen", "-c", cfgPath, "sandbox")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if !strings.HasPrefix(first, "ssh-ed25519 ") {
		t.Fatalf("unexpected public key %q", first)
	}
	again, err := execute(t, "keygen", "-c", cfgPath, "sandbox")
	if err != nil {
		t.Fatalf("keygen again: %v", err)
	}
	if again != first {
		t.Fatalf("keygen without --rotate must return the same key")
	}
	rotated, err := execute(t, "keygen", "-c", cfgPath, "--rotate", "sandbox")
	if err != nil {
		t.Fatalf("keygen rotate: %v", err)
	}
	if rotated == first {
		t.Fatalf("rotate must produce a new key")
	}
	if _, err := execute(t, "keygen", "-c", cfgPath, "--remove", "sandbox"); err != nil {
		t.Fatalf("keygen remove: %v", err)
	}
}

func TestRunOverSSHWithIdentity(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	cfgPath := writeKeyConfig(t, dir)
	pub, err := execute(t, "keygen", "-c", cfgPath, "ci")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pub))
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &sshserver.Server{
		Addr:           ln.Addr().String(),
		Listener:       ln,
		HostKeyPath:    filepath.Join(dir, "host_key"),
		AuthorizedKeys: []ssh.PublicKey{key},
		WorkRoot:       filepath.Join(dir, "sandbox"),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.ListenAndServe(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})

	cfgPath = writeKeyConfig(t, dir,
		"workspace:",
		"  step_timeout_seconds: 5",
		"  run_timeout_seconds: 10",
	)
	t.Setenv("CODEYARD_CHANNEL_DRIVER", "ssh")
	t.Setenv("CODEYARD_CHANNEL_SSH_ADDR", ln.Addr().String())
	t.Setenv("CODEYARD_CHANNEL_SSH_USER", "dev")
	t.Setenv("CODEYARD_CHANNEL_SSH_IDENTITY", "ci")
	t.Setenv("CODEYARD_CHANNEL_SSH_INSECURE_IGNORE_HOST_KEY", "true")

	src := writeSource(t, dir, "remote.sh", "echo via sandbox\n")
	out, err := execute(t, "run", "-c", cfgPath, "-w", "remote", "-f", "/remote.sh", "--source", src)
	if err != nil {
		t.Fatalf("run over ssh: %v", err)
	}
	if !strings.Contains(out, "via sandbox") {
		t.Fatalf("unexpected output %q", out)
	}
}
