package containerd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"pkt.systems/codeyard/internal/shipohoy"
)

const integrationImage = "docker.io/library/busybox:1.36"

func TestRuntimeLifecycleIntegration(t *testing.T) {
	rt := newIntegrationRuntime(t)
	ctx := context.Background()
	name := fmt.Sprintf("codeyard-test-%d", time.Now().UnixNano())
	spec := shipohoy.ContainerSpec{
		Name:       name,
		Image:      integrationImage,
		Command:    []string{"sleep", "600"},
		WorkingDir: "/workspace",
		Tmpfs:      []shipohoy.TmpfsMount{{Target: "/workspace", Options: []string{"rw", "exec", "mode=1777"}}},
		NoNetwork:  true,
		Labels:     map[string]string{"codeyard.test_run": name},
	}
	handle, err := rt.EnsureRunning(ctx, spec)
	if err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	t.Cleanup(func() {
		_ = rt.Stop(ctx, handle)
		_ = rt.Remove(ctx, handle)
	})
	if running, err := rt.Running(ctx, handle); err != nil || !running {
		t.Fatalf("Running = %v, %v", running, err)
	}

	var stdout, stderr bytes.Buffer
	result, err := rt.Exec(ctx, handle, shipohoy.ExecSpec{
		Command:    []string{"sh", "-c", "printf '%s\\n' 'print(1)' > main.py; cat main.py; echo err-ok 1>&2; exit 3"},
		WorkingDir: "/workspace",
		Stdout:     &stdout,
		Stderr:     &stderr,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("Exec exit code: %d", result.ExitCode)
	}
	if stdout.String() != "print(1)\n" || !bytes.Contains(stderr.Bytes(), []byte("err-ok")) {
		t.Fatalf("Exec output: %q %q", stdout.String(), stderr.String())
	}

	removed, err := rt.Janitor(ctx, shipohoy.JanitorSpec{
		LabelSelector: map[string]string{"codeyard.test_run": name},
	})
	if err != nil {
		t.Fatalf("Janitor: %v", err)
	}
	if removed != 1 {
		t.Fatalf("Janitor removed %d containers", removed)
	}
	if running, err := rt.Running(ctx, handle); err != nil || running {
		t.Fatalf("Running after janitor = %v, %v", running, err)
	}
}

func newIntegrationRuntime(t *testing.T) *Runtime {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping containerd integration test in short mode")
	}
	addr := os.Getenv("CODEYARD_CONTAINERD_ADDR")
	if addr == "" {
		t.Skip("CODEYARD_CONTAINERD_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rt, err := New(ctx, Config{Address: addr, Namespace: "codeyard-test"})
	if err != nil {
		t.Fatalf("containerd not available: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}
