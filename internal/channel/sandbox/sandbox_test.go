package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/codeyard/core"
	"pkt.systems/codeyard/internal/persist"
	"pkt.systems/codeyard/internal/shipohoy"
	"pkt.systems/codeyard/schema"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type localHandle struct{ name, dir string }

func (h *localHandle) Name() string { return h.name }
func (h *localHandle) ID() string   { return h.dir }

// localRuntime stands in for a container engine by giving every container
// a directory and running execs as local processes inside it.
type localRuntime struct {
	t       *testing.T
	mu      sync.Mutex
	images  []string
	specs   []shipohoy.ContainerSpec
	alive   map[string]bool
	removed []string
	swept   []shipohoy.JanitorSpec
}

func newLocalRuntime(t *testing.T) *localRuntime {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return &localRuntime{t: t, alive: map[string]bool{}}
}

func (r *localRuntime) EnsureImage(_ context.Context, image string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images = append(r.images, image)
	return nil
}

func (r *localRuntime) EnsureRunning(_ context.Context, spec shipohoy.ContainerSpec) (shipohoy.Handle, error) {
	dir, err := os.MkdirTemp(r.t.TempDir(), "ctr-")
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = append(r.specs, spec)
	r.alive[dir] = true
	return &localHandle{name: spec.Name, dir: dir}, nil
}

func (r *localRuntime) Running(_ context.Context, h shipohoy.Handle) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive[h.ID()], nil
}

func (r *localRuntime) kill(h shipohoy.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alive[h.ID()] = false
}

func (r *localRuntime) Stop(_ context.Context, h shipohoy.Handle) error {
	r.kill(h)
	return nil
}

func (r *localRuntime) Remove(_ context.Context, h shipohoy.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.alive, h.ID())
	r.removed = append(r.removed, h.Name())
	return os.RemoveAll(h.ID())
}

func (r *localRuntime) Exec(ctx context.Context, h shipohoy.Handle, spec shipohoy.ExecSpec) (shipohoy.ExecResult, error) {
	if ok, _ := r.Running(ctx, h); !ok {
		return shipohoy.ExecResult{}, errors.New("container is not running")
	}
	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = h.ID()
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.WaitDelay = time.Second
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return shipohoy.ExecResult{ExitCode: exitErr.ExitCode()}, nil
	}
	return shipohoy.ExecResult{}, err
}

func (r *localRuntime) Janitor(_ context.Context, spec shipohoy.JanitorSpec) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.swept = append(r.swept, spec)
	return 0, nil
}

func newProvider(t *testing.T, rt shipohoy.Runtime) *Provider {
	t.Helper()
	p, err := New(rt, Config{Image: "busybox:1.36", Shell: "sh"}, nil)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, Config{Image: "x"}, nil); err == nil {
		t.Fatalf("expected error for missing runtime")
	}
	rt := &localRuntime{alive: map[string]bool{}}
	if _, err := New(rt, Config{}, nil); err == nil {
		t.Fatalf("expected error for missing image")
	}
	if _, err := New(rt, Config{Image: "x", Workdir: "work"}, nil); err == nil {
		t.Fatalf("expected error for relative workdir")
	}
}

func TestPrepareEnsuresImageAndSweeps(t *testing.T) {
	rt := newLocalRuntime(t)
	p := newProvider(t, rt)
	if err := p.Prepare(context.Background()); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(rt.images) != 1 || rt.images[0] != "busybox:1.36" {
		t.Fatalf("unexpected images %v", rt.images)
	}
	if len(rt.swept) != 1 || rt.swept[0].LabelSelector[LabelSandbox] != "true" {
		t.Fatalf("unexpected sweep %v", rt.swept)
	}
}

func TestCreateShipsLabeledContainer(t *testing.T) {
	rt := newLocalRuntime(t)
	p := newProvider(t, rt)
	ch, err := p.Create(context.Background(), core.ChannelRequest{WorkspaceID: "demo/ws", Output: &syncBuffer{}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer ch.Close(context.Background())
	spec := rt.specs[0]
	if !strings.HasPrefix(spec.Name, "codeyard-demo_ws-") {
		t.Fatalf("unexpected container name %q", spec.Name)
	}
	if spec.Labels[LabelWorkspace] != "demo/ws" || spec.Labels[LabelSandbox] != "true" {
		t.Fatalf("unexpected labels %v", spec.Labels)
	}
	if !spec.NoNetwork || spec.WorkingDir != "/workspace" || spec.Env["HOME"] != "/workspace" {
		t.Fatalf("unexpected spec %+v", spec)
	}
	if len(spec.Tmpfs) != 1 || spec.Tmpfs[0].Target != "/workspace" {
		t.Fatalf("unexpected tmpfs %+v", spec.Tmpfs)
	}
	if info := ch.Info(); info.Terminal || info.MaxLineBytes != DefaultMaxLine {
		t.Fatalf("unexpected info %+v", info)
	}
	if ch.(*Channel).Container() != spec.Name {
		t.Fatalf("container name mismatch")
	}
}

func TestSendRunsLinesInOrder(t *testing.T) {
	rt := newLocalRuntime(t)
	p := newProvider(t, rt)
	out := &syncBuffer{}
	ch, err := p.Create(context.Background(), core.ChannelRequest{WorkspaceID: "demo", Output: out})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer ch.Close(context.Background())
	for _, line := range []string{"echo one > f", "cat f; echo two >&2", "exit 3", "echo three"} {
		if err := ch.Send(context.Background(), line); err != nil {
			t.Fatalf("send %q: %v", line, err)
		}
	}
	waitFor(t, "output", func() bool { return strings.Contains(out.String(), "three") })
	if got := out.String(); got != "one\ntwo\nthree\n" {
		t.Fatalf("unexpected output %q", got)
	}
	select {
	case <-ch.Done():
		t.Fatalf("a failing command must not end the session")
	default:
	}
}

func TestContainerDeathEndsChannel(t *testing.T) {
	rt := newLocalRuntime(t)
	p := newProvider(t, rt)
	ch, err := p.Create(context.Background(), core.ChannelRequest{WorkspaceID: "demo", Output: &syncBuffer{}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer ch.Close(context.Background())
	rt.kill(ch.(*Channel).handle)
	if err := ch.Send(context.Background(), "true"); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("channel did not end")
	}
	if ch.Err() == nil {
		t.Fatalf("expected error after container death")
	}
	if err := ch.Send(context.Background(), "true"); err == nil {
		t.Fatalf("send after death should fail")
	}
}

func TestCloseDischargesContainer(t *testing.T) {
	rt := newLocalRuntime(t)
	p := newProvider(t, rt)
	out := &syncBuffer{}
	ch, err := p.Create(context.Background(), core.ChannelRequest{WorkspaceID: "demo", Output: out})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ch.Send(context.Background(), "sleep 30"); err != nil {
		t.Fatalf("send: %v", err)
	}
	start := time.Now()
	if err := ch.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("close waited on the running command")
	}
	if ch.Err() != nil {
		t.Fatalf("close must not report an error: %v", ch.Err())
	}
	if len(rt.removed) != 1 || p.yard.Active() != 0 {
		t.Fatalf("container not discharged: %v", rt.removed)
	}
	if err := ch.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestShutdownDischargesAll(t *testing.T) {
	rt := newLocalRuntime(t)
	p := newProvider(t, rt)
	for _, ws := range []schema.WorkspaceID{"a", "b"} {
		if _, err := p.Create(context.Background(), core.ChannelRequest{WorkspaceID: ws, Output: &syncBuffer{}}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	p.Shutdown(context.Background())
	if len(rt.removed) != 2 {
		t.Fatalf("expected 2 removed containers, got %v", rt.removed)
	}
}

func TestWorkspaceRunEndToEnd(t *testing.T) {
	rt := newLocalRuntime(t)
	ctx := context.Background()
	store, err := persist.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()
	svc, err := core.NewService(schema.WorkspaceConfig{StateDir: t.TempDir(), StepTimeout: 5 * time.Second, RunTimeout: 5 * time.Second}, core.ServiceDeps{Store: store, Channels: newProvider(t, rt)})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	defer svc.Close(ctx)
	ws, err := svc.Workspace(ctx, "demo")
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	folder, err := ws.CreateNode(ctx, schema.CreateNodeRequest{Name: "lib", Kind: schema.NodeFolder})
	if err != nil {
		t.Fatalf("create folder: %v", err)
	}
	if _, err := ws.CreateNode(ctx, schema.CreateNodeRequest{ParentID: folder.ID, Name: "data.txt", Kind: schema.NodeFile, Content: "a 'b' \"c\"\n\n"}); err != nil {
		t.Fatalf("create data: %v", err)
	}
	script, err := ws.CreateNode(ctx, schema.CreateNodeRequest{Name: "main.sh", Kind: schema.NodeFile, Content: "cat lib/data.txt\nexit 2\n"})
	if err != nil {
		t.Fatalf("create script: %v", err)
	}
	if _, err := ws.CreateSession(ctx); err != nil {
		t.Fatalf("session: %v", err)
	}
	state, err := ws.Sync(ctx)
	if err != nil || !state.IsSynced || state.Succeeded() != len(state.Records) {
		t.Fatalf("sync: %+v %v", state, err)
	}
	if _, err := ws.OpenFile(ctx, script.ID); err != nil {
		t.Fatalf("open: %v", err)
	}
	result, err := ws.Run(ctx, schema.RunRequest{})
	if core.KindOf(err) != core.ErrorRemote {
		t.Fatalf("expected remote error, got %v", err)
	}
	if result.RanOk || result.CapturedOutput != "a 'b' \"c\"\n\n" {
		t.Fatalf("unexpected result %q (%+v)", result.CapturedOutput, result)
	}
}
