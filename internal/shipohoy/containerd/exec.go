package containerd

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"syscall"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/namespaces"
	"github.com/google/uuid"
	"github.com/opencontainers/runtime-spec/specs-go"

	"pkt.systems/codeyard/internal/shipohoy"
)

// Exec runs one command in the container's task and streams its output to
// the spec writers as it is produced.
func (r *Runtime) Exec(ctx context.Context, h shipohoy.Handle, spec shipohoy.ExecSpec) (shipohoy.ExecResult, error) {
	if h == nil {
		return shipohoy.ExecResult{}, errors.New("container handle is required")
	}
	if len(spec.Command) == 0 {
		return shipohoy.ExecResult{}, errors.New("exec command is required")
	}
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	log := r.log(ctx).With("container", h.Name())
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, h.ID())
	if err != nil {
		return shipohoy.ExecResult{}, err
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return shipohoy.ExecResult{}, err
	}
	proc, err := processSpec(ctx, container, spec)
	if err != nil {
		return shipohoy.ExecResult{}, err
	}
	stdout, stderr := spec.Stdout, spec.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	started := time.Now()
	process, err := task.Exec(ctx, "exec-"+uuid.NewString()[:12], proc, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		log.Warn("containerd exec failed", "err", err)
		return shipohoy.ExecResult{}, err
	}
	cleanup := context.WithoutCancel(ctx)
	defer func() { _, _ = process.Delete(cleanup) }()
	exited, err := process.Wait(ctx)
	if err != nil {
		return shipohoy.ExecResult{}, err
	}
	if err := process.Start(ctx); err != nil {
		log.Warn("containerd exec start failed", "err", err)
		return shipohoy.ExecResult{}, err
	}
	select {
	case status := <-exited:
		code, _, err := status.Result()
		if err != nil {
			return shipohoy.ExecResult{}, err
		}
		// Drain the fifos so every byte reaches the writers before returning.
		if pio := process.IO(); pio != nil {
			pio.Wait()
		}
		finished := time.Now()
		log.Trace("containerd exec done", "exit_code", code, "duration_ms", finished.Sub(started).Milliseconds())
		return shipohoy.ExecResult{ExitCode: int(code), Started: started, Finished: finished}, nil
	case <-ctx.Done():
		_ = process.Kill(cleanup, syscall.SIGKILL)
		log.Warn("containerd exec interrupted", "err", ctx.Err())
		return shipohoy.ExecResult{}, ctx.Err()
	}
}

// processSpec derives the exec process from the container's own process so
// user and environment carry over.
func processSpec(ctx context.Context, container containerd.Container, spec shipohoy.ExecSpec) (*specs.Process, error) {
	base, err := container.Spec(ctx)
	if err != nil {
		return nil, err
	}
	proc := &specs.Process{Args: spec.Command}
	if base.Process != nil {
		proc.Cwd = base.Process.Cwd
		proc.Env = base.Process.Env
		proc.User = base.Process.User
	}
	proc.Env = mergeEnv(proc.Env, spec.Env)
	if spec.WorkingDir != "" {
		proc.Cwd = spec.WorkingDir
	}
	if proc.Cwd == "" {
		proc.Cwd = "/"
	}
	return proc, nil
}

// mergeEnv overlays add on base. Keys from base keep their order; new keys
// follow sorted.
func mergeEnv(base []string, add map[string]string) []string {
	out := make([]string, 0, len(base)+len(add))
	seen := make(map[string]bool, len(add))
	for _, entry := range base {
		key, _, _ := strings.Cut(entry, "=")
		if v, ok := add[key]; ok {
			out = append(out, key+"="+v)
			seen[key] = true
			continue
		}
		out = append(out, entry)
	}
	keys := make([]string, 0, len(add))
	for k := range add {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+add[k])
	}
	return out
}
