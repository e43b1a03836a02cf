package containerd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"syscall"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/containers"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/namespaces"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	"github.com/opencontainers/runtime-spec/specs-go"

	"pkt.systems/codeyard/internal/shipohoy"
)

const stopGrace = 10 * time.Second

// EnsureRunning starts the named container, creating it and its snapshot
// first if needed. An existing container with the same name is reused.
func (r *Runtime) EnsureRunning(ctx context.Context, spec shipohoy.ContainerSpec) (shipohoy.Handle, error) {
	if strings.TrimSpace(spec.Name) == "" || strings.TrimSpace(spec.Image) == "" {
		return nil, errors.New("container name and image are required")
	}
	log := r.log(ctx).With("container", spec.Name, "image", spec.Image)
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, spec.Name)
	found := err == nil
	if err != nil {
		if !errdefs.IsNotFound(err) {
			log.Warn("containerd load container failed", "err", err)
			return nil, err
		}
		image, err := r.ensureImage(ctx, spec.Image)
		if err != nil {
			return nil, err
		}
		specOpts := append([]oci.SpecOpts{oci.WithImageConfig(image)}, specOptions(spec)...)
		container, err = r.client.NewContainer(ctx, spec.Name,
			containerd.WithImage(image),
			containerd.WithContainerLabels(containerLabels(spec.Labels)),
			containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
			containerd.WithNewSpec(specOpts...),
		)
		if err != nil {
			log.Warn("containerd create container failed", "err", err)
			return nil, err
		}
		log.Debug("containerd container created", "id", container.ID())
	}

	task, err := container.Task(ctx, nil)
	switch {
	case errdefs.IsNotFound(err):
		task, err = container.NewTask(ctx, cio.NullIO)
		if err != nil {
			log.Warn("containerd task create failed", "err", err)
			return nil, err
		}
		if err := task.Start(ctx); err != nil {
			log.Warn("containerd task start failed", "err", err)
			_, _ = task.Delete(ctx)
			return nil, err
		}
	case err != nil:
		log.Warn("containerd task lookup failed", "err", err)
		return nil, err
	default:
		status, err := task.Status(ctx)
		if err != nil {
			return nil, err
		}
		if status.Status != containerd.Running {
			if err := task.Start(ctx); err != nil {
				log.Warn("containerd task start failed", "err", err)
				return nil, err
			}
		}
	}
	if spec.AutoRemove {
		r.watchAutoRemove(container, task)
	}
	log.Info("containerd container running", "id", container.ID(), "reused", found)
	return &handle{name: spec.Name, id: container.ID()}, nil
}

// Running reports whether the container exists and its task is running.
func (r *Runtime) Running(ctx context.Context, h shipohoy.Handle) (bool, error) {
	if h == nil {
		return false, errors.New("container handle is required")
	}
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, h.ID())
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	task, err := container.Task(ctx, nil)
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	status, err := task.Status(ctx)
	if err != nil {
		return false, err
	}
	return status.Status == containerd.Running, nil
}

// Stop signals the task, waits a grace period, then deletes it. A missing
// container or task is fine.
func (r *Runtime) Stop(ctx context.Context, h shipohoy.Handle) error {
	if h == nil {
		return nil
	}
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	err := r.deleteTask(ctx, h.ID())
	if err != nil {
		r.log(ctx).Warn("containerd stop failed", "container", h.Name(), "err", err)
	}
	return err
}

func (r *Runtime) deleteTask(ctx context.Context, id string) error {
	container, err := r.client.LoadContainer(ctx, id)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	task, err := container.Task(ctx, nil)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	exited, err := task.Wait(ctx)
	if err == nil && task.Kill(ctx, syscall.SIGTERM) == nil {
		select {
		case <-exited:
		case <-time.After(stopGrace):
		case <-ctx.Done():
		}
	}
	if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// Remove deletes the container and its snapshot; a missing one is fine.
func (r *Runtime) Remove(ctx context.Context, h shipohoy.Handle) error {
	if h == nil {
		return nil
	}
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	return r.remove(ctx, h.Name(), h.ID())
}

func (r *Runtime) remove(ctx context.Context, name, id string) error {
	log := r.log(ctx).With("container", name)
	if err := r.deleteTask(ctx, id); err != nil {
		log.Warn("containerd remove failed", "err", err)
		return err
	}
	container, err := r.client.LoadContainer(ctx, id)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err == nil {
		err = container.Delete(ctx, containerd.WithSnapshotCleanup)
	}
	if err != nil && !errdefs.IsNotFound(err) {
		log.Warn("containerd remove failed", "err", err)
		return err
	}
	log.Debug("containerd container removed")
	return nil
}

// Janitor removes managed containers matching the selector that are older
// than MinAge.
func (r *Runtime) Janitor(ctx context.Context, spec shipohoy.JanitorSpec) (int, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	filters := []string{fmt.Sprintf("labels.%q==true", shipohoy.LabelManaged)}
	list, err := r.client.Containers(ctx, filters...)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-spec.MinAge)
	removed := 0
	for _, container := range list {
		info, err := container.Info(ctx)
		if err != nil {
			continue
		}
		if !matchesLabels(info.Labels, spec.LabelSelector) {
			continue
		}
		if spec.MinAge > 0 && info.CreatedAt.After(cutoff) {
			continue
		}
		if err := r.remove(ctx, info.ID, info.ID); err != nil {
			return removed, fmt.Errorf("janitor: %w", err)
		}
		removed++
	}
	r.log(ctx).Info("containerd janitor done", "matched", len(list), "removed", removed)
	return removed, nil
}

// watchAutoRemove deletes the container once its task exits.
func (r *Runtime) watchAutoRemove(container containerd.Container, task containerd.Task) {
	id := container.ID()
	r.watchMu.Lock()
	if _, ok := r.watchers[id]; ok {
		r.watchMu.Unlock()
		return
	}
	r.watchers[id] = struct{}{}
	r.watchMu.Unlock()

	go func() {
		defer func() {
			r.watchMu.Lock()
			delete(r.watchers, id)
			r.watchMu.Unlock()
		}()
		ctx := namespaces.WithNamespace(context.Background(), r.namespace)
		exited, err := task.Wait(ctx)
		if err == nil {
			<-exited
		}
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
	}()
}

// specOptions translates the container spec into OCI spec options applied
// on top of the image config.
func specOptions(spec shipohoy.ContainerSpec) []oci.SpecOpts {
	opts := []oci.SpecOpts{oci.WithEnv(envList(spec.Env))}
	if spec.WorkingDir != "" {
		opts = append(opts, oci.WithProcessCwd(spec.WorkingDir))
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if mounts := tmpfsMounts(spec.Tmpfs); len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}
	if spec.ReadOnlyRootfs {
		opts = append(opts, oci.WithRootFSReadonly())
	}
	// The default spec gives the task its own network namespace with only
	// loopback, which is what NoNetwork asks for.
	if !spec.NoNetwork {
		opts = append(opts,
			oci.WithHostNamespace(specs.NetworkNamespace),
			oci.WithHostResolvconf,
			oci.WithHostHostsFile,
		)
	}
	if spec.ResourceCaps != nil {
		opts = append(opts, withResources(*spec.ResourceCaps))
	}
	return opts
}

func tmpfsMounts(tmpfs []shipohoy.TmpfsMount) []specs.Mount {
	var out []specs.Mount
	for _, mount := range tmpfs {
		if strings.TrimSpace(mount.Target) == "" {
			continue
		}
		opts := append([]string(nil), mount.Options...)
		if len(opts) == 0 {
			opts = []string{"rw", "nosuid", "nodev"}
		}
		out = append(out, specs.Mount{
			Type:        "tmpfs",
			Source:      "tmpfs",
			Destination: mount.Target,
			Options:     opts,
		})
	}
	return out
}

// withResources maps memory and CPU caps onto the cgroup limits. CPU uses a
// 100ms CFS period.
func withResources(caps shipohoy.ResourceCaps) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		if caps.MemoryBytes <= 0 && caps.NanoCPUs <= 0 {
			return nil
		}
		if s.Linux == nil {
			s.Linux = &specs.Linux{}
		}
		if s.Linux.Resources == nil {
			s.Linux.Resources = &specs.LinuxResources{}
		}
		if caps.MemoryBytes > 0 {
			limit := caps.MemoryBytes
			s.Linux.Resources.Memory = &specs.LinuxMemory{Limit: &limit}
		}
		if caps.NanoCPUs > 0 {
			period := uint64(100000)
			quota := caps.NanoCPUs * int64(period) / 1_000_000_000
			s.Linux.Resources.CPU = &specs.LinuxCPU{Period: &period, Quota: &quota}
		}
		return nil
	}
}

func containerLabels(own map[string]string) map[string]string {
	out := map[string]string{shipohoy.LabelManaged: "true"}
	for k, v := range own {
		out[k] = v
	}
	return out
}

func matchesLabels(labels, selector map[string]string) bool {
	for k, v := range selector {
		if strings.TrimSpace(k) == "" {
			continue
		}
		if labels[k] != v {
			return false
		}
	}
	return true
}

// envList renders env sorted by key so specs are deterministic.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
