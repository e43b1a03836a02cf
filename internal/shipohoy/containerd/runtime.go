// Package containerd drives sandbox containers through a containerd daemon.
package containerd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	containerd "github.com/containerd/containerd/v2/client"

	"pkt.systems/pslog"
)

// DefaultNamespace isolates codeyard containers from other containerd users.
const DefaultNamespace = "codeyard"

// Config configures the containerd runtime.
type Config struct {
	Address     string
	Namespace   string
	PullTimeout time.Duration
}

// Runtime implements shipohoy.Runtime on containerd.
type Runtime struct {
	client      *containerd.Client
	namespace   string
	pullTimeout time.Duration

	watchMu  sync.Mutex
	watchers map[string]struct{}
}

// New connects to the first containerd socket that answers.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "containerd")
	var lastErr error
	for _, addr := range candidateAddresses(cfg.Address) {
		client, err := containerd.New(addr)
		if err == nil {
			if _, err = client.IsServing(ctx); err != nil {
				_ = client.Close()
			}
		}
		if err != nil {
			log.Debug("containerd socket skipped", "address", addr, "err", err)
			lastErr = err
			continue
		}
		namespace := strings.TrimSpace(cfg.Namespace)
		if namespace == "" {
			namespace = DefaultNamespace
		}
		timeout := cfg.PullTimeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		log.Info("containerd runtime ready", "address", addr, "namespace", namespace)
		return &Runtime{
			client:      client,
			namespace:   namespace,
			pullTimeout: timeout,
			watchers:    make(map[string]struct{}),
		}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("containerd address not configured")
	}
	log.Warn("containerd runtime unavailable", "err", lastErr)
	return nil, lastErr
}

// Close releases the containerd client.
func (r *Runtime) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Runtime) log(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "containerd", "namespace", r.namespace)
}

// candidateAddresses lists the configured socket first, then the rootless
// and system default locations.
func candidateAddresses(primary string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(addr string) {
		addr = normalizeAddress(addr)
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}
	add(primary)
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		add(filepath.Join(runtimeDir, "containerd", "containerd.sock"))
	}
	if userRunDir := filepath.Join("/run", "user", fmt.Sprint(os.Getuid())); userRunDir != runtimeDir {
		add(filepath.Join(userRunDir, "containerd", "containerd.sock"))
	}
	add("/run/containerd/containerd.sock")
	return out
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "unix://")
	return strings.TrimPrefix(addr, "unix:")
}

// handle is a container known to the runtime. containerd addresses
// containers by id, which is the spec name.
type handle struct {
	name string
	id   string
}

func (h *handle) Name() string { return h.name }
func (h *handle) ID() string   { return h.id }
