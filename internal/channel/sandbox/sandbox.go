// Package sandbox runs workspace sessions inside throwaway containers. Each
// session gets its own container; every line sent to the channel runs as one
// exec in that container, in order, with output streamed back as it arrives.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/codeyard/core"
	"pkt.systems/codeyard/internal/shipohoy"
	"pkt.systems/codeyard/schema"
	"pkt.systems/pslog"
)

const (
	// DefaultMaxLine stays well under the exec argument limit.
	DefaultMaxLine = 128 * 1024
	// LabelSandbox marks containers owned by the sandbox provider.
	LabelSandbox = "codeyard.sandbox"
	// LabelWorkspace carries the owning workspace id.
	LabelWorkspace = "codeyard.workspace"

	queueDepth = 64
)

// Config configures the sandbox provider.
type Config struct {
	Image        string
	Workdir      string
	Shell        string
	NamePrefix   string
	Env          map[string]string
	MemoryBytes  int64
	NanoCPUs     int64
	Network      bool
	ExecTimeout  time.Duration
	MaxLineBytes int
}

// Provider starts one container per session through a shipohoy yard.
type Provider struct {
	cfg    Config
	yard   *shipohoy.Yard
	logger pslog.Logger
}

// New constructs a Provider on top of a container runtime.
func New(rt shipohoy.Runtime, cfg Config, logger pslog.Logger) (*Provider, error) {
	if rt == nil {
		return nil, errors.New("container runtime is required")
	}
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, errors.New("sandbox image is required")
	}
	if cfg.Workdir == "" {
		cfg.Workdir = "/workspace"
	}
	if !strings.HasPrefix(cfg.Workdir, "/") {
		return nil, fmt.Errorf("sandbox workdir %q must be absolute", cfg.Workdir)
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "codeyard-"
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLine
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	yard := shipohoy.Commission(shipohoy.YardPlan{
		NamePrefix:   cfg.NamePrefix,
		Env:          map[string]string{"TERM": "dumb", "HOME": cfg.Workdir},
		Labels:       map[string]string{LabelSandbox: "true"},
		ResourceCaps: shipohoy.ResourceCaps{MemoryBytes: cfg.MemoryBytes, NanoCPUs: cfg.NanoCPUs},
	}, rt)
	return &Provider{cfg: cfg, yard: yard, logger: logger.With("channel", "sandbox", "image", cfg.Image)}, nil
}

// Prepare pulls the sandbox image and removes containers left over from an
// earlier run.
func (p *Provider) Prepare(ctx context.Context) error {
	ctx = pslog.ContextWithLogger(ctx, p.logger)
	if err := p.yard.Runtime().EnsureImage(ctx, p.cfg.Image); err != nil {
		return fmt.Errorf("sandbox image: %w", err)
	}
	removed, err := p.yard.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sandbox sweep: %w", err)
	}
	if removed > 0 {
		p.logger.Info("sandbox stale containers removed", "count", removed)
	}
	return nil
}

// Shutdown discharges every container still running.
func (p *Provider) Shutdown(ctx context.Context) {
	p.yard.DischargeAll(pslog.ContextWithLogger(ctx, p.logger))
}

// Create starts a fresh container for the workspace.
func (p *Provider) Create(ctx context.Context, req core.ChannelRequest) (core.Channel, error) {
	if req.Output == nil {
		return nil, errors.New("output writer is required")
	}
	id := uuid.NewString()
	name := containerName(string(req.WorkspaceID)) + "-" + id[:8]
	spec := shipohoy.ContainerSpec{
		Name:       name,
		Image:      p.cfg.Image,
		Env:        p.cfg.Env,
		Labels:     map[string]string{LabelWorkspace: string(req.WorkspaceID)},
		Command:    []string{"sleep", "infinity"},
		WorkingDir: p.cfg.Workdir,
		Tmpfs:      []shipohoy.TmpfsMount{{Target: p.cfg.Workdir, Options: []string{"rw", "exec", "mode=1777"}}},
		NoNetwork:  !p.cfg.Network,
	}
	logger := p.logger.With("session", id, "workspace", string(req.WorkspaceID))
	handle, err := p.yard.ShipOut(pslog.ContextWithLogger(ctx, logger), spec)
	if err != nil {
		return nil, fmt.Errorf("start sandbox: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		id:      schema.SessionID(id),
		handle:  handle,
		yard:    p.yard,
		cfg:     p.cfg,
		output:  req.Output,
		logger:  logger.With("container", handle.Name()),
		queue:   make(chan string, queueDepth),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		cancel:  cancel,
	}
	go ch.run(runCtx)
	ch.logger.Debug("sandbox started")
	return ch, nil
}

// Channel is a session bound to one sandbox container.
type Channel struct {
	id     schema.SessionID
	handle shipohoy.Handle
	yard   *shipohoy.Yard
	cfg    Config
	output io.Writer
	logger pslog.Logger

	queue   chan string
	done    chan struct{}
	stopped chan struct{}
	cancel  context.CancelFunc

	mu        sync.Mutex
	closing   bool
	err       error
	doneOnce  sync.Once
	closeOnce sync.Once
}

// SessionID returns the channel id.
func (c *Channel) SessionID() schema.SessionID { return c.id }

// Info reports the transport limits. Exec output never passes through a pty.
func (c *Channel) Info() core.ChannelInfo {
	return core.ChannelInfo{MaxLineBytes: c.cfg.MaxLineBytes}
}

// Container returns the name of the backing container.
func (c *Channel) Container() string { return c.handle.Name() }

// Send queues one line for execution.
func (c *Channel) Send(ctx context.Context, line string) error {
	select {
	case <-c.done:
		return errors.New("sandbox has stopped")
	default:
	}
	select {
	case c.queue <- line:
		return nil
	case <-c.done:
		return errors.New("sandbox has stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the sandbox stops.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err reports why the sandbox stopped; nil after Close.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close aborts any running exec, then stops and removes the container.
func (c *Channel) Close(ctx context.Context) error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		c.cancel()
		select {
		case <-c.stopped:
		case <-ctx.Done():
		}
		closeErr = c.yard.Discharge(pslog.ContextWithLogger(context.WithoutCancel(ctx), c.logger), c.handle)
		c.finish(nil)
		c.logger.Debug("sandbox closed", "err", closeErr)
	})
	return closeErr
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.stopped)
	rt := c.yard.Runtime()
	for {
		var line string
		select {
		case <-ctx.Done():
			return
		case line = <-c.queue:
		}
		_, err := rt.Exec(ctx, c.handle, shipohoy.ExecSpec{
			Command:    []string{c.cfg.Shell, "-c", line},
			WorkingDir: c.cfg.Workdir,
			Stdout:     c.output,
			Stderr:     c.output,
			Timeout:    c.cfg.ExecTimeout,
		})
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		running, probeErr := rt.Running(context.WithoutCancel(ctx), c.handle)
		if probeErr == nil && running {
			// The container is alive, so only this command failed.
			c.logger.Warn("sandbox exec failed", "err", err)
			continue
		}
		c.finish(fmt.Errorf("sandbox stopped: %w", err))
		return
	}
}

func (c *Channel) finish(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		if !c.closing {
			c.err = err
		}
		c.mu.Unlock()
		close(c.done)
	})
}

func containerName(workspace string) string {
	var b strings.Builder
	for _, r := range workspace {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
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
