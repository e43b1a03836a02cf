package codeyard

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/codeyard/core"
	"pkt.systems/codeyard/httpapi"
	"pkt.systems/codeyard/internal/metrics"
	"pkt.systems/codeyard/schema"
	"pkt.systems/codeyard/sshserver"
	"pkt.systems/pslog"
)

// Server composes the HTTP API and the bundled SSH sandbox host.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
	// Service returns the workspace service, or nil when only the sandbox runs.
	Service() *core.Service
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Workspace  schema.WorkspaceConfig
	HTTP       httpapi.Config
	Sandbox    sshserver.Config
	HubHistory int
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	ServiceDeps core.ServiceDeps
	Metrics     *metrics.Metrics
	// Auth gates the HTTP API behind a login when set.
	Auth httpapi.Authenticator
	// Sinks receive every workspace event next to the SSE hub and metrics.
	Sinks []core.EventSink
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP    bool
	enableSandbox bool
}

// WithHTTP enables the HTTP API server.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithSandbox enables the bundled SSH sandbox host.
func WithSandbox() ServerOption {
	return func(o *serverOptions) { o.enableSandbox = true }
}

// preparer is implemented by channel providers with startup work, such as
// pulling a container image and sweeping leftovers.
type preparer interface {
	Prepare(ctx context.Context) error
}

// shutdowner is implemented by channel providers that own remote resources.
type shutdowner interface {
	Shutdown(ctx context.Context)
}

// New constructs a composable codeyard server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableHTTP && !options.enableSandbox {
		return nil, errors.New("no services enabled")
	}

	var service *core.Service
	var httpSrv *httpapi.Server
	var sandbox *sshserver.Server
	if options.enableHTTP {
		serviceDeps := deps.ServiceDeps
		if serviceDeps.Store == nil {
			return nil, errors.New("workspace store dependency is required")
		}
		hub := httpapi.NewHub(cfg.HubHistory)
		sinks := []core.EventSink{serviceDeps.EventSink, hub}
		if deps.Metrics != nil {
			sinks = append(sinks, deps.Metrics)
		}
		sinks = append(sinks, deps.Sinks...)
		serviceDeps.EventSink = FanOut(sinks...)

		svc, err := core.NewService(cfg.Workspace, serviceDeps)
		if err != nil {
			return nil, err
		}
		service = svc
		httpSrv = httpapi.NewServer(cfg.HTTP, service, deps.Auth, hub, deps.Metrics)
	}

	if options.enableSandbox {
		srv, err := sshserver.NewServer(cfg.Sandbox, deps.ServiceDeps.Logger)
		if err != nil {
			return nil, err
		}
		sandbox = srv
	}

	return &compositeServer{
		cfg:      cfg,
		options:  options,
		service:  service,
		httpSrv:  httpSrv,
		sandbox:  sandbox,
		channels: deps.ServiceDeps.Channels,
	}, nil
}

type compositeServer struct {
	cfg      ServerConfig
	options  serverOptions
	service  *core.Service
	httpSrv  *httpapi.Server
	sandbox  *sshserver.Server
	channels core.ChannelProvider
	logger   pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
}

func (s *compositeServer) Service() *core.Service {
	return s.service
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 2)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"sandbox", s.options.enableSandbox,
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_path", s.cfg.HTTP.BasePath,
		"sandbox_addr", s.cfg.Sandbox.Addr,
		"http_auth", s.httpSrv != nil && s.httpSrv.AuthEnabled(),
	)
	if p, ok := s.channels.(preparer); ok && s.options.enableHTTP {
		if err := p.Prepare(s.ctx); err != nil {
			log.Error("channel provider prepare failed", "err", err)
			s.cancel()
			return err
		}
		log.Info("channel provider prepared")
	}
	if s.options.enableHTTP && s.httpSrv != nil {
		go func() {
			if err := httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
				log.Error("http server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	if s.options.enableSandbox && s.sandbox != nil {
		go func() {
			if err := s.sandbox.ListenAndServe(s.ctx); err != nil {
				log.Error("sandbox server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if s.service != nil {
		s.service.Close(context.Background())
		log.Info("server workspaces closed")
	}
	if sd, ok := s.channels.(shutdowner); ok {
		sd.Shutdown(context.Background())
		log.Info("server channel provider shut down")
	}
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-s.ctx.Done():
		log.Info("server stopped")
		return nil
	}
}
