// Package podman drives sandbox containers through the podman REST API.
package podman

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"pkt.systems/pslog"
)

// Config configures the Podman runtime.
type Config struct {
	Address     string
	UserNSMode  string
	PullTimeout time.Duration
}

// Runtime implements shipohoy.Runtime on the podman service.
type Runtime struct {
	api         *apiClient
	usernsMode  string
	pullTimeout time.Duration
}

// New connects to the first podman socket that answers a ping.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "podman")
	var lastErr error
	for _, addr := range socketCandidates(cfg.Address) {
		api, err := dial(addr)
		if err == nil {
			_, err = api.call(ctx, "ping", http.MethodGet, "/libpod/_ping", nil, nil, nil)
		}
		if err != nil {
			log.Debug("podman socket skipped", "address", addr, "err", err)
			lastErr = err
			continue
		}
		timeout := cfg.PullTimeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		log.Info("podman runtime ready", "address", addr)
		return &Runtime{api: api, usernsMode: strings.TrimSpace(cfg.UserNSMode), pullTimeout: timeout}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("podman address not configured")
	}
	log.Warn("podman runtime unavailable", "err", lastErr)
	return nil, lastErr
}

// Close releases idle connections to the podman service.
func (r *Runtime) Close() error {
	r.api.http.CloseIdleConnections()
	return nil
}

func (r *Runtime) log(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "podman")
}

// handle is a container known to the runtime.
type handle struct {
	name string
	id   string
}

func (h *handle) Name() string { return h.name }
func (h *handle) ID() string   { return h.id }
