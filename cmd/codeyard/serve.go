package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/codeyard"
	"pkt.systems/codeyard/core"
	"pkt.systems/codeyard/httpapi"
	"pkt.systems/codeyard/internal/appconfig"
	"pkt.systems/codeyard/internal/auth"
	"pkt.systems/codeyard/internal/metrics"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var withSandbox bool
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the codeyard HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}

			backends, err := openStack(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := backends.Close(closeCtx); err != nil {
					logger.Warn("backend close failed", "err", err)
				}
			}()

			serverCfg := codeyard.ServerConfig{
				Workspace:  cfg.WorkspaceSettings(),
				HTTP:       toHTTPConfig(cfg.HTTP, cfg.Auth),
				Sandbox:    toSandboxConfig(cfg.Sandbox),
				HubHistory: cfg.HTTP.EventHistory,
			}
			serverDeps := codeyard.ServerDeps{
				ServiceDeps: core.ServiceDeps{
					Store:    backends.store,
					Channels: backends.channels,
					Logger:   logger,
				},
				Metrics: metrics.New(),
				Sinks:   backends.sinks,
			}
			if cfg.Auth.Enabled {
				users, err := auth.NewStore(cfg.Auth.UserFile, logger)
				if err != nil {
					return err
				}
				serverDeps.Auth = users
			}
			opts := []codeyard.ServerOption{codeyard.WithHTTP()}
			if withSandbox {
				opts = append(opts, codeyard.WithSandbox())
			}
			server, err := codeyard.New(serverCfg, serverDeps, opts...)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), server, logger)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "override http.addr")
	cmd.Flags().BoolVar(&withSandbox, "sandbox", false, "also serve the bundled SSH sandbox host")
	return cmd
}

// runServer starts the server and blocks until it fails or a signal arrives.
func runServer(parent context.Context, server codeyard.Server, logger pslog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Stop(stopCtx); err != nil {
			logger.Warn("server stop failed", "err", err)
		}
	}()
	if err := server.Start(ctx); err != nil {
		return err
	}
	return server.Wait()
}

func toHTTPConfig(cfg appconfig.HTTPConfig, authCfg appconfig.AuthConfig) httpapi.Config {
	return httpapi.Config{
		Addr:          cfg.Addr,
		BasePath:      cfg.BasePath,
		Metrics:       cfg.Metrics,
		SessionCookie: authCfg.SessionCookie,
		SessionTTL:    time.Duration(authCfg.SessionTTLHours) * time.Hour,
	}
}
