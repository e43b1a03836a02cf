package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"

	"pkt.systems/codeyard/core"
	"pkt.systems/codeyard/internal/appconfig"
	"pkt.systems/codeyard/internal/channel/localshell"
	"pkt.systems/codeyard/internal/channel/sandbox"
	"pkt.systems/codeyard/internal/channel/sshchannel"
	"pkt.systems/codeyard/internal/natsink"
	"pkt.systems/codeyard/internal/persist"
	"pkt.systems/codeyard/internal/pgstore"
	"pkt.systems/codeyard/internal/shipohoy/containerd"
	"pkt.systems/codeyard/internal/shipohoy/podman"
	"pkt.systems/codeyard/internal/sshkeys"
	"pkt.systems/codeyard/sshserver"
	"pkt.systems/pslog"
)

// stack holds the configured backends shared by serve, run, and sync.
type stack struct {
	store    core.WorkspaceStore
	channels core.ChannelProvider
	sinks    []core.EventSink
	closers  []func(context.Context) error
}

func openStack(ctx context.Context, cfg appconfig.Config, logger pslog.Logger) (*stack, error) {
	s := &stack{}
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	s.store = store
	s.closers = append(s.closers, closeStore)

	channels, closeChannels, err := openChannels(ctx, cfg, logger)
	if err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	s.channels = channels
	if closeChannels != nil {
		s.closers = append(s.closers, closeChannels)
	}

	if cfg.Events.NATS.URL != "" {
		sink, err := natsink.Connect(ctx, natsink.Options{
			URL:        cfg.Events.NATS.URL,
			User:       cfg.Events.NATS.User,
			Password:   cfg.Events.NATS.Password,
			Prefix:     cfg.Events.NATS.Prefix,
			Stream:     cfg.Events.NATS.Stream,
			SkipOutput: cfg.Events.NATS.SkipOutput,
		}, logger)
		if err != nil {
			_ = s.Close(ctx)
			return nil, err
		}
		s.sinks = append(s.sinks, sink)
		s.closers = append(s.closers, sink.Close)
	}
	return s, nil
}

// Close releases backends in reverse order of opening.
func (s *stack) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg appconfig.Config, logger pslog.Logger) (core.WorkspaceStore, func(context.Context) error, error) {
	switch cfg.Store.Driver {
	case "postgres":
		store, err := pgstore.Open(ctx, cfg.Store.PostgresDSN, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("workspace store selected", "driver", "postgres")
		return store, func(context.Context) error { return store.Close() }, nil
	case "file", "":
		dir := filepath.Join(cfg.StateDir, "workspaces")
		store, err := persist.NewStoreWithOptions(dir, persist.Options{
			Compress: cfg.Store.Compress,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("workspace store selected", "driver", "file", "dir", dir, "compress", cfg.Store.Compress)
		return store, func(context.Context) error { return store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store.driver %q", cfg.Store.Driver)
	}
}

func openChannels(ctx context.Context, cfg appconfig.Config, logger pslog.Logger) (core.ChannelProvider, func(context.Context) error, error) {
	ch := cfg.Channel
	switch ch.Driver {
	case "ssh":
		var signer ssh.Signer
		if ch.SSH.Identity != "" {
			store, err := sshkeys.NewStore(ch.SSH.KeyStore, ch.SSH.KeyDir, logger)
			if err != nil {
				return nil, nil, err
			}
			signer, err = store.Signer(ch.SSH.Identity)
			if err != nil {
				return nil, nil, fmt.Errorf("ssh identity %s: %w", ch.SSH.Identity, err)
			}
		}
		provider, err := sshchannel.New(sshchannel.Config{
			Addr:                  ch.SSH.Addr,
			User:                  ch.SSH.User,
			Password:              ch.SSH.Password,
			KeyPath:               ch.SSH.KeyPath,
			Signer:                signer,
			KnownHosts:            ch.SSH.KnownHosts,
			InsecureIgnoreHostKey: ch.SSH.InsecureIgnoreHostKey,
			PTY:                   ch.SSH.PTY,
			MaxLineBytes:          ch.MaxLineBytes,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("channel driver selected", "driver", "ssh", "addr", ch.SSH.Addr, "user", ch.SSH.User, "identity", ch.SSH.Identity)
		return provider, nil, nil
	case "podman":
		rt, err := podman.New(pslog.ContextWithLogger(ctx, logger), podman.Config{
			Address:     ch.Podman.Address,
			UserNSMode:  ch.Podman.UserNSMode,
			PullTimeout: time.Duration(ch.Podman.PullTimeoutMinutes) * time.Minute,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("podman connection failed (%s): %w", ch.Podman.Address, err)
		}
		provider, err := sandbox.New(rt, sandboxConfig(ch.Podman.ContainerSettings, ch.MaxLineBytes), logger)
		if err != nil {
			_ = rt.Close()
			return nil, nil, err
		}
		logger.Info("channel driver selected", "driver", "podman", "image", ch.Podman.Image, "userns", ch.Podman.UserNSMode)
		return provider, func(context.Context) error { return rt.Close() }, nil
	case "containerd":
		rt, err := containerd.New(pslog.ContextWithLogger(ctx, logger), containerd.Config{
			Address:     ch.Containerd.Address,
			Namespace:   ch.Containerd.Namespace,
			PullTimeout: time.Duration(ch.Containerd.PullTimeoutMinutes) * time.Minute,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("containerd connection failed (%s): %w", ch.Containerd.Address, err)
		}
		provider, err := sandbox.New(rt, sandboxConfig(ch.Containerd.ContainerSettings, ch.MaxLineBytes), logger)
		if err != nil {
			_ = rt.Close()
			return nil, nil, err
		}
		logger.Info("channel driver selected", "driver", "containerd", "image", ch.Containerd.Image, "namespace", ch.Containerd.Namespace)
		return provider, func(context.Context) error { return rt.Close() }, nil
	case "local", "":
		provider, err := localshell.New(localshell.Config{
			Shell:        ch.Local.Shell,
			Args:         ch.Local.Args,
			PTY:          ch.Local.PTY,
			WorkRoot:     ch.Local.WorkRoot,
			KeepDirs:     ch.Local.KeepDirs,
			MaxLineBytes: ch.MaxLineBytes,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("channel driver selected", "driver", "local", "shell", ch.Local.Shell, "pty", ch.Local.PTY)
		return provider, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported channel.driver %q", ch.Driver)
	}
}

func sandboxConfig(c appconfig.ContainerSettings, maxLine int) sandbox.Config {
	return sandbox.Config{
		Image:        c.Image,
		Workdir:      c.Workdir,
		Shell:        c.Shell,
		Env:          c.Env,
		MemoryBytes:  c.MemoryMB << 20,
		NanoCPUs:     int64(c.CPUs * 1e9),
		Network:      c.Network,
		ExecTimeout:  time.Duration(c.ExecTimeoutSeconds) * time.Second,
		MaxLineBytes: maxLine,
	}
}

func toSandboxConfig(cfg appconfig.SandboxConfig) sshserver.Config {
	return sshserver.Config{
		Addr:               cfg.Addr,
		HostKeyPath:        cfg.HostKeyPath,
		AuthorizedKeysPath: cfg.AuthorizedKeysPath,
		Password:           cfg.Password,
		Shell:              cfg.Shell,
		WorkRoot:           cfg.WorkRoot,
		KeepDirs:           cfg.KeepDirs,
	}
}

// prepareChannels runs provider startup work outside the server compositor.
func prepareChannels(ctx context.Context, provider core.ChannelProvider) error {
	p, ok := provider.(interface{ Prepare(context.Context) error })
	if !ok {
		return nil
	}
	return p.Prepare(ctx)
}

func shutdownChannels(ctx context.Context, provider core.ChannelProvider) {
	if sd, ok := provider.(interface{ Shutdown(context.Context) }); ok {
		sd.Shutdown(ctx)
	}
}
