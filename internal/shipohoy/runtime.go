package shipohoy

import "context"

// Runtime manages sandbox container lifecycles.
type Runtime interface {
	EnsureImage(ctx context.Context, image string) error
	EnsureRunning(ctx context.Context, spec ContainerSpec) (Handle, error)
	// Running reports whether the container still exists and is running.
	Running(ctx context.Context, handle Handle) (bool, error)
	Stop(ctx context.Context, handle Handle) error
	Remove(ctx context.Context, handle Handle) error
	Exec(ctx context.Context, handle Handle, spec ExecSpec) (ExecResult, error)
	Janitor(ctx context.Context, spec JanitorSpec) (int, error)
}

// Handle represents a running container.
type Handle interface {
	Name() string
	ID() string
}
