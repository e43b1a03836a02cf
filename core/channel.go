package core

import (
	"context"
	"io"

	"pkt.systems/codeyard/schema"
)

// ChannelRequest configures a new remote session channel.
type ChannelRequest struct {
	WorkspaceID schema.WorkspaceID
	// Output receives everything the remote side prints, in order.
	Output io.Writer
}

// ChannelInfo describes transport limits.
type ChannelInfo struct {
	// Terminal is true when output passes through a pty and lines end in \r\n.
	Terminal bool
	// MaxLineBytes bounds a single sent line; zero means unlimited.
	MaxLineBytes int
}

// Channel is one remote execution session reachable through an ordered
// command/output stream.
type Channel interface {
	SessionID() schema.SessionID
	Info() ChannelInfo
	// Send writes one line into the command stream. It does not wait for output.
	Send(ctx context.Context, line string) error
	// Done is closed when the remote side terminates.
	Done() <-chan struct{}
	// Err reports why the channel terminated; nil for a clean exit.
	Err() error
	Close(ctx context.Context) error
}

// ChannelProvider creates remote session channels.
type ChannelProvider interface {
	Create(ctx context.Context, req ChannelRequest) (Channel, error)
}
