package core

import "pkt.systems/pslog"

// ServiceDeps captures dependencies for the workspace service.
type ServiceDeps struct {
	Store     WorkspaceStore
	Channels  ChannelProvider
	EventSink EventSink
	Logger    pslog.Logger
}
