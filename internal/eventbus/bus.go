package eventbus

import (
	"context"
	"sync"

	"pkt.systems/codeyard/schema"
	"pkt.systems/pslog"
)

// Bus fans out workspace events to per-workspace subscribers.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.WorkspaceID]map[chan schema.Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.WorkspaceID]map[chan schema.Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the workspace and returns a channel + cancel.
func (b *Bus) Subscribe(workspaceID schema.WorkspaceID) (<-chan schema.Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan schema.Event, b.depth)
	b.mu.Lock()
	wsSubs := b.subs[workspaceID]
	if wsSubs == nil {
		wsSubs = make(map[chan schema.Event]struct{})
		b.subs[workspaceID] = wsSubs
	}
	wsSubs[ch] = struct{}{}
	count := len(wsSubs)
	b.mu.Unlock()
	b.log.With("workspace", workspaceID).Debug("eventbus subscribe", "subs", count)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[workspaceID]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, workspaceID)
				}
			}
			b.mu.Unlock()
			close(ch)
			b.log.With("workspace", workspaceID).Debug("eventbus unsubscribe")
		})
	}
}

// OnEvent publishes an event to the subscribers of its workspace. Slow
// subscribers lose events rather than blocking the publisher.
func (b *Bus) OnEvent(event schema.Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	wsSubs := b.subs[event.WorkspaceID]
	subs := make([]chan schema.Event, 0, len(wsSubs))
	for sub := range wsSubs {
		subs = append(subs, sub)
	}
	// Sends happen under the lock so cancel cannot close a channel mid-send.
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 {
		b.log.With("workspace", event.WorkspaceID).Trace("eventbus dropped", "count", dropped, "type", event.Type)
	}
}
