package httpapi

import (
	"context"
	"sync"

	"pkt.systems/codeyard/internal/logx"
	"pkt.systems/codeyard/schema"
)

// StreamEvent is sent to SSE clients. Seq is the SSE event id and is unique
// per workspace.
type StreamEvent struct {
	Seq uint64 `json:"seq"`
	schema.Event
	Snapshot *SnapshotPayload `json:"snapshot,omitempty"`
}

// SnapshotPayload seeds client state on connect.
type SnapshotPayload struct {
	Editor     schema.EditorSnapshot   `json:"editor"`
	Session    schema.SessionSnapshot  `json:"session"`
	Sync       schema.SyncState        `json:"sync"`
	LastResult *schema.ExecutionResult `json:"last_result,omitempty"`
}

// Hub broadcasts workspace events to SSE subscribers and keeps a bounded
// history per workspace for Last-Event-ID replay.
type Hub struct {
	mu          sync.Mutex
	workspaces  map[schema.WorkspaceID]*workspaceHub
	historySize int
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int) *Hub {
	if historySize <= 0 {
		historySize = 512
	}
	return &Hub{
		workspaces:  make(map[schema.WorkspaceID]*workspaceHub),
		historySize: historySize,
	}
}

// OnEvent implements core.EventSink.
func (h *Hub) OnEvent(event schema.Event) {
	if h == nil {
		return
	}
	logx.WithWorkspace(context.Background(), event.WorkspaceID).Trace("hub event", "type", event.Type)
	h.publish(event.WorkspaceID, StreamEvent{Event: event})
}

// Subscribe registers a subscriber for a workspace. It returns the event
// channel, a cancel func, and the last sequence number issued.
func (h *Hub) Subscribe(id schema.WorkspaceID) (<-chan StreamEvent, func(), uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	wh := h.getOrCreateLocked(id)
	ch := make(chan StreamEvent, 256)
	wh.subs[ch] = struct{}{}
	seq := wh.seq
	log := logx.WithWorkspace(context.Background(), id)
	log.Info("hub subscribe", "subs", len(wh.subs), "history", len(wh.history))
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := wh.subs[ch]; ok {
				delete(wh.subs, ch)
				close(ch)
			}
			remaining := len(wh.subs)
			h.mu.Unlock()
			log.Info("hub unsubscribe", "subs", remaining)
		})
	}
	return ch, unsub, seq
}

// Replay returns events with after < seq <= upto.
func (h *Hub) Replay(id schema.WorkspaceID, after, upto uint64) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	wh := h.workspaces[id]
	if wh == nil {
		return nil
	}
	events := make([]StreamEvent, 0, len(wh.history))
	for _, event := range wh.history {
		if event.Seq > after && event.Seq <= upto {
			events = append(events, event)
		}
	}
	logx.WithWorkspace(context.Background(), id).Debug("hub replay", "after", after, "count", len(events))
	return events
}

// Forget drops history and subscribers of a closed workspace.
func (h *Hub) Forget(id schema.WorkspaceID) {
	h.mu.Lock()
	wh := h.workspaces[id]
	delete(h.workspaces, id)
	if wh != nil {
		for ch := range wh.subs {
			delete(wh.subs, ch)
			close(ch)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) publish(id schema.WorkspaceID, event StreamEvent) {
	h.mu.Lock()
	wh := h.getOrCreateLocked(id)
	wh.seq++
	event.Seq = wh.seq
	wh.history = append(wh.history, event)
	if len(wh.history) > h.historySize {
		wh.history = wh.history[len(wh.history)-h.historySize:]
	}
	// Sends happen under the lock so unsubscribe cannot close a channel mid-send.
	dropped := 0
	for sub := range wh.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	h.mu.Unlock()

	if dropped > 0 {
		logx.WithWorkspace(context.Background(), id).Warn("hub event dropped", "type", event.Type, "dropped", dropped)
	}
}

func (h *Hub) getOrCreateLocked(id schema.WorkspaceID) *workspaceHub {
	wh := h.workspaces[id]
	if wh == nil {
		wh = &workspaceHub{
			subs: make(map[chan StreamEvent]struct{}),
		}
		h.workspaces[id] = wh
	}
	return wh
}

type workspaceHub struct {
	seq     uint64
	history []StreamEvent
	subs    map[chan StreamEvent]struct{}
}
