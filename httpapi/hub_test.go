package httpapi

import (
	"testing"

	"pkt.systems/codeyard/schema"
)

func TestHubHistoryIsBoundedPerWorkspace(t *testing.T) {
	hub := NewHub(2)
	for i := 0; i < 5; i++ {
		hub.OnEvent(schema.Event{WorkspaceID: "a", Type: schema.EventOutput})
	}
	hub.OnEvent(schema.Event{WorkspaceID: "b", Type: schema.EventRun})
	replay := hub.Replay("a", 0, 100)
	if len(replay) != 2 || replay[0].Seq != 4 || replay[1].Seq != 5 {
		t.Fatalf("unexpected replay %+v", replay)
	}
	other := hub.Replay("b", 0, 100)
	if len(other) != 1 || other[0].Seq != 1 {
		t.Fatalf("workspaces must not share sequences: %+v", other)
	}
	if got := hub.Replay("missing", 0, 100); got != nil {
		t.Fatalf("expected nil replay, got %+v", got)
	}
}

func TestHubSubscribeAndForget(t *testing.T) {
	hub := NewHub(8)
	hub.OnEvent(schema.Event{WorkspaceID: "a", Type: schema.EventTree})
	ch, unsubscribe, seq := hub.Subscribe("a")
	if seq != 1 {
		t.Fatalf("unexpected seq %d", seq)
	}
	hub.OnEvent(schema.Event{WorkspaceID: "a", Type: schema.EventSave})
	ev := <-ch
	if ev.Seq != 2 || ev.Type != schema.EventSave {
		t.Fatalf("unexpected event %+v", ev)
	}
	hub.Forget("a")
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed by forget")
	}
	unsubscribe()
	unsubscribe()
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub(1000)
	_, unsubscribe, _ := hub.Subscribe("a")
	defer unsubscribe()
	for i := 0; i < 300; i++ {
		hub.OnEvent(schema.Event{WorkspaceID: "a", Type: schema.EventOutput})
	}
	if got := len(hub.Replay("a", 0, 1000)); got != 300 {
		t.Fatalf("history should keep every event, got %d", got)
	}
}
