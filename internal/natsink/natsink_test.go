package natsink

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"pkt.systems/codeyard/schema"
	"pkt.systems/pslog"
)

type published struct {
	subject string
	data    []byte
	msgID   string
}

type fakePublisher struct {
	mu     sync.Mutex
	msgs   []published
	gate   chan struct{}
	fail   bool
	closed bool
}

func (f *fakePublisher) publish(subject string, data []byte, msgID string) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("nats: connection closed")
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data, msgID: msgID})
	return nil
}

func (f *fakePublisher) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakePublisher) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func testLogger() pslog.Logger {
	return pslog.Ctx(context.Background())
}

func TestSubject(t *testing.T) {
	if got := Subject("codeyard", "demo", schema.EventSync); got != "codeyard.demo.sync" {
		t.Fatalf("unexpected subject %q", got)
	}
	if got := Subject("cy", "a.b*c>d e", schema.EventRun); got != "cy.a_b_c_d_e.run" {
		t.Fatalf("unexpected subject %q", got)
	}
	if got := Subject("cy", "", schema.EventRun); got != "cy._.run" {
		t.Fatalf("unexpected subject %q", got)
	}
}

func TestSinkPublishesJSONInOrder(t *testing.T) {
	pub := &fakePublisher{}
	sink := newSink(Options{}, pub, testLogger())
	now := time.Now()
	sink.OnEvent(schema.Event{WorkspaceID: "demo", Type: schema.EventTree, Tree: &schema.TreeEvent{Op: "create", Path: "/main.py"}, Timestamp: now})
	sink.OnEvent(schema.Event{WorkspaceID: "demo", Type: schema.EventRun, Run: &schema.RunEvent{Result: schema.ExecutionResult{RanOk: true}}, Timestamp: now})
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	msgs := pub.snapshot()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].subject != "codeyard.demo.tree" || msgs[1].subject != "codeyard.demo.run" {
		t.Fatalf("unexpected subjects %q %q", msgs[0].subject, msgs[1].subject)
	}
	if msgs[0].msgID == msgs[1].msgID {
		t.Fatalf("message ids must be unique")
	}
	var ev schema.Event
	if err := json.Unmarshal(msgs[0].data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Tree == nil || ev.Tree.Path != "/main.py" {
		t.Fatalf("unexpected payload %+v", ev)
	}
	if !pub.closed {
		t.Fatalf("publisher not closed")
	}
}

func TestSinkSkipsOutput(t *testing.T) {
	pub := &fakePublisher{}
	sink := newSink(Options{SkipOutput: true}, pub, testLogger())
	sink.OnEvent(schema.Event{WorkspaceID: "demo", Type: schema.EventOutput, Output: &schema.OutputEvent{Data: "x"}})
	sink.OnEvent(schema.Event{WorkspaceID: "demo", Type: schema.EventSave, Save: &schema.SaveEvent{}})
	_ = sink.Close(context.Background())
	msgs := pub.snapshot()
	if len(msgs) != 1 || msgs[0].subject != "codeyard.demo.save" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestSinkDropsWhenQueueFull(t *testing.T) {
	pub := &fakePublisher{gate: make(chan struct{})}
	sink := newSink(Options{QueueDepth: 2}, pub, testLogger())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			sink.OnEvent(schema.Event{WorkspaceID: "demo", Type: schema.EventOutput})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnEvent blocked")
	}
	if sink.Dropped() == 0 {
		t.Fatalf("expected drops")
	}
	close(pub.gate)
	_ = sink.Close(context.Background())
	if got := len(pub.snapshot()) + int(sink.Dropped()); got != 20 {
		t.Fatalf("published plus dropped = %d, want 20", got)
	}
}

func TestSinkPublishFailureIsLogged(t *testing.T) {
	pub := &fakePublisher{fail: true}
	sink := newSink(Options{}, pub, testLogger())
	sink.OnEvent(schema.Event{WorkspaceID: "demo", Type: schema.EventSync})
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	sink.OnEvent(schema.Event{WorkspaceID: "demo", Type: schema.EventSync})
}

func TestConnectJetStream(t *testing.T) {
	url := os.Getenv("CODEYARD_TEST_NATS_URL")
	if url == "" {
		t.Skip("CODEYARD_TEST_NATS_URL not set")
	}
	ctx := context.Background()
	stream := "CODEYARD_TEST_" + time.Now().Format("150405")
	sink, err := Connect(ctx, Options{URL: url, Prefix: "cytest", Stream: stream}, testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	sink.OnEvent(schema.Event{WorkspaceID: "demo", Type: schema.EventSync, Timestamp: time.Now()})
	if err := sink.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	conn, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	defer conn.Close()
	js, err := conn.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	defer func() { _ = js.DeleteStream(stream) }()
	info, err := js.StreamInfo(stream)
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}
	if info.State.Msgs != 1 {
		t.Fatalf("expected 1 stored message, got %d", info.State.Msgs)
	}
}
