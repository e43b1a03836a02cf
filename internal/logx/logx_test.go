package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pkt.systems/codeyard/schema"
	"pkt.systems/pslog"
)

func newCaptureLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

func TestWithNodeAddsFields(t *testing.T) {
	capture := &logCapture{}
	log := WithNode(newCaptureLogger(capture), "n1", "/src/main.py")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["node"] != "n1" {
		t.Fatalf("expected node field, got %+v", entry)
	}
	if entry["path"] != "/src/main.py" {
		t.Fatalf("expected path field, got %+v", entry)
	}
}

func TestWithNodeSkipsEmptyPath(t *testing.T) {
	capture := &logCapture{}
	log := WithNode(newCaptureLogger(capture), "n1", "")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if _, ok := entry["path"]; ok {
		t.Fatalf("did not expect path for id-only node")
	}
}

func TestWithWorkspaceSessionAddsFields(t *testing.T) {
	capture := &logCapture{}
	ctx := pslog.ContextWithLogger(context.Background(), newCaptureLogger(capture))
	log := WithWorkspaceSession(ctx, "demo", "s1")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["workspace"] != "demo" {
		t.Fatalf("expected workspace field, got %+v", entry)
	}
	if entry["session"] != "s1" {
		t.Fatalf("expected session field, got %+v", entry)
	}
}

func TestWithWorkspaceSkipsMarkedContext(t *testing.T) {
	capture := &logCapture{}
	base := newCaptureLogger(capture).With("workspace", schema.WorkspaceID("demo"))
	ctx := ContextWithWorkspaceLogger(context.Background(), base, "demo")
	WithWorkspace(ctx, "demo").Info("hello")

	line := capture.buf.String()
	if count := bytes.Count([]byte(line), []byte(`"workspace"`)); count != 1 {
		t.Fatalf("expected one workspace field, got %d in %s", count, line)
	}
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
