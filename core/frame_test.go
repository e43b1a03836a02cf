package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// parseFrame feeds data to a fresh reader in one chunk.
func parseFrame(f frame, data []byte, terminal bool) (frameResult, bool) {
	r := newFrameReader(f, terminal, 0)
	r.feed(data)
	return r.result, r.complete
}

func TestFrameParseCompletesOnlyWithExitCode(t *testing.T) {
	f := newFrame()
	partial := []byte(f.begin + "\nhello\n" + f.end + ":")
	if _, ok := parseFrame(f, partial, false); ok {
		t.Fatalf("frame without exit digits must not complete")
	}
	noNewline := []byte(f.begin + "\nhello\n" + f.end + ":1")
	if _, ok := parseFrame(f, noNewline, false); ok {
		t.Fatalf("frame without trailing newline must not complete")
	}
	full := []byte(f.begin + "\nhello\n" + f.end + ":17\n")
	res, ok := parseFrame(f, full, false)
	if !ok {
		t.Fatalf("expected complete frame")
	}
	if !res.BeginSeen || !res.EndSeen || res.ExitCode != 17 || res.Output != "hello\n" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestFrameParseIgnoresTerminalEcho(t *testing.T) {
	f := newFrame()
	line := f.wrap("python3 'main.py'")
	data := []byte("$ " + line + "\r\n" + f.begin + "\r\nhi\r\nthere\r\n" + f.end + ":0\r\n$ ")
	res, ok := parseFrame(f, data, true)
	if !ok {
		t.Fatalf("expected complete frame")
	}
	if !res.BeginSeen || res.ExitCode != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Output != "hi\nthere\n" {
		t.Fatalf("unexpected output %q", res.Output)
	}
}

func TestFrameParseOutputWithoutTrailingNewline(t *testing.T) {
	f := newFrame()
	data := []byte(f.begin + "\nno newline" + f.end + ":0\n")
	res, ok := parseFrame(f, data, false)
	if !ok || res.Output != "no newline" {
		t.Fatalf("unexpected result %+v ok=%v", res, ok)
	}
}

func TestFrameParseMissingBegin(t *testing.T) {
	f := newFrame()
	res, ok := parseFrame(f, []byte("noise\n"+f.end+":0\n"), false)
	if !ok {
		t.Fatalf("expected completion on end marker")
	}
	if res.BeginSeen {
		t.Fatalf("begin should not be seen")
	}
	if res.Output != "noise\n" {
		t.Fatalf("expected raw output, got %q", res.Output)
	}
}

func TestFrameParseIgnoresOtherFrames(t *testing.T) {
	f := newFrame()
	other := newFrame()
	data := []byte(other.begin + "\nx\n" + other.end + ":0\n")
	if _, ok := parseFrame(f, data, false); ok {
		t.Fatalf("frame must only complete on its own markers")
	}
}

func TestAwaitFrameAccumulatesChunks(t *testing.T) {
	log := newOutputLog(0)
	f := newFrame()
	offset := log.End()
	go func() {
		for _, chunk := range []string{f.begin[:5], f.begin[5:] + "\nout", "put\n" + f.end, ":0", "\n"} {
			time.Sleep(2 * time.Millisecond)
			_, _ = log.Write([]byte(chunk))
		}
	}()
	res, _, err := awaitFrame(context.Background(), log, offset, f, false, nil, time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if res.Output != "output\n" {
		t.Fatalf("unexpected output %q", res.Output)
	}
}

func TestAwaitFrameTimeoutReturnsPartialOutput(t *testing.T) {
	log := newOutputLog(0)
	f := newFrame()
	_, _ = log.Write([]byte(f.begin + "\nstill running"))
	_, raw, err := awaitFrame(context.Background(), log, 0, f, false, nil, 20*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if !strings.Contains(raw, "still running") {
		t.Fatalf("expected partial output, got %q", raw)
	}
}

func TestAwaitFrameChannelClosed(t *testing.T) {
	log := newOutputLog(0)
	done := make(chan struct{})
	close(done)
	_, _, err := awaitFrame(context.Background(), log, 0, newFrame(), false, done, time.Second)
	if !errors.Is(err, errChannelClosed) {
		t.Fatalf("expected closed channel error, got %v", err)
	}
}

func TestOutputLogTrimKeepsOffsets(t *testing.T) {
	log := newOutputLog(4)
	_, _ = log.Write([]byte("abcdef"))
	if log.End() != 6 {
		t.Fatalf("expected end 6, got %d", log.End())
	}
	data, start, _ := log.ReadFrom(0)
	if start != 2 || string(data) != "cdef" {
		t.Fatalf("unexpected read %q from %d", data, start)
	}
	log.Reset()
	if log.End() != 6 {
		t.Fatalf("reset must keep offsets monotonic, got %d", log.End())
	}
}

func TestFrameReaderSurvivesLogTrim(t *testing.T) {
	log := newOutputLog(64)
	f := newFrame()
	r := newFrameReader(f, false, log.maxBytes)
	stop := log.subscribe(log.End(), r.feed)
	defer stop()
	_, _ = log.Write([]byte(f.begin + "\n"))
	for range 10 {
		_, _ = log.Write([]byte(strings.Repeat("a", 50)))
	}
	_, _ = log.Write([]byte("\n" + f.end + ":0\n"))
	if data, _, _ := log.ReadFrom(0); strings.Contains(string(data), f.begin) {
		t.Fatalf("session log should have trimmed the begin marker")
	}
	res, _, err := r.wait(context.Background(), nil, time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !res.BeginSeen || res.ExitCode != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Output) != 64 || res.Dropped != 501-64 {
		t.Fatalf("expected the last 64 bytes and 437 dropped, got %d bytes, %d dropped", len(res.Output), res.Dropped)
	}
	if res.Output != strings.Repeat("a", 63)+"\n" {
		t.Fatalf("unexpected tail %q", res.Output)
	}
}

func TestFrameReaderEndMarkerSplitAcrossChunks(t *testing.T) {
	f := newFrame()
	r := newFrameReader(f, false, 0)
	r.feed([]byte(f.begin + "\nx\n" + f.end[:4]))
	r.feed([]byte(f.end[4:] + ":1"))
	if r.complete {
		t.Fatalf("frame must wait for the newline after the exit code")
	}
	r.feed([]byte("2\n"))
	if !r.complete || r.result.ExitCode != 12 || r.result.Output != "x\n" {
		t.Fatalf("unexpected result %+v complete=%v", r.result, r.complete)
	}
}

func TestOutputLogSubscribeReplaysRetainedBytes(t *testing.T) {
	log := newOutputLog(0)
	_, _ = log.Write([]byte("old"))
	var got []byte
	stop := log.subscribe(1, func(chunk []byte) { got = append(got, chunk...) })
	_, _ = log.Write([]byte("new"))
	stop()
	_, _ = log.Write([]byte("gone"))
	if string(got) != "ldnew" {
		t.Fatalf("unexpected tap bytes %q", got)
	}
}
