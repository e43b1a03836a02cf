package core

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	beginPrefix = "__CY_BEGIN_"
	endPrefix   = "__CY_END_"
	tokenSuffix = "__"
)

// frameOverhead is the number of bytes frame.wrap adds around a command.
var frameOverhead = len(frame{begin: beginPrefix + newToken() + tokenSuffix, end: endPrefix + newToken() + tokenSuffix}.wrap(""))

// frame delimits one command's output inside the continuous stream.
type frame struct {
	begin string
	end   string
}

// frameResult is the parsed outcome of one framed command.
type frameResult struct {
	BeginSeen bool
	EndSeen   bool
	ExitCode  int
	Output    string
	// Dropped counts leading output bytes discarded to respect the limit.
	Dropped int64
}

func newFrame() frame {
	token := newToken()
	return frame{
		begin: beginPrefix + token + tokenSuffix,
		end:   endPrefix + token + tokenSuffix,
	}
}

// wrap surrounds command with the begin marker and an end marker carrying $?.
func (f frame) wrap(command string) string {
	return "echo " + f.begin + "; " + command + "; echo " + f.end + ":$?"
}

func findEndMarker(data, marker []byte) (int, int, bool) {
	from := 0
	for {
		rel := bytes.Index(data[from:], marker)
		if rel < 0 {
			return 0, 0, false
		}
		idx := from + rel
		i := idx + len(marker)
		j := i
		for j < len(data) && data[j] >= '0' && data[j] <= '9' {
			j++
		}
		if j > i && j < len(data) && (data[j] == '\n' || data[j] == '\r') {
			code, err := strconv.Atoi(string(data[i:j]))
			if err == nil {
				return idx, code, true
			}
		}
		from = idx + 1
	}
}

// findBeginMarker returns the offset just past the marker's line ending.
// Only a marker that ends its line counts.
func findBeginMarker(data, marker []byte) (int, bool) {
	from := 0
	for {
		rel := bytes.Index(data[from:], marker)
		if rel < 0 {
			return 0, false
		}
		idx := from + rel
		i := idx + len(marker)
		if i < len(data) && data[i] == '\n' {
			return i + 1, true
		}
		if i+1 < len(data) && data[i] == '\r' && data[i+1] == '\n' {
			return i + 2, true
		}
		from = idx + 1
	}
}

// frameReader collects one frame's output as it is written to the session
// log. It keeps its own copy, bounded by limit, so a frame whose output
// outgrows the session log still sees its begin marker and completes. Bytes
// dropped to stay under limit are counted in frameResult.Dropped.
type frameReader struct {
	f        frame
	terminal bool
	limit    int

	mu        sync.Mutex
	buf       []byte
	beginSeen bool
	scanned   int
	dropped   int64
	complete  bool
	result    frameResult
	changed   chan struct{}
}

func newFrameReader(f frame, terminal bool, limit int) *frameReader {
	return &frameReader{f: f, terminal: terminal, limit: limit, changed: make(chan struct{})}
}

// feed is an outputLog tap.
func (r *frameReader) feed(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.complete || len(chunk) == 0 {
		return
	}
	r.buf = append(r.buf, chunk...)
	if !r.beginSeen {
		if start, ok := findBeginMarker(r.buf, []byte(r.f.begin)); ok {
			r.beginSeen = true
			r.buf = append([]byte(nil), r.buf[start:]...)
			r.scanned = 0
		}
	}
	endMarker := []byte(r.f.end + ":")
	// Rescan a little behind the last scan so a marker split across chunks
	// is still found.
	from := max(0, r.scanned-len(endMarker)-24)
	if idx, code, ok := findEndMarker(r.buf[from:], endMarker); ok {
		r.finishLocked(r.buf[:from+idx], code)
	} else {
		r.scanned = len(r.buf)
		// Trim in halves so long outputs copy the buffer a bounded number of times.
		if r.limit > 0 && len(r.buf) > 2*r.limit {
			r.dropLocked(len(r.buf) - r.limit)
		}
	}
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *frameReader) dropLocked(n int) {
	r.buf = append([]byte(nil), r.buf[n:]...)
	r.dropped += int64(n)
	r.scanned = max(0, r.scanned-n)
}

func (r *frameReader) finishLocked(out []byte, code int) {
	if r.limit > 0 && len(out) > r.limit {
		r.dropped += int64(len(out) - r.limit)
		out = out[len(out)-r.limit:]
	}
	text := string(out)
	if r.terminal {
		text = strings.ReplaceAll(text, "\r\n", "\n")
	}
	r.complete = true
	r.result = frameResult{BeginSeen: r.beginSeen, EndSeen: true, ExitCode: code, Output: text, Dropped: r.dropped}
	r.buf = nil
}

// wait blocks until the frame completes, the channel terminates, or timeout
// expires. On failure it returns the raw output gathered so far.
func (r *frameReader) wait(ctx context.Context, done <-chan struct{}, timeout time.Duration) (frameResult, string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for {
		r.mu.Lock()
		complete, res, partial, changed := r.complete, r.result, string(r.buf), r.changed
		r.mu.Unlock()
		if complete {
			return res, res.Output, nil
		}
		select {
		case <-changed:
		case <-done:
			r.mu.Lock()
			complete, res, partial = r.complete, r.result, string(r.buf)
			r.mu.Unlock()
			if complete {
				return res, res.Output, nil
			}
			return frameResult{}, partial, errChannelClosed
		case <-ctx.Done():
			return frameResult{}, partial, ctx.Err()
		}
	}
}

// awaitFrame reads the frame from the session log starting at offset.
func awaitFrame(ctx context.Context, log *outputLog, offset int64, f frame, terminal bool, done <-chan struct{}, timeout time.Duration) (frameResult, string, error) {
	r := newFrameReader(f, terminal, log.maxBytes)
	stop := log.subscribe(offset, r.feed)
	defer stop()
	return r.wait(ctx, done, timeout)
}
