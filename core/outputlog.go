package core

import "sync"

// outputLog stores session output as an offset-addressed byte stream.
// Offsets are absolute; trimming drops the oldest bytes but never renumbers.
type outputLog struct {
	mu       sync.Mutex
	data     []byte
	base     int64
	maxBytes int
	changed  chan struct{}
	onAppend func(offset int64, chunk []byte)
	taps     map[uint64]func(chunk []byte)
	nextTap  uint64
}

func newOutputLog(maxBytes int) *outputLog {
	return &outputLog{maxBytes: maxBytes, changed: make(chan struct{})}
}

// Write appends p and wakes waiters.
func (l *outputLog) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	l.mu.Lock()
	offset := l.base + int64(len(l.data))
	for _, fn := range l.taps {
		fn(p)
	}
	l.data = append(l.data, p...)
	if l.maxBytes > 0 && len(l.data) > l.maxBytes {
		trim := len(l.data) - l.maxBytes
		l.data = append([]byte(nil), l.data[trim:]...)
		l.base += int64(trim)
	}
	close(l.changed)
	l.changed = make(chan struct{})
	notify := l.onAppend
	l.mu.Unlock()
	if notify != nil {
		notify(offset, append([]byte(nil), p...))
	}
	return len(p), nil
}

// subscribe hands fn the retained bytes at or after offset and then every
// later chunk in write order until the returned cancel is called. fn runs
// under the log lock, must copy what it keeps, and must not block.
func (l *outputLog) subscribe(offset int64, fn func(chunk []byte)) (cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset < l.base {
		offset = l.base
	}
	if end := l.base + int64(len(l.data)); offset < end {
		fn(l.data[offset-l.base:])
	}
	if l.taps == nil {
		l.taps = make(map[uint64]func([]byte))
	}
	l.nextTap++
	id := l.nextTap
	l.taps[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.taps, id)
		l.mu.Unlock()
	}
}

// End returns the offset after the last byte written.
func (l *outputLog) End() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.base + int64(len(l.data))
}

// ReadFrom returns a copy of the bytes at or after offset, the offset the copy
// starts at, and a channel closed on the next append.
func (l *outputLog) ReadFrom(offset int64) ([]byte, int64, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset < l.base {
		offset = l.base
	}
	end := l.base + int64(len(l.data))
	if offset > end {
		offset = end
	}
	start := int(offset - l.base)
	out := append([]byte(nil), l.data[start:]...)
	return out, offset, l.changed
}

// Reset discards all output. Offsets keep increasing across resets.
func (l *outputLog) Reset() {
	l.mu.Lock()
	l.base += int64(len(l.data))
	l.data = nil
	close(l.changed)
	l.changed = make(chan struct{})
	l.mu.Unlock()
}
