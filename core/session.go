package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/codeyard/internal/logx"
	"pkt.systems/codeyard/schema"
	"pkt.systems/pslog"
)

var errChannelClosed = errors.New("channel closed")

// SessionController owns the single remote session of a workspace and
// serializes access to it.
type SessionController struct {
	workspace     schema.WorkspaceID
	provider      ChannelProvider
	createTimeout time.Duration
	logger        pslog.Logger
	emit          func(schema.Event)
	output        *outputLog

	mu        sync.Mutex
	status    schema.SessionStatus
	channel   Channel
	sessionID schema.SessionID
	lastErr   string
	gen       uint64
	lease     *Lease
}

func newSessionController(ws schema.WorkspaceID, provider ChannelProvider, cfg schema.WorkspaceConfig, logger pslog.Logger, emit func(schema.Event)) *SessionController {
	if emit == nil {
		emit = func(schema.Event) {}
	}
	c := &SessionController{
		workspace:     ws,
		provider:      provider,
		createTimeout: cfg.SessionCreateTimeout,
		logger:        logger,
		emit:          emit,
		output:        newOutputLog(cfg.OutputMaxBytes),
		status:        schema.SessionAbsent,
	}
	c.output.onAppend = c.emitOutput
	return c
}

// Snapshot returns the current session state.
func (c *SessionController) Snapshot() schema.SessionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *SessionController) snapshotLocked() schema.SessionSnapshot {
	snap := schema.SessionSnapshot{
		SessionID: c.sessionID,
		Status:    c.status,
		Error:     c.lastErr,
		OutputEnd: c.output.End(),
	}
	if c.lease != nil {
		snap.Busy = c.lease.op
	}
	return snap
}

// Create starts a session unless one is already creating, connecting, or connected.
func (c *SessionController) Create(ctx context.Context) (schema.SessionSnapshot, error) {
	const op = "session create"
	c.mu.Lock()
	if c.status.Live() {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, nil
	}
	if c.provider == nil {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, newErrorf(ErrorSessionUnavailable, op, "no channel provider configured")
	}
	c.gen++
	gen := c.gen
	from := c.status
	c.status = schema.SessionCreating
	c.sessionID = ""
	c.lastErr = ""
	c.mu.Unlock()
	c.output.Reset()
	c.emitStatus(from, schema.SessionCreating, "", "")
	c.logger.Info("session creating")

	createCtx, cancel := context.WithTimeout(ctx, c.createTimeout)
	defer cancel()
	ch, err := c.provider.Create(createCtx, ChannelRequest{WorkspaceID: c.workspace, Output: c.output})
	if err != nil {
		werr := classifyWait(op, err)
		c.fail(gen, werr)
		return c.Snapshot(), werr
	}
	if !c.advance(gen, schema.SessionCreating, schema.SessionConnecting, ch) {
		_ = ch.Close(context.WithoutCancel(ctx))
		return c.Snapshot(), newErrorf(ErrorSessionUnavailable, op, "session was destroyed during creation")
	}

	probe := newFrame()
	offset := c.output.End()
	if err := ch.Send(createCtx, probe.wrap("true")); err != nil {
		werr := NewError(ErrorSessionUnavailable, op, err)
		c.fail(gen, werr)
		return c.Snapshot(), werr
	}
	if _, _, err := awaitFrame(createCtx, c.output, offset, probe, ch.Info().Terminal, ch.Done(), 0); err != nil {
		werr := classifyWait(op, err)
		c.fail(gen, werr)
		return c.Snapshot(), werr
	}
	if !c.advance(gen, schema.SessionConnecting, schema.SessionConnected, ch) {
		return c.Snapshot(), newErrorf(ErrorSessionUnavailable, op, "session was destroyed during connect")
	}
	go c.watch(gen, ch)
	return c.Snapshot(), nil
}

// Destroy tears down any session and returns to absent unconditionally.
func (c *SessionController) Destroy(ctx context.Context) schema.SessionSnapshot {
	c.mu.Lock()
	c.gen++
	ch := c.channel
	from := c.status
	sessionID := c.sessionID
	c.channel = nil
	c.status = schema.SessionAbsent
	c.sessionID = ""
	c.lastErr = ""
	c.lease = nil
	c.mu.Unlock()

	if ch != nil {
		if err := ch.Close(ctx); err != nil {
			logx.WithSession(c.logger, sessionID).Warn("session close failed", "err", err)
		}
	}
	c.output.Reset()
	if from != schema.SessionAbsent {
		c.emitStatus(from, schema.SessionAbsent, sessionID, "")
		logx.WithSession(c.logger, sessionID).Info("session destroyed", "from", from)
	}
	return c.Snapshot()
}

// Acquire leases the session for a multi-step operation. It rejects
// immediately when the session is not connected or already leased.
func (c *SessionController) Acquire(op string) (*Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != schema.SessionConnected || c.channel == nil {
		return nil, newErrorf(ErrorSessionUnavailable, op, "session is %s", c.status)
	}
	if c.lease != nil {
		return nil, newErrorf(ErrorBusy, op, "session busy: %s in progress", c.lease.op)
	}
	lease := &Lease{controller: c, op: op, gen: c.gen}
	c.lease = lease
	return lease, nil
}

// SendInput writes a raw terminal line. It is rejected while a lease is held.
func (c *SessionController) SendInput(ctx context.Context, line string) error {
	const op = "session input"
	c.mu.Lock()
	if c.status != schema.SessionConnected || c.channel == nil {
		status := c.status
		c.mu.Unlock()
		return newErrorf(ErrorSessionUnavailable, op, "session is %s", status)
	}
	if c.lease != nil {
		holder := c.lease.op
		c.mu.Unlock()
		return newErrorf(ErrorBusy, op, "session busy: %s in progress", holder)
	}
	ch := c.channel
	c.mu.Unlock()
	if err := ch.Send(ctx, line); err != nil {
		return NewError(ErrorSessionUnavailable, op, err)
	}
	return nil
}

// Output returns session output at or after offset and the offset it starts at.
func (c *SessionController) Output(offset int64) ([]byte, int64) {
	data, start, _ := c.output.ReadFrom(offset)
	return data, start
}

func (c *SessionController) advance(gen uint64, from, to schema.SessionStatus, ch Channel) bool {
	c.mu.Lock()
	if c.gen != gen || c.status != from {
		c.mu.Unlock()
		return false
	}
	c.status = to
	c.channel = ch
	c.sessionID = ch.SessionID()
	sessionID := c.sessionID
	c.mu.Unlock()
	c.emitStatus(from, to, sessionID, "")
	logx.WithSession(c.logger, sessionID).Info("session status", "from", from, "status", to)
	return true
}

func (c *SessionController) fail(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	from := c.status
	ch := c.channel
	sessionID := c.sessionID
	c.status = schema.SessionError
	c.channel = nil
	c.lastErr = err.Error()
	c.mu.Unlock()
	if ch != nil {
		_ = ch.Close(context.Background())
	}
	c.emitStatus(from, schema.SessionError, sessionID, err.Error())
	logx.WithSession(c.logger, sessionID).Warn("session failed", "from", from, "err", err)
}

func (c *SessionController) watch(gen uint64, ch Channel) {
	<-ch.Done()
	c.mu.Lock()
	if c.gen != gen || c.channel != ch {
		c.mu.Unlock()
		return
	}
	from := c.status
	sessionID := c.sessionID
	status := schema.SessionDisconnected
	msg := ""
	if err := ch.Err(); err != nil {
		status = schema.SessionError
		msg = err.Error()
	}
	c.status = status
	c.channel = nil
	c.lastErr = msg
	c.mu.Unlock()
	c.emitStatus(from, status, sessionID, msg)
	logx.WithSession(c.logger, sessionID).Warn("session ended", "status", status, "err", msg)
}

func (c *SessionController) emitStatus(from, to schema.SessionStatus, sessionID schema.SessionID, msg string) {
	c.emit(schema.Event{
		Type: schema.EventSession,
		Session: &schema.SessionEvent{
			SessionID: sessionID,
			From:      from,
			Status:    to,
			Error:     msg,
		},
	})
}

func (c *SessionController) emitOutput(offset int64, chunk []byte) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	c.emit(schema.Event{
		Type: schema.EventOutput,
		Output: &schema.OutputEvent{
			SessionID: sessionID,
			Offset:    offset,
			Data:      string(chunk),
		},
	})
}

// Lease is exclusive use of the session for one multi-step operation.
type Lease struct {
	controller *SessionController
	op         string
	gen        uint64
	released   bool
}

// Release returns the session to other callers. It is safe to call twice.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	c := l.controller
	c.mu.Lock()
	l.released = true
	if c.lease == l {
		c.lease = nil
	}
	c.mu.Unlock()
}

// Info returns the channel limits, or zero values when the session is gone.
func (l *Lease) Info() ChannelInfo {
	c := l.controller
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel == nil {
		return ChannelInfo{}
	}
	return c.channel.Info()
}

// Exec sends one framed command and waits for its end marker. Only one
// command is pending at a time per lease.
func (l *Lease) Exec(ctx context.Context, command string, timeout time.Duration) (frameResult, error) {
	op := l.op
	c := l.controller
	c.mu.Lock()
	if l.released || c.gen != l.gen || c.channel == nil || c.status != schema.SessionConnected {
		status := c.status
		c.mu.Unlock()
		return frameResult{}, newErrorf(ErrorSessionUnavailable, op, "session is %s", status)
	}
	ch := c.channel
	sessionID := c.sessionID
	c.mu.Unlock()

	info := ch.Info()
	f := newFrame()
	line := f.wrap(command)
	if info.MaxLineBytes > 0 && len(line) > info.MaxLineBytes {
		return frameResult{}, newErrorf(ErrorEscapeFailure, op, "framed command of %d bytes exceeds the channel line limit of %d", len(line), info.MaxLineBytes)
	}
	reader := newFrameReader(f, info.Terminal, c.output.maxBytes)
	stop := c.output.subscribe(c.output.End(), reader.feed)
	defer stop()
	log := logx.WithSession(c.logger, sessionID)
	log.Trace("session exec", "op", op, "command", command)
	if err := ch.Send(ctx, line); err != nil {
		return frameResult{}, NewError(ErrorSessionUnavailable, op, err)
	}
	res, raw, err := reader.wait(ctx, ch.Done(), timeout)
	if err != nil {
		log.Debug("session exec incomplete", "op", op, "err", err)
		return frameResult{Output: raw}, classifyWait(op, err)
	}
	log.Trace("session exec done", "op", op, "exit", res.ExitCode, "begin", res.BeginSeen, "dropped", res.Dropped)
	return res, nil
}

func classifyWait(op string, err error) *Error {
	var werr *Error
	if errors.As(err, &werr) {
		return werr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrorExecutionTimeout, Op: op, Message: fmt.Sprintf("no response within the time limit: %v", err), Err: err}
	}
	return NewError(ErrorSessionUnavailable, op, err)
}
