// Package natsink mirrors workspace events onto NATS subjects, optionally
// persisted in a JetStream stream.
package natsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"pkt.systems/codeyard/schema"
	"pkt.systems/pslog"
)

// Options configures the NATS event mirror.
type Options struct {
	URL      string
	User     string
	Password string
	// Prefix is the first subject token; events go to <prefix>.<workspace>.<type>.
	Prefix string
	// Stream enables JetStream persistence into the named stream when set.
	Stream         string
	StreamMaxBytes int64
	DupeWindow     time.Duration
	SkipOutput     bool
	QueueDepth     int
}

func (o *Options) setDefaults() {
	if o.URL == "" {
		o.URL = nats.DefaultURL
	}
	if o.Prefix == "" {
		o.Prefix = "codeyard"
	}
	if o.StreamMaxBytes == 0 {
		o.StreamMaxBytes = 256 << 20
	}
	if o.DupeWindow == 0 {
		o.DupeWindow = 2 * time.Minute
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 1024
	}
}

type publisher interface {
	publish(subject string, data []byte, msgID string) error
	close()
}

// Sink publishes workspace events from a background worker. OnEvent never
// blocks; events are dropped when the queue is full.
type Sink struct {
	opts   Options
	pub    publisher
	logger pslog.Logger

	queue   chan schema.Event
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// Connect dials NATS and starts the publishing worker.
func Connect(ctx context.Context, opts Options, logger pslog.Logger) (*Sink, error) {
	opts.setDefaults()
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	natsOpts := []nats.Option{nats.Name("codeyard"), nats.MaxReconnects(-1)}
	if opts.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.User, opts.Password))
	}
	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	var pub publisher = &corePublisher{conn: conn}
	if opts.Stream != "" {
		js, err := conn.JetStream()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		if err := ensureStream(js, &nats.StreamConfig{
			Name:       opts.Stream,
			Subjects:   []string{opts.Prefix + ".>"},
			Storage:    nats.FileStorage,
			Retention:  nats.LimitsPolicy,
			MaxMsgs:    -1,
			MaxBytes:   opts.StreamMaxBytes,
			Discard:    nats.DiscardOld,
			Duplicates: opts.DupeWindow,
		}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("jetstream stream %s: %w", opts.Stream, err)
		}
		pub = &streamPublisher{conn: conn, js: js}
	}
	logger.Info("nats event mirror connected", "url", conn.ConnectedUrlRedacted(), "stream", opts.Stream)
	return newSink(opts, pub, logger), nil
}

func newSink(opts Options, pub publisher, logger pslog.Logger) *Sink {
	opts.setDefaults()
	s := &Sink{
		opts:    opts,
		pub:     pub,
		logger:  logger.With("sink", "nats"),
		queue:   make(chan schema.Event, opts.QueueDepth),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

func ensureStream(js nats.JetStreamContext, cfg *nats.StreamConfig) error {
	if _, err := js.StreamInfo(cfg.Name); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, addErr := js.AddStream(cfg)
			return addErr
		}
		return err
	}
	_, err := js.UpdateStream(cfg)
	return err
}

// OnEvent queues an event for publishing.
func (s *Sink) OnEvent(event schema.Event) {
	if s.opts.SkipOutput && event.Type == schema.EventOutput {
		return
	}
	select {
	case <-s.stop:
		return
	default:
	}
	select {
	case s.queue <- event:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.logger.Warn("nats event mirror dropping events", "dropped", n)
		}
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Close flushes queued events and closes the connection.
func (s *Sink) Close(ctx context.Context) error {
	s.once.Do(func() { close(s.stop) })
	var err error
	select {
	case <-s.stopped:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.pub.close()
	return err
}

func (s *Sink) run() {
	defer close(s.stopped)
	for {
		select {
		case ev := <-s.queue:
			s.publish(ev)
		case <-s.stop:
			for {
				select {
				case ev := <-s.queue:
					s.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) publish(ev schema.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("nats event encode failed", "type", ev.Type, "err", err)
		return
	}
	seq := s.seq.Add(1)
	subject := Subject(s.opts.Prefix, ev.WorkspaceID, ev.Type)
	msgID := fmt.Sprintf("%s:%s:%d:%d", ev.WorkspaceID, ev.Type, ev.Timestamp.UnixNano(), seq)
	if err := s.pub.publish(subject, payload, msgID); err != nil {
		s.logger.Warn("nats event publish failed", "subject", subject, "err", err)
		return
	}
	s.logger.Trace("nats event published", "subject", subject, "bytes", len(payload))
}

// Subject returns the subject an event is published on.
func Subject(prefix string, ws schema.WorkspaceID, typ schema.EventType) string {
	return prefix + "." + token(string(ws)) + "." + token(string(typ))
}

// token maps characters NATS treats as separators or wildcards to '_'.
func token(value string) string {
	if value == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, value)
}

type corePublisher struct {
	conn *nats.Conn
}

func (p *corePublisher) publish(subject string, data []byte, _ string) error {
	return p.conn.Publish(subject, data)
}

func (p *corePublisher) close() {
	_ = p.conn.Drain()
	p.conn.Close()
}

type streamPublisher struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

func (p *streamPublisher) publish(subject string, data []byte, msgID string) error {
	_, err := p.js.Publish(subject, data, nats.MsgId(msgID))
	return err
}

func (p *streamPublisher) close() {
	_ = p.conn.Drain()
	p.conn.Close()
}
