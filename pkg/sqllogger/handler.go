// Package sqllogger is a slog handler that persists records through an
// injected sink, normally the audit journal. Writes are queued and applied
// by a single background worker so logging never blocks the decision path.
package sqllogger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultQueueSize = 256

var ErrHandlerClosed = errors.New("sqllogger: handler closed")

// Entry is the flattened form of one record handed to the sink.
type Entry struct {
	Time      time.Time
	Level     string
	Scope     string
	Message   string
	AttrsJSON []byte
}

// Sink persists one entry.
type Sink func(context.Context, Entry) error

type Option func(*core)

// WithMinLevel drops records below level before they are queued.
func WithMinLevel(level slog.Level) Option {
	return func(c *core) { c.minLevel = level }
}

// WithQueueSize bounds the in-flight queue. When the queue is full records
// are dropped and counted rather than blocking the caller.
func WithQueueSize(size int) Option {
	return func(c *core) {
		if size > 0 {
			c.queue = make(chan Entry, size)
		}
	}
}

// Handler implements slog.Handler. Clones made by WithAttrs and WithGroup
// share the same queue and worker.
type Handler struct {
	core   *core
	attrs  []slog.Attr
	groups []string
}

type core struct {
	sink     Sink
	minLevel slog.Level

	queue   chan Entry
	done    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Int64
}

func New(sink Sink, opts ...Option) (*Handler, error) {
	if sink == nil {
		return nil, errors.New("sqllogger: sink is required")
	}
	c := &core{
		sink:     sink,
		minLevel: slog.LevelInfo,
		queue:    make(chan Entry, defaultQueueSize),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.wg.Add(1)
	go c.run()
	return &Handler{core: c}, nil
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.core.minLevel
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	if h.core.closed.Load() {
		return ErrHandlerClosed
	}

	entry := Entry{
		Time:    record.Time,
		Level:   record.Level.String(),
		Scope:   strings.Join(h.groups, "."),
		Message: record.Message,
	}

	attrs := make(map[string]any, record.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	record.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	if len(attrs) > 0 {
		raw, err := json.Marshal(attrs)
		if err != nil {
			raw, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
		}
		entry.AttrsJSON = raw
	}

	select {
	case h.core.queue <- entry:
	default:
		h.core.dropped.Add(1)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.clone()
	clone.attrs = append(clone.attrs, attrs...)
	return clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := h.clone()
	clone.groups = append(clone.groups, name)
	return clone
}

func (h *Handler) clone() *Handler {
	return &Handler{
		core:   h.core,
		attrs:  append([]slog.Attr{}, h.attrs...),
		groups: append([]string{}, h.groups...),
	}
}

// Dropped reports how many records were discarded on a full queue.
func (h *Handler) Dropped() int64 {
	return h.core.dropped.Load()
}

// Close stops accepting records, drains the queue, and waits for the worker.
func (h *Handler) Close() error {
	if !h.core.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(h.core.done)
	h.core.wg.Wait()
	return nil
}

func (c *core) run() {
	defer c.wg.Done()
	for {
		select {
		case entry := <-c.queue:
			_ = c.sink(context.Background(), entry)
		case <-c.done:
			for {
				select {
				case entry := <-c.queue:
					_ = c.sink(context.Background(), entry)
				default:
					return
				}
			}
		}
	}
}
