package sqllogger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu      sync.Mutex
	entries []Entry
	block   chan struct{}
}

func (c *captureSink) sink(ctx context.Context, e Entry) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func (c *captureSink) snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry{}, c.entries...)
}

func TestRecordsReachSink(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	h, err := New(sink.sink)
	require.NoError(t, err)
	defer h.Close()

	logger := slog.New(h).WithGroup("engine").With(slog.String("signal", "AAPL/orb"))
	logger.Info("entry placed", slog.Int64("parent_id", 42))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	got := sink.snapshot()[0]
	require.Equal(t, "INFO", got.Level)
	require.Equal(t, "engine", got.Scope)
	require.Equal(t, "entry placed", got.Message)
	require.JSONEq(t, `{"signal": "AAPL/orb", "parent_id": 42}`, string(got.AttrsJSON))
}

func TestBelowMinLevelSkipped(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	h, err := New(sink.sink, WithMinLevel(slog.LevelWarn))
	require.NoError(t, err)

	logger := slog.New(h)
	logger.Info("chatter")
	logger.Warn("kept")

	require.NoError(t, h.Close())
	entries := sink.snapshot()
	require.Len(t, entries, 1)
	require.Equal(t, "kept", entries[0].Message)
}

func TestCloseDrainsQueue(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	h, err := New(sink.sink, WithQueueSize(64))
	require.NoError(t, err)

	logger := slog.New(h)
	for range 20 {
		logger.Info("event")
	}

	require.NoError(t, h.Close())
	require.Len(t, sink.snapshot(), 20)

	require.ErrorIs(t, h.Handle(context.Background(), slog.Record{Level: slog.LevelInfo}), ErrHandlerClosed)
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	sink := &captureSink{block: make(chan struct{})}
	h, err := New(sink.sink, WithQueueSize(1))
	require.NoError(t, err)

	logger := slog.New(h)
	// One record stalls in the sink, one sits in the queue; the rest must
	// drop without blocking this goroutine.
	for range 10 {
		logger.Info("burst")
	}

	require.Positive(t, h.Dropped())
	close(sink.block)
	require.NoError(t, h.Close())
}
