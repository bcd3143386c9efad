package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halyard/halyard/halyard"
)

// TickFeed consumes a websocket stream of top-of-book ticks and publishes
// them to the dispatcher. Connectivity retries forever with a capped
// exponential delay: unlike flatten retries there is no principled give-up
// point for a market-data connection.
type TickFeed struct {
	url      string
	dispatch *Dispatcher
	logger   *slog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// TickFeedOption configures a TickFeed.
type TickFeedOption func(*TickFeed)

// WithFeedBackoff overrides the reconnect backoff bounds.
func WithFeedBackoff(initial, max time.Duration) TickFeedOption {
	return func(f *TickFeed) {
		if initial > 0 {
			f.initialBackoff = initial
		}
		if max > 0 {
			f.maxBackoff = max
		}
	}
}

func NewTickFeed(url string, dispatch *Dispatcher, logger *slog.Logger, opts ...TickFeedOption) *TickFeed {
	if logger == nil {
		logger = slog.Default()
	}
	f := &TickFeed{
		url:            url,
		dispatch:       dispatch,
		logger:         logger.WithGroup("tickfeed"),
		initialBackoff: time.Second,
		maxBackoff:     time.Minute,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// wireTick is the on-the-wire tick message.
type wireTick struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
	TsMs   int64   `json:"ts"`
}

// Run connects and pumps ticks until ctx is cancelled.
func (f *TickFeed) Run(ctx context.Context) {
	backoff := f.initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
		if err != nil {
			f.logger.Warn("tick feed dial failed; retrying",
				slog.String("url", f.url),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, f.maxBackoff)
			continue
		}

		f.logger.Info("tick feed connected", slog.String("url", f.url))
		backoff = f.initialBackoff

		if err := f.pump(ctx, conn); err != nil && ctx.Err() == nil {
			f.logger.Warn("tick feed dropped; reconnecting", slog.String("error", err.Error()))
		}
		conn.Close()
	}
}

func (f *TickFeed) pump(ctx context.Context, conn *websocket.Conn) error {
	// Close the socket when ctx ends so the blocking read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var wt wireTick
		if err := json.Unmarshal(raw, &wt); err != nil {
			f.logger.Debug("skipping malformed tick", slog.String("error", err.Error()))
			continue
		}
		if wt.Symbol == "" {
			continue
		}

		f.dispatch.PublishTick(halyard.Tick{
			Symbol: wt.Symbol,
			Bid:    wt.Bid,
			Ask:    wt.Ask,
			Last:   wt.Last,
			Time:   time.UnixMilli(wt.TsMs).UTC(),
		})
	}
}
