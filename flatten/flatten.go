// Package flatten closes open positions on demand. Retries deliberately
// block their own task between attempts and re-poll the live position after
// each one, because control must not return while an unprotected position
// might still be open.
package flatten

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/halyard/halyard/filltracker"
	"github.com/halyard/halyard/halyard"
	"github.com/halyard/halyard/statedoc"
)

// ErrDeferred reports that every retry failed and the flatten was queued
// for the next session open.
var ErrDeferred = errors.New("flatten: retries exhausted; deferred to next session")

// Executor places the reverse market orders that close positions.
type Executor struct {
	gateway halyard.OrderGateway
	poller  halyard.PositionPoller
	tracker *filltracker.Tracker
	store   *statedoc.Store
	logger  *slog.Logger

	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	settleWait     time.Duration

	retries prometheus.Counter
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxAttempts overrides how many attempts are made before deferring.
func WithMaxAttempts(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithBackoff overrides the retry backoff bounds.
func WithBackoff(initial, max time.Duration) Option {
	return func(e *Executor) {
		if initial > 0 {
			e.initialBackoff = initial
		}
		if max > 0 {
			e.maxBackoff = max
		}
	}
}

// WithSettleWait overrides how long to wait after placing the reverse order
// before re-polling the live position.
func WithSettleWait(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.settleWait = d
		}
	}
}

// WithRetryCounter counts every retry after a failed flatten attempt.
func WithRetryCounter(c prometheus.Counter) Option {
	return func(e *Executor) {
		e.retries = c
	}
}

func New(gw halyard.OrderGateway, poller halyard.PositionPoller, tracker *filltracker.Tracker, store *statedoc.Store, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		gateway:        gw,
		poller:         poller,
		tracker:        tracker,
		store:          store,
		logger:         logger.WithGroup("flatten"),
		maxAttempts:    4,
		initialBackoff: 2 * time.Second,
		maxBackoff:     30 * time.Second,
		settleWait:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Flatten closes the instructed position. It blocks through its bounded
// retries; when they are exhausted the flatten is recorded for the next
// session and ErrDeferred is returned.
func (e *Executor) Flatten(ctx context.Context, instr halyard.FlattenInstruction) error {
	pos := instr.Position
	logger := e.logger.With(
		slog.String("symbol", pos.Symbol),
		slog.String("strategy", pos.Strategy),
		slog.String("reason", instr.Reason))

	e.tracker.BeginFlatten(pos.ParentOrderID)
	e.cancelExitLegs(ctx, pos)

	backoff := e.initialBackoff
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		flat, err := e.attempt(ctx, pos)
		if err == nil && flat {
			e.tracker.MarkFlattened(pos.ParentOrderID, instr.Reason)
			logger.Info("position flattened", slog.Int("attempt", attempt))
			return nil
		}
		if err != nil {
			logger.Warn("flatten attempt failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
		} else {
			logger.Warn("position still live after flatten order", slog.Int("attempt", attempt))
		}

		if attempt == e.maxAttempts {
			break
		}
		if e.retries != nil {
			e.retries.Inc()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, e.maxBackoff)
	}

	e.enqueueDeferred(pos, instr.Reason)
	logger.Error("flatten retries exhausted; deferred to next session open")
	return ErrDeferred
}

// attempt performs one flatten round: poll, place the reverse market order
// if needed, then re-poll to confirm.
func (e *Executor) attempt(ctx context.Context, pos halyard.OpenPosition) (flat bool, err error) {
	qty, err := e.poller.LivePosition(ctx, pos.Symbol)
	if err != nil {
		return false, err
	}
	if qty == 0 {
		return true, nil
	}

	action := halyard.Sell
	if qty < 0 {
		action = halyard.Buy
		qty = -qty
	}

	contract, err := e.gateway.Qualify(ctx, pos.Symbol)
	if err != nil {
		return false, err
	}
	if _, err := e.gateway.Place(ctx, contract, halyard.Order{
		Action: action,
		Qty:    qty,
		Type:   halyard.OrderTypeMarket,
	}); err != nil {
		return false, err
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(e.settleWait):
	}

	qty, err = e.poller.LivePosition(ctx, pos.Symbol)
	if err != nil {
		return false, err
	}
	return qty == 0, nil
}

// cancelExitLegs removes the bracket's resting exits so they cannot race
// the reverse market order. An already-gone order is not an error.
func (e *Executor) cancelExitLegs(ctx context.Context, pos halyard.OpenPosition) {
	for _, id := range []halyard.OrderID{pos.StopOrderID, pos.TimedExitOrderID} {
		if id == 0 {
			continue
		}
		if err := e.gateway.Cancel(ctx, id); err != nil && !errors.Is(err, halyard.ErrUnknownOrder) {
			e.logger.Warn("cancel exit leg failed",
				slog.Int64("order_id", int64(id)),
				slog.String("error", err.Error()))
		}
	}
}

func (e *Executor) enqueueDeferred(pos halyard.OpenPosition, reason string) {
	e.store.Update(func(d *statedoc.Document) {
		d.PendingFlattens = append(d.PendingFlattens, statedoc.DeferredFlatten{
			Symbol:     pos.Symbol,
			Strategy:   pos.Strategy,
			Side:       pos.Side.String(),
			Kind:       pos.Kind.String(),
			Qty:        pos.Qty,
			Reason:     reason,
			DeferredAt: time.Now().UTC(),
		})
	})
}

// RetryDeferred drains the deferred-flatten queue, typically at the next
// session open. Flattens that fail again re-enter the queue.
func (e *Executor) RetryDeferred(ctx context.Context) {
	var queued []statedoc.DeferredFlatten
	e.store.Update(func(d *statedoc.Document) {
		queued = d.PendingFlattens
		d.PendingFlattens = nil
	})
	if len(queued) == 0 {
		return
	}

	e.logger.Info("retrying deferred flattens", slog.Int("count", len(queued)))
	for _, df := range queued {
		instr := halyard.FlattenInstruction{
			Position: e.positionFor(df),
			Reason:   df.Reason,
		}
		if err := e.Flatten(ctx, instr); err != nil {
			e.logger.Warn("deferred flatten still failing",
				slog.String("symbol", df.Symbol),
				slog.String("error", err.Error()))
		}
	}
}

// positionFor recovers the tracked position behind a deferred flatten, or
// reconstructs enough of one to act on when the tracker no longer has it.
func (e *Executor) positionFor(df statedoc.DeferredFlatten) halyard.OpenPosition {
	for _, pos := range e.tracker.PositionsBySymbol(df.Symbol) {
		if pos.Strategy == df.Strategy {
			return pos
		}
	}

	side := halyard.SideLong
	if df.Side == halyard.SideShort.String() {
		side = halyard.SideShort
	}
	kind := halyard.KindDay
	if df.Kind == halyard.KindSwing.String() {
		kind = halyard.KindSwing
	}
	return halyard.OpenPosition{
		Symbol:   df.Symbol,
		Strategy: df.Strategy,
		Side:     side,
		Kind:     kind,
		Qty:      df.Qty,
	}
}
