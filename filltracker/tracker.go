// Package filltracker converts broker order and execution events into
// position transitions. It owns the OpenPosition records and enforces the
// per-strategy cap on actual fills rather than placements, since several
// orders can be in flight before any of them fills.
package filltracker

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/halyard/halyard/halyard"
	"github.com/halyard/halyard/ledger"
	"github.com/halyard/halyard/marketcal"
	"github.com/halyard/halyard/statedoc"
	"github.com/halyard/halyard/storage"
)

const floatTolerance = 1e-6

// Tracker tracks every placed bracket from parent submission to exit.
type Tracker struct {
	ledger  *ledger.Ledger
	store   *statedoc.Store
	journal *storage.Storage
	gateway halyard.OrderGateway
	logger  *slog.Logger

	mu        sync.Mutex
	pending   map[halyard.OrderID]*pendingOrder
	positions map[halyard.OrderID]halyard.OpenPosition
	exitLegs  map[halyard.OrderID]exitLeg

	onDayExit       func(halyard.OpenPosition)
	onDayCancelled  func(halyard.OrderID, halyard.SignalKey)
	onTimedExitLost func(halyard.OpenPosition)
}

// exitLeg maps one exit order back to its parent.
type exitLeg struct {
	parentID halyard.OrderID
	timed    bool
}

// pendingOrder is a placed parent order that has not reached a terminal
// state yet. Partial executions accumulate here.
type pendingOrder struct {
	sig    halyard.Signal
	placed halyard.PlacedBracket

	reentry bool
	onFill  func(halyard.OpenPosition)

	filledQty   float64
	filledValue float64
}

// avgPrice is the running quantity-weighted average of the accumulated
// executions.
func (p *pendingOrder) avgPrice() float64 {
	if p.filledQty <= floatTolerance {
		return 0
	}
	return p.filledValue / p.filledQty
}

func New(led *ledger.Ledger, store *statedoc.Store, journal *storage.Storage, gw halyard.OrderGateway, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		ledger:    led,
		store:     store,
		journal:   journal,
		gateway:   gw,
		logger:    logger.WithGroup("filltracker"),
		pending:   make(map[halyard.OrderID]*pendingOrder),
		positions: make(map[halyard.OrderID]halyard.OpenPosition),
		exitLegs:  make(map[halyard.OrderID]exitLeg),
	}
}

// OnDayExit registers the callback invoked after a day position's exit has
// been fully accounted for.
func (t *Tracker) OnDayExit(fn func(halyard.OpenPosition)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDayExit = fn
}

// OnDayCancelled registers the callback invoked when a day parent order is
// cancelled before filling.
func (t *Tracker) OnDayCancelled(fn func(halyard.OrderID, halyard.SignalKey)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDayCancelled = fn
}

// OnTimedExitCancelled registers the callback invoked when a timed-exit
// order is cancelled while its position is still open. A cancelled safety
// net demands action, not silence.
func (t *Tracker) OnTimedExitCancelled(fn func(halyard.OpenPosition)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTimedExitLost = fn
}

// RegisterOption configures one registered bracket.
type RegisterOption func(*pendingOrder)

// AsReentry marks the bracket as a re-entry fill: its eventual fill converts
// the candidate's reserved slot instead of consuming a fresh strategy fill.
func AsReentry() RegisterOption {
	return func(p *pendingOrder) { p.reentry = true }
}

// WithFillCallback attaches a per-order notification fired once the parent
// reaches its terminal fill.
func WithFillCallback(fn func(halyard.OpenPosition)) RegisterOption {
	return func(p *pendingOrder) { p.onFill = fn }
}

// Register starts tracking a freshly placed bracket.
func (t *Tracker) Register(sig halyard.Signal, placed halyard.PlacedBracket, opts ...RegisterOption) {
	p := &pendingOrder{sig: sig, placed: placed}
	for _, opt := range opts {
		opt(p)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending[placed.ParentID] = p
	if placed.StopID != 0 {
		t.exitLegs[placed.StopID] = exitLeg{parentID: placed.ParentID}
	}
	if placed.TimedExitID != 0 {
		t.exitLegs[placed.TimedExitID] = exitLeg{parentID: placed.ParentID, timed: true}
	}

	t.logger.Debug("tracking bracket",
		slog.Int64("parent_id", int64(placed.ParentID)),
		slog.String("signal", sig.Key().String()),
		slog.String("kind", sig.Kind().String()),
		slog.Bool("reentry", p.reentry))
}

// HandleExecution accumulates one (possibly partial) execution report.
func (t *Tracker) HandleExecution(ctx context.Context, evt halyard.ExecutionEvent) {
	t.mu.Lock()
	if p, ok := t.pending[evt.OrderID]; ok {
		p.filledQty += evt.Qty
		p.filledValue += evt.Qty * evt.Price
		t.logger.Debug("partial execution",
			slog.Int64("order_id", int64(evt.OrderID)),
			slog.Float64("qty", evt.Qty),
			slog.Float64("price", evt.Price),
			slog.Float64("filled_qty", p.filledQty),
			slog.Float64("avg_price", p.avgPrice()))
	}
	t.mu.Unlock()

	t.journalEvent(ctx, evt.OrderID, "execution", evt)
}

// HandleOrderStatus applies one broker status event. Terminal events are
// idempotent: a duplicate for an order already removed is ignored.
func (t *Tracker) HandleOrderStatus(ctx context.Context, evt halyard.OrderStatusEvent) {
	if !evt.Status.Terminal() {
		return
	}
	t.journalEvent(ctx, evt.OrderID, "status", evt)

	if evt.Status.IsCancel() {
		t.handleCancel(evt)
		return
	}
	t.handleFill(ctx, evt)
}

func (t *Tracker) handleFill(ctx context.Context, evt halyard.OrderStatusEvent) {
	t.mu.Lock()

	if p, ok := t.pending[evt.OrderID]; ok {
		pos, toCancel := t.parentFilledLocked(p, evt)
		fn := p.onFill
		t.mu.Unlock()

		t.cancelExcess(ctx, toCancel)
		if fn != nil {
			t.invokeCallback("fill", func() { fn(pos) })
		}
		return
	}

	if leg, ok := t.exitLegs[evt.OrderID]; ok {
		pos, closed := t.exitFilledLocked(evt.OrderID, leg)
		fn := t.onDayExit
		t.mu.Unlock()

		if closed && pos.Kind == halyard.KindDay && fn != nil {
			t.invokeCallback("day exit", func() { fn(pos) })
		}
		return
	}

	t.mu.Unlock()
	t.logger.Warn("fill for untracked order",
		slog.Int64("order_id", int64(evt.OrderID)),
		slog.Float64("filled", evt.Filled))
}

// parentFilledLocked turns a terminal parent fill into an OpenPosition and
// returns any pending order ids that must be cancelled because the fill cap
// is now reached. Called with t.mu held.
func (t *Tracker) parentFilledLocked(p *pendingOrder, evt halyard.OrderStatusEvent) (halyard.OpenPosition, []halyard.OrderID) {
	delete(t.pending, evt.OrderID)

	core := p.sig.Core()

	// Accumulated partial executions are the best accounting; broker
	// totals are the fallback for synthetic fills with no execution
	// reports.
	qty := p.filledQty
	avg := p.avgPrice()
	if qty <= floatTolerance {
		qty = evt.Filled
		avg = evt.AvgFillPrice
	}

	pos := halyard.OpenPosition{
		Symbol:           core.Symbol,
		Side:             core.Side,
		Kind:             p.sig.Kind(),
		Strategy:         core.Strategy,
		Qty:              int(math.Round(qty)),
		FillPrice:        avg,
		FillTime:         evt.Time,
		StopPrice:        core.Stop,
		ParentOrderID:    evt.OrderID,
		StopOrderID:      p.placed.StopID,
		TimedExitOrderID: p.placed.TimedExitID,
		TradeDate:        core.TradeDate,
	}
	if sw, ok := p.sig.(halyard.SwingSignal); ok {
		pos.ExitDate = sw.ExitDate
	}
	t.positions[evt.OrderID] = pos

	var toCancel []halyard.OrderID
	if p.reentry {
		t.ledger.ConvertReservedToOpen(core.Strategy, core.TradeDate)
	} else {
		t.ledger.RegisterEntry(core.Strategy, core.TradeDate, pos.Kind)
		fills, limit := t.ledger.RegisterFill(core.Strategy, core.TradeDate, pos.Kind)
		if fills >= limit {
			toCancel = t.excessPendingLocked(p.sig, evt.OrderID)
		}
	}

	t.markSignalFilled(p.sig)

	t.logger.Info("position opened",
		slog.Int64("parent_id", int64(evt.OrderID)),
		slog.String("symbol", pos.Symbol),
		slog.String("strategy", pos.Strategy),
		slog.String("kind", pos.Kind.String()),
		slog.String("side", pos.Side.String()),
		slog.Int("qty", pos.Qty),
		slog.Float64("avg_price", pos.FillPrice))

	return pos, toCancel
}

// excessPendingLocked lists every other pending parent for the same
// strategy, kind, and period. Cancelling these once the fill cap is reached
// is what keeps the at-most-N-fills invariant under racing placements.
func (t *Tracker) excessPendingLocked(sig halyard.Signal, filledID halyard.OrderID) []halyard.OrderID {
	period := periodKey(sig.Kind(), sig.Core().TradeDate)

	var out []halyard.OrderID
	for id, other := range t.pending {
		if id == filledID || other.reentry {
			continue
		}
		if other.sig.Core().Strategy != sig.Core().Strategy || other.sig.Kind() != sig.Kind() {
			continue
		}
		if periodKey(other.sig.Kind(), other.sig.Core().TradeDate) != period {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (t *Tracker) cancelExcess(ctx context.Context, ids []halyard.OrderID) {
	for _, id := range ids {
		t.logger.Info("fill cap reached; cancelling pending order",
			slog.Int64("order_id", int64(id)))
		if err := t.gateway.Cancel(ctx, id); err != nil {
			t.logger.Warn("cancel pending order failed",
				slog.Int64("order_id", int64(id)),
				slog.String("error", err.Error()))
		}
	}
}

// exitFilledLocked closes the position the exit leg belongs to. Called with
// t.mu held.
func (t *Tracker) exitFilledLocked(legID halyard.OrderID, leg exitLeg) (halyard.OpenPosition, bool) {
	delete(t.exitLegs, legID)

	pos, ok := t.positions[leg.parentID]
	if !ok {
		t.logger.Error("exit fill with no matching position",
			slog.Int64("exit_id", int64(legID)),
			slog.Int64("parent_id", int64(leg.parentID)))
		return halyard.OpenPosition{}, false
	}
	t.removePositionLocked(pos)

	t.logger.Info("position closed",
		slog.Int64("parent_id", int64(pos.ParentOrderID)),
		slog.String("symbol", pos.Symbol),
		slog.String("strategy", pos.Strategy),
		slog.Bool("timed_exit", leg.timed))
	return pos, true
}

func (t *Tracker) removePositionLocked(pos halyard.OpenPosition) {
	delete(t.positions, pos.ParentOrderID)
	delete(t.exitLegs, pos.StopOrderID)
	delete(t.exitLegs, pos.TimedExitOrderID)
	t.ledger.RegisterExit(pos.Strategy, pos.TradeDate, pos.Kind)
}

func (t *Tracker) handleCancel(evt halyard.OrderStatusEvent) {
	t.mu.Lock()

	if p, ok := t.pending[evt.OrderID]; ok {
		delete(t.pending, evt.OrderID)
		delete(t.exitLegs, p.placed.StopID)
		delete(t.exitLegs, p.placed.TimedExitID)
		key := p.sig.Key()
		isDay := p.sig.Kind() == halyard.KindDay
		fn := t.onDayCancelled
		t.mu.Unlock()

		t.logger.Info("pending order cancelled",
			slog.Int64("order_id", int64(evt.OrderID)),
			slog.String("signal", key.String()))
		if isDay && fn != nil {
			t.invokeCallback("day cancel", func() { fn(evt.OrderID, key) })
		}
		return
	}

	leg, ok := t.exitLegs[evt.OrderID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.exitLegs, evt.OrderID)
	pos, open := t.positions[leg.parentID]
	fn := t.onTimedExitLost
	t.mu.Unlock()

	if leg.timed && open {
		t.logger.Error("timed exit cancelled while position open",
			slog.Int64("parent_id", int64(pos.ParentOrderID)),
			slog.String("symbol", pos.Symbol))
		if fn != nil {
			t.invokeCallback("timed exit cancel", func() { fn(pos) })
		}
	}
}

// BeginFlatten forgets the position's exit legs ahead of an administrative
// flatten. The flatten cancels those legs on purpose, so their cancellation
// must not raise the lost-protection escalation.
func (t *Tracker) BeginFlatten(parentID halyard.OrderID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[parentID]
	if !ok {
		return
	}
	delete(t.exitLegs, pos.StopOrderID)
	delete(t.exitLegs, pos.TimedExitOrderID)
}

// MarkFlattened removes a position closed outside its own bracket, e.g. by
// an administrative flatten order.
func (t *Tracker) MarkFlattened(parentID halyard.OrderID, reason string) {
	t.mu.Lock()
	pos, ok := t.positions[parentID]
	if ok {
		t.removePositionLocked(pos)
	}
	fn := t.onDayExit
	t.mu.Unlock()

	if !ok {
		return
	}
	t.logger.Info("position flattened",
		slog.Int64("parent_id", int64(parentID)),
		slog.String("symbol", pos.Symbol),
		slog.String("reason", reason))
	if pos.Kind == halyard.KindDay && fn != nil {
		t.invokeCallback("day exit", func() { fn(pos) })
	}
}

// PositionsBySymbol returns copies of the open positions for one symbol.
func (t *Tracker) PositionsBySymbol(symbol string) []halyard.OpenPosition {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []halyard.OpenPosition
	for _, pos := range t.positions {
		if pos.Symbol == symbol {
			out = append(out, pos)
		}
	}
	return out
}

// PositionByParent looks up one open position by its parent order id.
func (t *Tracker) PositionByParent(parentID halyard.OrderID) (halyard.OpenPosition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[parentID]
	return pos, ok
}

// OpenPositions returns copies of every open position.
func (t *Tracker) OpenPositions() []halyard.OpenPosition {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]halyard.OpenPosition, 0, len(t.positions))
	for _, pos := range t.positions {
		out = append(out, pos)
	}
	return out
}

// OrderLive reports whether the id is a pending parent or the parent of an
// open position. Used to detect blockers that already exited.
func (t *Tracker) OrderLive(id halyard.OrderID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; ok {
		return true
	}
	_, ok := t.positions[id]
	return ok
}

// PendingParent reports whether the id is a parent order still awaiting its
// terminal status. Exit legs and untracked orders report false.
func (t *Tracker) PendingParent(id halyard.OrderID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// PendingCount returns how many parent orders are still pending.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// invokeCallback runs a downstream callback, containing any panic. The
// tracker's own bookkeeping is committed before the callback runs, so a
// callback failure can only stall downstream automation, never corrupt
// ledger state.
func (t *Tracker) invokeCallback(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("callback panicked",
				slog.String("callback", name),
				slog.Any("panic", r))
		}
	}()
	fn()
}

func (t *Tracker) markSignalFilled(sig halyard.Signal) {
	key := sig.Key().String()
	t.store.Update(func(d *statedoc.Document) {
		d.SignalFills[key] = true
	})
}

func (t *Tracker) journalEvent(ctx context.Context, orderID halyard.OrderID, kind string, payload any) {
	if t.journal == nil {
		return
	}
	if err := t.journal.RecordOrderEvent(ctx, orderID, kind, payload); err != nil {
		t.logger.Warn("journal write failed",
			slog.Int64("order_id", int64(orderID)),
			slog.String("kind", kind),
			slog.String("error", err.Error()))
	}
}

func periodKey(kind halyard.Kind, at time.Time) string {
	if kind == halyard.KindSwing {
		return marketcal.WeekKey(at)
	}
	return marketcal.DayKey(at)
}
