// Package gap runs the once-per-session opening check: signals whose entry
// level was fully crossed overnight trade immediately at market instead of
// waiting on a dormant limit order that can no longer fill at its price.
package gap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/halyard/halyard/engine"
	"github.com/halyard/halyard/halyard"
	"github.com/halyard/halyard/ledger"
	"github.com/halyard/halyard/marketcal"
	"github.com/halyard/halyard/metrics"
	"github.com/halyard/halyard/statedoc"
	"github.com/halyard/halyard/storage"
)

// TickSource serves the opening tick per symbol.
type TickSource interface {
	Tick(symbol string) (halyard.Tick, bool)
	Symbols() []string
}

// Engine decides and executes gap entries.
type Engine struct {
	store    *statedoc.Store
	ledger   *ledger.Ledger
	admitter *engine.Engine
	quotes   TickSource
	bars     halyard.BarSource
	journal  *storage.Storage
	metrics  *metrics.Metrics
	logger   *slog.Logger

	stopDistance float64
	refreshLimit int
	now          func() time.Time

	// mu guards the once-per-day run alongside the persisted marker.
	mu sync.Mutex
}

// Option configures a gap Engine.
type Option func(*Engine)

// WithStopDistance sets the fixed dollar distance of the recalculated stop
// from the open.
func WithStopDistance(d float64) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stopDistance = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

type Deps struct {
	Store    *statedoc.Store
	Ledger   *ledger.Ledger
	Admitter *engine.Engine
	Quotes   TickSource
	Bars     halyard.BarSource
	Journal  *storage.Storage
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

func New(deps Deps, opts ...Option) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:        deps.Store,
		ledger:       deps.Ledger,
		admitter:     deps.Admitter,
		quotes:       deps.Quotes,
		bars:         deps.Bars,
		journal:      deps.Journal,
		metrics:      deps.Metrics,
		logger:       logger.WithGroup("gap"),
		stopDistance: 1.00,
		refreshLimit: 4,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// gapCrossed is the direction-specific predicate: the overnight move must
// strictly cross the entry level, not merely end up beyond it.
func gapCrossed(prevClose, entry, open float64) bool {
	switch {
	case prevClose > entry:
		return open <= entry
	case prevClose < entry:
		return open >= entry
	default:
		return false
	}
}

// RunGapCheck evaluates every still-armed signal against the overnight gap.
// It runs at most once per calendar day; the persisted marker makes a
// restart right after the open a no-op.
func (e *Engine) RunGapCheck(ctx context.Context, signals []halyard.Signal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	today := marketcal.DayKey(now)

	var alreadyRan bool
	e.store.Update(func(d *statedoc.Document) {
		if d.GapRunDate == today {
			alreadyRan = true
			return
		}
		d.GapRunDate = today
	})
	if alreadyRan {
		e.logger.Info("gap check already ran today; skipping", slog.String("date", today))
		return nil
	}

	e.completePending(ctx)

	if err := e.refreshPrevCloses(ctx, signals, now); err != nil {
		e.logger.Warn("previous-close refresh incomplete", slog.String("error", err.Error()))
	}

	for _, sig := range signals {
		// A failure on one symbol never halts the others.
		e.checkSignal(ctx, sig, now)
	}
	return nil
}

func (e *Engine) checkSignal(ctx context.Context, sig halyard.Signal, now time.Time) {
	core := sig.Core()
	logger := e.logger.With(slog.String("signal", sig.Key().String()))

	var consumed bool
	var pc statedoc.PrevClose
	var havePC bool
	e.store.View(func(d *statedoc.Document) {
		consumed = d.SignalFills[sig.Key().String()]
		pc, havePC = d.PrevCloses[core.Symbol]
	})
	if consumed {
		return
	}
	if !havePC {
		logger.Warn("no previous close; gap detection impossible")
		return
	}

	tk, ok := e.quotes.Tick(core.Symbol)
	if !ok {
		logger.Warn("no opening tick; skipping gap check")
		return
	}
	open := tk.Last
	if open <= 0 {
		open = tk.Mid()
	}

	if !gapCrossed(pc.Price, core.Entry, open) {
		logger.Debug("no overnight crossing",
			slog.Float64("prev_close", pc.Price),
			slog.Float64("entry", core.Entry),
			slog.Float64("open", open))
		return
	}

	logger.Info("gap crossed entry level; converting to market entry",
		slog.Float64("prev_close", pc.Price),
		slog.Float64("entry", core.Entry),
		slog.Float64("open", open))

	gapSig := e.gapSignal(sig, open)
	res, err := e.admitter.DecideMarket(ctx, gapSig)
	if err != nil {
		e.failClosed(ctx, gapSig, err, now)
		return
	}
	if res.Allowed && e.metrics != nil {
		e.metrics.GapOrders.Inc()
	}
}

// gapSignal rewrites the dormant limit plan as an immediate entry at the
// open with the stop a fixed dollar distance away.
func (e *Engine) gapSignal(sig halyard.Signal, open float64) halyard.Signal {
	switch s := sig.(type) {
	case halyard.DaySignal:
		s.Entry = open
		if s.Side == halyard.SideShort {
			s.Stop = open + e.stopDistance
		} else {
			s.Stop = open - e.stopDistance
		}
		return s
	case halyard.SwingSignal:
		s.Entry = open
		s.Stop = open - e.stopDistance
		return s
	default:
		return sig
	}
}

// failClosed blocks the symbol/strategy for the rest of the day and week
// after an execution failure, avoiding a half-open inconsistent state. An
// unprotected parent is additionally recorded for the completion pass.
func (e *Engine) failClosed(ctx context.Context, sig halyard.Signal, cause error, now time.Time) {
	core := sig.Core()
	reason := "gap execution failed: " + cause.Error()

	e.logger.Error("gap entry failed; blocking symbol/strategy",
		slog.String("symbol", core.Symbol),
		slog.String("strategy", core.Strategy),
		slog.String("error", cause.Error()))

	e.ledger.BlockDay(core.Symbol, core.Strategy, now, reason)
	e.ledger.BlockWeek(core.Symbol, core.Strategy, now, reason)

	var unprotected *engine.UnprotectedParentError
	if errors.As(cause, &unprotected) {
		e.store.Update(func(d *statedoc.Document) {
			d.PendingGapOrders = append(d.PendingGapOrders, statedoc.PendingGapOrder{
				Symbol:        core.Symbol,
				Strategy:      core.Strategy,
				Side:          core.Side.String(),
				ParentOrderID: int64(unprotected.ParentID),
				StopPrice:     core.Stop,
				Qty:           core.Shares,
				PlacedAt:      now.UTC(),
			})
		})
	}
}

// completePending retries the protective stop for any gap parent whose legs
// were not all confirmed placed on a previous run.
func (e *Engine) completePending(ctx context.Context) {
	var pending []statedoc.PendingGapOrder
	e.store.Update(func(d *statedoc.Document) {
		pending = d.PendingGapOrders
		d.PendingGapOrders = nil
	})

	for _, p := range pending {
		if err := e.placeMissingStop(ctx, p); err != nil {
			e.logger.Error("completing gap bracket failed; re-queueing",
				slog.String("symbol", p.Symbol),
				slog.Int64("parent_id", p.ParentOrderID),
				slog.String("error", err.Error()))
			e.store.Update(func(d *statedoc.Document) {
				d.PendingGapOrders = append(d.PendingGapOrders, p)
			})
		}
	}
}

func (e *Engine) placeMissingStop(ctx context.Context, p statedoc.PendingGapOrder) error {
	gw := e.admitter.Gateway()
	contract, err := gw.Qualify(ctx, p.Symbol)
	if err != nil {
		return err
	}

	action := halyard.Sell
	if p.Side == halyard.SideShort.String() {
		action = halyard.Buy
	}
	_, err = gw.Place(ctx, contract, halyard.Order{
		Action:    action,
		Qty:       p.Qty,
		Type:      halyard.OrderTypeStop,
		StopPrice: p.StopPrice,
		ParentID:  halyard.OrderID(p.ParentOrderID),
	})
	if err != nil {
		return err
	}

	e.logger.Info("protective stop restored for gap parent",
		slog.String("symbol", p.Symbol),
		slog.Int64("parent_id", p.ParentOrderID))
	return nil
}

// refreshPrevCloses makes sure every signal's symbol has a previous close no
// older than the prior session, pulling historical daily bars for the stale
// ones. Fetches fan out concurrently.
func (e *Engine) refreshPrevCloses(ctx context.Context, signals []halyard.Signal, now time.Time) error {
	prevSession := marketcal.DayKey(marketcal.PrevSession(now))

	var stale []string
	seen := make(map[string]bool)
	e.store.View(func(d *statedoc.Document) {
		for _, sig := range signals {
			sym := sig.Core().Symbol
			if seen[sym] {
				continue
			}
			seen[sym] = true
			if pc, ok := d.PrevCloses[sym]; !ok || pc.Date < prevSession {
				stale = append(stale, sym)
			}
		}
	})
	if len(stale) == 0 {
		return nil
	}

	e.logger.Info("refreshing stale previous closes", slog.Int("symbols", len(stale)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.refreshLimit)
	for _, sym := range stale {
		g.Go(func() error {
			return e.refreshSymbol(gctx, sym, prevSession)
		})
	}
	return g.Wait()
}

func (e *Engine) refreshSymbol(ctx context.Context, symbol, prevSession string) error {
	bars, err := e.bars.HistoricalDailyBars(ctx, symbol, 5)
	if err != nil {
		return fmt.Errorf("bars for %s: %w", symbol, err)
	}

	var best halyard.DailyBar
	var found bool
	for _, bar := range bars {
		key := marketcal.DayKey(bar.Date)
		if key > prevSession {
			continue
		}
		if !found || key > marketcal.DayKey(best.Date) {
			best = bar
			found = true
		}
	}
	if !found {
		return fmt.Errorf("no usable daily bar for %s", symbol)
	}

	if e.journal != nil {
		if err := e.journal.UpsertDailyBar(ctx, best); err != nil {
			e.logger.Warn("daily bar cache write failed",
				slog.String("symbol", symbol), slog.String("error", err.Error()))
		}
	}

	e.store.Update(func(d *statedoc.Document) {
		d.PrevCloses[symbol] = statedoc.PrevClose{
			Price: best.Close,
			Date:  marketcal.DayKey(best.Date),
		}
	})

	e.logger.Debug("previous close refreshed from daily bars",
		slog.String("symbol", symbol),
		slog.Float64("close", best.Close))
	return nil
}

// RollCloses snapshots today's last prices as the previous closes for the
// next session. Run at end of day.
func (e *Engine) RollCloses(now time.Time) {
	today := marketcal.DayKey(now)
	symbols := e.quotes.Symbols()

	e.store.Update(func(d *statedoc.Document) {
		for _, sym := range symbols {
			tk, ok := e.quotes.Tick(sym)
			if !ok {
				continue
			}
			price := tk.Last
			if price <= 0 {
				price = tk.Mid()
			}
			if price <= 0 {
				continue
			}
			d.PrevCloses[sym] = statedoc.PrevClose{Price: price, Date: today}
		}
	})

	e.logger.Info("previous closes rolled", slog.Int("symbols", len(symbols)), slog.String("date", today))
}
