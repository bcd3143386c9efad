// Package reentry gives a swing position that was involuntarily closed by
// an opposing day trade a chance to reopen once every conflicting day
// position has exited, without re-consuming its weekly fill budget.
package reentry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halyard/halyard/filltracker"
	"github.com/halyard/halyard/halyard"
	"github.com/halyard/halyard/ledger"
	"github.com/halyard/halyard/marketcal"
	"github.com/halyard/halyard/statedoc"
)

// QuoteSource serves the current mid price used to re-validate a candidate's
// thesis before re-entry.
type QuoteSource interface {
	Mid(symbol string) (float64, bool)
}

// Coordinator owns the re-entry candidate lifecycle:
// pending -> linked -> {filled, dropped}.
type Coordinator struct {
	store   *statedoc.Store
	ledger  *ledger.Ledger
	tracker *filltracker.Tracker
	builder halyard.BracketBuilder
	gateway halyard.OrderGateway
	quotes  QuoteSource
	logger  *slog.Logger

	loc          *time.Location
	cutoffHour   int
	cutoffMinute int
	now          func() time.Time

	// locks serializes the exit-triggered and scheduled evaluation paths
	// per candidate, so the same re-entry cannot execute twice.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWeeklyCutoff sets the wall-clock time after which, on the
// week-ending day, no re-entry is attempted.
func WithWeeklyCutoff(hour, minute int) Option {
	return func(c *Coordinator) {
		c.cutoffHour, c.cutoffMinute = hour, minute
	}
}

// WithLocation sets the exchange time zone for cutoff checks.
func WithLocation(loc *time.Location) Option {
	return func(c *Coordinator) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

type Deps struct {
	Store   *statedoc.Store
	Ledger  *ledger.Ledger
	Tracker *filltracker.Tracker
	Builder halyard.BracketBuilder
	Gateway halyard.OrderGateway
	Quotes  QuoteSource
	Logger  *slog.Logger
}

func New(deps Deps, opts ...Option) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		store:        deps.Store,
		ledger:       deps.Ledger,
		tracker:      deps.Tracker,
		builder:      deps.Builder,
		gateway:      deps.Gateway,
		quotes:       deps.Quotes,
		logger:       logger.WithGroup("reentry"),
		loc:          time.UTC,
		cutoffHour:   15,
		cutoffMinute: 0,
		now:          time.Now,
		locks:        make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StoreCandidate records a flattened swing position as a re-entry
// candidate. The global slot is reserved before the candidate is durably
// recorded, so the eventual re-entry never competes for capacity.
func (c *Coordinator) StoreCandidate(pos halyard.OpenPosition) (string, bool) {
	ok, reason := c.ledger.ReserveSlot(pos.Strategy, pos.TradeDate)
	if !ok {
		c.logger.Info("no slot for re-entry candidate",
			slog.String("symbol", pos.Symbol),
			slog.String("strategy", pos.Strategy),
			slog.String("reason", reason))
		return "", false
	}

	exitDate := pos.ExitDate
	if exitDate.IsZero() {
		exitDate = marketcal.WeekEnd(pos.TradeDate)
	}

	sig := halyard.SwingSignal{
		SignalCore: halyard.SignalCore{
			Symbol:    pos.Symbol,
			Strategy:  pos.Strategy,
			Side:      halyard.SideLong,
			Entry:     pos.FillPrice,
			Stop:      pos.StopPrice,
			Shares:    pos.Qty,
			TradeDate: pos.TradeDate,
		},
		ExitDate: exitDate,
	}
	raw, err := json.Marshal(sig)
	if err != nil {
		c.ledger.ReleaseSlot(pos.Strategy, pos.TradeDate)
		c.logger.Error("marshal re-entry signal failed", slog.String("error", err.Error()))
		return "", false
	}

	id := uuid.NewString()
	c.store.Update(func(d *statedoc.Document) {
		d.Candidates[id] = &statedoc.ReentryCandidate{
			ID:        id,
			Symbol:    pos.Symbol,
			Strategy:  pos.Strategy,
			Entry:     pos.FillPrice,
			Stop:      pos.StopPrice,
			Qty:       pos.Qty,
			ExitDate:  marketcal.DayKey(exitDate),
			TradeDate: pos.TradeDate,
			Signal:    raw,
			Status:    statedoc.CandidatePending,
			CreatedAt: c.now().UTC(),
		}
	})

	c.logger.Info("re-entry candidate stored",
		slog.String("candidate", id),
		slog.String("symbol", pos.Symbol),
		slog.String("strategy", pos.Strategy),
		slog.Int("qty", pos.Qty))
	return id, true
}

// LinkDayTrade adds a day parent order to the candidate's blocker set. More
// than one day order may block the same candidate.
func (c *Coordinator) LinkDayTrade(id string, parent halyard.OrderID) {
	c.store.Update(func(d *statedoc.Document) {
		cand, ok := d.Candidates[id]
		if !ok || cand.Status.Terminal() {
			return
		}
		if cand.BlockerIndex(int64(parent)) == -1 {
			cand.Blockers = append(cand.Blockers, int64(parent))
		}
		cand.Status = statedoc.CandidateLinked
	})

	c.logger.Debug("day trade linked to candidate",
		slog.String("candidate", id),
		slog.Int64("parent_id", int64(parent)))
}

// DropCandidate terminates the candidate and releases its reserved slot.
func (c *Coordinator) DropCandidate(id, reason string) {
	var dropped *statedoc.ReentryCandidate
	c.store.Update(func(d *statedoc.Document) {
		cand, ok := d.Candidates[id]
		if !ok || cand.Status.Terminal() {
			return
		}
		cand.Status = statedoc.CandidateDropped
		cand.DropReason = reason
		dropped = cand
		delete(d.Candidates, id)
	})
	if dropped == nil {
		return
	}

	c.ledger.ReleaseSlot(dropped.Strategy, dropped.TradeDate)
	c.logger.Info("re-entry candidate dropped",
		slog.String("candidate", id),
		slog.String("symbol", dropped.Symbol),
		slog.String("reason", reason))
}

// OnDayTradeExit clears the exited day order from every blocker set and
// evaluates each candidate whose set just became empty.
func (c *Coordinator) OnDayTradeExit(ctx context.Context, parent halyard.OrderID) {
	c.clearBlocker(ctx, parent, "exit")
}

// OnDayTradeCancelled treats a cancelled, never-filled day order the same
// as an exited one: it no longer blocks anything.
func (c *Coordinator) OnDayTradeCancelled(ctx context.Context, parent halyard.OrderID) {
	c.clearBlocker(ctx, parent, "cancel")
}

func (c *Coordinator) clearBlocker(ctx context.Context, parent halyard.OrderID, cause string) {
	var due []string
	c.store.Update(func(d *statedoc.Document) {
		for id, cand := range d.Candidates {
			idx := cand.BlockerIndex(int64(parent))
			if idx == -1 {
				continue
			}
			cand.Blockers = append(cand.Blockers[:idx], cand.Blockers[idx+1:]...)
			if len(cand.Blockers) == 0 && cand.Status == statedoc.CandidateLinked {
				due = append(due, id)
			}
		}
	})

	for _, id := range due {
		c.logger.Info("blocker set empty; evaluating candidate",
			slog.String("candidate", id),
			slog.Int64("parent_id", int64(parent)),
			slog.String("cause", cause))
		c.Evaluate(ctx, id)
	}
}

// Evaluate runs the ordered re-entry checks for one candidate and, when all
// pass, places its market-entry bracket. Any failed check drops the
// candidate and releases its slot.
func (c *Coordinator) Evaluate(ctx context.Context, id string) {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	cand, ok := c.candidate(id)
	if !ok {
		return
	}

	now := c.now().In(c.loc)

	if blocked, reason := c.ledger.WeekBlocked(cand.Symbol, cand.Strategy, now); blocked {
		c.DropCandidate(id, "week blocked: "+reason)
		return
	}

	if marketcal.IsWeekEndingDay(now) && c.pastCutoff(now) {
		c.DropCandidate(id, "past weekly cutoff on week-ending day")
		return
	}

	// Day keys sort lexicographically.
	if marketcal.DayKey(now) > cand.ExitDate {
		c.DropCandidate(id, "past scheduled exit date")
		return
	}

	mid, haveQuote := c.quotes.Mid(cand.Symbol)
	if !haveQuote {
		// Without a trustworthy quote the thesis cannot be re-validated;
		// keep the candidate for the scheduled open pass.
		c.logger.Warn("no quote for candidate; deferring evaluation",
			slog.String("candidate", id),
			slog.String("symbol", cand.Symbol))
		return
	}
	if mid < cand.Stop {
		c.DropCandidate(id, fmt.Sprintf("mid %.4f below original stop %.4f", mid, cand.Stop))
		return
	}

	if c.ledger.ReservedCount(cand.Strategy, cand.TradeDate) < 1 {
		c.DropCandidate(id, "reserved slot no longer held")
		return
	}

	if err := c.placeReentry(ctx, id, cand); err != nil {
		c.DropCandidate(id, "re-entry placement failed: "+err.Error())
		return
	}
}

// placeReentry transmits a market-entry bracket reusing the candidate's
// original stop price and scheduled exit.
func (c *Coordinator) placeReentry(ctx context.Context, id string, cand statedoc.ReentryCandidate) error {
	var sig halyard.SwingSignal
	if err := json.Unmarshal(cand.Signal, &sig); err != nil {
		return fmt.Errorf("decode stored signal: %w", err)
	}

	contract, err := c.gateway.Qualify(ctx, cand.Symbol)
	if err != nil {
		return fmt.Errorf("qualify %s: %w", cand.Symbol, err)
	}

	br := c.builder.BuildSwingBracket(sig, c.now())
	br.Parent.Type = halyard.OrderTypeMarket
	br.Parent.LimitPrice = 0
	br = c.builder.Link(br, "oca-reentry-"+id)

	parentID, err := c.gateway.Place(ctx, contract, br.Parent)
	if err != nil {
		return fmt.Errorf("place parent: %w", err)
	}
	br.Stop.ParentID = parentID
	stopID, err := c.gateway.Place(ctx, contract, br.Stop)
	if err != nil {
		c.rollbackParent(ctx, parentID)
		return fmt.Errorf("place stop: %w", err)
	}
	br.TimedExit.ParentID = parentID
	timedID, err := c.gateway.Place(ctx, contract, br.TimedExit)
	if err != nil {
		c.rollbackParent(ctx, parentID)
		return fmt.Errorf("place timed exit: %w", err)
	}

	placed := halyard.PlacedBracket{ParentID: parentID, StopID: stopID, TimedExitID: timedID}
	c.tracker.Register(sig, placed,
		filltracker.AsReentry(),
		filltracker.WithFillCallback(func(halyard.OpenPosition) { c.markFilled(id) }))

	c.logger.Info("re-entry bracket placed",
		slog.String("candidate", id),
		slog.String("symbol", cand.Symbol),
		slog.Int64("parent_id", int64(parentID)))
	return nil
}

func (c *Coordinator) rollbackParent(ctx context.Context, parentID halyard.OrderID) {
	if err := c.gateway.Cancel(ctx, parentID); err != nil {
		c.logger.Error("parent cancel after leg failure did not succeed; position may fill unprotected",
			slog.Int64("parent_id", int64(parentID)),
			slog.String("error", err.Error()))
	}
}

// markFilled ends the candidate's lifecycle after its re-entry filled. The
// slot conversion already happened inside the fill tracker.
func (c *Coordinator) markFilled(id string) {
	c.store.Update(func(d *statedoc.Document) {
		cand, ok := d.Candidates[id]
		if !ok {
			return
		}
		cand.Status = statedoc.CandidateFilled
		delete(d.Candidates, id)
	})
	c.logger.Info("re-entry candidate filled", slog.String("candidate", id))
}

// RecoverAtOpen runs the scheduled recovery pass: candidates past their exit
// date are dropped, and candidates whose blockers in fact already exited
// (their notification lost to a crash) are forced through one evaluation.
func (c *Coordinator) RecoverAtOpen(ctx context.Context) {
	now := c.now().In(c.loc)
	today := marketcal.DayKey(now)

	type snapshot struct {
		id       string
		drop     bool
		blockers []int64
	}
	var candidates []snapshot

	// Blocker liveness is checked after View returns: the fill path writes
	// the document while holding the tracker's lock, so OrderLive must never
	// be called with the store lock held.
	c.store.View(func(d *statedoc.Document) {
		for id, cand := range d.Candidates {
			if cand.Status.Terminal() {
				continue
			}
			if today > cand.ExitDate {
				candidates = append(candidates, snapshot{id: id, drop: true})
				continue
			}
			candidates = append(candidates, snapshot{
				id:       id,
				blockers: append([]int64(nil), cand.Blockers...),
			})
		}
	})

	for _, s := range candidates {
		if s.drop {
			c.DropCandidate(s.id, "past scheduled exit date at open")
			continue
		}
		live := false
		for _, b := range s.blockers {
			if c.tracker.OrderLive(halyard.OrderID(b)) {
				live = true
				break
			}
		}
		if live {
			continue
		}
		c.clearAllBlockers(s.id)
		c.Evaluate(ctx, s.id)
	}
}

func (c *Coordinator) clearAllBlockers(id string) {
	c.store.Update(func(d *statedoc.Document) {
		if cand, ok := d.Candidates[id]; ok && !cand.Status.Terminal() {
			cand.Blockers = nil
			cand.Status = statedoc.CandidateLinked
		}
	})
}

// ReconcileSlots forces the ledger's reserved counters to match the live
// candidate counts. Run once at load; the live candidates win.
func (c *Coordinator) ReconcileSlots(at time.Time) {
	counts := make(map[string]int)
	c.store.View(func(d *statedoc.Document) {
		for _, cand := range d.Candidates {
			if !cand.Status.Terminal() {
				counts[cand.Strategy]++
			}
		}
	})
	c.ledger.ReconcileReserved(at, counts)
}

// LiveCandidates returns copies of every non-terminal candidate.
func (c *Coordinator) LiveCandidates() []statedoc.ReentryCandidate {
	var out []statedoc.ReentryCandidate
	c.store.View(func(d *statedoc.Document) {
		for _, cand := range d.Candidates {
			if cand.Status.Terminal() {
				continue
			}
			cp := *cand
			cp.Blockers = append([]int64(nil), cand.Blockers...)
			out = append(out, cp)
		}
	})
	return out
}

func (c *Coordinator) candidate(id string) (statedoc.ReentryCandidate, bool) {
	var cand statedoc.ReentryCandidate
	var ok bool
	c.store.View(func(d *statedoc.Document) {
		if p, found := d.Candidates[id]; found && !p.Status.Terminal() {
			cand = *p
			cand.Blockers = append([]int64(nil), p.Blockers...)
			ok = true
		}
	})
	return cand, ok
}

func (c *Coordinator) pastCutoff(now time.Time) bool {
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), c.cutoffHour, c.cutoffMinute, 0, 0, c.loc)
	return now.After(cutoff)
}

func (c *Coordinator) lockFor(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[id] = lock
	}
	return lock
}
