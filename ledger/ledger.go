// Package ledger holds the authoritative capacity counters bounding
// concurrent open positions per strategy and globally, plus the slot
// reservation mechanism that lets a not-yet-placed re-entry claim a global
// slot ahead of time.
package ledger

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/halyard/halyard/halyard"
	"github.com/halyard/halyard/marketcal"
	"github.com/halyard/halyard/statedoc"
)

// Caps are the fixed limits. Global caps bound open+reserved across all
// strategies in a period; per-strategy caps bound fills.
type Caps struct {
	DayGlobal        int
	DayPerStrategy   int
	SwingGlobal      int
	SwingPerStrategy int
}

// Ledger funnels every capacity mutation through one API so the invariants
// stay centrally enforced. It is passed by reference to every consumer; it
// is not an ambient singleton.
type Ledger struct {
	caps   Caps
	store  *statedoc.Store
	logger *slog.Logger

	// mu serializes logical operations (check + mutate) that span more
	// than one store call.
	mu sync.Mutex
}

func New(store *statedoc.Store, caps Caps, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		caps:   caps,
		store:  store,
		logger: logger.WithGroup("ledger"),
	}
}

func bucketKey(strategy string, at time.Time, kind halyard.Kind) string {
	if kind == halyard.KindSwing {
		return strategy + "|" + marketcal.WeekKey(at)
	}
	return strategy + "|" + marketcal.DayKey(at)
}

func periodKey(at time.Time, kind halyard.Kind) string {
	if kind == halyard.KindSwing {
		return marketcal.WeekKey(at)
	}
	return marketcal.DayKey(at)
}

func blockKey(symbol, strategy, period string) string {
	return symbol + "|" + strategy + "|" + period
}

func (l *Ledger) buckets(d *statedoc.Document, kind halyard.Kind) map[string]*statedoc.CapacityBucket {
	if kind == halyard.KindSwing {
		return d.WeekBuckets
	}
	return d.DayBuckets
}

func (l *Ledger) globalCap(kind halyard.Kind) int {
	if kind == halyard.KindSwing {
		return l.caps.SwingGlobal
	}
	return l.caps.DayGlobal
}

func (l *Ledger) strategyCap(kind halyard.Kind) int {
	if kind == halyard.KindSwing {
		return l.caps.SwingPerStrategy
	}
	return l.caps.DayPerStrategy
}

// ensure returns the bucket for key, creating it lazily.
func ensure(m map[string]*statedoc.CapacityBucket, key string) *statedoc.CapacityBucket {
	b, ok := m[key]
	if !ok {
		b = &statedoc.CapacityBucket{}
		m[key] = b
	}
	return b
}

// periodTotals sums open and reserved across every strategy bucket in the
// period.
func periodTotals(m map[string]*statedoc.CapacityBucket, period string) (open, reserved int) {
	suffix := "|" + period
	for key, b := range m {
		if strings.HasSuffix(key, suffix) {
			open += b.Open
			reserved += b.Reserved
		}
	}
	return open, reserved
}

// CanOpen reports whether a new position for the strategy may be opened in
// the period containing at. Denials are expected and carry a reason, not an
// error.
func (l *Ledger) CanOpen(strategy string, at time.Time, kind halyard.Kind) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var allowed bool
	var reason string
	l.store.View(func(d *statedoc.Document) {
		allowed, reason = l.canOpenLocked(d, strategy, at, kind)
	})
	return allowed, reason
}

func (l *Ledger) canOpenLocked(d *statedoc.Document, strategy string, at time.Time, kind halyard.Kind) (bool, string) {
	m := l.buckets(d, kind)
	if b, ok := m[bucketKey(strategy, at, kind)]; ok && b.Fills >= l.strategyCap(kind) {
		return false, fmt.Sprintf("strategy fill cap reached (%d/%d)", b.Fills, l.strategyCap(kind))
	}
	open, reserved := periodTotals(m, periodKey(at, kind))
	if open+reserved >= l.globalCap(kind) {
		return false, fmt.Sprintf("global cap reached (open=%d reserved=%d cap=%d)", open, reserved, l.globalCap(kind))
	}
	return true, ""
}

// RegisterEntry counts one newly opened position.
func (l *Ledger) RegisterEntry(strategy string, at time.Time, kind halyard.Kind) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.store.Update(func(d *statedoc.Document) {
		ensure(l.buckets(d, kind), bucketKey(strategy, at, kind)).Open++
	})
}

// RegisterExit counts one closed position. Exits clamp at zero: a stray
// duplicate exit must not drive the counter negative.
func (l *Ledger) RegisterExit(strategy string, at time.Time, kind halyard.Kind) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.store.Update(func(d *statedoc.Document) {
		b := ensure(l.buckets(d, kind), bucketKey(strategy, at, kind))
		if b.Open > 0 {
			b.Open--
		} else {
			l.logger.Warn("exit for empty bucket ignored",
				slog.String("strategy", strategy), slog.String("kind", kind.String()))
		}
	})
}

// RegisterFill increments the strategy's fill counter and returns the new
// count alongside the cap, so the caller can cancel excess pending orders
// once the cap is consumed.
func (l *Ledger) RegisterFill(strategy string, at time.Time, kind halyard.Kind) (fills, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.store.Update(func(d *statedoc.Document) {
		b := ensure(l.buckets(d, kind), bucketKey(strategy, at, kind))
		b.Fills++
		fills = b.Fills
	})
	return fills, l.strategyCap(kind)
}

// FillsUsed returns the current fill count for the strategy's bucket.
func (l *Ledger) FillsUsed(strategy string, at time.Time, kind halyard.Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	var fills int
	l.store.View(func(d *statedoc.Document) {
		if b, ok := l.buckets(d, kind)[bucketKey(strategy, at, kind)]; ok {
			fills = b.Fills
		}
	})
	return fills
}

// Available returns global_cap − open − reserved for the period.
func (l *Ledger) Available(at time.Time, kind halyard.Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	var open, reserved int
	l.store.View(func(d *statedoc.Document) {
		open, reserved = periodTotals(l.buckets(d, kind), periodKey(at, kind))
	})
	return l.globalCap(kind) - open - reserved
}

// ReserveSlot claims one global swing slot ahead of a re-entry. Week
// buckets only.
func (l *Ledger) ReserveSlot(strategy string, at time.Time) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ok bool
	var reason string
	l.store.Update(func(d *statedoc.Document) {
		open, reserved := periodTotals(d.WeekBuckets, marketcal.WeekKey(at))
		if open+reserved >= l.caps.SwingGlobal {
			reason = fmt.Sprintf("no swing slot available (open=%d reserved=%d cap=%d)", open, reserved, l.caps.SwingGlobal)
			return
		}
		ensure(d.WeekBuckets, bucketKey(strategy, at, halyard.KindSwing)).Reserved++
		ok = true
	})
	return ok, reason
}

// ReleaseSlot returns a reserved swing slot, clamping at zero.
func (l *Ledger) ReleaseSlot(strategy string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.store.Update(func(d *statedoc.Document) {
		b := ensure(d.WeekBuckets, bucketKey(strategy, at, halyard.KindSwing))
		if b.Reserved > 0 {
			b.Reserved--
		} else {
			l.logger.Warn("release for empty reservation ignored", slog.String("strategy", strategy))
		}
	})
}

// ConvertReservedToOpen moves one reserved swing slot to open, leaving
// open+reserved unchanged. Used when a re-entry candidate fills.
func (l *Ledger) ConvertReservedToOpen(strategy string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.store.Update(func(d *statedoc.Document) {
		b := ensure(d.WeekBuckets, bucketKey(strategy, at, halyard.KindSwing))
		if b.Reserved > 0 {
			b.Reserved--
		} else {
			l.logger.Warn("converting without reservation; opening anyway", slog.String("strategy", strategy))
		}
		b.Open++
	})
}

// ReservedCount sums reserved slots across the week, optionally narrowed to
// one strategy (empty string means all).
func (l *Ledger) ReservedCount(strategy string, at time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total int
	l.store.View(func(d *statedoc.Document) {
		if strategy != "" {
			if b, ok := d.WeekBuckets[bucketKey(strategy, at, halyard.KindSwing)]; ok {
				total = b.Reserved
			}
			return
		}
		_, total = periodTotals(d.WeekBuckets, marketcal.WeekKey(at))
	})
	return total
}

// ReconcileReserved forces each strategy's reserved counter for the week to
// match the live candidate count. Drift is corrected and logged; the live
// candidates win.
func (l *Ledger) ReconcileReserved(at time.Time, byStrategy map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	week := marketcal.WeekKey(at)
	l.store.Update(func(d *statedoc.Document) {
		suffix := "|" + week
		for key, b := range d.WeekBuckets {
			if !strings.HasSuffix(key, suffix) {
				continue
			}
			strategy := strings.TrimSuffix(key, suffix)
			want := byStrategy[strategy]
			if b.Reserved != want {
				l.logger.Warn("reserved slot drift corrected",
					slog.String("strategy", strategy),
					slog.Int("was", b.Reserved), slog.Int("now", want))
				b.Reserved = want
			}
			delete(byStrategy, strategy)
		}
		for strategy, want := range byStrategy {
			if want <= 0 {
				continue
			}
			l.logger.Warn("reserved slot drift corrected",
				slog.String("strategy", strategy),
				slog.Int("was", 0), slog.Int("now", want))
			ensure(d.WeekBuckets, strategy+suffix).Reserved = want
		}
	})
}

// BlockDay administratively blocks the symbol/strategy for the remainder of
// the session.
func (l *Ledger) BlockDay(symbol, strategy string, at time.Time, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.store.Update(func(d *statedoc.Document) {
		d.DayBlocks[blockKey(symbol, strategy, marketcal.DayKey(at))] = reason
	})
}

// BlockWeek administratively blocks the symbol/strategy for the remainder
// of the trading week.
func (l *Ledger) BlockWeek(symbol, strategy string, at time.Time, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.store.Update(func(d *statedoc.Document) {
		d.WeekBlocks[blockKey(symbol, strategy, marketcal.WeekKey(at))] = reason
	})
}

// DayBlocked reports whether the symbol/strategy is blocked for the session.
func (l *Ledger) DayBlocked(symbol, strategy string, at time.Time) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var reason string
	var blocked bool
	l.store.View(func(d *statedoc.Document) {
		reason, blocked = d.DayBlocks[blockKey(symbol, strategy, marketcal.DayKey(at))]
	})
	return blocked, reason
}

// WeekBlocked reports whether the symbol/strategy is blocked for the week.
func (l *Ledger) WeekBlocked(symbol, strategy string, at time.Time) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var reason string
	var blocked bool
	l.store.View(func(d *statedoc.Document) {
		reason, blocked = d.WeekBlocks[blockKey(symbol, strategy, marketcal.WeekKey(at))]
	})
	return blocked, reason
}
