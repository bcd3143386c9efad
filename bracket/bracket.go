// Package bracket builds the broker-ready order shapes for an entry: a
// parent limit order plus a protective stop and a timed market exit.
package bracket

import (
	"log/slog"
	"time"

	"github.com/halyard/halyard/halyard"
	"github.com/halyard/halyard/marketcal"
)

// Builder constructs brackets with calendar-aware effective timestamps.
// Times are expressed in the exchange location.
type Builder struct {
	logger *slog.Logger
	loc    *time.Location

	dayExitHour, dayExitMinute     int
	swingExitHour, swingExitMinute int
}

// Option configures a Builder.
type Option func(*Builder)

// WithLocation sets the exchange time zone the exit timestamps are built in.
func WithLocation(loc *time.Location) Option {
	return func(b *Builder) {
		if loc != nil {
			b.loc = loc
		}
	}
}

// WithDayExitTime sets the wall-clock time day positions are force-exited.
func WithDayExitTime(hour, minute int) Option {
	return func(b *Builder) {
		b.dayExitHour, b.dayExitMinute = hour, minute
	}
}

// WithSwingExitTime sets the wall-clock time swing positions exit on their
// scheduled exit date.
func WithSwingExitTime(hour, minute int) Option {
	return func(b *Builder) {
		b.swingExitHour, b.swingExitMinute = hour, minute
	}
}

func New(logger *slog.Logger, opts ...Option) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Builder{
		logger:          logger.WithGroup("bracket"),
		loc:             time.UTC,
		dayExitHour:     15,
		dayExitMinute:   55,
		swingExitHour:   15,
		swingExitMinute: 50,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildDayBracket shapes an intraday entry. The timed exit goes effective at
// the session's forced-exit time the same day.
func (b *Builder) BuildDayBracket(sig halyard.DaySignal, date time.Time) halyard.Bracket {
	core := sig.Core()
	entry := halyard.ActionForEntry(core.Side)
	exitAt := b.at(date, b.dayExitHour, b.dayExitMinute)

	br := halyard.Bracket{
		Parent: halyard.Order{
			Action:     entry,
			Qty:        core.Shares,
			Type:       halyard.OrderTypeLimit,
			LimitPrice: core.Entry,
			GoodTill:   exitAt,
		},
		Stop: halyard.Order{
			Action:    entry.Reverse(),
			Qty:       core.Shares,
			Type:      halyard.OrderTypeStop,
			StopPrice: core.Stop,
		},
		TimedExit: halyard.Order{
			Action:    entry.Reverse(),
			Qty:       core.Shares,
			Type:      halyard.OrderTypeMarket,
			GoodAfter: exitAt,
		},
	}

	b.logger.Debug("built day bracket",
		slog.String("symbol", core.Symbol),
		slog.String("side", core.Side.String()),
		slog.Time("timed_exit", exitAt))
	return br
}

// BuildSwingBracket shapes a multi-day entry. Swing trades are long only;
// the timed exit goes effective on the signal's scheduled exit date, pulled
// back to the prior session when it lands on a weekend.
func (b *Builder) BuildSwingBracket(sig halyard.SwingSignal, date time.Time) halyard.Bracket {
	core := sig.Core()

	exitDate := sig.ExitDate
	if marketcal.IsWeekend(exitDate) {
		exitDate = marketcal.PrevSession(exitDate)
	}
	exitAt := b.at(exitDate, b.swingExitHour, b.swingExitMinute)

	br := halyard.Bracket{
		Parent: halyard.Order{
			Action:     halyard.Buy,
			Qty:        core.Shares,
			Type:       halyard.OrderTypeLimit,
			LimitPrice: core.Entry,
			GoodTill:   exitAt,
		},
		Stop: halyard.Order{
			Action:    halyard.Sell,
			Qty:       core.Shares,
			Type:      halyard.OrderTypeStop,
			StopPrice: core.Stop,
		},
		TimedExit: halyard.Order{
			Action:    halyard.Sell,
			Qty:       core.Shares,
			Type:      halyard.OrderTypeMarket,
			GoodAfter: exitAt,
		},
	}

	b.logger.Debug("built swing bracket",
		slog.String("symbol", core.Symbol),
		slog.Time("timed_exit", exitAt))
	return br
}

// Link couples the two exit legs into one one-cancels-all group so the fill
// of either cancels the other.
func (b *Builder) Link(br halyard.Bracket, group string) halyard.Bracket {
	br.Stop.OCAGroup = group
	br.TimedExit.OCAGroup = group
	return br
}

// at anchors a wall-clock time onto a date in the builder's location.
func (b *Builder) at(date time.Time, hour, minute int) time.Time {
	d := date.In(b.loc)
	return time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, b.loc)
}
