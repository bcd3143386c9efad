// Package testutil builds the signal fixtures shared by package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/halyard/halyard/halyard"
	"github.com/halyard/halyard/marketcal"
)

type SignalOpt func(*halyard.SignalCore)

func WithSide(side halyard.Side) SignalOpt {
	return func(c *halyard.SignalCore) { c.Side = side }
}

func WithEntry(price float64) SignalOpt {
	return func(c *halyard.SignalCore) { c.Entry = price }
}

func WithStop(price float64) SignalOpt {
	return func(c *halyard.SignalCore) { c.Stop = price }
}

func WithShares(qty int) SignalOpt {
	return func(c *halyard.SignalCore) { c.Shares = qty }
}

// NewDaySignal returns a long 100-share day signal at 50.00 with a 49.00
// stop, modified by opts.
func NewDaySignal(t *testing.T, symbol, strategy string, tradeDate time.Time, opts ...SignalOpt) halyard.DaySignal {
	t.Helper()

	core := halyard.SignalCore{
		Symbol:    symbol,
		Strategy:  strategy,
		Side:      halyard.SideLong,
		Entry:     50.00,
		Stop:      49.00,
		Shares:    100,
		TradeDate: tradeDate,
	}
	for _, opt := range opts {
		opt(&core)
	}
	return halyard.DaySignal{SignalCore: core}
}

// NewSwingSignal returns a long swing signal scheduled to exit at the end of
// the trade week.
func NewSwingSignal(t *testing.T, symbol, strategy string, tradeDate time.Time, opts ...SignalOpt) halyard.SwingSignal {
	t.Helper()

	core := halyard.SignalCore{
		Symbol:    symbol,
		Strategy:  strategy,
		Side:      halyard.SideLong,
		Entry:     50.00,
		Stop:      48.00,
		Shares:    50,
		TradeDate: tradeDate,
	}
	for _, opt := range opts {
		opt(&core)
	}
	return halyard.SwingSignal{SignalCore: core, ExitDate: marketcal.WeekEnd(tradeDate)}
}
