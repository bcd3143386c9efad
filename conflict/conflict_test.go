package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/halyard/halyard/halyard"
)

var session = time.Date(2025, 3, 19, 0, 0, 0, 0, time.UTC)

func daySignal(symbol string, side halyard.Side) halyard.DaySignal {
	return halyard.DaySignal{SignalCore: halyard.SignalCore{
		Symbol:    symbol,
		Strategy:  "ORB-15",
		Side:      side,
		Entry:     100,
		Stop:      98,
		Shares:    100,
		TradeDate: session,
	}}
}

func position(symbol string, side halyard.Side, kind halyard.Kind, parent halyard.OrderID) halyard.OpenPosition {
	return halyard.OpenPosition{
		Symbol:        symbol,
		Side:          side,
		Kind:          kind,
		Strategy:      "ORB-15",
		Qty:           100,
		ParentOrderID: parent,
		TradeDate:     session,
	}
}

func TestOppositeSideRequiresFlatten(t *testing.T) {
	t.Parallel()

	// Existing DAY LONG 100 AAPL, incoming DAY SHORT on AAPL.
	r := New(nil)
	existing := position("AAPL", halyard.SideLong, halyard.KindDay, 7)

	d := r.Resolve(daySignal("AAPL", halyard.SideShort), []halyard.OpenPosition{existing})
	require.True(t, d.AllowEntry)
	require.Len(t, d.Flattens, 1)
	require.Equal(t, existing, d.Flattens[0].Position)
	require.NotEmpty(t, d.Flattens[0].Reason)
}

func TestSameSideCoexists(t *testing.T) {
	t.Parallel()

	r := New(nil)
	d := r.Resolve(daySignal("AAPL", halyard.SideLong), []halyard.OpenPosition{
		position("AAPL", halyard.SideLong, halyard.KindSwing, 3),
	})
	require.True(t, d.AllowEntry)
	require.Empty(t, d.Flattens)
}

func TestOtherSymbolsIgnored(t *testing.T) {
	t.Parallel()

	r := New(nil)
	d := r.Resolve(daySignal("AAPL", halyard.SideShort), []halyard.OpenPosition{
		position("MSFT", halyard.SideLong, halyard.KindDay, 4),
	})
	require.Empty(t, d.Flattens)
}

func TestOneInstructionPerOpposingPosition(t *testing.T) {
	t.Parallel()

	r := New(nil)
	d := r.Resolve(daySignal("AAPL", halyard.SideShort), []halyard.OpenPosition{
		position("AAPL", halyard.SideLong, halyard.KindDay, 1),
		position("AAPL", halyard.SideLong, halyard.KindSwing, 2),
		position("AAPL", halyard.SideShort, halyard.KindDay, 3),
	})
	require.Len(t, d.Flattens, 2)
}

func TestRepeatedCallsStable(t *testing.T) {
	t.Parallel()

	r := New(nil)
	open := []halyard.OpenPosition{position("AAPL", halyard.SideLong, halyard.KindDay, 7)}
	sig := daySignal("AAPL", halyard.SideShort)

	first := r.Resolve(sig, open)
	second := r.Resolve(sig, open)
	require.Equal(t, first, second)
}
