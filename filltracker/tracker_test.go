package filltracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/halyard/halyard/gateway"
	"github.com/halyard/halyard/halyard"
	"github.com/halyard/halyard/ledger"
	"github.com/halyard/halyard/statedoc"
)

var tradeDate = time.Date(2026, time.March, 2, 9, 30, 0, 0, time.UTC)

type fixture struct {
	store   *statedoc.Store
	ledger  *ledger.Ledger
	paper   *gateway.Paper
	tracker *Tracker
}

func newFixture(t *testing.T, caps ledger.Caps) *fixture {
	t.Helper()

	store := statedoc.Open(filepath.Join(t.TempDir(), "state.json"), nil)
	led := ledger.New(store, caps, nil)
	dispatch := gateway.NewDispatcher(nil)
	paper := gateway.NewPaper(dispatch)
	tracker := New(led, store, nil, paper, nil)

	ctx := context.Background()
	dispatch.SubscribeOrderStatus(func(evt halyard.OrderStatusEvent) {
		tracker.HandleOrderStatus(ctx, evt)
	})
	dispatch.SubscribeExecutions(func(evt halyard.ExecutionEvent) {
		tracker.HandleExecution(ctx, evt)
	})

	return &fixture{store: store, ledger: led, paper: paper, tracker: tracker}
}

func daySignal(symbol string, side halyard.Side, shares int) halyard.DaySignal {
	return halyard.DaySignal{SignalCore: halyard.SignalCore{
		Symbol:    symbol,
		Strategy:  "orb",
		Side:      side,
		Entry:     50,
		Stop:      49,
		Shares:    shares,
		TradeDate: tradeDate,
	}}
}

func fillEvent(id halyard.OrderID, qty, avg float64) halyard.OrderStatusEvent {
	return halyard.OrderStatusEvent{
		OrderID:      id,
		Status:       halyard.StatusFilled,
		Filled:       qty,
		Remaining:    0,
		AvgFillPrice: avg,
		Time:         tradeDate,
	}
}

func TestPartialFillsAccumulateWeightedAverage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.Caps{DayGlobal: 10, DayPerStrategy: 5, SwingGlobal: 3, SwingPerStrategy: 2})

	sig := daySignal("AAPL", halyard.SideLong, 100)
	f.tracker.Register(sig, halyard.PlacedBracket{ParentID: 1, StopID: 2, TimedExitID: 3})

	f.tracker.HandleExecution(ctx, halyard.ExecutionEvent{OrderID: 1, Qty: 40, Price: 10.00})
	f.tracker.HandleExecution(ctx, halyard.ExecutionEvent{OrderID: 1, Qty: 60, Price: 10.50})
	f.tracker.HandleOrderStatus(ctx, fillEvent(1, 100, 10.25))

	pos, ok := f.tracker.PositionByParent(1)
	require.True(t, ok)
	require.Equal(t, 100, pos.Qty)
	require.InDelta(t, 10.30, pos.FillPrice, floatTolerance)
	require.Equal(t, 1, f.ledger.FillsUsed("orb", tradeDate, halyard.KindDay))
}

func TestBrokerTotalsBackstopSyntheticFills(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.Caps{DayGlobal: 10, DayPerStrategy: 5, SwingGlobal: 3, SwingPerStrategy: 2})

	f.tracker.Register(daySignal("MSFT", halyard.SideLong, 50), halyard.PlacedBracket{ParentID: 1})
	f.tracker.HandleOrderStatus(ctx, fillEvent(1, 50, 20.00))

	pos, ok := f.tracker.PositionByParent(1)
	require.True(t, ok)
	require.Equal(t, 50, pos.Qty)
	require.InDelta(t, 20.00, pos.FillPrice, floatTolerance)
}

func TestFillCapCancelsExcessPendingOrders(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.Caps{DayGlobal: 10, DayPerStrategy: 5, SwingGlobal: 3, SwingPerStrategy: 2})

	var ids []halyard.OrderID
	for i := 0; i < 6; i++ {
		id, err := f.paper.Place(ctx, halyard.Contract{Symbol: "AAPL"}, halyard.Order{Action: halyard.Buy, Qty: 100})
		require.NoError(t, err)
		ids = append(ids, id)
		f.tracker.Register(daySignal("AAPL", halyard.SideLong, 100), halyard.PlacedBracket{ParentID: id})
	}

	for _, id := range ids[:5] {
		f.tracker.HandleOrderStatus(ctx, fillEvent(id, 100, 50))
	}

	require.True(t, f.paper.Cancelled(ids[5]), "sixth order cancelled once fifth fill lands")
	require.Zero(t, f.tracker.PendingCount())
	require.Len(t, f.tracker.OpenPositions(), 5)
	require.Equal(t, 5, f.ledger.FillsUsed("orb", tradeDate, halyard.KindDay))

	// A racing fill for the cancelled order arrives late; it is ignored.
	f.tracker.HandleOrderStatus(ctx, fillEvent(ids[5], 100, 50))
	require.Len(t, f.tracker.OpenPositions(), 5)
	require.Equal(t, 5, f.ledger.FillsUsed("orb", tradeDate, halyard.KindDay))
}

func TestExitFillClosesPositionAndNotifies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.Caps{DayGlobal: 10, DayPerStrategy: 5, SwingGlobal: 3, SwingPerStrategy: 2})

	var exited []halyard.OpenPosition
	f.tracker.OnDayExit(func(pos halyard.OpenPosition) { exited = append(exited, pos) })

	f.tracker.Register(daySignal("AAPL", halyard.SideLong, 100), halyard.PlacedBracket{ParentID: 1, StopID: 2, TimedExitID: 3})
	f.tracker.HandleOrderStatus(ctx, fillEvent(1, 100, 50))
	require.Equal(t, 9, f.ledger.Available(tradeDate, halyard.KindDay))

	f.tracker.HandleOrderStatus(ctx, fillEvent(2, 100, 49))

	_, ok := f.tracker.PositionByParent(1)
	require.False(t, ok)
	require.Len(t, exited, 1)
	require.Equal(t, "AAPL", exited[0].Symbol)
	require.Equal(t, 10, f.ledger.Available(tradeDate, halyard.KindDay))

	// The OCA cancel for the surviving timed-exit leg is silent.
	f.tracker.HandleOrderStatus(ctx, halyard.OrderStatusEvent{OrderID: 3, Status: halyard.StatusCancelled})
	require.Len(t, exited, 1)
}

func TestDuplicateTerminalEventsAreIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.Caps{DayGlobal: 10, DayPerStrategy: 5, SwingGlobal: 3, SwingPerStrategy: 2})

	f.tracker.Register(daySignal("AAPL", halyard.SideLong, 100), halyard.PlacedBracket{ParentID: 1, StopID: 2})
	f.tracker.HandleOrderStatus(ctx, fillEvent(1, 100, 50))
	f.tracker.HandleOrderStatus(ctx, fillEvent(1, 100, 50))

	require.Len(t, f.tracker.OpenPositions(), 1)
	require.Equal(t, 1, f.ledger.FillsUsed("orb", tradeDate, halyard.KindDay))

	f.tracker.HandleOrderStatus(ctx, fillEvent(2, 100, 49))
	f.tracker.HandleOrderStatus(ctx, fillEvent(2, 100, 49))

	require.Empty(t, f.tracker.OpenPositions())
	require.Equal(t, 10, f.ledger.Available(tradeDate, halyard.KindDay))
}

func TestTimedExitCancelWhileOpenNotifies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.Caps{DayGlobal: 10, DayPerStrategy: 5, SwingGlobal: 3, SwingPerStrategy: 2})

	var lost []halyard.OpenPosition
	f.tracker.OnTimedExitCancelled(func(pos halyard.OpenPosition) { lost = append(lost, pos) })

	f.tracker.Register(daySignal("AAPL", halyard.SideLong, 100), halyard.PlacedBracket{ParentID: 1, StopID: 2, TimedExitID: 3})
	f.tracker.HandleOrderStatus(ctx, fillEvent(1, 100, 50))

	f.tracker.HandleOrderStatus(ctx, halyard.OrderStatusEvent{OrderID: 3, Status: halyard.StatusCancelled})

	require.Len(t, lost, 1)
	require.Equal(t, halyard.OrderID(1), lost[0].ParentOrderID)

	_, ok := f.tracker.PositionByParent(1)
	require.True(t, ok, "position stays open; the caller must re-flatten")
}

func TestBeginFlattenSuppressesExitLegCancelNotice(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.Caps{DayGlobal: 10, DayPerStrategy: 5, SwingGlobal: 3, SwingPerStrategy: 2})

	var lost []halyard.OpenPosition
	f.tracker.OnTimedExitCancelled(func(pos halyard.OpenPosition) { lost = append(lost, pos) })

	f.tracker.Register(daySignal("AAPL", halyard.SideLong, 100), halyard.PlacedBracket{ParentID: 1, StopID: 2, TimedExitID: 3})
	f.tracker.HandleOrderStatus(ctx, fillEvent(1, 100, 50))

	f.tracker.BeginFlatten(1)
	f.tracker.HandleOrderStatus(ctx, halyard.OrderStatusEvent{OrderID: 2, Status: halyard.StatusCancelled})
	f.tracker.HandleOrderStatus(ctx, halyard.OrderStatusEvent{OrderID: 3, Status: halyard.StatusCancelled})

	require.Empty(t, lost, "announced flatten is not a lost safety net")

	f.tracker.MarkFlattened(1, "opposing day signal")
	_, ok := f.tracker.PositionByParent(1)
	require.False(t, ok)
}

func TestReentryFillConvertsReservation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.Caps{DayGlobal: 10, DayPerStrategy: 5, SwingGlobal: 3, SwingPerStrategy: 2})

	ok, _ := f.ledger.ReserveSlot("pullback", tradeDate)
	require.True(t, ok)
	require.Equal(t, 2, f.ledger.Available(tradeDate, halyard.KindSwing))

	sig := halyard.SwingSignal{
		SignalCore: halyard.SignalCore{
			Symbol: "MSFT", Strategy: "pullback", Side: halyard.SideLong,
			Entry: 100, Stop: 97, Shares: 50, TradeDate: tradeDate,
		},
		ExitDate: tradeDate.AddDate(0, 0, 4),
	}

	var filled []halyard.OpenPosition
	f.tracker.Register(sig, halyard.PlacedBracket{ParentID: 1, StopID: 2, TimedExitID: 3},
		AsReentry(), WithFillCallback(func(pos halyard.OpenPosition) { filled = append(filled, pos) }))
	f.tracker.HandleOrderStatus(ctx, fillEvent(1, 50, 100))

	require.Len(t, filled, 1)
	require.Zero(t, f.ledger.ReservedCount("pullback", tradeDate))
	require.Equal(t, 2, f.ledger.Available(tradeDate, halyard.KindSwing), "conversion leaves open+reserved unchanged")
	require.Zero(t, f.ledger.FillsUsed("pullback", tradeDate, halyard.KindSwing), "re-entry bypasses the fill cap")
}

func TestCallbackPanicDoesNotCorruptBookkeeping(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.Caps{DayGlobal: 10, DayPerStrategy: 5, SwingGlobal: 3, SwingPerStrategy: 2})

	f.tracker.OnDayExit(func(halyard.OpenPosition) { panic("downstream broke") })

	f.tracker.Register(daySignal("AAPL", halyard.SideLong, 100), halyard.PlacedBracket{ParentID: 1, StopID: 2})
	f.tracker.HandleOrderStatus(ctx, fillEvent(1, 100, 50))

	require.NotPanics(t, func() {
		f.tracker.HandleOrderStatus(ctx, fillEvent(2, 100, 49))
	})
	require.Empty(t, f.tracker.OpenPositions())
	require.Equal(t, 10, f.ledger.Available(tradeDate, halyard.KindDay))
}

func TestMarkFlattenedRemovesPosition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.Caps{DayGlobal: 10, DayPerStrategy: 5, SwingGlobal: 3, SwingPerStrategy: 2})

	var exited []halyard.OpenPosition
	f.tracker.OnDayExit(func(pos halyard.OpenPosition) { exited = append(exited, pos) })

	f.tracker.Register(daySignal("AAPL", halyard.SideLong, 100), halyard.PlacedBracket{ParentID: 1, StopID: 2})
	f.tracker.HandleOrderStatus(ctx, fillEvent(1, 100, 50))

	f.tracker.MarkFlattened(1, "opposing day signal")

	require.Empty(t, f.tracker.OpenPositions())
	require.Len(t, exited, 1)
	require.Equal(t, 10, f.ledger.Available(tradeDate, halyard.KindDay))

	// Flattening an unknown parent is a no-op.
	f.tracker.MarkFlattened(99, "noise")
	require.Len(t, exited, 1)
}

func TestSignalFillFlagPersisted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.Caps{DayGlobal: 10, DayPerStrategy: 5, SwingGlobal: 3, SwingPerStrategy: 2})

	sig := daySignal("AAPL", halyard.SideLong, 100)
	f.tracker.Register(sig, halyard.PlacedBracket{ParentID: 1})
	f.tracker.HandleOrderStatus(ctx, fillEvent(1, 100, 50))

	f.store.View(func(d *statedoc.Document) {
		require.True(t, d.SignalFills[sig.Key().String()])
	})
}
