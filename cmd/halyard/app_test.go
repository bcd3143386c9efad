package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/halyard/halyard/cmd/halyard/internal/config"
	"github.com/halyard/halyard/halyard"
	"github.com/halyard/halyard/statedoc"
)

func newTestApp(t *testing.T) *App {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.StatePath = filepath.Join(dir, "state.json")
	cfg.JournalPath = filepath.Join(dir, "halyard.db")
	cfg.SignalsPath = filepath.Join(dir, "signals.json")
	cfg.Timezone = "UTC"

	app, err := newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() {
		app.logSink.Close()
		app.journal.Close()
	})
	return app
}

func placeDayBracket(t *testing.T, a *App, sig halyard.DaySignal) halyard.PlacedBracket {
	t.Helper()
	ctx := context.Background()

	contract, err := a.paper.Qualify(ctx, sig.Symbol)
	require.NoError(t, err)
	parentID, err := a.paper.Place(ctx, contract, halyard.Order{
		Action: halyard.Buy, Qty: sig.Shares, Type: halyard.OrderTypeLimit, LimitPrice: sig.Entry,
	})
	require.NoError(t, err)
	stopID, err := a.paper.Place(ctx, contract, halyard.Order{
		Action: halyard.Sell, Qty: sig.Shares, Type: halyard.OrderTypeStop, StopPrice: sig.Stop, ParentID: parentID,
	})
	require.NoError(t, err)
	timedID, err := a.paper.Place(ctx, contract, halyard.Order{
		Action: halyard.Sell, Qty: sig.Shares, Type: halyard.OrderTypeMarket, ParentID: parentID,
	})
	require.NoError(t, err)

	placed := halyard.PlacedBracket{ParentID: parentID, StopID: stopID, TimedExitID: timedID}
	a.tracker.Register(sig, placed)
	return placed
}

func TestFillAndCancelCountersTrackParentsOnly(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	ctx := context.Background()
	monday := time.Date(2026, time.March, 2, 9, 30, 0, 0, time.UTC)

	entered := placeDayBracket(t, a, halyard.DaySignal{SignalCore: halyard.SignalCore{
		Symbol: "AAPL", Strategy: "orb", Side: halyard.SideLong,
		Entry: 50, Stop: 49, Shares: 100, TradeDate: monday,
	}})
	a.paper.Fill(entered.ParentID, 50)
	// The stop exit fills; the position closes but no new entry happened.
	a.paper.Fill(entered.StopID, 49)

	require.Equal(t, 1.0, promtestutil.ToFloat64(a.metrics.Fills), "exit-leg fill is not an entry")
	require.Zero(t, promtestutil.ToFloat64(a.metrics.Cancels))

	abandoned := placeDayBracket(t, a, halyard.DaySignal{SignalCore: halyard.SignalCore{
		Symbol: "MSFT", Strategy: "fade", Side: halyard.SideShort,
		Entry: 51, Stop: 52, Shares: 50, TradeDate: monday,
	}})
	require.NoError(t, a.paper.Cancel(ctx, abandoned.ParentID))
	// The bracket children are cancelled alongside the parent.
	require.NoError(t, a.paper.Cancel(ctx, abandoned.StopID))
	require.NoError(t, a.paper.Cancel(ctx, abandoned.TimedExitID))

	require.Equal(t, 1.0, promtestutil.ToFloat64(a.metrics.Cancels), "child cancels are not counted")
	require.Equal(t, 1.0, promtestutil.ToFloat64(a.metrics.Fills))
}

func TestSessionTickRunsOpenDutiesOncePerDay(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	ctx := context.Background()
	monday := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return monday }

	seedDeferred := func(reason string) {
		a.store.Update(func(d *statedoc.Document) {
			d.PendingFlattens = append(d.PendingFlattens, statedoc.DeferredFlatten{
				Symbol:   "AAPL",
				Strategy: "orb",
				Side:     halyard.SideLong.String(),
				Kind:     halyard.KindDay.String(),
				Qty:      100,
				Reason:   reason,
			})
		})
	}
	pendingFlattens := func() int {
		var n int
		a.store.View(func(d *statedoc.Document) { n = len(d.PendingFlattens) })
		return n
	}

	seedDeferred("deferred overnight")
	a.sessionTick(ctx)
	require.Zero(t, pendingFlattens(), "open duties drain the deferred queue")

	// A flatten deferred mid-session waits for the next open.
	seedDeferred("deferred mid-session")
	a.sessionTick(ctx)
	require.Equal(t, 1, pendingFlattens(), "open duties run once per session day")

	a.now = func() time.Time { return monday.AddDate(0, 0, 1) }
	a.sessionTick(ctx)
	require.Zero(t, pendingFlattens(), "next session drains again")
}
