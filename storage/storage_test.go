package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/halyard/halyard/halyard"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOrderEventJournal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStorage(t)

	evt := halyard.OrderStatusEvent{OrderID: 42, Status: halyard.StatusFilled, Filled: 100, AvgFillPrice: 10.30}
	require.NoError(t, s.RecordOrderEvent(ctx, 42, "status", evt))
	require.NoError(t, s.RecordOrderEvent(ctx, 42, "execution", halyard.ExecutionEvent{OrderID: 42, Qty: 100, Price: 10.30}))
	require.NoError(t, s.RecordOrderEvent(ctx, 7, "status", halyard.OrderStatusEvent{OrderID: 7}))

	events, err := s.ListOrderEvents(ctx, 42)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "status", events[0].Kind)
	require.Equal(t, "execution", events[1].Kind)
	require.Equal(t, halyard.OrderID(42), events[0].OrderID)
	require.JSONEq(t, `{"OrderID":42,"Qty":100,"Price":10.3,"ExecID":"","Symbol":"","Time":"0001-01-01T00:00:00Z"}`, string(events[1].Payload))

	none, err := s.ListOrderEvents(ctx, 999)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestDecisionJournal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.RecordDecision(ctx, "0xabc", "AAPL", "orb", false, "day capacity exhausted"))
	require.NoError(t, s.RecordDecision(ctx, "0xabc", "AAPL", "orb", true, ""))

	decisions, err := s.ListDecisions(ctx, "0xabc")
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	require.False(t, decisions[0].Allowed)
	require.Equal(t, "day capacity exhausted", decisions[0].Reason)
	require.True(t, decisions[1].Allowed)
	require.WithinDuration(t, time.Now().UTC(), decisions[1].RecordedAt, 5*time.Second)
}

func TestRecordPlacementUpsertsByParent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStorage(t)

	p := Placement{
		ParentOrderID: 10,
		Symbol:        "MSFT",
		Strategy:      "pullback",
		Kind:          halyard.KindSwing,
		Side:          halyard.SideLong,
		Qty:           50,
		Bracket:       halyard.PlacedBracket{ParentID: 10, StopID: 11, TimedExitID: 12},
	}
	require.NoError(t, s.RecordPlacement(ctx, p))

	// A second record for the same parent replaces the first row.
	p.Qty = 75
	require.NoError(t, s.RecordPlacement(ctx, p))
}

func TestLogEntryJournal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStorage(t)

	at := time.Date(2026, time.March, 2, 14, 30, 0, 0, time.UTC)
	require.NoError(t, s.RecordLogEntry(ctx, at, "WARN", "flatten", "retries exhausted", []byte(`{"symbol":"TSLA"}`)))
	require.NoError(t, s.RecordLogEntry(ctx, at.Add(time.Minute), "ERROR", "gap", "entry failed", nil))

	entries, err := s.RecentLogEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "entry failed", entries[0].Message, "newest first")
	require.Equal(t, "WARN", entries[1].Level)
	require.JSONEq(t, `{"symbol":"TSLA"}`, string(entries[1].Attrs))
	require.Equal(t, at, entries[1].RecordedAt)

	capped, err := s.RecentLogEntries(ctx, 1)
	require.NoError(t, err)
	require.Len(t, capped, 1)
}

func TestDailyBarCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStorage(t)

	day := func(d int) time.Time { return time.Date(2026, time.March, d, 0, 0, 0, 0, time.UTC) }
	for i, d := range []int{2, 3, 4, 5} {
		bar := halyard.DailyBar{
			Symbol: "AAPL",
			Date:   day(d),
			Open:   100 + float64(i),
			High:   101 + float64(i),
			Low:    99 + float64(i),
			Close:  100.5 + float64(i),
		}
		require.NoError(t, s.UpsertDailyBar(ctx, bar))
	}

	// Re-upserting the latest session overwrites in place.
	require.NoError(t, s.UpsertDailyBar(ctx, halyard.DailyBar{
		Symbol: "AAPL", Date: day(5), Open: 200, High: 201, Low: 199, Close: 200.5,
	}))

	bars, err := s.LatestDailyBars(ctx, "AAPL", 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	require.Equal(t, day(4), bars[0].Date)
	require.Equal(t, day(5), bars[1].Date)
	require.Equal(t, 200.5, bars[1].Close)

	none, err := s.LatestDailyBars(ctx, "TSLA", 5)
	require.NoError(t, err)
	require.Empty(t, none)
}
