package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/halyard/halyard/filltracker"
	"github.com/halyard/halyard/gateway"
	"github.com/halyard/halyard/halyard"
	"github.com/halyard/halyard/internal/testutil"
	"github.com/halyard/halyard/ledger"
	"github.com/halyard/halyard/metrics"
	"github.com/halyard/halyard/statedoc"
	"github.com/halyard/halyard/storage"
)

var tradeDate = time.Date(2026, time.March, 2, 9, 30, 0, 0, time.UTC)

type fakeCandidates struct {
	items []statedoc.ReentryCandidate
}

func (f fakeCandidates) LiveCandidates() []statedoc.ReentryCandidate { return f.items }

type fixture struct {
	store   *statedoc.Store
	tracker *filltracker.Tracker
	paper   *gateway.Paper
	handler *Handler
	srv     *httptest.Server
}

func newFixture(t *testing.T, cands fakeCandidates, opts ...HandlerOption) *fixture {
	t.Helper()

	store := statedoc.Open(filepath.Join(t.TempDir(), "state.json"), nil)
	led := ledger.New(store, ledger.Caps{DayGlobal: 10, DayPerStrategy: 5, SwingGlobal: 3, SwingPerStrategy: 2}, nil)
	dispatch := gateway.NewDispatcher(nil)
	paper := gateway.NewPaper(dispatch)
	tracker := filltracker.New(led, store, nil, paper, nil)
	dispatch.SubscribeOrderStatus(func(evt halyard.OrderStatusEvent) {
		tracker.HandleOrderStatus(t.Context(), evt)
	})
	dispatch.SubscribeExecutions(func(evt halyard.ExecutionEvent) {
		tracker.HandleExecution(t.Context(), evt)
	})

	handler := NewHandler(store, tracker, cands, opts...)
	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)

	return &fixture{store: store, tracker: tracker, paper: paper, handler: handler, srv: srv}
}

func (f *fixture) getJSON(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (f *fixture) openPosition(t *testing.T) {
	t.Helper()
	ctx := t.Context()
	sig := testutil.NewDaySignal(t, "AAPL", "orb", tradeDate)
	contract, err := f.paper.Qualify(ctx, sig.Symbol)
	require.NoError(t, err)
	parentID, err := f.paper.Place(ctx, contract, halyard.Order{Action: halyard.Buy, Qty: sig.Shares, Type: halyard.OrderTypeLimit, LimitPrice: sig.Entry})
	require.NoError(t, err)
	stopID, err := f.paper.Place(ctx, contract, halyard.Order{Action: halyard.Sell, Qty: sig.Shares, Type: halyard.OrderTypeStop, StopPrice: sig.Stop, ParentID: parentID})
	require.NoError(t, err)
	timedID, err := f.paper.Place(ctx, contract, halyard.Order{Action: halyard.Sell, Qty: sig.Shares, Type: halyard.OrderTypeMarket, ParentID: parentID})
	require.NoError(t, err)
	f.tracker.Register(sig, halyard.PlacedBracket{ParentID: parentID, StopID: stopID, TimedExitID: timedID})
	f.paper.Fill(parentID, sig.Entry)
}

func TestStatusReflectsTrackerAndDocument(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fakeCandidates{items: []statedoc.ReentryCandidate{{ID: "c1", Symbol: "MSFT"}}})
	f.openPosition(t)
	f.store.Update(func(d *statedoc.Document) {
		d.GapRunDate = "2026-03-02"
		d.PendingFlattens = append(d.PendingFlattens, statedoc.DeferredFlatten{Symbol: "TSLA"})
	})

	var status struct {
		OpenPositions    int    `json:"open_positions"`
		PendingOrders    int    `json:"pending_orders"`
		LiveCandidates   int    `json:"live_candidates"`
		DeferredFlattens int    `json:"deferred_flattens"`
		GapRunDate       string `json:"gap_run_date"`
	}
	resp := f.getJSON(t, "/api/status", &status)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, status.OpenPositions)
	require.Zero(t, status.PendingOrders)
	require.Equal(t, 1, status.LiveCandidates)
	require.Equal(t, 1, status.DeferredFlattens)
	require.Equal(t, "2026-03-02", status.GapRunDate)
}

func TestPositionsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fakeCandidates{})
	f.openPosition(t)

	var items []positionItem
	resp := f.getJSON(t, "/api/positions", &items)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, items, 1)
	require.Equal(t, "AAPL", items[0].Symbol)
	require.Equal(t, "long", items[0].Side)
	require.Equal(t, 100, items[0].Qty)
	require.Equal(t, 50.00, items[0].FillPrice)
	require.Equal(t, 49.00, items[0].StopPrice)
}

func TestCandidatesEndpointEmptyIsArray(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fakeCandidates{})
	resp, err := http.Get(f.srv.URL + "/api/candidates")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body []statedoc.ReentryCandidate
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body)
	require.Empty(t, body)
}

func TestCapacityDumpsBucketsAndBlocks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fakeCandidates{})
	f.openPosition(t)
	f.store.Update(func(d *statedoc.Document) {
		d.DayBlocks["AAPL|orb|2026-03-02"] = "gap execution failed"
	})

	var resp capacityResponse
	f.getJSON(t, "/api/capacity", &resp)
	require.Len(t, resp.DayBuckets, 1)
	require.Equal(t, "gap execution failed", resp.DayBlocks["AAPL|orb|2026-03-02"])
}

func TestDecisionsEndpointRequiresSignalID(t *testing.T) {
	t.Parallel()

	journal, err := storage.New(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	require.NoError(t, journal.RecordDecision(t.Context(), "deadbeef", "AAPL", "orb", false, "day block"))

	f := newFixture(t, fakeCandidates{}, WithJournal(journal))

	resp, err := http.Get(f.srv.URL + "/api/decisions")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var decisions []storage.Decision
	ok := f.getJSON(t, "/api/decisions?signal_id=deadbeef", &decisions)
	require.Equal(t, http.StatusOK, ok.StatusCode)
	require.Len(t, decisions, 1)
	require.Equal(t, "day block", decisions[0].Reason)
}

func TestLogsEndpoint(t *testing.T) {
	t.Parallel()

	journal, err := storage.New(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	require.NoError(t, journal.RecordLogEntry(t.Context(), tradeDate, "WARN", "flatten", "retries exhausted", nil))

	f := newFixture(t, fakeCandidates{}, WithJournal(journal))

	var entries []storage.LogEntry
	resp := f.getJSON(t, "/api/logs", &entries)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, entries, 1)
	require.Equal(t, "retries exhausted", entries[0].Message)

	bad, err := http.Get(f.srv.URL + "/api/logs?limit=0")
	require.NoError(t, err)
	bad.Body.Close()
	require.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestMetricsEndpointMountedWithRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Decided(true)

	f := newFixture(t, fakeCandidates{}, WithRegistry(reg))
	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fakeCandidates{})
	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
