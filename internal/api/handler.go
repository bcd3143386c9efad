// Package api serves the read-only operational surface: open positions,
// re-entry candidates, capacity buckets, journaled decisions, and the
// Prometheus metrics endpoint.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/halyard/halyard/halyard"
	"github.com/halyard/halyard/statedoc"
	"github.com/halyard/halyard/storage"
)

// PositionSource is the tracker surface the API reads.
type PositionSource interface {
	OpenPositions() []halyard.OpenPosition
	PendingCount() int
}

// CandidateSource is the re-entry coordinator surface the API reads.
type CandidateSource interface {
	LiveCandidates() []statedoc.ReentryCandidate
}

// Handler answers the read-only status endpoints. It never mutates state;
// all writes go through the decision pipeline.
type Handler struct {
	store      *statedoc.Store
	positions  PositionSource
	candidates CandidateSource
	journal    *storage.Storage
	registry   *prometheus.Registry
	logger     *slog.Logger
	now        func() time.Time
}

type HandlerOption func(*Handler)

func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// WithJournal enables the /api/decisions endpoint.
func WithJournal(journal *storage.Storage) HandlerOption {
	return func(h *Handler) { h.journal = journal }
}

// WithRegistry mounts /metrics backed by the given registry.
func WithRegistry(reg *prometheus.Registry) HandlerOption {
	return func(h *Handler) { h.registry = reg }
}

func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

func NewHandler(store *statedoc.Store, positions PositionSource, candidates CandidateSource, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:      store,
		positions:  positions,
		candidates: candidates,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.WithGroup("api")
	return h
}

// Routes returns the mux with every endpoint mounted.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("GET /api/positions", h.handlePositions)
	mux.HandleFunc("GET /api/candidates", h.handleCandidates)
	mux.HandleFunc("GET /api/capacity", h.handleCapacity)
	mux.HandleFunc("GET /api/decisions", h.handleDecisions)
	mux.HandleFunc("GET /api/logs", h.handleLogs)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	if h.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

type statusResponse struct {
	Time             time.Time `json:"time"`
	OpenPositions    int       `json:"open_positions"`
	PendingOrders    int       `json:"pending_orders"`
	LiveCandidates   int       `json:"live_candidates"`
	DeferredFlattens int       `json:"deferred_flattens"`
	PendingGapOrders int       `json:"pending_gap_orders"`
	GapRunDate       string    `json:"gap_run_date,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Time:           h.now().UTC(),
		OpenPositions:  len(h.positions.OpenPositions()),
		PendingOrders:  h.positions.PendingCount(),
		LiveCandidates: len(h.candidates.LiveCandidates()),
	}
	h.store.View(func(d *statedoc.Document) {
		resp.DeferredFlattens = len(d.PendingFlattens)
		resp.PendingGapOrders = len(d.PendingGapOrders)
		resp.GapRunDate = d.GapRunDate
	})
	h.writeJSON(w, resp)
}

type positionItem struct {
	Symbol        string    `json:"symbol"`
	Strategy      string    `json:"strategy"`
	Side          string    `json:"side"`
	Kind          string    `json:"kind"`
	Qty           int       `json:"qty"`
	FillPrice     float64   `json:"fill_price"`
	FillTime      time.Time `json:"fill_time"`
	StopPrice     float64   `json:"stop_price"`
	ParentOrderID int64     `json:"parent_order_id"`
}

func (h *Handler) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := h.positions.OpenPositions()
	items := make([]positionItem, 0, len(positions))
	for _, pos := range positions {
		items = append(items, positionItem{
			Symbol:        pos.Symbol,
			Strategy:      pos.Strategy,
			Side:          pos.Side.String(),
			Kind:          pos.Kind.String(),
			Qty:           pos.Qty,
			FillPrice:     pos.FillPrice,
			FillTime:      pos.FillTime,
			StopPrice:     pos.StopPrice,
			ParentOrderID: int64(pos.ParentOrderID),
		})
	}
	h.writeJSON(w, items)
}

func (h *Handler) handleCandidates(w http.ResponseWriter, r *http.Request) {
	candidates := h.candidates.LiveCandidates()
	if candidates == nil {
		candidates = []statedoc.ReentryCandidate{}
	}
	h.writeJSON(w, candidates)
}

type capacityResponse struct {
	DayBuckets  map[string]*statedoc.CapacityBucket `json:"day_buckets"`
	WeekBuckets map[string]*statedoc.CapacityBucket `json:"week_buckets"`
	DayBlocks   map[string]string                   `json:"day_blocks"`
	WeekBlocks  map[string]string                   `json:"week_blocks"`
}

func (h *Handler) handleCapacity(w http.ResponseWriter, r *http.Request) {
	resp := capacityResponse{
		DayBuckets:  make(map[string]*statedoc.CapacityBucket),
		WeekBuckets: make(map[string]*statedoc.CapacityBucket),
		DayBlocks:   make(map[string]string),
		WeekBlocks:  make(map[string]string),
	}
	h.store.View(func(d *statedoc.Document) {
		for k, b := range d.DayBuckets {
			copied := *b
			resp.DayBuckets[k] = &copied
		}
		for k, b := range d.WeekBuckets {
			copied := *b
			resp.WeekBuckets[k] = &copied
		}
		for k, v := range d.DayBlocks {
			resp.DayBlocks[k] = v
		}
		for k, v := range d.WeekBlocks {
			resp.WeekBlocks[k] = v
		}
	})
	h.writeJSON(w, resp)
}

func (h *Handler) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		http.Error(w, "decision journal not configured", http.StatusNotFound)
		return
	}
	signalID := r.URL.Query().Get("signal_id")
	if signalID == "" {
		http.Error(w, "signal_id query parameter required", http.StatusBadRequest)
		return
	}
	decisions, err := h.journal.ListDecisions(r.Context(), signalID)
	if err != nil {
		h.logger.Error("listing decisions failed", slog.String("error", err.Error()))
		http.Error(w, "journal query failed", http.StatusInternalServerError)
		return
	}
	if decisions == nil {
		decisions = []storage.Decision{}
	}
	h.writeJSON(w, decisions)
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		http.Error(w, "log journal not configured", http.StatusNotFound)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	entries, err := h.journal.RecentLogEntries(r.Context(), limit)
	if err != nil {
		h.logger.Error("listing log entries failed", slog.String("error", err.Error()))
		http.Error(w, "journal query failed", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []storage.LogEntry{}
	}
	h.writeJSON(w, entries)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encoding response failed", slog.String("error", err.Error()))
	}
}
