// Package statedoc defines the single persisted state document shared by
// the capacity ledger, the re-entry coordinator, and the gap engine, plus
// the store that owns reading and atomically writing it.
package statedoc

import (
	"encoding/json"
	"time"
)

// CapacityBucket holds the durable counters for one strategy in one
// day or week period. Reserved is only used by week buckets.
type CapacityBucket struct {
	Fills    int `json:"fills"`
	Open     int `json:"open"`
	Reserved int `json:"reserved,omitempty"`
}

// CandidateStatus is the lifecycle state of a re-entry candidate.
type CandidateStatus string

const (
	CandidatePending CandidateStatus = "pending"
	CandidateLinked  CandidateStatus = "linked"
	CandidateDropped CandidateStatus = "dropped"
	CandidateFilled  CandidateStatus = "filled"
)

// Terminal reports whether the status ends the candidate's lifecycle.
func (s CandidateStatus) Terminal() bool {
	return s == CandidateDropped || s == CandidateFilled
}

// ReentryCandidate is the durable record of a swing position that was
// flattened for a day conflict and may reopen once its blockers clear.
type ReentryCandidate struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Strategy string `json:"strategy"`

	Entry float64 `json:"entry"`
	Stop  float64 `json:"stop"`
	Qty   int     `json:"qty"`

	// ExitDate is the original scheduled timed-exit date (day key).
	ExitDate string `json:"exit_date"`

	// TradeDate anchors the candidate's week for slot accounting.
	TradeDate time.Time `json:"trade_date"`

	// Signal is the serialized original swing signal, replayed on re-entry.
	Signal json.RawMessage `json:"signal"`

	// Blockers are the day parent-order ids that must exit before the
	// candidate is re-evaluated.
	Blockers []int64 `json:"blockers,omitempty"`

	Status     CandidateStatus `json:"status"`
	DropReason string          `json:"drop_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// BlockerIndex returns the position of the order id in the blocker set, or
// -1 when absent.
func (c *ReentryCandidate) BlockerIndex(orderID int64) int {
	for i, b := range c.Blockers {
		if b == orderID {
			return i
		}
	}
	return -1
}

// DeferredFlatten records a flatten that exhausted its retries and must be
// retried at the next session open.
type DeferredFlatten struct {
	Symbol   string `json:"symbol"`
	Strategy string `json:"strategy"`
	Side     string `json:"side"`
	Kind     string `json:"kind"`
	Qty      int    `json:"qty"`
	Reason   string `json:"reason,omitempty"`

	DeferredAt time.Time `json:"deferred_at"`
}

// PendingGapOrder is a gap market entry whose bracket legs were not all
// confirmed placed; it is completed on the next evaluation pass.
type PendingGapOrder struct {
	Symbol        string  `json:"symbol"`
	Strategy      string  `json:"strategy"`
	Side          string  `json:"side"`
	ParentOrderID int64   `json:"parent_order_id"`
	StopPrice     float64 `json:"stop_price"`
	Qty           int     `json:"qty"`

	PlacedAt time.Time `json:"placed_at"`
}

// PrevClose is the rolling previous-close record for one symbol.
type PrevClose struct {
	Price float64 `json:"price"`
	// Date is the session the close belongs to (day key).
	Date string `json:"date"`
}

// Document is the whole persisted state. Every writer performs
// read-modify-atomic-write through the Store; the document is the single
// source of truth across restarts.
type Document struct {
	DayBuckets  map[string]*CapacityBucket `json:"day_buckets"`
	WeekBuckets map[string]*CapacityBucket `json:"week_buckets"`

	// Blocks map block keys (symbol|strategy|period key) to a reason.
	DayBlocks  map[string]string `json:"day_blocks"`
	WeekBlocks map[string]string `json:"week_blocks"`

	PendingFlattens  []DeferredFlatten `json:"pending_flattens,omitempty"`
	PendingGapOrders []PendingGapOrder `json:"pending_gap_orders,omitempty"`

	// SignalFills marks signal ids whose entry already filled, so a signal
	// reload cannot re-arm a consumed signal.
	SignalFills map[string]bool `json:"signal_fills"`

	Candidates map[string]*ReentryCandidate `json:"reentry_candidates"`

	PrevCloses map[string]PrevClose `json:"prev_closes"`

	// GapRunDate is the day key of the last completed gap check.
	GapRunDate string `json:"gap_run_date,omitempty"`
}

// NewDocument returns an empty document with all maps allocated.
func NewDocument() *Document {
	return &Document{
		DayBuckets:  make(map[string]*CapacityBucket),
		WeekBuckets: make(map[string]*CapacityBucket),
		DayBlocks:   make(map[string]string),
		WeekBlocks:  make(map[string]string),
		SignalFills: make(map[string]bool),
		Candidates:  make(map[string]*ReentryCandidate),
		PrevCloses:  make(map[string]PrevClose),
	}
}

// normalize allocates any maps a hand-edited or older document left nil.
func (d *Document) normalize() {
	if d.DayBuckets == nil {
		d.DayBuckets = make(map[string]*CapacityBucket)
	}
	if d.WeekBuckets == nil {
		d.WeekBuckets = make(map[string]*CapacityBucket)
	}
	if d.DayBlocks == nil {
		d.DayBlocks = make(map[string]string)
	}
	if d.WeekBlocks == nil {
		d.WeekBlocks = make(map[string]string)
	}
	if d.SignalFills == nil {
		d.SignalFills = make(map[string]bool)
	}
	if d.Candidates == nil {
		d.Candidates = make(map[string]*ReentryCandidate)
	}
	if d.PrevCloses == nil {
		d.PrevCloses = make(map[string]PrevClose)
	}
}
