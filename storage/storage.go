// Package storage is the sqlite-backed audit journal: every broker event,
// admission decision, and placement is recorded for post-mortem review, and
// the daily-bar cache backing previous-close refresh lives here too.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/halyard/halyard/halyard"
	"github.com/halyard/halyard/marketcal"
)

//go:embed schema.sql
var schemaDDL string

type Storage struct {
	db *sql.DB
	mu sync.Mutex
}

func New(path string) (*Storage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// RecordOrderEvent journals one broker event for an order. Payload is
// stored as JSON.
func (s *Storage) RecordOrderEvent(ctx context.Context, orderID halyard.OrderID, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO order_events (order_id, kind, payload, recorded_at_utc) VALUES (?, ?, ?, ?)`,
		int64(orderID), kind, raw, time.Now().UTC().UnixMilli())
	return err
}

// OrderEvent is one journaled broker event.
type OrderEvent struct {
	RowID      int64
	OrderID    halyard.OrderID
	Kind       string
	Payload    json.RawMessage
	RecordedAt time.Time
}

// ListOrderEvents returns the journal for one order in insertion order.
func (s *Storage) ListOrderEvents(ctx context.Context, orderID halyard.OrderID) ([]OrderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, kind, payload, recorded_at_utc FROM order_events WHERE order_id = ? ORDER BY id`,
		int64(orderID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderEvent
	for rows.Next() {
		var evt OrderEvent
		var oid, ts int64
		if err := rows.Scan(&evt.RowID, &oid, &evt.Kind, &evt.Payload, &ts); err != nil {
			return nil, err
		}
		evt.OrderID = halyard.OrderID(oid)
		evt.RecordedAt = time.UnixMilli(ts).UTC()
		out = append(out, evt)
	}
	return out, rows.Err()
}

// RecordDecision journals one admission verdict.
func (s *Storage) RecordDecision(ctx context.Context, signalID, symbol, strategy string, allowed bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowedInt := 0
	if allowed {
		allowedInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (signal_id, symbol, strategy, allowed, reason, recorded_at_utc) VALUES (?, ?, ?, ?, ?, ?)`,
		signalID, symbol, strategy, allowedInt, reason, time.Now().UTC().UnixMilli())
	return err
}

// Decision is one journaled admission verdict.
type Decision struct {
	RowID      int64
	SignalID   string
	Symbol     string
	Strategy   string
	Allowed    bool
	Reason     string
	RecordedAt time.Time
}

// ListDecisions returns every verdict recorded for a signal id.
func (s *Storage) ListDecisions(ctx context.Context, signalID string) ([]Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, signal_id, symbol, strategy, allowed, reason, recorded_at_utc FROM decisions WHERE signal_id = ? ORDER BY id`,
		signalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var allowed int
		var ts int64
		if err := rows.Scan(&d.RowID, &d.SignalID, &d.Symbol, &d.Strategy, &allowed, &d.Reason, &ts); err != nil {
			return nil, err
		}
		d.Allowed = allowed == 1
		d.RecordedAt = time.UnixMilli(ts).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// Placement describes one transmitted bracket parent.
type Placement struct {
	ParentOrderID halyard.OrderID
	Symbol        string
	Strategy      string
	Kind          halyard.Kind
	Side          halyard.Side
	Qty           int
	Bracket       halyard.PlacedBracket
}

// RecordPlacement journals a transmitted bracket, keyed by parent order id.
func (s *Storage) RecordPlacement(ctx context.Context, p Placement) error {
	raw, err := json.Marshal(p.Bracket)
	if err != nil {
		return fmt.Errorf("marshal placement: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO placements (parent_order_id, symbol, strategy, kind, side, qty, payload, recorded_at_utc)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(p.ParentOrderID), p.Symbol, p.Strategy, p.Kind.String(), p.Side.String(), p.Qty, raw,
		time.Now().UTC().UnixMilli())
	return err
}

// UpsertDailyBar stores or refreshes one daily candle.
func (s *Storage) UpsertDailyBar(ctx context.Context, bar halyard.DailyBar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO daily_bars (symbol, bar_date, open, high, low, close) VALUES (?, ?, ?, ?, ?, ?)`,
		bar.Symbol, marketcal.DayKey(bar.Date), bar.Open, bar.High, bar.Low, bar.Close)
	return err
}

// LatestDailyBars returns up to n bars for the symbol, most recent last.
func (s *Storage) LatestDailyBars(ctx context.Context, symbol string, n int) ([]halyard.DailyBar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, bar_date, open, high, low, close FROM daily_bars
		 WHERE symbol = ? ORDER BY bar_date DESC LIMIT ?`, symbol, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []halyard.DailyBar
	for rows.Next() {
		var bar halyard.DailyBar
		var date string
		if err := rows.Scan(&bar.Symbol, &date, &bar.Open, &bar.High, &bar.Low, &bar.Close); err != nil {
			return nil, err
		}
		parsed, err := marketcal.ParseKey(date)
		if err != nil {
			return nil, fmt.Errorf("decode bar date %q: %w", date, err)
		}
		bar.Date = parsed
		out = append(out, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse so callers see chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LogEntry is one persisted log record.
type LogEntry struct {
	RowID      int64
	Level      string
	Scope      string
	Message    string
	Attrs      json.RawMessage
	RecordedAt time.Time
}

// RecordLogEntry persists one log record; it is the sink behind the
// sqllogger handler.
func (s *Storage) RecordLogEntry(ctx context.Context, at time.Time, level, scope, message string, attrs []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO log_entries (level, scope, message, attrs, recorded_at_utc) VALUES (?, ?, ?, ?, ?)`,
		level, scope, message, attrs, at.UTC().UnixMilli())
	return err
}

// RecentLogEntries returns up to n records, newest first.
func (s *Storage) RecentLogEntries(ctx context.Context, n int) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, level, scope, message, attrs, recorded_at_utc FROM log_entries ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var ts int64
		var attrs []byte
		if err := rows.Scan(&e.RowID, &e.Level, &e.Scope, &e.Message, &attrs, &ts); err != nil {
			return nil, err
		}
		if len(attrs) > 0 {
			e.Attrs = json.RawMessage(attrs)
		}
		e.RecordedAt = time.UnixMilli(ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
