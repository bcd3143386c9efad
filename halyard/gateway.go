package halyard

import (
	"context"
	"time"
)

// OrderID is the broker-assigned identifier for a placed order.
type OrderID int64

// Contract is the qualified identity of a tradable instrument.
type Contract struct {
	Symbol   string
	Exchange string
	Currency string
}

// OrderAction is the buy/sell direction of an order ticket.
type OrderAction string

const (
	Buy  OrderAction = "BUY"
	Sell OrderAction = "SELL"
)

// Reverse flips a buy to a sell and vice versa.
func (a OrderAction) Reverse() OrderAction {
	if a == Buy {
		return Sell
	}
	return Buy
}

// ActionForEntry maps a signal side to the entry order action.
func ActionForEntry(side Side) OrderAction {
	if side == SideShort {
		return Sell
	}
	return Buy
}

// OrderType is the execution style of an order ticket.
type OrderType string

const (
	OrderTypeMarket OrderType = "MKT"
	OrderTypeLimit  OrderType = "LMT"
	OrderTypeStop   OrderType = "STP"
)

// Order is a broker-neutral order ticket. Bracket legs reference their
// parent through ParentID and are coupled through OCAGroup.
type Order struct {
	Action     OrderAction
	Qty        int
	Type       OrderType
	LimitPrice float64
	StopPrice  float64

	GoodAfter time.Time
	GoodTill  time.Time

	ParentID OrderID
	OCAGroup string
}

// Bracket is a parent entry order plus its two mutually exclusive exit
// legs: the protective stop and the timed market exit.
type Bracket struct {
	Parent    Order
	Stop      Order
	TimedExit Order
}

// PlacedBracket records the ids assigned when a bracket was transmitted.
type PlacedBracket struct {
	ParentID    OrderID
	StopID      OrderID
	TimedExitID OrderID
}

// DailyBar is one historical daily candle, used to refresh stale previous
// closes before the gap check.
type DailyBar struct {
	Symbol string
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
}

// OrderGateway is the broker collaborator. Connectivity, reconnection, and
// the wire protocol live behind this interface; the core only consumes its
// decisions-relevant surface.
type OrderGateway interface {
	Qualify(ctx context.Context, symbol string) (Contract, error)
	Place(ctx context.Context, contract Contract, order Order) (OrderID, error)
	Cancel(ctx context.Context, id OrderID) error
}

// PositionPoller reports the broker's live view of a symbol's position.
// Flatten retries re-poll through this after every attempt.
type PositionPoller interface {
	LivePosition(ctx context.Context, symbol string) (qty int, err error)
}

// BarSource serves historical daily bars for previous-close refresh.
type BarSource interface {
	HistoricalDailyBars(ctx context.Context, symbol string, days int) ([]DailyBar, error)
}

// BracketBuilder constructs broker-ready bracket shapes with calendar-aware
// effective timestamps and links the exit legs as mutually cancelling.
type BracketBuilder interface {
	BuildDayBracket(sig DaySignal, date time.Time) Bracket
	BuildSwingBracket(sig SwingSignal, date time.Time) Bracket
	Link(b Bracket, group string) Bracket
}
