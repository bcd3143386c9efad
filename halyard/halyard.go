package halyard

import (
	"errors"
	"fmt"
	"time"
)

// Side is the direction of a signal or position.
type Side int

const (
	SideLong Side = iota
	SideShort
)

func (s Side) String() string {
	if s == SideShort {
		return "short"
	}
	return "long"
}

// Opposite returns the flipped side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Kind distinguishes intraday positions from multi-day swing positions.
type Kind int

const (
	KindDay Kind = iota
	KindSwing
)

func (k Kind) String() string {
	if k == KindSwing {
		return "swing"
	}
	return "day"
}

// SignalKey is the narrow identity every admission API needs: which symbol,
// which strategy, and which session the signal belongs to. Real signal types
// satisfy Admissible by returning it; no ad-hoc shims required.
type SignalKey struct {
	Symbol    string
	Strategy  string
	TradeDate time.Time
}

func (k SignalKey) String() string {
	return fmt.Sprintf("%s/%s@%s", k.Symbol, k.Strategy, k.TradeDate.Format("2006-01-02"))
}

// Admissible is satisfied by anything the admission pipeline can evaluate.
type Admissible interface {
	Key() SignalKey
}

// SignalCore carries the required fields shared by both signal variants.
// Entry, stop, and share size arrive precomputed; this system never derives
// them.
type SignalCore struct {
	Symbol    string
	Strategy  string
	Side      Side
	Entry     float64
	Stop      float64
	Shares    int
	TradeDate time.Time
}

func (c SignalCore) Key() SignalKey {
	return SignalKey{Symbol: c.Symbol, Strategy: c.Strategy, TradeDate: c.TradeDate}
}

// Signal is the tagged variant over the two concrete signal types.
type Signal interface {
	Admissible
	Core() SignalCore
	Kind() Kind
}

// DaySignal is an intraday signal; its position must exit the same session.
type DaySignal struct {
	SignalCore
}

func (s DaySignal) Core() SignalCore { return s.SignalCore }
func (s DaySignal) Kind() Kind       { return KindDay }

// SwingSignal is a multi-day, long-only signal held through the trading
// week. ExitDate is the scheduled timed exit.
type SwingSignal struct {
	SignalCore
	ExitDate time.Time
}

func (s SwingSignal) Core() SignalCore { return s.SignalCore }
func (s SwingSignal) Kind() Kind       { return KindSwing }

// OpenPosition is the record of a filled parent order. It is created and
// removed exclusively by the fill lifecycle tracker; everyone else receives
// copies.
type OpenPosition struct {
	Symbol   string
	Side     Side
	Kind     Kind
	Strategy string
	Qty      int

	FillPrice float64
	FillTime  time.Time

	// StopPrice is the protective stop carried over from the signal.
	StopPrice float64
	// ExitDate is the scheduled timed exit; zero for day positions.
	ExitDate time.Time

	ParentOrderID    OrderID
	StopOrderID      OrderID
	TimedExitOrderID OrderID

	TradeDate time.Time
}

// FlattenInstruction names one position that must be closed before a new
// entry is allowed. It is derived from an OpenPosition and never persisted.
type FlattenInstruction struct {
	Position OpenPosition
	Reason   string
}

var (
	// ErrGatewayUnavailable signals a transient broker connectivity failure.
	ErrGatewayUnavailable = errors.New("halyard: gateway unavailable")

	// ErrUnknownOrder is returned when an operation references an order id
	// the gateway no longer tracks.
	ErrUnknownOrder = errors.New("halyard: unknown order")
)

// Rejection classifies a broker order rejection pulled off the error event
// stream. Rejections are values, never panics.
type Rejection struct {
	OrderID OrderID
	Code    int
	Message string
}

func (r Rejection) Error() string {
	return fmt.Sprintf("order %d rejected (code %d): %s", r.OrderID, r.Code, r.Message)
}
