package halyard

import "time"

// OrderStatus mirrors the broker's order-status vocabulary. Only the
// terminal values drive state transitions; everything else is pass-through.
type OrderStatus string

const (
	StatusSubmitted    OrderStatus = "Submitted"
	StatusPreSubmitted OrderStatus = "PreSubmitted"
	StatusFilled       OrderStatus = "Filled"
	StatusCancelled    OrderStatus = "Cancelled"
	StatusApiCancelled OrderStatus = "ApiCancelled"
	StatusInactive     OrderStatus = "Inactive"
)

// Terminal reports whether the status ends the order's lifecycle.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusApiCancelled, StatusInactive:
		return true
	}
	return false
}

// IsCancel reports whether the status is a terminal non-fill.
func (s OrderStatus) IsCancel() bool {
	switch s {
	case StatusCancelled, StatusApiCancelled, StatusInactive:
		return true
	}
	return false
}

// OrderStatusEvent is the broker's summary view of an order. For a single
// order id events arrive in broker order; duplicates of a terminal event
// must be tolerated.
type OrderStatusEvent struct {
	OrderID      OrderID
	Status       OrderStatus
	Filled       float64
	Remaining    float64
	AvgFillPrice float64
	Time         time.Time
}

// ExecutionEvent is one partial or complete execution against an order.
type ExecutionEvent struct {
	OrderID OrderID
	ExecID  string
	Symbol  string
	Qty     float64
	Price   float64
	Time    time.Time
}

// Tick is a top-of-book update for one symbol.
type Tick struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
	Time   time.Time
}

// Mid returns the bid/ask midpoint, falling back to the last trade when one
// side of the book is empty.
func (t Tick) Mid() float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return t.Last
}

// ErrorEvent is a broker error tied to an order (or order id 0 for
// connection-level errors).
type ErrorEvent struct {
	OrderID OrderID
	Code    int
	Message string
	Time    time.Time
}
