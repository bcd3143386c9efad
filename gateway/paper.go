package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/halyard/halyard/halyard"
)

// Paper is an in-process OrderGateway used by tests and --paper runs.
// Orders never leave the process; tests script fills, cancels, and partial
// executions through the returned dispatcher.
type Paper struct {
	dispatch *Dispatcher

	mu        sync.Mutex
	nextID    halyard.OrderID
	orders    map[halyard.OrderID]PaperOrder
	cancelled map[halyard.OrderID]bool
	positions map[string]int
	bars      map[string][]halyard.DailyBar
	offline   bool
}

// PaperOrder is the recorded form of a placed order.
type PaperOrder struct {
	ID       halyard.OrderID
	Contract halyard.Contract
	Order    halyard.Order
	PlacedAt time.Time
}

func NewPaper(dispatch *Dispatcher) *Paper {
	return &Paper{
		dispatch:  dispatch,
		nextID:    1,
		orders:    make(map[halyard.OrderID]PaperOrder),
		cancelled: make(map[halyard.OrderID]bool),
		positions: make(map[string]int),
		bars:      make(map[string][]halyard.DailyBar),
	}
}

// SetOffline makes subsequent gateway calls fail, for exercising retry
// paths.
func (p *Paper) SetOffline(offline bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline = offline
}

func (p *Paper) Qualify(ctx context.Context, symbol string) (halyard.Contract, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offline {
		return halyard.Contract{}, halyard.ErrGatewayUnavailable
	}
	return halyard.Contract{Symbol: symbol, Exchange: "SMART", Currency: "USD"}, nil
}

func (p *Paper) Place(ctx context.Context, contract halyard.Contract, order halyard.Order) (halyard.OrderID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offline {
		return 0, halyard.ErrGatewayUnavailable
	}

	id := p.nextID
	p.nextID++
	p.orders[id] = PaperOrder{ID: id, Contract: contract, Order: order, PlacedAt: time.Now().UTC()}
	return id, nil
}

func (p *Paper) Cancel(ctx context.Context, id halyard.OrderID) error {
	p.mu.Lock()
	if p.offline {
		p.mu.Unlock()
		return halyard.ErrGatewayUnavailable
	}
	if _, ok := p.orders[id]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("cancel %d: %w", id, halyard.ErrUnknownOrder)
	}
	p.cancelled[id] = true
	p.mu.Unlock()

	p.dispatch.PublishOrderStatus(halyard.OrderStatusEvent{
		OrderID: id,
		Status:  halyard.StatusCancelled,
		Time:    time.Now().UTC(),
	})
	return nil
}

// LivePosition implements halyard.PositionPoller.
func (p *Paper) LivePosition(ctx context.Context, symbol string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offline {
		return 0, halyard.ErrGatewayUnavailable
	}
	return p.positions[symbol], nil
}

// SetLivePosition seeds the broker-side position the poller reports.
func (p *Paper) SetLivePosition(symbol string, qty int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[symbol] = qty
}

// HistoricalDailyBars implements halyard.BarSource.
func (p *Paper) HistoricalDailyBars(ctx context.Context, symbol string, days int) ([]halyard.DailyBar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offline {
		return nil, halyard.ErrGatewayUnavailable
	}
	bars := p.bars[symbol]
	if len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	out := make([]halyard.DailyBar, len(bars))
	copy(out, bars)
	return out, nil
}

// SeedBars installs the historical bars the paper gateway serves.
func (p *Paper) SeedBars(symbol string, bars []halyard.DailyBar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars[symbol] = append([]halyard.DailyBar{}, bars...)
}

// Order returns the recorded order ticket for id.
func (p *Paper) Order(id halyard.OrderID) (PaperOrder, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[id]
	return po, ok
}

// Cancelled reports whether Cancel was called for id.
func (p *Paper) Cancelled(id halyard.OrderID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled[id]
}

// PlacedCount returns how many orders were placed.
func (p *Paper) PlacedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.orders)
}

// Execute scripts one (possibly partial) execution for an order and emits
// the matching events, adjusting the simulated broker position.
func (p *Paper) Execute(id halyard.OrderID, qty float64, price float64, terminal bool) {
	p.mu.Lock()
	po, ok := p.orders[id]
	if ok {
		delta := int(qty)
		if po.Order.Action == halyard.Sell {
			delta = -delta
		}
		p.positions[po.Contract.Symbol] += delta
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	now := time.Now().UTC()
	p.dispatch.PublishExecution(halyard.ExecutionEvent{
		OrderID: id,
		ExecID:  fmt.Sprintf("%d.%d", id, now.UnixNano()),
		Symbol:  po.Contract.Symbol,
		Qty:     qty,
		Price:   price,
		Time:    now,
	})
	if terminal {
		p.dispatch.PublishOrderStatus(halyard.OrderStatusEvent{
			OrderID:      id,
			Status:       halyard.StatusFilled,
			Filled:       float64(po.Order.Qty),
			Remaining:    0,
			AvgFillPrice: price,
			Time:         now,
		})
	}
}

// Fill executes the order's full quantity at price in one shot.
func (p *Paper) Fill(id halyard.OrderID, price float64) {
	po, ok := p.Order(id)
	if !ok {
		return
	}
	p.Execute(id, float64(po.Order.Qty), price, true)
}
