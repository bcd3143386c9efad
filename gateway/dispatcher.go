// Package gateway carries the broker-facing plumbing: a typed event
// dispatcher that fans broker callbacks out to registered handlers, a paper
// gateway for tests and dry runs, and a websocket tick feed with unbounded
// capped-backoff reconnection.
package gateway

import (
	"log/slog"
	"sync"

	"github.com/halyard/halyard/halyard"
)

// Dispatcher fans typed broker events out to subscribers. Events can arrive
// on different I/O paths concurrently; subscription and publication are
// both safe. A handler that panics is recovered and logged so one consumer
// cannot starve the rest.
type Dispatcher struct {
	logger *slog.Logger

	mu         sync.RWMutex
	statusSubs []func(halyard.OrderStatusEvent)
	execSubs   []func(halyard.ExecutionEvent)
	tickSubs   []func(halyard.Tick)
	errSubs    []func(halyard.ErrorEvent)
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger.WithGroup("dispatch")}
}

// SubscribeOrderStatus registers a handler for order-status events.
func (d *Dispatcher) SubscribeOrderStatus(fn func(halyard.OrderStatusEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statusSubs = append(d.statusSubs, fn)
}

// SubscribeExecutions registers a handler for execution details.
func (d *Dispatcher) SubscribeExecutions(fn func(halyard.ExecutionEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execSubs = append(d.execSubs, fn)
}

// SubscribeTicks registers a handler for top-of-book ticks.
func (d *Dispatcher) SubscribeTicks(fn func(halyard.Tick)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tickSubs = append(d.tickSubs, fn)
}

// SubscribeErrors registers a handler for broker error events.
func (d *Dispatcher) SubscribeErrors(fn func(halyard.ErrorEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errSubs = append(d.errSubs, fn)
}

// PublishOrderStatus delivers an order-status event to every subscriber.
func (d *Dispatcher) PublishOrderStatus(evt halyard.OrderStatusEvent) {
	d.mu.RLock()
	subs := d.statusSubs
	d.mu.RUnlock()
	for _, fn := range subs {
		d.deliver(func() { fn(evt) }, "order-status")
	}
}

// PublishExecution delivers an execution event to every subscriber.
func (d *Dispatcher) PublishExecution(evt halyard.ExecutionEvent) {
	d.mu.RLock()
	subs := d.execSubs
	d.mu.RUnlock()
	for _, fn := range subs {
		d.deliver(func() { fn(evt) }, "execution")
	}
}

// PublishTick delivers a tick to every subscriber.
func (d *Dispatcher) PublishTick(tick halyard.Tick) {
	d.mu.RLock()
	subs := d.tickSubs
	d.mu.RUnlock()
	for _, fn := range subs {
		d.deliver(func() { fn(tick) }, "tick")
	}
}

// PublishError delivers a broker error event to every subscriber.
func (d *Dispatcher) PublishError(evt halyard.ErrorEvent) {
	d.mu.RLock()
	subs := d.errSubs
	d.mu.RUnlock()
	for _, fn := range subs {
		d.deliver(func() { fn(evt) }, "error")
	}
}

func (d *Dispatcher) deliver(fn func(), kind string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				slog.String("event", kind), slog.Any("panic", r))
		}
	}()
	fn()
}
