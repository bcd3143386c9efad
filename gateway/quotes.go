package gateway

import (
	"sync"

	"github.com/halyard/halyard/halyard"
)

// QuoteCache keeps the most recent tick per symbol. Consumers read borrowed
// copies at call time instead of holding live references into the feed.
type QuoteCache struct {
	mu    sync.RWMutex
	ticks map[string]halyard.Tick
}

// NewQuoteCache subscribes a fresh cache to the dispatcher's tick stream.
func NewQuoteCache(dispatch *Dispatcher) *QuoteCache {
	q := &QuoteCache{ticks: make(map[string]halyard.Tick)}
	dispatch.SubscribeTicks(q.apply)
	return q
}

func (q *QuoteCache) apply(tk halyard.Tick) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ticks[tk.Symbol] = tk
}

// Tick returns the latest tick for the symbol.
func (q *QuoteCache) Tick(symbol string) (halyard.Tick, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	tk, ok := q.ticks[symbol]
	return tk, ok
}

// Mid returns the latest mid price for the symbol.
func (q *QuoteCache) Mid(symbol string) (float64, bool) {
	tk, ok := q.Tick(symbol)
	if !ok {
		return 0, false
	}
	return tk.Mid(), true
}

// Symbols lists every symbol with a cached tick.
func (q *QuoteCache) Symbols() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.ticks))
	for sym := range q.ticks {
		out = append(out, sym)
	}
	return out
}
