// Package conflict decides which open positions must be flattened before a
// new signal may enter its symbol. It is a pure function of the signal and
// the positions handed to it: no hidden state, safe to call repeatedly,
// side effects limited to logging.
package conflict

import (
	"fmt"
	"log/slog"

	"github.com/halyard/halyard/halyard"
)

// Decision names the close actions required before entry. The caller acts
// on each instruction and reacts to its failure; this package never
// executes anything.
type Decision struct {
	AllowEntry bool
	Flattens   []halyard.FlattenInstruction
}

// Resolver resolves same-symbol conflicts.
type Resolver struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger.WithGroup("conflict")}
}

// Resolve inspects the open positions on the signal's symbol. Same-side
// positions co-exist; every opposite-side position yields one
// FlattenInstruction that must complete before entry.
func (r *Resolver) Resolve(sig halyard.Signal, open []halyard.OpenPosition) Decision {
	core := sig.Core()
	decision := Decision{AllowEntry: true}

	for _, pos := range open {
		if pos.Symbol != core.Symbol {
			continue
		}
		if pos.Side == core.Side {
			continue
		}

		reason := fmt.Sprintf("opposite-side %s %s blocks incoming %s %s",
			pos.Kind, pos.Side, sig.Kind(), core.Side)
		decision.Flattens = append(decision.Flattens, halyard.FlattenInstruction{
			Position: pos,
			Reason:   reason,
		})
		r.logger.Info("conflict requires flatten",
			slog.String("symbol", core.Symbol),
			slog.String("strategy", core.Strategy),
			slog.String("blocking_kind", pos.Kind.String()),
			slog.String("blocking_side", pos.Side.String()),
			slog.Int64("parent_order", int64(pos.ParentOrderID)),
		)
	}

	return decision
}
