// Package engine runs the admission pipeline: administrative blocks, then
// capacity, then conflicts, then flatten-first execution, then bracket
// placement and fill tracking. Every verdict is journaled with its reason.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/halyard/halyard/conflict"
	"github.com/halyard/halyard/filltracker"
	"github.com/halyard/halyard/flatten"
	"github.com/halyard/halyard/halyard"
	"github.com/halyard/halyard/ledger"
	"github.com/halyard/halyard/metrics"
	"github.com/halyard/halyard/signalid"
	"github.com/halyard/halyard/statedoc"
	"github.com/halyard/halyard/storage"
)

// ReentryHook lets the pipeline hand swing positions it is about to flatten
// over to the re-entry coordinator without a package cycle.
type ReentryHook interface {
	// StoreCandidate records a flattened swing position as a re-entry
	// candidate, reserving its slot. ok is false when no slot is available.
	StoreCandidate(pos halyard.OpenPosition) (id string, ok bool)
	// LinkDayTrade adds the day parent order as a blocker of the candidate.
	LinkDayTrade(id string, parent halyard.OrderID)
	// DropCandidate terminates the candidate and releases its slot.
	DropCandidate(id, reason string)
}

// UnprotectedParentError reports the worst placement outcome: a bracket leg
// failed and the parent could not be cancelled, so a position may fill with
// no protective stop. Callers must escalate rather than retry blindly.
type UnprotectedParentError struct {
	ParentID halyard.OrderID
	Err      error
}

func (e *UnprotectedParentError) Error() string {
	return fmt.Sprintf("parent order %d may fill unprotected: %v", e.ParentID, e.Err)
}

func (e *UnprotectedParentError) Unwrap() error { return e.Err }

// Result is the outcome of one admission decision.
type Result struct {
	Allowed bool
	Reason  string
	Placed  halyard.PlacedBracket
}

// Engine owns the decision path from signal to placed bracket.
type Engine struct {
	ledger    *ledger.Ledger
	resolver  *conflict.Resolver
	tracker   *filltracker.Tracker
	flattener *flatten.Executor
	builder   halyard.BracketBuilder
	gateway   halyard.OrderGateway
	store     *statedoc.Store
	journal   *storage.Storage
	metrics   *metrics.Metrics
	logger    *slog.Logger

	reentry ReentryHook
}

type Deps struct {
	Ledger    *ledger.Ledger
	Resolver  *conflict.Resolver
	Tracker   *filltracker.Tracker
	Flattener *flatten.Executor
	Builder   halyard.BracketBuilder
	Gateway   halyard.OrderGateway
	Store     *statedoc.Store
	Journal   *storage.Storage
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ledger:    deps.Ledger,
		resolver:  deps.Resolver,
		tracker:   deps.Tracker,
		flattener: deps.Flattener,
		builder:   deps.Builder,
		gateway:   deps.Gateway,
		store:     deps.Store,
		journal:   deps.Journal,
		metrics:   deps.Metrics,
		logger:    logger.WithGroup("engine"),
	}
}

// SetReentryHook wires the re-entry coordinator in after construction.
func (e *Engine) SetReentryHook(hook ReentryHook) {
	e.reentry = hook
}

// Gateway exposes the broker gateway for collaborators that place repair
// orders outside the pipeline.
func (e *Engine) Gateway() halyard.OrderGateway {
	return e.gateway
}

// Decide runs the full admission pipeline for one signal. Denials are
// expected outcomes, not errors; the error return is reserved for broker
// failures during execution.
func (e *Engine) Decide(ctx context.Context, sig halyard.Signal) (Result, error) {
	return e.decide(ctx, sig, false)
}

// DecideMarket runs the same pipeline but transmits the parent as an
// immediate market order. Used for gap entries at the open.
func (e *Engine) DecideMarket(ctx context.Context, sig halyard.Signal) (Result, error) {
	return e.decide(ctx, sig, true)
}

func (e *Engine) decide(ctx context.Context, sig halyard.Signal, market bool) (Result, error) {
	core := sig.Core()
	sid := signalid.New(core.Symbol, core.Strategy, core.TradeDate)
	logger := e.logger.With(
		slog.String("signal", sig.Key().String()),
		slog.String("signal_id", sid.Hex()))

	deny := func(reason string) Result {
		logger.Info("entry denied", slog.String("reason", reason))
		e.recordDecision(ctx, sid.Hex(), core, false, reason)
		e.metrics.Decided(false)
		return Result{Allowed: false, Reason: reason}
	}

	if e.signalConsumed(sig) {
		return deny("signal already filled"), nil
	}

	if blocked, reason := e.ledger.DayBlocked(core.Symbol, core.Strategy, core.TradeDate); blocked {
		return deny("day block: " + reason), nil
	}
	if blocked, reason := e.ledger.WeekBlocked(core.Symbol, core.Strategy, core.TradeDate); blocked {
		return deny("week block: " + reason), nil
	}

	if ok, reason := e.ledger.CanOpen(core.Strategy, core.TradeDate, sig.Kind()); !ok {
		return deny(reason), nil
	}

	decision := e.resolver.Resolve(sig, e.tracker.PositionsBySymbol(core.Symbol))
	if !decision.AllowEntry {
		return deny("conflict resolution refused entry"), nil
	}

	candidates, err := e.executeFlattens(ctx, sig, decision.Flattens)
	if err != nil {
		for _, id := range candidates {
			e.dropCandidate(id, "flatten failed before day entry")
		}
		return deny("conflicting position not flattened: " + err.Error()), nil
	}

	placed, err := e.place(ctx, sig, sid, market)
	if err != nil {
		for _, id := range candidates {
			e.dropCandidate(id, "entry placement failed")
		}
		e.recordDecision(ctx, sid.Hex(), core, false, "placement failed: "+err.Error())
		e.metrics.Decided(false)
		return Result{}, err
	}

	e.tracker.Register(sig, placed)
	for _, id := range candidates {
		e.reentry.LinkDayTrade(id, placed.ParentID)
	}

	e.recordDecision(ctx, sid.Hex(), core, true, "")
	e.recordPlacement(ctx, sig, placed)
	e.metrics.Decided(true)

	logger.Info("entry placed",
		slog.Int64("parent_id", int64(placed.ParentID)),
		slog.Int64("stop_id", int64(placed.StopID)),
		slog.Int64("timed_exit_id", int64(placed.TimedExitID)))
	return Result{Allowed: true, Placed: placed}, nil
}

// executeFlattens closes every conflicting position before entry. Swing
// positions flattened for an incoming day signal become re-entry candidates
// first, so the flatten cannot orphan them.
func (e *Engine) executeFlattens(ctx context.Context, sig halyard.Signal, instrs []halyard.FlattenInstruction) ([]string, error) {
	var candidates []string
	for _, instr := range instrs {
		if sig.Kind() == halyard.KindDay && instr.Position.Kind == halyard.KindSwing && e.reentry != nil {
			if id, ok := e.reentry.StoreCandidate(instr.Position); ok {
				candidates = append(candidates, id)
			}
		}
		if err := e.flattener.Flatten(ctx, instr); err != nil {
			return candidates, fmt.Errorf("flatten %s: %w", instr.Position.Symbol, err)
		}
	}
	return candidates, nil
}

// place transmits the bracket: parent first, then the linked exit legs. A
// leg failure rolls the parent back; a failed rollback is escalated for the
// operator because it can leave a position unprotected.
func (e *Engine) place(ctx context.Context, sig halyard.Signal, sid signalid.ID, market bool) (halyard.PlacedBracket, error) {
	core := sig.Core()

	contract, err := e.gateway.Qualify(ctx, core.Symbol)
	if err != nil {
		return halyard.PlacedBracket{}, fmt.Errorf("qualify %s: %w", core.Symbol, err)
	}

	var br halyard.Bracket
	switch s := sig.(type) {
	case halyard.DaySignal:
		br = e.builder.BuildDayBracket(s, core.TradeDate)
	case halyard.SwingSignal:
		br = e.builder.BuildSwingBracket(s, core.TradeDate)
	default:
		return halyard.PlacedBracket{}, fmt.Errorf("unsupported signal type %T", sig)
	}
	if market {
		br.Parent.Type = halyard.OrderTypeMarket
		br.Parent.LimitPrice = 0
	}
	br = e.builder.Link(br, "oca-"+sid.Hex())

	parentID, err := e.gateway.Place(ctx, contract, br.Parent)
	if err != nil {
		return halyard.PlacedBracket{}, fmt.Errorf("place parent: %w", err)
	}

	br.Stop.ParentID = parentID
	stopID, err := e.gateway.Place(ctx, contract, br.Stop)
	if err != nil {
		return halyard.PlacedBracket{}, e.rollbackParent(ctx, parentID, fmt.Errorf("place stop: %w", err))
	}

	br.TimedExit.ParentID = parentID
	timedID, err := e.gateway.Place(ctx, contract, br.TimedExit)
	if err != nil {
		return halyard.PlacedBracket{}, e.rollbackParent(ctx, parentID, fmt.Errorf("place timed exit: %w", err))
	}

	return halyard.PlacedBracket{ParentID: parentID, StopID: stopID, TimedExitID: timedID}, nil
}

// rollbackParent cancels the parent after a leg failure. A failed cancel is
// escalated as an UnprotectedParentError so the caller can record the
// hazard; it must not be retried blindly.
func (e *Engine) rollbackParent(ctx context.Context, parentID halyard.OrderID, cause error) error {
	if err := e.gateway.Cancel(ctx, parentID); err != nil {
		e.logger.Error("parent cancel after leg failure did not succeed; position may fill unprotected",
			slog.Int64("parent_id", int64(parentID)),
			slog.String("error", err.Error()))
		return &UnprotectedParentError{ParentID: parentID, Err: cause}
	}
	return cause
}

func (e *Engine) dropCandidate(id, reason string) {
	if e.reentry == nil {
		return
	}
	e.reentry.DropCandidate(id, reason)
}

// signalConsumed reports whether this signal's entry already filled, so a
// signal reload cannot re-arm it.
func (e *Engine) signalConsumed(sig halyard.Signal) bool {
	var filled bool
	key := sig.Key().String()
	e.store.View(func(d *statedoc.Document) {
		filled = d.SignalFills[key]
	})
	return filled
}

func (e *Engine) recordDecision(ctx context.Context, sid string, core halyard.SignalCore, allowed bool, reason string) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordDecision(ctx, sid, core.Symbol, core.Strategy, allowed, reason); err != nil {
		e.logger.Warn("journal decision failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) recordPlacement(ctx context.Context, sig halyard.Signal, placed halyard.PlacedBracket) {
	if e.journal == nil {
		return
	}
	core := sig.Core()
	err := e.journal.RecordPlacement(ctx, storage.Placement{
		ParentOrderID: placed.ParentID,
		Symbol:        core.Symbol,
		Strategy:      core.Strategy,
		Kind:          sig.Kind(),
		Side:          core.Side,
		Qty:           core.Shares,
		Bracket:       placed,
	})
	if err != nil {
		e.logger.Warn("journal placement failed", slog.String("error", err.Error()))
	}
}
