package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/halyard/halyard/halyard"
	"github.com/halyard/halyard/marketcal"
)

// signalSpec is the on-disk form of one precomputed signal. Entry, stop, and
// share size arrive from the upstream scanner; nothing is derived here.
type signalSpec struct {
	Symbol    string  `json:"symbol"`
	Strategy  string  `json:"strategy"`
	Side      string  `json:"side"`
	Kind      string  `json:"kind"`
	Entry     float64 `json:"entry"`
	Stop      float64 `json:"stop"`
	Shares    int     `json:"shares"`
	TradeDate string  `json:"trade_date"`
	ExitDate  string  `json:"exit_date,omitempty"`
}

func (s signalSpec) toSignal() (halyard.Signal, error) {
	tradeDate, err := time.Parse("2006-01-02", s.TradeDate)
	if err != nil {
		return nil, fmt.Errorf("signal %s/%s: invalid trade_date %q: %w", s.Symbol, s.Strategy, s.TradeDate, err)
	}

	var side halyard.Side
	switch s.Side {
	case "long", "":
		side = halyard.SideLong
	case "short":
		side = halyard.SideShort
	default:
		return nil, fmt.Errorf("signal %s/%s: unknown side %q", s.Symbol, s.Strategy, s.Side)
	}

	core := halyard.SignalCore{
		Symbol:    s.Symbol,
		Strategy:  s.Strategy,
		Side:      side,
		Entry:     s.Entry,
		Stop:      s.Stop,
		Shares:    s.Shares,
		TradeDate: tradeDate,
	}
	if core.Symbol == "" || core.Strategy == "" {
		return nil, fmt.Errorf("signal missing symbol or strategy")
	}
	if core.Shares <= 0 {
		return nil, fmt.Errorf("signal %s/%s: shares must be positive, got %d", s.Symbol, s.Strategy, s.Shares)
	}

	switch s.Kind {
	case "day", "":
		return halyard.DaySignal{SignalCore: core}, nil
	case "swing":
		if side == halyard.SideShort {
			return nil, fmt.Errorf("signal %s/%s: swing signals are long-only", s.Symbol, s.Strategy)
		}
		exitDate := marketcal.WeekEnd(tradeDate)
		if s.ExitDate != "" {
			exitDate, err = time.Parse("2006-01-02", s.ExitDate)
			if err != nil {
				return nil, fmt.Errorf("signal %s/%s: invalid exit_date %q: %w", s.Symbol, s.Strategy, s.ExitDate, err)
			}
		}
		return halyard.SwingSignal{SignalCore: core, ExitDate: exitDate}, nil
	default:
		return nil, fmt.Errorf("signal %s/%s: unknown kind %q", s.Symbol, s.Strategy, s.Kind)
	}
}

// loadSignals reads the signals file. A missing file is not an error; the
// service starts with an empty book and picks signals up on the next resync.
func loadSignals(path string) ([]halyard.Signal, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading signals file: %w", err)
	}

	var specs []signalSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("parsing signals file: %w", err)
	}

	signals := make([]halyard.Signal, 0, len(specs))
	for _, spec := range specs {
		sig, err := spec.toSignal()
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	return signals, nil
}
