package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/halyard/halyard/engine"
	"github.com/halyard/halyard/halyard"
	hlog "github.com/halyard/halyard/log"
)

// signalDecider is the engine surface the workers drive.
type signalDecider interface {
	Decide(ctx context.Context, sig halyard.Signal) (engine.Result, error)
}

// signalLookup resolves a queued key back to its full signal. Keys whose
// signal disappeared between enqueue and processing are dropped.
type signalLookup func(halyard.SignalKey) (halyard.Signal, bool)

// runSignalWorker processes items from the signal queue
func runSignalWorker(ctx context.Context, wg *sync.WaitGroup, q workqueue.TypedRateLimitingInterface[halyard.SignalKey], dec signalDecider, lookup signalLookup) {
	defer wg.Done()

	for {
		key, shutdown := q.Get()
		if shutdown {
			return
		}
		reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		processSignal(reqCtx, q, dec, lookup, key)
		cancel()
	}
}

// processSignal handles a single signal key from the queue
func processSignal(ctx context.Context, q workqueue.TypedRateLimitingInterface[halyard.SignalKey], dec signalDecider, lookup signalLookup, key halyard.SignalKey) {
	logger := hlog.LoggerFromContext(ctx).With("signal", key.String())
	defer q.Done(key)

	sig, ok := lookup(key)
	if !ok {
		logger.Debug("signal no longer loaded; dropping")
		q.Forget(key)
		return
	}

	res, err := dec.Decide(ctx, sig)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			q.Forget(key)
			return
		}
		if errors.Is(err, halyard.ErrGatewayUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			// Requeue with backoff so transient broker outages don't drop work
			q.AddRateLimited(key)
			return
		}

		logger.Debug("error deciding signal", slog.String("error", err.Error()))
		if q.NumRequeues(key) < 5 {
			q.AddRateLimited(key)
			return
		}
		q.Forget(key)
		return
	}

	if !res.Allowed {
		logger.Debug("signal denied", slog.String("reason", res.Reason))
	}
	q.Forget(key)
}
