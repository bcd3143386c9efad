package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"k8s.io/client-go/util/workqueue"

	"github.com/halyard/halyard/bracket"
	"github.com/halyard/halyard/cmd/halyard/internal/config"
	"github.com/halyard/halyard/conflict"
	"github.com/halyard/halyard/engine"
	"github.com/halyard/halyard/filltracker"
	"github.com/halyard/halyard/flatten"
	"github.com/halyard/halyard/gap"
	"github.com/halyard/halyard/gateway"
	"github.com/halyard/halyard/halyard"
	"github.com/halyard/halyard/internal/api"
	"github.com/halyard/halyard/ledger"
	hlog "github.com/halyard/halyard/log"
	"github.com/halyard/halyard/marketcal"
	"github.com/halyard/halyard/metrics"
	"github.com/halyard/halyard/pkg/sqllogger"
	"github.com/halyard/halyard/reentry"
	"github.com/halyard/halyard/statedoc"
	"github.com/halyard/halyard/storage"
)

// App owns every long-lived component. Execution is paper-only for now; a
// live broker adapter plugs in behind halyard.OrderGateway without touching
// the rest of the wiring.
type App struct {
	cfg    config.AppConfig
	logger *slog.Logger
	loc    *time.Location

	store     *statedoc.Store
	journal   *storage.Storage
	dispatch  *gateway.Dispatcher
	paper     *gateway.Paper
	quotes    *gateway.QuoteCache
	ledger    *ledger.Ledger
	tracker   *filltracker.Tracker
	flattener *flatten.Executor
	engine    *engine.Engine
	reentry   *reentry.Coordinator
	gap       *gap.Engine
	metrics   *metrics.Metrics
	registry  *prometheus.Registry

	logSink *sqllogger.Handler

	mu      sync.Mutex
	signals map[halyard.SignalKey]halyard.Signal

	now          func() time.Time
	lastOpenDate string
	lastRollDate string
}

func newApp(cfg config.AppConfig, logger *slog.Logger) (*App, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		loc:     loc,
		signals: make(map[halyard.SignalKey]halyard.Signal),
		now:     time.Now,
	}

	a.journal, err = storage.New(cfg.JournalPath)
	if err != nil {
		return nil, err
	}

	// Warnings and errors also land in the journal, so an operator can read
	// a session's log next to its decisions.
	a.logSink, err = sqllogger.New(func(ctx context.Context, e sqllogger.Entry) error {
		return a.journal.RecordLogEntry(ctx, e.Time, e.Level, e.Scope, e.Message, e.AttrsJSON)
	}, sqllogger.WithMinLevel(slog.LevelWarn))
	if err != nil {
		return nil, err
	}
	logger = slog.New(hlog.NewMultiHandler(logger.Handler(), a.logSink))
	a.logger = logger

	a.store = statedoc.Open(cfg.StatePath, logger)

	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)

	a.dispatch = gateway.NewDispatcher(logger)
	a.paper = gateway.NewPaper(a.dispatch)
	a.quotes = gateway.NewQuoteCache(a.dispatch)

	a.ledger = ledger.New(a.store, ledger.Caps{
		DayGlobal:        cfg.DayGlobalCap,
		DayPerStrategy:   cfg.DayPerStrategyCap,
		SwingGlobal:      cfg.SwingGlobalCap,
		SwingPerStrategy: cfg.SwingPerStrategy,
	}, logger)

	a.tracker = filltracker.New(a.ledger, a.store, a.journal, a.paper, logger)
	a.flattener = flatten.New(a.paper, a.paper, a.tracker, a.store, logger,
		flatten.WithRetryCounter(a.metrics.FlattenRetries))
	builder := bracket.New(logger, bracket.WithLocation(loc))

	a.engine = engine.New(engine.Deps{
		Ledger:    a.ledger,
		Resolver:  conflict.New(logger),
		Tracker:   a.tracker,
		Flattener: a.flattener,
		Builder:   builder,
		Gateway:   a.paper,
		Store:     a.store,
		Journal:   a.journal,
		Metrics:   a.metrics,
		Logger:    logger,
	})

	a.reentry = reentry.New(reentry.Deps{
		Store:   a.store,
		Ledger:  a.ledger,
		Tracker: a.tracker,
		Builder: builder,
		Gateway: a.paper,
		Quotes:  a.quotes,
		Logger:  logger,
	}, reentry.WithLocation(loc))
	a.engine.SetReentryHook(a.reentry)

	a.gap = gap.New(gap.Deps{
		Store:    a.store,
		Ledger:   a.ledger,
		Admitter: a.engine,
		Quotes:   a.quotes,
		Bars:     a.paper,
		Journal:  a.journal,
		Metrics:  a.metrics,
		Logger:   logger,
	}, gap.WithStopDistance(cfg.GapStopDistance))

	a.wireEvents()
	return a, nil
}

// wireEvents connects the broker event stream to the tracker, the re-entry
// coordinator, and the metric counters.
func (a *App) wireEvents() {
	ctx := context.Background()

	a.dispatch.SubscribeOrderStatus(func(evt halyard.OrderStatusEvent) {
		// Exit legs and bracket children reach terminal states too; the
		// counters track entry parents only.
		wasParent := evt.Status.Terminal() && a.tracker.PendingParent(evt.OrderID)
		a.tracker.HandleOrderStatus(ctx, evt)
		if wasParent {
			switch {
			case evt.Status == halyard.StatusFilled:
				a.metrics.Fills.Inc()
			case evt.Status.IsCancel():
				a.metrics.Cancels.Inc()
			}
		}
		a.updateGauges()
	})
	a.dispatch.SubscribeExecutions(func(evt halyard.ExecutionEvent) {
		a.tracker.HandleExecution(ctx, evt)
	})
	a.dispatch.SubscribeErrors(func(evt halyard.ErrorEvent) {
		a.logger.Warn("broker error event",
			slog.Int64("order_id", int64(evt.OrderID)),
			slog.Int("code", evt.Code),
			slog.String("message", evt.Message))
	})

	a.tracker.OnDayExit(func(pos halyard.OpenPosition) {
		a.reentry.OnDayTradeExit(ctx, pos.ParentOrderID)
	})
	a.tracker.OnDayCancelled(func(id halyard.OrderID, key halyard.SignalKey) {
		a.reentry.OnDayTradeCancelled(ctx, id)
	})
	a.tracker.OnTimedExitCancelled(func(pos halyard.OpenPosition) {
		a.logger.Error("timed exit cancelled while position open; manual exit required",
			slog.String("symbol", pos.Symbol),
			slog.Int64("parent_id", int64(pos.ParentOrderID)))
	})
}

func (a *App) updateGauges() {
	a.metrics.OpenPositions.Set(float64(len(a.tracker.OpenPositions())))
	a.metrics.PendingOrders.Set(float64(a.tracker.PendingCount()))
}

// Run blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.journal.Close()
	defer func() {
		if err := a.logSink.Close(); err != nil {
			a.logger.Warn("log sink close failed", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		if err := a.store.Flush(); err != nil {
			a.logger.Error("final state flush failed", slog.String("error", err.Error()))
		}
	}()

	handler := api.NewHandler(a.store, a.tracker, a.reentry,
		api.WithLogger(a.logger),
		api.WithJournal(a.journal),
		api.WithRegistry(a.registry),
	)
	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	srv := &http.Server{
		Addr:    a.cfg.HTTPListen,
		Handler: corsMiddleware.Handler(handler.Routes()),
	}

	srvErrCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP API listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErrCh <- err
		}
	}()

	if a.cfg.FeedURL != "" {
		feed := gateway.NewTickFeed(a.cfg.FeedURL, a.dispatch, a.logger)
		go feed.Run(ctx)
	}

	a.recoverAtStartup(ctx)

	if err := a.reloadSignals(); err != nil {
		a.logger.Warn("loading signals failed", slog.String("error", err.Error()))
	}

	rl := workqueue.NewTypedMaxOfRateLimiter(
		workqueue.NewTypedItemExponentialFailureRateLimiter[halyard.SignalKey](1*time.Second, 30*time.Second),
	)
	q := workqueue.NewTypedRateLimitingQueueWithConfig(rl, workqueue.TypedRateLimitingQueueConfig[halyard.SignalKey]{
		Name: "signals",
	})

	workerCtx, cancelWorkers := context.WithCancel(hlog.ContextWithLogger(context.Background(), a.logger))
	defer cancelWorkers()

	var wg sync.WaitGroup
	for range a.cfg.SignalWorkers {
		wg.Add(1)
		go runSignalWorker(workerCtx, &wg, q, a.engine, a.lookupSignal)
	}

	a.enqueueSignals(q)
	a.sessionTick(ctx)

	ticker := time.NewTicker(a.cfg.ResyncInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-srvErrCh:
			a.logger.Error("HTTP server failed", slog.String("error", err.Error()))
			break loop
		case <-ticker.C:
			if err := a.reloadSignals(); err != nil {
				a.logger.Warn("reloading signals failed", slog.String("error", err.Error()))
			}
			a.enqueueSignals(q)
			a.sessionTick(ctx)
		}
	}

	a.logger.Info("shutdown requested; draining queue")
	q.ShutDownWithDrain()

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-waitCtx.Done():
		cancelWorkers()
	}
	<-done

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Warn("HTTP shutdown error", slog.String("error", err.Error()))
	}

	a.logger.Debug("drained; fully shutdown")
	return nil
}

// recoverAtStartup replays the durable intents a previous run left behind:
// deferred flattens, phantom slot reservations, and candidates whose
// blockers died with the process.
func (a *App) recoverAtStartup(ctx context.Context) {
	a.flattener.RetryDeferred(ctx)
	a.reentry.ReconcileSlots(a.now().In(a.loc))
	a.reentry.RecoverAtOpen(ctx)
	a.updateGauges()
}

func (a *App) reloadSignals() error {
	signals, err := loadSignals(a.cfg.SignalsPath)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.signals = make(map[halyard.SignalKey]halyard.Signal, len(signals))
	for _, sig := range signals {
		a.signals[sig.Key()] = sig
	}
	return nil
}

func (a *App) lookupSignal(key halyard.SignalKey) (halyard.Signal, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sig, ok := a.signals[key]
	return sig, ok
}

// enqueueSignals re-offers every loaded signal for today's session. The
// pipeline itself is idempotent: consumed and blocked signals are denied,
// not re-executed.
func (a *App) enqueueSignals(q workqueue.TypedRateLimitingInterface[halyard.SignalKey]) {
	today := marketcal.DayKey(a.now().In(a.loc))

	a.mu.Lock()
	defer a.mu.Unlock()
	for key, sig := range a.signals {
		if marketcal.DayKey(sig.Core().TradeDate) != today {
			continue
		}
		q.Add(key)
	}
}

// sessionTick runs the time-of-day duties: the open recovery pass and the
// gap check during market hours, the close roll after the session ends. All
// are idempotent per day.
func (a *App) sessionTick(ctx context.Context) {
	now := a.now().In(a.loc)
	if marketcal.IsWeekend(now) {
		return
	}

	today := marketcal.DayKey(now)
	minuteOfDay := now.Hour()*60 + now.Minute()
	const sessionOpen, sessionClose = 9*60 + 30, 16 * 60

	if minuteOfDay >= sessionOpen && minuteOfDay < sessionClose {
		if a.lastOpenDate != today {
			a.lastOpenDate = today
			a.flattener.RetryDeferred(ctx)
			a.reentry.RecoverAtOpen(ctx)
		}
		if err := a.gap.RunGapCheck(ctx, a.currentSignals()); err != nil {
			a.logger.Warn("gap check failed", slog.String("error", err.Error()))
		}
	}

	if minuteOfDay >= sessionClose {
		if a.lastRollDate != today {
			a.gap.RollCloses(now)
			a.lastRollDate = today
		}
	}

	a.metrics.ReservedSlots.Set(float64(a.ledger.ReservedCount("", now)))
}

func (a *App) currentSignals() []halyard.Signal {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]halyard.Signal, 0, len(a.signals))
	for _, sig := range a.signals {
		out = append(out, sig)
	}
	return out
}
