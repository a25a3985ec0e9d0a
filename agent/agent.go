// Package agent wires the tracing core together: it exposes the hooks the
// host instrumentation calls, runs the background sampling and clock sync
// loops, and hands clock corrected traces and metrics to the transport.
package agent

import (
	"context"
	"github.com/juju/errors"
	"github.com/monti-apm/monti-apm-agent-sub000/activecontext"
	"github.com/monti-apm/monti-apm-agent-sub000/asynctracker"
	"github.com/monti-apm/monti-apm-agent-sub000/bookkeeper"
	"github.com/monti-apm/monti-apm-agent-sub000/clocksync"
	"github.com/monti-apm/monti-apm-agent-sub000/monitoring"
	"github.com/monti-apm/monti-apm-agent-sub000/storage"
	"github.com/monti-apm/monti-apm-agent-sub000/tracer"
	"github.com/monti-apm/monti-apm-agent-sub000/tracestore"
	"github.com/monti-apm/monti-apm-agent-sub000/util"
	"github.com/monti-apm/monti-apm-agent-sub000/waittime"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"sync"
	"time"
)

var kinds = []tracer.Kind{tracer.KindMethod, tracer.KindSub, tracer.KindJob, tracer.KindHTTP}

type options struct {
	clock      util.Clock
	prober     clocksync.Prober
	registerer prometheus.Registerer
	spool      storage.Provider
	logger     *zap.Logger
}

type Option func(*options)

// WithClock replaces the wall clock for every component.
func WithClock(clock util.Clock) Option {
	return func(o *options) { o.clock = clock }
}

func WithProber(prober clocksync.Prober) Option {
	return func(o *options) { o.prober = prober }
}

// WithRegisterer registers the self metrics on reg instead of keeping them private.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

func WithSpool(spool storage.Provider) Option {
	return func(o *options) { o.spool = spool }
}

// WithLogger makes l the shared logger instead of building one from the log config.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

type Agent struct {
	config     util.AgentConfig
	clock      util.Clock
	tracer     *tracer.Tracer
	contexts   activecontext.Propagator
	tracker    *asynctracker.Tracker
	waits      *waittime.Builder
	stores     map[tracer.Kind]*tracestore.Store
	clockSync  *clocksync.ClockSync
	bookKeeper bookkeeper.BookKeeper
	spool      storage.Provider
	metrics    *monitoring.Metrics

	liveLock sync.Mutex
	live     map[string]*tracer.Trace

	warnings rate.Sometimes

	runLock sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(config util.AgentConfig, opts ...Option) (*Agent, error) {
	o := options{clock: util.SystemClock}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger != nil {
		util.UseLogger(o.logger)
	} else if err := util.SetupLoggerConfig(config.Logger); err != nil {
		logger := util.GetLogger("agent", "New")
		logger.Warn("Keeping the current logger", zap.Error(err))
	}

	contexts, err := activecontext.New(config.Context.Mode)
	if err != nil {
		return nil, err
	}
	a := &Agent{
		config:   config,
		clock:    o.clock,
		contexts: contexts,
		waits:    waittime.New(o.clock),
		stores:   map[tracer.Kind]*tracestore.Store{},
		metrics:  monitoring.NewMetrics(o.registerer),
		live:     map[string]*tracer.Trace{},
		warnings: rate.Sometimes{First: 10, Interval: time.Minute},
	}
	a.tracer = tracer.New(
		tracer.WithClock(o.clock),
		tracer.WithMaxEvents(config.Tracer.MaxEvents),
		tracer.WithEventStackTrace(config.Tracer.EventStackTrace),
	)
	a.tracker = asynctracker.New(contexts, a.tracer, o.clock, asynctracker.Config{
		MinDuration:  config.Async.MinDuration.Duration,
		CaptureStack: config.Async.CaptureStack,
		MaxAncestry:  config.Async.MaxAncestry,
	})
	a.tracker.OnAttribute(func(*tracer.Trace, *tracer.Event) {
		a.metrics.AsyncEvents.Inc()
	})

	for _, kind := range kinds {
		a.stores[kind] = tracestore.New(kind, tracestore.Config{
			MaxTotalPoints: config.Store.MaxTotalPoints,
			ArchiveEvery:   config.Store.ArchiveEvery,
			MadThreshold:   config.Store.MadThreshold,
		})
	}

	prober := o.prober
	if prober == nil {
		prober = clocksync.NewHTTPProber(config.Clock.Endpoint, config.Clock.Timeout.Duration)
	}
	a.clockSync = clocksync.New(prober, o.clock, clocksync.Config{
		MinBackoff:       config.Clock.MinBackoff.Duration,
		MaxBackoff:       config.Clock.MaxBackoff.Duration,
		MaxAttempts:      config.Clock.MaxAttempts,
		ResyncInterval:   config.Clock.ResyncInterval.Duration,
		FallbackInterval: config.Clock.FallbackInterval.Duration,
	})
	a.clockSync.OnSync(a.metrics.RecordClockSync)

	ttl := config.Tracer.TraceTTL.Duration
	if ttl <= 0 {
		ttl = util.DefaultConfig().Tracer.TraceTTL.Duration
	}
	a.bookKeeper, err = bookkeeper.New(context.Background(), bookkeeper.Config{TTL: ttl})
	if err != nil {
		return nil, err
	}
	a.bookKeeper.OnExpire(a.expireTrace)

	a.spool = o.spool
	if a.spool == nil {
		a.spool, err = storage.NewProviderFromConfig(config.Spool)
		if err != nil {
			_ = a.bookKeeper.Close()
			return nil, err
		}
	}
	return a, nil
}

// Start runs clock sync and trace sampling in the background until Stop is
// called or ctx is done.
func (a *Agent) Start(ctx context.Context) error {
	logger := util.GetLogger("agent", "Agent::Start")
	a.runLock.Lock()
	defer a.runLock.Unlock()
	if a.cancel != nil {
		return errors.AlreadyExistsf("running agent")
	}
	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.clockSync.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.processLoop(ctx)
	}()
	logger.Info("Agent started", zap.String("contextMode", a.config.Context.Mode), zap.String("spool", a.config.Spool.Type))
	return nil
}

// Stop ends the background loops and releases the spool and bookkeeper.
// Archived traces still in the spool stay there for a durable spool.
func (a *Agent) Stop() error {
	logger := util.GetLogger("agent", "Agent::Stop")
	a.runLock.Lock()
	if a.cancel != nil {
		a.cancel()
		a.wg.Wait()
		a.cancel = nil
	}
	a.runLock.Unlock()

	a.spoolArchived()
	var firstErr error
	if err := a.spool.Flush(); err != nil {
		firstErr = err
	}
	if err := a.bookKeeper.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.spool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		logger.Warn("Error when stopping agent", zap.Error(firstErr))
	}
	return firstErr
}

func (a *Agent) processLoop(ctx context.Context) {
	interval := a.config.Store.Interval.Duration
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.ProcessTraces()
		}
	}
}

// ProcessTraces closes a sampling tick on every store and moves the archived
// traces to the spool.
func (a *Agent) ProcessTraces() {
	for _, kind := range kinds {
		a.stores[kind].ProcessTraces()
	}
	a.spoolArchived()
	a.metrics.PendingAsync.Set(float64(a.tracker.Pending()))
}

func (a *Agent) Tracer() *tracer.Tracer {
	return a.tracer
}

func (a *Agent) Contexts() activecontext.Propagator {
	return a.contexts
}

// AsyncHooks returns the receiver of the host's async resource lifecycle signals.
func (a *Agent) AsyncHooks() *asynctracker.Tracker {
	return a.tracker
}

func (a *Agent) ClockSync() *clocksync.ClockSync {
	return a.clockSync
}

func (a *Agent) Metrics() *monitoring.Metrics {
	return a.metrics
}
