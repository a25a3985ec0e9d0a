package agent

import (
	"github.com/juju/errors"
	"github.com/monti-apm/monti-apm-agent-sub000/activecontext"
	"github.com/monti-apm/monti-apm-agent-sub000/tracer"
	"github.com/monti-apm/monti-apm-agent-sub000/util"
	"github.com/monti-apm/monti-apm-agent-sub000/waittime"
	"go.uber.org/zap"
)

// TraceStart creates the trace of one operation and opens its start event.
// It returns nil for an unknown kind, in which case the operation runs untraced.
func (a *Agent) TraceStart(name string, kind tracer.Kind, info tracer.Info, data tracer.EventData) *tracer.Trace {
	trace, err := a.tracer.Start(name, kind, info)
	if err != nil {
		a.metrics.TracesDropped.WithLabelValues(string(kind), "invalid_kind").Inc()
		return nil
	}
	if info.UserID != "" {
		if data == nil {
			data = tracer.EventData{}
		}
		data["userId"] = info.UserID
	}
	a.tracer.Event(trace, tracer.CategoryStart, data, nil)

	a.liveLock.Lock()
	a.live[trace.ID] = trace
	a.liveLock.Unlock()
	a.bookKeeper.MarkTraceStarted(trace.ID)
	return trace
}

// Run makes trace the active context of fn and of every continuation fn spawns.
func (a *Agent) Run(trace *tracer.Trace, fn func()) {
	if trace == nil {
		fn()
		return
	}
	a.contexts.RunWith(&activecontext.Context{Trace: trace, NoAsync: !a.config.Async.Enabled}, fn)
}

// TraceEvent opens an event on trace. An event that becomes the trace's
// active event also becomes the parent of async work started from here on.
func (a *Agent) TraceEvent(trace *tracer.Trace, category tracer.Category, data tracer.EventData, meta *tracer.EventMeta) *tracer.Event {
	event := a.tracer.Event(trace, category, data, meta)
	if event != nil && event == trace.ActiveEvent() {
		a.enterEvent(trace, event)
	}
	return event
}

func (a *Agent) TraceEventEnd(trace *tracer.Trace, event *tracer.Event, data tracer.EventData) bool {
	if !a.tracer.EventEnd(trace, event, data) {
		return false
	}
	a.enterEvent(trace, trace.ActiveEvent())
	return true
}

func (a *Agent) EndLastEvent(trace *tracer.Trace) bool {
	if !a.tracer.EndLastEvent(trace) {
		return false
	}
	a.enterEvent(trace, trace.ActiveEvent())
	return true
}

func (a *Agent) enterEvent(trace *tracer.Trace, event *tracer.Event) {
	current := a.contexts.Current()
	if current == nil || current.Trace != trace || current.Event == event {
		return
	}
	a.contexts.EnterWith(current.WithEvent(event))
}

// Complete closes trace with a complete event when the host did not end it,
// builds it and hands it to the store of its kind. A malformed trace is
// dropped and its error returned.
func (a *Agent) Complete(trace *tracer.Trace) error {
	if trace == nil {
		return errors.NotValidf("nil trace")
	}
	if !trace.Terminal() {
		a.tracer.Event(trace, tracer.CategoryComplete, nil, nil)
	}
	return a.finish(trace)
}

// Fail closes trace with an error event carrying message and stack.
func (a *Agent) Fail(trace *tracer.Trace, message, stack string) error {
	if trace == nil {
		return errors.NotValidf("nil trace")
	}
	if !trace.Terminal() {
		errData := map[string]interface{}{"message": message}
		if stack != "" {
			errData["stack"] = stack
		}
		a.tracer.Event(trace, tracer.CategoryError, tracer.EventData{"error": errData}, nil)
	}
	return a.finish(trace)
}

func (a *Agent) finish(trace *tracer.Trace) error {
	logger := util.GetLogger("agent", "Agent::finish")
	a.forget(trace)

	if err := a.tracer.BuildTrace(trace); err != nil {
		a.metrics.TracesDropped.WithLabelValues(string(trace.Kind), "malformed").Inc()
		a.warnings.Do(func() {
			logger.Warn("Dropping malformed trace", zap.String("trace", trace.ID), zap.String("name", trace.Name), zap.Error(err))
		})
		return err
	}
	a.metrics.TracesBuilt.WithLabelValues(string(trace.Kind)).Inc()
	store, ok := a.stores[trace.Kind]
	if !ok || !store.AddTrace(trace) {
		a.metrics.TracesDropped.WithLabelValues(string(trace.Kind), "no_store").Inc()
		return errors.NotFoundf("store for kind %q", trace.Kind)
	}
	return nil
}

// forget removes trace from the live set and drops its pending async work.
func (a *Agent) forget(trace *tracer.Trace) {
	a.liveLock.Lock()
	delete(a.live, trace.ID)
	a.liveLock.Unlock()
	a.bookKeeper.MarkTraceEnded(trace.ID)
	a.tracker.Forget(trace.ID)
}

// expireTrace evicts a trace whose operation never completed within the TTL.
func (a *Agent) expireTrace(traceID string) {
	logger := util.GetLogger("agent", "Agent::expireTrace")
	a.liveLock.Lock()
	trace, ok := a.live[traceID]
	delete(a.live, traceID)
	a.liveLock.Unlock()
	if !ok {
		return
	}
	trace.Seal()
	resources := a.tracker.Forget(traceID)
	a.waits.Evict(trace.SessionID, trace.MsgID)
	a.metrics.TracesExpired.Inc()
	logger.Debug("Evicted unfinished trace", zap.String("trace", traceID), zap.String("name", trace.Name), zap.Int("asyncResources", resources))
}

// LiveTraces returns the number of started traces not yet completed or expired.
func (a *Agent) LiveTraces() int {
	a.liveLock.Lock()
	defer a.liveLock.Unlock()
	return len(a.live)
}

// BeginWait snapshots what the operation is queued behind and opens its wait event.
func (a *Agent) BeginWait(trace *tracer.Trace, session waittime.Session) *tracer.Event {
	if trace == nil || trace.Closed() {
		return nil
	}
	a.waits.Register(session, trace.MsgID)
	event := a.TraceEvent(trace, tracer.CategoryWait, nil, nil)
	if event == nil {
		a.waits.Evict(session.ID(), trace.MsgID)
	}
	return event
}

// EndWait closes the wait event with the messages the operation waited on.
func (a *Agent) EndWait(trace *tracer.Trace, session waittime.Session, event *tracer.Event) bool {
	if trace == nil {
		return false
	}
	waitOn := a.waits.Build(session, trace.MsgID)
	return a.TraceEventEnd(trace, event, tracer.EventData{"waitOn": waitOn})
}

// TrackWaitTime marks msg as being processed on session. The returned func
// must be called when msg stops blocking the queue; it calls unblock once.
func (a *Agent) TrackWaitTime(session waittime.Session, msg waittime.Message, unblock func()) func() {
	return a.waits.TrackWaitTime(session, msg, unblock)
}

// AddFilter registers an event data filter. Failing filters are evicted
// and reported to onError.
func (a *Agent) AddFilter(filter tracer.Filter, onError func(error)) func() {
	return a.tracer.AddFilter(filter, func(err error) {
		a.metrics.FiltersEvicted.Inc()
		if onError != nil {
			onError(err)
		}
	})
}
