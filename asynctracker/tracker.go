// Package asynctracker attributes deferred continuations back to the trace
// that created them, turning each settled continuation into an "async" event.
package asynctracker

import (
	"github.com/monti-apm/monti-apm-agent-sub000/activecontext"
	"github.com/monti-apm/monti-apm-agent-sub000/tracer"
	"github.com/monti-apm/monti-apm-agent-sub000/util"
	"go.uber.org/zap"
	"sync"
	"time"
)

// KindPromise is the only resource kind that represents a logical continuation.
const KindPromise = "PROMISE"

const (
	DefaultMinDuration = time.Millisecond
	DefaultMaxAncestry = 64
	stackFrames        = 10
)

type Resource struct {
	ID        uint64
	TriggerID uint64
	InitAt    time.Duration
	StartAt   time.Duration
	EndAt     time.Duration
	Level     int
	Stack     string
	Context   *activecontext.Context
}

type Config struct {
	MinDuration  time.Duration
	CaptureStack bool
	MaxAncestry  int
}

type Tracker struct {
	lock        sync.Mutex
	resources   map[uint64]*Resource
	contexts    activecontext.Propagator
	tracer      *tracer.Tracer
	clock       util.Clock
	config      Config
	onAttribute func(trace *tracer.Trace, event *tracer.Event)
}

func New(contexts activecontext.Propagator, tr *tracer.Tracer, clock util.Clock, config Config) *Tracker {
	if config.MinDuration <= 0 {
		config.MinDuration = DefaultMinDuration
	}
	if config.MaxAncestry <= 0 {
		config.MaxAncestry = DefaultMaxAncestry
	}
	if clock == nil {
		clock = util.SystemClock
	}
	return &Tracker{
		resources: map[uint64]*Resource{},
		contexts:  contexts,
		tracer:    tr,
		clock:     clock,
		config:    config,
	}
}

// OnAttribute registers a callback run after an async event was attached.
func (t *Tracker) OnAttribute(fn func(trace *tracer.Trace, event *tracer.Event)) {
	t.onAttribute = fn
}

func (t *Tracker) Init(id uint64, kind string, triggerID uint64) {
	t.contexts.Created(id, triggerID)
	if kind != KindPromise {
		return
	}
	ctx := t.contexts.Current()
	if ctx == nil || ctx.Trace == nil || ctx.NoAsync || ctx.Trace.Closed() {
		return
	}
	resource := &Resource{
		ID:        id,
		TriggerID: triggerID,
		InitAt:    t.clock(),
		Context:   ctx,
	}
	if t.config.CaptureStack {
		resource.Stack = util.CaptureStack(1, stackFrames)
	}
	t.lock.Lock()
	if parent, ok := t.resources[triggerID]; ok {
		resource.Level = parent.Level + 1
	}
	t.resources[id] = resource
	t.lock.Unlock()
}

func (t *Tracker) Before(id uint64) {
	t.contexts.Resumed(id)
	t.lock.Lock()
	if resource, ok := t.resources[id]; ok && resource.StartAt == 0 {
		resource.StartAt = t.clock()
	}
	t.lock.Unlock()
}

func (t *Tracker) After(id uint64) {
	t.contexts.Suspended(id)
}

// Settled folds the resource into an async event on its trace, nested under
// the event open at settle time. Short continuations and those of frozen
// traces are dropped.
func (t *Tracker) Settled(id uint64) {
	t.lock.Lock()
	resource, ok := t.resources[id]
	delete(t.resources, id)
	t.lock.Unlock()
	if !ok {
		return
	}
	resource.EndAt = t.clock()
	if resource.EndAt-resource.InitAt <= t.config.MinDuration {
		return
	}
	trace := resource.Context.Trace
	if trace.Closed() {
		return
	}
	data := tracer.EventData{"level": resource.Level}
	if resource.StartAt > 0 {
		data["startDelay"] = util.Millis(resource.StartAt - resource.InitAt)
	}
	event := &tracer.Event{
		Category: tracer.CategoryAsync,
		At:       resource.InitAt,
		EndAt:    resource.EndAt,
		Data:     data,
		Stack:    resource.Stack,
	}
	if !t.tracer.Attach(trace, trace.ActiveEvent(), event) {
		logger := util.GetLogger("asynctracker", "Tracker::Settled")
		logger.Debug("Async event not attached", zap.String("trace", trace.ID), zap.Uint64("resource", id))
		return
	}
	if t.onAttribute != nil {
		t.onAttribute(trace, event)
	}
}

func (t *Tracker) Destroy(id uint64) {
	t.contexts.Released(id)
	t.lock.Lock()
	delete(t.resources, id)
	t.lock.Unlock()
}

// Ancestry returns the tracked ancestors of id, nearest first. The walk is
// bounded and stops on cycles.
func (t *Tracker) Ancestry(id uint64) []uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()
	resource, ok := t.resources[id]
	if !ok {
		return nil
	}
	return t.ancestryLocked(resource.TriggerID)
}

// ancestryLocked walks up from parentID, which is included when tracked.
func (t *Tracker) ancestryLocked(parentID uint64) []uint64 {
	var chain []uint64
	seen := map[uint64]bool{}
	for next := parentID; len(chain) < t.config.MaxAncestry; {
		resource, ok := t.resources[next]
		if !ok || seen[next] {
			break
		}
		seen[next] = true
		chain = append(chain, next)
		next = resource.TriggerID
	}
	return chain
}

// Forget drops pending resources of the trace with the given id.
func (t *Tracker) Forget(traceID string) int {
	t.lock.Lock()
	defer t.lock.Unlock()
	dropped := 0
	for id, resource := range t.resources {
		if resource.Context.Trace.ID == traceID {
			delete(t.resources, id)
			dropped++
		}
	}
	return dropped
}

func (t *Tracker) Pending() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.resources)
}
