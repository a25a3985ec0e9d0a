package tracer

import (
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/monti-apm/monti-apm-agent-sub000/util"
	"go.uber.org/zap"
	"time"
)

const (
	DefaultMaxEvents = 1500
	stackFrames      = 16
)

type Tracer struct {
	clock           util.Clock
	maxEvents       int
	eventStackTrace bool
	filters         *filterChain
}

type Option func(*Tracer)

func WithClock(clock util.Clock) Option {
	return func(t *Tracer) { t.clock = clock }
}

func WithMaxEvents(n int) Option {
	return func(t *Tracer) {
		if n > 0 {
			t.maxEvents = n
		}
	}
}

func WithEventStackTrace(enabled bool) Option {
	return func(t *Tracer) { t.eventStackTrace = enabled }
}

func New(options ...Option) *Tracer {
	t := &Tracer{
		clock:     util.SystemClock,
		maxEvents: DefaultMaxEvents,
		filters:   &filterChain{},
	}
	for _, option := range options {
		option(t)
	}
	return t
}

func (t *Tracer) Now() time.Duration {
	return t.clock()
}

// Start creates a trace for one logical operation. Unknown kinds are rejected
// and the operation runs untraced.
func (t *Tracer) Start(name string, kind Kind, info Info) (*Trace, error) {
	if !kind.Valid() {
		logger := util.GetLogger("tracer", "Tracer::Start")
		logger.Warn("Unknown trace kind", zap.String("kind", string(kind)), zap.String("name", name))
		return nil, errors.NotValidf("trace kind %q", kind)
	}
	msgID := info.MsgID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	return &Trace{
		ID:        info.SessionID + "::" + msgID,
		Kind:      kind,
		Name:      name,
		SessionID: info.SessionID,
		MsgID:     info.MsgID,
		UserID:    info.UserID,
	}, nil
}

// Event opens an event on the trace and returns it, or nil when the trace
// cannot take it. Non point events nest one level deep under the active
// event; a second concurrently open child is dropped.
func (t *Tracer) Event(trace *Trace, category Category, data EventData, meta *EventMeta) *Event {
	if trace == nil || trace.Closed() || trace.Terminal() {
		return nil
	}
	if len(trace.Events) == 0 && category != CategoryStart {
		return nil
	}
	if len(trace.Events) > 0 && category == CategoryStart {
		return nil
	}
	now := t.clock()
	event := &Event{Category: category, At: now}
	if category.point() {
		event.EndAt = now
		event.ended = true
	}

	active := trace.ActiveEvent()
	nest := active != nil && !category.point()
	if nest && active.lastNested().IsOpen() {
		return nil
	}

	if data != nil {
		event.Data = t.filters.apply(category, data, FilterInfo{Kind: trace.Kind, Name: trace.Name})
	}
	if meta != nil && meta.Name != "" {
		event.Name = meta.Name
	}
	if t.eventStackTrace {
		event.Stack = util.CaptureStack(1, stackFrames)
	}

	if nest {
		event.depth = active.depth + 1
		active.Nested = append(active.Nested, event)
		return event
	}
	trace.Events = append(trace.Events, event)
	if !category.point() {
		trace.activeEvent = event
	}
	return event
}

// EventEnd closes an open event and merges the filtered end data into it.
// Closing an already closed event changes nothing.
func (t *Tracer) EventEnd(trace *Trace, event *Event, data EventData) bool {
	if trace == nil || !event.IsOpen() || trace.IsEventsProcessed() {
		return false
	}
	event.EndAt = t.clock()
	event.ended = true
	if data != nil {
		filtered := t.filters.apply(event.Category, data, FilterInfo{Kind: trace.Kind, Name: trace.Name})
		if event.Data == nil {
			event.Data = EventData{}
		}
		for key, value := range filtered {
			event.Data[key] = value
		}
	}
	if trace.activeEvent == event {
		trace.activeEvent = nil
	}
	return true
}

// EndLastEvent force closes the most recent open top-level event along with
// any child it still has open.
func (t *Tracer) EndLastEvent(trace *Trace) bool {
	if trace == nil || trace.IsEventsProcessed() {
		return false
	}
	for i := len(trace.Events) - 1; i >= 0; i-- {
		event := trace.Events[i]
		if !event.IsOpen() {
			continue
		}
		now := t.clock()
		if child := event.lastNested(); child.IsOpen() {
			forceEnd(child, now)
		}
		forceEnd(event, now)
		if trace.activeEvent == event {
			trace.activeEvent = nil
		}
		return true
	}
	return false
}

// Attach adds an already closed event, such as a settled async continuation.
// It nests under parent when parent is an open top-level event of the trace,
// otherwise it goes to the trace root.
func (t *Tracer) Attach(trace *Trace, parent *Event, event *Event) bool {
	if trace == nil || event == nil || trace.Closed() || trace.Terminal() || len(trace.Events) == 0 {
		return false
	}
	event.ended = true
	if parent.IsOpen() && parent.depth == 0 {
		event.depth = 1
		parent.Nested = append(parent.Nested, event)
		return true
	}
	event.depth = 0
	trace.Events = append(trace.Events, event)
	return true
}

// AddFilter registers an event data filter. onError receives the failure that
// got the filter evicted; it may be nil. The returned func unregisters it.
func (t *Tracer) AddFilter(filter Filter, onError func(error)) func() {
	return t.filters.add(filter, onError)
}

// forceEnd closes event at at, but never before the event started.
func forceEnd(event *Event, at time.Duration) {
	if at < event.At {
		at = event.At
	}
	event.EndAt = at
	event.ended = true
	event.ForcedEnd = true
}
