package tracer

import (
	"sync/atomic"
	"time"
)

type Kind string

const (
	KindMethod Kind = "method"
	KindSub    Kind = "sub"
	KindJob    Kind = "job"
	KindHTTP   Kind = "http"
)

func (k Kind) Valid() bool {
	switch k {
	case KindMethod, KindSub, KindJob, KindHTTP:
		return true
	}
	return false
}

type Category string

const (
	CategoryStart    Category = "start"
	CategoryWait     Category = "wait"
	CategoryDB       Category = "db"
	CategoryHTTP     Category = "http"
	CategoryEmail    Category = "email"
	CategoryAsync    Category = "async"
	CategoryCustom   Category = "custom"
	CategoryCompute  Category = "compute"
	CategoryComplete Category = "complete"
	CategoryError    Category = "error"

	// MetricTotal is the metrics key holding start-to-end time.
	MetricTotal Category = "total"
)

// point categories are instants: created closed and never nested.
func (c Category) point() bool {
	return c == CategoryStart || c == CategoryComplete || c == CategoryError
}

func (c Category) terminal() bool {
	return c == CategoryComplete || c == CategoryError
}

type EventData map[string]interface{}

type EventMeta struct {
	Name string
}

type Event struct {
	Category  Category
	At        time.Duration
	EndAt     time.Duration
	Nested    []*Event
	Data      EventData
	Name      string
	Stack     string
	ForcedEnd bool

	ended bool
	depth int
}

func (e *Event) IsOpen() bool {
	return e != nil && !e.ended
}

func (e *Event) Duration() time.Duration {
	if !e.ended {
		return 0
	}
	return e.EndAt - e.At
}

// lastNested returns the most recently nested child, or nil.
func (e *Event) lastNested() *Event {
	if len(e.Nested) == 0 {
		return nil
	}
	return e.Nested[len(e.Nested)-1]
}

type Info struct {
	SessionID string
	MsgID     string
	UserID    string
}

type Trace struct {
	ID        string                     `msgpack:"id"`
	Kind      Kind                       `msgpack:"type"`
	Name      string                     `msgpack:"name"`
	SessionID string                     `msgpack:"session"`
	MsgID     string                     `msgpack:"msgId"`
	UserID    string                     `msgpack:"userId,omitempty"`
	At        time.Duration              `msgpack:"at"`
	Errored   bool                       `msgpack:"errored"`
	Metrics   map[Category]time.Duration `msgpack:"metrics"`
	Processed []BuiltEvent               `msgpack:"events"`

	Events []*Event `msgpack:"-"`

	activeEvent       *Event
	isEventsProcessed atomic.Bool
	sealed            atomic.Bool
}

// IsEventsProcessed reports whether BuildTrace froze the trace.
func (t *Trace) IsEventsProcessed() bool {
	return t.isEventsProcessed.Load()
}

// Seal stops the trace from accepting events without building it. Used when a
// trace is abandoned by its connection and evicted.
func (t *Trace) Seal() {
	t.sealed.Store(true)
}

func (t *Trace) IsSealed() bool {
	return t.sealed.Load()
}

// Closed reports whether the trace accepts no more events.
func (t *Trace) Closed() bool {
	return t.isEventsProcessed.Load() || t.sealed.Load()
}

func (t *Trace) Terminal() bool {
	last := t.LastEvent()
	return last != nil && last.Category.terminal()
}

// ActiveEvent returns the open top-level event new events nest under.
func (t *Trace) ActiveEvent() *Event {
	if t.activeEvent.IsOpen() {
		return t.activeEvent
	}
	return nil
}

func (t *Trace) LastEvent() *Event {
	if len(t.Events) == 0 {
		return nil
	}
	return t.Events[len(t.Events)-1]
}

// ErrorMessage returns the message carried by a terminal error event.
func (t *Trace) ErrorMessage() string {
	var data EventData
	if last := t.LastEvent(); last != nil && last.Category == CategoryError {
		data = last.Data
	} else if n := len(t.Processed); n > 0 && t.Processed[n-1].Category == CategoryError {
		data = t.Processed[n-1].Data
	}
	if data == nil {
		return ""
	}
	switch e := data["error"].(type) {
	case map[string]interface{}:
		if msg, ok := e["message"].(string); ok {
			return msg
		}
	case EventData:
		if msg, ok := e["message"].(string); ok {
			return msg
		}
	case string:
		return e
	}
	if msg, ok := data["message"].(string); ok {
		return msg
	}
	return ""
}

// BuiltEvent is the frozen form of an Event, serialized as
// [category, duration, data?, extra?].
type BuiltEvent struct {
	Category Category      `msgpack:"c"`
	Duration time.Duration `msgpack:"d"`
	Data     EventData     `msgpack:"a,omitempty"`
	Extra    *EventExtra   `msgpack:"x,omitempty"`
}

type EventExtra struct {
	Nested    []BuiltEvent `msgpack:"nested,omitempty" json:"nested,omitempty"`
	Stack     string       `msgpack:"stack,omitempty" json:"stack,omitempty"`
	Name      string       `msgpack:"name,omitempty" json:"name,omitempty"`
	ForcedEnd bool         `msgpack:"forcedEnd,omitempty" json:"forcedEnd,omitempty"`
}

func (x *EventExtra) empty() bool {
	return len(x.Nested) == 0 && x.Stack == "" && x.Name == "" && !x.ForcedEnd
}
