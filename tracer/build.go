package tracer

import (
	"github.com/juju/errors"
	"time"
)

// BuildTrace freezes a completed trace: it converts events to their built
// form with compute gaps filled in, totals time per category and marks the
// trace processed. Malformed traces are returned as errors and must be dropped.
func (t *Tracer) BuildTrace(trace *Trace) error {
	if trace == nil {
		return errors.NotValidf("nil trace")
	}
	if trace.IsEventsProcessed() {
		return errors.AlreadyExistsf("built trace %s", trace.ID)
	}
	if len(trace.Events) == 0 {
		return errors.NotValidf("trace %s without events", trace.ID)
	}
	first := trace.Events[0]
	last := trace.Events[len(trace.Events)-1]
	if first.Category != CategoryStart {
		return errors.NotValidf("trace %s that has not started", trace.ID)
	}
	if !last.Category.terminal() || len(trace.Events) < 2 {
		return errors.NotValidf("trace %s that has not completed or errored", trace.ID)
	}

	trace.Errored = last.Category == CategoryError
	trace.At = first.At
	metrics := map[Category]time.Duration{MetricTotal: last.At - first.At}
	var nonCompute time.Duration

	built := make([]BuiltEvent, 0, len(trace.Events)+2)
	built = append(built, BuiltEvent{Category: CategoryStart, Data: first.Data})
	prevEnd := first.At
	for i := 1; i < len(trace.Events)-1; i++ {
		event := trace.Events[i]
		if event.IsOpen() {
			forceEnd(event, last.At)
		}
		if gap := event.At - prevEnd; gap > 0 {
			built = append(built, BuiltEvent{Category: CategoryCompute, Duration: gap})
		}
		elapsed := event.EndAt - event.At
		metrics[event.Category] += elapsed
		nonCompute += elapsed
		built = append(built, buildEvent(event))
		prevEnd = event.EndAt
	}
	if gap := last.At - prevEnd; gap > 0 {
		built = append(built, BuiltEvent{Category: CategoryCompute, Duration: gap})
	}
	built = append(built, BuiltEvent{Category: last.Category, Data: last.Data})

	if len(built) > t.maxEvents {
		built = built[:t.maxEvents]
	}
	metrics[CategoryCompute] = metrics[MetricTotal] - nonCompute

	trace.Metrics = metrics
	trace.Processed = built
	trace.activeEvent = nil
	trace.isEventsProcessed.Store(true)
	return nil
}

func buildEvent(event *Event) BuiltEvent {
	built := BuiltEvent{
		Category: event.Category,
		Duration: event.EndAt - event.At,
		Data:     event.Data,
	}
	extra := &EventExtra{
		Stack:     event.Stack,
		Name:      event.Name,
		ForcedEnd: event.ForcedEnd,
	}
	if len(event.Nested) > 0 && !onlyAsync(event.Nested) {
		prevEnd := event.At
		for _, child := range event.Nested {
			if child.IsOpen() {
				forceEnd(child, event.EndAt)
			}
			if gap := child.At - prevEnd; gap > 0 {
				extra.Nested = append(extra.Nested, BuiltEvent{Category: CategoryCompute, Duration: gap})
			}
			extra.Nested = append(extra.Nested, buildEvent(child))
			prevEnd = child.EndAt
		}
	}
	if !extra.empty() {
		built.Extra = extra
	}
	return built
}

// onlyAsync reports whether every event is an async continuation; such nested
// lists are left out of the built trace.
func onlyAsync(events []*Event) bool {
	for _, event := range events {
		if event.Category != CategoryAsync {
			return false
		}
	}
	return true
}
