package tracer

import (
	"github.com/monti-apm/monti-apm-agent-sub000/util"
	"time"
)

// MarshalJSON encodes the event positionally. data is only present when there
// is data or extra, extra only when there is something in it.
func (be BuiltEvent) MarshalJSON() ([]byte, error) {
	encoded := []interface{}{be.Category, util.Millis(be.Duration)}
	if be.Data != nil || be.Extra != nil {
		data := be.Data
		if data == nil {
			data = EventData{}
		}
		encoded = append(encoded, data)
	}
	if be.Extra != nil {
		encoded = append(encoded, be.Extra)
	}
	return json.Marshal(encoded)
}

type wireTrace struct {
	ID        string             `json:"_id"`
	Kind      Kind               `json:"type"`
	Name      string             `json:"name"`
	SessionID string             `json:"session"`
	MsgID     string             `json:"id"`
	UserID    string             `json:"userId,omitempty"`
	At        float64            `json:"at"`
	Errored   bool               `json:"errored"`
	Metrics   map[string]float64 `json:"metrics"`
	Events    []BuiltEvent       `json:"events"`
}

// MarshalJSON encodes a built trace with timestamps and durations in milliseconds.
func (t *Trace) MarshalJSON() ([]byte, error) {
	metrics := make(map[string]float64, len(t.Metrics))
	for category, value := range t.Metrics {
		metrics[string(category)] = util.Millis(value)
	}
	return json.Marshal(wireTrace{
		ID:        t.ID,
		Kind:      t.Kind,
		Name:      t.Name,
		SessionID: t.SessionID,
		MsgID:     t.MsgID,
		UserID:    t.UserID,
		At:        util.Millis(t.At),
		Errored:   t.Errored,
		Metrics:   metrics,
		Events:    t.Processed,
	})
}

// Total returns the start-to-end time of a built trace.
func (t *Trace) Total() time.Duration {
	return t.Metrics[MetricTotal]
}
