package tracestore

import (
	"github.com/json-iterator/go"
	"github.com/monti-apm/monti-apm-agent-sub000/tracer"
	"github.com/monti-apm/monti-apm-agent-sub000/util"
	"sort"
	"sync"
	"time"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const bucketSize = time.Minute

type nameMetrics struct {
	count     int
	errors    int
	sums      map[tracer.Category]time.Duration
	histogram Histogram
}

type bucket struct {
	startTime time.Duration
	names     map[string]*nameMetrics
}

// accumulator holds the per-minute sums between two flushes.
type accumulator struct {
	lock    sync.Mutex
	buckets map[time.Duration]*bucket
}

func newAccumulator() *accumulator {
	return &accumulator{buckets: map[time.Duration]*bucket{}}
}

func (a *accumulator) add(trace *tracer.Trace) {
	startTime := trace.At - trace.At%bucketSize
	a.lock.Lock()
	defer a.lock.Unlock()
	b, ok := a.buckets[startTime]
	if !ok {
		b = &bucket{startTime: startTime, names: map[string]*nameMetrics{}}
		a.buckets[startTime] = b
	}
	m, ok := b.names[trace.Name]
	if !ok {
		m = &nameMetrics{sums: map[tracer.Category]time.Duration{}, histogram: newHistogram()}
		b.names[trace.Name] = m
	}
	m.count++
	if trace.Errored {
		m.errors++
	}
	for category, value := range trace.Metrics {
		m.sums[category] += value
	}
	m.histogram.Add(util.Millis(trace.Total()))
}

type NameSummary struct {
	Count     int
	Errors    int
	Averages  map[tracer.Category]float64
	Histogram map[string]float64
}

// MetricsPayload is one minute of metrics for one kind. StartTime is already
// clock corrected.
type MetricsPayload struct {
	Kind      tracer.Kind
	StartTime time.Duration
	Names     map[string]NameSummary
}

func (p MetricsPayload) MarshalJSON() ([]byte, error) {
	encoded := map[string]interface{}{"startTime": util.Millis(p.StartTime)}
	for name, summary := range p.Names {
		entry := map[string]interface{}{
			"count":     summary.Count,
			"errors":    summary.Errors,
			"histogram": summary.Histogram,
		}
		for category, avg := range summary.Averages {
			entry[string(category)] = avg
		}
		encoded[name] = entry
	}
	return json.Marshal(encoded)
}

func (a *accumulator) payloads(kind tracer.Kind, syncTime func(time.Duration) time.Duration) []MetricsPayload {
	a.lock.Lock()
	defer a.lock.Unlock()
	payloads := make([]MetricsPayload, 0, len(a.buckets))
	for _, b := range a.buckets {
		payload := MetricsPayload{
			Kind:      kind,
			StartTime: syncTime(b.startTime),
			Names:     make(map[string]NameSummary, len(b.names)),
		}
		for name, m := range b.names {
			averages := make(map[tracer.Category]float64, len(m.sums))
			for category, sum := range m.sums {
				averages[category] = util.Millis(sum) / float64(m.count)
			}
			payload.Names[name] = NameSummary{
				Count:     m.count,
				Errors:    m.errors,
				Averages:  averages,
				Histogram: m.histogram.Summary(),
			}
		}
		payloads = append(payloads, payload)
	}
	sort.Slice(payloads, func(i, j int) bool { return payloads[i].StartTime < payloads[j].StartTime })
	return payloads
}
