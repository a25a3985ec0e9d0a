package tracestore

import (
	"fmt"
	"github.com/monti-apm/monti-apm-agent-sub000/tracer"
	"github.com/monti-apm/monti-apm-agent-sub000/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	now time.Duration
}

func (c *manualClock) Now() time.Duration { return c.now }

func builtTrace(t *testing.T, kind tracer.Kind, name string, at, total time.Duration, errMessage string) *tracer.Trace {
	clock := &manualClock{now: at}
	tr := tracer.New(tracer.WithClock(clock.Now))
	trace, err := tr.Start(name, kind, tracer.Info{SessionID: "s"})
	require.NoError(t, err)
	tr.Event(trace, tracer.CategoryStart, nil, nil)
	db := tr.Event(trace, tracer.CategoryDB, nil, nil)
	clock.now += total / 2
	tr.EventEnd(trace, db, nil)
	clock.now += total - total/2
	if errMessage != "" {
		tr.Event(trace, tracer.CategoryError, tracer.EventData{"error": map[string]interface{}{"message": errMessage}}, nil)
	} else {
		tr.Event(trace, tracer.CategoryComplete, nil, nil)
	}
	require.NoError(t, tr.BuildTrace(trace))
	return trace
}

func reasons(archived []Archived) []string {
	var out []string
	for _, a := range archived {
		out = append(out, a.Reason+":"+a.Trace.Name)
	}
	return out
}

func TestAddTraceKeepsSlowestPerName(t *testing.T) {
	s := New(tracer.KindMethod, Config{})
	fast := builtTrace(t, tracer.KindMethod, "a", time.Hour, 10*time.Millisecond, "")
	slow := builtTrace(t, tracer.KindMethod, "a", time.Hour, 90*time.Millisecond, "")
	other := builtTrace(t, tracer.KindMethod, "b", time.Hour, 5*time.Millisecond, "")
	require.True(t, s.AddTrace(fast))
	require.True(t, s.AddTrace(slow))
	require.True(t, s.AddTrace(other))
	assert.False(t, s.AddTrace(builtTrace(t, tracer.KindSub, "a", time.Hour, time.Millisecond, "")))

	assert.Equal(t, 2, s.ProcessTraces())
	archived := s.CollectTraces()
	require.Len(t, archived, 2)
	for _, a := range archived {
		assert.Equal(t, ReasonBaseline, a.Reason)
		if a.Trace.Name == "a" {
			assert.Same(t, slow, a.Trace)
		}
	}
	assert.Empty(t, s.CollectTraces())
}

func TestUnbuiltTracesAreIgnored(t *testing.T) {
	s := New(tracer.KindMethod, Config{})
	tr := tracer.New()
	trace, err := tr.Start("a", tracer.KindMethod, tracer.Info{})
	require.NoError(t, err)
	assert.False(t, s.AddTrace(trace))
	assert.False(t, s.AddTrace(nil))
}

func TestBaselineCadenceAndOutliers(t *testing.T) {
	s := New(tracer.KindMethod, Config{ArchiveEvery: 5, MaxTotalPoints: 30})
	var got []string
	totals := []time.Duration{100, 110, 105, 100, 5000, 100, 100}
	for _, total := range totals {
		s.AddTrace(builtTrace(t, tracer.KindMethod, "a", time.Hour, total*time.Millisecond, ""))
		s.ProcessTraces()
		for _, a := range s.CollectTraces() {
			got = append(got, fmt.Sprintf("%s:%v", a.Reason, util.Millis(a.Trace.Total())))
		}
	}
	assert.Equal(t, []string{"baseline:100", "outlier:5000", "baseline:100"}, got)
}

func TestHistoryIsBounded(t *testing.T) {
	s := New(tracer.KindMethod, Config{MaxTotalPoints: 3})
	for i := 0; i < 5; i++ {
		s.AddTrace(builtTrace(t, tracer.KindMethod, "a", time.Hour, time.Duration(i+1)*time.Millisecond, ""))
		s.ProcessTraces()
	}
	s.ProcessTraces()
	assert.Equal(t, []float64{4, 5, 0}, s.maxTotals["a"])
}

func TestErrorsAreDeduplicatedPerTick(t *testing.T) {
	s := New(tracer.KindMethod, Config{ArchiveEvery: 100})
	s.ProcessTraces()
	for i := 0; i < 3; i++ {
		s.AddTrace(builtTrace(t, tracer.KindMethod, "a", time.Hour, time.Millisecond, "boom"))
	}
	s.AddTrace(builtTrace(t, tracer.KindMethod, "a", time.Hour, time.Millisecond, "other"))
	s.AddTrace(builtTrace(t, tracer.KindMethod, "b", time.Hour, time.Millisecond, "boom"))
	assert.Equal(t, []string{"error:a", "error:a", "error:b"}, reasons(s.CollectTraces()))

	s.ProcessTraces()
	s.CollectTraces()
	s.AddTrace(builtTrace(t, tracer.KindMethod, "a", time.Hour, time.Millisecond, "boom"))
	assert.Equal(t, []string{"error:a"}, reasons(s.CollectTraces()))
}

func TestFlushMetrics(t *testing.T) {
	s := New(tracer.KindMethod, Config{})
	minute := 1000 * time.Minute
	s.AddTrace(builtTrace(t, tracer.KindMethod, "a", minute+time.Second, 10*time.Millisecond, ""))
	s.AddTrace(builtTrace(t, tracer.KindMethod, "a", minute+2*time.Second, 30*time.Millisecond, "boom"))
	s.AddTrace(builtTrace(t, tracer.KindMethod, "a", minute+time.Minute, 4*time.Millisecond, ""))

	offset := 15 * time.Millisecond
	payloads := s.FlushMetrics(func(local time.Duration) time.Duration { return local + offset })
	require.Len(t, payloads, 2)
	first := payloads[0]
	assert.Equal(t, minute+offset, first.StartTime)
	assert.Equal(t, tracer.KindMethod, first.Kind)
	summary := first.Names["a"]
	assert.Equal(t, 2, summary.Count)
	assert.Equal(t, 1, summary.Errors)
	assert.InDelta(t, 10.0, summary.Averages[tracer.CategoryDB], 1e-9)
	assert.InDelta(t, 20.0, summary.Averages[tracer.MetricTotal], 1e-9)
	assert.Equal(t, 2.0, summary.Histogram["count"])

	assert.Empty(t, s.FlushMetrics(func(local time.Duration) time.Duration { return local }))
}

func TestErroredTraceIsNotSampledAgain(t *testing.T) {
	s := New(tracer.KindMethod, Config{})
	failed := builtTrace(t, tracer.KindMethod, "a", time.Hour, 500*time.Millisecond, "boom")
	ok := builtTrace(t, tracer.KindMethod, "a", time.Hour, 10*time.Millisecond, "")
	s.AddTrace(failed)
	s.AddTrace(ok)
	s.ProcessTraces()

	archived := s.CollectTraces()
	assert.Equal(t, []string{"error:a", "baseline:a"}, reasons(archived))
	assert.Same(t, failed, archived[0].Trace)
	assert.Same(t, ok, archived[1].Trace)
}

func TestConcurrentFlushKeepsEveryTrace(t *testing.T) {
	s := New(tracer.KindMethod, Config{})
	const writers, perWriter = 4, 50
	traces := make([]*tracer.Trace, 0, writers*perWriter)
	for i := 0; i < writers*perWriter; i++ {
		traces = append(traces, builtTrace(t, tracer.KindMethod, "a", time.Hour, time.Millisecond, ""))
	}

	var counted int
	var countLock sync.Mutex
	collect := func(payloads []MetricsPayload) {
		countLock.Lock()
		defer countLock.Unlock()
		for _, p := range payloads {
			counted += p.Names["a"].Count
		}
	}

	var writersDone sync.WaitGroup
	stop := make(chan struct{})
	flusherDone := make(chan struct{})
	go func() {
		defer close(flusherDone)
		for {
			select {
			case <-stop:
				return
			default:
				collect(s.FlushMetrics(func(local time.Duration) time.Duration { return local }))
			}
		}
	}()
	for w := 0; w < writers; w++ {
		writersDone.Add(1)
		go func(batch []*tracer.Trace) {
			defer writersDone.Done()
			for _, trace := range batch {
				s.AddTrace(trace)
			}
		}(traces[w*perWriter : (w+1)*perWriter])
	}
	writersDone.Wait()
	close(stop)
	<-flusherDone
	collect(s.FlushMetrics(func(local time.Duration) time.Duration { return local }))

	assert.Equal(t, writers*perWriter, counted)
}

func TestMetricsPayloadJSON(t *testing.T) {
	payload := MetricsPayload{
		Kind:      tracer.KindMethod,
		StartTime: 60 * time.Second,
		Names: map[string]NameSummary{
			"a": {Count: 2, Errors: 1, Averages: map[tracer.Category]float64{tracer.CategoryDB: 1.5}, Histogram: map[string]float64{}},
		},
	}
	encoded, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"startTime":60000,"a":{"count":2,"errors":1,"db":1.5,"histogram":{}}}`, string(encoded))
}
