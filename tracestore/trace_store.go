// Package tracestore keeps, per operation kind, the per-minute metrics of
// completed traces and decides which traces are retained for transmission.
package tracestore

import (
	"github.com/monti-apm/monti-apm-agent-sub000/tracer"
	"github.com/monti-apm/monti-apm-agent-sub000/util"
	"go.uber.org/zap"
	"sync"
	"sync/atomic"
	"time"
)

const (
	ReasonBaseline = "baseline"
	ReasonOutlier  = "outlier"
	ReasonError    = "error"
)

type Config struct {
	MaxTotalPoints int
	ArchiveEvery   int
	MadThreshold   float64
}

func DefaultConfig() Config {
	return Config{
		MaxTotalPoints: 30,
		ArchiveEvery:   5,
		MadThreshold:   3,
	}
}

// Archived is a trace retained for transmission and why.
type Archived struct {
	Trace  *tracer.Trace
	Reason string
}

type Store struct {
	kind   tracer.Kind
	config Config

	// flushLock orders accumulation against the swap in FlushMetrics.
	flushLock sync.RWMutex
	metrics   atomic.Pointer[accumulator]

	lock           sync.Mutex
	currentMax     map[string]*tracer.Trace
	maxTotals      map[string][]float64
	processedCount map[string]int
	errorsSeen     map[string]bool
	archive        []Archived
}

func New(kind tracer.Kind, config Config) *Store {
	defaults := DefaultConfig()
	if config.MaxTotalPoints <= 0 {
		config.MaxTotalPoints = defaults.MaxTotalPoints
	}
	if config.ArchiveEvery <= 0 {
		config.ArchiveEvery = defaults.ArchiveEvery
	}
	if config.MadThreshold <= 0 {
		config.MadThreshold = defaults.MadThreshold
	}
	s := &Store{
		kind:           kind,
		config:         config,
		currentMax:     map[string]*tracer.Trace{},
		maxTotals:      map[string][]float64{},
		processedCount: map[string]int{},
		errorsSeen:     map[string]bool{},
	}
	s.metrics.Store(newAccumulator())
	return s
}

func (s *Store) Kind() tracer.Kind {
	return s.kind
}

// AddTrace accounts a built trace in the current minute and offers it for archival.
func (s *Store) AddTrace(trace *tracer.Trace) bool {
	if trace == nil || !trace.IsEventsProcessed() || trace.Kind != s.kind {
		return false
	}
	s.flushLock.RLock()
	s.metrics.Load().add(trace)
	s.flushLock.RUnlock()

	s.lock.Lock()
	defer s.lock.Unlock()
	// errored traces are archived on their own and never compete for the
	// sampling slot, so one trace is spooled at most once.
	if trace.Errored {
		s.handleErrorLocked(trace)
		return true
	}
	if current, ok := s.currentMax[trace.Name]; !ok || current.Total() < trace.Total() {
		s.currentMax[trace.Name] = trace
	}
	return true
}

func (s *Store) handleErrorLocked(trace *tracer.Trace) {
	key := string(trace.Kind) + "::" + trace.Name + "::" + trace.ErrorMessage()
	if s.errorsSeen[key] {
		return
	}
	s.errorsSeen[key] = true
	s.archive = append(s.archive, Archived{Trace: trace, Reason: ReasonError})
}

// ProcessTraces closes one sampling tick: each name's slowest trace of the
// tick is archived when the tick is a baseline one or the trace is an outlier
// against the recent maxima.
func (s *Store) ProcessTraces() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	names := map[string]bool{}
	for name := range s.currentMax {
		names[name] = true
	}
	for name := range s.maxTotals {
		names[name] = true
	}

	archived := 0
	for name := range names {
		current := s.currentMax[name]
		var total float64
		if current != nil {
			total = util.Millis(current.Total())
		}
		history := append(s.maxTotals[name], total)
		if extra := len(history) - s.config.MaxTotalPoints; extra > 0 {
			history = history[extra:]
		}
		s.maxTotals[name] = history

		count := s.processedCount[name]
		s.processedCount[name] = count + 1
		if current == nil {
			continue
		}
		reason := ""
		if count%s.config.ArchiveEvery == 0 {
			reason = ReasonBaseline
		} else if IsOutlier(history, total, s.config.MadThreshold) {
			reason = ReasonOutlier
		}
		if reason != "" {
			s.archive = append(s.archive, Archived{Trace: current, Reason: reason})
			archived++
		}
		delete(s.currentMax, name)
	}
	s.errorsSeen = map[string]bool{}
	logger := util.GetLogger("tracestore", "Store::ProcessTraces")
	logger.Debug("Processed traces", zap.String("kind", string(s.kind)), zap.Int("names", len(names)), zap.Int("archived", archived))
	return archived
}

// CollectTraces drains the archive.
func (s *Store) CollectTraces() []Archived {
	s.lock.Lock()
	defer s.lock.Unlock()
	archived := s.archive
	s.archive = nil
	return archived
}

// FlushMetrics swaps in a fresh accumulator and builds the payloads of the
// old one, passing every start time through syncTime.
func (s *Store) FlushMetrics(syncTime func(time.Duration) time.Duration) []MetricsPayload {
	s.flushLock.Lock()
	old := s.metrics.Swap(newAccumulator())
	s.flushLock.Unlock()
	return old.payloads(s.kind, syncTime)
}
