package agent

import (
	"github.com/monti-apm/monti-apm-agent-sub000/storage/common"
	"github.com/monti-apm/monti-apm-agent-sub000/tracer"
	"github.com/monti-apm/monti-apm-agent-sub000/tracestore"
	"github.com/monti-apm/monti-apm-agent-sub000/util"
	"go.uber.org/zap"
)

// spoolArchived moves every store's archive into the spool.
func (a *Agent) spoolArchived() {
	logger := util.GetLogger("agent", "Agent::spoolArchived")
	now := a.clock()
	for _, kind := range kinds {
		for _, archived := range a.stores[kind].CollectTraces() {
			record := &common.Record{Kind: kind, Reason: archived.Reason, StoredAt: now, Trace: archived.Trace}
			if err := a.spool.Append(record); err != nil {
				a.metrics.SpoolFailures.Inc()
				logger.Warn("Unable to spool archived trace", zap.String("trace", archived.Trace.ID), zap.Error(err))
				continue
			}
			a.metrics.TracesArchived.WithLabelValues(string(kind), archived.Reason).Inc()
		}
	}
}

// CollectTraces drains the archived traces for transmission, with their
// start time moved to the collector's clock.
func (a *Agent) CollectTraces() []*tracer.Trace {
	logger := util.GetLogger("agent", "Agent::CollectTraces")
	a.spoolArchived()
	records, err := a.spool.Drain(0)
	if err != nil {
		logger.Warn("Error when draining spool", zap.Error(err))
	}
	traces := make([]*tracer.Trace, 0, len(records))
	for _, record := range records {
		trace := record.Trace
		trace.At = a.clockSync.SyncTime(trace.At)
		traces = append(traces, trace)
	}
	return traces
}

// BuildMetricsPayload flushes the per-minute metrics of every kind.
func (a *Agent) BuildMetricsPayload() []tracestore.MetricsPayload {
	var payloads []tracestore.MetricsPayload
	for _, kind := range kinds {
		payloads = append(payloads, a.stores[kind].FlushMetrics(a.clockSync.SyncTime)...)
	}
	return payloads
}
