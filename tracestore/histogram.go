package tracestore

import (
	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/monti-apm/monti-apm-agent-sub000/util"
	"go.uber.org/zap"
)

const histogramAccuracy = 0.02

var summaryQuantiles = []float64{0.5, 0.9, 0.95, 0.99}

// Histogram is the latency summary kept per name and minute.
type Histogram interface {
	Add(ms float64)
	Summary() map[string]float64
}

type sketchHistogram struct {
	sketch *ddsketch.DDSketch
}

func newHistogram() Histogram {
	sketch, err := ddsketch.NewDefaultDDSketch(histogramAccuracy)
	if err != nil {
		logger := util.GetLogger("tracestore", "newHistogram")
		logger.Warn("Could not create latency sketch", zap.Error(err))
		return &sketchHistogram{}
	}
	return &sketchHistogram{sketch: sketch}
}

func (h *sketchHistogram) Add(ms float64) {
	if h.sketch == nil {
		return
	}
	if ms < 0 {
		ms = 0
	}
	if err := h.sketch.Add(ms); err != nil {
		logger := util.GetLogger("tracestore", "sketchHistogram::Add")
		logger.Debug("Dropped value outside the sketch range", zap.Float64("ms", ms), zap.Error(err))
	}
}

func (h *sketchHistogram) Summary() map[string]float64 {
	summary := map[string]float64{}
	if h.sketch == nil || h.sketch.IsEmpty() {
		return summary
	}
	summary["count"] = h.sketch.GetCount()
	values, err := h.sketch.GetValuesAtQuantiles(summaryQuantiles)
	if err == nil {
		summary["p50"] = values[0]
		summary["p90"] = values[1]
		summary["p95"] = values[2]
		summary["p99"] = values[3]
	}
	if min, err := h.sketch.GetMinValue(); err == nil {
		summary["min"] = min
	}
	if max, err := h.sketch.GetMaxValue(); err == nil {
		summary["max"] = max
	}
	return summary
}
