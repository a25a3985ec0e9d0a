package tracestore

import (
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestPercentile(t *testing.T) {
	tests := []struct {
		name     string
		values   []float64
		p        float64
		expected float64
	}{
		{"empty", nil, 0.5, 0},
		{"odd median", []float64{200, 100, 1800, 150, 1500}, 0.5, 200},
		{"even median", []float64{4, 1, 3, 2}, 0.5, 2.5},
		{"interpolated", []float64{10, 20, 30, 40}, 0.25, 17.5},
		{"max", []float64{3, 9, 1}, 1, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Percentile(tt.values, tt.p), 1e-9)
		})
	}
}

func TestMAD(t *testing.T) {
	history := []float64{100, 150, 200, 1500, 1800}
	median := Median(history)
	assert.Equal(t, 200.0, median)
	assert.Equal(t, 100.0, MAD(history, median))
	assert.Equal(t, []float64{100, 150, 200, 1500, 1800}, history)
}

func TestIsOutlier(t *testing.T) {
	history := []float64{100, 150, 200, 1500, 1800}
	for _, point := range []float64{1500, 1800} {
		assert.True(t, IsOutlier(history, point, 3), "%v should be an outlier", point)
	}
	for _, point := range []float64{100, 150, 200} {
		assert.False(t, IsOutlier(history, point, 3), "%v should not be an outlier", point)
	}
}

func TestIsOutlierWithFlatHistory(t *testing.T) {
	flat := []float64{50, 50, 50}
	assert.False(t, IsOutlier(flat, 50, 3))
	assert.True(t, IsOutlier(flat, 51, 3))
	assert.False(t, IsOutlier(nil, 51, 3))
}
