package stability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func samplesEvery30s(values []float64) []MemSample {
	t0 := time.Unix(1000, 0)
	out := make([]MemSample, len(values))
	for i, v := range values {
		out[i] = MemSample{Timestamp: t0.Add(time.Duration(i) * 30 * time.Second), MemoryMB: v}
	}
	return out
}

func TestLeakSlopeSteadyGrowth(t *testing.T) {
	// 7.5 MB per 30s sample is 15 MB/min.
	values := make([]float64, 30)
	for i := range values {
		values[i] = 100 + 7.5*float64(i)
	}
	slope, r2 := LeakSlope(samplesEvery30s(values))
	assert.InDelta(t, 15.0, slope, 0.01)
	assert.InDelta(t, 1.0, r2, 0.001)
}

func TestLeakSlopeFlat(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = 256
	}
	slope, r2 := LeakSlope(samplesEvery30s(values))
	assert.Zero(t, slope)
	assert.Equal(t, 1.0, r2)
}

func TestLeakSlopeOscillationHasLowConfidence(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = 200
		if i%2 == 0 {
			values[i] = 400
		}
	}
	_, r2 := LeakSlope(samplesEvery30s(values))
	assert.Less(t, r2, 0.1)
}

func TestLeakSlopeDecline(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = 500 - 5*float64(i)
	}
	slope, _ := LeakSlope(samplesEvery30s(values))
	assert.Negative(t, slope)
}

func TestLeakSlopeTooFewSamples(t *testing.T) {
	slope, r2 := LeakSlope(nil)
	assert.Zero(t, slope)
	assert.Zero(t, r2)

	slope, r2 = LeakSlope(samplesEvery30s([]float64{100}))
	assert.Zero(t, slope)
	assert.Zero(t, r2)
}

func TestLeakSlopeIdenticalTimestamps(t *testing.T) {
	t0 := time.Unix(1000, 0)
	slope, r2 := LeakSlope([]MemSample{
		{Timestamp: t0, MemoryMB: 100},
		{Timestamp: t0, MemoryMB: 200},
	})
	assert.Zero(t, slope)
	assert.Zero(t, r2)
}
