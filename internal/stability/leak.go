package stability

import (
	"time"
)

// MemSample is one resource-tier memory observation.
type MemSample struct {
	Timestamp time.Time
	MemoryMB  float64
}

// LeakSlope fits a least-squares line through the samples and returns the
// slope in MB/min together with the coefficient of determination (r²).
// It is a pure function over the window; callers decide thresholds.
func LeakSlope(samples []MemSample) (slopeMBPerMin, r2 float64) {
	n := len(samples)
	if n < 2 {
		return 0, 0
	}
	t0 := samples[0].Timestamp
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range samples {
		x := s.Timestamp.Sub(t0).Minutes()
		y := s.MemoryMB
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0
	}
	slope := (fn*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / fn

	meanY := sumY / fn
	var ssTot, ssRes float64
	for _, s := range samples {
		x := s.Timestamp.Sub(t0).Minutes()
		pred := intercept + slope*x
		ssTot += (s.MemoryMB - meanY) * (s.MemoryMB - meanY)
		ssRes += (s.MemoryMB - pred) * (s.MemoryMB - pred)
	}
	if ssTot == 0 {
		// Perfectly flat series: slope 0, perfect fit.
		return slope, 1
	}
	return slope, 1 - ssRes/ssTot
}
