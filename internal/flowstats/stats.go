// Package flowstats measures the health of an elementary-stream byte flow
// from chunk arrival times. It answers one question: is the camera
// delivering at a steady rate, or is the flow bursty enough to suspect
// hardware, encoder, or pipe problems?
package flowstats

import (
	"math"
	"time"
)

const (
	// rateSteadinessThreshold is the maximum allowed chunk-rate standard
	// deviation as a fraction of the mean rate. A flow is steady if
	// stddev < 15% of the mean.
	// Example: 25 chunks/s mean, steady if stddev < 3.75 chunks/s
	rateSteadinessThreshold = 0.15

	// jitterSteadinessThreshold is the maximum allowed mean jitter as a
	// fraction of the expected inter-chunk interval. A flow is steady if
	// mean jitter < 20% of the expected interval.
	// Example: 25 chunks/s (40ms interval), steady if jitter < 8ms
	jitterSteadinessThreshold = 0.20
)

// FlowStats contains statistics collected over a measurement window.
type FlowStats struct {
	ChunksReceived int           // Number of chunks observed in the window
	BytesReceived  uint64        // Total payload bytes observed
	Duration       time.Duration // Actual measurement duration
	RateMean       float64       // Mean chunk rate (chunks/s)
	RateStdDev     float64       // Standard deviation of instantaneous rate
	RateMin        float64       // Minimum instantaneous rate
	RateMax        float64       // Maximum instantaneous rate
	Throughput     float64       // Mean payload throughput (bytes/s)
	JitterMean     float64       // Average inter-chunk interval variance (seconds)
	JitterStdDev   float64       // Standard deviation of jitter (seconds)
	JitterMax      float64       // Maximum jitter observed (seconds)
	IsSteady       bool          // True if rate and jitter are within thresholds
}

// Calculate derives flow statistics from chunk arrival timestamps.
//
// This function:
//  1. Calculates the mean chunk rate and payload throughput
//  2. Calculates the instantaneous rate for each inter-chunk interval
//  3. Finds min/max instantaneous rate
//  4. Calculates the standard deviation of the instantaneous rate
//  5. Calculates jitter statistics (inter-chunk interval variance)
//  6. Determines steadiness (stddev < 15% of mean AND jitter < 20%)
//
// Fewer than two arrivals yield a non-steady result with zeroed rate
// fields, never an error: callers decide whether a silent window is fatal.
func Calculate(arrivals []time.Time, totalBytes uint64, totalDuration time.Duration) *FlowStats {
	n := len(arrivals)

	stats := &FlowStats{
		ChunksReceived: n,
		BytesReceived:  totalBytes,
		Duration:       totalDuration,
	}

	if n == 0 || totalDuration <= 0 {
		return stats
	}

	stats.RateMean = float64(n) / totalDuration.Seconds()
	stats.Throughput = float64(totalBytes) / totalDuration.Seconds()

	// Instantaneous rate per inter-chunk interval
	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		interval := arrivals[i].Sub(arrivals[i-1]).Seconds()
		if interval > 0 {
			instantaneous = append(instantaneous, 1.0/interval)
		}
	}

	if len(instantaneous) == 0 {
		return stats
	}

	stats.RateMin = instantaneous[0]
	stats.RateMax = instantaneous[0]
	for _, rate := range instantaneous {
		if rate < stats.RateMin {
			stats.RateMin = rate
		}
		if rate > stats.RateMax {
			stats.RateMax = rate
		}
	}

	var sumSquares float64
	for _, rate := range instantaneous {
		diff := rate - stats.RateMean
		sumSquares += diff * diff
	}
	stats.RateStdDev = math.Sqrt(sumSquares / float64(len(instantaneous)))

	// Jitter = deviation from the expected inter-chunk interval
	expectedInterval := 1.0 / stats.RateMean

	jitters := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		actualInterval := arrivals[i].Sub(arrivals[i-1]).Seconds()
		jitters = append(jitters, math.Abs(actualInterval-expectedInterval))
	}

	var jitterSum float64
	for _, j := range jitters {
		jitterSum += j
		if j > stats.JitterMax {
			stats.JitterMax = j
		}
	}
	stats.JitterMean = jitterSum / float64(len(jitters))

	var jitterSumSquares float64
	for _, j := range jitters {
		diff := j - stats.JitterMean
		jitterSumSquares += diff * diff
	}
	stats.JitterStdDev = math.Sqrt(jitterSumSquares / float64(len(jitters)))

	rateSteady := stats.RateStdDev < (stats.RateMean * rateSteadinessThreshold)
	jitterSteady := stats.JitterMean < (expectedInterval * jitterSteadinessThreshold)
	stats.IsSteady = rateSteady && jitterSteady

	return stats
}
