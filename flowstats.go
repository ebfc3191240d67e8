package picamcapture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/picam-capture/internal/flowstats"
)

// FlowStats contains statistics collected over a flow measurement window.
type FlowStats = flowstats.FlowStats

// CalculateFlowStats derives flow statistics from chunk arrival times.
// Exposed for callers that track arrivals themselves.
func CalculateFlowStats(arrivals []time.Time, totalBytes uint64, totalDuration time.Duration) *FlowStats {
	return flowstats.Calculate(arrivals, totalBytes, totalDuration)
}

// MeasureFlow consumes chunks from a ChanSink consumer channel for the
// given duration and reports flow statistics.
//
// This function:
//  1. Consumes chunks from the channel without processing them
//  2. Tracks chunk arrival times and payload sizes
//  3. Calculates rate mean, standard deviation, jitter, and throughput
//  4. Reports whether the flow is steady
//
// The measurement blocks for the entire window. Run it right after Start
// to verify the camera before wiring the chunks to production consumers.
//
// Returns an error if:
//   - The channel closes during the window (session ended)
//   - Fewer than 2 chunks arrive (nothing to measure)
//   - The context is cancelled
func MeasureFlow(ctx context.Context, chunks <-chan Chunk, duration time.Duration) (*FlowStats, error) {
	slog.Info("picam-capture: measuring flow",
		"duration", duration,
		"reason", "verify chunk rate and steadiness before production use",
	)

	startTime := time.Now()
	arrivals := make([]time.Time, 0, 256)
	var totalBytes uint64

	measureCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	for {
		select {
		case <-measureCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Window elapsed - analyze statistics
			goto analyze

		case chunk, ok := <-chunks:
			if !ok {
				return nil, fmt.Errorf("picam-capture: stream ended during flow measurement")
			}
			arrivals = append(arrivals, chunk.ArrivedAt)
			totalBytes += uint64(len(chunk.Data))

			slog.Debug("picam-capture: measurement chunk received",
				"seq", chunk.Seq,
				"chunks_collected", len(arrivals),
			)
		}
	}

analyze:
	elapsed := time.Since(startTime)

	if len(arrivals) < 2 {
		return nil, fmt.Errorf(
			"picam-capture: not enough chunks received (got %d, need at least 2)",
			len(arrivals),
		)
	}

	stats := flowstats.Calculate(arrivals, totalBytes, elapsed)

	slog.Info("picam-capture: flow measurement complete",
		"chunks", stats.ChunksReceived,
		"duration", stats.Duration,
		"rate_mean", fmt.Sprintf("%.2f", stats.RateMean),
		"rate_stddev", fmt.Sprintf("%.2f", stats.RateStdDev),
		"throughput_bps", fmt.Sprintf("%.0f", stats.Throughput),
		"jitter_mean", fmt.Sprintf("%.3fs", stats.JitterMean),
		"steady", stats.IsSteady,
	)

	return stats, nil
}
