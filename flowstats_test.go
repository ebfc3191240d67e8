package picamcapture

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestMeasureFlowCollectsWindow(t *testing.T) {
	chunks := make(chan Chunk, 64)

	// Feed chunks in real time so the window rate reflects the feed rate.
	feedCtx, stopFeed := context.WithCancel(context.Background())
	defer stopFeed()
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		seq := uint64(0)
		for {
			select {
			case <-feedCtx.Done():
				return
			case at := <-ticker.C:
				chunks <- Chunk{Seq: seq, Data: make([]byte, 1024), ArrivedAt: at}
				seq++
			}
		}
	}()

	stats, err := MeasureFlow(context.Background(), chunks, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("MeasureFlow() = %v", err)
	}

	if stats.ChunksReceived < 10 {
		t.Errorf("chunks = %d, want a windowful at 100/s", stats.ChunksReceived)
	}
	if stats.RateMean < 20 || stats.RateMean > 200 {
		t.Errorf("rate mean = %.1f, want around 100 chunks/s", stats.RateMean)
	}
	if stats.Throughput <= 0 {
		t.Errorf("throughput = %.0f, want > 0", stats.Throughput)
	}
	if stats.Duration < 300*time.Millisecond {
		t.Errorf("duration = %v, want the full window", stats.Duration)
	}

	t.Logf("✅ Window measured: %.1f chunks/s, %.0f B/s, steady=%v",
		stats.RateMean, stats.Throughput, stats.IsSteady)
}

func TestMeasureFlowStreamEnds(t *testing.T) {
	chunks := make(chan Chunk, 4)
	chunks <- Chunk{Seq: 0, Data: []byte("x"), ArrivedAt: time.Now()}
	close(chunks)

	_, err := MeasureFlow(context.Background(), chunks, time.Second)
	if err == nil || !strings.Contains(err.Error(), "ended") {
		t.Fatalf("MeasureFlow() = %v, want stream-ended error", err)
	}

	t.Logf("✅ A closed channel aborts the measurement: %v", err)
}

func TestMeasureFlowNotEnoughChunks(t *testing.T) {
	chunks := make(chan Chunk, 4)
	chunks <- Chunk{Seq: 0, Data: []byte("x"), ArrivedAt: time.Now()}

	_, err := MeasureFlow(context.Background(), chunks, 50*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "not enough") {
		t.Fatalf("MeasureFlow() = %v, want not-enough-chunks error", err)
	}

	t.Logf("✅ A silent window is reported, not analyzed: %v", err)
}

func TestMeasureFlowHonorsContext(t *testing.T) {
	chunks := make(chan Chunk)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := MeasureFlow(ctx, chunks, 10*time.Second)
	if err != context.Canceled {
		t.Fatalf("MeasureFlow() = %v, want context.Canceled", err)
	}
	if waited := time.Since(start); waited > 2*time.Second {
		t.Errorf("MeasureFlow blocked %v past cancellation", waited)
	}

	t.Logf("✅ Cancellation aborts the window early")
}
