package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	picamcapture "github.com/e7canasta/picam-capture"
)

// Version information
const version = "v0.1.0"

func main() {
	// Parse command-line flags
	binary := flag.String("binary", "", "Camera binary path (default: rpicam-vid from PATH)")
	width := flag.Int("width", 0, "Frame width (0 = camera default)")
	height := flag.Int("height", 0, "Frame height (0 = camera default)")
	fps := flag.Float64("fps", 0, "Framerate (0 = camera default)")
	bitrate := flag.Int("bitrate", 0, "Bitrate in bits/s (0 = camera default)")
	audio := flag.Bool("audio", false, "Enable audio capture")
	timeout := flag.Duration("timeout", 0, "Capture duration (0 = unbounded)")
	outputFile := flag.String("output", "", "File to append the H.264 elementary stream (optional)")
	maxChunks := flag.Int("max-chunks", 0, "Maximum chunks to capture (0 = unlimited)")
	statsInterval := flag.Int("stats-interval", 10, "Seconds between stats reports")
	buffer := flag.Int("buffer", 64, "Chunk channel buffer depth")
	dropPolicy := flag.String("drop", "old", "Drop policy when the buffer is full: new, old")
	startupDelay := flag.Duration("startup-delay", 0, "Wait before the first spawn")
	maxRetries := flag.Int("max-retries", 0, "Open-failure retries (0 = default)")
	retryBackoff := flag.Duration("retry-backoff", 0, "Pause between retries (0 = default)")
	skipWarmup := flag.Bool("skip-warmup", false, "Skip flow steadiness warmup")
	warmupDuration := flag.Duration("warmup-duration", 5*time.Second, "Flow measurement window")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	// Show version
	if *showVersion {
		fmt.Printf("test-capture %s\n", version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Parse drop policy
	var policy picamcapture.DropPolicy
	switch *dropPolicy {
	case "new":
		policy = picamcapture.DropNew
	case "old":
		policy = picamcapture.DropOld
	default:
		log.Fatalf("Invalid drop policy: %s (must be new or old)", *dropPolicy)
	}

	// Open output file if specified
	var out *os.File
	if *outputFile != "" {
		f, err := os.Create(*outputFile)
		if err != nil {
			log.Fatalf("Failed to create output file: %v", err)
		}
		defer f.Close()
		out = f
		slog.Info("Stream saving enabled", "file", *outputFile)
	}

	// Print banner
	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║              PiCam Capture Test - picam-capture           ║\n")
	fmt.Printf("║                      Version %s                        ║\n", version)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
	fmt.Printf("Configuration:\n")
	if *binary != "" {
		fmt.Printf("  Camera Binary: %s\n", *binary)
	} else {
		fmt.Printf("  Camera Binary: %s (from PATH)\n", picamcapture.DefaultBinary)
	}
	if *width > 0 || *height > 0 {
		fmt.Printf("  Resolution:    %dx%d\n", *width, *height)
	} else {
		fmt.Printf("  Resolution:    (camera default)\n")
	}
	if *fps > 0 {
		fmt.Printf("  Framerate:     %.2f fps\n", *fps)
	} else {
		fmt.Printf("  Framerate:     (camera default)\n")
	}
	if *timeout > 0 {
		fmt.Printf("  Duration:      %s\n", *timeout)
	} else {
		fmt.Printf("  Duration:      unbounded\n")
	}
	if *outputFile != "" {
		fmt.Printf("  Output File:   %s\n", *outputFile)
	} else {
		fmt.Printf("  Output File:   (none - stream not saved)\n")
	}
	if *maxChunks > 0 {
		fmt.Printf("  Max Chunks:    %d\n", *maxChunks)
	} else {
		fmt.Printf("  Max Chunks:    unlimited\n")
	}
	fmt.Printf("\n")

	// Create the capture source
	sink := picamcapture.NewChanSink(*buffer, policy)
	source, err := picamcapture.NewSource(picamcapture.CaptureConfig{
		BinaryPath:   *binary,
		Timeout:      *timeout,
		Framerate:    fractionFromFPS(*fps),
		Width:        *width,
		Height:       *height,
		Bitrate:      *bitrate,
		AudioEnabled: *audio,
		StartupDelay: *startupDelay,
		MaxRetries:   *maxRetries,
		RetryBackoff: *retryBackoff,
	}, sink)
	if err != nil {
		log.Fatalf("Failed to create capture source: %v", err)
	}

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start the capture (non-blocking, returns immediately)
	slog.Info("Starting capture...")
	if err := source.Start(ctx); err != nil {
		log.Fatalf("Failed to start capture: %v", err)
	}

	slog.Info("Capture started successfully")

	// Warmup: measure chunk flow steadiness before processing
	if !*skipWarmup {
		fmt.Printf("\n")
		fmt.Printf("Running warmup (%s) to measure stream steadiness...\n", *warmupDuration)
		flow, err := picamcapture.MeasureFlow(ctx, sink.Chunks(), *warmupDuration)
		if err != nil {
			log.Fatalf("Warmup failed: %v", err)
		}

		fmt.Printf("\n")
		fmt.Printf("╭─────────────────────────────────────────────────────────╮\n")
		fmt.Printf("│ Warmup Complete\n")
		fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
		fmt.Printf("│ Chunks Received:    %6d chunks\n", flow.ChunksReceived)
		fmt.Printf("│ Duration:           %6.1f seconds\n", flow.Duration.Seconds())
		fmt.Printf("│ Rate Mean:          %6.2f chunks/s\n", flow.RateMean)
		fmt.Printf("│ Rate StdDev:        %6.2f chunks/s\n", flow.RateStdDev)
		fmt.Printf("│ Rate Range:         %6.1f - %.1f chunks/s\n", flow.RateMin, flow.RateMax)
		fmt.Printf("│ Throughput:         %6.1f KB/s\n", flow.Throughput/1024)
		fmt.Printf("│ Jitter Mean:        %6.3f s\n", flow.JitterMean)
		fmt.Printf("│ Jitter Max:         %6.3f s\n", flow.JitterMax)
		fmt.Printf("│ Steady:             %6v\n", flow.IsSteady)
		fmt.Printf("╰─────────────────────────────────────────────────────────╯\n")

		if !flow.IsSteady {
			fmt.Printf("\n⚠️  WARNING: Stream is unsteady (high rate variance or jitter)\n")
		}

		fmt.Printf("\n")
	}
	fmt.Printf("Starting chunk capture...\n")
	fmt.Printf("Press Ctrl+C to stop gracefully\n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n\n")

	// Stats tracking
	startTime := time.Now()
	bytesSaved := 0
	writeErrors := 0

	// Launch stats reporter goroutine
	statsTicker := time.NewTicker(time.Duration(*statsInterval) * time.Second)
	defer statsTicker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-statsTicker.C:
				stats := source.Stats()
				sinkStats := sink.Stats()
				uptime := time.Since(startTime)

				fmt.Printf("\n")
				fmt.Printf("╭─────────────────────────────────────────────────────────╮\n")
				fmt.Printf("│ Capture Statistics (Uptime: %s)\n", uptime.Round(time.Second))
				fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
				fmt.Printf("│ Session:            %s\n", stats.SessionID)
				fmt.Printf("│ State:              %6s\n", stats.State)
				fmt.Printf("│ Chunks Captured:    %6d chunks\n", stats.ChunkCount)
				fmt.Printf("│ Chunks Delivered:   %6d chunks\n", sinkStats.Delivered)
				if sinkStats.Dropped > 0 {
					fmt.Printf("│ Chunks Dropped:     %6d chunks\n", sinkStats.Dropped)
				}
				fmt.Printf("│ Chunk Rate:         %6.2f chunks/s\n", stats.ChunkRate)
				fmt.Printf("│ Throughput:         %6.2f KB/s\n", stats.ThroughputBps/1024)
				fmt.Printf("│ Latency:            %6d ms\n", stats.LatencyMS)
				fmt.Printf("│ Bytes Read:         %6.2f MB\n", float64(stats.BytesRead)/1024/1024)
				fmt.Printf("│ Retries:            %6d\n", stats.Retries)
				fmt.Printf("│ Spawn Attempts:     %6d\n", stats.SpawnAttempts)
				fmt.Printf("╰─────────────────────────────────────────────────────────╯\n")
				fmt.Printf("\n")
			}
		}
	}()

	// Main chunk processing loop
	chunkCount := 0
	for {
		select {
		case <-sigChan:
			fmt.Printf("\n\nReceived interrupt signal, shutting down...\n")
			cancel()
			goto shutdown

		case chunk, ok := <-sink.Chunks():
			if !ok {
				fmt.Printf("\nStream ended\n")
				goto shutdown
			}

			chunkCount++

			// Log chunk arrival (compact format)
			fmt.Printf("[%s] Chunk #%-6d | Seq: %-8d | Size: %6.1f KB | PTS: %s\n",
				time.Now().Format("15:04:05"),
				chunkCount,
				chunk.Seq,
				float64(len(chunk.Data))/1024,
				chunk.PTS.Round(time.Millisecond),
			)

			// Save chunk if output file specified
			if out != nil {
				if n, err := out.Write(chunk.Data); err != nil {
					slog.Error("Failed to write chunk", "error", err, "seq", chunk.Seq)
					writeErrors++
				} else {
					bytesSaved += n
				}
			}

			// Stop if max chunks reached
			if *maxChunks > 0 && chunkCount >= *maxChunks {
				fmt.Printf("\nReached maximum chunks (%d), stopping...\n", *maxChunks)
				cancel()
				goto shutdown
			}
		}
	}

shutdown:
	slog.Info("Stopping capture...")
	if err := source.Stop(); err != nil {
		slog.Error("Error stopping capture", "error", err)
	}

	// Final stats
	finalStats := source.Stats()
	uptime := time.Since(startTime)

	fmt.Printf("\n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("                     Final Statistics                      \n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("  Total Uptime:       %s\n", uptime.Round(time.Second))
	fmt.Printf("  Session:            %s\n", finalStats.SessionID)
	fmt.Printf("  Chunks Captured:    %d chunks\n", finalStats.ChunkCount)
	fmt.Printf("  Bytes Read:         %.2f MB\n", float64(finalStats.BytesRead)/1024/1024)
	if *outputFile != "" {
		fmt.Printf("  Bytes Saved:        %.2f MB\n", float64(bytesSaved)/1024/1024)
		fmt.Printf("  Write Errors:       %d\n", writeErrors)
	}
	fmt.Printf("  Average Rate:       %.2f chunks/s\n", finalStats.ChunkRate)
	fmt.Printf("  Retries:            %d\n", finalStats.Retries)
	fmt.Printf("  Spawn Attempts:     %d\n", finalStats.SpawnAttempts)
	if finalStats.Failure != picamcapture.FailureNone {
		fmt.Printf("─────────────────────────────────────────────────────────\n")
		fmt.Printf("  Failure:            %s\n", finalStats.Failure)
		if err := source.Err(); err != nil {
			fmt.Printf("  Error:              %v\n", err)
		}
	}
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("\n")

	slog.Info("Test capture completed")
}

// fractionFromFPS converts a float framerate flag into an exact fraction.
// Zero maps to the camera-default sentinel.
func fractionFromFPS(fps float64) picamcapture.Fraction {
	if fps <= 0 {
		return picamcapture.Fraction{}
	}
	num := int(fps*1000 + 0.5)
	den := 1000
	g := gcd(num, den)
	return picamcapture.Fraction{Num: num / g, Den: den / g}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
