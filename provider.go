package picamcapture

import "context"

// SourceProvider defines the contract for camera capture acquisition
//
// Implementations must guarantee:
//   - Start() returns immediately (non-blocking)
//   - Chunks reach the sink in strict arrival order, without blocking capture
//   - Stop() is idempotent (safe to call multiple times)
//   - Stats() is thread-safe (can be called from any goroutine)
//   - Done() unblocks exactly when the session reaches a terminal state
type SourceProvider interface {
	// Start launches the capture session and returns immediately.
	//
	// The session runs in the background: the supervisor spawns the camera
	// process, forwards stdout chunks to the sink configured at
	// construction, and applies the retry policy on open failures. Chunks
	// start arriving asynchronously once the camera opens.
	//
	// Start fails fast if the session is already running. OS-level spawn
	// failures and camera open failures surface later through Err(), not
	// through Start.
	//
	// Example:
	//   src, _ := NewSource(cfg, sink)
	//   if err := src.Start(ctx); err != nil {
	//       log.Fatal(err)
	//   }
	//   <-src.Done()
	//   if err := src.Err(); err != nil {
	//       log.Fatal(err)
	//   }
	Start(ctx context.Context) error

	// Stop tears the session down.
	//
	// This method:
	//   1. Cancels the session context to signal shutdown
	//   2. Terminates the owned capture process
	//   3. Waits up to 3 seconds for the supervisor to finish
	//
	// Teardown is not a clean camera exit: the sink does not receive
	// end-of-stream. Safe to call multiple times (idempotent). If called
	// when the source is not running, returns nil immediately.
	Stop() error

	// Done returns a channel closed when the session reaches a terminal
	// state. Nil if Start has not been called yet.
	Done() <-chan struct{}

	// Err returns the terminal session failure once Done is closed: nil
	// after a clean shutdown or a commanded Stop, the fatal error otherwise.
	Err() error

	// Stats returns current source statistics.
	//
	// This method is thread-safe and can be called from any goroutine.
	// Counters are updated atomically during capture.
	Stats() SourceStats
}
