package capture

import "time"

// Event is a single occurrence in the life of a capture process, delivered
// to the supervisor through a serialized stream: zero or more DataEvents
// followed by exactly one ExitEvent.
type Event interface {
	event()
}

// DataEvent carries an opaque byte chunk read from the process stdout.
// The handle does not interpret the bytes it forwards.
type DataEvent struct {
	// Data is the raw chunk. The slice is owned by the receiver.
	Data []byte
	// At is the arrival time of the chunk.
	At time.Time
}

func (DataEvent) event() {}

// ExitEvent is the terminal event of a process. No events follow it.
type ExitEvent struct {
	// Code is the process exit code: 0 is a clean shutdown, any other
	// value signals abnormal termination. Death by signal reports -1.
	Code int
	// At is the time the exit was observed.
	At time.Time
}

func (ExitEvent) event() {}
