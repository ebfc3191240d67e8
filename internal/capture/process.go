package capture

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// readBufferSize matches the default Linux pipe capacity so a single read
// can drain everything the camera binary has written.
const readBufferSize = 64 * 1024

// eventBuffer smooths bursts between the pump goroutine and the supervisor.
const eventBuffer = 10

// Handle is the supervisor's view of one spawned capture process: a pull
// source of serialized events plus a terminate capability. Implementations
// must deliver the exit event strictly after every data event and produce
// nothing afterwards.
type Handle interface {
	// NextEvent blocks until the process produces its next event. After
	// the ExitEvent has been consumed it returns ErrHandleDrained; on
	// context cancellation it returns the context error.
	NextEvent(ctx context.Context) (Event, error)

	// Terminate kills the process if it is still running and releases its
	// I/O handles. Idempotent.
	Terminate()

	// PID returns the OS process id for diagnostics.
	PID() int
}

// Spawner creates process handles. ExecSpawner runs real processes; tests
// substitute handles that replay scripted event sequences.
type Spawner interface {
	// Spawn launches the command and returns a live handle. It fails only
	// if the OS cannot create the process or its pipes, a condition the
	// caller treats as immediately fatal.
	Spawn(ctx context.Context, cmd Command) (Handle, error)
}

// ExecSpawner spawns real OS processes via os/exec.
type ExecSpawner struct{}

// NewExecSpawner returns a Spawner backed by os/exec.
func NewExecSpawner() *ExecSpawner {
	return &ExecSpawner{}
}

// Spawn launches cmd with stdout and stderr pipes and starts the background
// readers. The returned handle emits one DataEvent per stdout read and a
// final ExitEvent carrying the process exit code.
func (s *ExecSpawner) Spawn(ctx context.Context, cmd Command) (Handle, error) {
	c := exec.CommandContext(ctx, cmd.Program, cmd.Args...)

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Program: cmd.Program, Err: err}
	}

	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Program: cmd.Program, Err: err}
	}

	if err := c.Start(); err != nil {
		return nil, &SpawnError{Program: cmd.Program, Err: err}
	}

	h := &execHandle{
		cmd:     c,
		pid:     c.Process.Pid,
		events:  make(chan Event, eventBuffer),
		stopped: make(chan struct{}),
	}

	slog.Debug("capture: process spawned",
		"program", cmd.Program,
		"pid", h.pid,
	)

	h.stderrDone = make(chan struct{})
	go h.logStderr(stderr)
	go h.pump(stdout)

	return h, nil
}

// execHandle owns one spawned process. A single pump goroutine reads stdout
// to EOF and then reaps the process, which keeps the event stream strictly
// ordered: data events first, one exit event last.
type execHandle struct {
	cmd        *exec.Cmd
	pid        int
	events     chan Event
	stopped    chan struct{}
	stderrDone chan struct{}
	stopOnce   sync.Once
}

// pump reads stdout chunks until EOF, waits for the process to exit, and
// emits the terminal ExitEvent before closing the event stream.
func (h *execHandle) pump(stdout io.ReadCloser) {
	defer close(h.events)

	buf := make([]byte, readBufferSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			select {
			case h.events <- DataEvent{Data: data, At: time.Now()}:
			case <-h.stopped:
				// Receiver is gone; keep draining so Wait can reap.
			}
		}
		if err != nil {
			break
		}
	}

	// Let the stderr reader hit EOF before Wait closes the pipes.
	<-h.stderrDone

	code := 0
	if err := h.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Death by signal reports -1, treated as abnormal termination.
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	slog.Debug("capture: process exited",
		"pid", h.pid,
		"exit_code", code,
	)

	select {
	case h.events <- ExitEvent{Code: code, At: time.Now()}:
	case <-h.stopped:
	}
}

// logStderr forwards the capture binary's stderr lines to the log, mapping
// its severity markers onto slog levels.
func (h *execHandle) logStderr(stderr io.ReadCloser) {
	defer close(h.stderrDone)

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.Contains(line, "ERROR"):
			slog.Error("capture: process stderr", "pid", h.pid, "log", line)
		case strings.Contains(line, "WARN"):
			slog.Warn("capture: process stderr", "pid", h.pid, "log", line)
		default:
			slog.Debug("capture: process stderr", "pid", h.pid, "log", line)
		}
	}
}

// NextEvent returns the next serialized event from the process.
func (h *execHandle) NextEvent(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-h.events:
		if !ok {
			return nil, ErrHandleDrained
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Terminate kills the process and unblocks the pump. Safe to call on a
// handle whose process has already exited.
func (h *execHandle) Terminate() {
	h.stopOnce.Do(func() {
		close(h.stopped)
		if h.cmd.Process != nil {
			if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				slog.Debug("capture: kill failed", "pid", h.pid, "error", err)
			}
		}
	})
}

// PID returns the OS process id.
func (h *execHandle) PID() int {
	return h.pid
}
