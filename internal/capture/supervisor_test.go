package capture

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

// scriptedHandle replays a fixed event sequence, standing in for a real
// camera process. With hang set it blocks once the script runs out, like
// a live process that has gone quiet.
type scriptedHandle struct {
	mu         sync.Mutex
	events     []Event
	pos        int
	hang       bool
	terminated bool
}

func (h *scriptedHandle) NextEvent(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	if h.pos < len(h.events) {
		ev := h.events[h.pos]
		h.pos++
		h.mu.Unlock()
		return ev, nil
	}
	hang := h.hang
	h.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, ErrHandleDrained
}

func (h *scriptedHandle) Terminate() {
	h.mu.Lock()
	h.terminated = true
	h.mu.Unlock()
}

func (h *scriptedHandle) PID() int { return 4242 }

// scriptedSpawner hands out pre-built handles in order and records every
// command it was asked to launch.
type scriptedSpawner struct {
	mu       sync.Mutex
	handles  []*scriptedHandle
	commands []Command
	spawnAt  []time.Time
	err      error
}

func (s *scriptedSpawner) Spawn(ctx context.Context, cmd Command) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	s.spawnAt = append(s.spawnAt, time.Now())
	if s.err != nil {
		return nil, s.err
	}
	if len(s.handles) == 0 {
		return nil, errors.New("no scripted process left")
	}
	h := s.handles[0]
	s.handles = s.handles[1:]
	return h, nil
}

func (s *scriptedSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commands)
}

// recordingSink captures every sink interaction in arrival order.
type recordingSink struct {
	mu      sync.Mutex
	ops     []string
	formats []Format
	chunks  []Chunk
	eos     int
	pushErr error
}

func (r *recordingSink) DeclareFormat(f Format) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "format")
	r.formats = append(r.formats, f)
	return nil
}

func (r *recordingSink) Push(c Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "push")
	r.chunks = append(r.chunks, c)
	return r.pushErr
}

func (r *recordingSink) EndOfStream() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "eos")
	r.eos++
	return nil
}

func (r *recordingSink) snapshot() (chunks []Chunk, eos int, ops []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Chunk(nil), r.chunks...), r.eos, append([]string(nil), r.ops...)
}

// fastConfig keeps retry pauses negligible so tests stay quick.
func fastConfig() Config {
	return Config{MaxRetries: 3, RetryBackoff: time.Millisecond}
}

func data(at time.Time, payload string) Event {
	return DataEvent{Data: []byte(payload), At: at}
}

func exit(at time.Time, code int) Event {
	return ExitEvent{Code: code, At: at}
}

func TestSupervisorFirstChunkZeroPTS(t *testing.T) {
	base := time.Now()
	spawner := &scriptedSpawner{handles: []*scriptedHandle{{events: []Event{
		data(base, "aaaa"),
		data(base.Add(40*time.Millisecond), "bbbb"),
		data(base.Add(80*time.Millisecond), "cccc"),
		exit(base.Add(120*time.Millisecond), 0),
	}}}}
	sink := &recordingSink{}
	sup := NewSupervisor(Options{}, spawner, fastConfig())

	if err := sup.Run(context.Background(), sink); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	chunks, eos, _ := sink.snapshot()
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if chunks[0].PTS != 0 {
		t.Errorf("first chunk PTS = %v, want 0", chunks[0].PTS)
	}
	if chunks[1].PTS != 40*time.Millisecond {
		t.Errorf("second chunk PTS = %v, want 40ms", chunks[1].PTS)
	}
	if eos != 1 {
		t.Errorf("end-of-stream count = %d, want 1", eos)
	}
	if sup.State() != StateTerminated {
		t.Errorf("state = %v, want terminated", sup.State())
	}
	if got := sup.Stats().Failure; got != FailureNone {
		t.Errorf("failure = %v, want none", got)
	}

	t.Logf("✅ First chunk anchors the timeline at PTS 0")
}

func TestSupervisorPTSMonotonic(t *testing.T) {
	base := time.Now()
	events := make([]Event, 0, 21)
	for i := 0; i < 20; i++ {
		events = append(events, data(base.Add(time.Duration(i)*33*time.Millisecond), "x"))
	}
	events = append(events, exit(base.Add(time.Second), 0))

	spawner := &scriptedSpawner{handles: []*scriptedHandle{{events: events}}}
	sink := &recordingSink{}
	sup := NewSupervisor(Options{}, spawner, fastConfig())

	if err := sup.Run(context.Background(), sink); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	chunks, _, _ := sink.snapshot()
	for i := 1; i < len(chunks); i++ {
		if chunks[i].PTS < chunks[i-1].PTS {
			t.Errorf("PTS went backwards at seq %d: %v < %v", i, chunks[i].PTS, chunks[i-1].PTS)
		}
		if chunks[i].Seq != chunks[i-1].Seq+1 {
			t.Errorf("sequence gap at index %d: %d after %d", i, chunks[i].Seq, chunks[i-1].Seq)
		}
	}

	t.Logf("✅ PTS is monotonically non-decreasing across %d chunks", len(chunks))
}

func TestSupervisorCleanExitBeforeData(t *testing.T) {
	base := time.Now()
	spawner := &scriptedSpawner{handles: []*scriptedHandle{{events: []Event{
		exit(base, 0),
	}}}}
	sink := &recordingSink{}
	sup := NewSupervisor(Options{}, spawner, fastConfig())

	if err := sup.Run(context.Background(), sink); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	chunks, eos, ops := sink.snapshot()
	if len(chunks) != 0 {
		t.Errorf("chunks = %d, want 0", len(chunks))
	}
	if eos != 1 {
		t.Errorf("end-of-stream count = %d, want exactly 1", eos)
	}
	if !reflect.DeepEqual(ops, []string{"format", "eos"}) {
		t.Errorf("sink ops = %v, want [format eos]", ops)
	}
	if n := spawner.spawnCount(); n != 1 {
		t.Errorf("spawn count = %d, want 1 (clean exit is never retried)", n)
	}

	t.Logf("✅ Clean exit with zero data ends the stream without retry")
}

func TestSupervisorRetriesOpenFailureOnce(t *testing.T) {
	base := time.Now()
	spawner := &scriptedSpawner{handles: []*scriptedHandle{
		{events: []Event{exit(base, 17)}},
		{events: []Event{
			data(base.Add(time.Second), "frame"),
			exit(base.Add(2*time.Second), 0),
		}},
	}}
	sink := &recordingSink{}
	opts := Options{Width: 1280, Height: 720, Framerate: Fraction{Num: 30, Den: 1}}
	sup := NewSupervisor(opts, spawner, fastConfig())

	if err := sup.Run(context.Background(), sink); err != nil {
		t.Fatalf("Run() = %v, want nil after successful retry", err)
	}

	if n := spawner.spawnCount(); n != 2 {
		t.Fatalf("spawn count = %d, want 2", n)
	}
	if !reflect.DeepEqual(spawner.commands[0], spawner.commands[1]) {
		t.Errorf("retry command differs:\n  first:  %v\n  second: %v",
			spawner.commands[0], spawner.commands[1])
	}

	chunks, eos, _ := sink.snapshot()
	if len(chunks) != 1 || eos != 1 {
		t.Errorf("chunks = %d, eos = %d; want 1 and 1", len(chunks), eos)
	}
	if chunks[0].PTS != 0 {
		t.Errorf("first chunk after retry PTS = %v, want 0", chunks[0].PTS)
	}

	stats := sup.Stats()
	if stats.Retries != 1 {
		t.Errorf("retries = %d, want 1", stats.Retries)
	}
	if stats.Failure != FailureNone {
		t.Errorf("failure = %v, want none (retry is invisible)", stats.Failure)
	}

	t.Logf("✅ Single open failure triggers one retry with the identical command")
}

func TestSupervisorRetriesExhausted(t *testing.T) {
	base := time.Now()
	spawner := &scriptedSpawner{handles: []*scriptedHandle{
		{events: []Event{exit(base, 17)}},
		{events: []Event{exit(base, 17)}},
		{events: []Event{exit(base, 17)}},
		{events: []Event{exit(base, 5)}},
	}}
	sink := &recordingSink{}
	sup := NewSupervisor(Options{}, spawner, fastConfig())

	err := sup.Run(context.Background(), sink)

	var exhausted *RetriesExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Run() = %v, want RetriesExhaustedError", err)
	}
	if exhausted.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", exhausted.Attempts)
	}
	if exhausted.LastCode != 5 {
		t.Errorf("last exit code = %d, want 5", exhausted.LastCode)
	}
	if n := spawner.spawnCount(); n != 4 {
		t.Errorf("spawn count = %d, want exactly 4 (no fifth spawn)", n)
	}

	chunks, eos, _ := sink.snapshot()
	if len(chunks) != 0 || eos != 0 {
		t.Errorf("chunks = %d, eos = %d; want 0 and 0 on failure", len(chunks), eos)
	}
	if got := sup.Stats().Failure; got != FailureRetriesExhausted {
		t.Errorf("failure = %v, want retries-exhausted", got)
	}

	t.Logf("✅ Retry budget is bounded: 4 attempts, then fatal")
}

func TestSupervisorMidStreamFailureFatal(t *testing.T) {
	base := time.Now()
	spawner := &scriptedSpawner{handles: []*scriptedHandle{{events: []Event{
		data(base, "frame"),
		exit(base.Add(time.Second), 9),
	}}}}
	sink := &recordingSink{}
	sup := NewSupervisor(Options{}, spawner, fastConfig())

	err := sup.Run(context.Background(), sink)

	var midStream *MidStreamError
	if !errors.As(err, &midStream) {
		t.Fatalf("Run() = %v, want MidStreamError", err)
	}
	if midStream.Code != 9 {
		t.Errorf("exit code = %d, want 9", midStream.Code)
	}
	if n := spawner.spawnCount(); n != 1 {
		t.Errorf("spawn count = %d, want 1 (mid-stream failures never retry)", n)
	}

	chunks, eos, _ := sink.snapshot()
	if len(chunks) != 1 {
		t.Errorf("chunks = %d, want the 1 delivered before the crash", len(chunks))
	}
	if eos != 0 {
		t.Errorf("end-of-stream count = %d, want 0 on abnormal exit", eos)
	}
	if got := sup.Stats().Failure; got != FailureMidStream {
		t.Errorf("failure = %v, want mid-stream", got)
	}

	t.Logf("✅ Abnormal exit after data is immediately fatal, budget untouched")
}

func TestSupervisorStartupDelayOnce(t *testing.T) {
	base := time.Now()
	spawner := &scriptedSpawner{handles: []*scriptedHandle{
		{events: []Event{exit(base, 17)}},
		{events: []Event{data(base, "frame"), exit(base.Add(time.Second), 0)}},
	}}
	sink := &recordingSink{}
	cfg := Config{MaxRetries: 3, RetryBackoff: time.Millisecond, StartupDelay: 150 * time.Millisecond}
	sup := NewSupervisor(Options{}, spawner, cfg)

	start := time.Now()
	if err := sup.Run(context.Background(), sink); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	if n := spawner.spawnCount(); n != 2 {
		t.Fatalf("spawn count = %d, want 2", n)
	}
	if gap := spawner.spawnAt[0].Sub(start); gap < 150*time.Millisecond {
		t.Errorf("first spawn after %v, want >= 150ms startup delay", gap)
	}
	if gap := spawner.spawnAt[1].Sub(spawner.spawnAt[0]); gap >= 100*time.Millisecond {
		t.Errorf("retry spawn after %v, startup delay must not repeat", gap)
	}

	t.Logf("✅ Startup delay observed exactly once, before the first spawn only")
}

func TestSupervisorSinkCallOrder(t *testing.T) {
	base := time.Now()
	spawner := &scriptedSpawner{handles: []*scriptedHandle{{events: []Event{
		data(base, "a"),
		data(base.Add(time.Millisecond), "b"),
		exit(base.Add(2*time.Millisecond), 0),
	}}}}
	sink := &recordingSink{}
	sup := NewSupervisor(Options{Width: 640, Height: 480}, spawner, fastConfig())

	if err := sup.Run(context.Background(), sink); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	_, _, ops := sink.snapshot()
	want := []string{"format", "push", "push", "eos"}
	if !reflect.DeepEqual(ops, want) {
		t.Errorf("sink ops = %v, want %v", ops, want)
	}

	sink.mu.Lock()
	format := sink.formats[0]
	sink.mu.Unlock()
	if format.MediaType != MediaTypeH264 || format.Width != 640 || format.Height != 480 {
		t.Errorf("declared format = %+v", format)
	}

	t.Logf("✅ Format declared once before data, end-of-stream last")
}

func TestSupervisorPushErrorDoesNotAbort(t *testing.T) {
	base := time.Now()
	spawner := &scriptedSpawner{handles: []*scriptedHandle{{events: []Event{
		data(base, "a"),
		data(base.Add(time.Millisecond), "b"),
		exit(base.Add(2*time.Millisecond), 0),
	}}}}
	sink := &recordingSink{pushErr: errors.New("downstream full")}
	sup := NewSupervisor(Options{}, spawner, fastConfig())

	if err := sup.Run(context.Background(), sink); err != nil {
		t.Fatalf("Run() = %v, want nil (push errors are logged, not fatal)", err)
	}

	chunks, eos, _ := sink.snapshot()
	if len(chunks) != 2 || eos != 1 {
		t.Errorf("chunks = %d, eos = %d; want 2 and 1", len(chunks), eos)
	}

	t.Logf("✅ Sink push errors never stall or fail the session")
}

func TestSupervisorSpawnErrorFatal(t *testing.T) {
	spawner := &scriptedSpawner{err: errors.New("fork/exec: no such file")}
	sink := &recordingSink{}
	sup := NewSupervisor(Options{}, spawner, fastConfig())

	err := sup.Run(context.Background(), sink)

	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Run() = %v, want SpawnError", err)
	}
	if n := spawner.spawnCount(); n != 1 {
		t.Errorf("spawn count = %d, want 1 (spawn failure is never retried)", n)
	}
	if got := sup.Stats().Failure; got != FailureSpawn {
		t.Errorf("failure = %v, want spawn", got)
	}

	t.Logf("✅ OS-level spawn failure is immediately fatal")
}

func TestSupervisorCancelDuringBackoff(t *testing.T) {
	base := time.Now()
	spawner := &scriptedSpawner{handles: []*scriptedHandle{
		{events: []Event{exit(base, 17)}},
	}}
	sink := &recordingSink{}
	cfg := Config{MaxRetries: 3, RetryBackoff: 10 * time.Second}
	sup := NewSupervisor(Options{}, spawner, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := sup.Run(ctx, sink)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() = %v, want context deadline", err)
	}
	if n := spawner.spawnCount(); n != 1 {
		t.Errorf("spawn count = %d, want 1 (teardown aborts the backoff)", n)
	}

	_, eos, _ := sink.snapshot()
	if eos != 0 {
		t.Errorf("end-of-stream count = %d, want 0 on teardown", eos)
	}

	t.Logf("✅ Teardown during backoff aborts without spawning again")
}

func TestSupervisorCancelDuringStream(t *testing.T) {
	base := time.Now()
	handle := &scriptedHandle{events: []Event{data(base, "frame")}, hang: true}
	spawner := &scriptedSpawner{handles: []*scriptedHandle{handle}}
	sink := &recordingSink{}
	sup := NewSupervisor(Options{}, spawner, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, sink) }()

	// Let the single data event drain, then tear down while the handle
	// has nothing more to say.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	handle.mu.Lock()
	terminated := handle.terminated
	handle.mu.Unlock()
	if !terminated {
		t.Errorf("owned process not terminated on teardown")
	}

	_, eos, _ := sink.snapshot()
	if eos != 0 {
		t.Errorf("end-of-stream count = %d, want 0 on teardown", eos)
	}

	t.Logf("✅ Teardown kills the owned process and skips end-of-stream")
}

func TestSupervisorRunTwice(t *testing.T) {
	base := time.Now()
	spawner := &scriptedSpawner{handles: []*scriptedHandle{{events: []Event{exit(base, 0)}}}}
	sink := &recordingSink{}
	sup := NewSupervisor(Options{}, spawner, fastConfig())

	if err := sup.Run(context.Background(), sink); err != nil {
		t.Fatalf("first Run() = %v, want nil", err)
	}
	if err := sup.Run(context.Background(), sink); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Run() = %v, want ErrAlreadyStarted", err)
	}

	t.Logf("✅ A supervisor drives exactly one session")
}

func TestSupervisorStatsSnapshot(t *testing.T) {
	base := time.Now()
	spawner := &scriptedSpawner{handles: []*scriptedHandle{
		{events: []Event{exit(base, 17)}},
		{events: []Event{
			data(base, "abcd"),
			data(base.Add(time.Millisecond), "efgh"),
			exit(base.Add(2*time.Millisecond), 0),
		}},
	}}
	sink := &recordingSink{}
	sup := NewSupervisor(Options{}, spawner, fastConfig())

	if sup.State() != StateIdle {
		t.Errorf("state before Run = %v, want idle", sup.State())
	}

	if err := sup.Run(context.Background(), sink); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	stats := sup.Stats()
	if stats.ChunkCount != 2 {
		t.Errorf("chunk count = %d, want 2", stats.ChunkCount)
	}
	if stats.BytesRead != 8 {
		t.Errorf("bytes read = %d, want 8", stats.BytesRead)
	}
	if stats.Retries != 1 || stats.SpawnAttempts != 2 {
		t.Errorf("retries = %d, spawns = %d; want 1 and 2", stats.Retries, stats.SpawnAttempts)
	}
	if !stats.Produced {
		t.Errorf("produced = false, want true")
	}
	if stats.SessionID == "" {
		t.Errorf("session id is empty")
	}
	if stats.StartedAt.IsZero() || stats.LastChunkAt.IsZero() {
		t.Errorf("timestamps not recorded: started=%v lastChunk=%v", stats.StartedAt, stats.LastChunkAt)
	}

	t.Logf("✅ Stats: %d chunks, %d bytes, %d retries", stats.ChunkCount, stats.BytesRead, stats.Retries)
}
