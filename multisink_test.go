package picamcapture

import (
	"errors"
	"testing"
)

// faultySink fails selected operations while recording the rest.
type faultySink struct {
	countingSink
	declareErr error
	pushErr    error
}

func (f *faultySink) DeclareFormat(format Format) error {
	if f.declareErr != nil {
		return f.declareErr
	}
	return f.countingSink.DeclareFormat(format)
}

func (f *faultySink) Push(chunk Chunk) error {
	_ = f.countingSink.Push(chunk)
	return f.pushErr
}

func TestMultiSinkFansOut(t *testing.T) {
	a := NewChanSink(8, DropNew)
	b := NewChanSink(8, DropNew)
	multi := NewMultiSink(a, b)

	if err := multi.DeclareFormat(H264Format(Options{})); err != nil {
		t.Fatalf("DeclareFormat() = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := multi.Push(testChunk(uint64(i), "x")); err != nil {
			t.Fatalf("Push(%d) = %v", i, err)
		}
	}
	if err := multi.EndOfStream(); err != nil {
		t.Fatalf("EndOfStream() = %v", err)
	}

	for name, sink := range map[string]*ChanSink{"a": a, "b": b} {
		var count int
		for range sink.Chunks() {
			count++
		}
		if count != 3 {
			t.Errorf("sink %s received %d chunks, want 3", name, count)
		}
		if !sink.Stats().EndOfStream {
			t.Errorf("sink %s missed end-of-stream", name)
		}
	}

	t.Logf("✅ Every sink sees the same chunks and the end-of-stream")
}

func TestMultiSinkDeclareFailureAborts(t *testing.T) {
	bad := &faultySink{declareErr: errors.New("unsupported media type")}
	good := &countingSink{}
	multi := NewMultiSink(good, bad)

	if err := multi.DeclareFormat(H264Format(Options{})); err == nil {
		t.Fatal("DeclareFormat() = nil, want propagated failure")
	}

	t.Logf("✅ A sink rejecting the format aborts the declaration")
}

func TestMultiSinkPushContinuesPastFailure(t *testing.T) {
	bad := &faultySink{pushErr: errors.New("downstream full")}
	good := &countingSink{}
	multi := NewMultiSink(bad, good)

	err := multi.Push(testChunk(0, "x"))
	if err == nil {
		t.Fatal("Push() = nil, want first sink's error reported")
	}

	good.mu.Lock()
	pushes := good.pushes
	good.mu.Unlock()
	if pushes != 1 {
		t.Errorf("healthy sink received %d pushes, want 1 despite sibling failure", pushes)
	}

	t.Logf("✅ A failing sink does not starve its siblings")
}
