package sequencer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/mia-core/internal/tts"
)

type fakeSynth struct {
	delays   map[string]time.Duration
	failures map[string]error
	block    map[string]bool

	active  atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (tts.Audio, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if f.block[req.Text] {
		<-ctx.Done()
		return tts.Audio{}, ctx.Err()
	}
	select {
	case <-time.After(f.delays[req.Text]):
	case <-ctx.Done():
		return tts.Audio{}, ctx.Err()
	}
	if err := f.failures[req.Text]; err != nil {
		return tts.Audio{}, err
	}
	return tts.Audio{PCM: []byte(req.Text), SampleRate: 16000, Channels: 1}, nil
}

type recordingSink struct {
	mu       sync.Mutex
	segments []Payload
	complete int
	events   []string
}

func (r *recordingSink) EmitSegment(_ context.Context, p Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments = append(r.segments, p)
	r.events = append(r.events, "segment")
	return nil
}

func (r *recordingSink) EmitComplete(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.complete++
	r.events = append(r.events, "complete")
	return nil
}

func (r *recordingSink) snapshot() ([]Payload, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Payload(nil), r.segments...), append([]string(nil), r.events...)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOrderedEmissionUnderInverseDelays(t *testing.T) {
	synth := &fakeSynth{delays: map[string]time.Duration{
		"first":  80 * time.Millisecond,
		"second": 40 * time.Millisecond,
		"third":  0,
	}}
	sink := &recordingSink{}
	seq := New(synth, sink, WithWorkers(3), WithLogger(newLogger()))
	ctx := context.Background()

	for i, text := range []string{"first", "second", "third"} {
		n, ok := seq.Submit(ctx, text, "display "+text)
		if !ok || n != i {
			t.Fatalf("submit %q: got seq=%d ok=%v", text, n, ok)
		}
	}
	if err := seq.AwaitAll(ctx); err != nil {
		t.Fatalf("await: %v", err)
	}
	if err := seq.Finish(ctx); err != nil {
		t.Fatalf("finish: %v", err)
	}

	segments, events := sink.snapshot()
	if len(segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segments))
	}
	for i, p := range segments {
		if p.Sequence != i {
			t.Fatalf("position %d carries sequence %d", i, p.Sequence)
		}
	}
	if segments[0].DisplayText != "display first" {
		t.Fatalf("display text not kept: %q", segments[0].DisplayText)
	}
	if events[len(events)-1] != "complete" || sink.complete != 1 {
		t.Fatalf("completion marker must come last exactly once: %v", events)
	}
	if synth.maxSeen.Load() < 2 {
		t.Fatalf("expected jobs to overlap, max concurrency %d", synth.maxSeen.Load())
	}
}

func TestFailureKeepsItsSlot(t *testing.T) {
	boom := errors.New("voice unavailable")
	synth := &fakeSynth{
		delays:   map[string]time.Duration{"a": 30 * time.Millisecond},
		failures: map[string]error{"b": boom},
	}
	sink := &recordingSink{}
	var failed atomic.Int32
	seq := New(synth, sink, WithLogger(newLogger()), WithFailureHook(func(n int, err error) {
		if n == 1 && errors.Is(err, boom) {
			failed.Add(1)
		}
	}))
	ctx := context.Background()
	for _, text := range []string{"a", "b", "c"} {
		seq.Submit(ctx, text, text)
	}
	if err := seq.AwaitAll(ctx); err != nil {
		t.Fatalf("await: %v", err)
	}
	if err := seq.Finish(ctx); err != nil {
		t.Fatalf("finish: %v", err)
	}

	segments, _ := sink.snapshot()
	if len(segments) != 3 {
		t.Fatalf("expected 3 payloads, got %d", len(segments))
	}
	if segments[1].Err == nil || segments[0].Err != nil || segments[2].Err != nil {
		t.Fatalf("only the middle payload should be flagged: %+v", segments)
	}
	if string(segments[2].Audio.PCM) != "c" {
		t.Fatalf("unexpected audio for last segment: %q", segments[2].Audio.PCM)
	}
	if failed.Load() != 1 {
		t.Fatalf("expected one failure hook call, got %d", failed.Load())
	}
}

func TestBlankTextIgnored(t *testing.T) {
	sink := &recordingSink{}
	seq := New(&fakeSynth{}, sink, WithLogger(newLogger()))
	if _, ok := seq.Submit(context.Background(), "   ", "   "); ok {
		t.Fatal("blank text must not be scheduled")
	}
	if seq.Pending() != 0 {
		t.Fatalf("expected nothing pending, got %d", seq.Pending())
	}
	if err := seq.AwaitAll(context.Background()); err != nil {
		t.Fatalf("await: %v", err)
	}
	if err := seq.Finish(context.Background()); err != nil {
		t.Fatalf("finish: %v", err)
	}
	segments, events := sink.snapshot()
	if len(segments) != 0 || len(events) != 1 {
		t.Fatalf("expected only a completion marker, got %v", events)
	}
}

func TestWorkerLimit(t *testing.T) {
	synth := &fakeSynth{delays: map[string]time.Duration{}}
	texts := []string{"1", "2", "3", "4", "5", "6"}
	for _, text := range texts {
		synth.delays[text] = 20 * time.Millisecond
	}
	seq := New(synth, &recordingSink{}, WithWorkers(2), WithLogger(newLogger()))
	for _, text := range texts {
		seq.Submit(context.Background(), text, text)
	}
	if err := seq.AwaitAll(context.Background()); err != nil {
		t.Fatalf("await: %v", err)
	}
	if got := synth.maxSeen.Load(); got > 2 {
		t.Fatalf("expected at most 2 concurrent jobs, saw %d", got)
	}
}

func TestResetDropsInFlightWork(t *testing.T) {
	synth := &fakeSynth{block: map[string]bool{"stuck": true}}
	sink := &recordingSink{}
	seq := New(synth, sink, WithLogger(newLogger()))
	ctx := context.Background()

	seq.Submit(ctx, "stuck", "stuck")
	if seq.Pending() != 1 {
		t.Fatalf("expected 1 pending, got %d", seq.Pending())
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- seq.AwaitAll(ctx) }()
	time.Sleep(10 * time.Millisecond)
	seq.Reset()

	select {
	case err := <-waitErr:
		if !errors.Is(err, ErrReset) {
			t.Fatalf("expected ErrReset, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitAll did not return after Reset")
	}
	if seq.Pending() != 0 {
		t.Fatalf("expected counters reset, pending=%d", seq.Pending())
	}

	n, ok := seq.Submit(ctx, "fresh", "fresh")
	if !ok || n != 0 {
		t.Fatalf("expected numbering to restart at 0, got %d", n)
	}
	if err := seq.AwaitAll(ctx); err != nil {
		t.Fatalf("await after reset: %v", err)
	}
	if err := seq.Finish(ctx); err != nil {
		t.Fatalf("finish after reset: %v", err)
	}
	segments, _ := sink.snapshot()
	if len(segments) != 1 || segments[0].Text != "fresh" || segments[0].Sequence != 0 {
		t.Fatalf("stale payloads leaked into sink: %+v", segments)
	}
}

func TestAwaitAllHonoursContext(t *testing.T) {
	seq := New(&fakeSynth{block: map[string]bool{"stuck": true}}, &recordingSink{}, WithLogger(newLogger()))
	defer seq.Reset()
	seq.Submit(context.Background(), "stuck", "stuck")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := seq.AwaitAll(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
