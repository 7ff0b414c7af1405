package rendezvous

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/mia-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForWaiters(t *testing.T, r *Registry, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.ActiveWaiters() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d waiters, have %d", n, r.ActiveWaiters())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDeliverResolvesWaiter(t *testing.T) {
	r := New(newLogger())
	result := make(chan protocol.Message, 1)
	go func() {
		msg, ok := r.Wait(context.Background(), "c1", protocol.TypePlaybackComplete, "", time.Second)
		if ok {
			result <- msg
		}
		close(result)
	}()
	waitForWaiters(t, r, 1)

	if !r.Deliver("c1", protocol.PlaybackComplete("")) {
		t.Fatal("expected delivery to be consumed")
	}
	msg, ok := <-result
	if !ok || msg.Type != protocol.TypePlaybackComplete {
		t.Fatalf("expected delivered payload, got %+v ok=%v", msg, ok)
	}
	if r.ActiveWaiters() != 0 {
		t.Fatalf("expected no waiters, have %d", r.ActiveWaiters())
	}
}

func TestDeliverWithoutWaiter(t *testing.T) {
	r := New(newLogger())
	if r.Deliver("c1", protocol.PlaybackComplete("")) {
		t.Fatal("expected unclaimed delivery")
	}
}

func TestCorrelationIDMustMatch(t *testing.T) {
	r := New(newLogger())
	pending := r.Register("c1", protocol.TypePlaybackComplete, "req-1")
	defer pending.Cancel()

	if r.Deliver("c1", protocol.PlaybackComplete("req-2")) {
		t.Fatal("delivery with another correlation id must not match")
	}
	if r.Deliver("c2", protocol.PlaybackComplete("req-1")) {
		t.Fatal("delivery for another client must not match")
	}
	if !r.Deliver("c1", protocol.PlaybackComplete("req-1")) {
		t.Fatal("expected matching delivery")
	}
	msg, ok := pending.Wait(context.Background(), time.Second)
	if !ok || msg.RequestID != "req-1" {
		t.Fatalf("unexpected result %+v ok=%v", msg, ok)
	}
}

func TestWaitTimeout(t *testing.T) {
	r := New(newLogger())
	start := time.Now()
	_, ok := r.Wait(context.Background(), "c1", protocol.TypePlaybackComplete, "", 20*time.Millisecond)
	if ok {
		t.Fatal("expected timeout")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("returned before timeout")
	}
	if r.ActiveWaiters() != 0 {
		t.Fatalf("expected waiter removed after timeout, have %d", r.ActiveWaiters())
	}
}

func TestWaitContextCancel(t *testing.T) {
	r := New(newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := r.Wait(ctx, "c1", protocol.TypePlaybackComplete, "", 0)
		done <- ok
	}()
	waitForWaiters(t, r, 1)
	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected no payload on cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not observe cancellation")
	}
	if r.ActiveWaiters() != 0 {
		t.Fatalf("expected waiter removed, have %d", r.ActiveWaiters())
	}
}

func TestCleanupReleasesAllWaiters(t *testing.T) {
	r := New(newLogger())
	var wg sync.WaitGroup
	results := make(chan bool, 2)
	for _, eventType := range []string{protocol.TypePlaybackComplete, "other"} {
		wg.Add(1)
		go func(eventType string) {
			defer wg.Done()
			_, ok := r.Wait(context.Background(), "c1", eventType, "", 0)
			results <- ok
		}(eventType)
	}
	waitForWaiters(t, r, 2)

	if n := r.Cleanup("c1"); n != 2 {
		t.Fatalf("expected 2 released, got %d", n)
	}
	wg.Wait()
	close(results)
	for ok := range results {
		if ok {
			t.Fatal("cleanup must release without payload")
		}
	}
	if r.ActiveWaiters() != 0 {
		t.Fatalf("expected 0 waiters, have %d", r.ActiveWaiters())
	}
}

func TestRegisterReplacesPreviousWaiter(t *testing.T) {
	r := New(newLogger())
	first := r.Register("c1", protocol.TypePlaybackComplete, "")
	second := r.Register("c1", protocol.TypePlaybackComplete, "")

	if _, ok := first.Wait(context.Background(), time.Second); ok {
		t.Fatal("replaced waiter must resolve without payload")
	}
	if r.ActiveWaiters() != 1 {
		t.Fatalf("expected replacement to stay registered, have %d", r.ActiveWaiters())
	}
	if !r.Deliver("c1", protocol.PlaybackComplete("")) {
		t.Fatal("expected the replacement to consume the delivery")
	}
	if _, ok := second.Wait(context.Background(), time.Second); !ok {
		t.Fatal("expected payload on replacement waiter")
	}
}

func TestEarlyDeliveryAfterRegister(t *testing.T) {
	r := New(newLogger())
	pending := r.Register("c1", protocol.TypePlaybackComplete, "")
	if !r.Deliver("c1", protocol.PlaybackComplete("")) {
		t.Fatal("expected delivery to a registered waiter")
	}
	if _, ok := pending.Wait(context.Background(), 10*time.Millisecond); !ok {
		t.Fatal("expected delivery made before Wait to be observed")
	}
}

func TestDeliverCleanupRace(t *testing.T) {
	for i := 0; i < 200; i++ {
		r := New(newLogger())
		pending := r.Register("c1", protocol.TypePlaybackComplete, "")

		var wg sync.WaitGroup
		var delivered bool
		var released int
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			delivered = r.Deliver("c1", protocol.PlaybackComplete(""))
		}()
		go func() {
			defer wg.Done()
			<-start
			released = r.Cleanup("c1")
		}()
		close(start)
		wg.Wait()

		msg, ok := pending.Wait(context.Background(), time.Second)
		if delivered == (released == 1) {
			t.Fatalf("iteration %d: exactly one of deliver/cleanup must win (delivered=%v released=%d)", i, delivered, released)
		}
		if ok != delivered {
			t.Fatalf("iteration %d: wait result %v disagrees with delivery %v", i, ok, delivered)
		}
		if ok && msg.Type != protocol.TypePlaybackComplete {
			t.Fatalf("iteration %d: unexpected payload %+v", i, msg)
		}
		if r.ActiveWaiters() != 0 {
			t.Fatalf("iteration %d: expected 0 waiters, have %d", i, r.ActiveWaiters())
		}
	}
}
