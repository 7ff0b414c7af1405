// Package rendezvous lets a turn block until a specific client message
// arrives, with a timeout and forced release when the client goes away.
package rendezvous

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/mia-core/internal/protocol"
)

type key struct {
	eventType     string
	correlationID string
}

type waiter struct {
	once sync.Once
	done chan struct{}
	msg  protocol.Message
	ok   bool
}

func newWaiter() *waiter {
	return &waiter{done: make(chan struct{})}
}

// resolve settles the waiter. Only the first call has any effect; the payload
// is written before done is closed.
func (w *waiter) resolve(msg protocol.Message, ok bool) bool {
	settled := false
	w.once.Do(func() {
		w.msg = msg
		w.ok = ok
		close(w.done)
		settled = true
	})
	return settled
}

// Registry matches waiters keyed by (client, event type, correlation id) with
// deliveries of client messages.
type Registry struct {
	mu      sync.Mutex
	waiters map[string]map[key]*waiter
	log     *slog.Logger
}

func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		waiters: make(map[string]map[key]*waiter),
		log:     log.With(slog.String("component", "rendezvous")),
	}
}

// Pending is a registered waiter that has not been awaited yet. Registering
// before triggering the remote side avoids losing an early delivery.
type Pending struct {
	r        *Registry
	clientID string
	key      key
	w        *waiter
}

// Register installs a waiter for the key. A previous waiter on the same key is
// released with no payload.
func (r *Registry) Register(clientID, eventType, correlationID string) *Pending {
	k := key{eventType: eventType, correlationID: correlationID}
	w := newWaiter()

	r.mu.Lock()
	byKey := r.waiters[clientID]
	if byKey == nil {
		byKey = make(map[key]*waiter)
		r.waiters[clientID] = byKey
	}
	previous := byKey[k]
	byKey[k] = w
	r.mu.Unlock()

	if previous != nil {
		previous.resolve(protocol.Message{}, false)
		r.log.Debug("replaced pending wait",
			slog.String("client_id", clientID),
			slog.String("event_type", eventType))
	}
	return &Pending{r: r, clientID: clientID, key: k, w: w}
}

// Wait blocks until the waiter is delivered, released, timed out or ctx is
// done. A timeout <= 0 waits without deadline. The waiter is removed from the
// registry before Wait returns.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) (protocol.Message, bool) {
	defer p.r.remove(p.clientID, p.key, p.w)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-p.w.done:
	case <-expired:
		p.w.resolve(protocol.Message{}, false)
	case <-ctx.Done():
		p.w.resolve(protocol.Message{}, false)
	}
	<-p.w.done
	return p.w.msg, p.w.ok
}

// Cancel releases the waiter without waiting. Safe to call after Wait.
func (p *Pending) Cancel() {
	p.w.resolve(protocol.Message{}, false)
	p.r.remove(p.clientID, p.key, p.w)
}

// Wait registers and awaits in one call.
func (r *Registry) Wait(ctx context.Context, clientID, eventType, correlationID string, timeout time.Duration) (protocol.Message, bool) {
	return r.Register(clientID, eventType, correlationID).Wait(ctx, timeout)
}

// Deliver hands msg to the waiter registered for its type and request id.
// It reports whether a live waiter consumed the message.
func (r *Registry) Deliver(clientID string, msg protocol.Message) bool {
	k := key{eventType: msg.Type, correlationID: msg.RequestID}

	r.mu.Lock()
	w := r.waiters[clientID][k]
	if w != nil {
		r.deleteLocked(clientID, k)
	}
	r.mu.Unlock()

	if w == nil {
		return false
	}
	return w.resolve(msg, true)
}

// Cleanup releases every waiter of a client with no payload and returns how
// many were released.
func (r *Registry) Cleanup(clientID string) int {
	r.mu.Lock()
	byKey := r.waiters[clientID]
	delete(r.waiters, clientID)
	r.mu.Unlock()

	released := 0
	for _, w := range byKey {
		if w.resolve(protocol.Message{}, false) {
			released++
		}
	}
	if released > 0 {
		r.log.Debug("released pending waits",
			slog.String("client_id", clientID),
			slog.Int("count", released))
	}
	return released
}

// ActiveWaiters counts registered waiters across all clients.
func (r *Registry) ActiveWaiters() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, byKey := range r.waiters {
		total += len(byKey)
	}
	return total
}

func (r *Registry) remove(clientID string, k key, w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiters[clientID][k] == w {
		r.deleteLocked(clientID, k)
	}
}

func (r *Registry) deleteLocked(clientID string, k key) {
	byKey := r.waiters[clientID]
	delete(byKey, k)
	if len(byKey) == 0 {
		delete(r.waiters, clientID)
	}
}
