// Package gateway connects client transports to the turn engine: it keeps
// track of connected clients and routes their frames.
package gateway

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/mia-core/internal/presence"
	"github.com/loqalabs/mia-core/internal/protocol"
)

// presenceSendTimeout bounds how long one slow client can hold up a
// broadcast.
const presenceSendTimeout = time.Second

var (
	ErrUnknownClient = errors.New("unknown client")
	ErrClientGone    = errors.New("client disconnected")
)

// Conn is the outbound half of one client connection.
type Conn interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// Hub maps client ids to their live connection, whichever transport they
// arrived on.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*attachment
}

type attachment struct {
	conn Conn
	once sync.Once
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*attachment)}
}

// NewClientID returns an id of the form client-xxxxxxxx.
func NewClientID() string {
	return "client-" + uuid.NewString()[:8]
}

// Attach registers conn for clientID, replacing any previous connection. The
// returned detach func is idempotent and only removes this attachment.
func (h *Hub) Attach(clientID string, conn Conn) (detach func()) {
	entry := &attachment{conn: conn}
	h.mu.Lock()
	h.conns[clientID] = entry
	h.mu.Unlock()

	return func() {
		entry.once.Do(func() {
			h.mu.Lock()
			if h.conns[clientID] == entry {
				delete(h.conns, clientID)
			}
			h.mu.Unlock()
		})
	}
}

// Send implements turn.Sender.
func (h *Hub) Send(ctx context.Context, clientID string, msg protocol.Message) error {
	h.mu.RLock()
	entry := h.conns[clientID]
	h.mu.RUnlock()
	if entry == nil {
		return ErrUnknownClient
	}
	return entry.conn.Send(ctx, msg)
}

// Broadcast sends msg to every attached client and reports how many
// accepted it.
func (h *Hub) Broadcast(ctx context.Context, msg protocol.Message) int {
	h.mu.RLock()
	conns := make([]Conn, 0, len(h.conns))
	for _, entry := range h.conns {
		conns = append(conns, entry.conn)
	}
	h.mu.RUnlock()

	sent := 0
	for _, conn := range conns {
		if conn.Send(ctx, msg) == nil {
			sent++
		}
	}
	return sent
}

// Notify implements presence.Notifier: status and subtitle events go out to
// every connected client as status and subtitle frames.
func (h *Hub) Notify(ctx context.Context, evt presence.Event) {
	ctx, cancel := context.WithTimeout(ctx, presenceSendTimeout)
	defer cancel()
	switch evt.Kind {
	case presence.KindStatus:
		h.Broadcast(ctx, protocol.Status(string(evt.Status)))
	case presence.KindSubtitle:
		h.Broadcast(ctx, protocol.Subtitle(evt.Role, evt.Text))
	}
}

func (h *Hub) Connected(clientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[clientID]
	return ok
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Clients lists connected ids in lexical order.
func (h *Hub) Clients() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
