package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/loqalabs/mia-core/internal/bus"
	"github.com/loqalabs/mia-core/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusTransport lets clients talk to the engine over NATS. A client publishes
// frames on <prefix>.client.in.<id>, receives on <prefix>.client.out.<id> and
// announces it is leaving on <prefix>.client.bye.<id>.
type BusTransport struct {
	bus     *bus.Client
	router  *Router
	hub     *Hub
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	subIn   *nats.Subscription
	subBye  *nats.Subscription
	mu      sync.Mutex
	clients map[string]func()
}

func NewBusTransport(parent context.Context, busClient *bus.Client, router *Router, hub *Hub, logger *slog.Logger) *BusTransport {
	ctx, cancel := context.WithCancel(parent)
	return &BusTransport{
		bus:     busClient,
		router:  router,
		hub:     hub,
		logger:  logger.With(slog.String("component", "bus-transport")),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[string]func()),
	}
}

func (b *BusTransport) Start() error {
	prefix := b.bus.Prefix()
	subIn, err := b.bus.Conn().Subscribe(protocol.Subject(prefix, protocol.SubjectClientIn, "*"), b.handleIn)
	if err != nil {
		return err
	}
	b.subIn = subIn

	subBye, err := b.bus.Conn().Subscribe(protocol.Subject(prefix, protocol.SubjectClientBye, "*"), b.handleBye)
	if err != nil {
		_ = b.subIn.Drain()
		return err
	}
	b.subBye = subBye
	b.logger.Info("bus transport listening", slog.String("subject", b.subIn.Subject))
	return nil
}

func (b *BusTransport) Close() {
	b.cancel()
	if b.subIn != nil {
		_ = b.subIn.Drain()
	}
	if b.subBye != nil {
		_ = b.subBye.Drain()
	}
	b.wg.Wait()

	b.mu.Lock()
	clients := b.clients
	b.clients = make(map[string]func())
	b.mu.Unlock()
	for clientID, detach := range clients {
		detach()
		b.router.OnDisconnect(clientID)
	}
}

func (b *BusTransport) Healthy() bool {
	return b.subIn != nil && b.subIn.IsValid() && b.subBye != nil && b.subBye.IsValid()
}

func (b *BusTransport) handleIn(msg *nats.Msg) {
	clientID := protocol.LastToken(msg.Subject)
	b.attach(clientID)

	frame, err := protocol.Decode(msg.Data)
	if err != nil && !errors.Is(err, protocol.ErrUnknownType) {
		b.logger.Warn("invalid client frame", slog.String("client_id", clientID), slogError(err))
		b.router.reply(b.ctx, clientID, protocol.Error("invalid message"))
		return
	}

	// Interrupts wait for the turn to unwind; keep the subscription moving.
	if frame.Type == protocol.TypeInterrupt {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.router.HandleMessage(b.ctx, clientID, frame)
		}()
		return
	}
	b.router.HandleMessage(b.ctx, clientID, frame)
}

func (b *BusTransport) handleBye(msg *nats.Msg) {
	clientID := protocol.LastToken(msg.Subject)
	b.mu.Lock()
	detach, ok := b.clients[clientID]
	delete(b.clients, clientID)
	b.mu.Unlock()
	if !ok {
		return
	}
	detach()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.router.OnDisconnect(clientID)
	}()
}

func (b *BusTransport) attach(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[clientID]; ok {
		return
	}
	conn := &busConn{
		conn:    b.bus.Conn(),
		subject: protocol.Subject(b.bus.Prefix(), protocol.SubjectClientOut, clientID),
	}
	b.clients[clientID] = b.hub.Attach(clientID, conn)
	b.logger.Info("bus client attached", slog.String("client_id", clientID))
}

// ForwardCommands publishes unclaimed command frames on <prefix>.commands
// until ctx ends or cmds is closed.
func (b *BusTransport) ForwardCommands(ctx context.Context, cmds <-chan Command) {
	subject := protocol.Subject(b.bus.Prefix(), protocol.SubjectCommands)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-cmds:
			if !ok {
				return
			}
			data, err := json.Marshal(struct {
				ClientID string          `json:"client_id"`
				Message  json.RawMessage `json:"message"`
			}{ClientID: cmd.ClientID, Message: cmd.Message.Raw})
			if err != nil {
				b.logger.Warn("failed to encode command", slogError(err))
				continue
			}
			if err := b.bus.Conn().Publish(subject, data); err != nil {
				b.logger.Warn("failed to publish command", slogError(err))
			}
		}
	}
}

type busConn struct {
	conn    *nats.Conn
	subject string
}

func (c *busConn) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.conn.Publish(c.subject, data)
}
