package gateway

import (
	"context"
	"errors"
	"log/slog"

	"github.com/loqalabs/mia-core/internal/protocol"
	"github.com/loqalabs/mia-core/internal/rendezvous"
	"github.com/loqalabs/mia-core/internal/turn"
)

const defaultCommandQueue = 32

// Turns is the part of the turn orchestrator the gateway drives.
type Turns interface {
	Submit(clientID string, trig turn.Trigger) error
	Interrupt(ctx context.Context, clientID string) error
	Abort(clientID string)
}

// Command is a client frame nobody inside the engine claimed.
type Command struct {
	ClientID string
	Message  protocol.Message
}

// Router dispatches decoded client frames to the orchestrator, the
// rendezvous registry or the legacy command queue.
type Router struct {
	turns    Turns
	registry *rendezvous.Registry
	sender   turn.Sender
	commands chan Command
	logger   *slog.Logger
}

func NewRouter(turns Turns, registry *rendezvous.Registry, sender turn.Sender, logger *slog.Logger) *Router {
	return &Router{
		turns:    turns,
		registry: registry,
		sender:   sender,
		commands: make(chan Command, defaultCommandQueue),
		logger:   logger.With(slog.String("component", "gateway")),
	}
}

// Commands yields unclaimed command and chat frames.
func (r *Router) Commands() <-chan Command {
	return r.commands
}

// HandleMessage routes one client frame.
func (r *Router) HandleMessage(ctx context.Context, clientID string, msg protocol.Message) {
	if msg.Type == protocol.TypeInterrupt {
		r.OnInterruptRequest(ctx, clientID)
		return
	}
	trig, isTrigger, err := turn.TriggerFromMessage(msg)
	if err != nil {
		r.logger.Warn("invalid trigger payload", slog.String("client_id", clientID), slogError(err))
		r.reply(ctx, clientID, protocol.Error("invalid audio payload"))
		return
	}
	if isTrigger {
		r.OnTrigger(ctx, clientID, trig)
		return
	}
	r.OnClientMessage(clientID, msg)
}

// OnTrigger asks the orchestrator for a new turn and tells the client when it
// is already busy.
func (r *Router) OnTrigger(ctx context.Context, clientID string, trig turn.Trigger) {
	err := r.turns.Submit(clientID, trig)
	switch {
	case err == nil:
	case errors.Is(err, turn.ErrBusy):
		r.reply(ctx, clientID, protocol.Error(protocol.BusyMessage))
	case errors.Is(err, turn.ErrEmptyInput):
		r.logger.Debug("ignoring empty trigger", slog.String("client_id", clientID), slog.String("trigger", string(trig.Kind)))
	default:
		r.logger.Warn("trigger rejected", slog.String("client_id", clientID), slogError(err))
		r.reply(ctx, clientID, protocol.Error(err.Error()))
	}
}

// OnClientMessage hands msg to a pending rendezvous wait. Unclaimed command
// and chat frames go to the command queue. It reports whether a waiter
// consumed the message.
func (r *Router) OnClientMessage(clientID string, msg protocol.Message) bool {
	if r.registry.Deliver(clientID, msg) {
		return true
	}
	switch msg.Type {
	case protocol.TypeCommand, protocol.TypeChat:
		select {
		case r.commands <- Command{ClientID: clientID, Message: msg}:
		default:
			r.logger.Warn("command queue full, dropping message", slog.String("client_id", clientID), slog.String("type", msg.Type))
		}
	default:
		r.logger.Debug("unclaimed client message", slog.String("client_id", clientID), slog.String("type", msg.Type))
	}
	return false
}

func (r *Router) OnInterruptRequest(ctx context.Context, clientID string) {
	if err := r.turns.Interrupt(ctx, clientID); err != nil {
		r.logger.Warn("interrupt failed", slog.String("client_id", clientID), slogError(err))
	}
}

// OnDisconnect cancels the client's turn without salvage and releases any
// wait still registered for it.
func (r *Router) OnDisconnect(clientID string) {
	r.turns.Abort(clientID)
	if n := r.registry.Cleanup(clientID); n > 0 {
		r.logger.Debug("released waits on disconnect", slog.String("client_id", clientID), slog.Int("count", n))
	}
	r.logger.Info("client disconnected", slog.String("client_id", clientID))
}

func (r *Router) reply(ctx context.Context, clientID string, msg protocol.Message) {
	if err := r.sender.Send(ctx, clientID, msg); err != nil {
		r.logger.Debug("failed to reply to client", slog.String("client_id", clientID), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
