package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/mia-core/internal/config"
	"github.com/loqalabs/mia-core/internal/protocol"
)

// WebSocketServer accepts client connections, assigns each a client id and
// pumps frames between the socket and the router.
type WebSocketServer struct {
	cfg      config.WebSocketConfig
	router   *Router
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewWebSocketServer(parent context.Context, cfg config.WebSocketConfig, router *Router, hub *Hub, logger *slog.Logger) *WebSocketServer {
	ctx, cancel := context.WithCancel(parent)
	return &WebSocketServer{
		cfg:    cfg,
		router: router,
		hub:    hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With(slog.String("component", "websocket")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", slogError(err))
		return
	}
	if s.cfg.ReadLimitBytes > 0 {
		conn.SetReadLimit(s.cfg.ReadLimitBytes)
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.serve(conn)
}

func (s *WebSocketServer) serve(conn *websocket.Conn) {
	clientID := NewClientID()
	log := s.logger.With(slog.String("client_id", clientID))

	ctx, cancel := context.WithCancel(s.ctx)
	client := newWSClient(conn, s.cfg.SendQueue)
	detach := s.hub.Attach(clientID, client)
	log.Info("client connected", slog.String("remote", conn.RemoteAddr().String()))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := client.writeLoop(ctx, s.writeTimeout(), s.pingInterval()); err != nil {
			log.Debug("websocket writer stopped", slogError(err))
		}
		// Unblock the reader when the writer dies first.
		_ = conn.Close()
	}()

	s.readLoop(ctx, conn, clientID, log)

	detach()
	client.close()
	s.router.OnDisconnect(clientID)
	cancel()
	<-writerDone
}

func (s *WebSocketServer) readLoop(ctx context.Context, conn *websocket.Conn, clientID string, log *slog.Logger) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket read failed", slogError(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil && !errors.Is(err, protocol.ErrUnknownType) {
			log.Warn("invalid client frame", slogError(err))
			s.router.reply(ctx, clientID, protocol.Error("invalid message"))
			continue
		}
		s.router.HandleMessage(ctx, clientID, msg)
	}
}

// Close stops accepting connections and waits for open ones to unwind once
// their sockets close.
func (s *WebSocketServer) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *WebSocketServer) Healthy() bool { return s.ctx.Err() == nil }

func (s *WebSocketServer) writeTimeout() time.Duration {
	if s.cfg.WriteTimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.cfg.WriteTimeoutMS) * time.Millisecond
}

func (s *WebSocketServer) pingInterval() time.Duration {
	if s.cfg.PingIntervalMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.cfg.PingIntervalMS) * time.Millisecond
}

// wsClient queues outbound frames for the single writer goroutine.
type wsClient struct {
	conn      *websocket.Conn
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn, queue int) *wsClient {
	if queue <= 0 {
		queue = 64
	}
	return &wsClient{
		conn: conn,
		out:  make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

// Send blocks while the queue is full so ordered frames are never dropped.
func (c *wsClient) Send(ctx context.Context, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClientGone
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return ErrClientGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *wsClient) writeLoop(ctx context.Context, writeTimeout, pingInterval time.Duration) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return nil
		case <-c.done:
			return nil
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case data := <-c.out:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return err
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		}
	}
}
