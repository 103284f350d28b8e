package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"termtalk/internal/chat"
	"termtalk/internal/models"
	"termtalk/internal/services"
	"termtalk/pkg/logger"

	"github.com/gorilla/websocket"
)

var (
	errClientClosed = errors.New("connection closed")
	errSlowClient   = errors.New("send buffer full")
)

const sendBuffer = 256

type Config struct {
	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration
	WriteWait         time.Duration
	MaxMessageSize    int64
}

// Client is one connected user. It logs the user in, relays inbound lines
// to the chat service and writes outbound messages and pings.
type Client struct {
	conn     *websocket.Conn
	send     chan models.Message
	done     chan struct{}
	handle   chat.Handle
	service  *services.ChatService
	registry *Registry
	cfg      Config

	stopOnce  sync.Once
	closeCode int
	closeText string
}

func NewClient(conn *websocket.Conn, service *services.ChatService, registry *Registry, cfg Config) *Client {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	return &Client{
		conn:     conn,
		send:     make(chan models.Message, sendBuffer),
		done:     make(chan struct{}),
		service:  service,
		registry: registry,
		cfg:      cfg,
	}
}

// Serve runs the connection until the client goes away, misses its
// heartbeat or the server shuts down.
func (c *Client) Serve(ctx context.Context, username string) {
	c.handle = c.registry.Register(c)
	defer c.registry.Unregister(c.handle)
	defer c.conn.Close()

	sess, err := c.service.Connect(ctx, username, c.handle)
	if err != nil {
		code, text := websocket.CloseTryAgainLater, "server unavailable, try again later"
		if errors.Is(err, chat.ErrAlreadyLoggedIn) {
			code, text = websocket.ClosePolicyViolation, chat.ErrAlreadyLoggedIn.Error()
		}
		logger.Info("Rejected connection for %s: %v", username, err)
		c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
		return
	}
	logger.Info("User %s connected from %s", username, c.conn.RemoteAddr())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.WritePump(ctx)
	}()

	c.ReadPump(ctx, sess)
	c.service.Disconnect(sess)
	c.stopWith(websocket.CloseNormalClosure, "")
	<-writerDone
	logger.Info("User %s disconnected", username)
}

func (c *Client) ReadPump(ctx context.Context, sess *services.Session) {
	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.ClientTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ClientTimeout))
		hbCtx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatInterval)
		defer cancel()
		if err := c.service.Heartbeat(hbCtx, sess); err != nil {
			logger.Warn("Heartbeat for %s not recorded: %v", sess.Username, err)
		}
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket error for %s: %v", sess.Username, err)
			}
			return
		}

		// any client activity counts as liveness
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ClientTimeout))

		if msgType != websocket.TextMessage {
			logger.Debug("Ignoring non-text frame from %s", sess.Username)
			continue
		}
		for _, msg := range c.service.Handle(ctx, sess, string(data)) {
			if err := c.enqueue(msg); err != nil {
				logger.Debug("Dropped notice for %s: %v", sess.Username, err)
			}
		}
	}
}

func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.stopWith(websocket.CloseGoingAway, "server shutting down")
			c.writeClose()
			return

		case <-c.done:
			c.writeClose()
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				logger.Error("Write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) enqueue(msg models.Message) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errSlowClient
	}
}

func (c *Client) stop() {
	c.stopWith(websocket.CloseGoingAway, "server shutting down")
}

// stopWith ends the write pump, which then sends a close frame with code.
// Only the first call takes effect.
func (c *Client) stopWith(code int, text string) {
	c.stopOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

func (c *Client) writeClose() {
	// flush what the router already handed us
	for drained := false; !drained; {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		default:
			drained = true
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeText))
}
