// Package server manages WebSocket channels created by upgrade routes,
// handling read/write pumps, rate limiting, and lifecycle events.
package server

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/switchyard/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	closeGrace = 5 * time.Second
)

// WebSocketHandler receives channel events. Any hook may be nil.
type WebSocketHandler[T any] struct {
	Open    func(ch *Channel[T])
	Message func(ch *Channel[T], messageType int, data []byte)
	Close   func(ch *Channel[T], code int, reason string)
	Error   func(ch *Channel[T], err error)
}

type outbound struct {
	messageType int
	data        []byte
}

// Channel is an upgraded connection carrying the context produced by the
// upgrade handler. Send, Close and the topic methods are safe for concurrent use.
type Channel[T any] struct {
	id          string
	conn        *websocket.Conn
	data        T
	remoteAddr  string
	hub         *hub[T]
	logger      logging.Logger
	send        chan outbound
	rateLimiter *rate.Limiter

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
	finishOnce  sync.Once
}

func newChannel[T any](conn *websocket.Conn, data T, h *hub[T], remoteAddr string) *Channel[T] {
	conn.SetReadLimit(h.maxMessageSize)
	id := uuid.NewString()

	return &Channel[T]{
		id:          id,
		conn:        conn,
		data:        data,
		remoteAddr:  remoteAddr,
		hub:         h,
		logger:      h.logger.With(logging.String("channel", id), logging.String("remote", remoteAddr)),
		send:        make(chan outbound, h.sendBuffer),
		rateLimiter: newRateLimiter(h.rateLimit.Burst, h.rateLimit.RefillInterval),
		closeCode:   websocket.CloseNoStatusReceived,
	}
}

// ID returns the channel's unique identifier.
func (c *Channel[T]) ID() string {
	return c.id
}

// Data returns the context attached at upgrade time.
func (c *Channel[T]) Data() T {
	return c.data
}

// RemoteAddr returns the peer address of the upgraded request.
func (c *Channel[T]) RemoteAddr() string {
	return c.remoteAddr
}

// Send queues a message. It never blocks: a full queue yields ErrSendBufferFull.
func (c *Channel[T]) Send(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}

	select {
	case c.send <- outbound{messageType: messageType, data: data}:
		c.hub.metrics.ChannelMessage("out")
		return nil
	default:
		return ErrSendBufferFull
	}
}

// SendText queues a text message.
func (c *Channel[T]) SendText(text string) error {
	return c.Send(websocket.TextMessage, []byte(text))
}

// Close starts the closing handshake. The Close hook runs once the peer
// answers, or after a grace period when it does not.
func (c *Channel[T]) Close(code int, reason string) error {
	if c.isClosed() {
		return ErrChannelClosed
	}

	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	time.AfterFunc(closeGrace, c.closeConnection)
	if err != nil && !isExpectedCloseError(err) {
		return err
	}
	return nil
}

// Subscribe adds the channel to topic.
func (c *Channel[T]) Subscribe(topic string) {
	c.hub.subscribe(c, topic)
}

// Unsubscribe removes the channel from topic.
func (c *Channel[T]) Unsubscribe(topic string) {
	c.hub.unsubscribe(c, topic)
}

// IsSubscribed reports whether the channel is subscribed to topic.
func (c *Channel[T]) IsSubscribed(topic string) bool {
	return c.hub.isSubscribed(c, topic)
}

// Publish sends a message to every other subscriber of topic and returns how
// many channels accepted it.
func (c *Channel[T]) Publish(topic string, messageType int, data []byte) int {
	return c.hub.publish(c, topic, messageType, data)
}

func (c *Channel[T]) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// setupReadConnection configures read deadlines and the pong handler.
func (c *Channel[T]) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("failed to set initial read deadline", logging.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Debug("failed to extend read deadline", logging.Error(err))
		}
		return nil
	})
}

// handleReadError records why the read loop ended and reports unexpected
// failures to the Error hook.
func (c *Channel[T]) handleReadError(err error) {
	var closeErr *websocket.CloseError

	switch {
	case errors.As(err, &closeErr):
		c.setCloseStatus(closeErr.Code, closeErr.Text)
		c.logger.Debug("channel closed by peer", logging.Int("code", closeErr.Code))
		return

	case errors.Is(err, websocket.ErrReadLimit):
		c.setCloseStatus(websocket.CloseMessageTooBig, "message too big")
		c.logger.Warn("message exceeded maximum size", logging.Int64("limit", c.hub.maxMessageSize))

	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.setCloseStatusIfUnset(websocket.CloseAbnormalClosure, "")
		c.logger.Debug("channel connection closed", logging.Error(err))
		return

	default:
		c.setCloseStatus(websocket.CloseAbnormalClosure, "")
		c.logger.Warn("channel read error", logging.Error(err))
	}

	if hook := c.hub.handlers.Error; hook != nil {
		hook(c, err)
	}
}

func (c *Channel[T]) setCloseStatus(code int, reason string) {
	c.mu.Lock()
	c.closeCode, c.closeReason = code, reason
	c.mu.Unlock()
}

// setCloseStatusIfUnset keeps a status recorded earlier, e.g. by shutdown.
func (c *Channel[T]) setCloseStatusIfUnset(code int, reason string) {
	c.mu.Lock()
	if c.closeCode == websocket.CloseNoStatusReceived {
		c.closeCode, c.closeReason = code, reason
	}
	c.mu.Unlock()
}

// allowMessage applies the per-channel rate limit.
func (c *Channel[T]) allowMessage() bool {
	if c.rateLimiter != nil && !c.rateLimiter.Allow() {
		c.logger.Warn("rate limit exceeded; discarding message",
			logging.Int("burst", c.hub.rateLimit.Burst),
			logging.Duration("interval", c.hub.rateLimit.RefillInterval))
		c.hub.metrics.ChannelMessage("dropped")
		return false
	}
	return true
}

func (c *Channel[T]) readPump() {
	defer c.finish()

	c.setupReadConnection()

	if hook := c.hub.handlers.Open; hook != nil {
		hook(c)
	}

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.allowMessage() {
			continue
		}

		c.hub.metrics.ChannelMessage("in")
		if hook := c.hub.handlers.Message; hook != nil {
			hook(c, messageType, data)
		}
	}
}

// finish tears the channel down exactly once and fires the Close hook.
func (c *Channel[T]) finish() {
	c.finishOnce.Do(func() {
		c.hub.unregister(c)

		c.mu.Lock()
		c.closed = true
		close(c.send)
		code, reason := c.closeCode, c.closeReason
		c.mu.Unlock()

		c.closeConnection()

		if hook := c.hub.handlers.Close; hook != nil {
			hook(c, code, reason)
		}
	})
}

func (c *Channel[T]) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Channel[T]) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case msg, ok := <-c.send:
		return c.handleMessage(msg, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// handleMessage writes one outgoing message and returns false if the
// connection should be closed.
func (c *Channel[T]) handleMessage(msg outbound, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("failed to set write deadline", logging.Error(err))
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("failed to write close message", logging.Error(err))
		}
		return false
	}

	if err := c.conn.WriteMessage(msg.messageType, msg.data); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("failed to write message", logging.Error(err))
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive.
func (c *Channel[T]) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("failed to set write deadline for ping", logging.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("failed to write ping", logging.Error(err))
		}
		return false
	}
	return true
}

// closeConnection closes the underlying connection, ignoring errors caused by
// an already closed socket.
func (c *Channel[T]) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("error closing connection", logging.Error(err))
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
