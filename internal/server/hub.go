// Package server tracks open channels and topic subscriptions for publish
// fan-out and coordinated shutdown via the hub type.
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/switchyard/internal/logging"
	"github.com/Tyrowin/switchyard/internal/metrics"
)

// hub owns every open channel of a server. It also carries the channel event
// handlers and limits so channels can be created from a single reference.
type hub[T any] struct {
	handlers       WebSocketHandler[T]
	logger         logging.Logger
	metrics        *metrics.Metrics
	maxMessageSize int64
	sendBuffer     int
	rateLimit      RateLimitConfig

	mutex    sync.RWMutex
	channels map[*Channel[T]]struct{}
	topics   map[string]map[*Channel[T]]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func newHub[T any](cfg Config, logger logging.Logger, m *metrics.Metrics) *hub[T] {
	return &hub[T]{
		logger:         logger,
		metrics:        m,
		maxMessageSize: cfg.MaxMessageSize,
		sendBuffer:     cfg.SendBuffer,
		rateLimit:      cfg.RateLimit,
		channels:       make(map[*Channel[T]]struct{}),
		topics:         make(map[string]map[*Channel[T]]struct{}),
	}
}

// start registers ch and launches its pumps. It fails once the hub is shut down.
func (h *hub[T]) start(ch *Channel[T]) error {
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		ch.closeConnection()
		return ErrServerClosed
	}
	h.channels[ch] = struct{}{}
	count := len(h.channels)
	h.wg.Add(2)
	h.mutex.Unlock()

	h.metrics.ChannelOpened()
	ch.logger.Info("channel opened", logging.Int("open_channels", count))

	go func() {
		defer h.wg.Done()
		ch.writePump()
	}()
	go func() {
		defer h.wg.Done()
		ch.readPump()
	}()
	return nil
}

func (h *hub[T]) unregister(ch *Channel[T]) {
	h.mutex.Lock()
	_, ok := h.channels[ch]
	if ok {
		delete(h.channels, ch)
		for topic, subs := range h.topics {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	count := len(h.channels)
	h.mutex.Unlock()

	if ok {
		h.metrics.ChannelClosed()
		ch.logger.Info("channel closed", logging.Int("open_channels", count))
	}
}

func (h *hub[T]) subscribe(ch *Channel[T], topic string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.channels[ch]; !ok {
		return
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Channel[T]]struct{})
		h.topics[topic] = subs
	}
	subs[ch] = struct{}{}
}

func (h *hub[T]) unsubscribe(ch *Channel[T], topic string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, ch)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

func (h *hub[T]) isSubscribed(ch *Channel[T], topic string) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, ok := h.topics[topic][ch]
	return ok
}

// subscriberSnapshot returns the subscribers of topic, minus sender.
func (h *hub[T]) subscriberSnapshot(topic string, sender *Channel[T]) []*Channel[T] {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	subs := make([]*Channel[T], 0, len(h.topics[topic]))
	for ch := range h.topics[topic] {
		if ch != sender {
			subs = append(subs, ch)
		}
	}
	return subs
}

// publish fans a message out to topic subscribers and returns how many
// accepted it. Subscribers with a full send buffer are disconnected.
func (h *hub[T]) publish(sender *Channel[T], topic string, messageType int, data []byte) int {
	delivered := 0
	for _, ch := range h.subscriberSnapshot(topic, sender) {
		err := ch.Send(messageType, data)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrSendBufferFull):
			h.metrics.ChannelMessage("dropped")
			ch.logger.Warn("send buffer full; closing slow channel", logging.String("topic", topic))
			go func() { _ = ch.Close(websocket.CloseTryAgainLater, "send buffer full") }()
		}
	}
	return delivered
}

func (h *hub[T]) count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.channels)
}

// shutdown refuses new channels, closes the open ones and waits for their
// pumps to exit or ctx to end.
func (h *hub[T]) shutdown(ctx context.Context) error {
	h.mutex.Lock()
	h.closed = true
	channels := make([]*Channel[T], 0, len(h.channels))
	for ch := range h.channels {
		channels = append(channels, ch)
	}
	h.mutex.Unlock()

	for _, ch := range channels {
		ch.setCloseStatus(websocket.CloseGoingAway, "server shutting down")
		_ = ch.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			deadlineFrom(ctx))
		ch.closeConnection()
	}
	if len(channels) > 0 {
		h.logger.Info("closed open channels", logging.Int("count", len(channels)))
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		h.logger.Warn("channel shutdown timed out; some pumps may still be running")
		return ctx.Err()
	}
}

func deadlineFrom(ctx context.Context) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(writeWait)
}
