package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// Transport is the per-request handle given to handlers. It lets a handler
// take the connection over as a WebSocket channel.
type Transport[T any] interface {
	// Upgrade completes the WebSocket handshake with opts and starts the
	// channel. It may be called at most once per request.
	Upgrade(opts UpgradeOptions[T]) (*Channel[T], error)
	// Upgraded reports whether Upgrade succeeded.
	Upgraded() bool
	// Publish sends a message to every channel subscribed to topic.
	Publish(topic string, messageType int, data []byte) int
}

// exchange is the Transport for a single dispatch.
type exchange[T any] struct {
	w        http.ResponseWriter
	r        *http.Request
	header   http.Header
	upgrader *websocket.Upgrader
	hub      *hub[T]

	attempted bool
	channel   *Channel[T]
}

func (e *exchange[T]) Upgrade(opts UpgradeOptions[T]) (*Channel[T], error) {
	if e.attempted {
		return nil, ErrAlreadyUpgraded
	}
	e.attempted = true

	// The handshake response carries the dispatch headers (CORS) overlaid by
	// the handler's own.
	header := make(http.Header, len(e.header)+len(opts.Header))
	for k, vv := range e.header {
		header[k] = vv
	}
	for k, vv := range opts.Header {
		header[http.CanonicalHeaderKey(k)] = vv
	}

	conn, err := e.upgrader.Upgrade(e.w, e.r, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpgradeFailed, err)
	}

	ch := newChannel(conn, opts.Data, e.hub, e.r.RemoteAddr)
	if err := e.hub.start(ch); err != nil {
		return nil, err
	}
	e.channel = ch
	return ch, nil
}

func (e *exchange[T]) Upgraded() bool {
	return e.channel != nil
}

func (e *exchange[T]) Publish(topic string, messageType int, data []byte) int {
	return e.hub.publish(nil, topic, messageType, data)
}
