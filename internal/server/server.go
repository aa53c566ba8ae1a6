// Package server implements the switchyard facade: route registration,
// WebSocket event wiring, and the transport lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/switchyard/internal/logging"
	"github.com/Tyrowin/switchyard/internal/metrics"
)

type options struct {
	logger          logging.Logger
	metrics         *metrics.Metrics
	errorHandler    ErrorHandler
	checkOrigin     func(r *http.Request) bool
	cors            *CORSConfig
	readBufferSize  int
	writeBufferSize int
}

// Option customizes a Server.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records dispatch and channel metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithErrorHandler replaces the fault boundary for handler errors.
func WithErrorHandler(h ErrorHandler) Option {
	return func(o *options) { o.errorHandler = h }
}

// WithCheckOrigin sets the WebSocket handshake origin check. By default every
// origin may upgrade. SameOriginOr builds the usual allow-list check.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(o *options) { o.checkOrigin = fn }
}

// WithCORS sets the CORS policy, taking precedence over the CORS_* settings
// of Config. Use it for glob or predicate rules built in code.
func WithCORS(cfg CORSConfig) Option {
	return func(o *options) { o.cors = &cfg }
}

// WithBufferSizes sets the WebSocket upgrader I/O buffer sizes.
func WithBufferSizes(read, write int) Option {
	return func(o *options) {
		o.readBufferSize = read
		o.writeBufferSize = write
	}
}

// Server accumulates routes and channel handlers, then serves them. T is the
// per-channel context type produced by upgrade handlers. Registration must
// happen before the first request is served; the route table is read-only
// afterwards.
type Server[T any] struct {
	cfg          Config
	logger       logging.Logger
	metrics      *metrics.Metrics
	errorHandler ErrorHandler
	cors         *corsPolicy
	upgrader     *websocket.Upgrader
	routes       *RouteTable[T]
	hub          *hub[T]

	mu         sync.RWMutex
	ws         WebSocketHandler[T]
	dispatcher atomic.Pointer[Dispatcher[T]]
	httpServer *http.Server
	listener   net.Listener
	url        *url.URL
	serveDone  chan struct{}
	closed     bool
}

// New validates cfg and returns a Server with an empty route table.
// It fails fast on an unusable CORS origin rule.
func New[T any](cfg Config, opts ...Option) (*Server[T], error) {
	o := options{
		readBufferSize:  1024,
		writeBufferSize: 1024,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Nop()
	}

	cfg = cfg.sanitize()

	corsCfg := o.cors
	if corsCfg == nil {
		var err error
		if corsCfg, err = cfg.corsConfig(); err != nil {
			return nil, err
		}
	}
	policy, err := newCORSPolicy(corsCfg)
	if err != nil {
		return nil, err
	}

	s := &Server[T]{
		cfg:     cfg,
		logger:  o.logger,
		metrics: o.metrics,
		cors:    policy,
		routes:  NewRouteTable[T](),
		hub:     newHub[T](cfg, o.logger, o.metrics),
	}

	s.errorHandler = o.errorHandler
	if s.errorHandler == nil {
		s.errorHandler = defaultErrorHandler(o.logger)
	}

	// CORS stays advisory for handshakes; only WithCheckOrigin refuses them.
	checkOrigin := func(*http.Request) bool { return true }
	if o.checkOrigin != nil {
		checkOrigin = s.loggedOriginCheck(o.checkOrigin)
	}
	s.upgrader = &websocket.Upgrader{
		ReadBufferSize:  o.readBufferSize,
		WriteBufferSize: o.writeBufferSize,
		CheckOrigin:     checkOrigin,
	}

	return s, nil
}

// Request registers handler for pattern under each of methods.
func (s *Server[T]) Request(methods []Method, pattern string, handler HandlerFunc[T]) *Server[T] {
	s.routes.Register(methods, pattern, handler)
	return s
}

// Get registers a GET route.
func (s *Server[T]) Get(pattern string, handler HandlerFunc[T]) *Server[T] {
	return s.Request([]Method{MethodGet}, pattern, handler)
}

// Post registers a POST route.
func (s *Server[T]) Post(pattern string, handler HandlerFunc[T]) *Server[T] {
	return s.Request([]Method{MethodPost}, pattern, handler)
}

// Put registers a PUT route.
func (s *Server[T]) Put(pattern string, handler HandlerFunc[T]) *Server[T] {
	return s.Request([]Method{MethodPut}, pattern, handler)
}

// Patch registers a PATCH route.
func (s *Server[T]) Patch(pattern string, handler HandlerFunc[T]) *Server[T] {
	return s.Request([]Method{MethodPatch}, pattern, handler)
}

// Delete registers a DELETE route.
func (s *Server[T]) Delete(pattern string, handler HandlerFunc[T]) *Server[T] {
	return s.Request([]Method{MethodDelete}, pattern, handler)
}

// Upgrade registers a WebSocket route. The handler picks the handshake
// headers and channel context; the upgrade itself is performed here.
// Handshakes refused by the origin check get a 403 before the handler runs.
func (s *Server[T]) Upgrade(pattern string, handler UpgradeFunc[T]) *Server[T] {
	if handler == nil {
		panic(fmt.Sprintf("switchyard: nil upgrade handler for route %q", pattern))
	}
	return s.Request([]Method{MethodUpgrade}, pattern, func(r *http.Request, t Transport[T]) (*Response, error) {
		if !s.upgrader.CheckOrigin(r) {
			return Text(http.StatusForbidden, http.StatusText(http.StatusForbidden)), nil
		}
		opts, err := handler(r, t)
		if err != nil {
			return nil, err
		}
		if _, err := t.Upgrade(opts); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

// WS sets the channel event handlers.
func (s *Server[T]) WS(handler WebSocketHandler[T]) *Server[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.routes.Frozen() {
		panic("switchyard: WebSocket handlers set after the server started serving")
	}
	s.ws = handler
	return s
}

// Handler freezes registration and returns the server as an http.Handler.
func (s *Server[T]) Handler() http.Handler {
	s.freeze()
	return s
}

// ServeHTTP dispatches r and passes any error to the error handler.
func (s *Server[T]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := s.freeze().Dispatch(w, r); err != nil {
		s.errorHandler(w, r, err)
	}
}

func (s *Server[T]) freeze() *Dispatcher[T] {
	if d := s.dispatcher.Load(); d != nil {
		return d
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if d := s.dispatcher.Load(); d != nil {
		return d
	}

	s.routes.Freeze()
	s.hub.handlers = s.ws
	d := &Dispatcher[T]{
		routes:   s.routes,
		cors:     s.cors,
		upgrader: s.upgrader,
		hub:      s.hub,
		metrics:  s.metrics,
	}
	s.dispatcher.Store(d)
	return d
}

// Publish sends a message to every channel subscribed to topic and returns
// how many accepted it.
func (s *Server[T]) Publish(topic string, messageType int, data []byte) int {
	return s.hub.publish(nil, topic, messageType, data)
}

// OpenChannels returns the number of open WebSocket channels.
func (s *Server[T]) OpenChannels() int {
	return s.hub.count()
}

func (s *Server[T]) loggedOriginCheck(check func(r *http.Request) bool) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if check(r) {
			return true
		}
		s.logger.Warn("blocked websocket handshake from disallowed origin",
			logging.String("origin", r.Header.Get("Origin")),
			logging.String("path", r.URL.Path))
		return false
	}
}

func defaultErrorHandler(logger logging.Logger) ErrorHandler {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		fields := []logging.Field{
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Error(err),
		}
		if errors.Is(err, ErrResponseCommitted) {
			logger.Warn("dispatch failed after the response was committed", fields...)
			return
		}
		logger.Error("handler failed", fields...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// Shutdown stops accepting connections, waits for in-flight requests, then
// closes every open channel. The server cannot listen again afterwards.
func (s *Server[T]) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.httpServer, s.serveDone
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := shutdownServer(ctx, srv, s.logger); err != nil {
			errs = append(errs, err)
		}
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	if err := s.hub.shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close shuts the server down within the configured shutdown timeout.
func (s *Server[T]) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}
