// Package server constructs and starts the underlying HTTP transport with
// helpers that apply sensible production defaults.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/Tyrowin/switchyard/internal/logging"
)

// CreateServer creates an http.Server for handler using the timeouts in cfg.
func CreateServer(cfg Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// Listen binds the configured address, starts serving in the background and
// returns the URL the server is reachable at.
func (s *Server[T]) Listen() (*url.URL, error) {
	handler := s.Handler()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServerClosed
	}
	if s.httpServer != nil {
		return nil, ErrAlreadyListening
	}

	srv := CreateServer(s.cfg, handler)
	if s.cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS key pair: %w", err)
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	ln, err := s.bind()
	if err != nil {
		return nil, err
	}

	s.httpServer = srv
	s.listener = ln
	s.url = s.boundURL(ln)
	s.serveDone = make(chan struct{})

	go s.serve(srv, ln, s.serveDone)

	s.logger.Info("server listening", logging.String("url", s.url.String()))
	u := *s.url
	return &u, nil
}

func (s *Server[T]) bind() (net.Listener, error) {
	if s.cfg.UnixSocket != "" {
		if err := os.Remove(s.cfg.UnixSocket); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		ln, err := net.Listen("unix", s.cfg.UnixSocket)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", s.cfg.UnixSocket, err)
		}
		return ln, nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}
	return ln, nil
}

func (s *Server[T]) serve(srv *http.Server, ln net.Listener, done chan<- struct{}) {
	defer close(done)

	var err error
	if srv.TLSConfig != nil {
		err = srv.ServeTLS(ln, "", "")
	} else {
		err = srv.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("server stopped unexpectedly", logging.Error(err))
	}
}

func (s *Server[T]) boundURL(ln net.Listener) *url.URL {
	if s.cfg.UnixSocket != "" {
		return &url.URL{Scheme: "unix", Path: s.cfg.UnixSocket}
	}

	scheme := "http"
	if s.cfg.TLSEnabled() {
		scheme = "https"
	}
	port := 0
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(s.Hostname(), strconv.Itoa(port)),
		Path:   "/",
	}
}

// URL returns the address the server is reachable at, or nil before Listen.
func (s *Server[T]) URL() *url.URL {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.url == nil {
		return nil
	}
	u := *s.url
	return &u
}

// Port returns the bound TCP port, or 0 when not listening on TCP.
func (s *Server[T]) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener == nil {
		return 0
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Hostname returns the configured host, or "localhost" for wildcard binds.
func (s *Server[T]) Hostname() string {
	switch s.cfg.Host {
	case "", "0.0.0.0", "::":
		return "localhost"
	}
	return s.cfg.Host
}

// shutdownServer gracefully shuts down the HTTP server without interrupting
// active requests. Upgraded connections are not tracked by http.Server.
func shutdownServer(ctx context.Context, srv *http.Server, logger logging.Logger) error {
	logger.Info("shutting down HTTP server")

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", logging.Error(err))
		return err
	}

	logger.Info("HTTP server shutdown completed")
	return nil
}
