package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/switchyard/internal/logging"
	"github.com/Tyrowin/switchyard/internal/metrics"
	"github.com/Tyrowin/switchyard/internal/server"
)

// session is the context attached to every chat channel.
type session struct {
	Room     string
	JoinedAt time.Time
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "switchyard: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := server.NewConfigFromEnv()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	m := metrics.New("switchyard")

	srv, err := server.New[session](*cfg,
		server.WithLogger(logger),
		server.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	registerRoutes(srv, logger)

	if _, err := srv.Listen(); err != nil {
		return err
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           m.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", logging.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", logging.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return srv.Shutdown(shutdownCtx)
}

func registerRoutes(srv *server.Server[session], logger logging.Logger) {
	srv.Get("/health", func(*http.Request, server.Transport[session]) (*server.Response, error) {
		return server.Text(http.StatusOK, "switchyard is running"), nil
	}).
		Get("/rooms/*/members", func(r *http.Request, _ server.Transport[session]) (*server.Response, error) {
			room := path.Base(path.Dir(r.URL.Path))
			return server.Text(http.StatusOK, fmt.Sprintf("room %s", room)), nil
		}).
		Upgrade("/rooms/*", func(r *http.Request, _ server.Transport[session]) (server.UpgradeOptions[session], error) {
			return server.UpgradeOptions[session]{
				Data: session{Room: path.Base(r.URL.Path), JoinedAt: time.Now()},
			}, nil
		}).
		WS(server.WebSocketHandler[session]{
			Open: func(ch *server.Channel[session]) {
				ch.Subscribe(ch.Data().Room)
			},
			Message: func(ch *server.Channel[session], messageType int, data []byte) {
				if messageType != websocket.TextMessage {
					return
				}
				ch.Publish(ch.Data().Room, messageType, data)
			},
			Close: func(ch *server.Channel[session], code int, _ string) {
				logger.Debug("left room",
					logging.String("room", ch.Data().Room),
					logging.String("remote", ch.RemoteAddr()),
					logging.Int("code", code),
					logging.Duration("stayed", time.Since(ch.Data().JoinedAt)))
			},
		})
}
