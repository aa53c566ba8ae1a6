package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeEvent struct {
	code   int
	reason string
}

// echoServer mirrors a small application: HTTP routes plus an upgrade route
// whose channels answer every message with their context and the payload.
func echoServer(t *testing.T) (*Server[string], <-chan string, <-chan closeEvent) {
	t.Helper()

	opened := make(chan string, 8)
	closed := make(chan closeEvent, 8)
	srv := newTestServer(t)
	srv.Get("/get", textHandler(testValue)).
		Post("/post", textHandler(testValue)).
		Upgrade("/ws", func(*http.Request, Transport[string]) (UpgradeOptions[string], error) {
			return UpgradeOptions[string]{Data: testValue}, nil
		}).
		WS(WebSocketHandler[string]{
			Open: func(ch *Channel[string]) {
				opened <- ch.Data()
			},
			Message: func(ch *Channel[string], _ int, data []byte) {
				payload, _ := json.Marshal(map[string]string{
					"data":    ch.Data(),
					"message": string(data),
				})
				_ = ch.Send(websocket.TextMessage, payload)
			},
			Close: func(_ *Channel[string], code int, reason string) {
				closed <- closeEvent{code: code, reason: reason}
			},
		})
	return srv, opened, closed
}

func listen(t *testing.T, srv *Server[string]) string {
	t.Helper()

	u, err := srv.Listen()
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return u.String()
}

func TestListenHTTPRoutes(t *testing.T) {
	t.Parallel()

	srv, _, _ := echoServer(t)
	base := listen(t, srv)

	assert.NotZero(t, srv.Port())
	assert.Equal(t, "127.0.0.1", srv.Hostname())
	assert.Equal(t, "http://127.0.0.1:"+strconv.Itoa(srv.Port())+"/", base)
	assert.Equal(t, base, srv.URL().String())

	resp := makeRequest(t, http.MethodGet, base+"get")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, testValue, readBody(t, resp))

	resp = makeRequest(t, http.MethodPost, base+"post")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, testValue, readBody(t, resp))

	resp = makeRequest(t, http.MethodPost, base+"get")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, readBody(t, resp))
}

func TestUpgradeCarriesContextToChannel(t *testing.T) {
	t.Parallel()

	srv, opened, _ := echoServer(t)
	base := listen(t, srv)

	conn, resp, err := dialWebSocket(t, wsURL(base, "/ws"), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	select {
	case data := <-opened:
		assert.Equal(t, testValue, data)
	case <-time.After(5 * time.Second):
		t.Fatal("open hook was not called")
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(testValue)))

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(readText(t, conn)), &got))
	assert.Equal(t, map[string]string{"data": testValue, "message": testValue}, got)
}

func TestUpgradeAttemptOnPlainRouteIsNotFound(t *testing.T) {
	t.Parallel()

	srv, _, _ := echoServer(t)
	base := listen(t, srv)

	conn, resp, err := dialWebSocket(t, wsURL(base, "/get"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Nil(t, conn)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The upgrade route is invisible to plain requests.
	plain := makeRequest(t, http.MethodGet, base+"ws")
	assert.Equal(t, http.StatusNotFound, plain.StatusCode)
}

func TestUpgradeHandlerCanReject(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	srv.Request([]Method{MethodUpgrade}, "/private", func(*http.Request, Transport[string]) (*Response, error) {
		return Text(http.StatusUnauthorized, "unauthorized"), nil
	}).
		Upgrade("/broken", func(*http.Request, Transport[string]) (UpgradeOptions[string], error) {
			return UpgradeOptions[string]{}, errors.New("no session")
		})
	base := listen(t, srv)

	_, resp, err := dialWebSocket(t, wsURL(base, "/private"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dialWebSocket(t, wsURL(base, "/broken"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	assert.Zero(t, srv.OpenChannels())
}

func TestUpgradeHandoffErrors(t *testing.T) {
	t.Parallel()

	errs := make(chan error, 4)
	secondUpgrade := make(chan error, 1)

	srv := newTestServer(t, WithErrorHandler(func(_ http.ResponseWriter, _ *http.Request, err error) {
		errs <- err
	}))
	srv.Request([]Method{MethodUpgrade}, "/both", func(_ *http.Request, tr Transport[string]) (*Response, error) {
		if _, err := tr.Upgrade(UpgradeOptions[string]{}); err != nil {
			return nil, err
		}
		_, err := tr.Upgrade(UpgradeOptions[string]{})
		secondUpgrade <- err
		assert.True(t, tr.Upgraded())
		return Text(http.StatusOK, "too late"), nil
	})
	base := listen(t, srv)

	conn, _, err := dialWebSocket(t, wsURL(base, "/both"), nil)
	require.NoError(t, err)
	require.NotNil(t, conn)

	select {
	case err := <-secondUpgrade:
		assert.ErrorIs(t, err, ErrAlreadyUpgraded)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not run")
	}

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrResponseCommitted)
		assert.ErrorIs(t, err, ErrResponseAfterUpgrade)
	case <-time.After(5 * time.Second):
		t.Fatal("error handler was not called")
	}
}

func TestUpgradeHeadersAndAdvisoryCORS(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := newTestServer(t, WithCORS(CORSConfig{Origin: mustGlobOrigin(t, "http://*.allowed.test")}))
	srv.Upgrade("/ws", func(*http.Request, Transport[string]) (UpgradeOptions[string], error) {
		calls.Add(1)
		return UpgradeOptions[string]{Header: http.Header{"X-Session": {"abc"}}}, nil
	})
	base := listen(t, srv)

	conn, resp, err := dialWebSocket(t, wsURL(base, "/ws"), http.Header{"Origin": {"http://app.allowed.test"}})
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, "abc", resp.Header.Get("X-Session"))
	assert.Equal(t, "http://app.allowed.test", resp.Header.Get("Access-Control-Allow-Origin"))

	// A disallowed origin loses the CORS headers but still upgrades.
	conn, resp, err = dialWebSocket(t, wsURL(base, "/ws"), http.Header{"Origin": {"http://evil.test"}})
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.EqualValues(t, 2, calls.Load())
}

func TestCheckOriginRefusesBeforeHandler(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := newTestServer(t, WithCheckOrigin(SameOriginOr(ExactOrigin("https://app.test"))))
	srv.Upgrade("/ws", func(*http.Request, Transport[string]) (UpgradeOptions[string], error) {
		calls.Add(1)
		return UpgradeOptions[string]{}, nil
	})
	base := listen(t, srv)

	_, resp, err := dialWebSocket(t, wsURL(base, "/ws"), http.Header{"Origin": {"https://other.test"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, calls.Load())

	conn, _, err := dialWebSocket(t, wsURL(base, "/ws"), http.Header{"Origin": {"https://app.test"}})
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.EqualValues(t, 1, calls.Load())
}

func TestListenLifecycle(t *testing.T) {
	t.Parallel()

	srv, _, _ := echoServer(t)
	assert.Nil(t, srv.URL())
	assert.Zero(t, srv.Port())

	listen(t, srv)

	_, err := srv.Listen()
	require.ErrorIs(t, err, ErrAlreadyListening)

	require.NoError(t, srv.Close())

	_, err = srv.Listen()
	require.ErrorIs(t, err, ErrServerClosed)
}

func TestListenFailsOnMissingKeyPair(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := NewConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.TLSCertFile = filepath.Join(dir, "cert.pem")
	cfg.TLSKeyFile = filepath.Join(dir, "key.pem")

	srv, err := New[string](*cfg)
	require.NoError(t, err)

	_, err = srv.Listen()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load TLS key pair")
}

func TestListenUnixSocket(t *testing.T) {
	t.Parallel()

	socket := filepath.Join(t.TempDir(), "switchyard.sock")
	cfg := NewConfig()
	cfg.UnixSocket = socket

	srv, err := New[string](*cfg)
	require.NoError(t, err)
	srv.Get("/get", textHandler(testValue))

	u, err := srv.Listen()
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	assert.Equal(t, "unix", u.Scheme)
	assert.Equal(t, socket, u.Path)
	assert.Zero(t, srv.Port())

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		},
	}
	resp, err := client.Get("http://switchyard/get")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, testValue, readBody(t, resp))
}

func TestShutdownClosesChannels(t *testing.T) {
	t.Parallel()

	srv, _, closed := echoServer(t)
	base := listen(t, srv)

	conn, _, err := dialWebSocket(t, wsURL(base, "/ws"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return srv.OpenChannels() == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case ev := <-closed:
		assert.Equal(t, websocket.CloseGoingAway, ev.code)
	case <-time.After(5 * time.Second):
		t.Fatal("close hook was not called")
	}
	assert.Zero(t, srv.OpenChannels())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
}

func TestRegistrationAfterServingPanics(t *testing.T) {
	t.Parallel()

	srv, _, _ := echoServer(t)
	startHTTPTest(t, srv)

	assert.Panics(t, func() { srv.Get("/late", textHandler("late")) })
	assert.Panics(t, func() { srv.WS(WebSocketHandler[string]{}) })
}

func TestNewRejectsUnusableCORS(t *testing.T) {
	t.Parallel()

	_, err := New[string](*NewConfig(), WithCORS(CORSConfig{}))
	require.ErrorIs(t, err, ErrInvalidOriginRule)

	cfg := NewConfig()
	cfg.CORSOrigin = "   "
	_, err = New[string](*cfg)
	require.ErrorIs(t, err, ErrInvalidOriginRule)
}
