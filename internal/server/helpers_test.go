package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const testValue = "test"

// textHandler returns a handler answering 200 with body.
func textHandler(body string) HandlerFunc[string] {
	return func(*http.Request, Transport[string]) (*Response, error) {
		return Text(http.StatusOK, body), nil
	}
}

// newTestServer builds a Server[string] on an ephemeral port.
func newTestServer(t *testing.T, opts ...Option) *Server[string] {
	t.Helper()

	cfg := NewConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.ShutdownTimeout = 2 * time.Second

	srv, err := New[string](*cfg, opts...)
	require.NoError(t, err)
	return srv
}

// startHTTPTest serves srv through httptest and closes both on cleanup.
func startHTTPTest(t *testing.T, srv *Server[string]) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})
	return ts
}

// serve dispatches a request through srv with a recorder.
func serve(srv *Server[string], method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, http.NoBody)
	for k, vv := range header {
		req.Header[k] = vv
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

// makeRequest creates and executes an HTTP request with a 5-second timeout.
func makeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

// wsURL rewrites an http(s) base URL into a ws(s) URL for path.
func wsURL(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	return "ws" + strings.TrimPrefix(base, "http") + path
}

// dialWebSocket connects to url and closes the connection on cleanup.
func dialWebSocket(t *testing.T, url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

// readText reads one text message with a deadline.
func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)
	return string(data)
}
