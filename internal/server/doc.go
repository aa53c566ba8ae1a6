// Package server implements switchyard, a request router and WebSocket
// upgrade dispatcher built on net/http and gorilla/websocket.
//
// Routes are glob patterns ('*' matches within one path segment) registered
// per HTTP method, plus the UPGRADE pseudo-method for WebSocket handshakes.
// The first matching route in registration order wins. A single advisory
// CORS policy decorates every response; it never rejects a request.
//
//	srv, err := server.New[Session](*server.NewConfig())
//	if err != nil {
//		return err
//	}
//	srv.Get("/health", func(*http.Request, server.Transport[Session]) (*server.Response, error) {
//		return server.Text(http.StatusOK, "ok"), nil
//	}).
//		Upgrade("/rooms/*", joinRoom).
//		WS(server.WebSocketHandler[Session]{Message: relay})
//	u, err := srv.Listen()
//
// The implementation is organized into files for configuration, glob
// matching, routing, CORS, dispatch, channels, and the hub.
package server
