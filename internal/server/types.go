// Package server defines the handler contracts and response descriptors shared
// by the dispatcher, the route table and the WebSocket channel runtime.
package server

import (
	"io"
	"net/http"
	"strings"
)

// Response describes what an HTTP handler wants written back.
// A zero Status means 200. Body may be nil.
type Response struct {
	Status int
	Header http.Header
	Body   io.Reader
}

// Text returns a plain-text response.
func Text(status int, body string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{Status: status, Header: h, Body: strings.NewReader(body)}
}

// NoContent returns a response with a status and no body.
func NoContent(status int) *Response {
	return &Response{Status: status}
}

// HandlerFunc serves one routed request. Returning (nil, nil) means the handler
// has handed the connection to the transport, which is only valid on
// MethodUpgrade routes after Transport.Upgrade succeeded.
type HandlerFunc[T any] func(r *http.Request, t Transport[T]) (*Response, error)

// UpgradeOptions is what an upgrade handler hands to the transport: extra
// handshake response headers and the per-connection context.
type UpgradeOptions[T any] struct {
	Header http.Header
	Data   T
}

// UpgradeFunc decides whether and how a request is upgraded.
type UpgradeFunc[T any] func(r *http.Request, t Transport[T]) (UpgradeOptions[T], error)

// ErrorHandler is the fault boundary for errors returned by dispatch.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)
