package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/switchyard/internal/metrics"
)

// Dispatcher routes one request at a time against a frozen route table.
// It holds no mutable state and is safe for concurrent use.
type Dispatcher[T any] struct {
	routes   *RouteTable[T]
	cors     *corsPolicy
	upgrader *websocket.Upgrader
	hub      *hub[T]
	metrics  *metrics.Metrics
}

// classify returns the routing key for r: MethodUpgrade for WebSocket
// handshakes, the request verb otherwise.
func classify(r *http.Request) Method {
	if websocket.IsWebSocketUpgrade(r) {
		return MethodUpgrade
	}
	return Method(r.Method)
}

// methodLabel bounds the metric label set: verbs outside the known routing
// keys are recorded as "other".
func methodLabel(key Method) string {
	switch key {
	case MethodGet, MethodHead, MethodPost, MethodPut, MethodPatch,
		MethodDelete, MethodOptions, MethodUpgrade:
		return string(key)
	}
	return "other"
}

// Dispatch serves r. A nil error means a response was written or the
// connection was handed to a channel. Handler errors are returned as is;
// errors wrapping ErrResponseCommitted mean nothing more can be written to w.
func (d *Dispatcher[T]) Dispatch(w http.ResponseWriter, r *http.Request) (err error) {
	start := time.Now()
	key := classify(r)
	outcome := metrics.OutcomeMatched
	defer func() {
		if err != nil {
			outcome = metrics.OutcomeError
		}
		d.metrics.ObserveDispatch(methodLabel(key), outcome, time.Since(start))
	}()

	header := make(http.Header)
	d.cors.apply(r, header)

	path := r.URL.Path
	route, ok := d.routes.Match(key, path)

	// Preflight answers for any path that has a route, whatever its verbs.
	if key == MethodOptions && (ok || d.routes.matchesAnyVerb(path)) {
		outcome = metrics.OutcomePreflight
		writeEmpty(w, header, http.StatusNoContent)
		return nil
	}

	if !ok {
		outcome = metrics.OutcomeUnmatched
		writeEmpty(w, header, http.StatusNotFound)
		return nil
	}

	ex := &exchange[T]{
		w:        w,
		r:        r,
		header:   header,
		upgrader: d.upgrader,
		hub:      d.hub,
	}
	resp, err := route.Handler(r, ex)

	if ex.attempted {
		switch {
		case err != nil:
			return fmt.Errorf("%w: %w", ErrResponseCommitted, err)
		case resp != nil:
			return fmt.Errorf("%w: %w", ErrResponseCommitted, ErrResponseAfterUpgrade)
		case ex.channel == nil:
			return fmt.Errorf("%w: %w", ErrResponseCommitted, ErrUpgradeFailed)
		}
		outcome = metrics.OutcomeUpgraded
		return nil
	}

	if err != nil {
		return err
	}
	if resp == nil {
		if key == MethodUpgrade {
			return ErrUpgradeNotPerformed
		}
		return ErrNilResponse
	}

	return writeResponse(w, header, resp)
}

func writeEmpty(w http.ResponseWriter, header http.Header, status int) {
	dst := w.Header()
	for k, vv := range header {
		dst[k] = vv
	}
	w.WriteHeader(status)
}

// writeResponse merges the handler's headers over the dispatch headers, the
// handler winning per key, and writes status and body.
func writeResponse(w http.ResponseWriter, header http.Header, resp *Response) error {
	dst := w.Header()
	for k, vv := range header {
		dst[k] = vv
	}
	for k, vv := range resp.Header {
		dst[http.CanonicalHeaderKey(k)] = vv
	}

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	if resp.Body == nil {
		return nil
	}
	if closer, ok := resp.Body.(io.Closer); ok {
		defer closer.Close()
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("%w: write body: %w", ErrResponseCommitted, err)
	}
	return nil
}
