package server

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

// Method is a routing key: an HTTP verb or the MethodUpgrade pseudo-method.
type Method string

// Routing keys. MethodUpgrade is never sent by a client; requests carrying
// WebSocket upgrade headers are classified under it instead of their verb.
const (
	MethodGet     Method = http.MethodGet
	MethodHead    Method = http.MethodHead
	MethodPost    Method = http.MethodPost
	MethodPut     Method = http.MethodPut
	MethodPatch   Method = http.MethodPatch
	MethodDelete  Method = http.MethodDelete
	MethodOptions Method = http.MethodOptions
	MethodUpgrade Method = "UPGRADE"
)

// Route associates a compiled path pattern with a handler under one method.
type Route[T any] struct {
	Method  Method
	Path    string
	Handler HandlerFunc[T]
	matcher *Glob
}

// Match reports whether path is accepted by the route's pattern.
func (rt Route[T]) Match(path string) bool {
	return rt.matcher.Match(path)
}

// RouteTable holds routes bucketed by method in registration order. It is
// mutated only until Freeze; afterwards it is safe for concurrent reads.
type RouteTable[T any] struct {
	buckets map[Method][]Route[T]
	frozen  atomic.Bool
}

// NewRouteTable returns an empty table.
func NewRouteTable[T any]() *RouteTable[T] {
	return &RouteTable[T]{buckets: make(map[Method][]Route[T])}
}

// Register appends one route per method. It panics on an invalid pattern,
// a nil handler, an empty method list, or a frozen table.
func (t *RouteTable[T]) Register(methods []Method, pattern string, handler HandlerFunc[T]) {
	if t.frozen.Load() {
		panic(fmt.Sprintf("switchyard: route %q registered after the server started serving", pattern))
	}
	if len(methods) == 0 {
		panic(fmt.Sprintf("switchyard: route %q registered without methods", pattern))
	}
	if handler == nil {
		panic(fmt.Sprintf("switchyard: nil handler for route %q", pattern))
	}

	matcher, err := CompileGlob(pattern)
	if err != nil {
		panic(fmt.Sprintf("switchyard: %v", err))
	}

	for _, m := range methods {
		t.buckets[m] = append(t.buckets[m], Route[T]{
			Method:  m,
			Path:    pattern,
			Handler: handler,
			matcher: matcher,
		})
	}
}

// Lookup returns the routes registered under method, in priority order.
func (t *RouteTable[T]) Lookup(method Method) []Route[T] {
	return t.buckets[method]
}

// Match returns the first route under method whose pattern accepts path.
func (t *RouteTable[T]) Match(method Method, path string) (Route[T], bool) {
	for _, rt := range t.buckets[method] {
		if rt.Match(path) {
			return rt, true
		}
	}
	return Route[T]{}, false
}

// matchesAnyVerb reports whether path matches a route under any HTTP verb.
// Upgrade routes are not considered.
func (t *RouteTable[T]) matchesAnyVerb(path string) bool {
	for m, routes := range t.buckets {
		if m == MethodUpgrade {
			continue
		}
		for _, rt := range routes {
			if rt.Match(path) {
				return true
			}
		}
	}
	return false
}

// Freeze stops further registration.
func (t *RouteTable[T]) Freeze() {
	t.frozen.Store(true)
}

// Frozen reports whether Freeze has been called.
func (t *RouteTable[T]) Frozen() bool {
	return t.frozen.Load()
}
