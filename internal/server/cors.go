package server

import (
	"fmt"
	"net/http"
	"strings"
)

// OriginRule decides whether a request's Origin is allowed. Build one with
// ExactOrigin, GlobOrigin, OriginFunc or ParseOriginRule.
type OriginRule interface {
	allowOrigin(r *http.Request, origin string) bool
}

type exactOrigin string

// ExactOrigin allows only the given origin, or every origin when it is "*".
func ExactOrigin(origin string) OriginRule {
	return exactOrigin(origin)
}

func (o exactOrigin) allowOrigin(_ *http.Request, origin string) bool {
	return o == "*" || string(o) == origin
}

type globOrigin struct {
	glob *Glob
}

// GlobOrigin allows origins matching pattern, e.g. "https://*.example.com".
func GlobOrigin(pattern string) (OriginRule, error) {
	g, err := CompileGlob(pattern)
	if err != nil {
		return nil, err
	}
	return globOrigin{glob: g}, nil
}

func (o globOrigin) allowOrigin(_ *http.Request, origin string) bool {
	return o.glob.Match(origin)
}

// OriginFunc allows a request when the predicate returns true.
type OriginFunc func(r *http.Request) bool

func (f OriginFunc) allowOrigin(r *http.Request, _ string) bool {
	return f(r)
}

// ParseOriginRule turns a configuration string into a rule: "*" and values
// without a wildcard are exact rules, anything else is a glob.
func ParseOriginRule(s string) (OriginRule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty origin", ErrInvalidOriginRule)
	}
	if s == "*" || !strings.Contains(s, "*") {
		return ExactOrigin(s), nil
	}
	return GlobOrigin(s)
}

// CORSConfig is the cross-origin policy attached to a server.
type CORSConfig struct {
	Origin      OriginRule
	Methods     []string
	Headers     []string
	Credentials string
}

// corsPolicy is the precomputed, read-only form of a CORSConfig.
// A nil *corsPolicy allows nothing and emits nothing.
type corsPolicy struct {
	rule        OriginRule
	methods     string
	headers     string
	credentials string
}

func newCORSPolicy(cfg *CORSConfig) (*corsPolicy, error) {
	if cfg == nil {
		return nil, nil
	}

	switch rule := cfg.Origin.(type) {
	case nil:
		return nil, fmt.Errorf("%w: no origin rule", ErrInvalidOriginRule)
	case OriginFunc:
		if rule == nil {
			return nil, fmt.Errorf("%w: nil origin predicate", ErrInvalidOriginRule)
		}
	case globOrigin:
		if rule.glob == nil {
			return nil, fmt.Errorf("%w: uncompiled glob", ErrInvalidOriginRule)
		}
	}

	return &corsPolicy{
		rule:        cfg.Origin,
		methods:     strings.Join(cfg.Methods, ","),
		headers:     strings.Join(cfg.Headers, ","),
		credentials: cfg.Credentials,
	}, nil
}

// allows evaluates the origin rule. Requests without an Origin are never
// cross-origin and are not allowed here.
func (p *corsPolicy) allows(r *http.Request) bool {
	if p == nil {
		return false
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	return p.rule.allowOrigin(r, origin)
}

// apply writes the CORS headers for r into h and reports whether the origin
// was allowed. A disallowed origin only gets Vary; routing still proceeds.
func (p *corsPolicy) apply(r *http.Request, h http.Header) bool {
	if p == nil {
		return false
	}
	// The CORS headers depend on the request Origin, even for "*".
	h.Add("Vary", "Origin")
	if !p.allows(r) {
		return false
	}

	h.Set("Access-Control-Allow-Origin", r.Header.Get("Origin"))
	if p.methods != "" {
		h.Set("Access-Control-Allow-Methods", p.methods)
	}
	if p.headers != "" {
		h.Set("Access-Control-Allow-Headers", p.headers)
	}
	if p.credentials != "" {
		h.Set("Access-Control-Allow-Credentials", p.credentials)
	}
	return true
}
