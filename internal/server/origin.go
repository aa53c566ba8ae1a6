package server

import (
	"net/http"
	"net/url"
	"strings"
)

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func sameHost(r *http.Request, origin string) bool {
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	host := normalized[strings.Index(normalized, "://")+3:]
	return host == strings.ToLower(r.Host)
}

// SameOriginOr returns a WebSocket handshake origin check for WithCheckOrigin.
// Requests without an Origin or from the server's own host pass; any other
// origin must be allowed by rule. A nil rule allows same-host origins only.
func SameOriginOr(rule OriginRule) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || sameHost(r, origin) {
			return true
		}
		return rule != nil && rule.allowOrigin(r, origin)
	}
}
