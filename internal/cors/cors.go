// Package cors rewrites upstream response headers so browsers accept them.
package cors

import (
	"net/http"
	"strings"
)

// DefaultOrigin is echoed when the request carries no Referer.
const DefaultOrigin = "https://localhost:3000"

// AllowedOrigin derives the origin to echo from the Referer header with
// exactly one trailing slash removed.
func AllowedOrigin(reqHeader http.Header, fallback string) string {
	origin := reqHeader.Get("Referer")
	if origin == "" {
		origin = fallback
	}
	if origin == "" {
		origin = DefaultOrigin
	}
	return strings.TrimSuffix(origin, "/")
}

// Rewrite patches respHeader in place so the browser accepts the response,
// and returns it for chaining. Content-Length and Content-Encoding are
// always dropped because the body is re-served from a buffer.
func Rewrite(reqHeader, respHeader http.Header, fallbackOrigin string) http.Header {
	if respHeader == nil {
		respHeader = make(http.Header)
	}

	respHeader.Set("Access-Control-Allow-Credentials", "true")
	respHeader.Set("Access-Control-Allow-Origin", AllowedOrigin(reqHeader, fallbackOrigin))
	respHeader.Set("Access-Control-Allow-Headers", valueOrWildcard(reqHeader.Get("Access-Control-Request-Headers")))
	respHeader.Set("Access-Control-Allow-Methods", valueOrWildcard(reqHeader.Get("Access-Control-Request-Method")))

	respHeader.Del("Content-Encoding")
	respHeader.Del("Content-Length")

	return respHeader
}

func valueOrWildcard(v string) string {
	if v == "" {
		return "*"
	}
	return v
}
