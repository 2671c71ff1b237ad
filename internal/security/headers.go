// Package security provides response hardening middleware for the SafeTrade API.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	corsMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsHeaders = "Authorization, Content-Type, Idempotency-Key, X-Request-ID"
	corsExpose  = "X-Request-ID, Retry-After"
	hsts        = "max-age=63072000; includeSubDomains"
)

// HeadersMiddleware sets hardening headers on every response. The API only
// serves JSON, so the content policy allows nothing. Strict-Transport-Security
// is added when the request arrived over TLS, directly or through a proxy.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cache-Control", "no-store")
		if c.Request.TLS != nil || strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https") {
			h.Set("Strict-Transport-Security", hsts)
		}
		c.Next()
	}
}

// originMatcher decides whether an Origin header is allowed.
type originMatcher struct {
	any      bool
	exact    map[string]struct{}
	suffixes []string
}

// newOriginMatcher accepts exact origins, "*", and subdomain patterns such as
// "https://*.example.com".
func newOriginMatcher(origins []string) originMatcher {
	m := originMatcher{exact: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch {
		case o == "":
		case o == "*":
			m.any = true
		case strings.Contains(o, "://*."):
			scheme, host, _ := strings.Cut(o, "://*")
			m.suffixes = append(m.suffixes, scheme+"://|"+host)
		default:
			m.exact[o] = struct{}{}
		}
	}
	return m
}

func (m originMatcher) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if m.any {
		return true
	}
	if _, ok := m.exact[origin]; ok {
		return true
	}
	for _, s := range m.suffixes {
		scheme, dotHost, _ := strings.Cut(s, "|")
		rest, ok := strings.CutPrefix(origin, scheme)
		if ok && strings.HasSuffix(rest, dotHost) && len(rest) > len(dotHost) {
			return true
		}
	}
	return false
}

// CORSMiddleware answers cross-origin requests from allowedOrigins. An empty
// list disables CORS. With "*" any origin is echoed but credentials are not
// allowed. Preflights from other origins are refused with 403.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	m := newOriginMatcher(allowedOrigins)

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		ok := m.allows(origin)

		if ok {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Expose-Headers", corsExpose)
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
			if !m.any {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method != http.MethodOptions || origin == "" {
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.AbortWithStatus(http.StatusNoContent)
	}
}
