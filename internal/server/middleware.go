package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/safetrade/internal/idgen"
	"github.com/mbd888/safetrade/internal/logging"
	"github.com/mbd888/safetrade/internal/metrics"
	"github.com/mbd888/safetrade/internal/security"
	"github.com/mbd888/safetrade/internal/traces"
	"github.com/mbd888/safetrade/internal/validation"
)

const requestIDHeader = "X-Request-ID"

func (s *Server) setupMiddleware() {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 && s.cfg.IsDevelopment() {
		origins = []string{"*"}
	}

	chain := []gin.HandlerFunc{
		gin.CustomRecovery(recovered),
		security.HeadersMiddleware(),
		security.CORSMiddleware(origins),
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		traces.Middleware(),
		metrics.Middleware(),
		s.requestContext(),
		accessLog(),
	}
	if s.cfg.RequestTimeout > 0 {
		chain = append(chain, deadline(s.cfg.RequestTimeout))
	}
	s.router.Use(chain...)
}

func recovered(c *gin.Context, panicked any) {
	logging.L(c.Request.Context()).Error("panic recovered",
		"error", panicked,
		"path", c.Request.URL.Path,
	)
	c.Set(metrics.ErrorCodeKey, "internal_error")
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}

// requestContext puts the request ID and the server logger on the request
// context. An ID set upstream is kept.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := validation.SanitizeString(c.GetHeader(requestIDHeader), 128)
		if id == "" {
			id = idgen.New()
		}
		ctx := logging.WithLogger(logging.WithRequestID(c.Request.Context(), id), s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Int64("latency_ms", time.Since(start).Milliseconds()),
		}
		if status >= http.StatusInternalServerError {
			attrs = append(attrs, slog.String("client_ip", c.ClientIP()))
		}
		ctx := c.Request.Context()
		logging.L(ctx).LogAttrs(ctx, levelFor(status), "request completed", attrs...)
	}
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// deadline bounds the request context. Store operations observe it and fail
// with storage_unavailable once it passes.
func deadline(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
