package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/safetrade/internal/admin"
	"github.com/mbd888/safetrade/internal/fulfillment"
	"github.com/mbd888/safetrade/internal/health"
	"github.com/mbd888/safetrade/internal/identity"
	"github.com/mbd888/safetrade/internal/metrics"
	"github.com/mbd888/safetrade/internal/reconciliation"
	"github.com/mbd888/safetrade/internal/resolution"
	"github.com/mbd888/safetrade/internal/settlement"
	"github.com/mbd888/safetrade/internal/wallet"
)

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1", identity.Middleware(s.resolver))
	if s.limiter != nil {
		v1.Use(s.limiter.Middleware())
	}

	fulfillment.NewHandler(s.coordinator).RegisterRoutes(v1)
	settlement.NewHandler(s.engine).RegisterRoutes(v1)
	resolution.NewHandler(s.disputes).RegisterRoutes(v1)
	wallet.NewHandler(s.wallets).RegisterRoutes(v1)
	reconciliation.NewHandler(s.recon).RegisterRoutes(v1)
	admin.NewHandler().
		WithSweeper(s.scheduler).
		WithInspector(admin.NewInspector(s.store)).
		RegisterRoutes(v1)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())
	resp := HealthResponse{
		Status:    "healthy",
		Version:   version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if !healthy {
		resp.Status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// livenessHandler answers as long as the process can serve HTTP.
func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessHandler fails before Run, during shutdown, and while the store
// is unreachable.
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "detail": "store unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Router exposes the gin engine to tests.
func (s *Server) Router() *gin.Engine { return s.router }
