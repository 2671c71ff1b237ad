package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/safetrade/internal/identity"
	"github.com/mbd888/safetrade/internal/logging"
	"github.com/mbd888/safetrade/internal/validation"
)

// DefaultStuckAfter is the idle age used when the request gives none.
const DefaultStuckAfter = 72 * time.Hour

// Handler provides admin HTTP endpoints.
type Handler struct {
	sweeper   Sweeper
	inspector *Inspector
	now       func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{now: time.Now}
}

// WithSweeper sets the auto-release scheduler for on-demand sweeps.
func (h *Handler) WithSweeper(s Sweeper) *Handler {
	h.sweeper = s
	return h
}

// WithInspector sets the escrow inspector for stuck-escrow listings.
func (h *Handler) WithInspector(i *Inspector) *Handler {
	h.inspector = i
	return h
}

// WithClock replaces the wall clock used for sweeps.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/admin", identity.RequireAdmin())
	g.GET("/escrows/stuck", h.listStuck)
	g.GET("/autorelease", h.lastSweep)
	g.POST("/autorelease/sweep", h.triggerSweep)
}

// listStuck handles GET /v1/admin/escrows/stuck?idle=72h&limit=100
func (h *Handler) listStuck(c *gin.Context) {
	if h.inspector == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "escrow inspector not configured"})
		return
	}

	idle := DefaultStuckAfter
	if s := c.Query("idle"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "idle must be a positive duration"})
			return
		}
		idle = d
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	stuck, err := h.inspector.ListStuck(c.Request.Context(), idle, limit)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": stuck, "count": len(stuck)})
}

// lastSweep returns the most recent auto-release report.
func (h *Handler) lastSweep(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auto-release not configured"})
		return
	}
	report := h.sweeper.LastReport()
	if report == nil {
		c.JSON(http.StatusOK, gin.H{"report": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// triggerSweep runs one auto-release sweep immediately.
func (h *Handler) triggerSweep(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auto-release not configured"})
		return
	}

	report := h.sweeper.Sweep(c.Request.Context(), h.now())
	caller, _ := identity.GetCaller(c)
	logging.L(c.Request.Context()).Info("manual auto-release sweep",
		"admin", caller.ID, "released", report.Released, "failed", report.Failed)
	c.JSON(http.StatusOK, gin.H{"report": report})
}
