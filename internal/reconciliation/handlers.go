package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/safetrade/internal/identity"
	"github.com/mbd888/safetrade/internal/validation"
)

// Handler exposes the conservation report to admins.
type Handler struct {
	service *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconciliation", identity.RequireAdmin(), h.Report)
}

// Report handles GET /v1/admin/reconciliation
func (h *Handler) Report(c *gin.Context) {
	caller, _ := identity.GetCaller(c)
	report, err := h.service.Run(c.Request.Context(), caller)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
