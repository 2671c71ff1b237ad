package settlement

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/safetrade/internal/escrow"
	"github.com/mbd888/safetrade/internal/identity"
	"github.com/mbd888/safetrade/internal/validation"
)

// Handler provides HTTP endpoints for escrow settlement.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new settlement handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up the authenticated escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/stats", identity.RequireAdmin(), h.Stats)
	r.GET("/escrows/:id", h.GetEscrow)
	r.PUT("/escrows/:id/status", identity.RequireAdmin(), h.SetStatus)
	r.POST("/escrows/:id/release", identity.RequireAdmin(), h.Release)
	r.POST("/escrows/:id/refund", identity.RequireAdmin(), h.Refund)
	r.POST("/escrows/:id/confirm-delivery", h.ConfirmDelivery)
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	caller, _ := identity.GetCaller(c)
	es, err := h.engine.GetEscrow(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": es})
}

// ListEscrows handles GET /v1/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	caller, _ := identity.GetCaller(c)
	status := escrow.Status(c.Query("status"))
	if status != "" && !status.Valid() {
		validation.RespondError(c, validation.ValidationErrors{{Field: "status", Message: "unknown escrow status"}})
		return
	}
	f := escrow.Filter{
		BuyerID:  c.Query("buyerId"),
		SellerID: c.Query("sellerId"),
		Status:   status,
	}
	page, err := h.engine.ListEscrows(c.Request.Context(), caller, f, c.Query("cursor"), validation.QueryInt(c, "limit", 0))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows":    page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// Stats handles GET /v1/escrows/stats
func (h *Handler) Stats(c *gin.Context) {
	caller, _ := identity.GetCaller(c)
	st, err := h.engine.Stats(c.Request.Context(), caller)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": st})
}

type setStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Note   string `json:"note"`
}

// SetStatus handles PUT /v1/escrows/:id/status
func (h *Handler) SetStatus(c *gin.Context) {
	var req setStatusRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	if err := validation.Validate(validation.MaxLength("note", req.Note, validation.MaxStringLength)); err != nil {
		validation.RespondError(c, err)
		return
	}
	caller, _ := identity.GetCaller(c)
	res, err := h.engine.SetStatus(c.Request.Context(), caller, c.Param("id"), escrow.Status(req.Status), validation.SanitizeString(req.Note, validation.MaxStringLength))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// Release handles POST /v1/escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req ReleaseOptions
	if c.Request.ContentLength > 0 && !validation.BindJSON(c, &req) {
		return
	}
	if err := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("note", req.Note, validation.MaxStringLength),
	); err != nil {
		validation.RespondError(c, err)
		return
	}
	caller, _ := identity.GetCaller(c)
	res, err := h.engine.Release(c.Request.Context(), caller, c.Param("id"), req)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// Refund handles POST /v1/escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundOptions
	if c.Request.ContentLength > 0 && !validation.BindJSON(c, &req) {
		return
	}
	if err := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	); err != nil {
		validation.RespondError(c, err)
		return
	}
	caller, _ := identity.GetCaller(c)
	res, err := h.engine.Refund(c.Request.Context(), caller, c.Param("id"), req)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// ConfirmDelivery handles POST /v1/escrows/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	var req ConfirmOptions
	if c.Request.ContentLength > 0 && !validation.BindJSON(c, &req) {
		return
	}
	if err := validation.Validate(validation.MaxLength("review", req.Review, validation.MaxStringLength)); err != nil {
		validation.RespondError(c, err)
		return
	}
	caller, _ := identity.GetCaller(c)
	res, err := h.engine.ConfirmDelivery(c.Request.Context(), caller, c.Param("id"), req)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}
