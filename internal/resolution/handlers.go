package resolution

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/safetrade/internal/disputes"
	"github.com/mbd888/safetrade/internal/identity"
	"github.com/mbd888/safetrade/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	svc *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up the authenticated dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.Create)
	r.GET("/disputes", h.List)
	r.GET("/disputes/:id", h.Get)
	r.PUT("/disputes/:id/review", identity.RequireAdmin(), h.Review)
	r.PUT("/disputes/:id/resolve", identity.RequireAdmin(), h.Resolve)
	r.PUT("/disputes/:id/close", h.Close)
}

// Create handles POST /v1/disputes
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	if err := validation.Validate(
		validation.Required("orderId", req.OrderID),
		validation.ValidID("orderId", req.OrderID),
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, 500),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
		validation.OneOf("priority", string(req.Priority), "", string(disputes.PriorityLow), string(disputes.PriorityMedium), string(disputes.PriorityHigh)),
	); err != nil {
		validation.RespondError(c, err)
		return
	}
	req.Reason = validation.SanitizeString(req.Reason, 500)
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)

	caller, _ := identity.GetCaller(c)
	d, err := h.svc.Create(c.Request.Context(), caller, req)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// List handles GET /v1/disputes
func (h *Handler) List(c *gin.Context) {
	status := disputes.Status(c.Query("status"))
	if status != "" && !status.Valid() {
		validation.RespondError(c, validation.ValidationErrors{{Field: "status", Message: "unknown dispute status"}})
		return
	}
	caller, _ := identity.GetCaller(c)
	page, err := h.svc.List(c.Request.Context(), caller, ListFilter{
		Status:  status,
		OrderID: c.Query("orderId"),
		Cursor:  c.Query("cursor"),
		Limit:   validation.QueryInt(c, "limit", 0),
	})
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes":   page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// Get handles GET /v1/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	caller, _ := identity.GetCaller(c)
	d, err := h.svc.Get(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type noteRequest struct {
	Note string `json:"note"`
}

func bindNote(c *gin.Context) (string, bool) {
	var req noteRequest
	if c.Request.ContentLength > 0 && !validation.BindJSON(c, &req) {
		return "", false
	}
	if err := validation.Validate(validation.MaxLength("note", req.Note, validation.MaxStringLength)); err != nil {
		validation.RespondError(c, err)
		return "", false
	}
	return validation.SanitizeString(req.Note, validation.MaxStringLength), true
}

// Review handles PUT /v1/disputes/:id/review
func (h *Handler) Review(c *gin.Context) {
	note, ok := bindNote(c)
	if !ok {
		return
	}
	caller, _ := identity.GetCaller(c)
	d, err := h.svc.Review(c.Request.Context(), caller, c.Param("id"), note)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Close handles PUT /v1/disputes/:id/close
func (h *Handler) Close(c *gin.Context) {
	note, ok := bindNote(c)
	if !ok {
		return
	}
	caller, _ := identity.GetCaller(c)
	d, err := h.svc.Close(c.Request.Context(), caller, c.Param("id"), note)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles PUT /v1/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	if err := validation.Validate(
		validation.OneOf("action", string(req.Action), string(disputes.ActionRelease), string(disputes.ActionRefund), string(disputes.ActionNone)),
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("resolution", req.Resolution, validation.MaxStringLength),
	); err != nil {
		validation.RespondError(c, err)
		return
	}
	req.Resolution = validation.SanitizeString(req.Resolution, validation.MaxStringLength)

	caller, _ := identity.GetCaller(c)
	out, err := h.svc.Resolve(c.Request.Context(), caller, c.Param("id"), req)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
