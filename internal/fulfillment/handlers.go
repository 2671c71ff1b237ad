package fulfillment

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/safetrade/internal/identity"
	"github.com/mbd888/safetrade/internal/orders"
	"github.com/mbd888/safetrade/internal/validation"
)

// maxItems bounds the number of lines in a single checkout.
const maxItems = 100

// Handler provides HTTP endpoints for orders.
type Handler struct {
	coord *Coordinator
}

// NewHandler creates a new order handler.
func NewHandler(coord *Coordinator) *Handler {
	return &Handler{coord: coord}
}

// RegisterRoutes sets up the authenticated order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.PUT("/orders/:id/status", h.UpdateStatus)
	r.POST("/orders/:id/cancel", h.Cancel)
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	checks := []validation.Rule{
		validation.IntRange("items", len(req.Items), 1, maxItems),
		validation.OneOf("paymentMethod", string(req.PaymentMethod), "", string(orders.PaymentEscrow), string(orders.PaymentDirect)),
		validation.MaxLength("shippingInfo.address", req.Shipping.Address, 500),
	}
	for i, it := range req.Items {
		prefix := fmt.Sprintf("items[%d]", i)
		checks = append(checks,
			validation.ValidID(prefix+".productId", it.ProductID),
			validation.IntRange(prefix+".quantity", it.Quantity, 1, 10000),
			validation.ValidAmount(prefix+".price", it.Price),
		)
	}
	if err := validation.Validate(checks...); err != nil {
		validation.RespondError(c, err)
		return
	}
	req.Shipping = sanitizeShipping(req.Shipping)

	caller, _ := identity.GetCaller(c)
	o, err := h.coord.CreateOrder(c.Request.Context(), caller, req)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// ListOrders handles GET /v1/orders
func (h *Handler) ListOrders(c *gin.Context) {
	status := orders.Status(c.Query("status"))
	if status != "" && !status.Valid() {
		validation.RespondError(c, validation.ValidationErrors{{Field: "status", Message: "unknown order status"}})
		return
	}
	if err := validation.Validate(validation.OneOf("view", c.Query("view"), "", "buyer", "seller")); err != nil {
		validation.RespondError(c, err)
		return
	}
	caller, _ := identity.GetCaller(c)
	page, err := h.coord.ListOrders(c.Request.Context(), caller, ListFilter{
		View:     c.Query("view"),
		BuyerID:  c.Query("buyerId"),
		SellerID: c.Query("sellerId"),
		Status:   status,
		Cursor:   c.Query("cursor"),
		Limit:    validation.QueryInt(c, "limit", 0),
	})
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders":     page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	caller, _ := identity.GetCaller(c)
	o, err := h.coord.GetOrder(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Note   string `json:"note"`
}

// UpdateStatus handles PUT /v1/orders/:id/status
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req updateStatusRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	if err := validation.Validate(validation.MaxLength("note", req.Note, validation.MaxStringLength)); err != nil {
		validation.RespondError(c, err)
		return
	}
	caller, _ := identity.GetCaller(c)
	o, err := h.coord.UpdateStatus(c.Request.Context(), caller, c.Param("id"), orders.Status(req.Status),
		validation.SanitizeString(req.Note, validation.MaxStringLength))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /v1/orders/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 && !validation.BindJSON(c, &req) {
		return
	}
	if err := validation.Validate(validation.MaxLength("reason", req.Reason, validation.MaxStringLength)); err != nil {
		validation.RespondError(c, err)
		return
	}
	caller, _ := identity.GetCaller(c)
	o, err := h.coord.Cancel(c.Request.Context(), caller, c.Param("id"), validation.SanitizeString(req.Reason, validation.MaxStringLength))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

func sanitizeShipping(s orders.ShippingInfo) orders.ShippingInfo {
	return orders.ShippingInfo{
		Name:    validation.SanitizeString(s.Name, 200),
		Address: validation.SanitizeString(s.Address, 500),
		City:    validation.SanitizeString(s.City, 200),
		Country: validation.SanitizeString(s.Country, 100),
		Phone:   validation.SanitizeString(s.Phone, 50),
	}
}
