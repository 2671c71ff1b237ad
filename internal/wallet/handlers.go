package wallet

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/safetrade/internal/identity"
	"github.com/mbd888/safetrade/internal/ledger"
	"github.com/mbd888/safetrade/internal/validation"
)

// idempotencyHeader carries the client's retry key when the body omits it.
const idempotencyHeader = "Idempotency-Key"

// Handler provides HTTP endpoints for the wallet.
type Handler struct {
	svc *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up the authenticated wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.Get)
	r.GET("/wallet/transactions", h.History)
	r.POST("/wallet/deposit", h.Deposit)
	r.POST("/wallet/transfer", h.Transfer)
}

// account picks the account to read: the caller's own, or accountId for
// admins.
func account(c *gin.Context, caller identity.Caller) string {
	if id := c.Query("accountId"); id != "" && caller.IsPrivileged() {
		return id
	}
	return caller.ID
}

// Get handles GET /v1/wallet
func (h *Handler) Get(c *gin.Context) {
	caller, _ := identity.GetCaller(c)
	bal, err := h.svc.Get(c.Request.Context(), caller, account(c, caller))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": bal})
}

// History handles GET /v1/wallet/transactions
func (h *Handler) History(c *gin.Context) {
	kind := c.Query("kind")
	if err := validation.Validate(validation.OneOf("kind", kind,
		string(ledger.KindDeposit), string(ledger.KindEscrowHold), string(ledger.KindEscrowRelease),
		string(ledger.KindRefund), string(ledger.KindTransferIn), string(ledger.KindTransferOut),
	)); err != nil {
		validation.RespondError(c, err)
		return
	}
	caller, _ := identity.GetCaller(c)
	page, err := h.svc.History(c.Request.Context(), caller, account(c, caller), ledger.Kind(kind),
		c.Query("cursor"), validation.QueryInt(c, "limit", 0))
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": page.Items,
		"count":        len(page.Items),
		"nextCursor":   page.NextCursor,
		"hasMore":      page.HasMore,
	})
}

// Deposit handles POST /v1/wallet/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(idempotencyHeader)
	}
	if err := validation.Validate(
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidID("accountId", req.AccountID),
		validation.MaxLength("idempotencyKey", req.IdempotencyKey, 255),
		validation.MaxLength("description", req.Description, 500),
	); err != nil {
		validation.RespondError(c, err)
		return
	}
	req.Description = validation.SanitizeString(req.Description, 500)

	caller, _ := identity.GetCaller(c)
	rcpt, err := h.svc.Deposit(c.Request.Context(), caller, req)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	status := http.StatusCreated
	if rcpt.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, rcpt)
}

// Transfer handles POST /v1/wallet/transfer
func (h *Handler) Transfer(c *gin.Context) {
	var req TransferRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(idempotencyHeader)
	}
	if err := validation.Validate(
		validation.Required("to", req.To),
		validation.ValidID("to", req.To),
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("idempotencyKey", req.IdempotencyKey, 255),
		validation.MaxLength("description", req.Description, 500),
	); err != nil {
		validation.RespondError(c, err)
		return
	}
	req.Description = validation.SanitizeString(req.Description, 500)

	caller, _ := identity.GetCaller(c)
	rcpt, err := h.svc.Transfer(c.Request.Context(), caller, req)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	status := http.StatusCreated
	if rcpt.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, rcpt)
}
