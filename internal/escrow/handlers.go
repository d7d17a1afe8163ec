package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tradeweave/settlement/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id/escrow", h.GetEscrow)
}

// RegisterAdminRoutes sets up admin-only escrow routes. Manual release and
// refund exist for operator intervention; normal flows go through the
// settlement sweep and the dispute resolver.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/escrows", h.ListByStatus)
	r.POST("/orders/:id/escrow/release", h.ReleaseEscrow)
	r.POST("/orders/:id/escrow/refund", h.RefundEscrow)
	r.GET("/refunds/:id", h.GetInstruction)
}

// GetEscrow handles GET /v1/orders/:id/escrow
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No escrow for this order",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to fetch escrow",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListByStatus handles GET /admin/escrows?status=HELD
func (h *Handler) ListByStatus(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusHeld)))
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	escrows, err := h.service.store.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to list escrows",
		})
		return
	}
	if escrows == nil {
		escrows = []*Escrow{}
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// ReleaseEscrow handles POST /admin/orders/:id/escrow/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	e, err := h.service.Release(c.Request.Context(), c.Param("id"), "manual")
	if err != nil {
		respondEscrowError(c, err, "release_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// RefundEscrow handles POST /admin/orders/:id/escrow/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	var req struct {
		Amount  int64  `json:"amount" binding:"required"`
		Partial bool   `json:"partial"`
		Reason  string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	e, ins, err := h.service.Refund(c.Request.Context(), c.Param("id"), req.Amount, req.Partial,
		validation.SanitizeString(req.Reason, 500))
	if err != nil {
		respondEscrowError(c, err, "refund_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow":      e,
		"instruction": ins,
	})
}

// GetInstruction handles GET /admin/refunds/:id
func (h *Handler) GetInstruction(c *gin.Context) {
	ins, err := h.service.GetInstruction(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrInstructionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Refund instruction not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to fetch refund instruction",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"instruction": ins})
}

func respondEscrowError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No escrow for this order",
		})
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrOrderNotDelivered):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Escrow was modified concurrently, retry the request",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   fallback,
			"message": "Operation failed",
		})
	}
}
