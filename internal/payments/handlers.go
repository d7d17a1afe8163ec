package payments

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradeweave/settlement/internal/escrow"
	"github.com/tradeweave/settlement/internal/order"
	"github.com/tradeweave/settlement/internal/validation"
)

// Orders is the order surface the capture endpoint drives.
type Orders interface {
	PaymentCaptured(ctx context.Context, orderID string, amount int64, paymentRef string) (*order.Order, error)
}

// Handler provides HTTP endpoints for payment notifications.
type Handler struct {
	orders  Orders
	escrows Escrows
}

// NewHandler creates a new payments handler.
func NewHandler(orders Orders, escrows Escrows) *Handler {
	return &Handler{orders: orders, escrows: escrows}
}

// RegisterRoutes sets up payment notification routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/capture", h.CaptureNotification)
	r.POST("/payments/refund-callback", h.RefundCallback)
}

// CaptureNotification handles POST /v1/payments/capture. The gateway (or
// a checkout service in front of it) reports a successful capture;
// replays with the same payment reference are no-ops.
func (h *Handler) CaptureNotification(c *gin.Context) {
	var req struct {
		OrderID    string `json:"orderId" binding:"required"`
		Amount     int64  `json:"amount" binding:"required"`
		PaymentRef string `json:"paymentRef" binding:"required"`
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

	o, err := h.orders.PaymentCaptured(c.Request.Context(), req.OrderID, req.Amount, req.PaymentRef)
	if err != nil {
		var ite *order.InvalidTransitionError
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
		case errors.Is(err, order.ErrAmountMismatch):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "amount_mismatch",
				"message": err.Error(),
			})
		case errors.As(err, &ite):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_transition",
				"message": ite.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "capture_failed",
				"message": "Failed to apply payment capture",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

// RefundCallback handles POST /v1/payments/refund-callback. Asynchronous
// gateways confirm refund execution here; confirming twice is harmless.
func (h *Handler) RefundCallback(c *gin.Context) {
	var req struct {
		InstructionID string `json:"instructionId" binding:"required"`
		GatewayRef    string `json:"gatewayRef" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	ins, err := h.escrows.ConfirmRefundExecuted(c.Request.Context(), req.InstructionID, req.GatewayRef)
	if err != nil {
		if errors.Is(err, escrow.ErrInstructionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Refund instruction not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "callback_failed",
			"message": "Failed to confirm refund execution",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"instruction": ins})
}
