package order

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tradeweave/settlement/internal/validation"
)

// Handler provides HTTP endpoints for order lifecycle operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/orders/:id/timeline", h.GetTimeline)
	r.GET("/buyers/:id/orders", h.ListBuyerOrders)
	r.GET("/dealers/:id/orders", h.ListDealerOrders)
	r.POST("/orders/:id/dispatch", h.DispatchOrder)
	r.POST("/orders/:id/tracking", h.UpdateTracking)
	r.POST("/orders/:id/deliver", h.ConfirmDelivery)
	r.POST("/orders/:id/cancel", h.CancelOrder)
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("buyerId", req.BuyerID),
		validation.Required("dealerId", req.DealerID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	o, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrNoItems) || errors.Is(err, ErrInvalidItem) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_items",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "order_failed",
			"message": "Failed to create order",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to fetch order",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

// GetTimeline handles GET /v1/orders/:id/timeline
func (h *Handler) GetTimeline(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to fetch order",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orderId":  o.ID,
		"status":   o.Status,
		"timeline": o.Timeline,
	})
}

// ListBuyerOrders handles GET /v1/buyers/:id/orders
func (h *Handler) ListBuyerOrders(c *gin.Context) {
	h.listOrders(c, h.service.ListByBuyer)
}

// ListDealerOrders handles GET /v1/dealers/:id/orders
func (h *Handler) ListDealerOrders(c *gin.Context) {
	h.listOrders(c, h.service.ListByDealer)
}

// DispatchOrder handles POST /v1/orders/:id/dispatch
func (h *Handler) DispatchOrder(c *gin.Context) {
	var req struct {
		ActorID  string `json:"actorId" binding:"required"`
		Tracking string `json:"tracking"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.Dispatch(c.Request.Context(), c.Param("id"), req.ActorID, req.Tracking)
	if err != nil {
		respondTransitionError(c, err, "dispatch_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

// UpdateTracking handles POST /v1/orders/:id/tracking
func (h *Handler) UpdateTracking(c *gin.Context) {
	var req struct {
		Carrier    string `json:"carrier" binding:"required"`
		TrackingNo string `json:"trackingNo" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.UpdateTracking(c.Request.Context(), c.Param("id"), req.Carrier, req.TrackingNo)
	if err != nil {
		respondTransitionError(c, err, "tracking_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ConfirmDelivery handles POST /v1/orders/:id/deliver
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	var req struct {
		ActorID string `json:"actorId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), req.ActorID)
	if err != nil {
		respondTransitionError(c, err, "delivery_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

// CancelOrder handles POST /v1/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	var req struct {
		ActorID string `json:"actorId" binding:"required"`
		Reason  string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.ActorID,
		validation.SanitizeString(req.Reason, 500))
	if err != nil {
		respondTransitionError(c, err, "cancel_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

func (h *Handler) listOrders(c *gin.Context, list func(ctx context.Context, id string, limit int) ([]*Order, error)) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	orders, err := list(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to list orders",
		})
		return
	}
	if orders == nil {
		orders = []*Order{}
	}

	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"count":  len(orders),
	})
}

func respondTransitionError(c *gin.Context, err error, fallback string) {
	var ite *InvalidTransitionError
	switch {
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Order not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Actor is not permitted to perform this action",
		})
	case errors.As(err, &ite):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": ite.Error(),
		})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Order was modified concurrently, retry the request",
		})
	case errors.Is(err, ErrEscrowNotHeld):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "escrow_not_held",
			"message": "Escrow funds are not held or are frozen by a dispute",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   fallback,
			"message": "Operation failed",
		})
	}
}
