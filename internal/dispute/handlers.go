package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tradeweave/settlement/internal/validation"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.RaiseDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/evidence", h.AddEvidence)
	r.GET("/orders/:id/disputes", h.ListOrderDisputes)
}

// RegisterAdminRoutes sets up admin-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id/evaluate", h.EvaluateDispute)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// RaiseDispute handles POST /v1/disputes
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req RaiseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req.Detail = validation.SanitizeString(req.Detail, 2000)
	d, err := h.service.Raise(c.Request.Context(), req)
	if err != nil {
		respondDisputeError(c, err, "raise_failed")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondDisputeError(c, err, "lookup_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req struct {
		Kind        string `json:"kind" binding:"required"`
		SubmittedBy string `json:"submittedBy" binding:"required"`
		Reference   string `json:"reference" binding:"required"`
		Note        string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"), Evidence{
		Kind:        req.Kind,
		SubmittedBy: req.SubmittedBy,
		Reference:   req.Reference,
		Note:        validation.SanitizeString(req.Note, 1000),
	})
	if err != nil {
		respondDisputeError(c, err, "evidence_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListOrderDisputes handles GET /v1/orders/:id/disputes
func (h *Handler) ListOrderDisputes(c *gin.Context) {
	disputes, err := h.service.ListByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to list disputes",
		})
		return
	}
	if disputes == nil {
		disputes = []*Dispute{}
	}

	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// EvaluateDispute handles GET /admin/disputes/:id/evaluate
func (h *Handler) EvaluateDispute(c *gin.Context) {
	d, rec, err := h.service.Evaluate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondDisputeError(c, err, "evaluate_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"dispute":        d,
		"recommendation": rec,
	})
}

// ResolveDispute handles POST /admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req struct {
		Resolution   string `json:"resolution" binding:"required"`
		ResolvedBy   string `json:"resolvedBy" binding:"required"`
		Reason       string `json:"reason" binding:"required"`
		RefundAmount int64  `json:"refundAmount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"),
		Resolution(req.Resolution), req.ResolvedBy,
		validation.SanitizeString(req.Reason, 1000), req.RefundAmount)
	if err != nil {
		respondDisputeError(c, err, "resolve_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func respondDisputeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Dispute not found",
		})
	case errors.Is(err, ErrDisputeOpen), errors.Is(err, ErrDisputeAlreadyResolved),
		errors.Is(err, ErrDisputeNotOpen), errors.Is(err, ErrOrderNotEligible):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Actor is not permitted to perform this action",
		})
	case errors.Is(err, ErrInvalidResolution):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_resolution",
			"message": err.Error(),
		})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Dispute was modified concurrently, retry the request",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   fallback,
			"message": "Operation failed",
		})
	}
}
