package referral

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ghidar/ghidar-backend/internal/auth"
)

// Handler provides HTTP endpoints for referrals.
type Handler struct {
	service *Service
}

// NewHandler creates a referral handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes sets up referral routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/referral", h.Summary)
	r.GET("/referral/list", h.List)
	r.POST("/referral/activate", h.Activate)
}

// Summary handles GET /v1/referral
func (h *Handler) Summary(c *gin.Context) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	summary, err := h.service.Summary(c.Request.Context(), p.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to load referral summary",
		})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// List handles GET /v1/referral/list
func (h *Handler) List(c *gin.Context) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	referrals, err := h.service.Referrals(c.Request.Context(), p.UserID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to load referrals",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"referrals": referrals, "count": len(referrals)})
}

type activateRequest struct {
	Code string `json:"code" binding:"required"`
}

// Activate handles POST /v1/referral/activate
func (h *Handler) Activate(c *gin.Context) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	ref, err := h.service.Activate(c.Request.Context(), p.UserID, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, ErrCodeNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		case errors.Is(err, ErrSelfReferral):
			c.JSON(http.StatusBadRequest, gin.H{"error": "self_referral", "message": err.Error()})
		case errors.Is(err, ErrAlreadyReferred):
			c.JSON(http.StatusConflict, gin.H{"error": "already_referred", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "activation failed"})
		}
		return
	}
	c.JSON(http.StatusOK, ref)
}
