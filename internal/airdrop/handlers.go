package airdrop

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ghidar/ghidar-backend/internal/auth"
)

// Handler provides HTTP endpoints for tap mining.
type Handler struct {
	service *Service
}

// NewHandler creates an airdrop handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes sets up airdrop routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/airdrop", h.GetState)
	r.POST("/airdrop/tap", h.Tap)
}

// GetState handles GET /v1/airdrop
func (h *Handler) GetState(c *gin.Context) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	state, err := h.service.State(c.Request.Context(), p.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to load mining state",
		})
		return
	}
	c.JSON(http.StatusOK, state)
}

type tapRequest struct {
	Count int `json:"count" binding:"required"`
}

// Tap handles POST /v1/airdrop/tap
func (h *Handler) Tap(c *gin.Context) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req tapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	result, err := h.service.Tap(c.Request.Context(), p.UserID, req.Count)
	if err != nil {
		if errors.Is(err, ErrInvalidTapCount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to settle taps",
		})
		return
	}
	c.JSON(http.StatusOK, result)
}
