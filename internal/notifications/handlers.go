package notifications

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ghidar/ghidar-backend/internal/auth"
)

// Handler provides HTTP endpoints for the notification feed.
type Handler struct {
	service *Service
}

// NewHandler creates a notifications handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes sets up notification routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/notifications", h.List)
	r.POST("/notifications/:id/read", h.MarkRead)
	r.POST("/notifications/read-all", h.MarkAllRead)
}

// List handles GET /v1/notifications
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
	unreadOnly := c.Query("unread") == "true"

	items, err := h.service.List(c.Request.Context(), p.UserID, unreadOnly, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to load notifications",
		})
		return
	}
	unread, err := h.service.UnreadCount(c.Request.Context(), p.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to load notifications",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"notifications": items,
		"count":         len(items),
		"unread":        unread,
	})
}

// MarkRead handles POST /v1/notifications/:id/read
func (h *Handler) MarkRead(c *gin.Context) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if err := h.service.MarkRead(c.Request.Context(), p.UserID, c.Param("id")); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"read": true})
}

// MarkAllRead handles POST /v1/notifications/read-all
func (h *Handler) MarkAllRead(c *gin.Context) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	n, err := h.service.MarkAllRead(c.Request.Context(), p.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}
