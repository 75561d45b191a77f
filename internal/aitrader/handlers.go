package aitrader

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ghidar/ghidar-backend/internal/auth"
	"github.com/ghidar/ghidar-backend/internal/ledger"
)

// Handler provides HTTP endpoints for the trading game.
type Handler struct {
	service *Service
	hub     *Hub
}

// NewHandler creates a trading handler.
func NewHandler(s *Service, hub *Hub) *Handler {
	return &Handler{service: s, hub: hub}
}

// RegisterRoutes sets up trading routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/trader/symbols", h.Symbols)
	r.GET("/trader/positions", h.Positions)
	r.POST("/trader/positions", h.OpenPosition)
	r.POST("/trader/positions/:id/close", h.ClosePosition)
	r.GET("/trader/stream", h.Stream)
}

// Symbols handles GET /v1/trader/symbols
func (h *Handler) Symbols(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": h.service.Symbols()})
}

// Positions handles GET /v1/trader/positions
func (h *Handler) Positions(c *gin.Context) {
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

	positions, err := h.service.Positions(c.Request.Context(), p.UserID, c.Query("status"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

// OpenPosition handles POST /v1/trader/positions
func (h *Handler) OpenPosition(c *gin.Context) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var in OpenInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	pos, err := h.service.OpenPosition(c.Request.Context(), p.UserID, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pos)
}

// ClosePosition handles POST /v1/trader/positions/:id/close
func (h *Handler) ClosePosition(c *gin.Context) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	pos, err := h.service.ClosePosition(c.Request.Context(), p.UserID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

// Stream handles GET /v1/trader/stream (WebSocket upgrade)
func (h *Handler) Stream(c *gin.Context) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	h.hub.HandleWebSocket(c.Writer, c.Request, p.UserID)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidSide), errors.Is(err, ErrInvalidStake),
		errors.Is(err, ErrInvalidLeverage), errors.Is(err, ErrUnknownSymbol):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrPositionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrPositionClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "position_closed", "message": err.Error()})
	case errors.Is(err, ErrPositionLimit):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "position_limit", "message": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_balance", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "trading operation failed"})
	}
}
