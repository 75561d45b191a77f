package lottery

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ghidar/ghidar-backend/internal/auth"
	"github.com/ghidar/ghidar-backend/internal/ledger"
)

// Handler provides HTTP endpoints for the lottery.
type Handler struct {
	service *Service
}

// NewHandler creates a lottery handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes sets up lottery routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/lottery", h.Current)
	r.GET("/lottery/rounds", h.Rounds)
	r.POST("/lottery/tickets", h.BuyTickets)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/lottery/rounds/:id/draw", h.Draw)
}

// Current handles GET /v1/lottery
func (h *Handler) Current(c *gin.Context) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	round, err := h.service.CurrentRound(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	tickets, err := h.service.UserTickets(c.Request.Context(), round.ID, p.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"round": round, "myTickets": len(tickets)})
}

// Rounds handles GET /v1/lottery/rounds
func (h *Handler) Rounds(c *gin.Context) {
	limit := 20
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	rounds, err := h.service.Rounds(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rounds": rounds, "count": len(rounds)})
}

type buyRequest struct {
	Count int `json:"count" binding:"required"`
}

// BuyTickets handles POST /v1/lottery/tickets
func (h *Handler) BuyTickets(c *gin.Context) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req buyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	round, tickets, err := h.service.BuyTickets(c.Request.Context(), p.UserID, req.Count)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"round": round, "tickets": tickets})
}

// Draw handles POST /admin/lottery/rounds/:id/draw
func (h *Handler) Draw(c *gin.Context) {
	round, err := h.service.Draw(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"round": round})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidTicketCount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrTicketLimit):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "ticket_limit", "message": err.Error()})
	case errors.Is(err, ErrRoundClosed), errors.Is(err, ErrRoundStillOpen), errors.Is(err, ErrAlreadyDrawn):
		c.JSON(http.StatusConflict, gin.H{"error": "round_state", "message": err.Error()})
	case errors.Is(err, ErrRoundNotFound), errors.Is(err, ErrNoOpenRound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_balance", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "lottery operation failed"})
	}
}
