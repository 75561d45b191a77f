package verification

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ghidar/ghidar-backend/internal/auth"
	"github.com/ghidar/ghidar-backend/internal/ledger"
)

// Handler provides HTTP endpoints for wallet verification.
type Handler struct {
	engine *Engine
}

// NewHandler creates a verification handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up user-facing verification routes. The group must
// already carry Telegram authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/verification", h.CreateRequest)
	r.GET("/verification", h.ListRequests)
	r.GET("/verification/:id", h.GetRequest)
	r.POST("/verification/:id/proof", h.SubmitProof)
	r.POST("/verification/:id/cancel", h.CancelRequest)
}

// RegisterAdminRoutes sets up override and audit routes. The group must
// already carry admin authentication.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/verification/:id/approve", h.AdminApprove)
	r.GET("/verification/:id/audit", h.AuditTrail)
}

// CreateRequest handles POST /v1/verification
func (h *Handler) CreateRequest(c *gin.Context) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		respondUnauthenticated(c)
		return
	}

	var in CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   CodeValidationError,
			"message": "invalid request body",
		})
		return
	}

	req, err := h.engine.Create(c.Request.Context(), p, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": Project(req, time.Now())})
}

// proofRequest is the submit-proof body. Proof is passed straight to the
// engine and never echoed back.
type proofRequest struct {
	Method Method `json:"method" binding:"required"`
	Proof  string `json:"proof" binding:"required"`
}

// SubmitProof handles POST /v1/verification/:id/proof
func (h *Handler) SubmitProof(c *gin.Context) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		respondUnauthenticated(c)
		return
	}

	var body proofRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   CodeValidationError,
			"message": "method and proof are required",
		})
		return
	}

	out, err := h.engine.SubmitProof(c.Request.Context(), p, c.Param("id"), body.Method, body.Proof)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// GetRequest handles GET /v1/verification/:id
func (h *Handler) GetRequest(c *gin.Context) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		respondUnauthenticated(c)
		return
	}

	req, err := h.engine.Get(c.Request.Context(), p, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": Project(req, time.Now())})
}

// ListRequests handles GET /v1/verification
func (h *Handler) ListRequests(c *gin.Context) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		respondUnauthenticated(c)
		return
	}

	limit := 20
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	reqs, err := h.engine.List(c.Request.Context(), p, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	now := time.Now()
	projections := make([]*Projection, 0, len(reqs))
	for _, r := range reqs {
		projections = append(projections, Project(r, now))
	}
	c.JSON(http.StatusOK, gin.H{"requests": projections, "count": len(projections)})
}

// CancelRequest handles POST /v1/verification/:id/cancel
func (h *Handler) CancelRequest(c *gin.Context) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		respondUnauthenticated(c)
		return
	}

	req, err := h.engine.Cancel(c.Request.Context(), p, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": Project(req, time.Now())})
}

type adminApproveRequest struct {
	Reason string `json:"reason"`
}

// AdminApprove handles POST /v1/admin/verification/:id/approve
func (h *Handler) AdminApprove(c *gin.Context) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		respondUnauthenticated(c)
		return
	}

	var body adminApproveRequest
	_ = c.ShouldBindJSON(&body) // reason is optional

	req, err := h.engine.AdminApprove(c.Request.Context(), p, c.Param("id"), body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": Project(req, time.Now())})
}

// AuditTrail handles GET /v1/admin/verification/:id/audit
func (h *Handler) AuditTrail(c *gin.Context) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		respondUnauthenticated(c)
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := h.engine.AuditTrail(c.Request.Context(), p, c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": entries, "count": len(entries)})
}

func respondUnauthenticated(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": "authentication required",
	})
}

// respondError maps engine errors to the public error taxonomy.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrMethodNotAllowed):
		c.JSON(http.StatusBadRequest, gin.H{"error": CodeValidationError, "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": CodeInvalidAmount, "message": err.Error()})
	case errors.Is(err, ErrDuplicateActive):
		c.JSON(http.StatusConflict, gin.H{"error": CodeDuplicateActive, "message": err.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": CodeNotFound, "message": "verification request not found"})
	case errors.Is(err, ErrTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": CodeTerminal, "message": err.Error()})
	case errors.Is(err, ErrMethodMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": CodeMethodMismatch, "message": err.Error()})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": CodeConflict, "message": "request changed concurrently, re-fetch and retry"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": CodeValidationError, "message": "insufficient balance for hold"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": CodeInternalError, "message": "internal error"})
	}
}
