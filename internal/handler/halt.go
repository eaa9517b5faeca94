package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/govledger/internal/halt"
	"github.com/jmerrifield20/govledger/internal/identity"
	"go.uber.org/zap"
)

// Halter is the halt circuit as seen by the HTTP layer.
type Halter interface {
	IsHalted() bool
	GetHaltStatus() halt.Status
	TriggerHalt(ctx context.Context, reason halt.Reason, operatorID, message string) halt.Status
}

// HaltHandler exposes the halt status and the operator halt trigger.
type HaltHandler struct {
	circuit Halter
	tokens  *identity.OperatorTokenIssuer
	logger  *zap.Logger
}

// NewHaltHandler creates a HaltHandler. tokens may be nil, in which case
// POST /halt rejects every request.
func NewHaltHandler(circuit Halter, tokens *identity.OperatorTokenIssuer, logger *zap.Logger) *HaltHandler {
	return &HaltHandler{circuit: circuit, tokens: tokens, logger: logger}
}

// Register mounts the halt routes on the given router group.
func (h *HaltHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/halt", h.Status)
	rg.POST("/halt", requireOperator(h.tokens), h.Trigger)
}

type triggerHaltRequest struct {
	Reason  string `json:"reason"`
	Message string `json:"message" binding:"required"`
}

// Status handles GET /halt.
func (h *HaltHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.circuit.GetHaltStatus())
}

// Trigger handles POST /halt. The halt is attributed to the token's operator.
// Triggering an existing halt returns the original status unchanged.
func (h *HaltHandler) Trigger(c *gin.Context) {
	var req triggerHaltRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reason := halt.ReasonOperator
	if req.Reason != "" {
		r, err := halt.ParseReason(req.Reason)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		reason = r
	}

	operator := identity.OperatorFromCtx(c)
	status := h.circuit.TriggerHalt(c.Request.Context(), reason, operator.OperatorID, req.Message)
	h.logger.Warn("halt requested via API",
		zap.String("operator_id", operator.OperatorID),
		zap.String("reason", string(reason)),
		zap.String("halted_by", status.OperatorID),
	)
	c.JSON(http.StatusOK, status)
}

// HaltGuard returns a Gin middleware that rejects state-changing requests
// with 503 while the system is halted. Routes whose full path is listed in
// exempt stay reachable.
func HaltGuard(checker halt.Checker, exempt ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		allowed[p] = true
	}
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		if allowed[c.FullPath()] {
			c.Next()
			return
		}
		if err := halt.Check(checker); errors.Is(err, halt.ErrHalted) {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

// Healthz handles GET /healthz: 200 while serving, 503 once halted.
func Healthz(circuit Halter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if circuit.IsHalted() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "halted",
				"halt":   circuit.GetHaltStatus(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// requireOperator enforces a token carrying one of roles (operator when none
// are given), or rejects everything when operator auth is not configured.
func requireOperator(tokens *identity.OperatorTokenIssuer, roles ...string) gin.HandlerFunc {
	if tokens == nil {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "operator authentication is not configured",
			})
		}
	}
	if len(roles) == 0 {
		roles = []string{identity.RoleOperator}
	}
	return identity.RequireOperator(tokens, roles...)
}
