package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/govledger/internal/halt"
	"github.com/jmerrifield20/govledger/internal/identity"
	"github.com/jmerrifield20/govledger/internal/ledger"
	"go.uber.org/zap"
)

// maxRange is the largest number of envelopes returned by one range query.
const maxRange = 1000

// Event type prefixes owned by internal components. Operators cannot append
// envelopes under them.
var reservedPrefixes = []string{"halt.", "ledger.", "twophase.", "constitutional."}

// LedgerHandler exposes HTTP endpoints for the governance ledger.
type LedgerHandler struct {
	ledger *ledger.Ledger
	tokens *identity.OperatorTokenIssuer
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(l *ledger.Ledger, tokens *identity.OperatorTokenIssuer, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, tokens: tokens, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", requireOperator(h.tokens, identity.RoleOperator, identity.RoleAuditor), h.Verify)
		l.GET("/events", h.ListEvents)
		l.GET("/events/:seq", h.GetEvent)
		l.POST("/events", requireOperator(h.tokens), h.AppendEvent)
	}
}

// Overview handles GET /ledger: the chain length and head hash.
func (h *LedgerHandler) Overview(c *gin.Context) {
	seq, head, err := h.ledger.Head(c.Request.Context())
	if err != nil {
		h.logger.Error("ledger Head", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"length":    seq,
		"head_hash": head,
		"algorithm": h.ledger.Algorithm().Name(),
	})
}

// Verify handles GET /ledger/verify: walks the full chain and reports every
// issue found. Operators and auditors only.
func (h *LedgerHandler) Verify(c *gin.Context) {
	issues, err := h.ledger.Verify(c.Request.Context())
	if err != nil {
		h.logger.Error("ledger Verify", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read ledger"})
		return
	}
	if len(issues) > 0 {
		h.logger.Warn("ledger integrity check failed", zap.Int("issues", len(issues)))
	}
	if issues == nil {
		issues = []ledger.Issue{}
	}
	c.JSON(http.StatusOK, gin.H{"valid": len(issues) == 0, "issues": issues})
}

// ListEvents handles GET /ledger/events?start=&end=. start defaults to 1 and
// end to the tail, capped at maxRange envelopes.
func (h *LedgerHandler) ListEvents(c *gin.Context) {
	ctx := c.Request.Context()

	tail, _, err := h.ledger.Head(ctx)
	if err != nil {
		h.logger.Error("ledger Head", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}

	start, err := queryInt(c, "start", 1)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start must be an integer"})
		return
	}
	end, err := queryInt(c, "end", min(tail, start+maxRange-1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end must be an integer"})
		return
	}
	if end-start+1 > maxRange {
		c.JSON(http.StatusBadRequest, gin.H{"error": "range exceeds " + strconv.Itoa(maxRange) + " events"})
		return
	}
	if tail == 0 || (start > tail && c.Query("end") == "") {
		c.JSON(http.StatusOK, gin.H{"events": []*ledger.Envelope{}, "tail": tail})
		return
	}

	events, err := h.ledger.ReadRange(ctx, start, end)
	if errors.Is(err, ledger.ErrInvalidRange) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("ledger ReadRange", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read ledger"})
		return
	}
	if events == nil {
		events = []*ledger.Envelope{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "tail": tail})
}

// GetEvent handles GET /ledger/events/:seq.
func (h *LedgerHandler) GetEvent(c *gin.Context) {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seq must be a positive integer"})
		return
	}

	env, err := h.ledger.Get(c.Request.Context(), seq)
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	if err != nil {
		h.logger.Error("ledger Get", zap.Int64("seq", seq), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read ledger"})
		return
	}
	c.JSON(http.StatusOK, env)
}

type appendEventRequest struct {
	EventType     string          `json:"event_type"     binding:"required"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id"`
}

// AppendEvent handles POST /ledger/events. The envelope's actor is the
// authenticated operator.
func (h *LedgerHandler) AppendEvent(c *gin.Context) {
	var req appendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(req.EventType, p) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "event type prefix " + p + " is reserved"})
			return
		}
	}
	rec := ledger.Record{
		EventType: req.EventType,
		Actor:     identity.OperatorFromCtx(c).OperatorID,
		Payload:   req.Payload,
	}
	if req.CorrelationID != "" {
		id, err := uuid.Parse(req.CorrelationID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "correlation_id must be a UUID"})
			return
		}
		rec.CorrelationID = id
	}

	env, err := h.ledger.Append(c.Request.Context(), rec)
	switch {
	case errors.Is(err, halt.ErrHalted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.Error("ledger Append", zap.String("event_type", req.EventType), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to append event"})
	default:
		c.JSON(http.StatusCreated, env)
	}
}

func queryInt(c *gin.Context, key string, def int64) (int64, error) {
	s := c.Query(key)
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
