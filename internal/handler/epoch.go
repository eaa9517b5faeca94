package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/govledger/internal/epoch"
	"github.com/jmerrifield20/govledger/internal/ledger"
	"github.com/jmerrifield20/govledger/internal/merkle"
	"go.uber.org/zap"
)

// EpochHandler exposes sealed epochs and Merkle inclusion proofs.
type EpochHandler struct {
	manager *epoch.Manager
	logger  *zap.Logger
}

// NewEpochHandler creates an EpochHandler.
func NewEpochHandler(m *epoch.Manager, logger *zap.Logger) *EpochHandler {
	return &EpochHandler{manager: m, logger: logger}
}

// Register mounts the epoch and proof routes on the given router group.
func (h *EpochHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/epochs", h.ListEpochs)
	rg.GET("/epochs/:id", h.GetEpoch)
	rg.GET("/proofs/:event_id", h.GetProof)
	rg.POST("/proofs/verify", h.VerifyProof)
}

// ListEpochs handles GET /epochs.
func (h *EpochHandler) ListEpochs(c *gin.Context) {
	epochs, err := h.manager.Store().List(c.Request.Context())
	if err != nil {
		h.logger.Error("epoch List", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list epochs"})
		return
	}
	if epochs == nil {
		epochs = []*epoch.Epoch{}
	}
	c.JSON(http.StatusOK, gin.H{"epochs": epochs})
}

// GetEpoch handles GET /epochs/:id.
func (h *EpochHandler) GetEpoch(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return
	}
	ep, err := h.manager.Store().Get(c.Request.Context(), id)
	if errors.Is(err, epoch.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "epoch not found"})
		return
	}
	if err != nil {
		h.logger.Error("epoch Get", zap.Int64("epoch_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read epoch"})
		return
	}
	c.JSON(http.StatusOK, ep)
}

// GetProof handles GET /proofs/:event_id.
func (h *EpochHandler) GetProof(c *gin.Context) {
	id, err := uuid.Parse(c.Param("event_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event_id must be a UUID"})
		return
	}

	proof, err := h.manager.GenerateProof(c.Request.Context(), id)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
	case errors.Is(err, epoch.ErrNotSealed):
		c.JSON(http.StatusConflict, gin.H{"error": "event is not yet sealed in an epoch"})
	case errors.Is(err, epoch.ErrRootMismatch):
		h.logger.Error("proof root mismatch", zap.String("event_id", id.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.Error("GenerateProof", zap.String("event_id", id.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate proof"})
	default:
		c.JSON(http.StatusOK, proof)
	}
}

// VerifyProof handles POST /proofs/verify. It performs no storage access and
// stays available while halted.
func (h *EpochHandler) VerifyProof(c *gin.Context) {
	var p merkle.Proof
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": merkle.VerifyProof(p)})
}
