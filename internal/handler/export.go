package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/govledger/internal/export"
	"go.uber.org/zap"
)

// ExportHandler serves a full export bundle for offline verification.
type ExportHandler struct {
	exporter *export.Exporter
	logger   *zap.Logger
}

// NewExportHandler creates an ExportHandler.
func NewExportHandler(x *export.Exporter, logger *zap.Logger) *ExportHandler {
	return &ExportHandler{exporter: x, logger: logger}
}

// Register mounts GET /export on the given router group.
func (h *ExportHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/export", h.Export)
}

// Export handles GET /export.
func (h *ExportHandler) Export(c *gin.Context) {
	b, err := h.exporter.Export(c.Request.Context())
	if err != nil {
		h.logger.Error("export", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to export ledger"})
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="govledger-export-%d.json"`, b.ExportedAt.Unix()))
	c.Header("Content-Type", "application/json")
	c.Status(http.StatusOK)
	if err := b.Save(c.Writer); err != nil {
		h.logger.Warn("write export", zap.Error(err))
	}
}
