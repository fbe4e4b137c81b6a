package handlers

import (
	"net/http"

	"catalog-import-service/internal/models"
	"catalog-import-service/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// BarcodeHandler manages the barcode pool
type BarcodeHandler struct {
	pool   repository.BarcodePool
	logger *logrus.Entry
}

func NewBarcodeHandler(pool repository.BarcodePool, logger *logrus.Entry) *BarcodeHandler {
	return &BarcodeHandler{
		pool:   pool,
		logger: logger.WithField("component", "barcode-handler"),
	}
}

// AddBarcodes adds pre-generated barcodes to the pool. Values already in the
// pool are ignored.
// POST /api/v1/barcodes
func (h *BarcodeHandler) AddBarcodes(c *gin.Context) {
	var req models.AddBarcodesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "VALIDATION_ERROR",
				Message: err.Error(),
			},
		})
		return
	}
	if len(req.Values) == 0 {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "VALIDATION_ERROR",
				Message: "values must contain at least one barcode",
				Field:   "values",
			},
		})
		return
	}

	added, err := h.pool.Add(c.Request.Context(), req.Values, req.Legacy)
	if err != nil {
		h.logger.WithError(err).Error("Failed to add barcodes")
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "POOL_UPDATE_FAILED",
				Message: "Failed to add barcodes to the pool",
			},
		})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"submitted": len(req.Values),
		"added":     added,
		"legacy":    req.Legacy,
	}).Info("Barcodes added to pool")

	c.JSON(http.StatusCreated, models.SuccessResponse{
		Success: true,
		Data: gin.H{
			"submitted": len(req.Values),
			"added":     added,
		},
	})
}

// GetPoolStats returns pool stock counts
// GET /api/v1/barcodes/stats
func (h *BarcodeHandler) GetPoolStats(c *gin.Context) {
	stats, err := h.pool.Stats(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to read pool stats")
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "POOL_STATS_FAILED",
				Message: "Failed to read barcode pool stats",
			},
		})
		return
	}

	c.JSON(http.StatusOK, models.SuccessResponse{
		Success: true,
		Data:    stats,
	})
}
