package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/leakwatch/internal/api/dto"
	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/cuongbtq/leakwatch/internal/orchestrator"
	"github.com/gin-gonic/gin"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Orchestrator *orchestrator.Orchestrator
}

// ScanHandler handles scan-related HTTP requests
type ScanHandler struct {
	logger       *slog.Logger
	orchestrator *orchestrator.Orchestrator
}

// NewScanHandler creates a new ScanHandler instance
func NewScanHandler(deps *Dependencies) *ScanHandler {
	return &ScanHandler{
		logger:       deps.Logger,
		orchestrator: deps.Orchestrator,
	}
}

// writeError maps domain errors onto HTTP statuses
func (h *ScanHandler) writeError(c *gin.Context, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: ve.Message, Field: ve.Field})
	case errors.Is(err, domain.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrProfileNotFound),
		errors.Is(err, domain.ErrScheduleNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrScanLimitExceeded):
		c.JSON(http.StatusTooManyRequests, dto.ErrorResponse{Error: err.Error()})
	default:
		h.logger.Error("Request failed",
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal error"})
	}
}
