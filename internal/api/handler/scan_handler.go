package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/leakwatch/internal/api/dto"
	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/gin-gonic/gin"
)

// ScheduleImmediateScan handles POST /api/v1/scan/immediate
func (h *ScanHandler) ScheduleImmediateScan(c *gin.Context) {
	var req dto.ScheduleScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	jobID, err := h.orchestrator.ScheduleImmediateScan(c.Request.Context(), req.ProfileID, req.UserID, req.ProfileData.ToDomain())
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.accepted(c, jobID, domain.ScanKindImmediate)
}

// ScheduleComprehensiveScan handles POST /api/v1/scan/comprehensive
// Queues a user-requested scan, optionally limited to platforms
func (h *ScanHandler) ScheduleComprehensiveScan(c *gin.Context) {
	var req dto.ComprehensiveScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	jobID, err := h.orchestrator.ScheduleManualScan(c.Request.Context(), req.ProfileID, req.UserID, req.ProfileData.ToDomain(), req.Platforms)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.accepted(c, jobID, domain.ScanKindManual)
}

// ScheduleDailyScan handles POST /api/v1/scan/schedule-daily
func (h *ScanHandler) ScheduleDailyScan(c *gin.Context) {
	var req dto.ScheduleScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	jobID, err := h.orchestrator.ScheduleDailyScan(c.Request.Context(), req.ProfileID, req.UserID, req.ProfileData.ToDomain())
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.accepted(c, jobID, domain.ScanKindDaily)
}

func (h *ScanHandler) accepted(c *gin.Context, jobID string, kind domain.ScanKind) {
	c.JSON(http.StatusAccepted, dto.ScheduleScanResponse{
		JobID:  jobID,
		Kind:   string(kind),
		Status: string(domain.JobStatusPending),
	})
}

// GetScanStatus handles GET /api/v1/scan/:job_id/status
func (h *ScanHandler) GetScanStatus(c *gin.Context) {
	job, err := h.orchestrator.GetScanStatus(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// GetScanResults handles GET /api/v1/scan/:job_id/results?limit&offset&minConfidence
func (h *ScanHandler) GetScanResults(c *gin.Context) {
	var req dto.ScanResultsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	results, err := h.orchestrator.GetScanResults(c.Request.Context(), c.Param("job_id"), req.Limit, req.Offset, req.MinConfidence)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

// CancelScan handles DELETE /api/v1/scan/:job_id
// Finished jobs are returned unchanged
func (h *ScanHandler) CancelScan(c *gin.Context) {
	job, err := h.orchestrator.CancelScan(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// RequestRematch handles POST /api/v1/scan/:job_id/rematch
func (h *ScanHandler) RequestRematch(c *gin.Context) {
	jobID := c.Param("job_id")
	if err := h.orchestrator.RequestRematch(c.Request.Context(), jobID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

// EnrollProfile handles POST /api/v1/profiles/:profile_id/schedule
// Recomputes the profile's cadence from the user's current tier
func (h *ScanHandler) EnrollProfile(c *gin.Context) {
	var req dto.EnrollProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	s, err := h.orchestrator.EnrollProfile(c.Request.Context(), c.Param("profile_id"), req.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewScheduleDTO(s))
}

// Stats handles GET /api/v1/orchestrator/stats
func (h *ScanHandler) Stats(c *gin.Context) {
	stats, err := h.orchestrator.Stats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
