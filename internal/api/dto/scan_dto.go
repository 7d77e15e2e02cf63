package dto

import (
	"time"

	"github.com/cuongbtq/leakwatch/internal/domain"
)

type ProfileDataDTO struct {
	Username string   `json:"username" binding:"required"`
	Aliases  []string `json:"aliases"`
	Keywords []string `json:"keywords"`
}

func (p ProfileDataDTO) ToDomain() domain.ProfileData {
	return domain.ProfileData{
		Username: p.Username,
		Aliases:  p.Aliases,
		Keywords: p.Keywords,
	}
}

type ScheduleScanRequest struct {
	ProfileID   string         `json:"profile_id" binding:"required"`
	UserID      string         `json:"user_id" binding:"required"`
	ProfileData ProfileDataDTO `json:"profile_data"`
}

type ComprehensiveScanRequest struct {
	ScheduleScanRequest
	Platforms []string `json:"platforms"`
}

type ScheduleScanResponse struct {
	JobID  string `json:"job_id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

type EnrollProfileRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type ScanResultsRequest struct {
	Limit         int     `form:"limit"`
	Offset        int     `form:"offset"`
	MinConfidence float64 `form:"minConfidence"`
}

type JobDTO struct {
	JobID       string                 `json:"job_id"`
	ProfileID   string                 `json:"profile_id"`
	UserID      string                 `json:"user_id"`
	Kind        string                 `json:"kind"`
	Priority    string                 `json:"priority"`
	Platforms   []string               `json:"platforms,omitempty"`
	Status      string                 `json:"status"`
	Attempt     int                    `json:"attempt"`
	Error       string                 `json:"error,omitempty"`
	Progress    domain.Progress        `json:"progress"`
	Summary     *domain.ResultsSummary `json:"summary,omitempty"`
	CreatedAt   string                 `json:"created_at"`
	StartedAt   string                 `json:"started_at,omitempty"`
	CompletedAt string                 `json:"completed_at,omitempty"`
}

// NewJobDTO converts a job record for the wire
func NewJobDTO(job *domain.ScanJob) JobDTO {
	return JobDTO{
		JobID:       job.ID,
		ProfileID:   job.ProfileID,
		UserID:      job.UserID,
		Kind:        string(job.Kind),
		Priority:    string(job.Priority),
		Platforms:   job.Platforms,
		Status:      string(job.Status),
		Attempt:     job.Attempt,
		Error:       job.Error,
		Progress:    job.Progress,
		Summary:     job.Summary,
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
		StartedAt:   formatTime(job.StartedAt),
		CompletedAt: formatTime(job.CompletedAt),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

type ScheduleDTO struct {
	ProfileID  string `json:"profile_id"`
	UserID     string `json:"user_id"`
	Tier       string `json:"tier"`
	Frequency  string `json:"frequency"`
	NextScanAt string `json:"next_scan_at,omitempty"`
	LastScanAt string `json:"last_scan_at,omitempty"`
}

func NewScheduleDTO(s *domain.ScanSchedule) ScheduleDTO {
	return ScheduleDTO{
		ProfileID:  s.ProfileID,
		UserID:     s.UserID,
		Tier:       string(s.Tier),
		Frequency:  string(s.Frequency),
		NextScanAt: formatTime(s.NextScanAt),
		LastScanAt: formatTime(s.LastScanAt),
	}
}

type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
