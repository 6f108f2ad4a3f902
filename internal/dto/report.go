package dto

import "github.com/hasini383/attend-api/internal/models"

// ReportRequest captures the POST /reports payload. History reports need
// a studentId and take an optional date range; daily reports need a date.
type ReportRequest struct {
	Type      models.ReportType   `json:"type"`
	StudentID *string             `json:"studentId,omitempty"`
	StartDate *string             `json:"startDate,omitempty"`
	EndDate   *string             `json:"endDate,omitempty"`
	Date      *string             `json:"date,omitempty"`
	Format    models.ReportFormat `json:"format"`
}

// ReportJobResponse is returned after enqueueing a report.
type ReportJobResponse struct {
	ID       string              `json:"id"`
	Status   models.ReportStatus `json:"status"`
	Progress int                 `json:"progress"`
}

// ReportStatusResponse exposes job progress metadata.
type ReportStatusResponse struct {
	ID        string              `json:"id"`
	Status    models.ReportStatus `json:"status"`
	Progress  int                 `json:"progress"`
	ResultURL *string             `json:"resultUrl,omitempty"`
	Error     *string             `json:"error,omitempty"`
}
