package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hasini383/attend-api/internal/dto"
	"github.com/hasini383/attend-api/internal/middleware"
	appErrors "github.com/hasini383/attend-api/pkg/errors"
	"github.com/hasini383/attend-api/pkg/response"
)

type attendanceDashboard interface {
	Attendance(ctx context.Context, day *time.Time, includeRoster bool) (*dto.AttendanceDashboardResponse, bool, error)
}

// DashboardHandler wires the dashboard service to HTTP endpoints.
type DashboardHandler struct {
	service attendanceDashboard
}

// NewDashboardHandler constructs the handler.
func NewDashboardHandler(service attendanceDashboard) *DashboardHandler {
	return &DashboardHandler{service: service}
}

// Attendance godoc
// @Summary Daily attendance overview
// @Tags Dashboard
// @Produce json
// @Param date query string false "Date (YYYY-MM-DD). Defaults to today"
// @Param roster query bool false "Include the per-student roster"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /dashboard/attendance [get]
func (h *DashboardHandler) Attendance(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.ErrInternal)
		return
	}
	var day *time.Time
	if raw := strings.TrimSpace(c.Query("date")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid date format, expected YYYY-MM-DD"))
			return
		}
		day = &parsed
	}
	includeRoster := c.Query("roster") == "true"

	start := time.Now()
	summary, cacheHit, err := h.service.Attendance(c.Request.Context(), day, includeRoster)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	meta := middleware.ExtractMeta(c)
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["processing_time_ms"] = time.Since(start).Milliseconds()
	response.JSON(c, http.StatusOK, summary, nil, meta)
}
