package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hasini383/attend-api/internal/dto"
	"github.com/hasini383/attend-api/internal/models"
	appErrors "github.com/hasini383/attend-api/pkg/errors"
	"github.com/hasini383/attend-api/pkg/response"
)

type attendanceLedger interface {
	MarkByIndexNumber(ctx context.Context, indexNumber string, status models.AttendanceStatus, opts models.MarkOptions) (*models.MarkResult, error)
}

type attendanceHistory interface {
	QueryHistory(ctx context.Context, studentID string, filter models.HistoryFilter) (*models.HistoryPage, error)
	DeleteRecord(ctx context.Context, studentID, recordID string) (*models.DeleteResult, error)
	ClearHistory(ctx context.Context, studentID string) (*models.Student, error)
}

type dashboardInvalidator interface {
	InvalidateDay(ctx context.Context, day time.Time)
	InvalidateAll(ctx context.Context)
}

// AttendanceHandler exposes ledger mutations and history queries.
type AttendanceHandler struct {
	ledger     attendanceLedger
	history    attendanceHistory
	dashboards dashboardInvalidator
}

// NewAttendanceHandler constructs the handler. dashboards may be nil when
// no dashboard cache is wired.
func NewAttendanceHandler(ledger attendanceLedger, history attendanceHistory, dashboards dashboardInvalidator) *AttendanceHandler {
	return &AttendanceHandler{ledger: ledger, history: history, dashboards: dashboards}
}

// Mark godoc
// @Summary Mark attendance for a student
// @Description Applies a labelled attendance event; the caller becomes the verifier
// @Tags Attendance
// @Accept json
// @Produce json
// @Param payload body dto.MarkAttendanceRequest true "Mark payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /attendance/mark [post]
func (h *AttendanceHandler) Mark(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.MarkAttendanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if strings.TrimSpace(req.IndexNumber) == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "indexNumber is required"))
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "status is required"))
		return
	}

	verifier := claims.UserID
	status := models.AttendanceStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	result, err := h.ledger.MarkByIndexNumber(c.Request.Context(), req.IndexNumber, status, models.MarkOptions{
		VerifiedBy:   &verifier,
		DeviceInfo:   req.DeviceInfo,
		ScanLocation: req.ScanLocation,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	if h.dashboards != nil {
		h.dashboards.InvalidateDay(c.Request.Context(), result.Record.Date)
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// History godoc
// @Summary Query a student's attendance history
// @Tags Attendance
// @Produce json
// @Param id path string true "Student ID"
// @Param startDate query string false "Inclusive lower bound (YYYY-MM-DD)"
// @Param endDate query string false "Inclusive upper bound (YYYY-MM-DD)"
// @Param sortBy query string false "Sort column"
// @Param sortOrder query string false "asc or desc"
// @Param limit query int false "Page size; omit for all records"
// @Param offset query int false "Rows to skip"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /students/{id}/attendance [get]
func (h *AttendanceHandler) History(c *gin.Context) {
	filter, err := parseHistoryFilter(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	page, err := h.history.QueryHistory(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, page, nil)
}

// DeleteRecord godoc
// @Summary Delete one attendance record
// @Description Removes the record and recomputes the student's cached counters
// @Tags Attendance
// @Produce json
// @Param id path string true "Student ID"
// @Param recordId path string true "Record ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /students/{id}/attendance/{recordId} [delete]
func (h *AttendanceHandler) DeleteRecord(c *gin.Context) {
	result, err := h.history.DeleteRecord(c.Request.Context(), c.Param("id"), c.Param("recordId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if h.dashboards != nil {
		h.dashboards.InvalidateDay(c.Request.Context(), result.Deleted.Date)
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// ClearHistory godoc
// @Summary Clear a student's attendance history
// @Description Empties the history and zeroes the cached counters
// @Tags Attendance
// @Produce json
// @Param id path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /students/{id}/attendance [delete]
func (h *AttendanceHandler) ClearHistory(c *gin.Context) {
	student, err := h.history.ClearHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if h.dashboards != nil {
		h.dashboards.InvalidateAll(c.Request.Context())
	}
	response.JSON(c, http.StatusOK, student, nil)
}

func parseHistoryFilter(c *gin.Context) (models.HistoryFilter, error) {
	var filter models.HistoryFilter
	if raw := c.Query("startDate"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return filter, appErrors.Clone(appErrors.ErrInvalidDateRange, "invalid startDate, expected YYYY-MM-DD")
		}
		filter.StartDate = &parsed
	}
	if raw := c.Query("endDate"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return filter, appErrors.Clone(appErrors.ErrInvalidDateRange, "invalid endDate, expected YYYY-MM-DD")
		}
		filter.EndDate = &parsed
	}
	filter.SortBy = c.Query("sortBy")
	filter.SortOrder = c.Query("sortOrder")
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, appErrors.Clone(appErrors.ErrValidation, "invalid limit parameter")
		}
		filter.Limit = &limit
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, appErrors.Clone(appErrors.ErrValidation, "invalid offset parameter")
		}
		filter.Offset = offset
	}
	return filter, nil
}
