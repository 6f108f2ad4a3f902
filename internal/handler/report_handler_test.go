package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/hasini383/attend-api/internal/dto"
	"github.com/hasini383/attend-api/internal/middleware"
	"github.com/hasini383/attend-api/internal/models"
	"github.com/hasini383/attend-api/internal/service"
)

type reportServiceMock struct {
	createResp  *dto.ReportJobResponse
	createErr   error
	statusResp  *dto.ReportStatusResponse
	statusErr   error
	download    *service.ReportDownload
	downloadErr error
	lastActor   string
	lastRole    models.UserRole
}

func (m *reportServiceMock) CreateJob(ctx context.Context, req dto.ReportRequest, actorID string) (*dto.ReportJobResponse, error) {
	m.lastActor = actorID
	return m.createResp, m.createErr
}

func (m *reportServiceMock) GetStatus(ctx context.Context, id string, actorID string, role models.UserRole) (*dto.ReportStatusResponse, error) {
	m.lastActor = actorID
	m.lastRole = role
	return m.statusResp, m.statusErr
}

func (m *reportServiceMock) ResolveDownload(ctx context.Context, token string) (*service.ReportDownload, error) {
	return m.download, m.downloadErr
}

func newGinContext(method, path string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func TestReportHandlerCreateQueuesJob(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &reportServiceMock{
		createResp: &dto.ReportJobResponse{ID: "job-1", Status: models.ReportStatusQueued, Progress: 0},
	}
	handler := NewReportHandler(mockSvc)

	payload := []byte(`{"type":"history","studentId":"s1","format":"csv"}`)
	c, w := newGinContext(http.MethodPost, "/reports", payload)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})

	handler.Create(c)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, "admin-1", mockSvc.lastActor)
}

func TestReportHandlerCreateRequiresAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewReportHandler(&reportServiceMock{})

	c, w := newGinContext(http.MethodPost, "/reports", []byte(`{"type":"history"}`))

	handler.Create(c)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestReportHandlerStatusPassesCallerIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &reportServiceMock{
		statusResp: &dto.ReportStatusResponse{ID: "job-1", Status: models.ReportStatusFinished, Progress: 100},
	}
	handler := NewReportHandler(mockSvc)

	c, w := newGinContext(http.MethodGet, "/reports/job-1", nil)
	c.Params = gin.Params{{Key: "id", Value: "job-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "staff-1", Role: models.RoleStaff})

	handler.Status(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "staff-1", mockSvc.lastActor)
	require.Equal(t, models.RoleStaff, mockSvc.lastRole)
}

func TestReportHandlerDownloadStreamsFile(t *testing.T) {
	gin.SetMode(gin.TestMode)
	file, err := os.CreateTemp(t.TempDir(), "report*.csv")
	require.NoError(t, err)
	_, _ = file.WriteString("Date,Status\n")
	_, _ = file.Seek(0, 0)

	mockSvc := &reportServiceMock{
		download: &service.ReportDownload{
			File:      file,
			Filename:  "report.csv",
			Format:    models.ReportFormatCSV,
			ExpiresAt: time.Now().Add(time.Hour),
		},
	}
	handler := NewReportHandler(mockSvc)

	c, w := newGinContext(http.MethodGet, "/reports/download/token", nil)
	c.Params = gin.Params{{Key: "token", Value: "token"}}

	handler.Download(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	require.Contains(t, w.Header().Get("Content-Disposition"), "report.csv")
	require.Contains(t, w.Body.String(), "Date,Status")
}
