package service

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hasini383/attend-api/internal/dto"
	"github.com/hasini383/attend-api/internal/models"
	"github.com/hasini383/attend-api/internal/repository"
	appErrors "github.com/hasini383/attend-api/pkg/errors"
	"github.com/hasini383/attend-api/pkg/jobs"
)

type reportRepoStub struct {
	jobs map[string]*models.ReportJob
}

func newReportRepoStub() *reportRepoStub {
	return &reportRepoStub{jobs: map[string]*models.ReportJob{}}
}

func (r *reportRepoStub) Create(_ context.Context, job *models.ReportJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	r.jobs[job.ID] = job
	return nil
}

func (r *reportRepoStub) GetByID(_ context.Context, id string) (*models.ReportJob, error) {
	job, ok := r.jobs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return job, nil
}

func (r *reportRepoStub) Update(_ context.Context, id string, params repository.UpdateReportJobParams) error {
	job, ok := r.jobs[id]
	if !ok {
		return sql.ErrNoRows
	}
	if params.Status != nil {
		job.Status = *params.Status
	}
	if params.Progress != nil {
		job.Progress = *params.Progress
	}
	if params.ResultURL != nil {
		job.ResultURL = params.ResultURL
	}
	if params.ErrorMessage != nil {
		job.ErrorMessage = params.ErrorMessage
	}
	if params.FinishedAt != nil {
		job.FinishedAt = params.FinishedAt
	}
	return nil
}

func (r *reportRepoStub) ListQueued(_ context.Context, _ int) ([]models.ReportJob, error) {
	var queued []models.ReportJob
	for _, job := range r.jobs {
		if job.Status == models.ReportStatusQueued {
			queued = append(queued, *job)
		}
	}
	return queued, nil
}

func (r *reportRepoStub) ListFinishedBefore(_ context.Context, _ time.Time, _ int) ([]models.ReportJob, error) {
	return nil, nil
}

type queueStub struct {
	jobs []jobs.Job
	err  error
}

func (q *queueStub) Enqueue(job jobs.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type reportStudentStub struct {
	students map[string]*models.Student
}

func (s *reportStudentStub) FindByID(_ context.Context, id string) (*models.Student, error) {
	student, ok := s.students[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return student, nil
}

type reportMetricsStub struct {
	mu      sync.Mutex
	reports []string
}

func (m *reportMetricsStub) ObserveReport(reportType, format string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, reportType+"/"+format)
}

func newReportServiceForTest(t *testing.T) (*ReportService, *reportRepoStub, *queueStub, *ExportService) {
	t.Helper()
	repo := newReportRepoStub()
	queue := &queueStub{}
	ledger := &exportLedgerStub{}
	exportSvc, _ := newExportServiceForTest(t, ledger)
	students := &reportStudentStub{students: map[string]*models.Student{
		"s1": {ID: "s1", IndexNumber: "ST-1041", FullName: "Dulani Perera"},
	}}
	service := NewReportService(repo, students, queue, exportSvc, zap.NewNop(), ReportServiceConfig{
		ResultTTL:       time.Hour,
		CleanupInterval: time.Hour,
		MaxRetries:      3,
	})
	return service, repo, queue, exportSvc
}

func TestReportServiceCreateHistoryJob(t *testing.T) {
	svc, repo, queue, _ := newReportServiceForTest(t)
	resp, err := svc.CreateJob(context.Background(), dto.ReportRequest{
		Type:      models.ReportTypeHistory,
		StudentID: ptrString("s1"),
		StartDate: ptrString("2026-03-01"),
		EndDate:   ptrString("2026-03-31"),
		Format:    models.ReportFormatCSV,
	}, "admin")
	require.NoError(t, err)
	require.NotEmpty(t, resp.ID)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, models.ReportStatusQueued, resp.Status)
	assert.Contains(t, repo.jobs, resp.ID)
}

func TestReportServiceCreateHistoryJobUnknownStudent(t *testing.T) {
	svc, _, _, _ := newReportServiceForTest(t)
	_, err := svc.CreateJob(context.Background(), dto.ReportRequest{
		Type:      models.ReportTypeHistory,
		StudentID: ptrString("missing"),
		Format:    models.ReportFormatCSV,
	}, "admin")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestReportServiceCreateHistoryJobInvertedRange(t *testing.T) {
	svc, _, _, _ := newReportServiceForTest(t)
	_, err := svc.CreateJob(context.Background(), dto.ReportRequest{
		Type:      models.ReportTypeHistory,
		StudentID: ptrString("s1"),
		StartDate: ptrString("2026-03-31"),
		EndDate:   ptrString("2026-03-01"),
		Format:    models.ReportFormatCSV,
	}, "admin")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidDateRange.Code, appErrors.FromError(err).Code)
}

func TestReportServiceCreateDailyJobRequiresDate(t *testing.T) {
	svc, _, _, _ := newReportServiceForTest(t)
	_, err := svc.CreateJob(context.Background(), dto.ReportRequest{
		Type:   models.ReportTypeDaily,
		Format: models.ReportFormatPDF,
	}, "admin")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestReportServiceCreateJobRejectsUnknownType(t *testing.T) {
	svc, _, _, _ := newReportServiceForTest(t)
	_, err := svc.CreateJob(context.Background(), dto.ReportRequest{
		Type:   models.ReportType("grades"),
		Format: models.ReportFormatCSV,
	}, "admin")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestReportServiceEnqueueFailureMarksJobFailed(t *testing.T) {
	svc, repo, queue, _ := newReportServiceForTest(t)
	queue.err = errors.New("queue stopped")

	_, err := svc.CreateJob(context.Background(), dto.ReportRequest{
		Type:   models.ReportTypeDaily,
		Date:   ptrString("2026-03-11"),
		Format: models.ReportFormatCSV,
	}, "admin")
	require.Error(t, err)

	require.Len(t, repo.jobs, 1)
	for _, job := range repo.jobs {
		assert.Equal(t, models.ReportStatusFailed, job.Status)
	}
}

func TestReportServiceGetStatusStaffOwnership(t *testing.T) {
	svc, repo, _, _ := newReportServiceForTest(t)
	repo.jobs["job-1"] = &models.ReportJob{
		ID:        "job-1",
		Type:      models.ReportTypeHistory,
		Params:    models.ReportJobParams{StudentID: ptrString("s1"), Format: models.ReportFormatCSV},
		Status:    models.ReportStatusFinished,
		Progress:  100,
		CreatedBy: "staff-1",
	}

	_, err := svc.GetStatus(context.Background(), "job-1", "staff-2", models.RoleStaff)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	resp, err := svc.GetStatus(context.Background(), "job-1", "staff-1", models.RoleStaff)
	require.NoError(t, err)
	assert.Equal(t, models.ReportStatusFinished, resp.Status)

	resp, err = svc.GetStatus(context.Background(), "job-1", "admin", models.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, 100, resp.Progress)
}

func TestReportServiceGetStatusUnknownJob(t *testing.T) {
	svc, _, _, _ := newReportServiceForTest(t)
	_, err := svc.GetStatus(context.Background(), "missing", "admin", models.RoleAdmin)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestReportServiceResolveDownload(t *testing.T) {
	svc, repo, _, exportSvc := newReportServiceForTest(t)
	job := &models.ReportJob{
		ID:        "job-download",
		Type:      models.ReportTypeHistory,
		Params:    models.ReportJobParams{StudentID: ptrString("s1"), Format: models.ReportFormatCSV},
		Status:    models.ReportStatusFinished,
		Progress:  100,
		CreatedBy: "admin",
	}
	repo.jobs[job.ID] = job
	result, err := exportSvc.Generate(context.Background(), job)
	require.NoError(t, err)
	job.ResultURL = &result.URL
	job.FinishedAt = ptrTime(time.Now())

	download, err := svc.ResolveDownload(context.Background(), result.Token)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(result.RelativePath), download.Filename)
	assert.Equal(t, models.ReportFormatCSV, download.Format)
	require.NoError(t, download.File.Close())
}

func TestReportServiceResolveDownloadRejectsBadToken(t *testing.T) {
	svc, _, _, _ := newReportServiceForTest(t)
	_, err := svc.ResolveDownload(context.Background(), "not-a-token")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestReportServiceRecoverPendingJobs(t *testing.T) {
	svc, repo, queue, _ := newReportServiceForTest(t)
	repo.jobs["job-1"] = &models.ReportJob{ID: "job-1", Type: models.ReportTypeDaily, Status: models.ReportStatusQueued}
	repo.jobs["job-2"] = &models.ReportJob{ID: "job-2", Type: models.ReportTypeHistory, Status: models.ReportStatusFinished}

	svc.RecoverPendingJobs(context.Background())
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, "job-1", queue.jobs[0].ID)
}

type exportStub struct {
	result *ExportResult
	err    error
}

func (e exportStub) Generate(_ context.Context, _ *models.ReportJob) (*ExportResult, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.result, nil
}

func TestReportWorkerHandleSuccess(t *testing.T) {
	repo := &reportRepoStub{
		jobs: map[string]*models.ReportJob{
			"job-1": {
				ID:        "job-1",
				Type:      models.ReportTypeHistory,
				Params:    models.ReportJobParams{StudentID: ptrString("s1"), Format: models.ReportFormatCSV},
				Status:    models.ReportStatusQueued,
				CreatedBy: "admin",
			},
		},
	}
	exporter := exportStub{result: &ExportResult{URL: "/api/v1/reports/download/token"}}
	metrics := &reportMetricsStub{}
	worker := NewReportWorker(repo, exporter, metrics, 3, zap.NewNop())

	err := worker.Handle(context.Background(), jobs.Job{ID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, models.ReportStatusFinished, repo.jobs["job-1"].Status)
	assert.Equal(t, 100, repo.jobs["job-1"].Progress)
	assert.Equal(t, []string{"history/csv"}, metrics.reports)
}

func TestReportWorkerRequeuesBeforeGivingUp(t *testing.T) {
	repo := &reportRepoStub{
		jobs: map[string]*models.ReportJob{
			"job-1": {
				ID:     "job-1",
				Type:   models.ReportTypeDaily,
				Params: models.ReportJobParams{Date: ptrString("2026-03-11"), Format: models.ReportFormatCSV},
				Status: models.ReportStatusProcessing,
			},
		},
	}
	exporter := exportStub{err: errors.New("boom")}
	worker := NewReportWorker(repo, exporter, nil, 2, zap.NewNop())

	err := worker.Handle(context.Background(), jobs.Job{ID: "job-1", Attempt: 0})
	require.Error(t, err)
	assert.Equal(t, models.ReportStatusQueued, repo.jobs["job-1"].Status)

	err = worker.Handle(context.Background(), jobs.Job{ID: "job-1", Attempt: 2})
	require.Error(t, err)
	assert.Equal(t, models.ReportStatusFailed, repo.jobs["job-1"].Status)
	require.NotNil(t, repo.jobs["job-1"].ErrorMessage)
	assert.Equal(t, "boom", *repo.jobs["job-1"].ErrorMessage)
}
