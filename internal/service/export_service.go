package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hasini383/attend-api/internal/models"
	"github.com/hasini383/attend-api/pkg/export"
	"github.com/hasini383/attend-api/pkg/storage"
)

type exportLedgerReader interface {
	ListByStudent(ctx context.Context, studentID string, filter models.HistoryFilter) ([]models.AttendanceRecord, int, error)
	DayRoster(ctx context.Context, day time.Time) ([]models.DailyRosterRow, error)
}

type exportStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       models.ReportFormat
	ExpiresAt    time.Time
}

// ExportService builds report datasets from the ledger and persists the
// rendered files.
type ExportService struct {
	ledger   exportLedgerReader
	students exportStudentReader
	storage  fileStorage
	csv      csvRenderer
	pdf      pdfRenderer
	signer   *storage.SignedURLSigner
	logger   *zap.Logger
	cfg      ExportConfig
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// NewExportService constructs an ExportService.
func NewExportService(ledger exportLedgerReader, students exportStudentReader, storage fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		ledger:   ledger,
		students: students,
		storage:  storage,
		csv:      csv,
		pdf:      pdf,
		signer:   signer,
		logger:   logger,
		cfg:      cfg,
	}
}

// Generate builds the dataset for the job and stores the rendered export.
func (s *ExportService) Generate(ctx context.Context, job *models.ReportJob) (*ExportResult, error) {
	if job == nil {
		return nil, fmt.Errorf("job nil")
	}
	dataset, title, err := s.buildDataset(ctx, job)
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch job.Params.Format {
	case models.ReportFormatCSV:
		payload, err = s.csv.Render(dataset)
	case models.ReportFormatPDF:
		payload, err = s.pdf.Render(dataset, title)
	default:
		err = fmt.Errorf("unsupported format %s", job.Params.Format)
	}
	if err != nil {
		return nil, err
	}

	filename := s.buildFilename(job)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		return nil, err
	}
	signedURL := strings.TrimRight(s.cfg.APIPrefix, "/")
	if signedURL == "" {
		signedURL = "/api/v1"
	}
	signedURL = fmt.Sprintf("%s/reports/download/%s", signedURL, token)

	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          signedURL,
		Format:       job.Params.Format,
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken validates download token metadata.
func (s *ExportService) ParseToken(token string, allowExpired bool) (jobID, relPath string, expiresAt time.Time, err error) {
	return s.signer.Parse(token, allowExpired)
}

// Open returns a handle to the stored file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Delete removes a stored export file.
func (s *ExportService) Delete(relPath string) error {
	return s.storage.Delete(relPath)
}

// Cleanup removes files older than ttl (defaults to configured ResultTTL when ttl <= 0).
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

func (s *ExportService) buildFilename(job *models.ReportJob) string {
	timestamp := time.Now().UTC().Format("20060102_150405")
	scope := "na"
	switch job.Type {
	case models.ReportTypeHistory:
		if job.Params.StudentID != nil {
			scope = sanitizeFilename(*job.Params.StudentID)
		}
	case models.ReportTypeDaily:
		if job.Params.Date != nil {
			scope = sanitizeFilename(*job.Params.Date)
		}
	}
	return fmt.Sprintf("%s_%s_%s.%s", strings.ToLower(string(job.Type)), scope, timestamp, job.Params.Format)
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}

func (s *ExportService) buildDataset(ctx context.Context, job *models.ReportJob) (export.Dataset, string, error) {
	switch job.Type {
	case models.ReportTypeHistory:
		return s.buildHistoryDataset(ctx, job.Params)
	case models.ReportTypeDaily:
		return s.buildDailyDataset(ctx, job.Params)
	default:
		return export.Dataset{}, "", fmt.Errorf("unsupported report type %s", job.Type)
	}
}

func (s *ExportService) buildHistoryDataset(ctx context.Context, params models.ReportJobParams) (export.Dataset, string, error) {
	if params.StudentID == nil || *params.StudentID == "" {
		return export.Dataset{}, "", fmt.Errorf("history report requires a student id")
	}
	student, err := s.students.FindByID(ctx, *params.StudentID)
	if err != nil {
		return export.Dataset{}, "", fmt.Errorf("load student: %w", err)
	}

	filter := models.HistoryFilter{SortBy: "date", SortOrder: "asc"}
	if params.StartDate != nil {
		start, err := parseReportDate(*params.StartDate)
		if err != nil {
			return export.Dataset{}, "", err
		}
		filter.StartDate = &start
	}
	if params.EndDate != nil {
		end, err := parseReportDate(*params.EndDate)
		if err != nil {
			return export.Dataset{}, "", err
		}
		filter.EndDate = &end
	}

	records, _, err := s.ledger.ListByStudent(ctx, student.ID, filter)
	if err != nil {
		return export.Dataset{}, "", err
	}

	dataRows := make([]map[string]string, 0, len(records))
	for _, record := range records {
		dataRows = append(dataRows, map[string]string{
			"Date":        record.Date.Format("2006-01-02"),
			"Status":      string(record.Status),
			"Entry Time":  formatReportTime(record.EntryTime),
			"Leave Time":  formatReportTime(record.LeaveTime),
			"Location":    record.ScanLocation,
			"Device":      record.DeviceInfo,
			"Verified By": deref(record.VerifiedBy),
		})
	}
	dataset := export.Dataset{
		Headers: []string{"Date", "Status", "Entry Time", "Leave Time", "Location", "Device", "Verified By"},
		Rows:    dataRows,
	}
	title := fmt.Sprintf("Attendance History %s", student.IndexNumber)
	return dataset, title, nil
}

func (s *ExportService) buildDailyDataset(ctx context.Context, params models.ReportJobParams) (export.Dataset, string, error) {
	if params.Date == nil || *params.Date == "" {
		return export.Dataset{}, "", fmt.Errorf("daily report requires a date")
	}
	day, err := parseReportDate(*params.Date)
	if err != nil {
		return export.Dataset{}, "", err
	}

	rows, err := s.ledger.DayRoster(ctx, day)
	if err != nil {
		return export.Dataset{}, "", err
	}

	dataRows := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		status := rosterStatusNotMarked
		if row.Status != nil {
			status = string(*row.Status)
		}
		dataRows = append(dataRows, map[string]string{
			"Index Number": row.IndexNumber,
			"Full Name":    row.FullName,
			"Status":       status,
			"Entry Time":   formatReportTime(row.EntryTime),
			"Leave Time":   formatReportTime(row.LeaveTime),
		})
	}
	dataset := export.Dataset{
		Headers: []string{"Index Number", "Full Name", "Status", "Entry Time", "Leave Time"},
		Rows:    dataRows,
	}
	title := fmt.Sprintf("Daily Attendance %s", day.Format("2006-01-02"))
	return dataset, title, nil
}

// parseReportDate reads the persisted YYYY-MM-DD params into the
// midnight-UTC markers used by the records table.
func parseReportDate(raw string) (time.Time, error) {
	day, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid report date %q", raw)
	}
	return day, nil
}

func deref(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func formatReportTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
