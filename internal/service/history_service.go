package service

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/hasini383/attend-api/internal/models"
	"github.com/hasini383/attend-api/internal/repository"
	"github.com/hasini383/attend-api/pkg/config"
	appErrors "github.com/hasini383/attend-api/pkg/errors"
	"github.com/hasini383/attend-api/pkg/lock"
)

type historyStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type historyRecordStore interface {
	ListByStudent(ctx context.Context, studentID string, filter models.HistoryFilter) ([]models.AttendanceRecord, int, error)
	StatusCounts(ctx context.Context, studentID string) ([]models.StatusCount, error)
	FindRecord(ctx context.Context, studentID, recordID string) (*models.AttendanceRecord, error)
	ApplyDelete(ctx context.Context, params repository.ApplyDeleteParams) (*models.Student, *models.AttendanceRecord, error)
	ApplyClear(ctx context.Context, studentID string, expectedVersion int64) (*models.Student, error)
}

type historyMetrics interface {
	ObserveWriteConflict()
}

// HistoryService serves attendance history queries and the destructive
// record operations. It shares the keyed lock arena with LedgerService so
// deletes and marks for the same student never interleave.
type HistoryService struct {
	students historyStudentReader
	records  historyRecordStore
	locks    *lock.Keyed
	metrics  historyMetrics
	logger   *zap.Logger
	retries  int
}

// NewHistoryService constructs the history service.
func NewHistoryService(students historyStudentReader, records historyRecordStore, locks *lock.Keyed, cfg config.LedgerConfig, metrics historyMetrics, logger *zap.Logger) *HistoryService {
	if locks == nil {
		locks = lock.NewKeyed()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	retries := cfg.ConflictRetries
	if retries < 0 {
		retries = 0
	}
	return &HistoryService{
		students: students,
		records:  records,
		locks:    locks,
		metrics:  metrics,
		logger:   logger,
		retries:  retries,
	}
}

// QueryHistory returns one page of a student's records plus stats over
// the full history. The stats ignore the date filter and pagination on
// purpose: two callers paging differently see the same totals.
func (s *HistoryService) QueryHistory(ctx context.Context, studentID string, filter models.HistoryFilter) (*models.HistoryPage, error) {
	student, err := s.loadStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if filter.StartDate != nil && filter.EndDate != nil && filter.StartDate.After(*filter.EndDate) {
		return nil, appErrors.Clone(appErrors.ErrInvalidDateRange, "start date is after end date")
	}

	records, total, err := s.records.ListByStudent(ctx, studentID, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to load history")
	}
	counts, err := s.records.StatusCounts(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to aggregate history")
	}

	return &models.HistoryPage{
		Records: records,
		Total:   total,
		Stats:   historyStats(counts, student.AttendancePercentage),
	}, nil
}

// DeleteRecord removes one record and rolls the student's counters back:
// the attendance count drops by one when the deleted day counted as
// attended, and the percentage and last attendance are recomputed from
// what remains.
func (s *HistoryService) DeleteRecord(ctx context.Context, studentID, recordID string) (*models.DeleteResult, error) {
	s.locks.Lock(studentID)
	defer s.locks.Unlock(studentID)

	for attempt := 0; ; attempt++ {
		result, err := s.deleteOnce(ctx, studentID, recordID)
		if err == nil {
			return result, nil
		}
		if !isConflict(err) {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.ObserveWriteConflict()
		}
		if attempt >= s.retries {
			return nil, err
		}
		s.logger.Warn("record delete conflicted, retrying",
			zap.String("student_id", studentID),
			zap.String("record_id", recordID),
			zap.Int("attempt", attempt+1))
	}
}

func (s *HistoryService) deleteOnce(ctx context.Context, studentID, recordID string) (*models.DeleteResult, error) {
	student, err := s.loadStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	record, err := s.records.FindRecord(ctx, studentID, recordID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "attendance record not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to load record")
	}

	count := student.AttendanceCount
	if record.Status.Attended() {
		count--
	}
	if count < 0 {
		count = 0
	}

	updated, deleted, err := s.records.ApplyDelete(ctx, repository.ApplyDeleteParams{
		StudentID:       studentID,
		RecordID:        recordID,
		AttendanceCount: count,
		ExpectedVersion: student.Version,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrConcurrentModification, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to delete record")
	}
	return &models.DeleteResult{Deleted: deleted, Student: updated}, nil
}

// ClearHistory removes a student's entire history and zeroes the ledger
// counters. Clearing an already empty history succeeds.
func (s *HistoryService) ClearHistory(ctx context.Context, studentID string) (*models.Student, error) {
	s.locks.Lock(studentID)
	defer s.locks.Unlock(studentID)

	for attempt := 0; ; attempt++ {
		student, err := s.clearOnce(ctx, studentID)
		if err == nil {
			return student, nil
		}
		if !isConflict(err) {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.ObserveWriteConflict()
		}
		if attempt >= s.retries {
			return nil, err
		}
		s.logger.Warn("history clear conflicted, retrying",
			zap.String("student_id", studentID),
			zap.Int("attempt", attempt+1))
	}
}

func (s *HistoryService) clearOnce(ctx context.Context, studentID string) (*models.Student, error) {
	student, err := s.loadStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	updated, err := s.records.ApplyClear(ctx, studentID, student.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrConcurrentModification, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to clear history")
	}
	return updated, nil
}

func (s *HistoryService) loadStudent(ctx context.Context, studentID string) (*models.Student, error) {
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to load student")
	}
	return student, nil
}

// historyStats folds per-status aggregates into the summary shape served
// with every history page. Days marked left count toward the total only.
func historyStats(counts []models.StatusCount, percentage float64) models.HistoryStats {
	stats := models.HistoryStats{AttendancePercentage: percentage}
	for _, c := range counts {
		stats.TotalDays += c.Count
		switch c.Status {
		case models.AttendanceStatusPresent, models.AttendanceStatusEntered:
			stats.PresentDays += c.Count
		case models.AttendanceStatusAbsent:
			stats.AbsentDays += c.Count
		}
	}
	return stats
}
