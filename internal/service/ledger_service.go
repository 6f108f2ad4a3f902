package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hasini383/attend-api/internal/models"
	"github.com/hasini383/attend-api/internal/repository"
	"github.com/hasini383/attend-api/pkg/config"
	appErrors "github.com/hasini383/attend-api/pkg/errors"
	"github.com/hasini383/attend-api/pkg/lock"
)

type ledgerStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
	FindByIndexNumber(ctx context.Context, indexNumber string) (*models.Student, error)
}

type ledgerRecordStore interface {
	ListByDay(ctx context.Context, studentID string, day time.Time) ([]models.AttendanceRecord, error)
	ApplyMark(ctx context.Context, params repository.ApplyMarkParams) (*models.Student, *models.AttendanceRecord, error)
}

type ledgerNotifier interface {
	NotifyAttendance(event models.LedgerEvent)
}

type ledgerMetrics interface {
	ObserveMark(origin string, status models.AttendanceStatus)
	ObserveWriteConflict()
}

// Mark origins reported to metrics.
const (
	markOriginAdmin = "admin"
	markOriginScan  = "scan"
)

// LedgerService applies scan and admin events to student attendance
// ledgers. Mutations for one student are serialised through a keyed lock
// and backed by a version check on the student row, so counters stay
// consistent with the history under concurrent writes.
type LedgerService struct {
	students ledgerStudentReader
	records  ledgerRecordStore
	locks    *lock.Keyed
	notifier ledgerNotifier
	metrics  ledgerMetrics
	logger   *zap.Logger

	location        *time.Location
	defaultLocation string
	defaultDevice   string
	retries         int
	now             func() time.Time
}

// NewLedgerService constructs the ledger service. The keyed lock arena
// must be shared with every other service that mutates ledgers.
func NewLedgerService(students ledgerStudentReader, records ledgerRecordStore, locks *lock.Keyed, cfg config.LedgerConfig, notifier ledgerNotifier, metrics ledgerMetrics, logger *zap.Logger) *LedgerService {
	if locks == nil {
		locks = lock.NewKeyed()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Warn("unknown ledger timezone, falling back to UTC", zap.String("timezone", cfg.Timezone))
		location = time.UTC
	}
	retries := cfg.ConflictRetries
	if retries < 0 {
		retries = 0
	}
	return &LedgerService{
		students:        students,
		records:         records,
		locks:           locks,
		notifier:        notifier,
		metrics:         metrics,
		logger:          logger,
		location:        location,
		defaultLocation: cfg.DefaultScanLocation,
		defaultDevice:   cfg.DefaultDeviceInfo,
		retries:         retries,
		now:             time.Now,
	}
}

// MarkAttendance applies an explicitly labelled attendance event to the
// student's ledger and returns the updated student with the touched
// record.
func (s *LedgerService) MarkAttendance(ctx context.Context, studentID string, status models.AttendanceStatus, opts models.MarkOptions) (*models.MarkResult, error) {
	if !status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrInvalidStatus, fmt.Sprintf("unsupported attendance status %q", status))
	}
	result, err := s.mark(ctx, studentID, status, opts, false)
	if err != nil {
		return nil, err
	}
	s.report(markOriginAdmin, result)
	return result, nil
}

// Scan applies an unlabeled scan event: the intent (entered or left) is
// inferred from the current state of today's record, re-resolved on every
// conflict retry.
func (s *LedgerService) Scan(ctx context.Context, studentID string, opts models.MarkOptions) (*models.MarkResult, error) {
	result, err := s.mark(ctx, studentID, "", opts, true)
	if err != nil {
		return nil, err
	}
	s.report(markOriginScan, result)
	return result, nil
}

// ScanByIndexNumber resolves a printed index number to its student and
// applies an unlabeled scan, for gates that read the number itself
// instead of a signed pass.
func (s *LedgerService) ScanByIndexNumber(ctx context.Context, indexNumber string, opts models.MarkOptions) (*models.MarkResult, error) {
	student, err := s.resolveIndexNumber(ctx, indexNumber)
	if err != nil {
		return nil, err
	}
	return s.Scan(ctx, student.ID, opts)
}

// MarkByIndexNumber resolves a printed index number to its student and
// applies an explicitly labelled event, for admin consoles that work
// with index numbers rather than internal IDs.
func (s *LedgerService) MarkByIndexNumber(ctx context.Context, indexNumber string, status models.AttendanceStatus, opts models.MarkOptions) (*models.MarkResult, error) {
	student, err := s.resolveIndexNumber(ctx, indexNumber)
	if err != nil {
		return nil, err
	}
	return s.MarkAttendance(ctx, student.ID, status, opts)
}

func (s *LedgerService) resolveIndexNumber(ctx context.Context, indexNumber string) (*models.Student, error) {
	student, err := s.students.FindByIndexNumber(ctx, strings.ToUpper(strings.TrimSpace(indexNumber)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to load student")
	}
	return student, nil
}

// ResolveScanIntent reports what an unlabeled scan would currently mean
// for the student. Advisory: the answer can change before a subsequent
// mark, which is why Scan resolves the intent again under the lock.
func (s *LedgerService) ResolveScanIntent(ctx context.Context, studentID string) (models.AttendanceStatus, error) {
	if _, err := s.loadStudent(ctx, studentID); err != nil {
		return "", err
	}
	today, err := s.todayRecord(ctx, studentID, s.now().UTC())
	if err != nil {
		return "", err
	}
	return resolveScanIntent(today), nil
}

func (s *LedgerService) mark(ctx context.Context, studentID string, status models.AttendanceStatus, opts models.MarkOptions, unlabeled bool) (*models.MarkResult, error) {
	s.locks.Lock(studentID)
	defer s.locks.Unlock(studentID)

	for attempt := 0; ; attempt++ {
		result, err := s.markOnce(ctx, studentID, status, opts, unlabeled)
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
		s.logger.Warn("attendance write conflicted, retrying",
			zap.String("student_id", studentID),
			zap.Int("attempt", attempt+1))
	}
}

// markOnce performs one read-modify-write cycle. A sql.ErrNoRows from the
// version-checked write surfaces as ErrConcurrentModification for the
// caller's retry loop.
func (s *LedgerService) markOnce(ctx context.Context, studentID string, status models.AttendanceStatus, opts models.MarkOptions, unlabeled bool) (*models.MarkResult, error) {
	student, err := s.loadStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	records, err := s.records.ListByDay(ctx, studentID, dayOf(now, s.location))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to load today's record")
	}
	today := resolveToday(records, now, s.location)
	if unlabeled {
		status = resolveScanIntent(today)
	}

	record, count, created := s.applyEvent(student, today, status, opts, now)

	updated, stored, err := s.records.ApplyMark(ctx, repository.ApplyMarkParams{
		Record:          record,
		AttendanceCount: count,
		LastAttendance:  now,
		ExpectedVersion: student.Version,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrConcurrentModification, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to persist attendance")
	}
	return &models.MarkResult{Student: updated, Record: stored, Applied: status, Created: created}, nil
}

// applyEvent computes the post-event record state and attendance count.
// It never writes; the returned record carries the merged state for the
// repository to persist.
func (s *LedgerService) applyEvent(student *models.Student, today *models.AttendanceRecord, status models.AttendanceStatus, opts models.MarkOptions, now time.Time) (*models.AttendanceRecord, int, bool) {
	count := student.AttendanceCount

	if today == nil {
		record := &models.AttendanceRecord{
			StudentID:    student.ID,
			Date:         dayOf(now, s.location),
			Status:       status,
			VerifiedBy:   opts.VerifiedBy,
			ScanLocation: s.defaultLocation,
			DeviceInfo:   s.defaultDevice,
		}
		if opts.ScanLocation != "" {
			record.ScanLocation = opts.ScanLocation
		}
		if opts.DeviceInfo != "" {
			record.DeviceInfo = opts.DeviceInfo
		}
		switch status {
		case models.AttendanceStatusEntered, models.AttendanceStatusPresent:
			record.EntryTime = &now
		case models.AttendanceStatusLeft:
			record.LeaveTime = &now
		}
		if status == models.AttendanceStatusPresent {
			count++
		}
		return record, count, true
	}

	record := *today
	switch status {
	case models.AttendanceStatusLeft:
		// "left" always overwrites and is then sticky for the day.
		record.LeaveTime = &now
		record.Status = models.AttendanceStatusLeft
	case models.AttendanceStatusEntered, models.AttendanceStatusPresent:
		// First entry of the day wins.
		if record.EntryTime == nil {
			record.EntryTime = &now
		}
		if record.Status != models.AttendanceStatusLeft {
			record.Status = status
		}
		if status == models.AttendanceStatusPresent && record.LeaveTime == nil {
			count++
		}
	}

	// Non-destructive provenance merge: absent inputs keep prior values.
	if opts.VerifiedBy != nil {
		record.VerifiedBy = opts.VerifiedBy
	}
	if opts.ScanLocation != "" {
		record.ScanLocation = opts.ScanLocation
	}
	if opts.DeviceInfo != "" {
		record.DeviceInfo = opts.DeviceInfo
	}
	return &record, count, false
}

func (s *LedgerService) loadStudent(ctx context.Context, studentID string) (*models.Student, error) {
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to load student")
	}
	return student, nil
}

func (s *LedgerService) todayRecord(ctx context.Context, studentID string, now time.Time) (*models.AttendanceRecord, error) {
	records, err := s.records.ListByDay(ctx, studentID, dayOf(now, s.location))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to load today's record")
	}
	return resolveToday(records, now, s.location), nil
}

// report emits metrics and the fire-and-forget notification for a
// committed mutation. Neither can fail the mutation.
func (s *LedgerService) report(origin string, result *models.MarkResult) {
	if s.metrics != nil {
		s.metrics.ObserveMark(origin, result.Applied)
	}
	if s.notifier == nil {
		return
	}
	student := result.Student
	occurredAt := s.now().UTC()
	if student.LastAttendance != nil {
		occurredAt = *student.LastAttendance
	}
	s.notifier.NotifyAttendance(models.LedgerEvent{
		StudentID:   student.ID,
		IndexNumber: student.IndexNumber,
		StudentName: student.FullName,
		ParentEmail: student.ParentEmail,
		ParentPhone: student.ParentPhone,
		Status:      result.Applied,
		OccurredAt:  occurredAt,
		Location:    result.Record.ScanLocation,
	})
}

func isConflict(err error) bool {
	var appErr *appErrors.Error
	return errors.As(err, &appErr) && appErr.Code == appErrors.ErrConcurrentModification.Code
}
