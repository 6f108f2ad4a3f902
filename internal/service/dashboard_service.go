package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hasini383/attend-api/internal/dto"
	"github.com/hasini383/attend-api/internal/models"
	"github.com/hasini383/attend-api/pkg/config"
	appErrors "github.com/hasini383/attend-api/pkg/errors"
)

type dashboardLedgerReader interface {
	CountsForDay(ctx context.Context, day time.Time) ([]models.StatusCount, error)
	DayRoster(ctx context.Context, day time.Time) ([]models.DailyRosterRow, error)
}

type dashboardStudentCounter interface {
	CountActive(ctx context.Context) (int, error)
}

// rosterStatusNotMarked labels active students without a record for the day.
const rosterStatusNotMarked = "not_marked"

// DashboardService composes the daily attendance overview. Payloads are
// cached per day; mutations for the day invalidate them.
type DashboardService struct {
	ledger   dashboardLedgerReader
	students dashboardStudentCounter
	cache    *CacheService
	logger   *zap.Logger
	location *time.Location
	cacheTTL time.Duration
	now      func() time.Time
}

// NewDashboardService constructs a DashboardService. The timezone decides
// which calendar day "today" is and must match the ledger timezone.
func NewDashboardService(ledger dashboardLedgerReader, students dashboardStudentCounter, cache *CacheService, cfg config.DashboardConfig, timezone string, logger *zap.Logger) *DashboardService {
	if logger == nil {
		logger = zap.NewNop()
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		logger.Warn("unknown dashboard timezone, falling back to UTC", zap.String("timezone", timezone))
		location = time.UTC
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &DashboardService{
		ledger:   ledger,
		students: students,
		cache:    cache,
		logger:   logger,
		location: location,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// Attendance returns the attendance overview for one day and reports
// whether the payload came from cache. A nil day means today.
func (s *DashboardService) Attendance(ctx context.Context, day *time.Time, includeRoster bool) (*dto.AttendanceDashboardResponse, bool, error) {
	marker := s.dayMarker(day)
	cacheKey := fmt.Sprintf("dash:attendance:%s:%t", marker.Format("2006-01-02"), includeRoster)

	if s.cache != nil {
		var cached dto.AttendanceDashboardResponse
		hit, err := s.cache.Get(ctx, cacheKey, &cached)
		if err == nil && hit {
			return &cached, true, nil
		}
	}

	summary, err := s.compose(ctx, marker, includeRoster)
	if err != nil {
		return nil, false, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, summary, s.cacheTTL); err != nil {
			s.logger.Warn("dashboard cache write failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}
	return summary, false, nil
}

// InvalidateDay drops every cached payload for the given day. Mutation
// handlers call it after a successful mark, delete or clear.
func (s *DashboardService) InvalidateDay(ctx context.Context, day time.Time) {
	if s.cache == nil {
		return
	}
	pattern := fmt.Sprintf("dash:attendance:%s*", s.dayMarker(&day).Format("2006-01-02"))
	if err := s.cache.Invalidate(ctx, pattern); err != nil {
		s.logger.Warn("dashboard cache invalidation failed", zap.String("pattern", pattern), zap.Error(err))
	}
}

// InvalidateAll drops every cached day, for mutations that touch an
// unbounded set of days such as a history clear.
func (s *DashboardService) InvalidateAll(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, "dash:attendance:*"); err != nil {
		s.logger.Warn("dashboard cache invalidation failed", zap.String("pattern", "dash:attendance:*"), zap.Error(err))
	}
}

func (s *DashboardService) compose(ctx context.Context, marker time.Time, includeRoster bool) (*dto.AttendanceDashboardResponse, error) {
	active, err := s.students.CountActive(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "count active students")
	}
	counts, err := s.ledger.CountsForDay(ctx, marker)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "load day counts")
	}

	response := &dto.AttendanceDashboardResponse{
		Date:           marker.Format("2006-01-02"),
		ActiveStudents: active,
		Summary:        buildDaySummary(counts, active),
	}

	if includeRoster {
		rows, err := s.ledger.DayRoster(ctx, marker)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "load day roster")
		}
		response.Roster = buildRoster(rows)
	}
	return response, nil
}

// dayMarker normalises an optional date to the midnight-UTC marker used
// by the records table. Nil means the current day in the configured zone.
func (s *DashboardService) dayMarker(day *time.Time) time.Time {
	if day == nil {
		return dayOf(s.now(), s.location)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
}

// buildDaySummary folds per-status counts into the dashboard summary.
// AttendanceRate counts every student seen on site that day, including
// those who already left, against the active student count.
func buildDaySummary(counts []models.StatusCount, active int) dto.DaySummary {
	summary := dto.DaySummary{}
	for _, count := range counts {
		switch count.Status {
		case models.AttendanceStatusPresent:
			summary.Present = count.Count
		case models.AttendanceStatusEntered:
			summary.Entered = count.Count
		case models.AttendanceStatusLeft:
			summary.Left = count.Count
		case models.AttendanceStatusAbsent:
			summary.Absent = count.Count
		}
	}
	marked := summary.Present + summary.Entered + summary.Left + summary.Absent
	if notMarked := active - marked; notMarked > 0 {
		summary.NotMarked = notMarked
	}
	summary.OnSite = summary.Present + summary.Entered
	if active > 0 {
		attended := summary.Present + summary.Entered + summary.Left
		summary.AttendanceRate = float64(attended) / float64(active) * 100
	}
	return summary
}

func buildRoster(rows []models.DailyRosterRow) []dto.RosterEntry {
	entries := make([]dto.RosterEntry, 0, len(rows))
	for _, row := range rows {
		entry := dto.RosterEntry{
			IndexNumber: row.IndexNumber,
			FullName:    row.FullName,
			Status:      rosterStatusNotMarked,
			EntryTime:   row.EntryTime,
			LeaveTime:   row.LeaveTime,
		}
		if row.Status != nil {
			entry.Status = string(*row.Status)
		}
		entries = append(entries, entry)
	}
	return entries
}
