package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hasini383/attend-api/internal/models"
	"github.com/hasini383/attend-api/pkg/config"
	appErrors "github.com/hasini383/attend-api/pkg/errors"
	"github.com/hasini383/attend-api/pkg/lock"
)

func newTestHistoryService(store *memLedger, retries int) *HistoryService {
	cfg := config.LedgerConfig{Timezone: "UTC", ConflictRetries: retries}
	return NewHistoryService(store, store, lock.NewKeyed(), cfg, nil, zap.NewNop())
}

func seedRecord(store *memLedger, studentID, id string, day time.Time, status models.AttendanceStatus) {
	store.records[studentID] = append(store.records[studentID], models.AttendanceRecord{
		ID:        id,
		StudentID: studentID,
		Date:      day,
		Status:    status,
	})
}

func marchDay(d int) time.Time {
	return time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC)
}

func seedWeek(store *memLedger) {
	seedRecord(store, "s1", "r1", marchDay(1), models.AttendanceStatusPresent)
	seedRecord(store, "s1", "r2", marchDay(2), models.AttendanceStatusEntered)
	seedRecord(store, "s1", "r3", marchDay(3), models.AttendanceStatusPresent)
	seedRecord(store, "s1", "r4", marchDay(4), models.AttendanceStatusAbsent)
	seedRecord(store, "s1", "r5", marchDay(5), models.AttendanceStatusLeft)
}

func TestHistoryQueryStatsIgnorePagination(t *testing.T) {
	store := newMemLedger(activeStudent("s1"))
	store.students["s1"].AttendancePercentage = 60
	seedWeek(store)
	svc := newTestHistoryService(store, 0)

	limit := 2
	page, err := svc.QueryHistory(context.Background(), "s1", models.HistoryFilter{Limit: &limit})
	require.NoError(t, err)

	assert.Len(t, page.Records, 2)
	assert.Equal(t, 5, page.Total)
	// Newest first by default.
	assert.Equal(t, "r5", page.Records[0].ID)
	assert.Equal(t, "r4", page.Records[1].ID)

	want := models.HistoryStats{TotalDays: 5, PresentDays: 3, AbsentDays: 1, AttendancePercentage: 60}
	assert.Equal(t, want, page.Stats)
}

func TestHistoryQueryDateRangeFiltersRecordsOnly(t *testing.T) {
	store := newMemLedger(activeStudent("s1"))
	seedWeek(store)
	svc := newTestHistoryService(store, 0)

	start, end := marchDay(2), marchDay(4)
	page, err := svc.QueryHistory(context.Background(), "s1", models.HistoryFilter{StartDate: &start, EndDate: &end})
	require.NoError(t, err)

	assert.Len(t, page.Records, 3)
	assert.Equal(t, 3, page.Total)
	// The summary still covers the full history.
	assert.Equal(t, 5, page.Stats.TotalDays)
	assert.Equal(t, 3, page.Stats.PresentDays)
}

func TestHistoryQuerySortAscending(t *testing.T) {
	store := newMemLedger(activeStudent("s1"))
	seedWeek(store)
	svc := newTestHistoryService(store, 0)

	page, err := svc.QueryHistory(context.Background(), "s1", models.HistoryFilter{SortOrder: "asc"})
	require.NoError(t, err)
	require.Len(t, page.Records, 5)
	assert.Equal(t, "r1", page.Records[0].ID)
	assert.Equal(t, "r5", page.Records[4].ID)
}

func TestHistoryQueryRejectsInvertedRange(t *testing.T) {
	store := newMemLedger(activeStudent("s1"))
	svc := newTestHistoryService(store, 0)

	start, end := marchDay(4), marchDay(2)
	_, err := svc.QueryHistory(context.Background(), "s1", models.HistoryFilter{StartDate: &start, EndDate: &end})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidDateRange.Code, appErrors.FromError(err).Code)
}

func TestHistoryQueryUnknownStudent(t *testing.T) {
	store := newMemLedger()
	svc := newTestHistoryService(store, 0)

	_, err := svc.QueryHistory(context.Background(), "ghost", models.HistoryFilter{})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestHistoryDeleteAttendedRecord(t *testing.T) {
	store := newMemLedger(activeStudent("s1"))
	store.students["s1"].AttendanceCount = 2
	store.students["s1"].AttendancePercentage = 100
	seedRecord(store, "s1", "r1", marchDay(1), models.AttendanceStatusPresent)
	seedRecord(store, "s1", "r2", marchDay(2), models.AttendanceStatusPresent)
	svc := newTestHistoryService(store, 0)

	result, err := svc.DeleteRecord(context.Background(), "s1", "r2")
	require.NoError(t, err)

	assert.Equal(t, "r2", result.Deleted.ID)
	assert.Equal(t, 1, result.Student.AttendanceCount)
	assert.Equal(t, 100.0, result.Student.AttendancePercentage)
	require.NotNil(t, result.Student.LastAttendance)
	assert.Equal(t, marchDay(1), *result.Student.LastAttendance)
	assert.Len(t, store.records["s1"], 1)
}

func TestHistoryDeleteAbsentRecordKeepsCount(t *testing.T) {
	store := newMemLedger(activeStudent("s1"))
	store.students["s1"].AttendanceCount = 1
	seedRecord(store, "s1", "r1", marchDay(1), models.AttendanceStatusPresent)
	seedRecord(store, "s1", "r2", marchDay(2), models.AttendanceStatusAbsent)
	svc := newTestHistoryService(store, 0)

	result, err := svc.DeleteRecord(context.Background(), "s1", "r2")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Student.AttendanceCount)
	assert.Equal(t, 100.0, result.Student.AttendancePercentage)
}

func TestHistoryDeleteLastRecordResetsLastAttendance(t *testing.T) {
	store := newMemLedger(activeStudent("s1"))
	store.students["s1"].AttendanceCount = 1
	seedRecord(store, "s1", "r1", marchDay(1), models.AttendanceStatusPresent)
	svc := newTestHistoryService(store, 0)

	result, err := svc.DeleteRecord(context.Background(), "s1", "r1")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Student.AttendanceCount)
	assert.Equal(t, 0.0, result.Student.AttendancePercentage)
	assert.Nil(t, result.Student.LastAttendance)
	assert.Empty(t, store.records["s1"])
}

func TestHistoryDeleteFloorsCountAtZero(t *testing.T) {
	store := newMemLedger(activeStudent("s1"))
	// Counter drifted below the history; deleting must not go negative.
	store.students["s1"].AttendanceCount = 0
	seedRecord(store, "s1", "r1", marchDay(1), models.AttendanceStatusEntered)
	svc := newTestHistoryService(store, 0)

	result, err := svc.DeleteRecord(context.Background(), "s1", "r1")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Student.AttendanceCount)
}

func TestHistoryDeleteMissingRecord(t *testing.T) {
	store := newMemLedger(activeStudent("s1"))
	svc := newTestHistoryService(store, 0)

	_, err := svc.DeleteRecord(context.Background(), "s1", "missing")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestHistoryDeleteUnknownStudent(t *testing.T) {
	store := newMemLedger()
	svc := newTestHistoryService(store, 0)

	_, err := svc.DeleteRecord(context.Background(), "ghost", "r1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestHistoryDeleteRetriesVersionConflicts(t *testing.T) {
	store := newMemLedger(activeStudent("s1"))
	store.students["s1"].AttendanceCount = 1
	seedRecord(store, "s1", "r1", marchDay(1), models.AttendanceStatusPresent)
	store.failWrites = 1
	metrics := &mockLedgerMetrics{}
	cfg := config.LedgerConfig{Timezone: "UTC", ConflictRetries: 2}
	svc := NewHistoryService(store, store, lock.NewKeyed(), cfg, metrics, zap.NewNop())

	result, err := svc.DeleteRecord(context.Background(), "s1", "r1")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Student.AttendanceCount)
	assert.Equal(t, 1, metrics.conflicts)
}

func TestHistoryClearResetsCounters(t *testing.T) {
	store := newMemLedger(activeStudent("s1"))
	store.students["s1"].AttendanceCount = 2
	store.students["s1"].AttendancePercentage = 60
	seedWeek(store)
	svc := newTestHistoryService(store, 0)

	student, err := svc.ClearHistory(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, student.AttendanceCount)
	assert.Equal(t, 0.0, student.AttendancePercentage)
	assert.Nil(t, student.LastAttendance)
	assert.Empty(t, store.records["s1"])
	assert.Equal(t, int64(2), student.Version)
}

func TestHistoryClearEmptyHistorySucceeds(t *testing.T) {
	store := newMemLedger(activeStudent("s1"))
	svc := newTestHistoryService(store, 0)

	student, err := svc.ClearHistory(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, student.AttendanceCount)
	assert.Nil(t, student.LastAttendance)
}
