package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hasini383/attend-api/internal/models"
)

func TestDayOfUsesConfiguredTimezone(t *testing.T) {
	colombo := time.FixedZone("UTC+05:30", 5*3600+30*60)
	lima := time.FixedZone("UTC-05:00", -5*3600)

	// 19:00 UTC on 10 March is already 00:30 on 11 March in Colombo.
	evening := time.Date(2026, 3, 10, 19, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), dayOf(evening, colombo))
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), dayOf(evening, time.UTC))

	// 02:00 UTC on 10 March is still 9 March west of Greenwich.
	early := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), dayOf(early, lima))
}

func TestDayOfIsStableWithinOneDay(t *testing.T) {
	colombo := time.FixedZone("UTC+05:30", 5*3600+30*60)
	morning := time.Date(2026, 3, 11, 7, 15, 0, 0, colombo)
	night := time.Date(2026, 3, 11, 23, 59, 59, 0, colombo)
	assert.Equal(t, dayOf(morning, colombo), dayOf(night, colombo))
}

func TestResolveTodayPicksCalendarDayRecord(t *testing.T) {
	colombo := time.FixedZone("UTC+05:30", 5*3600+30*60)
	// 11 March in Colombo while UTC still reads 10 March.
	now := time.Date(2026, 3, 10, 19, 0, 0, 0, time.UTC)
	records := []models.AttendanceRecord{
		{ID: "yesterday", Date: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)},
		{ID: "today", Date: time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)},
	}

	got := resolveToday(records, now, colombo)
	require.NotNil(t, got)
	assert.Equal(t, "today", got.ID)

	assert.Nil(t, resolveToday(records[:1], now, colombo))
	assert.Nil(t, resolveToday(nil, now, colombo))
}

func TestResolveTodayFirstDuplicateWins(t *testing.T) {
	day := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	records := []models.AttendanceRecord{
		{ID: "first", Date: day},
		{ID: "second", Date: day},
	}
	got := resolveToday(records, time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), time.UTC)
	require.NotNil(t, got)
	assert.Equal(t, "first", got.ID)
}

func TestResolveScanIntent(t *testing.T) {
	at := time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC)
	cases := []struct {
		name  string
		today *models.AttendanceRecord
		want  models.AttendanceStatus
	}{
		{"no record yet", nil, models.AttendanceStatusEntered},
		{"after entry", &models.AttendanceRecord{EntryTime: &at}, models.AttendanceStatusLeft},
		{"after leaving", &models.AttendanceRecord{EntryTime: &at, LeaveTime: &at}, models.AttendanceStatusEntered},
		{"record without times", &models.AttendanceRecord{}, models.AttendanceStatusEntered},
		{"leave without entry", &models.AttendanceRecord{LeaveTime: &at}, models.AttendanceStatusEntered},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, resolveScanIntent(tc.today))
		})
	}
}
