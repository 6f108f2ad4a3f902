package service

import (
	"time"

	"github.com/hasini383/attend-api/internal/models"
)

// dayOf truncates an instant to its calendar-day marker: midnight UTC of
// the date the instant falls on in loc. Records store this marker in
// their date column, so day equality is marker equality.
func dayOf(now time.Time, loc *time.Location) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// resolveToday returns the record belonging to the calendar day of now in
// loc, or nil when the day has no record. When several records share the
// day (only possible in legacy-imported data) the first in slice order
// wins; callers must update the resolved record rather than insert
// another one for the same day.
func resolveToday(records []models.AttendanceRecord, now time.Time, loc *time.Location) *models.AttendanceRecord {
	ny, nm, nd := now.In(loc).Date()
	for i := range records {
		ry, rm, rd := records[i].Date.UTC().Date()
		if ry == ny && rm == nm && rd == nd {
			return &records[i]
		}
	}
	return nil
}

// resolveScanIntent infers what an unlabeled scan means from the current
// state of today's record.
func resolveScanIntent(today *models.AttendanceRecord) models.AttendanceStatus {
	switch {
	case today == nil:
		return models.AttendanceStatusEntered
	case today.LeaveTime != nil:
		// Re-entry after leaving. The mutator's one-way rule keeps the
		// stored status "left" even though the scan counts as an entry.
		// TODO: confirm with the school office whether a re-entry scan
		// should reopen the day's status; legacy kept it "left".
		return models.AttendanceStatusEntered
	case today.EntryTime != nil:
		return models.AttendanceStatusLeft
	default:
		return models.AttendanceStatusEntered
	}
}
