package dto

import "time"

// AttendanceDashboardResponse is the cached daily attendance overview.
type AttendanceDashboardResponse struct {
	Date           string        `json:"date"`
	ActiveStudents int           `json:"activeStudents"`
	Summary        DaySummary    `json:"summary"`
	Roster         []RosterEntry `json:"roster,omitempty"`
}

// DaySummary breaks one day down by ledger status. NotMarked counts the
// active students without a record for the day.
type DaySummary struct {
	Present        int     `json:"present"`
	Entered        int     `json:"entered"`
	Left           int     `json:"left"`
	Absent         int     `json:"absent"`
	NotMarked      int     `json:"notMarked"`
	OnSite         int     `json:"onSite"`
	AttendanceRate float64 `json:"attendanceRate"`
}

// RosterEntry is one active student's row in the daily roster.
type RosterEntry struct {
	IndexNumber string     `json:"indexNumber"`
	FullName    string     `json:"fullName"`
	Status      string     `json:"status"`
	EntryTime   *time.Time `json:"entryTime,omitempty"`
	LeaveTime   *time.Time `json:"leaveTime,omitempty"`
}
