package models

import "time"

// AttendanceStatus represents the status of a day's attendance record.
type AttendanceStatus string

const (
	AttendanceStatusPresent AttendanceStatus = "present"
	AttendanceStatusAbsent  AttendanceStatus = "absent"
	AttendanceStatusLeft    AttendanceStatus = "left"
	AttendanceStatusEntered AttendanceStatus = "entered"
)

// Valid returns true when the status is a supported value.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case AttendanceStatusPresent, AttendanceStatusAbsent, AttendanceStatusLeft, AttendanceStatusEntered:
		return true
	default:
		return false
	}
}

// Attended reports whether the status counts as a present day when
// computing the attendance percentage.
func (s AttendanceStatus) Attended() bool {
	return s == AttendanceStatusPresent || s == AttendanceStatusEntered
}

// AttendanceRecord is a single day's entry in a student's ledger. At most
// one record exists per student per calendar day.
type AttendanceRecord struct {
	ID        string           `db:"id" json:"id"`
	StudentID string           `db:"student_id" json:"student_id"`
	Date      time.Time        `db:"date" json:"date"`
	Status    AttendanceStatus `db:"status" json:"status"`
	EntryTime *time.Time       `db:"entry_time" json:"entry_time,omitempty"`
	LeaveTime *time.Time       `db:"leave_time" json:"leave_time,omitempty"`

	// Provenance. VerifiedBy is nil for self-service QR scans.
	VerifiedBy   *string `db:"verified_by" json:"verified_by,omitempty"`
	ScanLocation string  `db:"scan_location" json:"scan_location"`
	DeviceInfo   string  `db:"device_info" json:"device_info"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// MarkOptions carries the optional provenance of a mark event. Absent
// fields keep the prior record values (non-destructive merge).
type MarkOptions struct {
	VerifiedBy   *string
	DeviceInfo   string
	ScanLocation string
}

// MarkResult is the outcome of a ledger mutation. Applied is the status
// the event carried (the resolved intent for unlabeled scans); under the
// one-way "left" rule it can differ from the stored record status.
type MarkResult struct {
	Student *Student          `json:"student"`
	Record  *AttendanceRecord `json:"record"`
	Applied AttendanceStatus  `json:"applied"`
	Created bool              `json:"created"`
}

// HistoryFilter scopes history queries. Bounds are inclusive; either may
// be omitted independently. A nil Limit returns all filtered records.
type HistoryFilter struct {
	StartDate *time.Time
	EndDate   *time.Time
	SortBy    string
	SortOrder string
	Limit     *int
	Offset    int
}

// HistoryStats summarises a student's entire history, regardless of any
// filter or pagination applied to the accompanying record page.
type HistoryStats struct {
	TotalDays            int     `json:"total_days"`
	PresentDays          int     `json:"present_days"`
	AbsentDays           int     `json:"absent_days"`
	AttendancePercentage float64 `json:"attendance_percentage"`
}

// HistoryPage is the result of a history query.
type HistoryPage struct {
	Records []AttendanceRecord `json:"records"`
	Total   int                `json:"total"`
	Stats   HistoryStats       `json:"stats"`
}

// DeleteResult pairs a removed record with the recomputed student.
type DeleteResult struct {
	Deleted *AttendanceRecord `json:"deleted"`
	Student *Student          `json:"student"`
}

// StatusCount is a per-status aggregate row.
type StatusCount struct {
	Status AttendanceStatus `db:"status" json:"status"`
	Count  int              `db:"count" json:"count"`
}

// DailyRosterRow pairs an active student with their record for one day.
// Record fields are nil when the student has no record that day.
type DailyRosterRow struct {
	IndexNumber string            `db:"index_number" json:"index_number"`
	FullName    string            `db:"full_name" json:"full_name"`
	Status      *AttendanceStatus `db:"status" json:"status,omitempty"`
	EntryTime   *time.Time        `db:"entry_time" json:"entry_time,omitempty"`
	LeaveTime   *time.Time        `db:"leave_time" json:"leave_time,omitempty"`
}

// DailySummary aggregates one calendar day across all active students.
type DailySummary struct {
	Date           time.Time `json:"date"`
	ActiveStudents int       `json:"active_students"`
	Present        int       `json:"present"`
	Entered        int       `json:"entered"`
	Left           int       `json:"left"`
	Absent         int       `json:"absent"`
	Unrecorded     int       `json:"unrecorded"`
}

// LedgerEvent describes a committed mutation for downstream consumers
// (parent notifications, audit trails). Delivery failures never affect
// the ledger itself.
type LedgerEvent struct {
	StudentID   string           `json:"student_id"`
	IndexNumber string           `json:"index_number"`
	StudentName string           `json:"student_name"`
	ParentEmail string           `json:"parent_email"`
	ParentPhone string           `json:"parent_phone"`
	Status      AttendanceStatus `json:"status"`
	OccurredAt  time.Time        `json:"occurred_at"`
	Location    string           `json:"location"`
}
