package models

import "time"

// StudentStatus represents the enrolment state of a student.
type StudentStatus string

const (
	StudentStatusActive    StudentStatus = "active"
	StudentStatusInactive  StudentStatus = "inactive"
	StudentStatusSuspended StudentStatus = "suspended"
)

// Valid returns true when the status is a supported value.
func (s StudentStatus) Valid() bool {
	switch s {
	case StudentStatusActive, StudentStatusInactive, StudentStatusSuspended:
		return true
	default:
		return false
	}
}

// Student represents a learner registered in the institution. The
// attendance counters are denormalised caches over the student's
// attendance history and are recomputed on every ledger mutation.
type Student struct {
	ID           string        `db:"id" json:"id"`
	IndexNumber  string        `db:"index_number" json:"index_number"`
	FullName     string        `db:"full_name" json:"full_name"`
	Address      string        `db:"address" json:"address"`
	StudentEmail string        `db:"student_email" json:"student_email"`
	ParentEmail  string        `db:"parent_email" json:"parent_email"`
	ParentPhone  string        `db:"parent_phone" json:"parent_phone"`
	Status       StudentStatus `db:"status" json:"status"`

	AttendanceCount      int        `db:"attendance_count" json:"attendance_count"`
	AttendancePercentage float64    `db:"attendance_percentage" json:"attendance_percentage"`
	LastAttendance       *time.Time `db:"last_attendance" json:"last_attendance,omitempty"`

	// Version guards concurrent counter updates; bumped on every write.
	Version   int64     `db:"version" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// StudentFilter encapsulates allowed search parameters for listing students.
type StudentFilter struct {
	Search    string
	Status    *StudentStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
