package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hasini383/attend-api/internal/models"
)

const recordColumns = "id, student_id, date, status, entry_time, leave_time, verified_by, scan_location, device_info, created_at, updated_at"

const studentColumns = "id, index_number, full_name, address, student_email, parent_email, parent_phone, status, attendance_count, attendance_percentage, last_attendance, version, created_at, updated_at"

// LedgerRepository handles persistence for attendance records and the
// counter columns they drive on the students table. Every mutating method
// runs in a single transaction so counters never drift from the history.
type LedgerRepository struct {
	db *sqlx.DB
}

// NewLedgerRepository constructs the repository.
func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// ListByDay returns the records for one student on one calendar day in
// insertion order. The unique (student_id, date) constraint keeps this at
// most one row for data written by this service; legacy imports may hold
// duplicates, which callers resolve by taking the first.
func (r *LedgerRepository) ListByDay(ctx context.Context, studentID string, day time.Time) ([]models.AttendanceRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM attendance_records
        WHERE student_id = $1 AND date = $2
        ORDER BY created_at ASC, id ASC`, recordColumns)
	var records []models.AttendanceRecord
	if err := r.db.SelectContext(ctx, &records, query, studentID, day); err != nil {
		return nil, fmt.Errorf("list records by day: %w", err)
	}
	return records, nil
}

// ListByStudent returns a student's records matching the filter plus the
// total filtered count.
func (r *LedgerRepository) ListByStudent(ctx context.Context, studentID string, filter models.HistoryFilter) ([]models.AttendanceRecord, int, error) {
	where := []string{"student_id = $1"}
	args := []interface{}{studentID}
	if filter.StartDate != nil {
		where = append(where, fmt.Sprintf("date >= $%d", len(args)+1))
		args = append(args, *filter.StartDate)
	}
	if filter.EndDate != nil {
		where = append(where, fmt.Sprintf("date <= $%d", len(args)+1))
		args = append(args, *filter.EndDate)
	}
	whereClause := strings.Join(where, " AND ")

	allowedSort := map[string]string{
		"date":       "date",
		"status":     "status",
		"entry_time": "entry_time",
		"leave_time": "leave_time",
		"created_at": "created_at",
	}
	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = "date"
	}
	column, ok := allowedSort[sortBy]
	if !ok {
		column = "date"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}

	paging := ""
	if filter.Limit != nil {
		limit := *filter.Limit
		if limit < 0 {
			limit = 0
		}
		paging = fmt.Sprintf(" LIMIT %d", limit)
	}
	if filter.Offset > 0 {
		paging += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	query := fmt.Sprintf(`SELECT %s FROM attendance_records
        WHERE %s
        ORDER BY %s %s, created_at ASC, id ASC%s`, recordColumns, whereClause, column, order, paging)

	var records []models.AttendanceRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM attendance_records WHERE %s", whereClause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}
	return records, total, nil
}

// FindRecord fetches one record scoped to its owning student. Returns
// sql.ErrNoRows when absent.
func (r *LedgerRepository) FindRecord(ctx context.Context, studentID, recordID string) (*models.AttendanceRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM attendance_records WHERE id = $1 AND student_id = $2", recordColumns)
	var record models.AttendanceRecord
	if err := r.db.GetContext(ctx, &record, query, recordID, studentID); err != nil {
		return nil, err
	}
	return &record, nil
}

// StatusCounts aggregates a student's entire history by status.
func (r *LedgerRepository) StatusCounts(ctx context.Context, studentID string) ([]models.StatusCount, error) {
	const query = `SELECT status, COUNT(*) AS count FROM attendance_records WHERE student_id = $1 GROUP BY status`
	var rows []models.StatusCount
	if err := r.db.SelectContext(ctx, &rows, query, studentID); err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	return rows, nil
}

// CountsForDay aggregates one calendar day by status across active students.
func (r *LedgerRepository) CountsForDay(ctx context.Context, day time.Time) ([]models.StatusCount, error) {
	const query = `SELECT ar.status, COUNT(*) AS count
        FROM attendance_records ar
        JOIN students s ON s.id = ar.student_id
        WHERE ar.date = $1 AND s.status = $2
        GROUP BY ar.status`
	var rows []models.StatusCount
	if err := r.db.SelectContext(ctx, &rows, query, day, models.StudentStatusActive); err != nil {
		return nil, fmt.Errorf("counts for day: %w", err)
	}
	return rows, nil
}

// DayRoster lists every active student with their record for the day, if any.
func (r *LedgerRepository) DayRoster(ctx context.Context, day time.Time) ([]models.DailyRosterRow, error) {
	const query = `SELECT s.index_number, s.full_name, ar.status, ar.entry_time, ar.leave_time
        FROM students s
        LEFT JOIN attendance_records ar ON ar.student_id = s.id AND ar.date = $1
        WHERE s.status = $2
        ORDER BY s.index_number ASC`
	var rows []models.DailyRosterRow
	if err := r.db.SelectContext(ctx, &rows, query, day, models.StudentStatusActive); err != nil {
		return nil, fmt.Errorf("day roster: %w", err)
	}
	return rows, nil
}

// ApplyMarkParams carries one fully resolved mark mutation. The record
// holds the merged post-mutation state; AttendanceCount is the new
// absolute counter value decided by the caller.
type ApplyMarkParams struct {
	Record          *models.AttendanceRecord
	AttendanceCount int
	LastAttendance  time.Time
	ExpectedVersion int64
}

// ApplyMark persists a mark mutation atomically: upserts the day's record,
// recomputes the attendance percentage over the full history, and writes
// the student counters under a version check. Returns sql.ErrNoRows
// (wrapped) when the version check fails.
func (r *LedgerRepository) ApplyMark(ctx context.Context, params ApplyMarkParams) (*models.Student, *models.AttendanceRecord, error) {
	record := params.Record
	now := time.Now().UTC()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin mark: %w", err)
	}
	commit := false
	defer func() {
		if !commit {
			tx.Rollback()
		}
	}()

	upsert := fmt.Sprintf(`INSERT INTO attendance_records (%s)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (student_id, date)
        DO UPDATE SET status = EXCLUDED.status, entry_time = EXCLUDED.entry_time, leave_time = EXCLUDED.leave_time,
            verified_by = EXCLUDED.verified_by, scan_location = EXCLUDED.scan_location, device_info = EXCLUDED.device_info,
            updated_at = EXCLUDED.updated_at
        RETURNING %s`, recordColumns, recordColumns)
	var stored models.AttendanceRecord
	if err := tx.GetContext(ctx, &stored, upsert,
		record.ID, record.StudentID, record.Date, record.Status, record.EntryTime, record.LeaveTime,
		record.VerifiedBy, record.ScanLocation, record.DeviceInfo, record.CreatedAt, record.UpdatedAt); err != nil {
		return nil, nil, fmt.Errorf("upsert record: %w", err)
	}

	percentage, err := recomputePercentage(ctx, tx, record.StudentID)
	if err != nil {
		return nil, nil, err
	}

	update := fmt.Sprintf(`UPDATE students
        SET attendance_count = $2, attendance_percentage = $3, last_attendance = $4, version = version + 1, updated_at = $5
        WHERE id = $1 AND version = $6
        RETURNING %s`, studentColumns)
	var student models.Student
	if err := tx.GetContext(ctx, &student, update,
		record.StudentID, params.AttendanceCount, percentage, params.LastAttendance, now, params.ExpectedVersion); err != nil {
		return nil, nil, fmt.Errorf("update student counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit mark: %w", err)
	}
	commit = true
	return &student, &stored, nil
}

// ApplyDeleteParams carries one resolved record deletion.
type ApplyDeleteParams struct {
	StudentID       string
	RecordID        string
	AttendanceCount int
	ExpectedVersion int64
}

// ApplyDelete removes one record atomically and recomputes the student's
// percentage and last attendance from the remaining history. Returns
// sql.ErrNoRows (wrapped) when the record is already gone or the version
// check fails.
func (r *LedgerRepository) ApplyDelete(ctx context.Context, params ApplyDeleteParams) (*models.Student, *models.AttendanceRecord, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin delete: %w", err)
	}
	commit := false
	defer func() {
		if !commit {
			tx.Rollback()
		}
	}()

	del := fmt.Sprintf("DELETE FROM attendance_records WHERE id = $1 AND student_id = $2 RETURNING %s", recordColumns)
	var deleted models.AttendanceRecord
	if err := tx.GetContext(ctx, &deleted, del, params.RecordID, params.StudentID); err != nil {
		return nil, nil, fmt.Errorf("delete record: %w", err)
	}

	percentage, err := recomputePercentage(ctx, tx, params.StudentID)
	if err != nil {
		return nil, nil, err
	}

	var latest sql.NullTime
	if err := tx.GetContext(ctx, &latest, "SELECT MAX(date) FROM attendance_records WHERE student_id = $1", params.StudentID); err != nil {
		return nil, nil, fmt.Errorf("latest record date: %w", err)
	}
	var lastAttendance *time.Time
	if latest.Valid {
		lastAttendance = &latest.Time
	}

	update := fmt.Sprintf(`UPDATE students
        SET attendance_count = $2, attendance_percentage = $3, last_attendance = $4, version = version + 1, updated_at = $5
        WHERE id = $1 AND version = $6
        RETURNING %s`, studentColumns)
	var student models.Student
	if err := tx.GetContext(ctx, &student, update,
		params.StudentID, params.AttendanceCount, percentage, lastAttendance, time.Now().UTC(), params.ExpectedVersion); err != nil {
		return nil, nil, fmt.Errorf("update student counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit delete: %w", err)
	}
	commit = true
	return &student, &deleted, nil
}

// ApplyClear removes a student's entire history and zeroes the counters.
// Succeeds also when the history is already empty. Returns sql.ErrNoRows
// (wrapped) when the version check fails.
func (r *LedgerRepository) ApplyClear(ctx context.Context, studentID string, expectedVersion int64) (*models.Student, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin clear: %w", err)
	}
	commit := false
	defer func() {
		if !commit {
			tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "DELETE FROM attendance_records WHERE student_id = $1", studentID); err != nil {
		return nil, fmt.Errorf("clear records: %w", err)
	}

	update := fmt.Sprintf(`UPDATE students
        SET attendance_count = 0, attendance_percentage = 0, last_attendance = NULL, version = version + 1, updated_at = $2
        WHERE id = $1 AND version = $3
        RETURNING %s`, studentColumns)
	var student models.Student
	if err := tx.GetContext(ctx, &student, update, studentID, time.Now().UTC(), expectedVersion); err != nil {
		return nil, fmt.Errorf("update student counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit clear: %w", err)
	}
	commit = true
	return &student, nil
}

// recomputePercentage derives the attendance percentage from the full
// history inside the caller's transaction. Days with status present or
// entered count as attended; an empty history yields 0.
func recomputePercentage(ctx context.Context, tx *sqlx.Tx, studentID string) (float64, error) {
	const query = `SELECT COUNT(*) FILTER (WHERE status IN ('present', 'entered')) AS attended, COUNT(*) AS total
        FROM attendance_records WHERE student_id = $1`
	var agg struct {
		Attended int `db:"attended"`
		Total    int `db:"total"`
	}
	if err := tx.GetContext(ctx, &agg, query, studentID); err != nil {
		return 0, fmt.Errorf("recompute percentage: %w", err)
	}
	if agg.Total == 0 {
		return 0, nil
	}
	return float64(agg.Attended) / float64(agg.Total) * 100, nil
}
