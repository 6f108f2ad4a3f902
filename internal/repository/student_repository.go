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

// StudentRepository manages persistence for student records. Attendance
// counters are written exclusively by the LedgerRepository transactions.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs a StudentRepository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// List returns students matching the provided filters.
func (r *StudentRepository) List(ctx context.Context, filter models.StudentFilter) ([]models.Student, int, error) {
	conditions := []string{"1=1"}
	args := []interface{}{}

	if filter.Status != nil && filter.Status.Valid() {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, *filter.Status)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(LOWER(full_name) LIKE $%d OR LOWER(index_number) LIKE $%d)", len(args)+1, len(args)+1))
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}

	whereClause := strings.Join(conditions, " AND ")

	allowedSorts := map[string]string{
		"full_name":             "full_name",
		"index_number":          "index_number",
		"created_at":            "created_at",
		"attendance_percentage": "attendance_percentage",
		"last_attendance":       "last_attendance",
	}
	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = "created_at"
	}
	column, ok := allowedSorts[sortBy]
	if !ok {
		column = "created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT %s FROM students WHERE %s ORDER BY %s %s LIMIT %d OFFSET %d`,
		studentColumns, whereClause, column, order, size, offset)

	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list students: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM students WHERE %s", whereClause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count students: %w", err)
	}
	return students, total, nil
}

// FindByID fetches a student by ID. Returns sql.ErrNoRows when absent.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	query := fmt.Sprintf("SELECT %s FROM students WHERE id = $1", studentColumns)
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// FindByIndexNumber fetches a student by their index number. Returns
// sql.ErrNoRows when absent.
func (r *StudentRepository) FindByIndexNumber(ctx context.Context, indexNumber string) (*models.Student, error) {
	query := fmt.Sprintf("SELECT %s FROM students WHERE index_number = $1", studentColumns)
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, indexNumber); err != nil {
		return nil, err
	}
	return &student, nil
}

// ExistsByIndexNumber checks if a student with the given index number
// exists, optionally excluding an ID.
func (r *StudentRepository) ExistsByIndexNumber(ctx context.Context, indexNumber string, excludeID string) (bool, error) {
	query := "SELECT 1 FROM students WHERE index_number = $1"
	args := []interface{}{indexNumber}
	if excludeID != "" {
		query += " AND id <> $2"
		args = append(args, excludeID)
	}
	var exists int
	if err := r.db.GetContext(ctx, &exists, query+" LIMIT 1", args...); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check index number: %w", err)
	}
	return true, nil
}

// Create inserts a new student record with zeroed counters.
func (r *StudentRepository) Create(ctx context.Context, student *models.Student) error {
	if student.ID == "" {
		student.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if student.CreatedAt.IsZero() {
		student.CreatedAt = now
	}
	student.UpdatedAt = now
	const query = `INSERT INTO students (id, index_number, full_name, address, student_email, parent_email, parent_phone, status,
        attendance_count, attendance_percentage, last_attendance, version, created_at, updated_at)
        VALUES (:id, :index_number, :full_name, :address, :student_email, :parent_email, :parent_phone, :status,
        :attendance_count, :attendance_percentage, :last_attendance, :version, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, student); err != nil {
		return fmt.Errorf("create student: %w", err)
	}
	return nil
}

// Update modifies a student's profile fields. Counters and version are
// deliberately untouched here.
func (r *StudentRepository) Update(ctx context.Context, student *models.Student) error {
	student.UpdatedAt = time.Now().UTC()
	const query = `UPDATE students SET full_name = :full_name, address = :address, student_email = :student_email,
        parent_email = :parent_email, parent_phone = :parent_phone, status = :status, updated_at = :updated_at
        WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, student); err != nil {
		return fmt.Errorf("update student: %w", err)
	}
	return nil
}

// Delete removes a student; the schema cascades the attendance history.
func (r *StudentRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM students WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete student: %w", err)
	}
	return nil
}

// CountActive returns the number of active students.
func (r *StudentRepository) CountActive(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM students WHERE status = $1", models.StudentStatusActive); err != nil {
		return 0, fmt.Errorf("count active students: %w", err)
	}
	return count, nil
}
