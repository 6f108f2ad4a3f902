package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/hasini383/attend-api/internal/models"
	appErrors "github.com/hasini383/attend-api/pkg/errors"
)

type studentRepository interface {
	List(ctx context.Context, filter models.StudentFilter) ([]models.Student, int, error)
	FindByID(ctx context.Context, id string) (*models.Student, error)
	FindByIndexNumber(ctx context.Context, indexNumber string) (*models.Student, error)
	ExistsByIndexNumber(ctx context.Context, indexNumber string, excludeID string) (bool, error)
	Create(ctx context.Context, student *models.Student) error
	Update(ctx context.Context, student *models.Student) error
	Delete(ctx context.Context, id string) error
}

// CreateStudentRequest holds payload for registering students.
type CreateStudentRequest struct {
	IndexNumber  string `json:"index_number" validate:"required"`
	FullName     string `json:"full_name" validate:"required"`
	Address      string `json:"address"`
	StudentEmail string `json:"student_email" validate:"omitempty,email"`
	ParentEmail  string `json:"parent_email" validate:"required,email"`
	ParentPhone  string `json:"parent_phone" validate:"required"`
}

// UpdateStudentRequest holds payload for updating student profiles. The
// index number is immutable and the ledger counters are owned by the
// attendance services, so neither appears here.
type UpdateStudentRequest struct {
	FullName     string `json:"full_name" validate:"required"`
	Address      string `json:"address"`
	StudentEmail string `json:"student_email" validate:"omitempty,email"`
	ParentEmail  string `json:"parent_email" validate:"required,email"`
	ParentPhone  string `json:"parent_phone" validate:"required"`
	Status       string `json:"status" validate:"required,student_status"`
}

// StudentService handles student registry use-cases.
type StudentService struct {
	repo      studentRepository
	validator *validator.Validate
	logger    *zap.Logger
}

// NewStudentService constructs the student service.
func NewStudentService(repo studentRepository, validate *validator.Validate, logger *zap.Logger) *StudentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &StudentService{repo: repo, validator: validate, logger: logger}
	svc.validator.RegisterValidation("student_status", func(fl validator.FieldLevel) bool {
		return models.StudentStatus(strings.ToLower(fl.Field().String())).Valid()
	})
	return svc
}

// List returns students and pagination metadata.
func (s *StudentService) List(ctx context.Context, filter models.StudentFilter) ([]models.Student, *models.Pagination, error) {
	students, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list students")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return students, pagination, nil
}

// Get returns one student with their ledger counters.
func (s *StudentService) Get(ctx context.Context, id string) (*models.Student, error) {
	student, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	return student, nil
}

// GetByIndexNumber returns the student carrying the printed index number.
func (s *StudentService) GetByIndexNumber(ctx context.Context, indexNumber string) (*models.Student, error) {
	student, err := s.repo.FindByIndexNumber(ctx, normalizeIndexNumber(indexNumber))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	return student, nil
}

// Create registers a new student with an empty ledger.
func (s *StudentService) Create(ctx context.Context, req CreateStudentRequest) (*models.Student, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}
	indexNumber := normalizeIndexNumber(req.IndexNumber)
	exists, err := s.repo.ExistsByIndexNumber(ctx, indexNumber, "")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate index number")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "index number already used")
	}
	student := &models.Student{
		IndexNumber:  indexNumber,
		FullName:     strings.TrimSpace(req.FullName),
		Address:      req.Address,
		StudentEmail: req.StudentEmail,
		ParentEmail:  req.ParentEmail,
		ParentPhone:  req.ParentPhone,
		Status:       models.StudentStatusActive,
	}
	if err := s.repo.Create(ctx, student); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create student")
	}
	return student, nil
}

// Update modifies an existing student's profile.
func (s *StudentService) Update(ctx context.Context, id string, req UpdateStudentRequest) (*models.Student, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}
	student, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	student.FullName = strings.TrimSpace(req.FullName)
	student.Address = req.Address
	student.StudentEmail = req.StudentEmail
	student.ParentEmail = req.ParentEmail
	student.ParentPhone = req.ParentPhone
	student.Status = models.StudentStatus(strings.ToLower(req.Status))
	if err := s.repo.Update(ctx, student); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update student")
	}
	return student, nil
}

// Delete removes a student together with their attendance history.
func (s *StudentService) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.FindByID(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete student")
	}
	return nil
}

func normalizeIndexNumber(indexNumber string) string {
	return strings.ToUpper(strings.TrimSpace(indexNumber))
}
