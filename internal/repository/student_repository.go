package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lesson-sync-api/internal/models"
)

const studentColumns = "id, full_name, status, teacher_ids, teacher_assignments, version, created_at, updated_at, deleted_at"

// StudentRepository persists student documents.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs a StudentRepository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// GetByID fetches a student document regardless of status.
func (r *StudentRepository) GetByID(ctx context.Context, id string) (*models.Student, error) {
	return getStudent(ctx, r.db, `SELECT `+studentColumns+` FROM students WHERE id = $1`, id)
}

// ListBatch returns up to limit students with id greater than afterID.
func (r *StudentRepository) ListBatch(ctx context.Context, afterID string, limit int) ([]models.Student, error) {
	const query = `SELECT ` + studentColumns + ` FROM students WHERE id > $1 ORDER BY id LIMIT $2`
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, afterID, limit); err != nil {
		return nil, fmt.Errorf("list student batch: %w", err)
	}
	return students, nil
}

// ListByActiveTeacher returns live students carrying an active assignment with teacherID.
func (r *StudentRepository) ListByActiveTeacher(ctx context.Context, teacherID string) ([]models.Student, error) {
	const query = `SELECT ` + studentColumns + ` FROM students
	WHERE teacher_assignments @> jsonb_build_array(jsonb_build_object('teacherId', $1::text, 'isActive', true))
	AND status IN ('ACTIVE', 'PENDING_DELETION')
	ORDER BY id`
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, teacherID); err != nil {
		return nil, fmt.Errorf("list students by active teacher: %w", err)
	}
	return students, nil
}

// Update writes the document if its version still matches, then bumps the in-memory version.
func (r *StudentRepository) Update(ctx context.Context, student *models.Student) error {
	return updateStudent(ctx, r.db, student)
}

// ListIDsByStatus returns the ids of students in status.
func (r *StudentRepository) ListIDsByStatus(ctx context.Context, status models.EntityStatus) ([]string, error) {
	return listIDsByStatus(ctx, r.db, "students", status)
}

// SetStatus performs a guarded status transition.
func (r *StudentRepository) SetStatus(ctx context.Context, id string, from, to models.EntityStatus) error {
	return setStatus(ctx, r.db, "students", id, from, to)
}

func getStudent(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (*models.Student, error) {
	var student models.Student
	if err := sqlx.GetContext(ctx, q, &student, query, args...); err != nil {
		return nil, err
	}
	return &student, nil
}

func updateStudent(ctx context.Context, exec sqlx.ExecerContext, student *models.Student) error {
	now := time.Now().UTC()
	const query = `UPDATE students SET full_name = $1, status = $2, teacher_ids = $3, teacher_assignments = $4, deleted_at = $5,
	updated_at = $6, version = version + 1
	WHERE id = $7 AND version = $8`
	res, err := exec.ExecContext(ctx, query,
		student.FullName, student.Status, student.TeacherIDs, student.TeacherAssignments, student.DeletedAt,
		now, student.ID, student.Version)
	if err != nil {
		return fmt.Errorf("update student %s: %w", student.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update student rows affected: %w", err)
	}
	if affected == 0 {
		return ErrStaleDocument
	}
	student.Version++
	student.UpdatedAt = now
	return nil
}
