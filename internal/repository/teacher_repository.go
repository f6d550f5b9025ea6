package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lesson-sync-api/internal/models"
)

const teacherColumns = "id, full_name, status, student_ids, slots, version, created_at, updated_at, deleted_at"

// TeacherRepository persists teacher documents.
type TeacherRepository struct {
	db *sqlx.DB
}

// NewTeacherRepository constructs a TeacherRepository.
func NewTeacherRepository(db *sqlx.DB) *TeacherRepository {
	return &TeacherRepository{db: db}
}

// GetByID fetches a teacher document regardless of status.
func (r *TeacherRepository) GetByID(ctx context.Context, id string) (*models.Teacher, error) {
	return getTeacher(ctx, r.db, `SELECT `+teacherColumns+` FROM teachers WHERE id = $1`, id)
}

// FindBySlotID returns the teacher owning slotID.
func (r *TeacherRepository) FindBySlotID(ctx context.Context, slotID string) (*models.Teacher, error) {
	const query = `SELECT ` + teacherColumns + ` FROM teachers
	WHERE slots @> jsonb_build_array(jsonb_build_object('id', $1::text)) LIMIT 1`
	return getTeacher(ctx, r.db, query, slotID)
}

// ListBySlotStudent returns live teachers with at least one slot held by studentID.
func (r *TeacherRepository) ListBySlotStudent(ctx context.Context, studentID string) ([]models.Teacher, error) {
	const query = `SELECT ` + teacherColumns + ` FROM teachers
	WHERE slots @> jsonb_build_array(jsonb_build_object('studentId', $1::text))
	AND status IN ('ACTIVE', 'PENDING_DELETION')
	ORDER BY id`
	var teachers []models.Teacher
	if err := r.db.SelectContext(ctx, &teachers, query, studentID); err != nil {
		return nil, fmt.Errorf("list teachers by slot student: %w", err)
	}
	return teachers, nil
}

// ListBatch returns up to limit teachers with id greater than afterID.
func (r *TeacherRepository) ListBatch(ctx context.Context, afterID string, limit int) ([]models.Teacher, error) {
	const query = `SELECT ` + teacherColumns + ` FROM teachers WHERE id > $1 ORDER BY id LIMIT $2`
	var teachers []models.Teacher
	if err := r.db.SelectContext(ctx, &teachers, query, afterID, limit); err != nil {
		return nil, fmt.Errorf("list teacher batch: %w", err)
	}
	return teachers, nil
}

// Update writes the document if its version still matches, then bumps the in-memory version.
func (r *TeacherRepository) Update(ctx context.Context, teacher *models.Teacher) error {
	return updateTeacher(ctx, r.db, teacher)
}

// ListIDsByStatus returns the ids of teachers in status.
func (r *TeacherRepository) ListIDsByStatus(ctx context.Context, status models.EntityStatus) ([]string, error) {
	return listIDsByStatus(ctx, r.db, "teachers", status)
}

// SetStatus performs a guarded status transition.
func (r *TeacherRepository) SetStatus(ctx context.Context, id string, from, to models.EntityStatus) error {
	return setStatus(ctx, r.db, "teachers", id, from, to)
}

func getTeacher(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (*models.Teacher, error) {
	var teacher models.Teacher
	if err := sqlx.GetContext(ctx, q, &teacher, query, args...); err != nil {
		return nil, err
	}
	return &teacher, nil
}

func updateTeacher(ctx context.Context, exec sqlx.ExecerContext, teacher *models.Teacher) error {
	now := time.Now().UTC()
	const query = `UPDATE teachers SET full_name = $1, status = $2, student_ids = $3, slots = $4, deleted_at = $5,
	updated_at = $6, version = version + 1
	WHERE id = $7 AND version = $8`
	res, err := exec.ExecContext(ctx, query,
		teacher.FullName, teacher.Status, teacher.StudentIDs, teacher.Slots, teacher.DeletedAt,
		now, teacher.ID, teacher.Version)
	if err != nil {
		return fmt.Errorf("update teacher %s: %w", teacher.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update teacher rows affected: %w", err)
	}
	if affected == 0 {
		return ErrStaleDocument
	}
	teacher.Version++
	teacher.UpdatedAt = now
	return nil
}

func setStatus(ctx context.Context, exec sqlx.ExecerContext, table, id string, from, to models.EntityStatus) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $1, updated_at = $2, version = version + 1 WHERE id = $3 AND status = $4`, table)
	res, err := exec.ExecContext(ctx, query, to, time.Now().UTC(), id, from)
	if err != nil {
		return fmt.Errorf("set %s status: %w", table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set %s status rows affected: %w", table, err)
	}
	if affected == 0 {
		return ErrStaleDocument
	}
	return nil
}

func listIDsByStatus(ctx context.Context, q sqlx.QueryerContext, table string, status models.EntityStatus) ([]string, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE status = $1 ORDER BY id`, table)
	var ids []string
	if err := sqlx.SelectContext(ctx, q, &ids, query, status); err != nil {
		return nil, fmt.Errorf("list %s by status: %w", table, err)
	}
	return ids, nil
}
