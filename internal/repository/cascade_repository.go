package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lesson-sync-api/internal/models"
)

// CascadeOps is the set of writes a cascade may issue inside one transaction.
type CascadeOps interface {
	LockTeacher(ctx context.Context, id string) (*models.Teacher, error)
	LockStudent(ctx context.Context, id string) (*models.Student, error)
	TeachersReferencingStudent(ctx context.Context, studentID string) ([]models.Teacher, error)
	StudentsReferencingTeacher(ctx context.Context, teacherID string) ([]models.Student, error)
	SaveTeacher(ctx context.Context, teacher *models.Teacher) error
	SaveStudent(ctx context.Context, student *models.Student) error
	PullOrchestraMember(ctx context.Context, studentID string) (int, error)
	PullTheoryEnrollment(ctx context.Context, studentID string) (int, error)
	ArchiveBagrut(ctx context.Context, studentID, reason string, at time.Time) (int, error)
	DetachBagrutTeacher(ctx context.Context, teacherID string) (int, error)
	ArchiveActivityAttendance(ctx context.Context, entityType models.EntityType, id, reason string, at time.Time) (int, error)
	CountImpact(ctx context.Context, entityType models.EntityType, id string) ([]models.CollectionImpact, error)
	InsertDeletionAudit(ctx context.Context, audit *models.DeletionAudit) error
}

// CascadeRepository runs cascade steps in a single database transaction.
type CascadeRepository struct {
	db *sqlx.DB
}

// NewCascadeRepository constructs a CascadeRepository.
func NewCascadeRepository(db *sqlx.DB) *CascadeRepository {
	return &CascadeRepository{db: db}
}

// WithinTx runs fn in a serializable transaction, committing only if fn succeeds.
func (r *CascadeRepository) WithinTx(ctx context.Context, fn func(CascadeOps) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin cascade tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&txCascadeOps{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit cascade tx: %w", err)
	}
	return nil
}

type txCascadeOps struct {
	tx *sqlx.Tx
}

func (o *txCascadeOps) LockTeacher(ctx context.Context, id string) (*models.Teacher, error) {
	return getTeacher(ctx, o.tx, `SELECT `+teacherColumns+` FROM teachers WHERE id = $1 FOR UPDATE`, id)
}

func (o *txCascadeOps) LockStudent(ctx context.Context, id string) (*models.Student, error) {
	return getStudent(ctx, o.tx, `SELECT `+studentColumns+` FROM students WHERE id = $1 FOR UPDATE`, id)
}

func (o *txCascadeOps) TeachersReferencingStudent(ctx context.Context, studentID string) ([]models.Teacher, error) {
	const query = `SELECT ` + teacherColumns + ` FROM teachers
	WHERE slots @> jsonb_build_array(jsonb_build_object('studentId', $1::text)) OR student_ids @> jsonb_build_array($1::text)
	ORDER BY id FOR UPDATE`
	var teachers []models.Teacher
	if err := o.tx.SelectContext(ctx, &teachers, query, studentID); err != nil {
		return nil, fmt.Errorf("lock teachers referencing student: %w", err)
	}
	return teachers, nil
}

func (o *txCascadeOps) StudentsReferencingTeacher(ctx context.Context, teacherID string) ([]models.Student, error) {
	const query = `SELECT ` + studentColumns + ` FROM students
	WHERE teacher_assignments @> jsonb_build_array(jsonb_build_object('teacherId', $1::text)) OR teacher_ids @> jsonb_build_array($1::text)
	ORDER BY id FOR UPDATE`
	var students []models.Student
	if err := o.tx.SelectContext(ctx, &students, query, teacherID); err != nil {
		return nil, fmt.Errorf("lock students referencing teacher: %w", err)
	}
	return students, nil
}

func (o *txCascadeOps) SaveTeacher(ctx context.Context, teacher *models.Teacher) error {
	return updateTeacher(ctx, o.tx, teacher)
}

func (o *txCascadeOps) SaveStudent(ctx context.Context, student *models.Student) error {
	return updateStudent(ctx, o.tx, student)
}

func (o *txCascadeOps) PullOrchestraMember(ctx context.Context, studentID string) (int, error) {
	const query = `UPDATE orchestras SET member_ids = member_ids - $1::text, updated_at = $2
	WHERE member_ids @> jsonb_build_array($1::text)`
	return o.exec(ctx, "pull orchestra member", query, studentID, time.Now().UTC())
}

func (o *txCascadeOps) PullTheoryEnrollment(ctx context.Context, studentID string) (int, error) {
	const query = `UPDATE theory_lessons SET student_ids = student_ids - $1::text
	WHERE student_ids @> jsonb_build_array($1::text)`
	return o.exec(ctx, "pull theory enrollment", query, studentID)
}

func (o *txCascadeOps) ArchiveBagrut(ctx context.Context, studentID, reason string, at time.Time) (int, error) {
	const query = `UPDATE bagrut_records SET is_active = FALSE, archived_reason = $2, archived_at = $3
	WHERE student_id = $1 AND is_active`
	return o.exec(ctx, "archive bagrut", query, studentID, reason, at)
}

func (o *txCascadeOps) DetachBagrutTeacher(ctx context.Context, teacherID string) (int, error) {
	const query = `UPDATE bagrut_records SET teacher_id = NULL WHERE teacher_id = $1 AND is_active`
	return o.exec(ctx, "detach bagrut teacher", query, teacherID)
}

func (o *txCascadeOps) ArchiveActivityAttendance(ctx context.Context, entityType models.EntityType, id, reason string, at time.Time) (int, error) {
	column := "student_id"
	if entityType == models.EntityTeacher {
		column = "teacher_id"
	}
	query := fmt.Sprintf(`UPDATE activity_attendance SET is_archived = TRUE, archived_reason = $2, archived_at = $3
	WHERE %s = $1 AND NOT is_archived`, column)
	return o.exec(ctx, "archive activity attendance", query, id, reason, at)
}

func (o *txCascadeOps) CountImpact(ctx context.Context, entityType models.EntityType, id string) ([]models.CollectionImpact, error) {
	return countImpact(ctx, o.tx, entityType, id)
}

func (o *txCascadeOps) InsertDeletionAudit(ctx context.Context, audit *models.DeletionAudit) error {
	if audit.ID == "" {
		audit.ID = uuid.NewString()
	}
	if audit.Timestamp.IsZero() {
		audit.Timestamp = time.Now().UTC()
	}
	const query = `INSERT INTO deletion_audits
	(id, entity_type, entity_id, deletion_type, cascade_operations, snapshot, timestamp, actor_id, reason)
	VALUES (:id, :entity_type, :entity_id, :deletion_type, :cascade_operations, :snapshot, :timestamp, :actor_id, :reason)`
	if _, err := o.tx.NamedExecContext(ctx, query, audit); err != nil {
		return fmt.Errorf("insert deletion audit: %w", err)
	}
	return nil
}

func (o *txCascadeOps) exec(ctx context.Context, op, query string, args ...interface{}) (int, error) {
	res, err := o.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", op, err)
	}
	return int(affected), nil
}
