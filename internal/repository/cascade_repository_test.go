package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lesson-sync-api/internal/models"
)

func TestCascadeRepositoryCommitsOnSuccess(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewCascadeRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orchestras SET member_ids = member_ids - $1::text")).
		WithArgs("st-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE bagrut_records SET is_active = FALSE").
		WithArgs("st-1", "student deleted", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO deletion_audits").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var pulled, archived int
	audit := &models.DeletionAudit{EntityType: models.EntityStudent, EntityID: "st-1", DeletionType: models.DeletionTypeCascade, ActorID: "admin"}
	err := repo.WithinTx(context.Background(), func(ops CascadeOps) error {
		var err error
		if pulled, err = ops.PullOrchestraMember(context.Background(), "st-1"); err != nil {
			return err
		}
		if archived, err = ops.ArchiveBagrut(context.Background(), "st-1", "student deleted", time.Now()); err != nil {
			return err
		}
		return ops.InsertDeletionAudit(context.Background(), audit)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, pulled)
	assert.Equal(t, 1, archived)
	assert.NotEmpty(t, audit.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCascadeRepositoryRollsBackOnStepFailure(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewCascadeRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE theory_lessons SET student_ids").
		WithArgs("st-1").
		WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectRollback()

	err := repo.WithinTx(context.Background(), func(ops CascadeOps) error {
		_, err := ops.PullTheoryEnrollment(context.Background(), "st-1")
		return err
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCascadeRepositoryCommitFailureSurfaces(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewCascadeRepository(db)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	err := repo.WithinTx(context.Background(), func(CascadeOps) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit cascade tx")
}

func TestCascadeOpsLockAndSaveStudent(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewCascadeRepository(db)

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM students WHERE id = $1 FOR UPDATE")).
		WithArgs("st-1").
		WillReturnRows(sqlmock.NewRows(studentRowColumns).
			AddRow("st-1", "Noa", "PENDING_DELETION", []byte(`[]`), []byte(`[]`), 5, now, now, nil))
	mock.ExpectExec("UPDATE students SET").
		WithArgs("Noa", models.StatusDeleted, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "st-1", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.WithinTx(context.Background(), func(ops CascadeOps) error {
		student, err := ops.LockStudent(context.Background(), "st-1")
		if err != nil {
			return err
		}
		student.Status = models.StatusDeleted
		student.DeletedAt = &now
		return ops.SaveStudent(context.Background(), student)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCascadeOpsArchiveActivityByTeacherColumn(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewCascadeRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("WHERE teacher_id = $1 AND NOT is_archived")).
		WithArgs("t-1", "teacher deleted", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	var n int
	err := repo.WithinTx(context.Background(), func(ops CascadeOps) error {
		var err error
		n, err = ops.ArchiveActivityAttendance(context.Background(), models.EntityTeacher, "t-1", "teacher deleted", time.Now())
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
