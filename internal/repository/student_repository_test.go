package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lesson-sync-api/internal/models"
)

var studentRowColumns = []string{"id", "full_name", "status", "teacher_ids", "teacher_assignments", "version", "created_at", "updated_at", "deleted_at"}

func TestStudentRepositoryGetByID(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	now := time.Now()
	assignments := `[{"id":"a-1","teacherId":"t-1","slotId":"slot-1","startDate":"2024-09-01T00:00:00Z","isActive":true,
		"scheduleInfo":{"day":"MONDAY","startTime":"14:00","endTime":"14:45","durationMinutes":45},
		"createdAt":"2024-09-01T00:00:00Z","updatedAt":"2024-09-01T00:00:00Z"}]`
	mock.ExpectQuery(regexp.QuoteMeta("FROM students WHERE id = $1")).
		WithArgs("st-1").
		WillReturnRows(sqlmock.NewRows(studentRowColumns).
			AddRow("st-1", "Noa", "ACTIVE", []byte(`["t-1"]`), []byte(assignments), 2, now, now, nil))

	student, err := repo.GetByID(context.Background(), "st-1")
	require.NoError(t, err)
	require.Len(t, student.TeacherAssignments, 1)
	assert.Equal(t, "14:45", student.TeacherAssignments[0].ScheduleInfo.EndTime)
	assert.True(t, student.ActiveTeachers().Equal(student.TeacherIDs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryUpdateStale(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	student := &models.Student{ID: "st-1", Status: models.StatusActive, Version: 7}
	mock.ExpectExec("UPDATE students SET .* WHERE id = \\$7 AND version = \\$8").
		WithArgs(sqlmock.AnyArg(), models.StatusActive, sqlmock.AnyArg(), sqlmock.AnyArg(), nil, sqlmock.AnyArg(), "st-1", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.Update(context.Background(), student), ErrStaleDocument)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryListBatch(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM students WHERE id > $1 ORDER BY id LIMIT $2")).
		WithArgs("", 2).
		WillReturnRows(sqlmock.NewRows(studentRowColumns).
			AddRow("st-1", "A", "ACTIVE", nil, nil, 1, now, now, nil).
			AddRow("st-2", "B", "INACTIVE", []byte(`[]`), []byte(`[]`), 1, now, now, nil))

	students, err := repo.ListBatch(context.Background(), "", 2)
	require.NoError(t, err)
	require.Len(t, students, 2)
	assert.Empty(t, students[0].TeacherAssignments)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryListByActiveTeacher(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	now := time.Now()
	mock.ExpectQuery(`FROM students\s+WHERE teacher_assignments @> jsonb_build_array\(jsonb_build_object\('teacherId', \$1::text, 'isActive', true\)\)`).
		WithArgs("t-1").
		WillReturnRows(sqlmock.NewRows(studentRowColumns).
			AddRow("st-1", "A", "ACTIVE", []byte(`["t-1"]`), []byte(`[]`), 3, now, now, nil))

	students, err := repo.ListByActiveTeacher(context.Background(), "t-1")
	require.NoError(t, err)
	require.Len(t, students, 1)
	assert.Equal(t, int64(3), students[0].Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}
