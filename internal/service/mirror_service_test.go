package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/lesson-sync-api/internal/models"
)

func newMirrorFixture() (*MirrorService, *docStore) {
	store := newDocStore()
	teacher := &models.Teacher{ID: "teacher-a"}
	teacher.Slots = models.SlotList{seedSlot("slot-1", "MONDAY", "10:00", 45), seedSlot("slot-2", "MONDAY", "11:00", 45)}
	store.putTeacher(teacher)
	store.putStudent(&models.Student{ID: "student-s"})
	return NewMirrorService(memTeachers{store}, memStudents{store}, nil, 3, zap.NewNop()), store
}

func TestMirrorAssignRemovesAssignmentWhenTeacherLinkFails(t *testing.T) {
	mirror, store := newMirrorFixture()
	store.failTeacherWrite = func(*models.Teacher) error { return errors.New("connection reset") }

	slot := store.teacher("teacher-a").Slot("slot-1")
	result, err := mirror.MirrorAssign(context.Background(), "teacher-a", "student-s", *slot, MirrorOptions{})
	require.Error(t, err)
	assert.Nil(t, result)

	student := store.student("student-s")
	assert.Empty(t, student.TeacherAssignments)
	assert.False(t, student.TeacherIDs.Contains("teacher-a"))
}

func TestMirrorAssignKeepsExistingLinkWhenTeacherLinkFails(t *testing.T) {
	mirror, store := newMirrorFixture()
	ctx := context.Background()
	teacher := store.teacher("teacher-a")
	student := store.student("student-s")
	bind(teacher, student, "slot-1")
	teacher.StudentIDs = nil
	store.putTeacher(teacher)
	store.putStudent(student)
	store.failTeacherWrite = func(*models.Teacher) error { return errors.New("connection reset") }

	_, err := mirror.MirrorAssign(ctx, "teacher-a", "student-s", *teacher.Slot("slot-2"), MirrorOptions{})
	require.Error(t, err)

	after := store.student("student-s")
	require.Len(t, after.TeacherAssignments, 1)
	assert.Equal(t, "slot-1", after.TeacherAssignments[0].SlotID)
	assert.True(t, after.TeacherIDs.Contains("teacher-a"))
}

func TestMirrorAssignLinksBothSides(t *testing.T) {
	mirror, store := newMirrorFixture()
	mirror.now = func() time.Time { return time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC) }

	slot := store.teacher("teacher-a").Slot("slot-1")
	result, err := mirror.MirrorAssign(context.Background(), "teacher-a", "student-s", *slot, MirrorOptions{})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "10:45", result.ScheduleInfo.EndTime)
	assert.True(t, store.teacher("teacher-a").StudentIDs.Contains("student-s"))
	assert.NotNil(t, store.student("student-s").ActiveAssignment("teacher-a", "slot-1"))
}
