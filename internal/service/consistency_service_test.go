package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/lesson-sync-api/internal/dto"
	"github.com/noah-isme/lesson-sync-api/internal/models"
	appErrors "github.com/noah-isme/lesson-sync-api/pkg/errors"
)

var teacherAuthority = models.Authority{Relationship: models.SideTeacher, Schedule: models.SideTeacher}

func newConsistencyFixture(store *docStore) *ConsistencyService {
	return NewConsistencyService(memTeachers{store}, memStudents{store}, nil, nil, ConsistencyConfig{
		BatchSize: 2,
		Authority: teacherAuthority,
	}, zap.NewNop())
}

// seedDivergent builds a dataset with one or more issues of most kinds.
func seedDivergent(store *docStore) {
	teacher := &models.Teacher{ID: "teacher-a"}
	teacher.Slots = models.SlotList{
		seedSlot("slot-1", "MONDAY", "10:00", 45),
		seedSlot("slot-2", "MONDAY", "11:00", 45),
		seedSlot("slot-3", "TUESDAY", "10:00", 30),
	}
	student := &models.Student{ID: "student-s"}
	bind(teacher, student, "slot-1")
	// Stale student cache plus an incomplete duplicate of the slot-1 assignment.
	student.TeacherIDs = nil
	student.TeacherAssignments[0].UpdatedAt = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	student.TeacherAssignments = append(student.TeacherAssignments, models.Assignment{
		ID: "a-dup", TeacherID: "teacher-a", SlotID: "slot-1", IsActive: true,
		ScheduleInfo: models.ScheduleInfo{Day: "MONDAY"},
	})
	teacher.Slots[0].IsAvailable = true

	// slot-2 is held by student-u, who has no assignment and is missing from studentIds.
	teacher.Slots[1].Assign("student-u", time.Time{})
	// slot-3 carries a stale end time.
	teacher.Slots[2].EndTime = "10:45"

	store.putTeacher(teacher)
	store.putStudent(student)
	store.putStudent(&models.Student{ID: "student-u"})
	store.putStudent(&models.Student{
		ID:         "student-v",
		TeacherIDs: models.StringSet{"teacher-a"},
		TeacherAssignments: models.AssignmentList{{
			ID: "a-ghost", TeacherID: "teacher-a", SlotID: "slot-9", IsActive: true,
			ScheduleInfo: models.ScheduleInfo{Day: "FRIDAY", StartTime: "09:00", EndTime: "09:30", DurationMinutes: 30},
		}},
	})
}

type issueKey struct {
	kind       models.IssueKind
	entityType models.EntityType
	entityID   string
	field      string
	refID      string
	slotID     string
}

func issueKeys(issues []models.Issue) []issueKey {
	out := make([]issueKey, 0, len(issues))
	for _, i := range issues {
		out = append(out, issueKey{i.Kind, i.EntityType, i.EntityID, i.Field, i.RefID, i.SlotID})
	}
	return out
}

func TestDetectInconsistenciesCountsEachKind(t *testing.T) {
	store := newDocStore()
	seedDivergent(store)
	svc := newConsistencyFixture(store)

	report, err := svc.DetectInconsistencies(context.Background(), dto.DetectRequest{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.TeachersScanned)
	assert.Equal(t, 3, report.StudentsScanned)
	assert.Equal(t, 1, report.Counts[models.IssueDuplicateAssignment])
	assert.Equal(t, 2, report.Counts[models.IssueMissingMirror])
	assert.Equal(t, 1, report.Counts[models.IssueAvailabilityFlag])
	assert.Equal(t, 5, report.Counts[models.IssueFieldMismatch])
	assert.Equal(t, 0, report.Counts[models.IssueOrphanReference])
	assert.Equal(t, 9, report.Total)
	assert.Same(t, report, svc.LastReport())

	// Detection never writes.
	assert.True(t, store.teacher("teacher-a").Slots[0].IsAvailable)
	assert.Empty(t, store.student("student-u").TeacherAssignments)
}

func TestRepairDryRunMatchesAppliedActions(t *testing.T) {
	planned := newDocStore()
	seedDivergent(planned)
	applied := newDocStore()
	seedDivergent(applied)
	ctx := context.Background()

	plan, err := newConsistencyFixture(planned).Repair(ctx, dto.RepairRequest{DryRun: true})
	require.NoError(t, err)
	assert.True(t, plan.DryRun)
	assert.Zero(t, plan.Applied)
	assert.Empty(t, planned.student("student-u").TeacherAssignments)

	result, err := newConsistencyFixture(applied).Repair(ctx, dto.RepairRequest{})
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Equal(t, len(result.Actions), result.Applied)
	assert.ElementsMatch(t, issueKeys(plan.Actions), issueKeys(result.Actions))
}

func TestRepairIsIdempotent(t *testing.T) {
	docs := newDocStore()
	seedDivergent(docs)
	svc := newConsistencyFixture(docs)
	ctx := context.Background()

	first, err := svc.Repair(ctx, dto.RepairRequest{})
	require.NoError(t, err)
	assert.Equal(t, 9, first.Applied)

	teacher := docs.teacher("teacher-a")
	assert.False(t, teacher.Slot("slot-1").IsAvailable)
	assert.Equal(t, "10:30", teacher.Slot("slot-3").EndTime)
	assert.ElementsMatch(t, []string{"student-s", "student-u"}, teacher.StudentIDs.Sorted())

	u := docs.student("student-u")
	require.NotNil(t, u.ActiveAssignment("teacher-a", "slot-2"))
	assert.Equal(t, "11:45", u.ActiveAssignment("teacher-a", "slot-2").ScheduleInfo.EndTime)
	assert.True(t, u.TeacherIDs.Contains("teacher-a"))

	v := docs.student("student-v")
	assert.Nil(t, v.ActiveAssignment("teacher-a", "slot-9"))
	assert.Empty(t, v.TeacherIDs)

	s := docs.student("student-s")
	assert.Len(t, s.ActiveTeachers(), 1)
	assert.True(t, s.TeacherIDs.Contains("teacher-a"))

	second, err := svc.Repair(ctx, dto.RepairRequest{})
	require.NoError(t, err)
	assert.Zero(t, second.Applied)
	assert.Empty(t, second.Actions)

	report, err := svc.DetectInconsistencies(ctx, dto.DetectRequest{})
	require.NoError(t, err)
	assert.Zero(t, report.Total)
}

func TestOrphanedStudentReportedOnceAndRemoved(t *testing.T) {
	docs := newDocStore()
	teacher := &models.Teacher{ID: "teacher-a"}
	teacher.Slots = models.SlotList{
		seedSlot("slot-1", "MONDAY", "10:00", 45),
		seedSlot("slot-2", "MONDAY", "11:00", 45),
		seedSlot("slot-3", "MONDAY", "12:00", 45),
	}
	teacher.Slots[0].Assign("student-deleted", time.Time{})
	teacher.StudentIDs = models.StringSet{"student-deleted"}
	student := &models.Student{ID: "student-s"}
	bind(teacher, student, "slot-2")
	docs.putTeacher(teacher)
	docs.putStudent(student)
	untouched := docs.teacher("teacher-a").Slots[1:]

	svc := newConsistencyFixture(docs)
	ctx := context.Background()

	report, err := svc.DetectInconsistencies(ctx, dto.DetectRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.Counts[models.IssueOrphanReference])
	require.Len(t, report.Examples[models.IssueOrphanReference], 1)
	assert.Equal(t, "student-deleted", report.Examples[models.IssueOrphanReference][0].RefID)

	result, err := svc.Repair(ctx, dto.RepairRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)

	repaired := docs.teacher("teacher-a")
	assert.Nil(t, repaired.Slot("slot-1").StudentID)
	assert.True(t, repaired.Slot("slot-1").IsAvailable)
	assert.Equal(t, models.StringSet{"student-s"}, repaired.StudentIDs)
	assert.Equal(t, untouched, repaired.Slots[1:])
}

func TestInactiveStudentEdgeCountedOnceAsOrphan(t *testing.T) {
	docs := newDocStore()
	teacher := &models.Teacher{ID: "teacher-a"}
	teacher.Slots = models.SlotList{seedSlot("slot-1", "MONDAY", "10:00", 45)}
	student := &models.Student{ID: "student-x", Status: models.StatusInactive}
	bind(teacher, student, "slot-1")
	docs.putTeacher(teacher)
	docs.putStudent(student)

	svc := newConsistencyFixture(docs)
	ctx := context.Background()

	report, err := svc.DetectInconsistencies(ctx, dto.DetectRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Counts[models.IssueOrphanReference])
	require.Len(t, report.Examples[models.IssueOrphanReference], 1)
	orphan := report.Examples[models.IssueOrphanReference][0]
	assert.Equal(t, models.EntityTeacher, orphan.EntityType)
	assert.Equal(t, "student-x", orphan.RefID)

	require.Len(t, report.Examples[models.IssueFieldMismatch], 1)
	stale := report.Examples[models.IssueFieldMismatch][0]
	assert.Equal(t, models.EntityStudent, stale.EntityType)
	assert.Equal(t, "teacher-a", stale.RefID)
	assert.Equal(t, 2, report.Total)

	_, err = svc.Repair(ctx, dto.RepairRequest{})
	require.NoError(t, err)

	repaired := docs.teacher("teacher-a")
	assert.Nil(t, repaired.Slot("slot-1").StudentID)
	assert.Empty(t, repaired.StudentIDs)
	assert.Empty(t, docs.student("student-x").ActiveTeachers())
	assert.Empty(t, docs.student("student-x").TeacherIDs)

	report, err = svc.DetectInconsistencies(ctx, dto.DetectRequest{})
	require.NoError(t, err)
	assert.Zero(t, report.Total)
}

func TestInactiveTeacherReferencingMissingStudentIsOrphan(t *testing.T) {
	docs := newDocStore()
	teacher := &models.Teacher{ID: "teacher-a", Status: models.StatusInactive}
	teacher.Slots = models.SlotList{seedSlot("slot-1", "MONDAY", "10:00", 45)}
	teacher.Slots[0].Assign("student-missing", time.Time{})
	teacher.StudentIDs = models.StringSet{"student-missing"}
	docs.putTeacher(teacher)

	report, err := newConsistencyFixture(docs).DetectInconsistencies(context.Background(), dto.DetectRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.Counts[models.IssueOrphanReference])
}

func TestRepairFollowsDeclaredRelationshipAuthority(t *testing.T) {
	seed := func() *docStore {
		docs := newDocStore()
		teacher := &models.Teacher{ID: "teacher-a", Slots: models.SlotList{seedSlot("slot-1", "MONDAY", "10:00", 45)}}
		student := &models.Student{ID: "student-s"}
		bind(teacher, student, "slot-1")
		teacher.Slots[0].Release(time.Time{})
		teacher.StudentIDs = nil
		docs.putTeacher(teacher)
		docs.putStudent(student)
		return docs
	}
	ctx := context.Background()

	byTeacher := seed()
	_, err := newConsistencyFixture(byTeacher).Repair(ctx, dto.RepairRequest{})
	require.NoError(t, err)
	assert.Nil(t, byTeacher.student("student-s").ActiveAssignment("teacher-a", "slot-1"))
	assert.Empty(t, byTeacher.student("student-s").TeacherIDs)
	assert.True(t, byTeacher.teacher("teacher-a").Slot("slot-1").IsAvailable)

	byStudent := seed()
	studentSide := &models.Authority{Relationship: models.SideStudent}
	_, err = newConsistencyFixture(byStudent).Repair(ctx, dto.RepairRequest{Authority: studentSide})
	require.NoError(t, err)
	assert.NotNil(t, byStudent.student("student-s").ActiveAssignment("teacher-a", "slot-1"))
	teacher := byStudent.teacher("teacher-a")
	assert.True(t, teacher.Slot("slot-1").AssignedTo("student-s"))
	assert.False(t, teacher.Slot("slot-1").IsAvailable)
	assert.True(t, teacher.StudentIDs.Contains("student-s"))
}

func TestRepairBackfillsIncompleteAssignments(t *testing.T) {
	docs := newDocStore()
	teacher := &models.Teacher{ID: "teacher-a", Slots: models.SlotList{seedSlot("slot-1", "WEDNESDAY", "16:00", 60)}}
	student := &models.Student{ID: "student-s"}
	bind(teacher, student, "slot-1")
	student.TeacherAssignments[0].ScheduleInfo = models.ScheduleInfo{Day: "WEDNESDAY"}
	student.TeacherIDs = student.TeacherIDs.Add("teacher-b")
	student.TeacherAssignments = append(student.TeacherAssignments, models.Assignment{
		ID: "a-lost", TeacherID: "teacher-b", SlotID: "slot-gone", IsActive: true,
		ScheduleInfo: models.ScheduleInfo{Day: "THURSDAY", StartTime: "15:00"},
	})
	docs.putTeacher(teacher)
	docs.putTeacher(&models.Teacher{ID: "teacher-b"})
	docs.putStudent(student)

	svc := newConsistencyFixture(docs)
	ctx := context.Background()
	studentSide := &models.Authority{Relationship: models.SideStudent}

	result, err := svc.Repair(ctx, dto.RepairRequest{Authority: studentSide, Kinds: []models.IssueKind{models.IssueIncompleteRecord}})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Applied)

	repaired := docs.student("student-s")
	backfilled := repaired.ActiveAssignment("teacher-a", "slot-1")
	require.NotNil(t, backfilled)
	assert.Equal(t, models.ScheduleInfo{Day: "WEDNESDAY", StartTime: "16:00", EndTime: "17:00", DurationMinutes: 60}, backfilled.ScheduleInfo)
	assert.False(t, backfilled.NeedsReview)

	defaulted := repaired.ActiveAssignment("teacher-b", "slot-gone")
	require.NotNil(t, defaulted)
	assert.Equal(t, models.DefaultLessonDuration, defaulted.ScheduleInfo.DurationMinutes)
	assert.Equal(t, "15:45", defaulted.ScheduleInfo.EndTime)
	assert.True(t, defaulted.NeedsReview)

	// Filtered to one kind, nothing else was touched.
	assert.Empty(t, docs.teacher("teacher-b").Slots)

	again, err := svc.Repair(ctx, dto.RepairRequest{Authority: studentSide, Kinds: []models.IssueKind{models.IssueIncompleteRecord}})
	require.NoError(t, err)
	assert.Zero(t, again.Applied)
}

func TestRepairRejectsUnknownKindsAndAuthority(t *testing.T) {
	svc := newConsistencyFixture(newDocStore())
	ctx := context.Background()

	_, err := svc.Repair(ctx, dto.RepairRequest{Kinds: []models.IssueKind{"EVERYTHING"}})
	assert.True(t, appErrors.IsCode(err, appErrors.ErrValidation.Code))

	_, err = svc.Repair(ctx, dto.RepairRequest{Authority: &models.Authority{Relationship: "admin"}})
	assert.True(t, appErrors.IsCode(err, appErrors.ErrValidation.Code))
}

func TestExportReportRendersLatestDetection(t *testing.T) {
	docs := newDocStore()
	seedDivergent(docs)
	svc := newConsistencyFixture(docs)

	body, contentType, err := svc.ExportReport(context.Background(), dto.ExportRequest{})
	require.NoError(t, err)
	assert.Equal(t, "text/csv", contentType)
	assert.Contains(t, string(body), "kind,entity_type,entity_id")
	assert.Contains(t, string(body), string(models.IssueDuplicateAssignment))
	assert.NotNil(t, svc.LastReport())

	_, _, err = svc.ExportReport(context.Background(), dto.ExportRequest{Format: "xlsx"})
	assert.True(t, appErrors.IsCode(err, appErrors.ErrValidation.Code))
}
