package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/lesson-sync-api/internal/models"
	appErrors "github.com/noah-isme/lesson-sync-api/pkg/errors"
	"github.com/noah-isme/lesson-sync-api/pkg/timeutil"
)

// resolver answers counterpart lookups during reconciliation. Absent documents resolve to nil.
type resolver interface {
	teacher(ctx context.Context, id string) (*models.Teacher, error)
	student(ctx context.Context, id string) (*models.Student, error)
	teachersHolding(ctx context.Context, studentID string) ([]models.Teacher, error)
	studentsAssignedTo(ctx context.Context, teacherID string) ([]models.Student, error)
}

// reconciler computes the corrected state of a single document. It only ever mutates the
// document it is handed; the counterpart's pass fixes the other side.
type reconciler struct {
	authority       models.Authority
	defaultDuration int
	kinds           map[models.IssueKind]bool
	now             time.Time
}

type outcome struct {
	entityType models.EntityType
	entityID   string
	kinds      map[models.IssueKind]bool
	issues     []models.Issue
	unresolved []models.RecordError
}

func (o *outcome) record(kind models.IssueKind, field, refID, slotID, detail, fix string) bool {
	if len(o.kinds) > 0 && !o.kinds[kind] {
		return false
	}
	o.issues = append(o.issues, models.Issue{
		Kind:       kind,
		EntityType: o.entityType,
		EntityID:   o.entityID,
		Field:      field,
		RefID:      refID,
		SlotID:     slotID,
		Detail:     detail,
		Fix:        fix,
	})
	return true
}

func (o *outcome) unresolvable(message string) {
	o.unresolved = append(o.unresolved, models.RecordError{
		EntityType: o.entityType,
		EntityID:   o.entityID,
		Code:       appErrors.ErrFatal.Code,
		Message:    message,
	})
}

func (o *outcome) changed() bool {
	return len(o.issues) > 0
}

func (r *reconciler) newOutcome(entityType models.EntityType, id string) *outcome {
	return &outcome{entityType: entityType, entityID: id, kinds: r.kinds}
}

// canonicalSchedule normalizes timing so end time always derives from start and duration.
func canonicalSchedule(info models.ScheduleInfo) models.ScheduleInfo {
	if end, err := timeutil.EndTime(info.StartTime, info.DurationMinutes); err == nil && info.DurationMinutes > 0 {
		info.EndTime = end
	}
	return info
}

func slotSchedule(s models.Slot) models.ScheduleInfo {
	return canonicalSchedule(models.ScheduleFromSlot(s))
}

// defaulted fills what can be derived without a slot and applies the default duration.
func (r *reconciler) defaulted(info models.ScheduleInfo) models.ScheduleInfo {
	if info.DurationMinutes <= 0 {
		info.DurationMinutes = r.defaultDuration
	}
	if info.StartTime != "" {
		if end, err := timeutil.EndTime(info.StartTime, info.DurationMinutes); err == nil {
			info.EndTime = end
		}
	}
	return info
}

// student reconciles a student document: duplicates, orphaned teachers, unmirrored
// assignments, incomplete or mismatched timing and the teacherIds cache.
func (r *reconciler) student(ctx context.Context, st *models.Student, res resolver) (*outcome, error) {
	out := r.newOutcome(models.EntityStudent, st.ID)

	if !st.Status.IsActive() {
		refs := append(models.StringSet(nil), st.TeacherIDs...)
		for _, id := range st.ActiveTeachers() {
			refs = refs.Add(id)
		}
		for _, teacherID := range refs.Sorted() {
			t, err := res.teacher(ctx, teacherID)
			if err != nil {
				return nil, err
			}
			// A live teacher reports the orphaned student id itself; this side is stale state.
			kind, detail := models.IssueOrphanReference, fmt.Sprintf("student is %s and teacher %s does not exist", st.Status, teacherID)
			if t != nil && t.Status.IsActive() {
				kind, detail = models.IssueFieldMismatch, fmt.Sprintf("student is %s but still holds assignments with teacher %s", st.Status, teacherID)
			} else if t != nil {
				detail = fmt.Sprintf("student is %s and teacher %s is %s", st.Status, teacherID, t.Status)
			}
			if out.record(kind, "teacherAssignments", teacherID, "", detail, "deactivate assignments and drop teacher id") {
				r.dropTeacher(st, teacherID)
			}
		}
		return out, nil
	}

	r.dedupeAssignments(st, out)

	teachers := make(map[string]*models.Teacher)
	orphans := make(map[string]bool)
	refs := append(models.StringSet(nil), st.TeacherIDs...)
	for _, id := range st.ActiveTeachers() {
		refs = refs.Add(id)
	}
	for _, teacherID := range refs.Sorted() {
		t, err := res.teacher(ctx, teacherID)
		if err != nil {
			return nil, err
		}
		if t != nil && t.Status.IsActive() {
			teachers[teacherID] = t
			continue
		}
		orphans[teacherID] = true
		detail := fmt.Sprintf("teacher %s does not exist", teacherID)
		if t != nil {
			detail = fmt.Sprintf("teacher %s is %s", teacherID, t.Status)
		}
		if out.record(models.IssueOrphanReference, "teacherIds", teacherID, "", detail, "deactivate assignments and drop teacher id") {
			r.dropTeacher(st, teacherID)
		}
	}

	for i := range st.TeacherAssignments {
		a := &st.TeacherAssignments[i]
		if !a.IsActive || orphans[a.TeacherID] {
			continue
		}
		t := teachers[a.TeacherID]
		slot := t.Slot(a.SlotID)
		bound := slot != nil && slot.AssignedTo(st.ID)

		if !bound && r.authority.Relationship == models.SideTeacher {
			detail := fmt.Sprintf("slot %s no longer exists on teacher %s", a.SlotID, t.ID)
			if slot != nil && slot.StudentID == nil {
				detail = fmt.Sprintf("slot %s on teacher %s is available", a.SlotID, t.ID)
			} else if slot != nil {
				detail = fmt.Sprintf("slot %s on teacher %s is held by student %s", a.SlotID, t.ID, *slot.StudentID)
			}
			if out.record(models.IssueMissingMirror, "teacherAssignments", t.ID, a.SlotID, detail, "deactivate assignment") {
				a.Deactivate(r.now)
			}
			continue
		}

		switch {
		case !a.ScheduleInfo.Complete():
			if bound {
				if out.record(models.IssueIncompleteRecord, "scheduleInfo", t.ID, a.SlotID,
					"assignment is missing scheduling fields", "backfill from slot") {
					a.ScheduleInfo = slotSchedule(*slot)
					a.NeedsReview = false
					a.UpdatedAt = r.now
				}
				continue
			}
			filled := r.defaulted(a.ScheduleInfo)
			if filled == a.ScheduleInfo && a.NeedsReview {
				continue
			}
			if out.record(models.IssueIncompleteRecord, "scheduleInfo", t.ID, a.SlotID,
				"assignment is missing scheduling fields and its slot is unavailable",
				fmt.Sprintf("default duration to %d minutes and flag for review", r.defaultDuration)) {
				a.ScheduleInfo = filled
				a.NeedsReview = true
				a.UpdatedAt = r.now
			}
		case bound && r.authority.Schedule == models.SideTeacher && canonicalSchedule(a.ScheduleInfo) != slotSchedule(*slot):
			if out.record(models.IssueFieldMismatch, "scheduleInfo", t.ID, a.SlotID,
				fmt.Sprintf("assignment timing %s %s/%d differs from slot %s %s/%d",
					a.ScheduleInfo.Day, a.ScheduleInfo.StartTime, a.ScheduleInfo.DurationMinutes,
					slot.Day, slot.StartTime, slot.DurationMinutes),
				"copy timing from slot") {
				a.ScheduleInfo = slotSchedule(*slot)
				a.NeedsReview = false
				a.UpdatedAt = r.now
			}
		case canonicalSchedule(a.ScheduleInfo) != a.ScheduleInfo:
			if out.record(models.IssueFieldMismatch, "scheduleInfo.endTime", t.ID, a.SlotID,
				fmt.Sprintf("end time %s does not match start and duration", a.ScheduleInfo.EndTime),
				"recompute end time") {
				a.ScheduleInfo = canonicalSchedule(a.ScheduleInfo)
				a.UpdatedAt = r.now
			}
		}
	}

	if r.authority.Relationship == models.SideTeacher {
		holders, err := res.teachersHolding(ctx, st.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range holders {
			if !t.Status.IsActive() {
				continue
			}
			for _, slot := range t.Slots {
				if !slot.AssignedTo(st.ID) || st.ActiveAssignment(t.ID, slot.ID) != nil {
					continue
				}
				if out.record(models.IssueMissingMirror, "teacherAssignments", t.ID, slot.ID,
					fmt.Sprintf("slot %s on teacher %s has no active assignment", slot.ID, t.ID),
					"create assignment from slot") {
					st.TeacherAssignments = append(st.TeacherAssignments, models.Assignment{
						ID:           uuid.NewString(),
						TeacherID:    t.ID,
						SlotID:       slot.ID,
						StartDate:    r.now,
						IsActive:     true,
						ScheduleInfo: slotSchedule(slot),
						CreatedAt:    r.now,
						UpdatedAt:    r.now,
					})
				}
			}
		}
	}

	expected := st.ActiveTeachers()
	for _, id := range st.TeacherIDs.Sorted() {
		if orphans[id] || expected.Contains(id) {
			continue
		}
		if out.record(models.IssueFieldMismatch, "teacherIds", id, "",
			fmt.Sprintf("teacher %s is cached without an active assignment", id), "drop teacher id") {
			st.TeacherIDs = st.TeacherIDs.Remove(id)
		}
	}
	for _, id := range expected.Sorted() {
		if st.TeacherIDs.Contains(id) {
			continue
		}
		if out.record(models.IssueFieldMismatch, "teacherIds", id, "",
			fmt.Sprintf("active assignment with teacher %s is missing from the cache", id), "add teacher id") {
			st.TeacherIDs = st.TeacherIDs.Add(id)
		}
	}

	if out.changed() {
		st.UpdatedAt = r.now
	}
	return out, nil
}

func (r *reconciler) dedupeAssignments(st *models.Student, out *outcome) {
	type key struct{ teacherID, slotID string }
	keep := make(map[key]int)
	for i := range st.TeacherAssignments {
		a := st.TeacherAssignments[i]
		if !a.IsActive {
			continue
		}
		k := key{a.TeacherID, a.SlotID}
		j, seen := keep[k]
		if !seen {
			keep[k] = i
			continue
		}
		kept, drop := i, j
		if st.TeacherAssignments[j].UpdatedAt.After(a.UpdatedAt) {
			kept, drop = j, i
		}
		if out.record(models.IssueDuplicateAssignment, "teacherAssignments", a.TeacherID, a.SlotID,
			fmt.Sprintf("assignment %s duplicates another active assignment for the slot", st.TeacherAssignments[drop].ID),
			"keep the most recently updated assignment") {
			st.TeacherAssignments[drop].Deactivate(r.now)
			keep[k] = kept
		}
	}
}

func (r *reconciler) dropTeacher(st *models.Student, teacherID string) {
	for i := range st.TeacherAssignments {
		if a := &st.TeacherAssignments[i]; a.IsActive && a.TeacherID == teacherID {
			a.Deactivate(r.now)
		}
	}
	st.TeacherIDs = st.TeacherIDs.Remove(teacherID)
}

// teacher reconciles a teacher document: availability flags, derived end times, orphaned
// students, unmirrored slots, schedule authority and the studentIds cache.
func (r *reconciler) teacher(ctx context.Context, t *models.Teacher, res resolver) (*outcome, error) {
	out := r.newOutcome(models.EntityTeacher, t.ID)

	if !t.Status.IsActive() {
		refs := append(models.StringSet(nil), t.StudentIDs...)
		for _, id := range t.AssignedStudents() {
			refs = refs.Add(id)
		}
		for _, studentID := range refs.Sorted() {
			st, err := res.student(ctx, studentID)
			if err != nil {
				return nil, err
			}
			kind, detail := models.IssueOrphanReference, fmt.Sprintf("teacher is %s and student %s does not exist", t.Status, studentID)
			if st != nil && st.Status.IsActive() {
				kind, detail = models.IssueFieldMismatch, fmt.Sprintf("teacher is %s but still holds slots for student %s", t.Status, studentID)
			} else if st != nil {
				detail = fmt.Sprintf("teacher is %s and student %s is %s", t.Status, studentID, st.Status)
			}
			if out.record(kind, "slots.studentId", studentID, "", detail, "release slots and drop student id") {
				r.dropStudent(t, studentID)
			}
		}
		return out, nil
	}

	for i := range t.Slots {
		s := &t.Slots[i]
		if want := s.StudentID == nil; s.IsAvailable != want {
			if out.record(models.IssueAvailabilityFlag, "slots.isAvailable", "", s.ID,
				fmt.Sprintf("isAvailable=%t disagrees with assignment", s.IsAvailable),
				fmt.Sprintf("set isAvailable=%t", want)) {
				s.IsAvailable = want
				s.UpdatedAt = r.now
			}
		}
		if end, err := timeutil.EndTime(s.StartTime, s.DurationMinutes); err == nil && end != s.EndTime {
			if out.record(models.IssueFieldMismatch, "slots.endTime", "", s.ID,
				fmt.Sprintf("end time %s does not match start and duration", s.EndTime), "recompute end time") {
				s.EndTime = end
				s.UpdatedAt = r.now
			}
		}
	}

	students := make(map[string]*models.Student)
	orphans := make(map[string]bool)
	refs := append(models.StringSet(nil), t.StudentIDs...)
	for _, id := range t.AssignedStudents() {
		refs = refs.Add(id)
	}
	for _, studentID := range refs.Sorted() {
		st, err := res.student(ctx, studentID)
		if err != nil {
			return nil, err
		}
		if st != nil && st.Status.IsActive() {
			students[studentID] = st
			continue
		}
		orphans[studentID] = true
		detail := fmt.Sprintf("student %s does not exist", studentID)
		if st != nil {
			detail = fmt.Sprintf("student %s is %s", studentID, st.Status)
		}
		if out.record(models.IssueOrphanReference, "studentIds", studentID, "", detail, "release slots and drop student id") {
			r.dropStudent(t, studentID)
		}
	}

	for i := range t.Slots {
		s := &t.Slots[i]
		if s.StudentID == nil || orphans[*s.StudentID] {
			continue
		}
		st := students[*s.StudentID]
		a := st.ActiveAssignment(t.ID, s.ID)
		if a == nil {
			if r.authority.Relationship == models.SideStudent &&
				out.record(models.IssueMissingMirror, "slots.studentId", st.ID, s.ID,
					fmt.Sprintf("student %s has no active assignment for the slot", st.ID), "release slot") {
				s.Release(r.now)
			}
			continue
		}
		if r.authority.Schedule != models.SideStudent || !a.ScheduleInfo.Complete() {
			continue
		}
		want := canonicalSchedule(a.ScheduleInfo)
		if want == slotSchedule(*s) {
			continue
		}
		start, end, err := timeutil.Interval(want.StartTime, want.DurationMinutes)
		if err != nil || !timeutil.ValidDay(want.Day) {
			out.unresolvable(fmt.Sprintf("slot %s: assignment timing %s %s is not schedulable", s.ID, want.Day, want.StartTime))
			continue
		}
		if err := checkTeacherOverlap(t, want.Day, start, end, s.ID); err != nil {
			out.unresolvable(fmt.Sprintf("slot %s: %s", s.ID, appErrors.FromError(err).Message))
			continue
		}
		if out.record(models.IssueFieldMismatch, "slots", st.ID, s.ID,
			fmt.Sprintf("slot timing %s %s/%d differs from assignment %s %s/%d",
				s.Day, s.StartTime, s.DurationMinutes, want.Day, want.StartTime, want.DurationMinutes),
			"copy timing from assignment") {
			s.Day, s.StartTime, s.EndTime, s.DurationMinutes = want.Day, want.StartTime, want.EndTime, want.DurationMinutes
			s.UpdatedAt = r.now
		}
	}

	if r.authority.Relationship == models.SideStudent {
		claimants, err := res.studentsAssignedTo(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		sort.Slice(claimants, func(i, j int) bool { return claimants[i].ID < claimants[j].ID })
		for _, st := range claimants {
			if !st.Status.IsActive() {
				continue
			}
			for _, a := range st.TeacherAssignments {
				if !a.IsActive || a.TeacherID != t.ID {
					continue
				}
				r.restoreSlot(t, st.ID, a, out)
			}
		}
	}

	expected := t.AssignedStudents()
	for _, id := range t.StudentIDs.Sorted() {
		if orphans[id] || expected.Contains(id) {
			continue
		}
		if out.record(models.IssueFieldMismatch, "studentIds", id, "",
			fmt.Sprintf("student %s is cached without an assigned slot", id), "drop student id") {
			t.StudentIDs = t.StudentIDs.Remove(id)
		}
	}
	for _, id := range expected.Sorted() {
		if t.StudentIDs.Contains(id) {
			continue
		}
		if out.record(models.IssueFieldMismatch, "studentIds", id, "",
			fmt.Sprintf("assigned student %s is missing from the cache", id), "add student id") {
			t.StudentIDs = t.StudentIDs.Add(id)
		}
	}

	if out.changed() {
		t.UpdatedAt = r.now
	}
	return out, nil
}

// restoreSlot makes the teacher side agree with an authoritative student assignment.
func (r *reconciler) restoreSlot(t *models.Teacher, studentID string, a models.Assignment, out *outcome) {
	slot := t.Slot(a.SlotID)
	switch {
	case slot != nil && slot.AssignedTo(studentID):
		return
	case slot != nil && slot.StudentID == nil:
		if out.record(models.IssueMissingMirror, "slots.studentId", studentID, slot.ID,
			fmt.Sprintf("student %s holds an active assignment for available slot", studentID), "assign slot") {
			slot.Assign(studentID, r.now)
		}
	case slot != nil:
		out.unresolvable(fmt.Sprintf("slot %s is held by student %s but claimed by student %s", slot.ID, *slot.StudentID, studentID))
	default:
		info := canonicalSchedule(a.ScheduleInfo)
		if !info.Complete() || !timeutil.ValidDay(info.Day) {
			out.unresolvable(fmt.Sprintf("slot %s claimed by student %s cannot be recreated from incomplete timing", a.SlotID, studentID))
			return
		}
		start, end, err := timeutil.Interval(info.StartTime, info.DurationMinutes)
		if err != nil {
			out.unresolvable(fmt.Sprintf("slot %s claimed by student %s has invalid start time", a.SlotID, studentID))
			return
		}
		if err := checkTeacherOverlap(t, info.Day, start, end, ""); err != nil {
			out.unresolvable(fmt.Sprintf("slot %s claimed by student %s cannot be recreated: %s", a.SlotID, studentID, appErrors.FromError(err).Message))
			return
		}
		if out.record(models.IssueMissingMirror, "slots", studentID, a.SlotID,
			fmt.Sprintf("student %s holds an active assignment for a slot that no longer exists", studentID),
			"recreate slot from assignment") {
			recreated := models.Slot{
				ID:              a.SlotID,
				Day:             info.Day,
				StartTime:       info.StartTime,
				EndTime:         info.EndTime,
				DurationMinutes: info.DurationMinutes,
				CreatedAt:       r.now,
			}
			recreated.Assign(studentID, r.now)
			t.Slots = append(t.Slots, recreated)
		}
	}
}

func (r *reconciler) dropStudent(t *models.Teacher, studentID string) {
	for i := range t.Slots {
		if t.Slots[i].AssignedTo(studentID) {
			t.Slots[i].Release(r.now)
		}
	}
	t.StudentIDs = t.StudentIDs.Remove(studentID)
}
