package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/lesson-sync-api/internal/models"
)

// MirrorOptions carries assignment fields that do not come from the slot.
type MirrorOptions struct {
	StartDate *time.Time
	Notes     *string
}

// MirrorService writes the counterpart projection of a booking change. A missing
// counterpart document is treated as already consistent.
type MirrorService struct {
	teachers teacherStore
	students studentStore
	metrics  *MetricsService
	attempts int
	now      func() time.Time
	logger   *zap.Logger
}

// NewMirrorService constructs the mirror writer.
func NewMirrorService(teachers teacherStore, students studentStore, metrics *MetricsService, attempts int, logger *zap.Logger) *MirrorService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MirrorService{teachers: teachers, students: students, metrics: metrics, attempts: attempts, now: time.Now, logger: logger}
}

// MirrorAssign records an active assignment on the student with timing copied from slot
// and makes sure both membership caches contain the pair. When the teacher side cannot
// be linked, a newly created assignment is taken back off the student before returning.
func (s *MirrorService) MirrorAssign(ctx context.Context, teacherID, studentID string, slot models.Slot, opts MirrorOptions) (*models.Assignment, error) {
	now := s.now().UTC()
	var (
		result    *models.Assignment
		createdID string
		hadLink   bool
	)

	_, err := s.mutateStudent(ctx, studentID, func(st *models.Student) error {
		schedule := models.ScheduleFromSlot(slot)
		if existing := st.ActiveAssignment(teacherID, slot.ID); existing != nil {
			changed := !existing.ScheduleInfo.MatchesSlot(slot) || existing.NeedsReview
			existing.ScheduleInfo = schedule
			existing.NeedsReview = false
			if opts.Notes != nil {
				existing.Notes = opts.Notes
				changed = true
			}
			if changed {
				existing.UpdatedAt = now
			}
			copied := existing.Clone()
			result = &copied
			if !changed && st.TeacherIDs.Contains(teacherID) {
				return errNoChange
			}
			st.TeacherIDs = st.TeacherIDs.Add(teacherID)
			return nil
		}

		hadLink = st.TeacherIDs.Contains(teacherID)
		start := now
		if opts.StartDate != nil {
			start = opts.StartDate.UTC()
		}
		assignment := models.Assignment{
			ID:           uuid.NewString(),
			TeacherID:    teacherID,
			SlotID:       slot.ID,
			StartDate:    start,
			IsActive:     true,
			ScheduleInfo: schedule,
			Notes:        opts.Notes,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		st.TeacherAssignments = append(st.TeacherAssignments, assignment)
		st.TeacherIDs = st.TeacherIDs.Add(teacherID)
		result = &assignment
		createdID = assignment.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.mutateTeacher(ctx, teacherID, func(t *models.Teacher) error {
		if t.StudentIDs.Contains(studentID) {
			return errNoChange
		}
		t.StudentIDs = t.StudentIDs.Add(studentID)
		return nil
	}); err != nil {
		if createdID != "" {
			s.undoAssign(ctx, teacherID, studentID, createdID, hadLink)
		}
		return nil, err
	}
	return result, nil
}

// undoAssign removes an assignment created by a failed MirrorAssign. If it cannot be
// removed the reconciler reports it as a missing mirror.
func (s *MirrorService) undoAssign(ctx context.Context, teacherID, studentID, assignmentID string, hadLink bool) {
	_, err := s.mutateStudent(ctx, studentID, func(st *models.Student) error {
		kept := make(models.AssignmentList, 0, len(st.TeacherAssignments))
		removed := false
		for _, a := range st.TeacherAssignments {
			if a.ID == assignmentID {
				removed = true
				continue
			}
			kept = append(kept, a)
		}
		if !removed {
			return errNoChange
		}
		st.TeacherAssignments = kept
		if !hadLink && !st.HasActiveWith(teacherID, "") {
			st.TeacherIDs = st.TeacherIDs.Remove(teacherID)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to remove assignment after teacher link failure",
			zap.String("student_id", studentID), zap.String("assignment_id", assignmentID), zap.Error(err))
	}
}

// MirrorRelease deactivates the student's assignment for slotID and unlinks the pair
// when no other active binding remains.
func (s *MirrorService) MirrorRelease(ctx context.Context, teacherID, studentID, slotID string) error {
	now := s.now().UTC()
	stillLinked := false

	_, err := s.mutateStudent(ctx, studentID, func(st *models.Student) error {
		changed := false
		for i := range st.TeacherAssignments {
			a := &st.TeacherAssignments[i]
			if a.IsActive && a.TeacherID == teacherID && a.SlotID == slotID {
				a.Deactivate(now)
				changed = true
			}
		}
		stillLinked = st.HasActiveWith(teacherID, slotID)
		if !stillLinked && st.TeacherIDs.Contains(teacherID) {
			st.TeacherIDs = st.TeacherIDs.Remove(teacherID)
			changed = true
		}
		if !changed {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		return err
	}
	if stillLinked {
		return nil
	}

	_, err = s.mutateTeacher(ctx, teacherID, func(t *models.Teacher) error {
		if !t.StudentIDs.Contains(studentID) || t.HoldsSlotFor(studentID, "") {
			return errNoChange
		}
		t.StudentIDs = t.StudentIDs.Remove(studentID)
		return nil
	})
	return err
}

// MirrorReschedule copies new slot timing onto the student's active assignment.
func (s *MirrorService) MirrorReschedule(ctx context.Context, teacherID, studentID string, slot models.Slot) error {
	now := s.now().UTC()
	_, err := s.mutateStudent(ctx, studentID, func(st *models.Student) error {
		a := st.ActiveAssignment(teacherID, slot.ID)
		if a == nil || a.ScheduleInfo.MatchesSlot(slot) {
			return errNoChange
		}
		a.ScheduleInfo = models.ScheduleFromSlot(slot)
		a.NeedsReview = false
		a.UpdatedAt = now
		return nil
	})
	return err
}

func (s *MirrorService) mutateStudent(ctx context.Context, id string, fn func(*models.Student) error) (*models.Student, error) {
	missing := false
	student, err := mutate(ctx, "student", s.attempts,
		func(ctx context.Context) (*models.Student, error) {
			st, err := s.students.GetByID(ctx, id)
			if isNotFound(err) {
				missing = true
				return nil, nil
			}
			return st, err
		},
		s.students.Update,
		func(st *models.Student) error {
			if st == nil {
				return errNoChange
			}
			return fn(st)
		},
		func() { s.metrics.RecordWriteRetry("students") },
	)
	if missing {
		s.logger.Debug("mirror target student missing", zap.String("student_id", id))
	}
	return student, err
}

func (s *MirrorService) mutateTeacher(ctx context.Context, id string, fn func(*models.Teacher) error) (*models.Teacher, error) {
	return mutate(ctx, "teacher", s.attempts,
		func(ctx context.Context) (*models.Teacher, error) {
			t, err := s.teachers.GetByID(ctx, id)
			if isNotFound(err) {
				return nil, nil
			}
			return t, err
		},
		s.teachers.Update,
		func(t *models.Teacher) error {
			if t == nil {
				return errNoChange
			}
			return fn(t)
		},
		func() { s.metrics.RecordWriteRetry("teachers") },
	)
}
