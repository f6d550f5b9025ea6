package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/lesson-sync-api/internal/dto"
	"github.com/noah-isme/lesson-sync-api/internal/models"
	appErrors "github.com/noah-isme/lesson-sync-api/pkg/errors"
	"github.com/noah-isme/lesson-sync-api/pkg/timeutil"
)

type relationshipMirror interface {
	MirrorAssign(ctx context.Context, teacherID, studentID string, slot models.Slot, opts MirrorOptions) (*models.Assignment, error)
	MirrorRelease(ctx context.Context, teacherID, studentID, slotID string) error
	MirrorReschedule(ctx context.Context, teacherID, studentID string, slot models.Slot) error
}

// BookingService owns slot lifecycle on teacher documents and delegates the student side to the mirror.
type BookingService struct {
	teachers  teacherStore
	students  studentStore
	mirror    relationshipMirror
	cache     *CacheService
	metrics   *MetricsService
	validator *validator.Validate
	attempts  int
	now       func() time.Time
	logger    *zap.Logger
}

// NewBookingService wires the booking engine.
func NewBookingService(teachers teacherStore, students studentStore, mirror relationshipMirror, cache *CacheService, metrics *MetricsService, validate *validator.Validate, attempts int, logger *zap.Logger) *BookingService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &BookingService{
		teachers:  teachers,
		students:  students,
		mirror:    mirror,
		cache:     cache,
		metrics:   metrics,
		validator: validate,
		attempts:  attempts,
		now:       time.Now,
		logger:    logger,
	}
	svc.validator.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		_, err := timeutil.ToMinutes(fl.Field().String())
		return err == nil
	})
	svc.validator.RegisterValidation("teaching_day", func(fl validator.FieldLevel) bool {
		return timeutil.ValidDay(fl.Field().String())
	})
	return svc
}

// CreateSlot adds an available slot to the teacher's schedule.
func (s *BookingService) CreateSlot(ctx context.Context, teacherID string, req dto.CreateSlotRequest) (slot *models.Slot, err error) {
	defer func() { s.metrics.RecordBooking("create_slot", errorCode(err)) }()

	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid slot payload")
	}
	start, end, err := timeutil.Interval(req.StartTime, req.DurationMinutes)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid start time")
	}
	endTime, _ := timeutil.EndTime(req.StartTime, req.DurationMinutes)

	_, err = s.mutateTeacher(ctx, teacherID, func(t *models.Teacher) error {
		if t.Status != models.StatusActive {
			return appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("teacher is %s", t.Status))
		}
		if err := checkTeacherOverlap(t, req.Day, start, end, ""); err != nil {
			return err
		}
		now := s.now().UTC()
		created := models.Slot{
			ID:              uuid.NewString(),
			Day:             req.Day,
			StartTime:       timeutil.FromMinutes(start),
			EndTime:         endTime,
			DurationMinutes: req.DurationMinutes,
			IsAvailable:     true,
			Location:        req.Location,
			Notes:           req.Notes,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if req.Recurrence != nil {
			created.Recurrence = models.Recurrence{IsRecurring: req.Recurrence.IsRecurring, ExcludeDates: req.Recurrence.ExcludeDates}
		}
		t.Slots = append(t.Slots, created)
		slot = &created
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, WeeklyViewKey(teacherID))
	return slot, nil
}

// AssignStudent binds a student to an available slot and mirrors the edge onto the student.
func (s *BookingService) AssignStudent(ctx context.Context, req dto.AssignStudentRequest) (assignment *models.Assignment, err error) {
	defer func() { s.metrics.RecordBooking("assign_student", errorCode(err)) }()

	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid assignment payload")
	}

	var (
		assigned   models.Slot
		hadStudent bool
	)
	_, err = s.mutateTeacher(ctx, req.TeacherID, func(t *models.Teacher) error {
		slot := t.Slot(req.SlotID)
		if slot == nil {
			return appErrors.Clone(appErrors.ErrNotFound, "slot not found")
		}
		if t.Status != models.StatusActive {
			return appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("teacher is %s", t.Status))
		}
		if slot.StudentID != nil {
			return appErrors.Clone(appErrors.ErrInvalidState, "slot is already assigned")
		}

		student, err := s.students.GetByID(ctx, req.StudentID)
		if err != nil {
			return storeError(err, "student")
		}
		if student.Status != models.StatusActive {
			return appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("student is %s", student.Status))
		}
		start, end, err := timeutil.Interval(slot.StartTime, slot.DurationMinutes)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "stored slot has invalid timing")
		}
		if err := s.checkStudentOverlap(ctx, student, slot.Day, start, end, slot.ID); err != nil {
			return err
		}

		slot.Assign(req.StudentID, s.now().UTC())
		hadStudent = t.StudentIDs.Contains(req.StudentID)
		t.StudentIDs = t.StudentIDs.Add(req.StudentID)
		assigned = slot.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	assignment, err = s.mirror.MirrorAssign(ctx, req.TeacherID, req.StudentID, assigned, MirrorOptions{StartDate: req.StartDate, Notes: req.Notes})
	if err != nil {
		s.logger.Warn("mirror assign failed, releasing slot",
			zap.String("teacher_id", req.TeacherID), zap.String("slot_id", assigned.ID), zap.Error(err))
		s.compensateAssign(ctx, req.TeacherID, req.StudentID, assigned.ID, hadStudent)
		return nil, err
	}

	s.cache.Invalidate(ctx, WeeklyViewKey(req.TeacherID), StudentViewKey(req.StudentID))
	return assignment, nil
}

// RemoveStudent frees an assigned slot and deactivates the mirrored assignment.
func (s *BookingService) RemoveStudent(ctx context.Context, slotID string) (released *models.Slot, err error) {
	defer func() { s.metrics.RecordBooking("remove_student", errorCode(err)) }()

	owner, err := s.teachers.FindBySlotID(ctx, slotID)
	if err != nil {
		return nil, storeError(err, "slot")
	}

	var studentID string
	_, err = s.mutateTeacher(ctx, owner.ID, func(t *models.Teacher) error {
		slot := t.Slot(slotID)
		if slot == nil {
			return appErrors.Clone(appErrors.ErrNotFound, "slot not found")
		}
		if slot.StudentID == nil {
			return appErrors.Clone(appErrors.ErrNotFound, "slot has no assigned student")
		}
		studentID = *slot.StudentID
		slot.Release(s.now().UTC())
		if !t.HoldsSlotFor(studentID, "") {
			t.StudentIDs = t.StudentIDs.Remove(studentID)
		}
		copied := slot.Clone()
		released = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.mirror.MirrorRelease(ctx, owner.ID, studentID, slotID); err != nil {
		s.logger.Warn("mirror release failed, restoring slot",
			zap.String("teacher_id", owner.ID), zap.String("slot_id", slotID), zap.Error(err))
		s.compensateRelease(ctx, owner.ID, studentID, slotID)
		return nil, err
	}

	s.cache.Invalidate(ctx, WeeklyViewKey(owner.ID), StudentViewKey(studentID))
	return released, nil
}

// UpdateSlot patches a slot. Timing changes are conflict-checked before anything is written.
func (s *BookingService) UpdateSlot(ctx context.Context, slotID string, req dto.UpdateSlotRequest) (updated *models.Slot, err error) {
	defer func() { s.metrics.RecordBooking("update_slot", errorCode(err)) }()

	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid slot payload")
	}

	owner, err := s.teachers.FindBySlotID(ctx, slotID)
	if err != nil {
		return nil, storeError(err, "slot")
	}

	var (
		before  models.Slot
		retimed bool
	)
	_, err = s.mutateTeacher(ctx, owner.ID, func(t *models.Teacher) error {
		slot := t.Slot(slotID)
		if slot == nil {
			return appErrors.Clone(appErrors.ErrNotFound, "slot not found")
		}
		before = slot.Clone()
		retimed = req.TimingChanged(*slot)

		day, startTime, duration := slot.Day, slot.StartTime, slot.DurationMinutes
		if req.Day != nil {
			day = *req.Day
		}
		if req.StartTime != nil {
			startTime = *req.StartTime
		}
		if req.DurationMinutes != nil {
			duration = *req.DurationMinutes
		}

		if retimed {
			start, end, err := timeutil.Interval(startTime, duration)
			if err != nil {
				return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid start time")
			}
			if err := checkTeacherOverlap(t, day, start, end, slotID); err != nil {
				return err
			}
			if slot.StudentID != nil {
				student, err := s.students.GetByID(ctx, *slot.StudentID)
				if err != nil && !isNotFound(err) {
					return storeError(err, "student")
				}
				if student == nil {
					student = &models.Student{ID: *slot.StudentID}
				}
				if err := s.checkStudentOverlap(ctx, student, day, start, end, slotID); err != nil {
					return err
				}
			}
			slot.Day = day
			slot.StartTime = timeutil.FromMinutes(start)
			slot.DurationMinutes = duration
			slot.EndTime = timeutil.FromMinutes(end)
		}
		if req.Location != nil {
			slot.Location = req.Location
		}
		if req.Notes != nil {
			slot.Notes = req.Notes
		}
		if req.Recurrence != nil {
			slot.Recurrence = models.Recurrence{IsRecurring: req.Recurrence.IsRecurring, ExcludeDates: req.Recurrence.ExcludeDates}
		}
		slot.UpdatedAt = s.now().UTC()
		copied := slot.Clone()
		updated = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}

	if retimed && updated.StudentID != nil {
		if err := s.mirror.MirrorReschedule(ctx, owner.ID, *updated.StudentID, *updated); err != nil {
			s.logger.Warn("mirror reschedule failed, restoring slot timing",
				zap.String("teacher_id", owner.ID), zap.String("slot_id", slotID), zap.Error(err))
			s.compensateRetime(ctx, owner.ID, before, *updated)
			return nil, err
		}
		s.cache.Invalidate(ctx, StudentViewKey(*updated.StudentID))
	}

	s.cache.Invalidate(ctx, WeeklyViewKey(owner.ID))
	return updated, nil
}

// GetSlot returns a slot with its owner.
func (s *BookingService) GetSlot(ctx context.Context, slotID string) (*dto.SlotView, error) {
	owner, err := s.teachers.FindBySlotID(ctx, slotID)
	if err != nil {
		return nil, storeError(err, "slot")
	}
	slot := owner.Slot(slotID)
	if slot == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "slot not found")
	}
	return &dto.SlotView{TeacherID: owner.ID, TeacherName: owner.FullName, Slot: slot.Clone()}, nil
}

// GetTeacherWeeklyView returns the teacher's slots grouped by teaching day.
func (s *BookingService) GetTeacherWeeklyView(ctx context.Context, teacherID string) (*dto.WeeklyView, error) {
	key := WeeklyViewKey(teacherID)
	var cached dto.WeeklyView
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	teacher, err := s.teachers.GetByID(ctx, teacherID)
	if err != nil {
		return nil, storeError(err, "teacher")
	}

	byDay := make(map[string][]models.Slot, len(timeutil.Days))
	view := &dto.WeeklyView{TeacherID: teacher.ID, TeacherName: teacher.FullName, GeneratedAt: s.now().UTC()}
	for _, slot := range teacher.Slots {
		byDay[slot.Day] = append(byDay[slot.Day], slot.Clone())
		view.TotalSlots++
		if slot.StudentID != nil {
			view.AssignedSlots++
		} else {
			view.AvailableSlots++
		}
	}
	view.Days = make([]dto.DaySchedule, 0, len(timeutil.Days))
	for _, day := range timeutil.Days {
		slots := byDay[day]
		sort.SliceStable(slots, func(i, j int) bool {
			a, _ := timeutil.ToMinutes(slots[i].StartTime)
			b, _ := timeutil.ToMinutes(slots[j].StartTime)
			return a < b
		})
		if slots == nil {
			slots = []models.Slot{}
		}
		view.Days = append(view.Days, dto.DaySchedule{Day: day, Slots: slots})
	}

	s.cache.Set(ctx, key, view)
	return view, nil
}

// GetStudentView returns the student's active lessons ordered by day and start time.
func (s *BookingService) GetStudentView(ctx context.Context, studentID string) (*dto.StudentScheduleView, error) {
	key := StudentViewKey(studentID)
	var cached dto.StudentScheduleView
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	student, err := s.students.GetByID(ctx, studentID)
	if err != nil {
		return nil, storeError(err, "student")
	}

	view := &dto.StudentScheduleView{StudentID: student.ID, StudentName: student.FullName, Lessons: []dto.StudentLesson{}}
	for _, a := range student.TeacherAssignments {
		if !a.IsActive {
			view.HistoryCount++
			continue
		}
		view.Lessons = append(view.Lessons, dto.StudentLesson{
			AssignmentID: a.ID,
			TeacherID:    a.TeacherID,
			SlotID:       a.SlotID,
			StartDate:    a.StartDate,
			Schedule:     a.ScheduleInfo,
			Notes:        a.Notes,
		})
	}
	sort.SliceStable(view.Lessons, func(i, j int) bool {
		a, b := view.Lessons[i].Schedule, view.Lessons[j].Schedule
		if da, db := timeutil.DayIndex(a.Day), timeutil.DayIndex(b.Day); da != db {
			return da < db
		}
		ma, _ := timeutil.ToMinutes(a.StartTime)
		mb, _ := timeutil.ToMinutes(b.StartTime)
		return ma < mb
	})

	s.cache.Set(ctx, key, view)
	return view, nil
}

// checkTeacherOverlap rejects an interval colliding with another slot of the same teacher and day.
func checkTeacherOverlap(t *models.Teacher, day string, start, end int, exceptSlotID string) error {
	for _, other := range t.Slots {
		if other.ID == exceptSlotID || other.Day != day {
			continue
		}
		os, oe, err := timeutil.Interval(other.StartTime, other.DurationMinutes)
		if err != nil {
			continue
		}
		if timeutil.Overlaps(start, end, os, oe) {
			return appErrors.Clone(appErrors.ErrConflict,
				fmt.Sprintf("slot overlaps existing slot %s on %s %s-%s", other.ID, other.Day, other.StartTime, other.EndTime))
		}
	}
	return nil
}

// checkStudentOverlap rejects an interval colliding with any other lesson of the student, across
// every teacher holding a slot for them and every active assignment they carry.
func (s *BookingService) checkStudentOverlap(ctx context.Context, student *models.Student, day string, start, end int, exceptSlotID string) error {
	if student == nil {
		return nil
	}
	holders, err := s.teachers.ListBySlotStudent(ctx, student.ID)
	if err != nil {
		return storeError(err, "teacher")
	}
	for _, t := range holders {
		for _, other := range t.Slots {
			if other.ID == exceptSlotID || other.Day != day || !other.AssignedTo(student.ID) {
				continue
			}
			os, oe, err := timeutil.Interval(other.StartTime, other.DurationMinutes)
			if err != nil {
				continue
			}
			if timeutil.Overlaps(start, end, os, oe) {
				return appErrors.Clone(appErrors.ErrConflict,
					fmt.Sprintf("student already has a lesson on %s %s-%s with teacher %s", other.Day, other.StartTime, other.EndTime, t.ID))
			}
		}
	}
	for _, a := range student.TeacherAssignments {
		info := a.ScheduleInfo
		if !a.IsActive || a.SlotID == exceptSlotID || info.Day != day || !info.Complete() {
			continue
		}
		os, oe, err := timeutil.Interval(info.StartTime, info.DurationMinutes)
		if err != nil {
			continue
		}
		if timeutil.Overlaps(start, end, os, oe) {
			return appErrors.Clone(appErrors.ErrConflict,
				fmt.Sprintf("student already has a lesson on %s %s-%s with teacher %s", info.Day, info.StartTime, info.EndTime, a.TeacherID))
		}
	}
	return nil
}

func (s *BookingService) compensateAssign(ctx context.Context, teacherID, studentID, slotID string, hadStudent bool) {
	_, err := s.mutateTeacher(ctx, teacherID, func(t *models.Teacher) error {
		slot := t.Slot(slotID)
		if slot == nil || !slot.AssignedTo(studentID) {
			return errNoChange
		}
		slot.Release(s.now().UTC())
		if !hadStudent && !t.HoldsSlotFor(studentID, "") {
			t.StudentIDs = t.StudentIDs.Remove(studentID)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to release slot after mirror failure", zap.String("slot_id", slotID), zap.Error(err))
	}
}

func (s *BookingService) compensateRelease(ctx context.Context, teacherID, studentID, slotID string) {
	_, err := s.mutateTeacher(ctx, teacherID, func(t *models.Teacher) error {
		slot := t.Slot(slotID)
		if slot == nil || slot.StudentID != nil {
			return errNoChange
		}
		slot.Assign(studentID, s.now().UTC())
		t.StudentIDs = t.StudentIDs.Add(studentID)
		return nil
	})
	if err != nil {
		s.logger.Error("failed to restore slot after mirror failure", zap.String("slot_id", slotID), zap.Error(err))
	}
}

func (s *BookingService) compensateRetime(ctx context.Context, teacherID string, before, after models.Slot) {
	_, err := s.mutateTeacher(ctx, teacherID, func(t *models.Teacher) error {
		slot := t.Slot(before.ID)
		if slot == nil || models.ScheduleFromSlot(*slot) != models.ScheduleFromSlot(after) {
			return errNoChange
		}
		slot.Day = before.Day
		slot.StartTime = before.StartTime
		slot.EndTime = before.EndTime
		slot.DurationMinutes = before.DurationMinutes
		slot.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		s.logger.Error("failed to restore slot timing after mirror failure", zap.String("slot_id", before.ID), zap.Error(err))
	}
}

func (s *BookingService) mutateTeacher(ctx context.Context, teacherID string, fn func(*models.Teacher) error) (*models.Teacher, error) {
	return mutate(ctx, "teacher", s.attempts,
		func(ctx context.Context) (*models.Teacher, error) { return s.teachers.GetByID(ctx, teacherID) },
		s.teachers.Update,
		fn,
		func() { s.metrics.RecordWriteRetry("teachers") },
	)
}
