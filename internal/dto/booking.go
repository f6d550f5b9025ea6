package dto

import (
	"time"

	"github.com/noah-isme/lesson-sync-api/internal/models"
	"github.com/noah-isme/lesson-sync-api/pkg/timeutil"
)

// RecurrenceRequest carries optional recurrence settings for a slot.
type RecurrenceRequest struct {
	IsRecurring  bool     `json:"isRecurring"`
	ExcludeDates []string `json:"excludeDates" validate:"omitempty,dive,datetime=2006-01-02"`
}

// CreateSlotRequest captures POST /teachers/:id/slots payload.
type CreateSlotRequest struct {
	Day             string             `json:"day" validate:"required,teaching_day"`
	StartTime       string             `json:"startTime" validate:"required,clock"`
	DurationMinutes int                `json:"durationMinutes" validate:"required,oneof=30 45 60"`
	Location        *string            `json:"location,omitempty" validate:"omitempty,max=120"`
	Notes           *string            `json:"notes,omitempty" validate:"omitempty,max=500"`
	Recurrence      *RecurrenceRequest `json:"recurrence,omitempty"`
}

// UpdateSlotRequest is a partial update of slot fields.
type UpdateSlotRequest struct {
	Day             *string            `json:"day,omitempty" validate:"omitempty,teaching_day"`
	StartTime       *string            `json:"startTime,omitempty" validate:"omitempty,clock"`
	DurationMinutes *int               `json:"durationMinutes,omitempty" validate:"omitempty,oneof=30 45 60"`
	Location        *string            `json:"location,omitempty" validate:"omitempty,max=120"`
	Notes           *string            `json:"notes,omitempty" validate:"omitempty,max=500"`
	Recurrence      *RecurrenceRequest `json:"recurrence,omitempty"`
}

// TimingChanged reports whether the patch moves day, start or duration. Start times
// compare as minutes, so "9:00" matches a stored "09:00".
func (r UpdateSlotRequest) TimingChanged(current models.Slot) bool {
	return (r.Day != nil && *r.Day != current.Day) ||
		(r.StartTime != nil && !sameClock(*r.StartTime, current.StartTime)) ||
		(r.DurationMinutes != nil && *r.DurationMinutes != current.DurationMinutes)
}

func sameClock(a, b string) bool {
	am, errA := timeutil.ToMinutes(a)
	bm, errB := timeutil.ToMinutes(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return am == bm
}

// AssignStudentRequest binds a student to a slot.
type AssignStudentRequest struct {
	TeacherID string     `json:"teacherId" validate:"required"`
	StudentID string     `json:"studentId" validate:"required"`
	SlotID    string     `json:"-"`
	StartDate *time.Time `json:"startDate,omitempty"`
	Notes     *string    `json:"notes,omitempty" validate:"omitempty,max=500"`
}

// SlotView is a slot with its owning teacher.
type SlotView struct {
	TeacherID   string      `json:"teacherId"`
	TeacherName string      `json:"teacherName"`
	Slot        models.Slot `json:"slot"`
}

// DaySchedule lists one day's slots ordered by start time.
type DaySchedule struct {
	Day   string        `json:"day"`
	Slots []models.Slot `json:"slots"`
}

// WeeklyView is the teacher's week in teaching-day order.
type WeeklyView struct {
	TeacherID      string        `json:"teacherId"`
	TeacherName    string        `json:"teacherName"`
	Days           []DaySchedule `json:"days"`
	TotalSlots     int           `json:"totalSlots"`
	AssignedSlots  int           `json:"assignedSlots"`
	AvailableSlots int           `json:"availableSlots"`
	GeneratedAt    time.Time     `json:"generatedAt"`
}

// StudentLesson is an active assignment as seen by the student.
type StudentLesson struct {
	AssignmentID string              `json:"assignmentId"`
	TeacherID    string              `json:"teacherId"`
	SlotID       string              `json:"slotId"`
	StartDate    time.Time           `json:"startDate"`
	Schedule     models.ScheduleInfo `json:"schedule"`
	Notes        *string             `json:"notes,omitempty"`
}

// StudentScheduleView is the student's active timetable.
type StudentScheduleView struct {
	StudentID    string          `json:"studentId"`
	StudentName  string          `json:"studentName"`
	Lessons      []StudentLesson `json:"lessons"`
	HistoryCount int             `json:"historyCount"`
}
