package models

import (
	"database/sql/driver"
	"time"
)

// DefaultLessonDuration backfills assignments whose duration cannot be recovered from a slot.
// Overridable through CONSISTENCY_DEFAULT_DURATION.
const DefaultLessonDuration = 45

// Student is the student-side document holding the assignment mirrors.
type Student struct {
	ID                 string         `db:"id" json:"id"`
	FullName           string         `db:"full_name" json:"fullName"`
	Status             EntityStatus   `db:"status" json:"status"`
	TeacherIDs         StringSet      `db:"teacher_ids" json:"teacherIds"`
	TeacherAssignments AssignmentList `db:"teacher_assignments" json:"teacherAssignments"`
	Version            int64          `db:"version" json:"version"`
	CreatedAt          time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updatedAt"`
	DeletedAt          *time.Time     `db:"deleted_at" json:"deletedAt,omitempty"`
}

// Assignment records a binding of the student to a teacher slot.
type Assignment struct {
	ID           string       `json:"id"`
	TeacherID    string       `json:"teacherId"`
	SlotID       string       `json:"slotId"`
	StartDate    time.Time    `json:"startDate"`
	EndDate      *time.Time   `json:"endDate,omitempty"`
	IsActive     bool         `json:"isActive"`
	ScheduleInfo ScheduleInfo `json:"scheduleInfo"`
	Notes        *string      `json:"notes,omitempty"`
	NeedsReview  bool         `json:"needsReview,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// ScheduleInfo is the copy of slot timing kept on the assignment.
type ScheduleInfo struct {
	Day             string `json:"day"`
	StartTime       string `json:"startTime"`
	EndTime         string `json:"endTime"`
	DurationMinutes int    `json:"durationMinutes"`
}

// Complete reports whether every scheduling field is populated.
func (i ScheduleInfo) Complete() bool {
	return i.Day != "" && i.StartTime != "" && i.EndTime != "" && i.DurationMinutes > 0
}

// ScheduleFromSlot copies timing from a slot.
func ScheduleFromSlot(s Slot) ScheduleInfo {
	return ScheduleInfo{Day: s.Day, StartTime: s.StartTime, EndTime: s.EndTime, DurationMinutes: s.DurationMinutes}
}

// MatchesSlot reports whether timing agrees with s.
func (i ScheduleInfo) MatchesSlot(s Slot) bool {
	return i == ScheduleFromSlot(s)
}

// Deactivate ends the assignment at now.
func (a *Assignment) Deactivate(now time.Time) {
	a.IsActive = false
	end := now
	a.EndDate = &end
	a.UpdatedAt = now
}

// Clone returns a deep copy.
func (a Assignment) Clone() Assignment {
	out := a
	if a.EndDate != nil {
		v := *a.EndDate
		out.EndDate = &v
	}
	if a.Notes != nil {
		v := *a.Notes
		out.Notes = &v
	}
	return out
}

// AssignmentList is the JSONB assignment array of a student.
type AssignmentList []Assignment

// Value marshals the list to JSON.
func (l AssignmentList) Value() (driver.Value, error) {
	return marshalJSONB(l, "[]")
}

// Scan unmarshals JSON into the list.
func (l *AssignmentList) Scan(value interface{}) error {
	return scanJSONB(value, l, "assignment list")
}

// ActiveAssignment returns the active assignment for teacherID/slotID.
func (s *Student) ActiveAssignment(teacherID, slotID string) *Assignment {
	for i := range s.TeacherAssignments {
		a := &s.TeacherAssignments[i]
		if a.IsActive && a.TeacherID == teacherID && a.SlotID == slotID {
			return a
		}
	}
	return nil
}

// HasActiveWith reports whether any active assignment other than exceptSlotID binds teacherID.
func (s *Student) HasActiveWith(teacherID, exceptSlotID string) bool {
	for _, a := range s.TeacherAssignments {
		if a.IsActive && a.TeacherID == teacherID && a.SlotID != exceptSlotID {
			return true
		}
	}
	return false
}

// ActiveTeachers returns the set of teachers with an active assignment.
func (s *Student) ActiveTeachers() StringSet {
	var out StringSet
	for _, a := range s.TeacherAssignments {
		if a.IsActive {
			out = out.Add(a.TeacherID)
		}
	}
	return out
}

// Clone returns a deep copy.
func (s *Student) Clone() *Student {
	if s == nil {
		return nil
	}
	out := *s
	out.TeacherIDs = append(StringSet(nil), s.TeacherIDs...)
	out.TeacherAssignments = make(AssignmentList, len(s.TeacherAssignments))
	for i, a := range s.TeacherAssignments {
		out.TeacherAssignments[i] = a.Clone()
	}
	if s.DeletedAt != nil {
		d := *s.DeletedAt
		out.DeletedAt = &d
	}
	return &out
}
