package models

import (
	"database/sql/driver"
	"time"
)

// Teacher is the teacher-side document: identity, the denormalized student cache and the slot list.
type Teacher struct {
	ID         string       `db:"id" json:"id"`
	FullName   string       `db:"full_name" json:"fullName"`
	Status     EntityStatus `db:"status" json:"status"`
	StudentIDs StringSet    `db:"student_ids" json:"studentIds"`
	Slots      SlotList     `db:"slots" json:"slots"`
	Version    int64        `db:"version" json:"version"`
	CreatedAt  time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time    `db:"updated_at" json:"updatedAt"`
	DeletedAt  *time.Time   `db:"deleted_at" json:"deletedAt,omitempty"`
}

// Slot is a bookable weekly time block. IsAvailable mirrors StudentID == nil.
type Slot struct {
	ID              string          `json:"id"`
	Day             string          `json:"day"`
	StartTime       string          `json:"startTime"`
	EndTime         string          `json:"endTime"`
	DurationMinutes int             `json:"durationMinutes"`
	StudentID       *string         `json:"studentId,omitempty"`
	IsAvailable     bool            `json:"isAvailable"`
	Location        *string         `json:"location,omitempty"`
	Notes           *string         `json:"notes,omitempty"`
	Recurrence      Recurrence      `json:"recurrence"`
	Attendance      *SlotAttendance `json:"attendance,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Recurrence describes how a weekly slot repeats.
type Recurrence struct {
	IsRecurring  bool     `json:"isRecurring"`
	ExcludeDates []string `json:"excludeDates,omitempty"`
}

// SlotAttendance aggregates lesson attendance for the slot's current student.
type SlotAttendance struct {
	TotalLessons    int        `json:"totalLessons"`
	AttendedLessons int        `json:"attendedLessons"`
	LastLessonAt    *time.Time `json:"lastLessonAt,omitempty"`
}

// AssignedTo reports whether the slot is held by studentID.
func (s Slot) AssignedTo(studentID string) bool {
	return s.StudentID != nil && *s.StudentID == studentID
}

// Assign binds the slot to studentID.
func (s *Slot) Assign(studentID string, now time.Time) {
	id := studentID
	s.StudentID = &id
	s.IsAvailable = false
	s.UpdatedAt = now
}

// Release frees the slot and resets per-student attendance.
func (s *Slot) Release(now time.Time) {
	s.StudentID = nil
	s.IsAvailable = true
	s.Attendance = nil
	s.UpdatedAt = now
}

// Clone returns a deep copy.
func (s Slot) Clone() Slot {
	out := s
	if s.StudentID != nil {
		v := *s.StudentID
		out.StudentID = &v
	}
	if s.Location != nil {
		v := *s.Location
		out.Location = &v
	}
	if s.Notes != nil {
		v := *s.Notes
		out.Notes = &v
	}
	if s.Recurrence.ExcludeDates != nil {
		out.Recurrence.ExcludeDates = append([]string(nil), s.Recurrence.ExcludeDates...)
	}
	if s.Attendance != nil {
		a := *s.Attendance
		out.Attendance = &a
	}
	return out
}

// SlotList is the JSONB slot array of a teacher.
type SlotList []Slot

// Value marshals the list to JSON.
func (l SlotList) Value() (driver.Value, error) {
	return marshalJSONB(l, "[]")
}

// Scan unmarshals JSON into the list.
func (l *SlotList) Scan(value interface{}) error {
	return scanJSONB(value, l, "slot list")
}

// Index returns the position of slotID or -1.
func (t *Teacher) Index(slotID string) int {
	for i := range t.Slots {
		if t.Slots[i].ID == slotID {
			return i
		}
	}
	return -1
}

// Slot returns a pointer into the slot list.
func (t *Teacher) Slot(slotID string) *Slot {
	if i := t.Index(slotID); i >= 0 {
		return &t.Slots[i]
	}
	return nil
}

// AssignedStudents returns the set of student ids holding a slot.
func (t *Teacher) AssignedStudents() StringSet {
	var out StringSet
	for _, s := range t.Slots {
		if s.StudentID != nil {
			out = out.Add(*s.StudentID)
		}
	}
	return out
}

// HoldsSlotFor reports whether any slot other than exceptSlotID is assigned to studentID.
func (t *Teacher) HoldsSlotFor(studentID, exceptSlotID string) bool {
	for _, s := range t.Slots {
		if s.ID != exceptSlotID && s.AssignedTo(studentID) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (t *Teacher) Clone() *Teacher {
	if t == nil {
		return nil
	}
	out := *t
	out.StudentIDs = append(StringSet(nil), t.StudentIDs...)
	out.Slots = make(SlotList, len(t.Slots))
	for i, s := range t.Slots {
		out.Slots[i] = s.Clone()
	}
	if t.DeletedAt != nil {
		d := *t.DeletedAt
		out.DeletedAt = &d
	}
	return &out
}
