package models

import "time"

// IssueKind classifies a divergence between the teacher and student projections.
type IssueKind string

const (
	IssueOrphanReference     IssueKind = "ORPHAN_REFERENCE"
	IssueMissingMirror       IssueKind = "MISSING_MIRROR"
	IssueIncompleteRecord    IssueKind = "INCOMPLETE_RECORD"
	IssueFieldMismatch       IssueKind = "FIELD_MISMATCH"
	IssueDuplicateAssignment IssueKind = "DUPLICATE_ASSIGNMENT"
	IssueAvailabilityFlag    IssueKind = "AVAILABILITY_FLAG"
)

// IssueKinds lists kinds in report order.
var IssueKinds = []IssueKind{
	IssueOrphanReference,
	IssueMissingMirror,
	IssueIncompleteRecord,
	IssueFieldMismatch,
	IssueDuplicateAssignment,
	IssueAvailabilityFlag,
}

// Side names one projection of the relationship.
type Side string

const (
	SideTeacher Side = "teacher"
	SideStudent Side = "student"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideTeacher || s == SideStudent
}

// Authority declares which projection wins per field group when both are well formed.
type Authority struct {
	Relationship Side `json:"relationship"`
	Schedule     Side `json:"schedule"`
}

// Issue is one detected inconsistency on one document.
type Issue struct {
	Kind       IssueKind  `json:"kind"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Field      string     `json:"field"`
	RefID      string     `json:"refId,omitempty"`
	SlotID     string     `json:"slotId,omitempty"`
	Detail     string     `json:"detail"`
	Fix        string     `json:"fix"`
}

// ConsistencyReport aggregates a detection pass.
type ConsistencyReport struct {
	Authority       Authority             `json:"authority"`
	TeachersScanned int                   `json:"teachersScanned"`
	StudentsScanned int                   `json:"studentsScanned"`
	Counts          map[IssueKind]int     `json:"counts"`
	Examples        map[IssueKind][]Issue `json:"examples"`
	Total           int                   `json:"total"`
	GeneratedAt     time.Time             `json:"generatedAt"`
}

// RecordError is a per-document failure collected during repair.
type RecordError struct {
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Code       string     `json:"code"`
	Message    string     `json:"message"`
}

// RepairResult is the outcome of one repair invocation.
type RepairResult struct {
	DryRun     bool          `json:"dryRun"`
	Authority  Authority     `json:"authority"`
	Actions    []Issue       `json:"actions"`
	Applied    int           `json:"applied"`
	Skipped    int           `json:"skipped"`
	Unresolved []RecordError `json:"unresolved"`
	Errors     []RecordError `json:"errors"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
}
