package models

import (
	"database/sql/driver"
	"time"
)

// Dependent collections touched by a cascade.
const (
	CollectionTeachers           = "teachers"
	CollectionStudents           = "students"
	CollectionOrchestras         = "orchestras"
	CollectionRehearsals         = "rehearsals"
	CollectionTheoryLessons      = "theory_lessons"
	CollectionBagrut             = "bagrut_records"
	CollectionActivityAttendance = "activity_attendance"
)

// Cascade operation verbs recorded in the audit.
const (
	OperationReleaseSlots     = "release_slots"
	OperationPullReference    = "pull_reference"
	OperationPullMember       = "pull_member"
	OperationPullEnrollment   = "pull_enrollment"
	OperationArchive          = "archive"
	OperationDeactivate       = "deactivate_assignments"
	OperationMarkDeleted      = "mark_deleted"
	OperationRetainAttendance = "retain_history"
)

// DeletionTypeCascade is the only deletion type produced by the engine.
const DeletionTypeCascade = "CASCADE_SOFT_DELETE"

// CollectionImpact counts the documents of one collection that reference the entity.
type CollectionImpact struct {
	Collection string `json:"collection"`
	Operation  string `json:"operation"`
	Documents  int    `json:"documents"`
}

// ImpactReport is the read-only preview of a cascade.
type ImpactReport struct {
	EntityType     EntityType         `json:"entityType"`
	EntityID       string             `json:"entityId"`
	Collections    []CollectionImpact `json:"collections"`
	TotalDocuments int                `json:"totalDocuments"`
	GeneratedAt    time.Time          `json:"generatedAt"`
}

// Add appends a collection count.
func (r *ImpactReport) Add(collection, operation string, documents int) {
	r.Collections = append(r.Collections, CollectionImpact{Collection: collection, Operation: operation, Documents: documents})
	r.TotalDocuments += documents
}

// Value marshals the report for the audit snapshot column.
func (r ImpactReport) Value() (driver.Value, error) {
	return marshalJSONB(r, "{}")
}

// Scan unmarshals the audit snapshot column.
func (r *ImpactReport) Scan(value interface{}) error {
	return scanJSONB(value, r, "impact report")
}

// CascadeOperation is one applied step as persisted in the audit.
type CascadeOperation struct {
	Collection        string `json:"collection"`
	Operation         string `json:"operation"`
	AffectedDocuments int    `json:"affectedDocuments"`
}

// CascadeOperations is the JSONB operation array of an audit.
type CascadeOperations []CascadeOperation

// Value marshals operations to JSON.
func (o CascadeOperations) Value() (driver.Value, error) {
	return marshalJSONB(o, "[]")
}

// Scan unmarshals operations JSON.
func (o *CascadeOperations) Scan(value interface{}) error {
	return scanJSONB(value, o, "cascade operations")
}

// DeletionAudit is the durable record written once per committed cascade.
type DeletionAudit struct {
	ID                string            `db:"id" json:"id"`
	EntityType        EntityType        `db:"entity_type" json:"entityType"`
	EntityID          string            `db:"entity_id" json:"entityId"`
	DeletionType      string            `db:"deletion_type" json:"deletionType"`
	CascadeOperations CascadeOperations `db:"cascade_operations" json:"cascadeOperations"`
	Snapshot          ImpactReport      `db:"snapshot" json:"snapshot"`
	Timestamp         time.Time         `db:"timestamp" json:"timestamp"`
	ActorID           string            `db:"actor_id" json:"actorId"`
	Reason            *string           `db:"reason" json:"reason,omitempty"`
}

// CascadeResult summarizes a committed cascade.
type CascadeResult struct {
	EntityType EntityType         `json:"entityType"`
	EntityID   string             `json:"entityId"`
	Operations []CascadeOperation `json:"operations"`
	AuditID    string             `json:"auditId"`
	Attempts   int                `json:"attempts"`
}
