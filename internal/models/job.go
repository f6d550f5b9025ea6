package models

import "time"

// JobType enumerates background job categories.
type JobType string

const (
	JobTypeCascadeDelete JobType = "CASCADE_DELETE"
	JobTypeReconcile     JobType = "RECONCILE"
	JobTypeOrphanCleanup JobType = "ORPHAN_CLEANUP"
)

// JobStatus captures the job lifecycle.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusFatal     JobStatus = "FATAL"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether no further transitions happen.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFatal, JobStatusCancelled:
		return true
	}
	return false
}

// JobRecord is the persisted status of a background job.
type JobRecord struct {
	ID         string                 `json:"id"`
	Type       JobType                `json:"type"`
	EntityType EntityType             `json:"entityType,omitempty"`
	EntityID   string                 `json:"entityId,omitempty"`
	Priority   int                    `json:"priority"`
	Status     JobStatus              `json:"status"`
	Progress   int                    `json:"progress"`
	Detail     string                 `json:"detail,omitempty"`
	Attempts   int                    `json:"attempts"`
	Summary    map[string]interface{} `json:"summary,omitempty"`
	Error      *string                `json:"error,omitempty"`
	ActorID    string                 `json:"actorId,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
	StartedAt  *time.Time             `json:"startedAt,omitempty"`
	FinishedAt *time.Time             `json:"finishedAt,omitempty"`
}
