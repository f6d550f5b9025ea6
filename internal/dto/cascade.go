package dto

import "github.com/noah-isme/lesson-sync-api/internal/models"

// CascadeRequest identifies the entity to remove and who asked.
type CascadeRequest struct {
	EntityType models.EntityType `json:"entityType" validate:"required,oneof=teacher student"`
	EntityID   string            `json:"entityId" validate:"required"`
	ActorID    string            `json:"-"`
	Reason     *string           `json:"reason,omitempty" validate:"omitempty,max=500"`
}

// EnqueueCascadeRequest captures POST /admin/cascade-jobs payload.
type EnqueueCascadeRequest struct {
	EntityType models.EntityType `json:"entityType" validate:"required,oneof=teacher student"`
	EntityID   string            `json:"entityId" validate:"required"`
	Reason     *string           `json:"reason,omitempty" validate:"omitempty,max=500"`
	Priority   int               `json:"priority" validate:"omitempty,min=0,max=10"`
}

// JobResponse is returned after enqueueing a job.
type JobResponse struct {
	ID       string           `json:"id"`
	Type     models.JobType   `json:"type"`
	Status   models.JobStatus `json:"status"`
	Progress int              `json:"progress"`
}

// AuditFilter narrows deletion audit listings.
type AuditFilter struct {
	EntityType string `form:"entityType" validate:"omitempty,oneof=teacher student"`
	EntityID   string `form:"entityId"`
	Page       int    `form:"page"`
	PageSize   int    `form:"page_size"`
}

// CascadeExecuteRequest is the optional body of a synchronous cascade.
type CascadeExecuteRequest struct {
	Reason *string `json:"reason,omitempty"`
}
