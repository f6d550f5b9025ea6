package dto

import "github.com/noah-isme/lesson-sync-api/internal/models"

// DetectRequest optionally overrides the configured authority for a detection pass.
type DetectRequest struct {
	Authority *models.Authority `json:"authority,omitempty"`
}

// RepairRequest drives a repair pass.
type RepairRequest struct {
	DryRun    bool               `json:"dryRun"`
	Authority *models.Authority  `json:"authority,omitempty"`
	Kinds     []models.IssueKind `json:"kinds,omitempty"`
}

// ExportRequest selects the report export format.
type ExportRequest struct {
	Format string `form:"format" validate:"omitempty,oneof=csv pdf"`
}
