package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lesson-sync-api/internal/models"
)

// AuditFilter narrows deletion audit listings.
type AuditFilter struct {
	EntityType string
	EntityID   string
	Page       int
	PageSize   int
}

// DeletionAuditRepository reads committed cascade audits.
type DeletionAuditRepository struct {
	db *sqlx.DB
}

// NewDeletionAuditRepository constructs the repository.
func NewDeletionAuditRepository(db *sqlx.DB) *DeletionAuditRepository {
	return &DeletionAuditRepository{db: db}
}

// GetByID fetches one audit.
func (r *DeletionAuditRepository) GetByID(ctx context.Context, id string) (*models.DeletionAudit, error) {
	const query = `SELECT id, entity_type, entity_id, deletion_type, cascade_operations, snapshot, timestamp, actor_id, reason
	FROM deletion_audits WHERE id = $1`
	var audit models.DeletionAudit
	if err := r.db.GetContext(ctx, &audit, query, id); err != nil {
		return nil, err
	}
	return &audit, nil
}

// List returns audits newest first with the total count.
func (r *DeletionAuditRepository) List(ctx context.Context, filter AuditFilter) ([]models.DeletionAudit, int, error) {
	conditions := make([]string, 0, 2)
	args := make([]interface{}, 0, 2)
	if filter.EntityType != "" {
		args = append(args, filter.EntityType)
		conditions = append(conditions, fmt.Sprintf("entity_type = $%d", len(args)))
	}
	if filter.EntityID != "" {
		args = append(args, filter.EntityID)
		conditions = append(conditions, fmt.Sprintf("entity_id = $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}

	query := fmt.Sprintf(`SELECT id, entity_type, entity_id, deletion_type, cascade_operations, snapshot, timestamp, actor_id, reason
	FROM deletion_audits%s ORDER BY timestamp DESC LIMIT %d OFFSET %d`, where, size, (page-1)*size)
	var audits []models.DeletionAudit
	if err := r.db.SelectContext(ctx, &audits, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list deletion audits: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM deletion_audits"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count deletion audits: %w", err)
	}
	return audits, total, nil
}
