package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lesson-sync-api/internal/models"
)

type impactQuery struct {
	collection string
	operation  string
	query      string
}

var impactQueries = map[models.EntityType][]impactQuery{
	models.EntityStudent: {
		{models.CollectionTeachers, models.OperationReleaseSlots,
			`SELECT COUNT(*) FROM teachers WHERE slots @> jsonb_build_array(jsonb_build_object('studentId', $1::text)) OR student_ids @> jsonb_build_array($1::text)`},
		{models.CollectionOrchestras, models.OperationPullMember,
			`SELECT COUNT(*) FROM orchestras WHERE member_ids @> jsonb_build_array($1::text)`},
		{models.CollectionRehearsals, models.OperationRetainAttendance,
			`SELECT COUNT(*) FROM rehearsals WHERE attendance @> jsonb_build_array(jsonb_build_object('studentId', $1::text))`},
		{models.CollectionBagrut, models.OperationArchive,
			`SELECT COUNT(*) FROM bagrut_records WHERE student_id = $1 AND is_active`},
		{models.CollectionTheoryLessons, models.OperationPullEnrollment,
			`SELECT COUNT(*) FROM theory_lessons WHERE student_ids @> jsonb_build_array($1::text)`},
		{models.CollectionActivityAttendance, models.OperationArchive,
			`SELECT COUNT(*) FROM activity_attendance WHERE student_id = $1 AND NOT is_archived`},
	},
	models.EntityTeacher: {
		{models.CollectionStudents, models.OperationDeactivate,
			`SELECT COUNT(*) FROM students WHERE teacher_assignments @> jsonb_build_array(jsonb_build_object('teacherId', $1::text, 'isActive', true)) OR teacher_ids @> jsonb_build_array($1::text)`},
		{models.CollectionBagrut, models.OperationPullReference,
			`SELECT COUNT(*) FROM bagrut_records WHERE teacher_id = $1 AND is_active`},
		{models.CollectionTheoryLessons, models.OperationRetainAttendance,
			`SELECT COUNT(*) FROM theory_lessons WHERE teacher_id = $1`},
		{models.CollectionActivityAttendance, models.OperationArchive,
			`SELECT COUNT(*) FROM activity_attendance WHERE teacher_id = $1 AND NOT is_archived`},
	},
}

// ImpactRepository counts dependents that reference an entity.
type ImpactRepository struct {
	db *sqlx.DB
}

// NewImpactRepository constructs an ImpactRepository.
func NewImpactRepository(db *sqlx.DB) *ImpactRepository {
	return &ImpactRepository{db: db}
}

// Count returns per-collection reference counts for the entity.
func (r *ImpactRepository) Count(ctx context.Context, entityType models.EntityType, id string) ([]models.CollectionImpact, error) {
	return countImpact(ctx, r.db, entityType, id)
}

func countImpact(ctx context.Context, q sqlx.QueryerContext, entityType models.EntityType, id string) ([]models.CollectionImpact, error) {
	queries, ok := impactQueries[entityType]
	if !ok {
		return nil, fmt.Errorf("unsupported entity type %q", entityType)
	}
	impacts := make([]models.CollectionImpact, 0, len(queries))
	for _, iq := range queries {
		var count int
		if err := sqlx.GetContext(ctx, q, &count, iq.query, id); err != nil {
			return nil, fmt.Errorf("count %s references: %w", iq.collection, err)
		}
		impacts = append(impacts, models.CollectionImpact{Collection: iq.collection, Operation: iq.operation, Documents: count})
	}
	return impacts, nil
}
