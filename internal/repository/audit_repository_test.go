package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeletionAuditRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewDeletionAuditRepository(db)

	ops := []byte(`[{"collection":"orchestras","operation":"pull_member","affectedDocuments":2}]`)
	snapshot := []byte(`{"entityType":"student","entityId":"st-1","collections":[],"totalDocuments":2}`)
	mock.ExpectQuery(regexp.QuoteMeta("FROM deletion_audits WHERE entity_type = $1 AND entity_id = $2 ORDER BY timestamp DESC LIMIT 20 OFFSET 0")).
		WithArgs("student", "st-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "entity_type", "entity_id", "deletion_type", "cascade_operations", "snapshot", "timestamp", "actor_id", "reason"}).
			AddRow("aud-1", "student", "st-1", "CASCADE_SOFT_DELETE", ops, snapshot, time.Now(), "admin-1", nil))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM deletion_audits WHERE entity_type = $1 AND entity_id = $2")).
		WithArgs("student", "st-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	audits, total, err := repo.List(context.Background(), AuditFilter{EntityType: "student", EntityID: "st-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, audits, 1)
	assert.Equal(t, 2, audits[0].CascadeOperations[0].AffectedDocuments)
	assert.Equal(t, 2, audits[0].Snapshot.TotalDocuments)
	assert.NoError(t, mock.ExpectationsWereMet())
}
