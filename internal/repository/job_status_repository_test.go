package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lesson-sync-api/internal/models"
	appErrors "github.com/noah-isme/lesson-sync-api/pkg/errors"
)

func TestJobStatusRepositoryInMemoryFallback(t *testing.T) {
	repo := NewJobStatusRepository(nil, time.Hour)
	ctx := context.Background()

	_, err := repo.Get(ctx, "missing")
	assert.True(t, appErrors.IsCode(err, appErrors.ErrNotFound.Code))

	require.NoError(t, repo.Save(ctx, &models.JobRecord{ID: "job-1", Status: models.JobStatusQueued}))
	rec, err := repo.Update(ctx, "job-1", func(r *models.JobRecord) {
		r.Status = models.JobStatusRunning
		r.Progress = 40
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, rec.Status)

	stored, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 40, stored.Progress)
}

func TestJobStatusRepositoryInMemoryExpiry(t *testing.T) {
	repo := NewJobStatusRepository(nil, time.Hour)
	clock := time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return clock }
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &models.JobRecord{ID: "job-old", Status: models.JobStatusCompleted}))
	clock = clock.Add(45 * time.Minute)
	require.NoError(t, repo.Save(ctx, &models.JobRecord{ID: "job-new", Status: models.JobStatusQueued}))

	clock = clock.Add(30 * time.Minute)
	_, err := repo.Get(ctx, "job-old")
	assert.True(t, appErrors.IsCode(err, appErrors.ErrNotFound.Code))
	_, err = repo.Get(ctx, "job-new")
	require.NoError(t, err)

	// Saving prunes expired records and refreshes the saved one.
	require.NoError(t, repo.Save(ctx, &models.JobRecord{ID: "job-new", Status: models.JobStatusRunning}))
	repo.mu.RLock()
	_, kept := repo.local["job-old"]
	size := len(repo.local)
	repo.mu.RUnlock()
	assert.False(t, kept)
	assert.Equal(t, 1, size)

	clock = clock.Add(50 * time.Minute)
	rec, err := repo.Get(ctx, "job-new")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, rec.Status)
}

func TestCacheRepositoryWithoutClientMisses(t *testing.T) {
	repo := NewCacheRepository(nil, "test:", nil)
	var dest map[string]string
	assert.ErrorIs(t, repo.Get(context.Background(), "k", &dest), appErrors.ErrCacheMiss)
	assert.NoError(t, repo.Set(context.Background(), "k", map[string]string{"a": "b"}, time.Minute))
	assert.NoError(t, repo.DeleteByPattern(context.Background(), "*"))
}
