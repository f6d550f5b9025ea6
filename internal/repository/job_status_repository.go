package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/lesson-sync-api/internal/models"
	appErrors "github.com/noah-isme/lesson-sync-api/pkg/errors"
)

const jobKeyPrefix = "lesson-sync:job:"

// JobStatusRepository keeps job records in Redis with a TTL, or in process memory without
// a client. In memory every Save refreshes the record's expiry and prunes expired records.
type JobStatusRepository struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	local map[string]localJob
}

type localJob struct {
	record    models.JobRecord
	expiresAt time.Time
}

// NewJobStatusRepository constructs the repository.
func NewJobStatusRepository(client *redis.Client, ttl time.Duration) *JobStatusRepository {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &JobStatusRepository{client: client, ttl: ttl, now: time.Now, local: make(map[string]localJob)}
}

// Save upserts a job record.
func (r *JobStatusRepository) Save(ctx context.Context, record *models.JobRecord) error {
	if r.client == nil {
		now := r.now()
		r.mu.Lock()
		for id, job := range r.local {
			if !now.Before(job.expiresAt) {
				delete(r.local, id)
			}
		}
		r.local[record.ID] = localJob{record: *record, expiresAt: now.Add(r.ttl)}
		r.mu.Unlock()
		return nil
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", record.ID, err)
	}
	if err := r.client.Set(ctx, jobKeyPrefix+record.ID, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis save job %s: %w", record.ID, err)
	}
	return nil
}

// Get fetches a job record or ErrNotFound.
func (r *JobStatusRepository) Get(ctx context.Context, id string) (*models.JobRecord, error) {
	if r.client == nil {
		r.mu.RLock()
		job, ok := r.local[id]
		r.mu.RUnlock()
		if !ok || !r.now().Before(job.expiresAt) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "job not found")
		}
		rec := job.record
		return &rec, nil
	}
	raw, err := r.client.Get(ctx, jobKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "job not found")
		}
		return nil, fmt.Errorf("redis get job %s: %w", id, err)
	}
	var rec models.JobRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &rec, nil
}

// Update applies mutate to the stored record and saves it.
func (r *JobStatusRepository) Update(ctx context.Context, id string, mutate func(*models.JobRecord)) (*models.JobRecord, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(rec)
	if err := r.Save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
