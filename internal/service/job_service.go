package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/lesson-sync-api/internal/dto"
	"github.com/noah-isme/lesson-sync-api/internal/models"
	"github.com/noah-isme/lesson-sync-api/internal/repository"
	appErrors "github.com/noah-isme/lesson-sync-api/pkg/errors"
	"github.com/noah-isme/lesson-sync-api/pkg/events"
	"github.com/noah-isme/lesson-sync-api/pkg/jobs"
	"github.com/noah-isme/lesson-sync-api/pkg/lock"
	"github.com/noah-isme/lesson-sync-api/pkg/logger"
)

const (
	priorityScheduled = 0
	priorityDefault   = 5
	priorityOperator  = 8
)

var errEntityLocked = errors.New("entity is locked by another worker")

type cascadeExecutor interface {
	Execute(ctx context.Context, req dto.CascadeRequest, progress ProgressFunc) (*models.CascadeResult, error)
	EntityStatus(ctx context.Context, entityType models.EntityType, id string) (models.EntityStatus, error)
}

type repairRunner interface {
	Repair(ctx context.Context, req dto.RepairRequest) (*models.RepairResult, error)
}

type jobStatusStore interface {
	Save(ctx context.Context, record *models.JobRecord) error
	Get(ctx context.Context, id string) (*models.JobRecord, error)
	Update(ctx context.Context, id string, mutate func(*models.JobRecord)) (*models.JobRecord, error)
}

type lifecycleStore interface {
	SetStatus(ctx context.Context, id string, from, to models.EntityStatus) error
	ListIDsByStatus(ctx context.Context, status models.EntityStatus) ([]string, error)
}

// JobServiceConfig configures scheduling and locking around background jobs.
type JobServiceConfig struct {
	ReconcileInterval     time.Duration
	OrphanCleanupInterval time.Duration
	LockTTL               time.Duration
}

type cascadePayload struct {
	Request dto.CascadeRequest
}

type repairPayload struct {
	Request dto.RepairRequest
}

// JobService queues cascade and reconciliation work and reports its lifecycle as events.
type JobService struct {
	queue     *jobs.Queue
	cascade   cascadeExecutor
	repair    repairRunner
	statuses  jobStatusStore
	teachers  lifecycleStore
	students  lifecycleStore
	bus       *events.Bus
	locker    lock.Locker
	metrics   *MetricsService
	validator *validator.Validate
	cfg       JobServiceConfig
	now       func() time.Time
	logger    *zap.Logger

	schedules sync.WaitGroup
}

// NewJobService builds the processor. queueCfg carries workers, retry policy and the breaker;
// retry classification and lifecycle hooks are installed here.
func NewJobService(cascade cascadeExecutor, repair repairRunner, statuses jobStatusStore, teachers, students lifecycleStore, bus *events.Bus, locker lock.Locker, metrics *MetricsService, validate *validator.Validate, cfg JobServiceConfig, queueCfg jobs.QueueConfig, log *zap.Logger) *JobService {
	if validate == nil {
		validate = validator.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	s := &JobService{
		cascade:   cascade,
		repair:    repair,
		statuses:  statuses,
		teachers:  teachers,
		students:  students,
		bus:       bus,
		locker:    locker,
		metrics:   metrics,
		validator: validate,
		cfg:       cfg,
		now:       time.Now,
		logger:    log,
	}

	queueCfg.Retryable = retryableJobError
	queueCfg.DependencyFailure = dependencyFailure
	queueCfg.Hooks = jobs.Hooks{
		OnStart:   s.onStart,
		OnRetry:   s.onRetry,
		OnFailure: s.onFailure,
		OnCancel:  s.onCancel,
	}
	if queueCfg.Logger == nil {
		queueCfg.Logger = log
	}
	if queueCfg.Breaker != nil {
		queueCfg.Breaker.OnStateChange(func(from, to jobs.BreakerState) {
			log.Sugar().Warnw("job breaker state changed", "from", from, "to", to)
			metrics.SetBreakerState(to)
		})
	}
	s.queue = jobs.NewQueue("jobs", s.handle, queueCfg)

	metrics.RegisterGaugeFunc("lesson_sync_job_queue_depth", "Jobs waiting to run, including those backing off.",
		func() float64 { return float64(s.queue.Pending()) })
	metrics.RegisterGaugeFunc("lesson_sync_job_events_dropped_total", "Job events dropped because a subscriber lagged.",
		func() float64 { return float64(bus.Dropped()) })
	return s
}

// Start runs the workers and re-queues cascades interrupted by a restart.
func (s *JobService) Start(ctx context.Context) error {
	s.queue.Start(ctx)
	return s.RecoverPendingDeletions(ctx)
}

// Stop waits for running jobs and schedules to return.
func (s *JobService) Stop() {
	s.queue.Stop()
	s.schedules.Wait()
}

// EnqueueCascadeDelete marks the entity PENDING_DELETION and queues its cascade.
func (s *JobService) EnqueueCascadeDelete(ctx context.Context, req dto.EnqueueCascadeRequest, actorID string) (*dto.JobResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid cascade job payload")
	}
	store := s.lifecycle(req.EntityType)
	if err := store.SetStatus(ctx, req.EntityID, models.StatusActive, models.StatusPendingDeletion); err != nil {
		if !errors.Is(err, repository.ErrStaleDocument) {
			return nil, storeError(err, string(req.EntityType))
		}
		status, statusErr := s.cascade.EntityStatus(ctx, req.EntityType, req.EntityID)
		if statusErr != nil {
			return nil, statusErr
		}
		return nil, appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("%s %s is %s", req.EntityType, req.EntityID, status))
	}

	priority := req.Priority
	if priority == 0 {
		priority = priorityOperator
	}
	cascadeReq := dto.CascadeRequest{EntityType: req.EntityType, EntityID: req.EntityID, ActorID: actorID, Reason: req.Reason}
	record, err := s.enqueue(ctx, models.JobTypeCascadeDelete, priority, cascadeReq.EntityType, cascadeReq.EntityID, actorID, cascadePayload{Request: cascadeReq})
	if err != nil {
		s.restoreActive(ctx, req.EntityType, req.EntityID)
		return nil, err
	}
	return jobResponse(record), nil
}

// EnqueueReconciliation queues a full repair pass.
func (s *JobService) EnqueueReconciliation(ctx context.Context, req dto.RepairRequest, actorID string) (*dto.JobResponse, error) {
	record, err := s.enqueue(ctx, models.JobTypeReconcile, priorityDefault, "", "", actorID, repairPayload{Request: req})
	if err != nil {
		return nil, err
	}
	return jobResponse(record), nil
}

// EnqueueOrphanCleanup queues a repair limited to orphan references.
func (s *JobService) EnqueueOrphanCleanup(ctx context.Context, actorID string) (*dto.JobResponse, error) {
	req := dto.RepairRequest{Kinds: []models.IssueKind{models.IssueOrphanReference}}
	record, err := s.enqueue(ctx, models.JobTypeOrphanCleanup, priorityDefault, "", "", actorID, repairPayload{Request: req})
	if err != nil {
		return nil, err
	}
	return jobResponse(record), nil
}

// GetJobStatus returns the persisted job record.
func (s *JobService) GetJobStatus(ctx context.Context, id string) (*models.JobRecord, error) {
	record, err := s.statuses.Get(ctx, id)
	if err != nil {
		return nil, storeError(err, "job")
	}
	return record, nil
}

// CancelJob removes a job that has not started. Running or finished jobs cannot be cancelled.
func (s *JobService) CancelJob(ctx context.Context, id string) (*models.JobRecord, error) {
	if s.queue.Cancel(id) {
		return s.GetJobStatus(ctx, id)
	}
	record, err := s.GetJobStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status.Terminal() {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("job already %s", record.Status))
	}
	return nil, appErrors.Clone(appErrors.ErrInvalidState, "job has already started")
}

// SubscribeToJobEvents opens an event feed filtered by job id and/or entity key.
func (s *JobService) SubscribeToJobEvents(filter events.Filter) *events.Subscription {
	return s.bus.Subscribe(filter)
}

// EntityKey is the event key of an entity.
func EntityKey(entityType models.EntityType, id string) string {
	if id == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", entityType, id)
}

// StartSchedules enqueues periodic reconciliation and orphan cleanup until ctx ends.
func (s *JobService) StartSchedules(ctx context.Context) {
	s.schedule(ctx, "reconcile", s.cfg.ReconcileInterval, func() error {
		_, err := s.EnqueueReconciliation(ctx, dto.RepairRequest{}, systemActor)
		return err
	})
	s.schedule(ctx, "orphan_cleanup", s.cfg.OrphanCleanupInterval, func() error {
		_, err := s.EnqueueOrphanCleanup(ctx, systemActor)
		return err
	})
}

// RecoverPendingDeletions re-queues cascades for entities left PENDING_DELETION by a previous process.
func (s *JobService) RecoverPendingDeletions(ctx context.Context) error {
	for _, entityType := range []models.EntityType{models.EntityStudent, models.EntityTeacher} {
		ids, err := s.lifecycle(entityType).ListIDsByStatus(ctx, models.StatusPendingDeletion)
		if err != nil {
			return storeError(err, string(entityType))
		}
		for _, id := range ids {
			reason := "resumed after restart"
			req := dto.CascadeRequest{EntityType: entityType, EntityID: id, ActorID: systemActor, Reason: &reason}
			if _, err := s.enqueue(ctx, models.JobTypeCascadeDelete, priorityDefault, entityType, id, systemActor, cascadePayload{Request: req}); err != nil {
				return err
			}
			s.logger.Sugar().Infow("pending deletion re-queued", "entity_type", entityType, "entity_id", id)
		}
	}
	return nil
}

func (s *JobService) schedule(ctx context.Context, name string, interval time.Duration, run func() error) {
	if interval <= 0 {
		return
	}
	s.schedules.Add(1)
	go func() {
		defer s.schedules.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := run(); err != nil {
					s.logger.Sugar().Errorw("scheduled job not queued", "schedule", name, "error", err)
				}
			}
		}
	}()
}

func (s *JobService) enqueue(ctx context.Context, jobType models.JobType, priority int, entityType models.EntityType, entityID, actorID string, payload interface{}) (*models.JobRecord, error) {
	record := &models.JobRecord{
		ID:         uuid.NewString(),
		Type:       jobType,
		EntityType: entityType,
		EntityID:   entityID,
		Priority:   priority,
		Status:     models.JobStatusQueued,
		ActorID:    actorID,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.statuses.Save(ctx, record); err != nil {
		return nil, storeError(err, "job")
	}

	key := EntityKey(entityType, entityID)
	if key == "" {
		key = string(jobType)
	}
	job := jobs.Job{
		ID:       record.ID,
		Type:     string(jobType),
		Key:      key,
		Priority: priority,
		Payload:  payload,
		Enqueued: record.CreatedAt,
	}
	if err := s.queue.Enqueue(job); err != nil {
		message := err.Error()
		_, _ = s.statuses.Update(ctx, record.ID, func(r *models.JobRecord) {
			r.Status = models.JobStatusFatal
			r.Error = &message
		})
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to queue job")
	}

	s.metrics.RecordJob(jobType, models.JobStatusQueued)
	s.publish(ctx, record, events.Event{Type: events.TypeQueued})
	return record, nil
}

func (s *JobService) handle(ctx context.Context, job jobs.Job) error {
	log := logger.ForJob(s.logger, job.ID, job.Type, job.Attempt)
	switch p := job.Payload.(type) {
	case cascadePayload:
		return s.runCascade(ctx, job, p.Request, log)
	case repairPayload:
		return s.runRepair(ctx, job, p.Request, log)
	default:
		return appErrors.Clone(appErrors.ErrFatal, fmt.Sprintf("unsupported payload %T", job.Payload))
	}
}

func (s *JobService) runCascade(ctx context.Context, job jobs.Job, req dto.CascadeRequest, log *zap.Logger) error {
	if s.locker != nil {
		key := "cascade:" + job.Key
		ok, err := s.locker.Lock(ctx, key, s.cfg.LockTTL)
		if err != nil {
			return appErrors.As(err, appErrors.ErrTransientStorage, "failed to acquire entity lock")
		}
		if !ok {
			return errEntityLocked
		}
		defer func() {
			if err := s.locker.Unlock(context.WithoutCancel(ctx), key); err != nil {
				log.Warn("failed to release entity lock", zap.Error(err))
			}
		}()
	}

	result, err := s.cascade.Execute(ctx, req, func(pct int, detail string) {
		s.progress(ctx, job.ID, pct, detail)
	})
	if err != nil {
		return err
	}
	s.complete(ctx, job, map[string]interface{}{
		"auditId":    result.AuditID,
		"attempts":   result.Attempts,
		"operations": result.Operations,
	})
	log.Info("cascade job completed", zap.String("audit_id", result.AuditID))
	return nil
}

func (s *JobService) runRepair(ctx context.Context, job jobs.Job, req dto.RepairRequest, log *zap.Logger) error {
	s.progress(ctx, job.ID, 10, "scanning students and teachers")
	result, err := s.repair.Repair(ctx, req)
	if err != nil {
		return err
	}
	s.complete(ctx, job, map[string]interface{}{
		"actions":    len(result.Actions),
		"applied":    result.Applied,
		"skipped":    result.Skipped,
		"unresolved": len(result.Unresolved),
		"errors":     len(result.Errors),
	})
	log.Info("repair job completed", zap.Int("applied", result.Applied), zap.Int("errors", len(result.Errors)))
	return nil
}

func (s *JobService) progress(ctx context.Context, jobID string, pct int, detail string) {
	record, err := s.statuses.Update(ctx, jobID, func(r *models.JobRecord) {
		r.Progress = pct
		r.Detail = detail
	})
	if err != nil {
		s.logger.Warn("failed to persist job progress", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	s.publish(ctx, record, events.Event{Type: events.TypeProgress, Percentage: pct, Detail: detail})
}

func (s *JobService) complete(ctx context.Context, job jobs.Job, summary map[string]interface{}) {
	finished := s.now().UTC()
	record, err := s.statuses.Update(ctx, job.ID, func(r *models.JobRecord) {
		r.Status = models.JobStatusCompleted
		r.Progress = 100
		r.Summary = summary
		r.Error = nil
		r.FinishedAt = &finished
	})
	if err != nil {
		s.logger.Warn("failed to persist job completion", zap.String("job_id", job.ID), zap.Error(err))
		record = &models.JobRecord{ID: job.ID, Type: models.JobType(job.Type)}
	}
	s.metrics.RecordJob(models.JobType(job.Type), models.JobStatusCompleted)
	s.publish(ctx, record, events.Event{Type: events.TypeCompleted, Percentage: 100, Summary: summary})
}

func (s *JobService) onStart(job jobs.Job) {
	started := s.now().UTC()
	_, err := s.statuses.Update(context.Background(), job.ID, func(r *models.JobRecord) {
		r.Status = models.JobStatusRunning
		r.Attempts = job.Attempt
		if r.StartedAt == nil {
			r.StartedAt = &started
		}
	})
	if err != nil {
		s.logger.Warn("failed to persist job start", zap.String("job_id", job.ID), zap.Error(err))
	}
	s.metrics.RecordJob(models.JobType(job.Type), models.JobStatusRunning)
}

func (s *JobService) onRetry(job jobs.Job, cause error, delay time.Duration) {
	ctx := context.Background()
	message := cause.Error()
	record, err := s.statuses.Update(ctx, job.ID, func(r *models.JobRecord) {
		r.Status = models.JobStatusFailed
		r.Error = &message
	})
	if err != nil {
		s.logger.Warn("failed to persist job retry", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	s.metrics.RecordJob(models.JobType(job.Type), models.JobStatusFailed)
	s.publish(ctx, record, events.Event{Type: events.TypeRetrying, Reason: message, Detail: fmt.Sprintf("retrying in %s", delay)})
}

func (s *JobService) onFailure(job jobs.Job, cause error) {
	ctx := context.Background()
	message := cause.Error()
	finished := s.now().UTC()
	record, err := s.statuses.Update(ctx, job.ID, func(r *models.JobRecord) {
		r.Status = models.JobStatusFatal
		r.Error = &message
		r.FinishedAt = &finished
	})
	if err != nil {
		s.logger.Warn("failed to persist job failure", zap.String("job_id", job.ID), zap.Error(err))
		record = &models.JobRecord{ID: job.ID, Type: models.JobType(job.Type)}
	}
	s.metrics.RecordJob(models.JobType(job.Type), models.JobStatusFatal)
	if p, ok := job.Payload.(cascadePayload); ok {
		s.restoreActive(ctx, p.Request.EntityType, p.Request.EntityID)
	}
	s.publish(ctx, record, events.Event{Type: events.TypeFailed, Reason: message})
}

func (s *JobService) onCancel(job jobs.Job) {
	ctx := context.Background()
	finished := s.now().UTC()
	record, err := s.statuses.Update(ctx, job.ID, func(r *models.JobRecord) {
		r.Status = models.JobStatusCancelled
		r.FinishedAt = &finished
	})
	if err != nil {
		s.logger.Warn("failed to persist job cancellation", zap.String("job_id", job.ID), zap.Error(err))
		record = &models.JobRecord{ID: job.ID, Type: models.JobType(job.Type)}
	}
	s.metrics.RecordJob(models.JobType(job.Type), models.JobStatusCancelled)
	if p, ok := job.Payload.(cascadePayload); ok {
		s.restoreActive(ctx, p.Request.EntityType, p.Request.EntityID)
	}
	s.publish(ctx, record, events.Event{Type: events.TypeCancelled})
}

// restoreActive reverts PENDING_DELETION after a cascade that did not commit.
func (s *JobService) restoreActive(ctx context.Context, entityType models.EntityType, id string) {
	err := s.lifecycle(entityType).SetStatus(ctx, id, models.StatusPendingDeletion, models.StatusActive)
	if err != nil && !errors.Is(err, repository.ErrStaleDocument) {
		s.logger.Error("failed to restore entity status", zap.String("entity_type", string(entityType)), zap.String("entity_id", id), zap.Error(err))
	}
}

func (s *JobService) lifecycle(entityType models.EntityType) lifecycleStore {
	if entityType == models.EntityTeacher {
		return s.teachers
	}
	return s.students
}

func (s *JobService) publish(ctx context.Context, record *models.JobRecord, e events.Event) {
	e.JobID = record.ID
	e.JobType = string(record.Type)
	e.EntityKey = EntityKey(record.EntityType, record.EntityID)
	e.Timestamp = s.now().UTC()
	s.bus.Publish(ctx, e)
}

func jobResponse(record *models.JobRecord) *dto.JobResponse {
	return &dto.JobResponse{ID: record.ID, Type: record.Type, Status: record.Status, Progress: record.Progress}
}

// retryableJobError retries transient failures and lock contention. Deterministic errors,
// including a cascade that already exhausted its own retry budget, fail the job at once.
func retryableJobError(err error) bool {
	if errors.Is(err, errEntityLocked) {
		return true
	}
	if appErrors.IsDeterministic(err) {
		return false
	}
	return appErrors.IsTransient(err) || repository.IsTransient(err)
}

// dependencyFailure counts storage failures against the breaker, including exhausted cascades.
func dependencyFailure(err error) bool {
	if errors.Is(err, errEntityLocked) {
		return false
	}
	return appErrors.IsTransient(err) || repository.IsTransient(err)
}
