package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/lesson-sync-api/internal/dto"
	"github.com/noah-isme/lesson-sync-api/internal/models"
	"github.com/noah-isme/lesson-sync-api/internal/repository"
	appErrors "github.com/noah-isme/lesson-sync-api/pkg/errors"
	"github.com/noah-isme/lesson-sync-api/pkg/export"
	"github.com/noah-isme/lesson-sync-api/pkg/jobs"
)

const systemActor = "system"

// ProgressFunc receives cascade progress as a percentage and a short step description.
type ProgressFunc func(percentage int, detail string)

type cascadeTxRunner interface {
	WithinTx(ctx context.Context, fn func(repository.CascadeOps) error) error
}

type impactCounter interface {
	Count(ctx context.Context, entityType models.EntityType, id string) ([]models.CollectionImpact, error)
}

type deletionAuditReader interface {
	GetByID(ctx context.Context, id string) (*models.DeletionAudit, error)
	List(ctx context.Context, filter repository.AuditFilter) ([]models.DeletionAudit, int, error)
}

type teacherReader interface {
	GetByID(ctx context.Context, id string) (*models.Teacher, error)
}

type studentReader interface {
	GetByID(ctx context.Context, id string) (*models.Student, error)
}

// CascadeConfig bounds the transactional retry loop.
type CascadeConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	TxTimeout   time.Duration
}

// CascadeService removes a teacher or student and every dependent reference in one transaction.
type CascadeService struct {
	teachers  teacherReader
	students  studentReader
	tx        cascadeTxRunner
	impacts   impactCounter
	audits    deletionAuditReader
	cache     *CacheService
	metrics   *MetricsService
	validator *validator.Validate
	cfg       CascadeConfig
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *zap.Logger
}

// NewCascadeService constructs the cascade engine.
func NewCascadeService(teachers teacherReader, students studentReader, tx cascadeTxRunner, impacts impactCounter, audits deletionAuditReader, cache *CacheService, metrics *MetricsService, validate *validator.Validate, cfg CascadeConfig, logger *zap.Logger) *CascadeService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	return &CascadeService{
		teachers:  teachers,
		students:  students,
		tx:        tx,
		impacts:   impacts,
		audits:    audits,
		cache:     cache,
		metrics:   metrics,
		validator: validate,
		cfg:       cfg,
		now:       time.Now,
		sleep:     sleepContext,
		logger:    logger,
	}
}

// ComputeImpact counts, per dependent collection, the documents a cascade would touch.
func (s *CascadeService) ComputeImpact(ctx context.Context, entityType models.EntityType, entityID string) (*models.ImpactReport, error) {
	if _, err := s.loadStatus(ctx, entityType, entityID); err != nil {
		return nil, err
	}
	counts, err := s.impacts.Count(ctx, entityType, entityID)
	if err != nil {
		return nil, storeError(err, "impact")
	}
	return buildImpact(entityType, entityID, counts, s.now().UTC()), nil
}

// Execute validates the entity and runs the cascade, retrying transient transaction failures
// with exponential backoff. Exhausting the budget returns FATAL with nothing committed.
func (s *CascadeService) Execute(ctx context.Context, req dto.CascadeRequest, progress ProgressFunc) (result *models.CascadeResult, err error) {
	if progress == nil {
		progress = func(int, string) {}
	}
	attempts := 0
	defer func() { s.metrics.RecordCascade(req.EntityType, errorCode(err), attempts) }()

	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid cascade request")
	}
	if _, err := s.loadStatus(ctx, req.EntityType, req.EntityID); err != nil {
		return nil, err
	}

	logger := s.logger.With(zap.String("entity_type", string(req.EntityType)), zap.String("entity_id", req.EntityID))
	var lastErr error
	for attempts = 1; attempts <= s.cfg.MaxAttempts; attempts++ {
		progress(5, fmt.Sprintf("starting attempt %d", attempts))
		run, err := s.runOnce(ctx, req, progress)
		if err == nil {
			run.result.Attempts = attempts
			s.invalidate(ctx, req, run.touched)
			progress(100, "cascade committed")
			logger.Info("cascade deletion committed", zap.Int("attempts", attempts), zap.String("audit_id", run.result.AuditID))
			return run.result, nil
		}
		if !retryableCascadeError(err) {
			return nil, classifyCascadeError(err)
		}
		lastErr = err
		if attempts == s.cfg.MaxAttempts {
			break
		}
		delay := jobs.Backoff(s.cfg.BaseBackoff, s.cfg.MaxBackoff, attempts)
		logger.Warn("cascade transaction aborted, retrying", zap.Int("attempt", attempts), zap.Duration("delay", delay), zap.Error(err))
		if err := s.sleep(ctx, delay); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrFatal.Code, appErrors.ErrFatal.Status, "cascade cancelled while waiting to retry")
		}
	}
	logger.Error("cascade deletion exhausted retries", zap.Int("attempts", attempts), zap.Error(lastErr))
	return nil, appErrors.Wrap(lastErr, appErrors.ErrFatal.Code, appErrors.ErrFatal.Status,
		fmt.Sprintf("cascade deletion of %s %s failed after %d attempts", req.EntityType, req.EntityID, attempts))
}

// GetAudit returns one deletion audit.
func (s *CascadeService) GetAudit(ctx context.Context, id string) (*models.DeletionAudit, error) {
	audit, err := s.audits.GetByID(ctx, id)
	if err != nil {
		return nil, storeError(err, "deletion audit")
	}
	return audit, nil
}

// ListAudits pages through committed deletion audits.
func (s *CascadeService) ListAudits(ctx context.Context, filter dto.AuditFilter) ([]models.DeletionAudit, *models.Pagination, error) {
	if err := s.validator.Struct(filter); err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid audit filter")
	}
	repoFilter := repository.AuditFilter{EntityType: filter.EntityType, EntityID: filter.EntityID, Page: filter.Page, PageSize: filter.PageSize}
	audits, total, err := s.audits.List(ctx, repoFilter)
	if err != nil {
		return nil, nil, storeError(err, "deletion audit")
	}
	page, size := filter.Page, filter.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	return audits, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// ExportAudit renders one audit's operations table.
func (s *CascadeService) ExportAudit(ctx context.Context, id string, format export.Format) ([]byte, error) {
	if format == "" {
		format = export.FormatCSV
	}
	if !format.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}
	audit, err := s.GetAudit(ctx, id)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string]int, len(audit.Snapshot.Collections))
	for _, c := range audit.Snapshot.Collections {
		snapshot[c.Collection+"/"+c.Operation] = c.Documents
	}
	data := export.Dataset{Headers: []string{"collection", "operation", "affected_documents", "referenced_before"}}
	for _, op := range audit.CascadeOperations {
		data.Rows = append(data.Rows, map[string]string{
			"collection":         op.Collection,
			"operation":          op.Operation,
			"affected_documents": strconv.Itoa(op.AffectedDocuments),
			"referenced_before":  strconv.Itoa(snapshot[op.Collection+"/"+op.Operation]),
		})
	}
	title := fmt.Sprintf("Deletion audit %s: %s %s by %s", audit.ID, audit.EntityType, audit.EntityID, audit.ActorID)
	body, err := export.Render(format, data, title)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render deletion audit")
	}
	return body, nil
}

// EntityStatus returns the lifecycle state of an entity that has not been deleted.
func (s *CascadeService) EntityStatus(ctx context.Context, entityType models.EntityType, id string) (models.EntityStatus, error) {
	return s.loadStatus(ctx, entityType, id)
}

// loadStatus rejects unknown types, missing entities and entities already deleted.
func (s *CascadeService) loadStatus(ctx context.Context, entityType models.EntityType, id string) (models.EntityStatus, error) {
	var status models.EntityStatus
	switch entityType {
	case models.EntityStudent:
		st, err := s.students.GetByID(ctx, id)
		if err != nil {
			return "", storeError(err, "student")
		}
		status = st.Status
	case models.EntityTeacher:
		t, err := s.teachers.GetByID(ctx, id)
		if err != nil {
			return "", storeError(err, "teacher")
		}
		status = t.Status
	default:
		return "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported entity type %q", entityType))
	}
	if status == models.StatusDeleted {
		return status, appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("%s %s is already deleted", entityType, id))
	}
	return status, nil
}

type cascadeRun struct {
	result  *models.CascadeResult
	touched []string
}

func (s *CascadeService) runOnce(ctx context.Context, req dto.CascadeRequest, progress ProgressFunc) (*cascadeRun, error) {
	if s.cfg.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TxTimeout)
		defer cancel()
	}

	var run *cascadeRun
	err := s.tx.WithinTx(ctx, func(ops repository.CascadeOps) error {
		c := &cascade{ops: ops, req: req, now: s.now().UTC(), progress: progress}
		var err error
		if req.EntityType == models.EntityTeacher {
			err = c.teacher(ctx)
		} else {
			err = c.student(ctx)
		}
		if err != nil {
			return err
		}
		if err := c.writeAudit(ctx); err != nil {
			return err
		}
		run = &cascadeRun{
			result: &models.CascadeResult{
				EntityType: req.EntityType,
				EntityID:   req.EntityID,
				Operations: c.operations,
				AuditID:    c.auditID,
			},
			touched: c.touched,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *CascadeService) invalidate(ctx context.Context, req dto.CascadeRequest, touched []string) {
	keys := make([]string, 0, len(touched)+1)
	if req.EntityType == models.EntityTeacher {
		keys = append(keys, WeeklyViewKey(req.EntityID))
		for _, id := range touched {
			keys = append(keys, StudentViewKey(id))
		}
	} else {
		keys = append(keys, StudentViewKey(req.EntityID))
		for _, id := range touched {
			keys = append(keys, WeeklyViewKey(id))
		}
	}
	s.cache.Invalidate(ctx, keys...)
}

// cascade holds the state of one transactional attempt.
type cascade struct {
	ops        repository.CascadeOps
	req        dto.CascadeRequest
	now        time.Time
	progress   ProgressFunc
	snapshot   *models.ImpactReport
	operations []models.CascadeOperation
	touched    []string
	auditID    string
}

func (c *cascade) record(collection, operation string, affected int) {
	c.operations = append(c.operations, models.CascadeOperation{Collection: collection, Operation: operation, AffectedDocuments: affected})
}

func (c *cascade) reason() string {
	if c.req.Reason != nil && *c.req.Reason != "" {
		return *c.req.Reason
	}
	return fmt.Sprintf("cascade deletion of %s %s", c.req.EntityType, c.req.EntityID)
}

func (c *cascade) takeSnapshot(ctx context.Context) error {
	counts, err := c.ops.CountImpact(ctx, c.req.EntityType, c.req.EntityID)
	if err != nil {
		return err
	}
	c.snapshot = buildImpact(c.req.EntityType, c.req.EntityID, counts, c.now)
	return nil
}

func (c *cascade) snapshotCount(collection string) int {
	for _, impact := range c.snapshot.Collections {
		if impact.Collection == collection {
			return impact.Documents
		}
	}
	return 0
}

func (c *cascade) student(ctx context.Context) error {
	id := c.req.EntityID
	c.progress(10, "locking student")
	st, err := c.ops.LockStudent(ctx, id)
	if err != nil {
		return err
	}
	if st.Status == models.StatusDeleted {
		return appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("student %s is already deleted", id))
	}
	if err := c.takeSnapshot(ctx); err != nil {
		return err
	}

	c.progress(20, "releasing teacher slots")
	teachers, err := c.ops.TeachersReferencingStudent(ctx, id)
	if err != nil {
		return err
	}
	for i := range teachers {
		t := &teachers[i]
		for j := range t.Slots {
			if t.Slots[j].AssignedTo(id) {
				t.Slots[j].Release(c.now)
			}
		}
		t.StudentIDs = t.StudentIDs.Remove(id)
		if err := c.ops.SaveTeacher(ctx, t); err != nil {
			return err
		}
		c.touched = append(c.touched, t.ID)
	}
	c.record(models.CollectionTeachers, models.OperationReleaseSlots, len(teachers))

	c.progress(35, "removing orchestra membership")
	n, err := c.ops.PullOrchestraMember(ctx, id)
	if err != nil {
		return err
	}
	c.record(models.CollectionOrchestras, models.OperationPullMember, n)

	c.progress(45, "removing theory lesson enrollment")
	if n, err = c.ops.PullTheoryEnrollment(ctx, id); err != nil {
		return err
	}
	c.record(models.CollectionTheoryLessons, models.OperationPullEnrollment, n)

	c.progress(55, "archiving bagrut records")
	if n, err = c.ops.ArchiveBagrut(ctx, id, c.reason(), c.now); err != nil {
		return err
	}
	c.record(models.CollectionBagrut, models.OperationArchive, n)

	c.progress(65, "archiving activity attendance")
	if n, err = c.ops.ArchiveActivityAttendance(ctx, models.EntityStudent, id, c.reason(), c.now); err != nil {
		return err
	}
	c.record(models.CollectionActivityAttendance, models.OperationArchive, n)
	c.record(models.CollectionRehearsals, models.OperationRetainAttendance, c.snapshotCount(models.CollectionRehearsals))

	c.progress(80, "deactivating student assignments")
	for i := range st.TeacherAssignments {
		if st.TeacherAssignments[i].IsActive {
			st.TeacherAssignments[i].Deactivate(c.now)
		}
	}
	st.TeacherIDs = models.StringSet{}
	st.Status = models.StatusDeleted
	deletedAt := c.now
	st.DeletedAt = &deletedAt
	if err := c.ops.SaveStudent(ctx, st); err != nil {
		return err
	}
	c.record(models.CollectionStudents, models.OperationMarkDeleted, 1)
	return nil
}

func (c *cascade) teacher(ctx context.Context) error {
	id := c.req.EntityID
	c.progress(10, "locking teacher")
	t, err := c.ops.LockTeacher(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == models.StatusDeleted {
		return appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("teacher %s is already deleted", id))
	}
	if err := c.takeSnapshot(ctx); err != nil {
		return err
	}

	c.progress(25, "deactivating student assignments")
	students, err := c.ops.StudentsReferencingTeacher(ctx, id)
	if err != nil {
		return err
	}
	for i := range students {
		st := &students[i]
		for j := range st.TeacherAssignments {
			if a := &st.TeacherAssignments[j]; a.IsActive && a.TeacherID == id {
				a.Deactivate(c.now)
			}
		}
		st.TeacherIDs = st.TeacherIDs.Remove(id)
		if err := c.ops.SaveStudent(ctx, st); err != nil {
			return err
		}
		c.touched = append(c.touched, st.ID)
	}
	c.record(models.CollectionStudents, models.OperationDeactivate, len(students))

	c.progress(45, "detaching bagrut records")
	n, err := c.ops.DetachBagrutTeacher(ctx, id)
	if err != nil {
		return err
	}
	c.record(models.CollectionBagrut, models.OperationPullReference, n)

	c.progress(60, "archiving activity attendance")
	if n, err = c.ops.ArchiveActivityAttendance(ctx, models.EntityTeacher, id, c.reason(), c.now); err != nil {
		return err
	}
	c.record(models.CollectionActivityAttendance, models.OperationArchive, n)
	c.record(models.CollectionTheoryLessons, models.OperationRetainAttendance, c.snapshotCount(models.CollectionTheoryLessons))

	c.progress(80, "releasing slots")
	for i := range t.Slots {
		if t.Slots[i].StudentID != nil {
			t.Slots[i].Release(c.now)
		}
	}
	t.StudentIDs = models.StringSet{}
	t.Status = models.StatusDeleted
	deletedAt := c.now
	t.DeletedAt = &deletedAt
	if err := c.ops.SaveTeacher(ctx, t); err != nil {
		return err
	}
	c.record(models.CollectionTeachers, models.OperationMarkDeleted, 1)
	return nil
}

func (c *cascade) writeAudit(ctx context.Context) error {
	c.progress(90, "writing deletion audit")
	actor := c.req.ActorID
	if actor == "" {
		actor = systemActor
	}
	reason := c.reason()
	audit := &models.DeletionAudit{
		EntityType:        c.req.EntityType,
		EntityID:          c.req.EntityID,
		DeletionType:      models.DeletionTypeCascade,
		CascadeOperations: c.operations,
		Snapshot:          *c.snapshot,
		Timestamp:         c.now,
		ActorID:           actor,
		Reason:            &reason,
	}
	if err := c.ops.InsertDeletionAudit(ctx, audit); err != nil {
		return err
	}
	c.auditID = audit.ID
	return nil
}

func buildImpact(entityType models.EntityType, id string, counts []models.CollectionImpact, at time.Time) *models.ImpactReport {
	report := &models.ImpactReport{EntityType: entityType, EntityID: id, Collections: []models.CollectionImpact{}, GeneratedAt: at}
	for _, c := range counts {
		report.Add(c.Collection, c.Operation, c.Documents)
	}
	return report
}

// retryableCascadeError reports aborts worth another transaction attempt.
func retryableCascadeError(err error) bool {
	if appErrors.IsDeterministic(err) {
		return false
	}
	return errors.Is(err, repository.ErrStaleDocument) || repository.IsTransient(err) || appErrors.IsTransient(err)
}

func classifyCascadeError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, "entity not found")
	}
	return storeError(err, "cascade")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
