package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/lesson-sync-api/internal/dto"
	"github.com/noah-isme/lesson-sync-api/internal/models"
	appErrors "github.com/noah-isme/lesson-sync-api/pkg/errors"
	"github.com/noah-isme/lesson-sync-api/pkg/export"
)

type consistencyTeacherStore interface {
	GetByID(ctx context.Context, id string) (*models.Teacher, error)
	ListBySlotStudent(ctx context.Context, studentID string) ([]models.Teacher, error)
	ListBatch(ctx context.Context, afterID string, limit int) ([]models.Teacher, error)
	Update(ctx context.Context, teacher *models.Teacher) error
}

type consistencyStudentStore interface {
	GetByID(ctx context.Context, id string) (*models.Student, error)
	ListByActiveTeacher(ctx context.Context, teacherID string) ([]models.Student, error)
	ListBatch(ctx context.Context, afterID string, limit int) ([]models.Student, error)
	Update(ctx context.Context, student *models.Student) error
}

// ConsistencyConfig tunes scans and repair defaults.
type ConsistencyConfig struct {
	BatchSize       int
	DefaultDuration int
	ExampleLimit    int
	WriteAttempts   int
	Authority       models.Authority
}

// ConsistencyService detects and repairs divergence between teacher slots and student assignments.
type ConsistencyService struct {
	teachers consistencyTeacherStore
	students consistencyStudentStore
	cache    *CacheService
	metrics  *MetricsService
	cfg      ConsistencyConfig
	csv      *export.CSVExporter
	pdf      *export.PDFExporter
	now      func() time.Time
	logger   *zap.Logger

	mu   sync.RWMutex
	last *models.ConsistencyReport
}

// NewConsistencyService constructs the validator and repairer.
func NewConsistencyService(teachers consistencyTeacherStore, students consistencyStudentStore, cache *CacheService, metrics *MetricsService, cfg ConsistencyConfig, logger *zap.Logger) *ConsistencyService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = models.DefaultLessonDuration
	}
	if cfg.ExampleLimit <= 0 {
		cfg.ExampleLimit = 20
	}
	return &ConsistencyService{
		teachers: teachers,
		students: students,
		cache:    cache,
		metrics:  metrics,
		cfg:      cfg,
		csv:      export.NewCSVExporter(),
		pdf:      export.NewPDFExporter(),
		now:      time.Now,
		logger:   logger,
	}
}

// DetectInconsistencies scans both collections and reports every divergence without writing.
func (s *ConsistencyService) DetectInconsistencies(ctx context.Context, req dto.DetectRequest) (*models.ConsistencyReport, error) {
	authority, err := s.resolveAuthority(req.Authority)
	if err != nil {
		return nil, err
	}
	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	rec := s.newReconciler(authority, nil)
	plan, err := s.plan(ctx, rec, snap)
	if err != nil {
		return nil, err
	}

	report := &models.ConsistencyReport{
		Authority:       authority,
		TeachersScanned: len(snap.teacherOrder),
		StudentsScanned: len(snap.studentOrder),
		Counts:          make(map[models.IssueKind]int, len(models.IssueKinds)),
		Examples:        make(map[models.IssueKind][]models.Issue),
		GeneratedAt:     rec.now,
	}
	for _, kind := range models.IssueKinds {
		report.Counts[kind] = 0
	}
	for _, issue := range plan.Actions {
		report.Counts[issue.Kind]++
		report.Total++
		if len(report.Examples[issue.Kind]) < s.cfg.ExampleLimit {
			report.Examples[issue.Kind] = append(report.Examples[issue.Kind], issue)
		}
	}

	s.metrics.SetConsistencyIssues(report.Counts)
	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	s.logger.Info("consistency scan finished",
		zap.Int("teachers", report.TeachersScanned),
		zap.Int("students", report.StudentsScanned),
		zap.Int("issues", report.Total),
		zap.Int("unresolved", len(plan.Unresolved)))
	return report, nil
}

// Repair applies, or with DryRun only plans, the minimal correction for every detected issue.
// Students are reconciled before teachers so each side sees the other's corrections.
func (s *ConsistencyService) Repair(ctx context.Context, req dto.RepairRequest) (*models.RepairResult, error) {
	authority, err := s.resolveAuthority(req.Authority)
	if err != nil {
		return nil, err
	}
	for _, kind := range req.Kinds {
		if !validIssueKind(kind) {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown issue kind %q", kind))
		}
	}
	rec := s.newReconciler(authority, req.Kinds)

	if req.DryRun {
		snap, err := s.loadSnapshot(ctx)
		if err != nil {
			return nil, err
		}
		result, err := s.plan(ctx, rec, snap)
		if err != nil {
			return nil, err
		}
		for _, issue := range result.Actions {
			s.metrics.RecordRepairAction(issue.Kind, "planned")
		}
		return result, nil
	}

	result := s.newResult(authority, false, rec.now)
	live := &liveResolver{teachers: s.teachers, students: s.students}

	err = s.eachStudent(ctx, func(doc models.Student) {
		s.applyStudent(ctx, rec, live, doc, result)
	})
	if err != nil {
		return nil, err
	}
	err = s.eachTeacher(ctx, func(doc models.Teacher) {
		s.applyTeacher(ctx, rec, live, doc, result)
	})
	if err != nil {
		return nil, err
	}

	result.FinishedAt = s.now().UTC()
	s.logger.Info("consistency repair finished",
		zap.Int("applied", result.Applied),
		zap.Int("skipped", result.Skipped),
		zap.Int("unresolved", len(result.Unresolved)),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

// LastReport returns the most recent detection, if any.
func (s *ConsistencyService) LastReport() *models.ConsistencyReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// ExportReport renders the latest detection as csv or pdf, running a scan when none exists.
func (s *ConsistencyService) ExportReport(ctx context.Context, req dto.ExportRequest) ([]byte, string, error) {
	format := export.Format(req.Format)
	if format == "" {
		format = export.FormatCSV
	}
	if !format.Valid() {
		return nil, "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", req.Format))
	}

	report := s.LastReport()
	if report == nil {
		var err error
		if report, err = s.DetectInconsistencies(ctx, dto.DetectRequest{}); err != nil {
			return nil, "", err
		}
	}

	data := export.Dataset{Headers: []string{"kind", "entity_type", "entity_id", "field", "ref_id", "slot_id", "detail", "fix"}}
	for _, kind := range models.IssueKinds {
		for _, issue := range report.Examples[kind] {
			data.Rows = append(data.Rows, map[string]string{
				"kind":        string(issue.Kind),
				"entity_type": string(issue.EntityType),
				"entity_id":   issue.EntityID,
				"field":       issue.Field,
				"ref_id":      issue.RefID,
				"slot_id":     issue.SlotID,
				"detail":      issue.Detail,
				"fix":         issue.Fix,
			})
		}
	}
	title := fmt.Sprintf("Consistency report %s (%d issues)", report.GeneratedAt.Format(time.RFC3339), report.Total)

	var (
		body []byte
		err  error
	)
	if format == export.FormatPDF {
		body, err = s.pdf.Render(data, title)
	} else {
		body, err = s.csv.Render(data)
	}
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render consistency report")
	}
	return body, format.ContentType(), nil
}

func (s *ConsistencyService) resolveAuthority(override *models.Authority) (models.Authority, error) {
	authority := s.cfg.Authority
	if override != nil {
		if override.Relationship != "" {
			authority.Relationship = override.Relationship
		}
		if override.Schedule != "" {
			authority.Schedule = override.Schedule
		}
	}
	if !authority.Relationship.Valid() || !authority.Schedule.Valid() {
		return authority, appErrors.Clone(appErrors.ErrValidation, "authority must name teacher or student for relationship and schedule")
	}
	return authority, nil
}

func (s *ConsistencyService) newReconciler(authority models.Authority, kinds []models.IssueKind) *reconciler {
	rec := &reconciler{authority: authority, defaultDuration: s.cfg.DefaultDuration, now: s.now().UTC()}
	if len(kinds) > 0 {
		rec.kinds = make(map[models.IssueKind]bool, len(kinds))
		for _, kind := range kinds {
			rec.kinds[kind] = true
		}
	}
	return rec
}

func (s *ConsistencyService) newResult(authority models.Authority, dryRun bool, started time.Time) *models.RepairResult {
	return &models.RepairResult{
		DryRun:     dryRun,
		Authority:  authority,
		Actions:    []models.Issue{},
		Unresolved: []models.RecordError{},
		Errors:     []models.RecordError{},
		StartedAt:  started,
	}
}

// plan reconciles clones against the snapshot, feeding corrected students back so the
// teacher pass sees what an apply would have written.
func (s *ConsistencyService) plan(ctx context.Context, rec *reconciler, snap *snapshot) (*models.RepairResult, error) {
	result := s.newResult(rec.authority, true, rec.now)
	for _, id := range snap.studentOrder {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc := snap.students[id].Clone()
		out, err := rec.student(ctx, doc, snap)
		if err != nil {
			result.Errors = append(result.Errors, recordError(models.EntityStudent, id, err))
			continue
		}
		result.Actions = append(result.Actions, out.issues...)
		result.Unresolved = append(result.Unresolved, out.unresolved...)
		if out.changed() {
			snap.students[id] = doc
		}
	}
	snap.reindexStudents()
	for _, id := range snap.teacherOrder {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc := snap.teachers[id].Clone()
		out, err := rec.teacher(ctx, doc, snap)
		if err != nil {
			result.Errors = append(result.Errors, recordError(models.EntityTeacher, id, err))
			continue
		}
		result.Actions = append(result.Actions, out.issues...)
		result.Unresolved = append(result.Unresolved, out.unresolved...)
	}
	result.FinishedAt = s.now().UTC()
	return result, nil
}

func (s *ConsistencyService) applyStudent(ctx context.Context, rec *reconciler, res resolver, doc models.Student, result *models.RepairResult) {
	precheck, err := rec.student(ctx, doc.Clone(), res)
	if err != nil {
		result.Errors = append(result.Errors, recordError(models.EntityStudent, doc.ID, err))
		return
	}
	if !precheck.changed() {
		result.Unresolved = append(result.Unresolved, precheck.unresolved...)
		return
	}

	var out *outcome
	_, err = mutate(ctx, "student", s.cfg.WriteAttempts,
		func(ctx context.Context) (*models.Student, error) { return s.students.GetByID(ctx, doc.ID) },
		s.students.Update,
		func(st *models.Student) error {
			o, err := rec.student(ctx, st, res)
			if err != nil {
				return err
			}
			out = o
			if !o.changed() {
				return errNoChange
			}
			return nil
		},
		func() { s.metrics.RecordWriteRetry("students") },
	)
	s.settle(ctx, models.EntityStudent, doc.ID, out, err, result)
	if err == nil && out != nil && out.changed() {
		keys := []string{StudentViewKey(doc.ID)}
		for _, issue := range out.issues {
			if issue.RefID != "" {
				keys = append(keys, WeeklyViewKey(issue.RefID))
			}
		}
		s.cache.Invalidate(ctx, keys...)
	}
}

func (s *ConsistencyService) applyTeacher(ctx context.Context, rec *reconciler, res resolver, doc models.Teacher, result *models.RepairResult) {
	precheck, err := rec.teacher(ctx, doc.Clone(), res)
	if err != nil {
		result.Errors = append(result.Errors, recordError(models.EntityTeacher, doc.ID, err))
		return
	}
	if !precheck.changed() {
		result.Unresolved = append(result.Unresolved, precheck.unresolved...)
		return
	}

	var out *outcome
	_, err = mutate(ctx, "teacher", s.cfg.WriteAttempts,
		func(ctx context.Context) (*models.Teacher, error) { return s.teachers.GetByID(ctx, doc.ID) },
		s.teachers.Update,
		func(t *models.Teacher) error {
			o, err := rec.teacher(ctx, t, res)
			if err != nil {
				return err
			}
			out = o
			if !o.changed() {
				return errNoChange
			}
			return nil
		},
		func() { s.metrics.RecordWriteRetry("teachers") },
	)
	s.settle(ctx, models.EntityTeacher, doc.ID, out, err, result)
	if err == nil && out != nil && out.changed() {
		keys := []string{WeeklyViewKey(doc.ID)}
		for _, issue := range out.issues {
			if issue.RefID != "" {
				keys = append(keys, StudentViewKey(issue.RefID))
			}
		}
		s.cache.Invalidate(ctx, keys...)
	}
}

// settle folds one document's write outcome into the batch result.
func (s *ConsistencyService) settle(ctx context.Context, entityType models.EntityType, id string, out *outcome, err error, result *models.RepairResult) {
	switch {
	case err != nil && isNotFound(err):
		result.Skipped++
	case err != nil:
		s.logger.Warn("consistency repair failed for record",
			zap.String("entity_type", string(entityType)), zap.String("entity_id", id), zap.Error(err))
		result.Errors = append(result.Errors, recordError(entityType, id, err))
	case out == nil || !out.changed():
		result.Skipped++
		if out != nil {
			result.Unresolved = append(result.Unresolved, out.unresolved...)
		}
	default:
		result.Actions = append(result.Actions, out.issues...)
		result.Unresolved = append(result.Unresolved, out.unresolved...)
		result.Applied += len(out.issues)
		for _, issue := range out.issues {
			s.metrics.RecordRepairAction(issue.Kind, "applied")
		}
	}
}

func (s *ConsistencyService) eachStudent(ctx context.Context, fn func(models.Student)) error {
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := s.students.ListBatch(ctx, after, s.cfg.BatchSize)
		if err != nil {
			return storeError(err, "student")
		}
		for _, doc := range batch {
			fn(doc)
		}
		if len(batch) < s.cfg.BatchSize {
			return nil
		}
		after = batch[len(batch)-1].ID
	}
}

func (s *ConsistencyService) eachTeacher(ctx context.Context, fn func(models.Teacher)) error {
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := s.teachers.ListBatch(ctx, after, s.cfg.BatchSize)
		if err != nil {
			return storeError(err, "teacher")
		}
		for _, doc := range batch {
			fn(doc)
		}
		if len(batch) < s.cfg.BatchSize {
			return nil
		}
		after = batch[len(batch)-1].ID
	}
}

func (s *ConsistencyService) loadSnapshot(ctx context.Context) (*snapshot, error) {
	snap := &snapshot{
		teachers: make(map[string]*models.Teacher),
		students: make(map[string]*models.Student),
	}
	if err := s.eachStudent(ctx, func(doc models.Student) {
		d := doc
		snap.students[d.ID] = &d
		snap.studentOrder = append(snap.studentOrder, d.ID)
	}); err != nil {
		return nil, err
	}
	if err := s.eachTeacher(ctx, func(doc models.Teacher) {
		d := doc
		snap.teachers[d.ID] = &d
		snap.teacherOrder = append(snap.teacherOrder, d.ID)
	}); err != nil {
		return nil, err
	}
	return snap, nil
}

func recordError(entityType models.EntityType, id string, err error) models.RecordError {
	appErr := appErrors.FromError(storeError(err, string(entityType)))
	return models.RecordError{EntityType: entityType, EntityID: id, Code: appErr.Code, Message: appErr.Error()}
}

func validIssueKind(kind models.IssueKind) bool {
	for _, k := range models.IssueKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// snapshot resolves counterparts from an in-memory scan of both collections.
type snapshot struct {
	teachers     map[string]*models.Teacher
	students     map[string]*models.Student
	teacherOrder []string
	studentOrder []string
	holding      map[string][]string
	assigned     map[string][]string
}

func (s *snapshot) teacher(_ context.Context, id string) (*models.Teacher, error) {
	return s.teachers[id], nil
}

func (s *snapshot) student(_ context.Context, id string) (*models.Student, error) {
	return s.students[id], nil
}

func (s *snapshot) teachersHolding(_ context.Context, studentID string) ([]models.Teacher, error) {
	if s.holding == nil {
		s.holding = make(map[string][]string)
		for _, id := range s.teacherOrder {
			t := s.teachers[id]
			if !t.Status.IsActive() {
				continue
			}
			for _, sid := range t.AssignedStudents() {
				s.holding[sid] = append(s.holding[sid], id)
			}
		}
	}
	out := make([]models.Teacher, 0, len(s.holding[studentID]))
	for _, id := range s.holding[studentID] {
		out = append(out, *s.teachers[id])
	}
	return out, nil
}

func (s *snapshot) studentsAssignedTo(_ context.Context, teacherID string) ([]models.Student, error) {
	if s.assigned == nil {
		s.assigned = make(map[string][]string)
		for _, id := range s.studentOrder {
			st := s.students[id]
			if !st.Status.IsActive() {
				continue
			}
			for _, tid := range st.ActiveTeachers() {
				s.assigned[tid] = append(s.assigned[tid], id)
			}
		}
	}
	out := make([]models.Student, 0, len(s.assigned[teacherID]))
	for _, id := range s.assigned[teacherID] {
		out = append(out, *s.students[id])
	}
	return out, nil
}

func (s *snapshot) reindexStudents() {
	s.assigned = nil
}

// liveResolver re-reads counterparts from storage immediately before a write.
type liveResolver struct {
	teachers consistencyTeacherStore
	students consistencyStudentStore
}

func (r *liveResolver) teacher(ctx context.Context, id string) (*models.Teacher, error) {
	t, err := r.teachers.GetByID(ctx, id)
	if isNotFound(err) {
		return nil, nil
	}
	return t, err
}

func (r *liveResolver) student(ctx context.Context, id string) (*models.Student, error) {
	st, err := r.students.GetByID(ctx, id)
	if isNotFound(err) {
		return nil, nil
	}
	return st, err
}

func (r *liveResolver) teachersHolding(ctx context.Context, studentID string) ([]models.Teacher, error) {
	return r.teachers.ListBySlotStudent(ctx, studentID)
}

func (r *liveResolver) studentsAssignedTo(ctx context.Context, teacherID string) ([]models.Student, error) {
	return r.students.ListByActiveTeacher(ctx, teacherID)
}
