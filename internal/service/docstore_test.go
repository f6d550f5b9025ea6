package service

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/lesson-sync-api/internal/models"
	"github.com/noah-isme/lesson-sync-api/internal/repository"
	appErrors "github.com/noah-isme/lesson-sync-api/pkg/errors"
	"github.com/noah-isme/lesson-sync-api/pkg/timeutil"
)

// docStore is an in-memory pair of versioned collections with the same conditional write
// semantics as the Postgres repositories, plus a copy-on-commit cascade transaction.
type docStore struct {
	mu         sync.Mutex
	teachers   map[string]*models.Teacher
	students   map[string]*models.Student
	dependents map[string]map[string]int
	audits     []models.DeletionAudit

	// failTeacherWrite and failStudentWrite run before each conditional write.
	failTeacherWrite func(*models.Teacher) error
	failStudentWrite func(*models.Student) error
	// failTx runs before every cascade operation inside a transaction.
	failTx func(op string) error
	txRuns int
}

func newDocStore() *docStore {
	return &docStore{
		teachers:   make(map[string]*models.Teacher),
		students:   make(map[string]*models.Student),
		dependents: make(map[string]map[string]int),
	}
}

func (d *docStore) putTeacher(t *models.Teacher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.Status == "" {
		t.Status = models.StatusActive
	}
	d.teachers[t.ID] = t.Clone()
}

func (d *docStore) putStudent(s *models.Student) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.Status == "" {
		s.Status = models.StatusActive
	}
	d.students[s.ID] = s.Clone()
}

func (d *docStore) teacher(id string) *models.Teacher {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.teachers[id].Clone()
}

func (d *docStore) student(id string) *models.Student {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.students[id].Clone()
}

// setDependent records how many documents of collection reference id.
func (d *docStore) setDependent(collection, id string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dependents[collection] == nil {
		d.dependents[collection] = make(map[string]int)
	}
	d.dependents[collection][id] = n
}

func (d *docStore) dependent(collection, id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dependents[collection][id]
}

func (d *docStore) auditCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.audits)
}

type memTeachers struct{ *docStore }

func (m memTeachers) GetByID(_ context.Context, id string) (*models.Teacher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.teachers[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return t.Clone(), nil
}

func (m memTeachers) FindBySlotID(_ context.Context, slotID string) (*models.Teacher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.teachers {
		if t.Slot(slotID) != nil {
			return t.Clone(), nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m memTeachers) ListBySlotStudent(_ context.Context, studentID string) ([]models.Teacher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Teacher
	for _, id := range sortedKeys(m.teachers) {
		t := m.teachers[id]
		if t.Status.IsActive() && t.HoldsSlotFor(studentID, "") {
			out = append(out, *t.Clone())
		}
	}
	return out, nil
}

func (m memTeachers) ListBatch(_ context.Context, afterID string, limit int) ([]models.Teacher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Teacher
	for _, id := range sortedKeys(m.teachers) {
		if id > afterID && len(out) < limit {
			out = append(out, *m.teachers[id].Clone())
		}
	}
	return out, nil
}

func (m memTeachers) Update(_ context.Context, t *models.Teacher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTeacherWrite != nil {
		if err := m.failTeacherWrite(t); err != nil {
			return err
		}
	}
	return writeTeacher(m.teachers, t)
}

func (m memTeachers) SetStatus(_ context.Context, id string, from, to models.EntityStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.teachers[id]
	if !ok || t.Status != from {
		return repository.ErrStaleDocument
	}
	t.Status = to
	t.Version++
	return nil
}

func (m memTeachers) ListIDsByStatus(_ context.Context, status models.EntityStatus) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, id := range sortedKeys(m.teachers) {
		if m.teachers[id].Status == status {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type memStudents struct{ *docStore }

func (m memStudents) GetByID(_ context.Context, id string) (*models.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.students[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return s.Clone(), nil
}

func (m memStudents) ListBatch(_ context.Context, afterID string, limit int) ([]models.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Student
	for _, id := range sortedKeys(m.students) {
		if id > afterID && len(out) < limit {
			out = append(out, *m.students[id].Clone())
		}
	}
	return out, nil
}

func (m memStudents) ListByActiveTeacher(_ context.Context, teacherID string) ([]models.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Student
	for _, id := range sortedKeys(m.students) {
		s := m.students[id]
		if s.Status.IsActive() && s.ActiveTeachers().Contains(teacherID) {
			out = append(out, *s.Clone())
		}
	}
	return out, nil
}

func (m memStudents) Update(_ context.Context, s *models.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failStudentWrite != nil {
		if err := m.failStudentWrite(s); err != nil {
			return err
		}
	}
	return writeStudent(m.students, s)
}

func (m memStudents) SetStatus(_ context.Context, id string, from, to models.EntityStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.students[id]
	if !ok || s.Status != from {
		return repository.ErrStaleDocument
	}
	s.Status = to
	s.Version++
	return nil
}

func (m memStudents) ListIDsByStatus(_ context.Context, status models.EntityStatus) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, id := range sortedKeys(m.students) {
		if m.students[id].Status == status {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func writeTeacher(into map[string]*models.Teacher, t *models.Teacher) error {
	current, ok := into[t.ID]
	if !ok || current.Version != t.Version {
		return repository.ErrStaleDocument
	}
	t.Version++
	into[t.ID] = t.Clone()
	return nil
}

func writeStudent(into map[string]*models.Student, s *models.Student) error {
	current, ok := into[s.ID]
	if !ok || current.Version != s.Version {
		return repository.ErrStaleDocument
	}
	s.Version++
	into[s.ID] = s.Clone()
	return nil
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WithinTx stages every write on a copy and swaps it in only when fn succeeds.
func (d *docStore) WithinTx(ctx context.Context, fn func(repository.CascadeOps) error) error {
	d.mu.Lock()
	d.txRuns++
	tx := &memTx{
		store:      d,
		teachers:   make(map[string]*models.Teacher, len(d.teachers)),
		students:   make(map[string]*models.Student, len(d.students)),
		dependents: make(map[string]map[string]int, len(d.dependents)),
	}
	for id, t := range d.teachers {
		tx.teachers[id] = t.Clone()
	}
	for id, s := range d.students {
		tx.students[id] = s.Clone()
	}
	for c, refs := range d.dependents {
		tx.dependents[c] = make(map[string]int, len(refs))
		for id, n := range refs {
			tx.dependents[c][id] = n
		}
	}
	d.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.teachers, d.students, d.dependents = tx.teachers, tx.students, tx.dependents
	d.audits = append(d.audits, tx.audits...)
	return nil
}

// Count implements the read-only impact preview.
func (d *docStore) Count(ctx context.Context, entityType models.EntityType, id string) ([]models.CollectionImpact, error) {
	var out []models.CollectionImpact
	err := d.WithinTx(ctx, func(ops repository.CascadeOps) error {
		var err error
		out, err = ops.CountImpact(ctx, entityType, id)
		if err == nil {
			return errRollback
		}
		return err
	})
	if err == errRollback {
		err = nil
	}
	return out, err
}

var errRollback = appErrors.New("ROLLBACK", 0, "rollback")

func (d *docStore) GetByID(_ context.Context, id string) (*models.DeletionAudit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.audits {
		if d.audits[i].ID == id {
			a := d.audits[i]
			return &a, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (d *docStore) List(_ context.Context, filter repository.AuditFilter) ([]models.DeletionAudit, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []models.DeletionAudit
	for _, a := range d.audits {
		if filter.EntityType != "" && string(a.EntityType) != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && a.EntityID != filter.EntityID {
			continue
		}
		out = append(out, a)
	}
	return out, len(out), nil
}

type memTx struct {
	store      *docStore
	teachers   map[string]*models.Teacher
	students   map[string]*models.Student
	dependents map[string]map[string]int
	audits     []models.DeletionAudit
}

func (tx *memTx) check(op string) error {
	if tx.store.failTx == nil {
		return nil
	}
	return tx.store.failTx(op)
}

func (tx *memTx) LockTeacher(_ context.Context, id string) (*models.Teacher, error) {
	if err := tx.check("LockTeacher"); err != nil {
		return nil, err
	}
	t, ok := tx.teachers[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return t.Clone(), nil
}

func (tx *memTx) LockStudent(_ context.Context, id string) (*models.Student, error) {
	if err := tx.check("LockStudent"); err != nil {
		return nil, err
	}
	s, ok := tx.students[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return s.Clone(), nil
}

func (tx *memTx) TeachersReferencingStudent(_ context.Context, studentID string) ([]models.Teacher, error) {
	if err := tx.check("TeachersReferencingStudent"); err != nil {
		return nil, err
	}
	var out []models.Teacher
	for _, id := range sortedKeys(tx.teachers) {
		t := tx.teachers[id]
		if t.StudentIDs.Contains(studentID) || t.HoldsSlotFor(studentID, "") {
			out = append(out, *t.Clone())
		}
	}
	return out, nil
}

func (tx *memTx) StudentsReferencingTeacher(_ context.Context, teacherID string) ([]models.Student, error) {
	if err := tx.check("StudentsReferencingTeacher"); err != nil {
		return nil, err
	}
	var out []models.Student
	for _, id := range sortedKeys(tx.students) {
		s := tx.students[id]
		if s.TeacherIDs.Contains(teacherID) || s.ActiveTeachers().Contains(teacherID) {
			out = append(out, *s.Clone())
		}
	}
	return out, nil
}

func (tx *memTx) SaveTeacher(_ context.Context, t *models.Teacher) error {
	if err := tx.check("SaveTeacher"); err != nil {
		return err
	}
	return writeTeacher(tx.teachers, t)
}

func (tx *memTx) SaveStudent(_ context.Context, s *models.Student) error {
	if err := tx.check("SaveStudent"); err != nil {
		return err
	}
	return writeStudent(tx.students, s)
}

func (tx *memTx) pull(op, collection, id string) (int, error) {
	if err := tx.check(op); err != nil {
		return 0, err
	}
	n := tx.dependents[collection][id]
	if n > 0 {
		tx.dependents[collection][id] = 0
	}
	return n, nil
}

func (tx *memTx) PullOrchestraMember(_ context.Context, studentID string) (int, error) {
	return tx.pull("PullOrchestraMember", models.CollectionOrchestras, studentID)
}

func (tx *memTx) PullTheoryEnrollment(_ context.Context, studentID string) (int, error) {
	return tx.pull("PullTheoryEnrollment", models.CollectionTheoryLessons, studentID)
}

func (tx *memTx) ArchiveBagrut(_ context.Context, studentID, _ string, _ time.Time) (int, error) {
	return tx.pull("ArchiveBagrut", models.CollectionBagrut, studentID)
}

func (tx *memTx) DetachBagrutTeacher(_ context.Context, teacherID string) (int, error) {
	return tx.pull("DetachBagrutTeacher", models.CollectionBagrut, teacherID)
}

func (tx *memTx) ArchiveActivityAttendance(_ context.Context, _ models.EntityType, id, _ string, _ time.Time) (int, error) {
	return tx.pull("ArchiveActivityAttendance", models.CollectionActivityAttendance, id)
}

func (tx *memTx) CountImpact(_ context.Context, entityType models.EntityType, id string) ([]models.CollectionImpact, error) {
	if err := tx.check("CountImpact"); err != nil {
		return nil, err
	}
	count := func(collection string) int { return tx.dependents[collection][id] }
	if entityType == models.EntityTeacher {
		students := 0
		for _, s := range tx.students {
			if s.ActiveTeachers().Contains(id) {
				students++
			}
		}
		return []models.CollectionImpact{
			{Collection: models.CollectionStudents, Operation: models.OperationDeactivate, Documents: students},
			{Collection: models.CollectionBagrut, Operation: models.OperationPullReference, Documents: count(models.CollectionBagrut)},
			{Collection: models.CollectionActivityAttendance, Operation: models.OperationArchive, Documents: count(models.CollectionActivityAttendance)},
			{Collection: models.CollectionTheoryLessons, Operation: models.OperationRetainAttendance, Documents: count(models.CollectionTheoryLessons)},
		}, nil
	}
	teachers := 0
	for _, t := range tx.teachers {
		if t.StudentIDs.Contains(id) || t.HoldsSlotFor(id, "") {
			teachers++
		}
	}
	return []models.CollectionImpact{
		{Collection: models.CollectionTeachers, Operation: models.OperationReleaseSlots, Documents: teachers},
		{Collection: models.CollectionOrchestras, Operation: models.OperationPullMember, Documents: count(models.CollectionOrchestras)},
		{Collection: models.CollectionTheoryLessons, Operation: models.OperationPullEnrollment, Documents: count(models.CollectionTheoryLessons)},
		{Collection: models.CollectionBagrut, Operation: models.OperationArchive, Documents: count(models.CollectionBagrut)},
		{Collection: models.CollectionActivityAttendance, Operation: models.OperationArchive, Documents: count(models.CollectionActivityAttendance)},
		{Collection: models.CollectionRehearsals, Operation: models.OperationRetainAttendance, Documents: count(models.CollectionRehearsals)},
	}, nil
}

func (tx *memTx) InsertDeletionAudit(_ context.Context, audit *models.DeletionAudit) error {
	if err := tx.check("InsertDeletionAudit"); err != nil {
		return err
	}
	if audit.ID == "" {
		audit.ID = uuid.NewString()
	}
	tx.audits = append(tx.audits, *audit)
	return nil
}

// seedSlot returns a slot with derived end time.
func seedSlot(id, day, start string, duration int) models.Slot {
	s := models.Slot{ID: id, Day: day, StartTime: start, DurationMinutes: duration, IsAvailable: true}
	s.EndTime, _ = timeutil.EndTime(start, duration)
	return s
}

// bind assigns slotID on t to studentID and writes the matching assignment on s.
func bind(t *models.Teacher, s *models.Student, slotID string) {
	slot := t.Slot(slotID)
	slot.Assign(s.ID, time.Time{})
	t.StudentIDs = t.StudentIDs.Add(s.ID)
	s.TeacherIDs = s.TeacherIDs.Add(t.ID)
	s.TeacherAssignments = append(s.TeacherAssignments, models.Assignment{
		ID:           "a-" + slotID,
		TeacherID:    t.ID,
		SlotID:       slotID,
		IsActive:     true,
		ScheduleInfo: models.ScheduleFromSlot(*slot),
	})
}
