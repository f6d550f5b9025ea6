package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/noah-isme/lesson-sync-api/internal/models"
	"github.com/noah-isme/lesson-sync-api/internal/repository"
	appErrors "github.com/noah-isme/lesson-sync-api/pkg/errors"
)

const defaultWriteAttempts = 3

// errNoChange aborts a mutation without writing.
var errNoChange = errors.New("no change")

type teacherStore interface {
	GetByID(ctx context.Context, id string) (*models.Teacher, error)
	FindBySlotID(ctx context.Context, slotID string) (*models.Teacher, error)
	ListBySlotStudent(ctx context.Context, studentID string) ([]models.Teacher, error)
	Update(ctx context.Context, teacher *models.Teacher) error
}

type studentStore interface {
	GetByID(ctx context.Context, id string) (*models.Student, error)
	Update(ctx context.Context, student *models.Student) error
}

// storeError maps repository failures onto the error taxonomy.
func storeError(err error, what string) error {
	var appErr *appErrors.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.Clone(appErrors.ErrNotFound, what+" not found")
	case repository.IsTransient(err):
		return appErrors.As(err, appErrors.ErrTransientStorage, fmt.Sprintf("%s storage temporarily unavailable", what))
	default:
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, fmt.Sprintf("failed to access %s", what))
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || appErrors.IsCode(err, appErrors.ErrNotFound.Code)
}

// mutate re-reads a document, applies fn and writes it conditionally. A version conflict
// restarts from a fresh read so fn always validates against current state.
func mutate[T any](ctx context.Context, what string, attempts int,
	load func(context.Context) (T, error),
	save func(context.Context, T) error,
	fn func(T) error,
	onRetry func(),
) (T, error) {
	var zero T
	if attempts <= 0 {
		attempts = defaultWriteAttempts
	}
	for i := 0; i < attempts; i++ {
		doc, err := load(ctx)
		if err != nil {
			return zero, storeError(err, what)
		}
		if err := fn(doc); err != nil {
			if errors.Is(err, errNoChange) {
				return doc, nil
			}
			return zero, err
		}
		err = save(ctx, doc)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, repository.ErrStaleDocument) {
			return zero, storeError(err, what)
		}
		if onRetry != nil {
			onRetry()
		}
	}
	return zero, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("concurrent modification of %s, please retry", what))
}

func errorCode(err error) string {
	if err == nil {
		return "ok"
	}
	return appErrors.FromError(err).Code
}
