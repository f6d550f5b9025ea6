package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromErrorKeepsTypedErrors(t *testing.T) {
	typed := Clone(ErrConflict, "slot overlaps")
	wrapped := fmt.Errorf("booking: %w", typed)

	got := FromError(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, ErrConflict.Code, got.Code)
	assert.Equal(t, "slot overlaps", got.Message)
}

func TestFromErrorDefaultsToInternal(t *testing.T) {
	got := FromError(errors.New("boom"))
	assert.Equal(t, ErrInternal.Code, got.Code)
	assert.Equal(t, http.StatusInternalServerError, got.Status)
	assert.Nil(t, FromError(nil))
}

func TestIsCodeWalksNestedErrors(t *testing.T) {
	inner := As(errors.New("serialization failure"), ErrTransientStorage, "")
	outer := Wrap(inner, ErrFatal.Code, ErrFatal.Status, "cascade retries exhausted")

	assert.True(t, IsCode(outer, ErrFatal.Code))
	assert.True(t, IsCode(outer, ErrTransientStorage.Code))
	assert.True(t, IsTransient(inner))
	assert.False(t, IsCode(errors.New("plain"), ErrFatal.Code))
}

func TestIsDeterministic(t *testing.T) {
	assert.True(t, IsDeterministic(ErrNotFound))
	assert.True(t, IsDeterministic(Clone(ErrInvalidState, "already deleted")))
	assert.False(t, IsDeterministic(ErrTransientStorage))
	assert.False(t, IsDeterministic(errors.New("unknown")))
}
