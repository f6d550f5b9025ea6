package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/lesson-sync-api/pkg/middleware/requestid"
)

func TestFromContextAddsRequestID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := requestid.WithContext(context.Background(), "req-9")
	FromContext(ctx, base).Info("hello")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "req-9", logs.All()[0].ContextMap()["request_id"])
}

func TestForJobFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ForJob(zap.New(core), "job-1", "cascade_delete", 2).Info("run")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "job-1", fields["job_id"])
	assert.Equal(t, "cascade_delete", fields["job_type"])
	assert.EqualValues(t, 2, fields["attempt"])
}

func TestNilLoggerFallsBackToNop(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background(), nil))
	assert.NotNil(t, ForJob(nil, "id", "type", 1))
}
