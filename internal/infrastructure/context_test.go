package infrastructure

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureTraceIDGeneratesWhenMissing(t *testing.T) {
	ctx := EnsureTraceID(context.Background())
	id := GetTraceID(ctx)
	require.NotEmpty(t, id)
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
}

func TestEnsureTraceIDKeepsExisting(t *testing.T) {
	ctx := EnsureTraceID(WithTraceID(context.Background(), "trace-1"))
	assert.Equal(t, "trace-1", GetTraceID(ctx))
}
