package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	assert.Empty(t, WorkflowID(ctx))
	assert.Empty(t, ExecutionID(ctx))
	assert.Empty(t, TenantID(ctx))

	ctx = WithIDs(ctx, "wf-1", "ex-1", "t1")
	assert.Equal(t, "wf-1", WorkflowID(ctx))
	assert.Equal(t, "ex-1", ExecutionID(ctx))
	assert.Equal(t, "t1", TenantID(ctx))
}

func TestCorrelationHandlerInjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithIDs(context.Background(), "wf-abc", "ex-xyz", "t9")
	logger.InfoContext(ctx, "execution started")

	output := buf.String()
	assert.Contains(t, output, "workflow_id=wf-abc")
	assert.Contains(t, output, "execution_id=ex-xyz")
	assert.Contains(t, output, "tenant_id=t9")
	assert.Contains(t, output, "execution started")
}

func TestCorrelationHandlerPartialContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithTenantID(context.Background(), "t1")
	logger.InfoContext(ctx, "partial")

	output := buf.String()
	assert.Contains(t, output, "tenant_id=t1")
	assert.NotContains(t, output, "workflow_id")
	assert.NotContains(t, output, "execution_id")
}
