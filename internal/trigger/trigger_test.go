package trigger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvela/flowd/internal/queue"
	"github.com/nvela/flowd/internal/store"
	"github.com/nvela/flowd/pkg/schema"
)

type fakeQueue struct {
	enqueued []queue.ExecutionJob
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, _ string, payload any) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	raw, _ := json.Marshal(payload)
	var ej queue.ExecutionJob
	_ = json.Unmarshal(raw, &ej)
	q.enqueued = append(q.enqueued, ej)
	return "job-1", nil
}

func (q *fakeQueue) Dequeue(context.Context, string, time.Duration) (*queue.Job, error) {
	return nil, nil
}
func (q *fakeQueue) Ack(context.Context, *queue.Job) error               { return nil }
func (q *fakeQueue) Nack(context.Context, *queue.Job, error) error       { return nil }
func (q *fakeQueue) PromoteDelayed(context.Context, string) (int, error) { return 0, nil }
func (q *fakeQueue) RecoverStale(context.Context, string) (int, error)   { return 0, nil }
func (q *fakeQueue) Close() error                                        { return nil }

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "trigger_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.CreateTenant(context.Background(), &schema.Tenant{ID: "t1", Name: "Acme"}))
	return s
}

func createWorkflow(t *testing.T, s store.Store, id string, kind schema.TriggerKind, status schema.WorkflowStatus, config map[string]any) {
	t.Helper()
	require.NoError(t, s.CreateWorkflow(context.Background(), &schema.Workflow{
		ID:       id,
		TenantID: "t1",
		Name:     "wf " + id,
		Trigger:  schema.TriggerSpec{Kind: kind, Config: config},
		Actions: []schema.Action{
			{Kind: schema.ActionLog, Config: map[string]any{"message": "x"}, Order: 1},
		},
		Status: status,
	}))
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleWebhookQueuesJob(t *testing.T) {
	s := newTestStore(t)
	fq := &fakeQueue{}
	h := NewHandler(s, fq, discard())
	createWorkflow(t, s, "wf-1", schema.TriggerWebhook, schema.WorkflowStatusActive, nil)

	ack, err := h.HandleWebhook(context.Background(), "wf-1", "t1", map[string]any{"subject": "hi"})
	require.NoError(t, err)
	assert.True(t, ack.Queued)
	assert.Equal(t, "wf-1", ack.WorkflowID)
	assert.NotEmpty(t, ack.JobID)

	require.Len(t, fq.enqueued, 1)
	assert.Equal(t, "wf-1", fq.enqueued[0].WorkflowID)
	assert.Equal(t, "t1", fq.enqueued[0].TenantID)
	assert.Equal(t, schema.TriggerWebhook, fq.enqueued[0].TriggerKind)
	assert.Equal(t, "hi", fq.enqueued[0].Payload["subject"])
}

func TestHandleWebhookGuards(t *testing.T) {
	s := newTestStore(t)
	fq := &fakeQueue{}
	h := NewHandler(s, fq, discard())
	createWorkflow(t, s, "wf-paused", schema.TriggerWebhook, schema.WorkflowStatusPaused, nil)
	createWorkflow(t, s, "wf-manual", schema.TriggerManual, schema.WorkflowStatusActive, nil)

	var fe *schema.FlowError

	_, err := h.HandleWebhook(context.Background(), "missing", "t1", nil)
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)

	_, err = h.HandleWebhook(context.Background(), "wf-paused", "t1", nil)
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotActive, fe.Code)

	_, err = h.HandleWebhook(context.Background(), "wf-manual", "t1", nil)
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeTriggerMismatch, fe.Code)

	// Wrong tenant looks like not-found, never a cross-tenant hint.
	createWorkflow(t, s, "wf-ok", schema.TriggerWebhook, schema.WorkflowStatusActive, nil)
	_, err = h.HandleWebhook(context.Background(), "wf-ok", "t2", nil)
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)

	assert.Empty(t, fq.enqueued)
}

func TestHandleManualIgnoresTriggerKind(t *testing.T) {
	s := newTestStore(t)
	fq := &fakeQueue{}
	h := NewHandler(s, fq, discard())
	createWorkflow(t, s, "wf-1", schema.TriggerWebhook, schema.WorkflowStatusActive, nil)

	ack, err := h.HandleManual(context.Background(), "wf-1", "t1", map[string]any{"reason": "test run"})
	require.NoError(t, err)
	assert.True(t, ack.Queued)
	require.Len(t, fq.enqueued, 1)
	assert.Equal(t, schema.TriggerManual, fq.enqueued[0].TriggerKind)
}

func TestSchedulerTickFiresDueWorkflows(t *testing.T) {
	s := newTestStore(t)
	fq := &fakeQueue{}
	h := NewHandler(s, fq, discard())
	sched := NewScheduler(s, h, discard())
	createWorkflow(t, s, "wf-cron", schema.TriggerSchedule, schema.WorkflowStatusActive,
		map[string]any{"cron": "*/5 * * * *"})

	ctx := context.Background()

	// First tick only primes the next-run table.
	sched.Tick(ctx)
	assert.Empty(t, fq.enqueued)
	next, known := sched.peekNext("wf-cron")
	require.True(t, known)
	assert.True(t, next.After(time.Now().Add(-time.Second)))

	// Force the workflow due and tick again.
	sched.setNext("wf-cron", time.Now().Add(-time.Minute))
	sched.Tick(ctx)
	require.Len(t, fq.enqueued, 1)
	assert.Equal(t, "wf-cron", fq.enqueued[0].WorkflowID)
	assert.Equal(t, schema.TriggerSchedule, fq.enqueued[0].TriggerKind)
	assert.Equal(t, "*/5 * * * *", fq.enqueued[0].Payload["cron"])

	// Next due time was advanced, so an immediate re-tick fires nothing.
	sched.Tick(ctx)
	assert.Len(t, fq.enqueued, 1)
}

func TestSchedulerSkipsInvalidCron(t *testing.T) {
	s := newTestStore(t)
	fq := &fakeQueue{}
	sched := NewScheduler(s, NewHandler(s, fq, discard()), discard())
	createWorkflow(t, s, "wf-bad", schema.TriggerSchedule, schema.WorkflowStatusActive,
		map[string]any{"cron": "not a cron"})
	createWorkflow(t, s, "wf-none", schema.TriggerSchedule, schema.WorkflowStatusActive, nil)

	sched.Tick(context.Background())
	assert.Empty(t, fq.enqueued)
	_, known := sched.peekNext("wf-bad")
	assert.False(t, known)
}

func TestSchedulerForgetsRemovedWorkflows(t *testing.T) {
	s := newTestStore(t)
	fq := &fakeQueue{}
	sched := NewScheduler(s, NewHandler(s, fq, discard()), discard())
	createWorkflow(t, s, "wf-cron", schema.TriggerSchedule, schema.WorkflowStatusActive,
		map[string]any{"cron": "* * * * *"})

	ctx := context.Background()
	sched.Tick(ctx)
	_, known := sched.peekNext("wf-cron")
	require.True(t, known)

	require.NoError(t, s.UpdateWorkflowStatus(ctx, "wf-cron", "t1", schema.WorkflowStatusPaused))
	sched.Tick(ctx)
	_, known = sched.peekNext("wf-cron")
	assert.False(t, known)
}

func TestValidateCron(t *testing.T) {
	require.NoError(t, ValidateCron("*/5 * * * *"))
	require.NoError(t, ValidateCron("0 9 * * 1-5"))

	err := ValidateCron("every tuesday")
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}
