package engine

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvela/flowd/internal/actions"
	"github.com/nvela/flowd/internal/ai"
	"github.com/nvela/flowd/internal/queue"
	"github.com/nvela/flowd/internal/store"
	"github.com/nvela/flowd/pkg/schema"
)

type fakeClassifier struct {
	calls  int
	result *ai.Classification
	err    error
}

func (f *fakeClassifier) Classify(_ context.Context, _ string) (*ai.Classification, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// recordingAction stands in for any kind and remembers the order of calls.
type recordingAction struct {
	kind  schema.ActionKind
	fail  bool
	calls *[]map[string]any
}

func (a *recordingAction) Kind() schema.ActionKind       { return a.kind }
func (a *recordingAction) Validate(map[string]any) error { return nil }
func (a *recordingAction) Execute(_ context.Context, input actions.ActionInput) (*actions.ActionOutput, error) {
	*a.calls = append(*a.calls, input.Config)
	if a.fail {
		return nil, schema.NewError(schema.ErrCodeActionFailed, "provider unavailable")
	}
	return &actions.ActionOutput{Data: map[string]any{"done": true}}, nil
}

type harness struct {
	engine     *Engine
	store      store.Store
	classifier *fakeClassifier
	calls      []map[string]any
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	h := &harness{
		store:      s,
		classifier: &fakeClassifier{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.engine = New(s, nil, h.classifier, logger)
	h.registryWith(t)

	require.NoError(t, s.CreateTenant(context.Background(), &schema.Tenant{
		ID:         "t1",
		Name:       "Acme",
		OwnerEmail: "owner@acme.test",
	}))
	return h
}

// registryWith lets a test swap in failing actions for specific kinds.
func (h *harness) registryWith(t *testing.T, failing ...schema.ActionKind) {
	t.Helper()
	fail := map[schema.ActionKind]bool{}
	for _, k := range failing {
		fail[k] = true
	}
	registry := actions.NewRegistry()
	for _, kind := range []schema.ActionKind{schema.ActionEmail, schema.ActionWebhook, schema.ActionNotification, schema.ActionLog} {
		require.NoError(t, registry.Register(&recordingAction{kind: kind, fail: fail[kind], calls: &h.calls}))
	}
	h.engine.registry = registry
}

func (h *harness) createWorkflow(t *testing.T, wf *schema.Workflow) {
	t.Helper()
	if wf.ID == "" {
		wf.ID = "wf-1"
	}
	if wf.TenantID == "" {
		wf.TenantID = "t1"
	}
	if wf.Status == "" {
		wf.Status = schema.WorkflowStatusActive
	}
	if wf.Trigger.Kind == "" {
		wf.Trigger.Kind = schema.TriggerWebhook
	}
	if wf.Name == "" {
		wf.Name = "test workflow"
	}
	require.NoError(t, h.store.CreateWorkflow(context.Background(), wf))
}

func executionJob(payload map[string]any) *queue.ExecutionJob {
	return &queue.ExecutionJob{
		WorkflowID:  "wf-1",
		TenantID:    "t1",
		TriggerKind: schema.TriggerWebhook,
		Payload:     payload,
	}
}

func stepTypes(steps []schema.Step) []schema.StepType {
	types := make([]schema.StepType, len(steps))
	for i, s := range steps {
		types[i] = s.Type
	}
	return types
}

func TestExecuteConditionsPassActionsRun(t *testing.T) {
	h := newHarness(t)
	h.createWorkflow(t, &schema.Workflow{
		Conditions: []schema.Condition{
			{Field: "subject", Operator: schema.OpContains, Value: "urgent"},
		},
		Actions: []schema.Action{
			{Kind: schema.ActionEmail, Config: map[string]any{"to": "{{user.email}}", "subject": "Re: {{subject}}"}, Order: 1},
			{Kind: schema.ActionLog, Config: map[string]any{"message": "escalated"}, Order: 2},
		},
	})

	ex, err := h.engine.Execute(context.Background(), executionJob(map[string]any{
		"subject": "URGENT: server down",
	}))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, ex.Status)
	assert.Equal(t, []schema.StepType{
		schema.StepConditionCheck,
		schema.StepActionExecute,
		schema.StepActionExecute,
	}, stepTypes(ex.Steps))
	assert.Equal(t, schema.StepSuccess, ex.Steps[0].Status)
	require.NotNil(t, ex.CompletedAt)
	require.NotNil(t, ex.DurationMs)

	// Templates resolved before the action saw its config.
	require.Len(t, h.calls, 2)
	assert.Equal(t, "owner@acme.test", h.calls[0]["to"])
	assert.Equal(t, "Re: URGENT: server down", h.calls[0]["subject"])

	// Durable record matches what Execute returned.
	stored, err := h.store.GetExecution(context.Background(), ex.ID, "t1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, stored.Status)
	assert.Len(t, stored.Steps, 3)

	tenant, err := h.store.GetTenant(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tenant.Usage.ExecutionsUsed)
}

func TestExecuteConditionsFailSkipsActions(t *testing.T) {
	h := newHarness(t)
	h.createWorkflow(t, &schema.Workflow{
		Conditions: []schema.Condition{
			{Field: "subject", Operator: schema.OpContains, Value: "urgent"},
		},
		Actions: []schema.Action{
			{Kind: schema.ActionLog, Config: map[string]any{"message": "never"}, Order: 1},
		},
	})

	ex, err := h.engine.Execute(context.Background(), executionJob(map[string]any{
		"subject": "weekly newsletter",
	}))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, ex.Status)
	require.Len(t, ex.Steps, 1)
	assert.Equal(t, schema.StepConditionCheck, ex.Steps[0].Type)
	// A non-matching condition leaves a failed condition_check step.
	assert.Equal(t, schema.StepFailed, ex.Steps[0].Status)
	assert.Equal(t, false, ex.Steps[0].Output["passed"])
	assert.Empty(t, h.calls)

	// A skipped run still counts as an execution.
	tenant, err := h.store.GetTenant(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tenant.Usage.ExecutionsUsed)
}

func TestExecuteShortCircuitsConditions(t *testing.T) {
	h := newHarness(t)
	h.classifier.result = &ai.Classification{
		AIMetadata: schema.AIMetadata{Intent: "urgent", Confidence: 0.95},
	}
	h.createWorkflow(t, &schema.Workflow{
		Conditions: []schema.Condition{
			{Field: "priority", Operator: schema.OpEquals, Value: "high"},
			{Field: "body", Operator: schema.OpMatchesIntent, Value: "urgent"},
		},
		Actions: []schema.Action{
			{Kind: schema.ActionLog, Config: map[string]any{"message": "x"}, Order: 1},
		},
	})

	ex, err := h.engine.Execute(context.Background(), executionJob(map[string]any{
		"priority": "low",
		"body":     "everything is on fire",
	}))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, ex.Status)
	// First condition failed, so the classifier was never called.
	assert.Zero(t, h.classifier.calls)
	results := ex.Steps[0].Output["results"].([]any)
	assert.Len(t, results, 1)
}

func TestExecuteMatchesIntent(t *testing.T) {
	h := newHarness(t)
	h.classifier.result = &ai.Classification{
		AIMetadata: schema.AIMetadata{
			Intent:       "urgent",
			Confidence:   0.9,
			Reasoning:    "outage language",
			Keywords:     []string{"down", "now"},
			UrgencyScore: 9,
		},
		Model:      "claude-3-5-haiku-latest",
		TokensUsed: 200,
		LatencyMs:  500,
	}
	h.createWorkflow(t, &schema.Workflow{
		Conditions: []schema.Condition{
			{Field: "body", Operator: schema.OpMatchesIntent, Value: "urgent", MinConfidence: 0.8},
		},
		Actions: []schema.Action{
			{Kind: schema.ActionNotification, Config: map[string]any{"message": "escalate"}, Order: 1},
		},
	})

	ex, err := h.engine.Execute(context.Background(), executionJob(map[string]any{
		"body": "the site is down, fix it now",
	}))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, ex.Status)
	assert.Equal(t, []schema.StepType{
		schema.StepAIAnalysis,
		schema.StepConditionCheck,
		schema.StepActionExecute,
	}, stepTypes(ex.Steps))

	aiStep := ex.Steps[0]
	assert.Equal(t, schema.StepSuccess, aiStep.Status)
	require.NotNil(t, aiStep.AIMetadata)
	assert.Equal(t, "urgent", aiStep.AIMetadata.Intent)
	assert.Equal(t, 9, aiStep.AIMetadata.UrgencyScore)

	analyses, err := h.store.ListAIAnalyses(context.Background(), ex.ID, "t1")
	require.NoError(t, err)
	require.Len(t, analyses, 1)
	assert.Equal(t, "urgent", analyses[0].Intent)
	assert.Equal(t, int64(200), analyses[0].TokensUsed)

	tenant, err := h.store.GetTenant(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tenant.Usage.AICallsUsed)
}

func TestExecuteIntentBelowConfidence(t *testing.T) {
	h := newHarness(t)
	h.classifier.result = &ai.Classification{
		AIMetadata: schema.AIMetadata{Intent: "urgent", Confidence: 0.5},
	}
	h.createWorkflow(t, &schema.Workflow{
		Conditions: []schema.Condition{
			{Field: "body", Operator: schema.OpMatchesIntent, Value: "urgent", MinConfidence: 0.8},
		},
		Actions: []schema.Action{
			{Kind: schema.ActionLog, Config: map[string]any{"message": "x"}, Order: 1},
		},
	})

	ex, err := h.engine.Execute(context.Background(), executionJob(map[string]any{"body": "maybe urgent?"}))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, ex.Status)
	assert.Empty(t, h.calls)
	// The analysis is still on the record even though the condition failed.
	assert.Equal(t, schema.StepAIAnalysis, ex.Steps[0].Type)
	assert.Equal(t, schema.StepSuccess, ex.Steps[0].Status)
}

func TestExecuteClassifierFailure(t *testing.T) {
	h := newHarness(t)
	h.classifier.err = schema.NewError(schema.ErrCodeClassifier, "model overloaded")
	h.createWorkflow(t, &schema.Workflow{
		Conditions: []schema.Condition{
			{Field: "body", Operator: schema.OpMatchesIntent, Value: "urgent"},
		},
		Actions: []schema.Action{
			{Kind: schema.ActionLog, Config: map[string]any{"message": "x"}, Order: 1},
		},
	})

	ex, err := h.engine.Execute(context.Background(), executionJob(map[string]any{"body": "help"}))
	require.NoError(t, err)
	// Classifier trouble never fails the execution, only the condition.
	assert.Equal(t, schema.ExecutionCompleted, ex.Status)
	assert.Empty(t, h.calls)

	assert.Equal(t, schema.StepAIAnalysis, ex.Steps[0].Type)
	assert.Equal(t, schema.StepFailed, ex.Steps[0].Status)
	assert.Contains(t, ex.Steps[0].Error, "model overloaded")
	assert.Equal(t, schema.StepFailed, ex.Steps[1].Status)
	assert.Equal(t, false, ex.Steps[1].Output["passed"])
}

func TestExecuteActionFailureIsolated(t *testing.T) {
	h := newHarness(t)
	h.registryWith(t, schema.ActionWebhook)
	h.createWorkflow(t, &schema.Workflow{
		Actions: []schema.Action{
			{Kind: schema.ActionWebhook, Config: map[string]any{"url": "https://hooks.example/x"}, Order: 1},
			{Kind: schema.ActionLog, Config: map[string]any{"message": "still runs"}, Order: 2},
		},
	})

	ex, err := h.engine.Execute(context.Background(), executionJob(map[string]any{"a": "b"}))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, ex.Status)
	require.Len(t, ex.Steps, 3)
	assert.Equal(t, schema.StepConditionCheck, ex.Steps[0].Type)
	assert.Equal(t, schema.StepFailed, ex.Steps[1].Status)
	assert.Contains(t, ex.Steps[1].Error, "provider unavailable")
	assert.Equal(t, schema.StepSuccess, ex.Steps[2].Status)
	// Both actions were attempted.
	assert.Len(t, h.calls, 2)
}

func TestExecuteActionsRunInOrder(t *testing.T) {
	h := newHarness(t)
	h.createWorkflow(t, &schema.Workflow{
		Actions: []schema.Action{
			{Kind: schema.ActionLog, Config: map[string]any{"message": "second"}, Order: 2},
			{Kind: schema.ActionLog, Config: map[string]any{"message": "first"}, Order: 1},
			{Kind: schema.ActionLog, Config: map[string]any{"message": "third"}, Order: 3},
		},
	})

	_, err := h.engine.Execute(context.Background(), executionJob(map[string]any{}))
	require.NoError(t, err)
	require.Len(t, h.calls, 3)
	assert.Equal(t, "first", h.calls[0]["message"])
	assert.Equal(t, "second", h.calls[1]["message"])
	assert.Equal(t, "third", h.calls[2]["message"])
}

func TestExecuteNoConditionsAlwaysRuns(t *testing.T) {
	h := newHarness(t)
	h.createWorkflow(t, &schema.Workflow{
		Actions: []schema.Action{
			{Kind: schema.ActionLog, Config: map[string]any{"message": "always"}, Order: 1},
		},
	})

	ex, err := h.engine.Execute(context.Background(), executionJob(map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, ex.Status)
	// Even with nothing to check, the trail records a trivially passing
	// condition_check step before the actions.
	assert.Equal(t, []schema.StepType{
		schema.StepConditionCheck,
		schema.StepActionExecute,
	}, stepTypes(ex.Steps))
	assert.Equal(t, schema.StepSuccess, ex.Steps[0].Status)
	assert.Equal(t, true, ex.Steps[0].Output["passed"])
	assert.Empty(t, ex.Steps[0].Output["results"])
}

func TestExecuteUnknownOperatorLogsWarning(t *testing.T) {
	h := newHarness(t)
	var buf bytes.Buffer
	eng := New(h.store, h.engine.registry, h.classifier, slog.New(slog.NewTextHandler(&buf, nil)))
	h.createWorkflow(t, &schema.Workflow{
		Conditions: []schema.Condition{
			{Field: "x", Operator: "regex", Value: ".*"},
		},
		Actions: []schema.Action{
			{Kind: schema.ActionLog, Config: map[string]any{"message": "never"}, Order: 1},
		},
	})

	ex, err := eng.Execute(context.Background(), executionJob(map[string]any{"x": "y"}))
	require.NoError(t, err)
	// The bad condition counts as false and the anomaly is logged.
	assert.Equal(t, schema.ExecutionCompleted, ex.Status)
	require.Len(t, ex.Steps, 1)
	assert.Equal(t, schema.StepFailed, ex.Steps[0].Status)
	assert.Empty(t, h.calls)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "unknown operator")
}

func TestFailExecutionRecordsFailedStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ex := &schema.Execution{
		ID:         "ex-fatal",
		WorkflowID: "wf-1",
		TenantID:   "t1",
		Trigger:    schema.TriggerEvent{Kind: schema.TriggerWebhook},
		Status:     schema.ExecutionRunning,
		StartedAt:  time.Now().UTC(),
	}
	require.NoError(t, h.store.CreateExecution(ctx, ex))

	rec := newRecorder(h.store, ex)
	h.engine.failExecution(ctx, rec, h.engine.logger, schema.NewError(schema.ErrCodeStore, "disk full"))

	stored, err := h.store.GetExecution(ctx, "ex-fatal", "t1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, stored.Status)
	require.Len(t, stored.Steps, 1)
	assert.Equal(t, schema.StepFailed, stored.Steps[0].Status)
	assert.Contains(t, stored.Steps[0].Error, "disk full")
	require.NotNil(t, stored.CompletedAt)
}

func TestExecuteWorkflowNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Execute(context.Background(), executionJob(map[string]any{}))
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
	assert.False(t, fe.IsRetryable())
}

func TestExecuteWorkflowNotActive(t *testing.T) {
	h := newHarness(t)
	h.createWorkflow(t, &schema.Workflow{
		Status: schema.WorkflowStatusPaused,
		Actions: []schema.Action{
			{Kind: schema.ActionLog, Config: map[string]any{"message": "x"}, Order: 1},
		},
	})

	_, err := h.engine.Execute(context.Background(), executionJob(map[string]any{}))
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotActive, fe.Code)
	assert.False(t, fe.IsRetryable())

	// No execution record for a refused delivery.
	_, total, err := h.store.ListExecutions(context.Background(), store.ExecutionFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestExecuteTenantScoping(t *testing.T) {
	h := newHarness(t)
	h.createWorkflow(t, &schema.Workflow{
		Actions: []schema.Action{
			{Kind: schema.ActionLog, Config: map[string]any{"message": "x"}, Order: 1},
		},
	})

	job := executionJob(map[string]any{})
	job.TenantID = "other-tenant"
	_, err := h.engine.Execute(context.Background(), job)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestCancelExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.CreateExecution(ctx, &schema.Execution{
		ID:         "ex-1",
		WorkflowID: "wf-1",
		TenantID:   "t1",
		Trigger:    schema.TriggerEvent{Kind: schema.TriggerManual},
		Status:     schema.ExecutionRunning,
	}))

	ex, err := h.engine.CancelExecution(ctx, "ex-1", "t1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, ex.Status)
	assert.NotNil(t, ex.CompletedAt)

	// Cancelling a terminal execution conflicts.
	_, err = h.engine.CancelExecution(ctx, "ex-1", "t1")
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeConflict, fe.Code)
	assert.False(t, fe.IsRetryable())

	// Wrong tenant cannot see it at all.
	_, err = h.engine.CancelExecution(ctx, "ex-1", "t2")
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}
