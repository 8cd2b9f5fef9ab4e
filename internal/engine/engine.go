package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nvela/flowd/internal/actions"
	"github.com/nvela/flowd/internal/ai"
	"github.com/nvela/flowd/internal/logging"
	"github.com/nvela/flowd/internal/queue"
	"github.com/nvela/flowd/internal/store"
	"github.com/nvela/flowd/pkg/schema"
)

// Engine runs workflow executions: guard, record, evaluate, act, finalize.
// One Execute call owns one execution record; a re-delivered job creates a
// fresh record (at-least-once, each delivery is auditable on its own).
type Engine struct {
	store      store.Store
	registry   *actions.Registry
	classifier ai.Classifier
	logger     *slog.Logger
}

func New(s store.Store, registry *actions.Registry, classifier ai.Classifier, logger *slog.Logger) *Engine {
	return &Engine{
		store:      s,
		registry:   registry,
		classifier: classifier,
		logger:     logger,
	}
}

// Execute processes one trigger delivery end to end. The returned error is
// nil whenever an execution record reached a terminal state — action and
// condition failures live in the record, not the error. A non-nil return
// means the delivery should be retried (or dead-lettered when the error is
// not retryable).
func (e *Engine) Execute(ctx context.Context, job *queue.ExecutionJob) (*schema.Execution, error) {
	wf, err := e.store.GetWorkflow(ctx, job.WorkflowID, job.TenantID)
	if err != nil {
		return nil, err
	}
	if wf.Status != schema.WorkflowStatusActive {
		return nil, schema.NewErrorf(schema.ErrCodeNotActive, "workflow %s is %s", wf.ID, wf.Status)
	}

	ex := &schema.Execution{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		TenantID:   wf.TenantID,
		Trigger: schema.TriggerEvent{
			Kind:    job.TriggerKind,
			Payload: job.Payload,
		},
		Status:    schema.ExecutionRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, ex); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create execution").WithCause(err)
	}

	ctx = logging.WithIDs(ctx, wf.ID, ex.ID, wf.TenantID)
	logger := e.logger.With("workflow_id", wf.ID, "execution_id", ex.ID, "tenant_id", wf.TenantID)
	logger.Info("execution started", "trigger", string(job.TriggerKind))

	rec := newRecorder(e.store, ex)

	passed, err := e.evaluateConditions(ctx, rec, wf, job.Payload)
	if err != nil {
		e.failExecution(ctx, rec, logger, err)
		return ex, err
	}

	if !passed {
		if err := rec.Finalize(ctx, schema.ExecutionCompleted); err != nil {
			return ex, err
		}
		e.recordExecutionUsage(ctx, logger, wf.TenantID)
		logger.Info("execution completed", "conditions_passed", false, "duration_ms", *ex.DurationMs)
		return ex, nil
	}

	if err := e.executeActions(ctx, rec, wf, job.Payload, logger); err != nil {
		e.failExecution(ctx, rec, logger, err)
		return ex, err
	}

	if err := rec.Finalize(ctx, schema.ExecutionCompleted); err != nil {
		return ex, err
	}
	e.recordExecutionUsage(ctx, logger, wf.TenantID)
	logger.Info("execution completed", "conditions_passed", true, "steps", len(ex.Steps), "duration_ms", *ex.DurationMs)
	return ex, nil
}

// executeActions runs the workflow's actions in Order. One action failing is
// recorded and skipped over; only step-persistence failures abort.
func (e *Engine) executeActions(ctx context.Context, rec *recorder, wf *schema.Workflow, payload map[string]any, logger *slog.Logger) error {
	ordered := make([]schema.Action, len(wf.Actions))
	copy(ordered, wf.Actions)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	tc := actions.TemplateContext{Payload: payload}
	if tenant, err := e.store.GetTenant(ctx, wf.TenantID); err == nil {
		tc.OwnerEmail = tenant.OwnerEmail
	} else {
		logger.Warn("load tenant for templating failed", "error", err)
	}

	for _, act := range ordered {
		start := time.Now()
		step := schema.Step{
			Type: schema.StepActionExecute,
			Input: map[string]any{
				"kind":  string(act.Kind),
				"order": act.Order,
			},
			Timestamp: start.UTC(),
		}

		output, err := e.runAction(ctx, rec.execution, &act, tc)
		step.DurationMs = time.Since(start).Milliseconds()
		if err != nil {
			step.Status = schema.StepFailed
			step.Error = err.Error()
			logger.Error("action failed", "kind", string(act.Kind), "order", act.Order, "error", err)
		} else {
			step.Status = schema.StepSuccess
			step.Output = output
		}

		if err := rec.Append(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runAction(ctx context.Context, ex *schema.Execution, act *schema.Action, tc actions.TemplateContext) (map[string]any, error) {
	impl, err := e.registry.Get(act.Kind)
	if err != nil {
		return nil, err
	}
	out, err := impl.Execute(ctx, actions.ActionInput{
		Config:      actions.Resolve(act.Config, tc),
		TenantID:    ex.TenantID,
		ExecutionID: ex.ID,
		Payload:     tc.Payload,
	})
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// failExecution appends a failed step and marks the record failed, both
// best-effort so the trail stays readable: the caller's error is what
// propagates to the queue.
func (e *Engine) failExecution(ctx context.Context, rec *recorder, logger *slog.Logger, cause error) {
	step := schema.Step{
		Type:      schema.StepActionExecute,
		Status:    schema.StepFailed,
		Error:     cause.Error(),
		Timestamp: time.Now().UTC(),
	}
	if err := rec.Append(ctx, step); err != nil {
		logger.Error("record failure step", "error", err)
	}
	if err := rec.Finalize(ctx, schema.ExecutionFailed); err != nil {
		logger.Error("mark execution failed", "error", err)
	}
	logger.Error("execution failed", "error", cause)
}

func (e *Engine) recordExecutionUsage(ctx context.Context, logger *slog.Logger, tenantID string) {
	if err := e.store.IncrementUsage(ctx, tenantID, schema.CounterExecutions, 1); err != nil {
		logger.Error("record execution usage failed", "error", err)
	}
}

// GetExecution returns one execution, tenant-scoped.
func (e *Engine) GetExecution(ctx context.Context, id, tenantID string) (*schema.Execution, error) {
	return e.store.GetExecution(ctx, id, tenantID)
}

// ListExecutions returns a page of executions plus the total match count.
func (e *Engine) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*schema.Execution, int, error) {
	return e.store.ListExecutions(ctx, filter)
}

// ListAIAnalyses returns the classifier audit records for one execution.
func (e *Engine) ListAIAnalyses(ctx context.Context, executionID, tenantID string) ([]*schema.AIAnalysis, error) {
	return e.store.ListAIAnalyses(ctx, executionID, tenantID)
}

// CancelExecution marks a running execution cancelled. It is a record-level
// operation: work already in flight for this execution is not interrupted,
// but the record becomes terminal and stays that way.
func (e *Engine) CancelExecution(ctx context.Context, id, tenantID string) (*schema.Execution, error) {
	ex, err := e.store.GetExecution(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	if ex.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already %s", id, ex.Status)
	}

	now := time.Now().UTC()
	duration := now.Sub(ex.StartedAt).Milliseconds()
	status := schema.ExecutionCancelled
	err = e.store.UpdateExecution(ctx, id, tenantID, store.ExecutionUpdate{
		Status:      &status,
		CompletedAt: &now,
		DurationMs:  &duration,
	})
	if err != nil {
		return nil, err
	}
	ex.Status = status
	ex.CompletedAt = &now
	ex.DurationMs = &duration

	e.logger.Info("execution cancelled", "execution_id", id, "tenant_id", tenantID)
	return ex, nil
}
