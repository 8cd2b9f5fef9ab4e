package trigger

import (
	"context"
	"log/slog"

	"github.com/nvela/flowd/internal/queue"
	"github.com/nvela/flowd/internal/store"
	"github.com/nvela/flowd/pkg/schema"
)

// Ack is returned to the caller that fired a trigger: the work is durable
// and queued, not yet executed.
type Ack struct {
	Queued     bool   `json:"queued"`
	WorkflowID string `json:"workflow_id"`
	JobID      string `json:"job_id"`
}

// Handler turns trigger events into durable execution jobs. All guards run
// at enqueue time; the engine re-checks them at delivery time because the
// workflow may have changed in between.
type Handler struct {
	store  store.Store
	queue  queue.Queue
	logger *slog.Logger
}

func NewHandler(s store.Store, q queue.Queue, logger *slog.Logger) *Handler {
	return &Handler{store: s, queue: q, logger: logger}
}

// HandleWebhook fires a workflow from an inbound webhook event. The workflow
// must exist in the tenant, be active, and have a webhook trigger.
func (h *Handler) HandleWebhook(ctx context.Context, workflowID, tenantID string, payload map[string]any) (*Ack, error) {
	return h.fire(ctx, workflowID, tenantID, schema.TriggerWebhook, payload, true)
}

// HandleManual fires a workflow on demand. Manual firing skips the trigger
// kind check so any active workflow can be exercised by hand.
func (h *Handler) HandleManual(ctx context.Context, workflowID, tenantID string, payload map[string]any) (*Ack, error) {
	return h.fire(ctx, workflowID, tenantID, schema.TriggerManual, payload, false)
}

// HandleSchedule fires a workflow from the scheduler.
func (h *Handler) HandleSchedule(ctx context.Context, workflowID, tenantID string, payload map[string]any) (*Ack, error) {
	return h.fire(ctx, workflowID, tenantID, schema.TriggerSchedule, payload, true)
}

func (h *Handler) fire(ctx context.Context, workflowID, tenantID string, kind schema.TriggerKind, payload map[string]any, matchKind bool) (*Ack, error) {
	wf, err := h.store.GetWorkflow(ctx, workflowID, tenantID)
	if err != nil {
		return nil, err
	}
	if wf.Status != schema.WorkflowStatusActive {
		return nil, schema.NewErrorf(schema.ErrCodeNotActive, "workflow %s is %s", wf.ID, wf.Status)
	}
	if matchKind && wf.Trigger.Kind != kind {
		return nil, schema.NewErrorf(schema.ErrCodeTriggerMismatch,
			"workflow %s has a %s trigger, got %s event", wf.ID, wf.Trigger.Kind, kind)
	}

	jobID, err := h.queue.Enqueue(ctx, queue.ExecutionQueue, queue.ExecutionJob{
		WorkflowID:  wf.ID,
		TenantID:    wf.TenantID,
		TriggerKind: kind,
		Payload:     payload,
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("trigger queued",
		"workflow_id", wf.ID,
		"tenant_id", wf.TenantID,
		"trigger", string(kind),
		"job_id", jobID)

	return &Ack{Queued: true, WorkflowID: wf.ID, JobID: jobID}, nil
}
