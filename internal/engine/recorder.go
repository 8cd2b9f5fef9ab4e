package engine

import (
	"context"
	"time"

	"github.com/nvela/flowd/internal/store"
	"github.com/nvela/flowd/pkg/schema"
)

// recorder owns one execution's append-only step trail. Every Append
// persists the whole trail; a persist failure is engine-fatal because an
// unrecorded step would break the audit guarantee.
type recorder struct {
	store     store.Store
	execution *schema.Execution
}

func newRecorder(s store.Store, ex *schema.Execution) *recorder {
	return &recorder{store: s, execution: ex}
}

func (r *recorder) Append(ctx context.Context, step schema.Step) error {
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now().UTC()
	}
	r.execution.Steps = append(r.execution.Steps, step)
	err := r.store.UpdateExecution(ctx, r.execution.ID, r.execution.TenantID, store.ExecutionUpdate{
		Steps: r.execution.Steps,
	})
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "persist execution step").WithCause(err)
	}
	return nil
}

// Finalize moves the execution to a terminal status and stamps completion
// time and duration.
func (r *recorder) Finalize(ctx context.Context, status schema.ExecutionStatus) error {
	now := time.Now().UTC()
	duration := now.Sub(r.execution.StartedAt).Milliseconds()
	r.execution.Status = status
	r.execution.CompletedAt = &now
	r.execution.DurationMs = &duration

	err := r.store.UpdateExecution(ctx, r.execution.ID, r.execution.TenantID, store.ExecutionUpdate{
		Status:      &status,
		Steps:       r.execution.Steps,
		CompletedAt: &now,
		DurationMs:  &duration,
	})
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "finalize execution").WithCause(err)
	}
	return nil
}
