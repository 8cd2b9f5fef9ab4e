package store

import (
	"time"

	"github.com/nvela/flowd/pkg/schema"
)

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	TenantID    string                 // empty = all tenants (scheduler use only)
	Status      *schema.WorkflowStatus //
	TriggerKind *schema.TriggerKind    //
	Limit       int                    //
	Offset      int                    //
}

// ExecutionFilter specifies criteria for listing executions.
// TenantID is required; WorkflowID narrows to one workflow's history.
type ExecutionFilter struct {
	TenantID   string
	WorkflowID string
	Status     *schema.ExecutionStatus
	Since      *time.Time
	Limit      int
	Skip       int
}

// ExecutionUpdate specifies mutable fields of an execution. Steps, when
// non-nil, replaces the stored step log with the engine's authoritative
// copy — safe because exactly one worker owns an execution at a time.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus
	Steps       []schema.Step
	CompletedAt *time.Time
	DurationMs  *int64
}
