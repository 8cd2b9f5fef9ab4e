package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nvela/flowd/pkg/schema"
)

// Queue names.
const (
	ExecutionQueue = "workflow-execution"
	EmailQueue     = "email-send"
)

// Policy controls retry behavior for a named queue. Backoff is exponential:
// InitialDelay * 2^(attempt-1).
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
}

// Default policies, matching the delivery guarantees the engine promises:
// execution jobs retry 3 times from 2s, email jobs 5 times from 5s.
var (
	ExecutionPolicy = Policy{MaxAttempts: 3, InitialDelay: 2 * time.Second}
	EmailPolicy     = Policy{MaxAttempts: 5, InitialDelay: 5 * time.Second}
)

// Backoff returns the delay before the given re-delivery attempt (1-based:
// attempt 1 is the first retry).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Job is the durable envelope for queued work. Payload is opaque to the
// queue; handlers decode it into their own job types.
type Job struct {
	ID        string          `json:"id"`
	Queue     string          `json:"queue"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ExecutionJob is the payload for ExecutionQueue jobs. It carries the trigger
// snapshot, not a reference: the payload the workflow sees is the one that
// existed at enqueue time.
type ExecutionJob struct {
	WorkflowID  string             `json:"workflow_id"`
	TenantID    string             `json:"tenant_id"`
	TriggerKind schema.TriggerKind `json:"trigger_kind"`
	Payload     map[string]any     `json:"payload,omitempty"`
}

// EmailJob is the payload for EmailQueue jobs, fully resolved (no templates).
type EmailJob struct {
	TenantID    string `json:"tenant_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	To          string `json:"to"`
	Subject     string `json:"subject"`
	Body        string `json:"body,omitempty"`
}

// Handler processes one job. A nil return acknowledges the job; an error
// triggers retry with backoff unless the error is a non-retryable FlowError,
// in which case the job goes straight to the dead-letter list.
type Handler func(ctx context.Context, job *Job) error

// Queue is the durable job transport. At-least-once delivery: a job survives
// process crashes and may be handed to a handler more than once.
type Queue interface {
	// Enqueue makes the job durable and eligible for delivery. Returns the
	// assigned job ID.
	Enqueue(ctx context.Context, queue string, payload any) (string, error)

	// Dequeue blocks up to timeout for the next job on the queue, moving it
	// to the in-flight list. Returns nil when the timeout elapses.
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Job, error)

	// Ack removes a delivered job permanently.
	Ack(ctx context.Context, job *Job) error

	// Nack records a failed delivery. The job is re-scheduled with backoff
	// per the queue's policy, or dead-lettered when attempts are exhausted
	// or the error is not retryable.
	Nack(ctx context.Context, job *Job, cause error) error

	// PromoteDelayed moves delayed jobs whose backoff has elapsed back to
	// the waiting list. Returns how many were promoted.
	PromoteDelayed(ctx context.Context, queue string) (int, error)

	// RecoverStale re-queues jobs left on the in-flight list by a previous
	// process. Call once at startup, before workers begin consuming.
	RecoverStale(ctx context.Context, queue string) (int, error)

	Close() error
}

func decodePayload(job *Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "malformed %s job payload", job.Queue).WithCause(err)
	}
	return nil
}

// DecodeExecutionJob decodes an ExecutionQueue job payload.
func DecodeExecutionJob(job *Job) (*ExecutionJob, error) {
	var ej ExecutionJob
	if err := decodePayload(job, &ej); err != nil {
		return nil, err
	}
	return &ej, nil
}

// DecodeEmailJob decodes an EmailQueue job payload.
func DecodeEmailJob(job *Job) (*EmailJob, error) {
	var ej EmailJob
	if err := decodePayload(job, &ej); err != nil {
		return nil, err
	}
	return &ej, nil
}
