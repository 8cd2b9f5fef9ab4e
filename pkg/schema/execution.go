package schema

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of one trigger firing.
// completed, failed and cancelled are terminal.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// StepType enumerates the kinds of steps recorded during an execution.
type StepType string

const (
	StepConditionCheck StepType = "condition_check"
	StepActionExecute  StepType = "action_execute"
	StepAIAnalysis     StepType = "ai_analysis"
)

// StepStatus is the outcome of a single step.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// AIMetadata is the structured output of one intent classification.
type AIMetadata struct {
	Intent       string   `json:"intent"`
	Confidence   float64  `json:"confidence"`
	Reasoning    string   `json:"reasoning,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	UrgencyScore int      `json:"urgency_score,omitempty"`
}

// Step is one append-only entry in an execution's trail. Input and Output
// are audit snapshots; the engine never re-parses them.
type Step struct {
	Type       StepType       `json:"type"`
	Status     StepStatus     `json:"status"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	AIMetadata *AIMetadata    `json:"ai_metadata,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Timestamp  time.Time      `json:"timestamp"`
}

// TriggerEvent is the immutable snapshot of the event that fired a workflow,
// taken at enqueue time.
type TriggerEvent struct {
	Kind    TriggerKind    `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Execution is the permanent audit record of one trigger firing. Steps are
// appended in causal order and never reordered or removed.
type Execution struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	TenantID    string          `json:"tenant_id"`
	Trigger     TriggerEvent    `json:"trigger"`
	Steps       []Step          `json:"steps"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  *int64          `json:"duration_ms,omitempty"`
}

// Terminal reports whether the execution has reached a final status.
func (e *Execution) Terminal() bool {
	switch e.Status {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// AIAnalysis is the write-once record of one classifier call, linked to the
// execution that made it. Persisted best-effort: losing one must never fail
// the execution.
type AIAnalysis struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	ExecutionID string    `json:"execution_id"`
	InputText   string    `json:"input_text"`
	Intent      string    `json:"detected_intent"`
	Confidence  float64   `json:"confidence"`
	Reasoning   string    `json:"reasoning,omitempty"`
	Model       string    `json:"model"`
	TokensUsed  int64     `json:"tokens_used"`
	LatencyMs   int64     `json:"latency_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// MarshalPayload is a convenience for snapshotting arbitrary payloads into
// audit fields without surfacing marshal errors to callers.
func MarshalPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
