package schema

import (
	"encoding/json"
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusPaused   WorkflowStatus = "paused"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// TriggerKind enumerates how a workflow is fired.
type TriggerKind string

const (
	TriggerWebhook  TriggerKind = "webhook"
	TriggerSchedule TriggerKind = "schedule"
	TriggerManual   TriggerKind = "manual"
)

// ConditionOperator enumerates the supported condition comparisons.
type ConditionOperator string

const (
	OpEquals        ConditionOperator = "equals"
	OpContains      ConditionOperator = "contains"
	OpGreaterThan   ConditionOperator = "greater_than"
	OpLessThan      ConditionOperator = "less_than"
	OpMatchesIntent ConditionOperator = "matches_intent"
	OpExpression    ConditionOperator = "expression"
)

// ActionKind enumerates the supported action types.
type ActionKind string

const (
	ActionEmail        ActionKind = "email"
	ActionWebhook      ActionKind = "webhook"
	ActionNotification ActionKind = "notification"
	ActionLog          ActionKind = "log"
)

// TriggerSpec describes how a workflow is fired, with kind-specific config
// (e.g. "cron" for schedule triggers, "method"/"headers" for webhooks).
type TriggerSpec struct {
	Kind   TriggerKind    `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
}

// Condition is a single guard over the trigger payload. All of a workflow's
// conditions must hold (AND) for its actions to run.
type Condition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value"`
	// MinConfidence applies to matches_intent only: the classifier's
	// confidence must meet or exceed it. Zero means no threshold.
	MinConfidence float64 `json:"min_confidence,omitempty"`
}

// Action is one side effect in a workflow. Config is a kind-specific bag
// whose string values may contain {{field.path}} placeholders resolved
// against the trigger payload. Order drives sequencing (1-based, gaps ok).
type Action struct {
	Kind   ActionKind     `json:"kind"`
	Config map[string]any `json:"config"`
	Order  int            `json:"order"`
}

// Provenance records how an AI-compiled workflow came to be.
type Provenance struct {
	AIGenerated   bool    `json:"ai_generated"`
	AIConfidence  float64 `json:"ai_confidence,omitempty"`
	AIExplanation string  `json:"ai_explanation,omitempty"`
	ApprovedBy    string  `json:"approved_by,omitempty"`
}

// Workflow is a stored automation rule: trigger + conditions + ordered
// actions. Read-only to the execution engine; mutated only by workflow
// management.
type Workflow struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Trigger     TriggerSpec    `json:"trigger"`
	Conditions  []Condition    `json:"conditions,omitempty"`
	Actions     []Action       `json:"actions"`
	Status      WorkflowStatus `json:"status"`
	Provenance  *Provenance    `json:"provenance,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Tenant owns workflows and executions. Usage counters are incremented
// atomically by the engine as executions finish.
type Tenant struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Plan       string    `json:"plan,omitempty"`
	OwnerEmail string    `json:"owner_email,omitempty"`
	Usage      Usage     `json:"usage"`
	CreatedAt  time.Time `json:"created_at"`
}

// Usage tracks per-tenant consumption for billing.
type Usage struct {
	ExecutionsUsed int64 `json:"executions_used"`
	EmailsSent     int64 `json:"emails_sent"`
	AICallsUsed    int64 `json:"ai_calls_used"`
}

// Usage counter names accepted by Store.IncrementUsage.
const (
	CounterExecutions = "executions_used"
	CounterEmails     = "emails_sent"
	CounterAICalls    = "ai_calls_used"
)

// Notification is a durable in-app notification record produced by
// notification actions.
type Notification struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Message     string          `json:"message"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
