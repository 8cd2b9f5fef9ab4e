package store

import (
	"context"

	"github.com/nvela/flowd/pkg/schema"
)

// Store defines the persistence layer contract. Every workflow and execution
// read/write is tenant-scoped; there is no cross-tenant visibility.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows (read-mostly from the engine's point of view)
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id, tenantID string) (*schema.Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, id, tenantID string, status schema.WorkflowStatus) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)

	// Executions (append-only audit trail, never deleted)
	CreateExecution(ctx context.Context, ex *schema.Execution) error
	GetExecution(ctx context.Context, id, tenantID string) (*schema.Execution, error)
	UpdateExecution(ctx context.Context, id, tenantID string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, int, error)

	// AI analyses (write-once, best-effort)
	CreateAIAnalysis(ctx context.Context, a *schema.AIAnalysis) error
	ListAIAnalyses(ctx context.Context, executionID, tenantID string) ([]*schema.AIAnalysis, error)

	// Tenants and usage counters
	CreateTenant(ctx context.Context, t *schema.Tenant) error
	GetTenant(ctx context.Context, id string) (*schema.Tenant, error)
	// IncrementUsage atomically adds delta to one of the named usage
	// counters (schema.Counter*). Safe under concurrent executions.
	IncrementUsage(ctx context.Context, tenantID, counter string, delta int64) error

	// Notifications
	CreateNotification(ctx context.Context, n *schema.Notification) error
	ListNotifications(ctx context.Context, tenantID string, limit int) ([]*schema.Notification, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
