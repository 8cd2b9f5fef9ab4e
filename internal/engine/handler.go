package engine

import (
	"context"

	"github.com/nvela/flowd/internal/queue"
)

// NewExecutionHandler adapts the engine to the execution queue. Decode
// failures and guard failures surface as non-retryable FlowErrors, so the
// queue dead-letters them instead of burning retries.
func NewExecutionHandler(e *Engine) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		ej, err := queue.DecodeExecutionJob(job)
		if err != nil {
			return err
		}
		_, err = e.Execute(ctx, ej)
		return err
	}
}
