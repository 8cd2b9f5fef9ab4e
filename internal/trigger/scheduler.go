package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nvela/flowd/internal/store"
	"github.com/nvela/flowd/pkg/schema"
)

const tickInterval = 60 * time.Second

// Scheduler fires schedule-triggered workflows. It polls the store on a 60s
// ticker, tracks the next due time per workflow in memory, and enqueues a
// job whenever a workflow comes due. Firing is enqueue-only, so a tick is
// cheap even with many due workflows.
type Scheduler struct {
	store   store.Store
	handler *Handler
	parser  cron.Parser
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	nextMu  sync.Mutex
	nextRun map[string]time.Time // workflow ID -> next due time
}

func NewScheduler(s store.Store, handler *Handler, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:   s,
		handler: handler,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:  logger,
		nextRun: make(map[string]time.Time),
	}
}

// Start launches the background loop with an immediate first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

// Stop shuts the loop down and waits for the current tick to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every active schedule workflow that is due. Exported for tests.
func (s *Scheduler) Tick(ctx context.Context) {
	status := schema.WorkflowStatusActive
	kind := schema.TriggerSchedule
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{Status: &status, TriggerKind: &kind})
	if err != nil {
		s.logger.Error("list scheduled workflows failed", "error", err)
		return
	}

	now := time.Now().UTC()
	seen := make(map[string]struct{}, len(workflows))

	for _, wf := range workflows {
		seen[wf.ID] = struct{}{}
		expr, _ := wf.Trigger.Config["cron"].(string)
		if expr == "" {
			s.logger.Warn("schedule workflow has no cron expression", "workflow_id", wf.ID)
			continue
		}
		schedule, err := s.parser.Parse(expr)
		if err != nil {
			s.logger.Warn("invalid cron expression", "workflow_id", wf.ID, "cron", expr, "error", err)
			continue
		}

		due, known := s.peekNext(wf.ID)
		if !known {
			// First sighting: schedule forward, never fire for the past.
			s.setNext(wf.ID, schedule.Next(now))
			continue
		}
		if due.After(now) {
			continue
		}

		if _, err := s.handler.HandleSchedule(ctx, wf.ID, wf.TenantID, map[string]any{
			"scheduled_for": due.Format(time.RFC3339),
			"cron":          expr,
		}); err != nil {
			s.logger.Error("fire scheduled workflow failed", "workflow_id", wf.ID, "error", err)
		}
		s.setNext(wf.ID, schedule.Next(now))
	}

	// Forget workflows that are no longer active schedules.
	s.nextMu.Lock()
	for id := range s.nextRun {
		if _, ok := seen[id]; !ok {
			delete(s.nextRun, id)
		}
	}
	s.nextMu.Unlock()
}

func (s *Scheduler) peekNext(id string) (time.Time, bool) {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()
	t, ok := s.nextRun[id]
	return t, ok
}

func (s *Scheduler) setNext(id string, t time.Time) {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()
	s.nextRun[id] = t
}

// ValidateCron reports whether an expression parses with the scheduler's
// five-field parser. Used by workflow validation at save time.
func ValidateCron(expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(expr); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q", expr).WithCause(err)
	}
	return nil
}
