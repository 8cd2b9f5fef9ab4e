package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	dequeueTimeout   = 2 * time.Second
	promoteInterval  = time.Second
	handlerSlowAfter = 30 * time.Second
)

// WorkerPool runs a fixed number of goroutines consuming one named queue.
// Each delivery is handed to the Handler; outcomes are acked or nacked so
// the queue's retry policy applies.
type WorkerPool struct {
	queue       Queue
	name        string
	handler     Handler
	concurrency int
	logger      *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWorkerPool builds a pool. concurrency < 1 is clamped to 1.
func NewWorkerPool(q Queue, name string, handler Handler, concurrency int, logger *slog.Logger) *WorkerPool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &WorkerPool{
		queue:       q,
		name:        name,
		handler:     handler,
		concurrency: concurrency,
		logger:      logger.With("queue", name),
	}
}

// Start recovers stale in-flight jobs, then launches the workers and the
// delayed-job promoter. It returns immediately.
func (p *WorkerPool) Start(ctx context.Context) error {
	recovered, err := p.queue.RecoverStale(ctx, p.name)
	if err != nil {
		return err
	}
	if recovered > 0 {
		p.logger.Warn("requeued stale in-flight jobs", "count", recovered)
	}

	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}

	p.wg.Add(1)
	go p.promote(ctx)

	p.logger.Info("worker pool started", "concurrency", p.concurrency)
	return nil
}

// Stop cancels the workers and waits for in-flight handlers to return.
func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *WorkerPool) run(ctx context.Context, worker int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", worker)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, p.name, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		p.process(ctx, logger, job)
	}
}

func (p *WorkerPool) process(ctx context.Context, logger *slog.Logger, job *Job) {
	start := time.Now()
	err := p.handler(ctx, job)
	elapsed := time.Since(start)

	if elapsed > handlerSlowAfter {
		logger.Warn("slow job", "job_id", job.ID, "duration", elapsed)
	}

	if err != nil {
		logger.Error("job failed",
			"job_id", job.ID,
			"attempts", job.Attempts+1,
			"duration_ms", elapsed.Milliseconds(),
			"error", err)
		if nackErr := p.queue.Nack(ctx, job, err); nackErr != nil {
			logger.Error("nack failed", "job_id", job.ID, "error", nackErr)
		}
		return
	}

	logger.Debug("job completed", "job_id", job.ID, "duration_ms", elapsed.Milliseconds())
	if ackErr := p.queue.Ack(ctx, job); ackErr != nil {
		// The job will be re-delivered after the next stale recovery; the
		// handler must tolerate duplicates (at-least-once).
		logger.Error("ack failed", "job_id", job.ID, "error", ackErr)
	}
}

func (p *WorkerPool) promote(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.PromoteDelayed(ctx, p.name)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Error("promote delayed failed", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Debug("promoted delayed jobs", "count", n)
			}
		}
	}
}
