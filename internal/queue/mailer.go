package queue

import (
	"context"
	"log/slog"

	"github.com/nvela/flowd/pkg/schema"
)

// EmailTransport delivers a fully resolved email. Implementations wrap an
// external provider (SMTP, SES, ...).
type EmailTransport interface {
	Send(ctx context.Context, job *EmailJob) error
}

// LogTransport is the default transport: it records the send in the log
// instead of delivering. Used when no provider is configured.
type LogTransport struct {
	Logger *slog.Logger
}

func (t *LogTransport) Send(_ context.Context, job *EmailJob) error {
	t.Logger.Info("email delivered (log transport)",
		"tenant_id", job.TenantID,
		"to", job.To,
		"subject", job.Subject)
	return nil
}

// QueuedSender enqueues emails on the email queue instead of sending inline,
// so action execution never blocks on a provider and sends get their own
// retry policy.
type QueuedSender struct {
	Queue Queue
}

func (s *QueuedSender) SendEmail(ctx context.Context, job *EmailJob) error {
	if job.To == "" {
		return schema.NewError(schema.ErrCodeValidation, "email has no recipient")
	}
	_, err := s.Queue.Enqueue(ctx, EmailQueue, job)
	return err
}

// UsageRecorder is the slice of the store the email handler needs.
type UsageRecorder interface {
	IncrementUsage(ctx context.Context, tenantID, counter string, delta int64) error
}

// NewEmailHandler returns the EmailQueue handler: decode, deliver via the
// transport, bump the tenant's emails_sent counter. Counter failures are
// logged, not returned — the send already happened and retrying the job
// would duplicate it.
func NewEmailHandler(transport EmailTransport, usage UsageRecorder, logger *slog.Logger) Handler {
	return func(ctx context.Context, job *Job) error {
		ej, err := DecodeEmailJob(job)
		if err != nil {
			return err
		}
		if err := transport.Send(ctx, ej); err != nil {
			return schema.NewErrorf(schema.ErrCodeActionFailed, "send email to %s", ej.To).WithCause(err)
		}
		if err := usage.IncrementUsage(ctx, ej.TenantID, schema.CounterEmails, 1); err != nil {
			logger.Error("record email usage failed", "tenant_id", ej.TenantID, "error", err)
		}
		return nil
	}
}
