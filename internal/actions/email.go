package actions

import (
	"context"

	"github.com/nvela/flowd/internal/queue"
	"github.com/nvela/flowd/pkg/schema"
)

// EmailSender accepts a resolved email for delivery. The queue-backed
// implementation (queue.QueuedSender) gives sends their own retry policy.
type EmailSender interface {
	SendEmail(ctx context.Context, job *queue.EmailJob) error
}

// defaultSubject is used when an email action's config leaves subject empty.
const defaultSubject = "Workflow Alert"

// EmailAction hands a resolved email to the sender. Config: to (required,
// typically "{{user.email}}"), subject (defaults to "Workflow Alert"), body.
type EmailAction struct {
	sender EmailSender
}

func NewEmailAction(sender EmailSender) *EmailAction {
	return &EmailAction{sender: sender}
}

func (a *EmailAction) Kind() schema.ActionKind { return schema.ActionEmail }

func (a *EmailAction) Validate(config map[string]any) error {
	if stringParam(config, "to", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "email: missing required field 'to'")
	}
	return nil
}

func (a *EmailAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Config); err != nil {
		return nil, err
	}
	subject := stringParam(input.Config, "subject", "")
	if subject == "" {
		subject = defaultSubject
	}
	job := &queue.EmailJob{
		TenantID:    input.TenantID,
		ExecutionID: input.ExecutionID,
		To:          stringParam(input.Config, "to", ""),
		Subject:     subject,
		Body:        stringParam(input.Config, "body", ""),
	}
	if err := a.sender.SendEmail(ctx, job); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "email: enqueue send to %s", job.To).WithCause(err)
	}
	return &ActionOutput{Data: map[string]any{
		"to":      job.To,
		"subject": job.Subject,
		"queued":  true,
	}}, nil
}
