package actions

import (
	"context"

	"github.com/google/uuid"

	"github.com/nvela/flowd/pkg/schema"
)

// NotificationWriter is the slice of the store the notification action needs.
type NotificationWriter interface {
	CreateNotification(ctx context.Context, n *schema.Notification) error
}

// NotificationAction persists an in-app notification. Config: message
// (required), data (optional object stored alongside).
type NotificationAction struct {
	store NotificationWriter
}

func NewNotificationAction(store NotificationWriter) *NotificationAction {
	return &NotificationAction{store: store}
}

func (a *NotificationAction) Kind() schema.ActionKind { return schema.ActionNotification }

func (a *NotificationAction) Validate(config map[string]any) error {
	if stringParam(config, "message", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "notification: missing required field 'message'")
	}
	return nil
}

func (a *NotificationAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Config); err != nil {
		return nil, err
	}
	n := &schema.Notification{
		ID:          uuid.NewString(),
		TenantID:    input.TenantID,
		ExecutionID: input.ExecutionID,
		Message:     stringParam(input.Config, "message", ""),
	}
	if data := mapParam(input.Config, "data"); data != nil {
		n.Payload = schema.MarshalPayload(data)
	}
	if err := a.store.CreateNotification(ctx, n); err != nil {
		return nil, schema.NewError(schema.ErrCodeActionFailed, "notification: persist").WithCause(err)
	}
	return &ActionOutput{Data: map[string]any{
		"notification_id": n.ID,
		"message":         n.Message,
	}}, nil
}
