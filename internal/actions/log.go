package actions

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nvela/flowd/pkg/schema"
)

// LogAction writes a structured log entry. Config: message (required),
// level (debug|info|warn|error, default info).
type LogAction struct {
	logger *slog.Logger
}

func NewLogAction(logger *slog.Logger) *LogAction {
	return &LogAction{logger: logger}
}

func (a *LogAction) Kind() schema.ActionKind { return schema.ActionLog }

func (a *LogAction) Validate(config map[string]any) error {
	if stringParam(config, "message", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "log: missing required field 'message'")
	}
	return nil
}

func (a *LogAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Config); err != nil {
		return nil, err
	}
	message := stringParam(input.Config, "message", "")
	level := parseLevel(stringParam(input.Config, "level", "info"))

	a.logger.Log(ctx, level, message,
		"tenant_id", input.TenantID,
		"execution_id", input.ExecutionID)

	return &ActionOutput{Data: map[string]any{
		"message": message,
		"level":   level.String(),
	}}, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
