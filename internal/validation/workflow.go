package validation

import (
	"fmt"

	"github.com/expr-lang/expr"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nvela/flowd/internal/trigger"
	"github.com/nvela/flowd/pkg/schema"
)

// WorkflowValidator checks workflow definitions at save time: structural
// validation via JSON Schema, then semantic rules the schema cannot express.
// Safe for concurrent use.
type WorkflowValidator struct {
	workflowSchema *jsonschema.Schema
}

func NewWorkflowValidator() (*WorkflowValidator, error) {
	compiled, err := compileWorkflowSchema()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{workflowSchema: compiled}, nil
}

// Validate returns nil when the workflow is safe to store. Rules beyond the
// JSON Schema:
//   - an active workflow must have at least one action
//   - schedule triggers need a parseable cron expression
//   - non-expression conditions need a field; expressions must compile
//   - action configs carry their kind's required fields
func (v *WorkflowValidator) Validate(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}

	doc, err := toJSONValue(wf)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "serialize workflow").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}

	if wf.Status == schema.WorkflowStatusActive && len(wf.Actions) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "an active workflow needs at least one action")
	}

	if wf.Trigger.Kind == schema.TriggerSchedule {
		cron, _ := wf.Trigger.Config["cron"].(string)
		if cron == "" {
			return schema.NewError(schema.ErrCodeValidation, "schedule trigger requires a 'cron' expression")
		}
		if err := trigger.ValidateCron(cron); err != nil {
			return err
		}
	}

	for i, cond := range wf.Conditions {
		if err := validateCondition(i, &cond); err != nil {
			return err
		}
	}

	for i, act := range wf.Actions {
		if err := validateAction(i, &act); err != nil {
			return err
		}
	}

	return nil
}

func validateCondition(i int, cond *schema.Condition) error {
	at := fmt.Sprintf("conditions[%d]", i)

	if cond.Operator == schema.OpExpression {
		src, _ := cond.Value.(string)
		if src == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: expression condition needs a string value", at)
		}
		if _, err := expr.Compile(src, expr.Env(map[string]any{}), expr.AllowUndefinedVariables(), expr.AsBool()); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: expression does not compile", at).WithCause(err)
		}
		return nil
	}

	if cond.Field == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: %s condition needs a field", at, cond.Operator)
	}
	if cond.Value == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: %s condition needs a value", at, cond.Operator)
	}
	if cond.MinConfidence != 0 && cond.Operator != schema.OpMatchesIntent {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: min_confidence only applies to matches_intent", at)
	}
	return nil
}

// requiredActionFields lists the config keys each action kind must carry.
var requiredActionFields = map[schema.ActionKind][]string{
	schema.ActionEmail:        {"to"},
	schema.ActionWebhook:      {"url"},
	schema.ActionNotification: {"message"},
	schema.ActionLog:          {"message"},
}

func validateAction(i int, act *schema.Action) error {
	at := fmt.Sprintf("actions[%d]", i)

	required, ok := requiredActionFields[act.Kind]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: unknown action kind %q", at, act.Kind)
	}
	for _, key := range required {
		s, _ := act.Config[key].(string)
		if s == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: %s action requires %q", at, act.Kind, key)
		}
	}
	if act.Order < 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: order must be >= 1", at)
	}
	return nil
}
