package engine

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"

	"github.com/nvela/flowd/internal/actions"
	"github.com/nvela/flowd/pkg/schema"
)

// conditionResult is the audit record for one evaluated condition.
type conditionResult struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Passed   bool   `json:"passed"`
	Error    string `json:"error,omitempty"`
}

// evaluateConditions checks a workflow's conditions against the trigger
// payload, AND-combined with short-circuit: the first false stops evaluation.
// Evaluation itself never fails an execution — a condition that errors counts
// as false, with the error captured in the step. One condition_check step
// summarizing all results is always appended to the recorder, trivially
// passing when the workflow has no conditions; matches_intent conditions
// additionally append an ai_analysis step each.
func (e *Engine) evaluateConditions(ctx context.Context, rec *recorder, wf *schema.Workflow, payload map[string]any) (bool, error) {
	start := time.Now()
	passed := true
	results := make([]any, 0, len(wf.Conditions))

	for _, cond := range wf.Conditions {
		res := conditionResult{Field: cond.Field, Operator: string(cond.Operator)}
		ok, err := e.evaluateCondition(ctx, rec, &cond, payload)
		if err != nil {
			e.logger.Warn("condition evaluation error",
				"field", cond.Field, "operator", string(cond.Operator), "error", err)
			res.Error = err.Error()
			ok = false
		}
		res.Passed = ok
		results = append(results, res)
		if !ok {
			passed = false
			break
		}
	}

	status := schema.StepSuccess
	if !passed {
		status = schema.StepFailed
	}
	step := schema.Step{
		Type:   schema.StepConditionCheck,
		Status: status,
		Input: map[string]any{
			"condition_count": len(wf.Conditions),
		},
		Output: map[string]any{
			"passed":  passed,
			"results": results,
		},
		DurationMs: time.Since(start).Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
	if err := rec.Append(ctx, step); err != nil {
		return false, err
	}
	return passed, nil
}

func (e *Engine) evaluateCondition(ctx context.Context, rec *recorder, cond *schema.Condition, payload map[string]any) (bool, error) {
	switch cond.Operator {
	case schema.OpEquals:
		actual, ok := actions.LookupPath(payload, cond.Field)
		if !ok {
			return false, nil
		}
		return valuesEqual(actual, cond.Value), nil

	case schema.OpContains:
		actual, ok := actions.LookupPath(payload, cond.Field)
		if !ok {
			return false, nil
		}
		return strings.Contains(
			strings.ToLower(actions.Stringify(actual)),
			strings.ToLower(actions.Stringify(cond.Value)),
		), nil

	case schema.OpGreaterThan:
		a, b, ok := numericPair(payload, cond)
		return ok && a > b, nil

	case schema.OpLessThan:
		a, b, ok := numericPair(payload, cond)
		return ok && a < b, nil

	case schema.OpMatchesIntent:
		return e.matchIntent(ctx, rec, cond, payload)

	case schema.OpExpression:
		return evaluateExpression(cond, payload)

	default:
		return false, schema.NewErrorf(schema.ErrCodeCondition, "unknown operator %q", cond.Operator)
	}
}

// matchIntent classifies the condition's field text and compares the detected
// intent against the expected value. Every classifier call, successful or
// not, leaves an ai_analysis step; successful ones also persist an AIAnalysis
// record best-effort.
func (e *Engine) matchIntent(ctx context.Context, rec *recorder, cond *schema.Condition, payload map[string]any) (bool, error) {
	raw, ok := actions.LookupPath(payload, cond.Field)
	if !ok {
		return false, nil
	}
	text := actions.Stringify(raw)
	if text == "" {
		return false, nil
	}

	start := time.Now()
	result, err := e.classifier.Classify(ctx, text)
	if err != nil {
		step := schema.Step{
			Type:       schema.StepAIAnalysis,
			Status:     schema.StepFailed,
			Input:      map[string]any{"field": cond.Field, "text": truncateText(text)},
			Error:      err.Error(),
			DurationMs: time.Since(start).Milliseconds(),
			Timestamp:  time.Now().UTC(),
		}
		if recErr := rec.Append(ctx, step); recErr != nil {
			return false, recErr
		}
		// Classification failure makes the condition false, not the
		// execution failed.
		return false, nil
	}

	step := schema.Step{
		Type:       schema.StepAIAnalysis,
		Status:     schema.StepSuccess,
		Input:      map[string]any{"field": cond.Field, "text": truncateText(text)},
		AIMetadata: &result.AIMetadata,
		Output: map[string]any{
			"model":       result.Model,
			"tokens_used": result.TokensUsed,
		},
		DurationMs: time.Since(start).Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
	if err := rec.Append(ctx, step); err != nil {
		return false, err
	}

	// Audit record and usage counter are best-effort: the classification
	// already happened and is in the step log.
	analysis := &schema.AIAnalysis{
		ID:          uuid.NewString(),
		TenantID:    rec.execution.TenantID,
		ExecutionID: rec.execution.ID,
		InputText:   text,
		Intent:      result.Intent,
		Confidence:  result.Confidence,
		Reasoning:   result.Reasoning,
		Model:       result.Model,
		TokensUsed:  result.TokensUsed,
		LatencyMs:   result.LatencyMs,
	}
	if err := e.store.CreateAIAnalysis(ctx, analysis); err != nil {
		e.logger.Error("persist ai analysis failed", "execution_id", rec.execution.ID, "error", err)
	}
	if err := e.store.IncrementUsage(ctx, rec.execution.TenantID, schema.CounterAICalls, 1); err != nil {
		e.logger.Error("record ai usage failed", "tenant_id", rec.execution.TenantID, "error", err)
	}

	expected := strings.ToLower(strings.TrimSpace(actions.Stringify(cond.Value)))
	if result.Intent != expected {
		return false, nil
	}
	if cond.MinConfidence > 0 && result.Confidence < cond.MinConfidence {
		return false, nil
	}
	return true, nil
}

func evaluateExpression(cond *schema.Condition, payload map[string]any) (bool, error) {
	src := actions.Stringify(cond.Value)
	if src == "" {
		return false, schema.NewError(schema.ErrCodeCondition, "empty expression")
	}
	program, err := expr.Compile(src, expr.Env(map[string]any{}), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeCondition, "compile expression %q", src).WithCause(err)
	}
	out, err := expr.Run(program, payload)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeCondition, "run expression %q", src).WithCause(err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeCondition, "expression %q did not return a boolean", src)
	}
	return b, nil
}

// valuesEqual is strict equality: 5 equals 5.0 (JSON numbers compare by
// value, not representation width) but never "5", and non-numbers must match
// in both type and content.
func valuesEqual(actual, expected any) bool {
	af, aok := numericValue(actual)
	ef, eok := numericValue(expected)
	if aok && eok {
		return af == ef
	}
	if aok != eok {
		return false
	}
	return reflect.DeepEqual(actual, expected)
}

// numericValue reports v as a number without coercing strings. The
// greater_than/less_than operators coerce via toNumber; equals does not.
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func numericPair(payload map[string]any, cond *schema.Condition) (float64, float64, bool) {
	raw, ok := actions.LookupPath(payload, cond.Field)
	if !ok {
		return 0, 0, false
	}
	a, aok := toNumber(raw)
	b, bok := toNumber(cond.Value)
	return a, b, aok && bok
}

func toNumber(v any) (float64, bool) {
	if f, ok := numericValue(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}

func truncateText(s string) string {
	const max = 512
	if len(s) <= max {
		return s
	}
	return fmt.Sprintf("%s... (%d chars)", s[:max], len(s))
}
