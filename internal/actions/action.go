package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nvela/flowd/pkg/schema"
)

// Action is one executable side effect kind (email, webhook, ...). Config
// values arrive template-resolved; Execute returns the audit output that
// lands in the execution step.
type Action interface {
	Kind() schema.ActionKind
	Validate(config map[string]any) error
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
}

// ActionInput is the resolved config plus the execution context an action
// may need for provenance (tenant, execution, raw trigger payload).
type ActionInput struct {
	Config      map[string]any
	TenantID    string
	ExecutionID string
	Payload     map[string]any
}

// ActionOutput is the audit snapshot of what the action did.
type ActionOutput struct {
	Data map[string]any
}

// Registry maps action kinds to implementations.
type Registry struct {
	actions map[schema.ActionKind]Action
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[schema.ActionKind]Action)}
}

func (r *Registry) Register(a Action) error {
	if _, exists := r.actions[a.Kind()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action kind %q already registered", a.Kind())
	}
	r.actions[a.Kind()] = a
	return nil
}

func (r *Registry) Get(kind schema.ActionKind) (Action, error) {
	a, ok := r.actions[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown action kind %q", kind)
	}
	return a, nil
}

// Kinds returns the registered action kinds, for validation error messages.
func (r *Registry) Kinds() []schema.ActionKind {
	kinds := make([]schema.ActionKind, 0, len(r.actions))
	for k := range r.actions {
		kinds = append(kinds, k)
	}
	return kinds
}

// Param helpers used by all action files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func mapParam(m map[string]any, key string) map[string]any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	mm, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return mm
}

// Stringify renders an arbitrary config value as text the way templates do.
func Stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		// JSON numbers decode as float64; print integers without the ".0".
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%v", s)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
