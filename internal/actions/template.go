package actions

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\[\]-]+)\s*\}\}`)

// TemplateContext is the data placeholders resolve against: the trigger
// payload, plus tenant fields exposed under the "user." prefix.
type TemplateContext struct {
	Payload    map[string]any
	OwnerEmail string
}

// Resolve substitutes {{field.path}} placeholders in every string value of
// the config, recursively. A path that resolves to nothing becomes the empty
// string; templating never fails.
func Resolve(config map[string]any, tc TemplateContext) map[string]any {
	if config == nil {
		return nil
	}
	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = resolveValue(v, tc)
	}
	return out
}

func resolveValue(v any, tc TemplateContext) any {
	switch val := v.(type) {
	case string:
		return ResolveString(val, tc)
	case map[string]any:
		return Resolve(val, tc)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveValue(item, tc)
		}
		return out
	default:
		return v
	}
}

// ResolveString substitutes placeholders in a single string.
func ResolveString(s string, tc TemplateContext) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.TrimSpace(strings.Trim(match, "{}"))
		if path == "user.email" {
			return tc.OwnerEmail
		}
		v, ok := LookupPath(tc.Payload, path)
		if !ok {
			return ""
		}
		return Stringify(v)
	})
}

// LookupPath walks a dot-separated path through nested maps. Returns false
// when any segment is missing or a non-map is traversed into.
func LookupPath(m map[string]any, path string) (any, bool) {
	if m == nil || path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var current any = m
	for _, seg := range segments {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
