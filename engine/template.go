package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// templateRef matches {{dotted.path}} references inside config strings.
var templateRef = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// ResolveTemplates substitutes {{dotted.path}} references in string values
// of a step config against the accumulated output environment. The
// grammar is deliberately narrow: dotted-path lookups into prior outputs
// and run inputs only, no function calls, no arithmetic. Unresolved
// references are left verbatim so a capability can surface them in its
// own error reporting.
func ResolveTemplates(config map[string]any, env map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	resolved := make(map[string]any, len(config))
	for k, v := range config {
		resolved[k] = resolveValue(v, env)
	}
	return resolved
}

func resolveValue(v any, env map[string]any) any {
	switch val := v.(type) {
	case string:
		return resolveString(val, env)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, nested := range val {
			out[k] = resolveValue(nested, env)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, nested := range val {
			out[i] = resolveValue(nested, env)
		}
		return out
	default:
		return v
	}
}

// resolveString substitutes every {{ref}} in s. When the whole string is
// a single reference the looked-up value keeps its type instead of being
// stringified, so structured outputs can flow into configs intact.
func resolveString(s string, env map[string]any) any {
	trimmed := strings.TrimSpace(s)
	if m := templateRef.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		if v, ok := lookupPath(env, strings.TrimSpace(m[1])); ok {
			return v
		}
		return s
	}

	return templateRef.ReplaceAllStringFunc(s, func(match string) string {
		ref := strings.TrimSpace(templateRef.FindStringSubmatch(match)[1])
		v, ok := lookupPath(env, ref)
		if !ok {
			return match
		}
		if v == nil {
			return ""
		}
		if str, ok := v.(string); ok {
			return str
		}
		return fmt.Sprintf("%v", v)
	})
}

// lookupPath walks a dotted path through nested maps. A segment missing
// at the top level is also tried one level down inside each nested map,
// matching how step outputs are namespaced into the environment.
func lookupPath(env map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")

	var current any = env
	for i, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := m[seg]
		if !ok {
			if i == 0 {
				if v, found := lookupNested(env, seg); found {
					current = v
					continue
				}
			}
			return nil, false
		}
		current = next
	}
	return current, true
}

func lookupNested(env map[string]any, key string) (any, bool) {
	for _, v := range env {
		if m, ok := v.(map[string]any); ok {
			if nested, found := m[key]; found {
				return nested, true
			}
		}
	}
	return nil, false
}
