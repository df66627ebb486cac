package workflow

import (
	"regexp"
	"strconv"
	"strings"
)

// Context is the mutable evaluation state a workflow runs against. Step
// outputs land under steps.<outputAs>.output.
type Context map[string]any

// NewContext seeds the evaluation state for one run.
func NewContext(input map[string]any, wallet string, chainID int64, sessionID, sessionKeyAddress string) Context {
	return Context{
		"input":             input,
		"steps":             map[string]any{},
		"wallet":            wallet,
		"chainId":           chainID,
		"sessionId":         sessionID,
		"sessionKeyAddress": sessionKeyAddress,
	}
}

// SetStepOutput commits a step's output so later steps can reference it.
func (c Context) SetStepOutput(outputAs string, output any) {
	steps := c["steps"].(map[string]any)
	steps[outputAs] = map[string]any{"output": output}
}

var indexedSegment = regexp.MustCompile(`^([^\[\]]+)\[(\d+)\]$`)

// IsExpression reports whether s is a $.-path rather than a literal.
func IsExpression(s string) bool {
	return strings.HasPrefix(s, "$.")
}

// Resolve evaluates a value against the context. Strings with the $.
// prefix are walked as dot paths with optional name[index] segments; any
// missing segment yields nil. Everything else passes through literally.
func (c Context) Resolve(value any) any {
	switch v := value.(type) {
	case string:
		if !IsExpression(v) {
			return v
		}
		return c.walk(strings.Split(v[2:], "."))
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = c.Resolve(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = c.Resolve(elem)
		}
		return out
	default:
		return value
	}
}

// ResolveString evaluates a string expression, reporting whether it fully
// resolved. Literals always resolve.
func (c Context) ResolveString(s string) (any, bool) {
	resolved := c.Resolve(s)
	if IsExpression(s) && resolved == nil {
		return nil, false
	}
	return resolved, true
}

// ResolveStringMap applies expression evaluation to each value of a
// string-valued mapping.
func (c Context) ResolveStringMap(m map[string]string) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = c.Resolve(v)
	}
	return out
}

func (c Context) walk(segments []string) any {
	var current any = map[string]any(c)
	for _, seg := range segments {
		name := seg
		index := -1
		if m := indexedSegment.FindStringSubmatch(seg); m != nil {
			name = m[1]
			index, _ = strconv.Atoi(m[2])
		}

		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = obj[name]
		if !ok {
			return nil
		}

		if index >= 0 {
			arr, ok := current.([]any)
			if !ok || index >= len(arr) {
				return nil
			}
			current = arr[index]
		}
	}
	return current
}

// UnresolvedExpressions lists the $.-paths in a mapping that do not
// resolve against the context. Dry-run reports these instead of failing.
func (c Context) UnresolvedExpressions(m map[string]string) []string {
	var out []string
	for _, v := range m {
		if IsExpression(v) && c.Resolve(v) == nil {
			out = append(out, v)
		}
	}
	return out
}
