package mcpserver

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// substitute replaces {{name}} placeholders in template values with the
// caller's variables. Maps and arrays are walked; a string that is exactly
// one placeholder keeps the variable's original type.
func substitute(template any, vars map[string]any) any {
	switch v := template.(type) {
	case string:
		return substituteString(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = substitute(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = substitute(item, vars)
		}
		return out
	default:
		return template
	}
}

func substituteString(s string, vars map[string]any) any {
	if m := placeholderRe.FindStringSubmatch(s); m != nil && m[0] == strings.TrimSpace(s) {
		if v, ok := vars[m[1]]; ok {
			return v
		}
		return nil
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return fmt.Sprintf("%v", v)
		}
		return ""
	})
}

// substituteToString renders a template value as a string, for query
// parameters.
func substituteToString(s string, vars map[string]any) string {
	resolved := substituteString(s, vars)
	if resolved == nil {
		return ""
	}
	if str, ok := resolved.(string); ok {
		return str
	}
	return fmt.Sprintf("%v", resolved)
}
