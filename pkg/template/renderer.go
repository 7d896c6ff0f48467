package template

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*\}\}`)

// Render walks a structural payload template and substitutes {{name}}
// placeholders with named context values. A string leaf that is exactly
// one placeholder is replaced by the context value itself, preserving
// its type; placeholders embedded in longer strings render as text.
// Substitution happens structurally, never by serializing the payload
// to text, so values need no quoting or escaping.
//
// Missing variables leave the placeholder in place and are reported in
// the second return value.
func Render(payload map[string]interface{}, context map[string]interface{}) (map[string]interface{}, []string) {
	var missing []string
	rendered := renderMap(payload, context, &missing)
	return rendered, missing
}

func renderMap(m map[string]interface{}, context map[string]interface{}, missing *[]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = renderValue(v, context, missing)
	}
	return out
}

func renderValue(v interface{}, context map[string]interface{}, missing *[]string) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return renderMap(val, context, missing)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = renderValue(item, context, missing)
		}
		return out
	case string:
		return renderString(val, context, missing)
	default:
		return v
	}
}

func renderString(s string, context map[string]interface{}, missing *[]string) interface{} {
	matches := placeholderRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// Whole-string placeholder: substitute the typed value
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		name := s[matches[0][2]:matches[0][3]]
		if value, ok := lookup(context, name); ok {
			return value
		}
		*missing = append(*missing, name)
		return s
	}

	// Embedded placeholders render as text
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := lookup(context, name); ok {
			return fmt.Sprint(value)
		}
		*missing = append(*missing, name)
		return match
	})
}

// lookup resolves a dotted path against nested context maps
func lookup(context map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = context
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
