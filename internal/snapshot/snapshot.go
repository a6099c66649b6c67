// Package snapshot flattens free-form actor context into "path: value" lines
// that can be placed in a prompt or shown on the dashboard.
package snapshot

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Lines flattens v into sorted dotted-path lines. Arrays are expanded by index.
func Lines(v any) []string {
	if v == nil {
		return nil
	}
	lines := make([]string, 0, 16)
	walkValue(v, "", false, &lines)
	return lines
}

// Compact is like Lines but collapses arrays to an item count.
func Compact(v any) []string {
	if v == nil {
		return nil
	}
	lines := make([]string, 0, 16)
	walkValue(v, "", true, &lines)
	return lines
}

// FromJSON decodes content and flattens it with Lines.
func FromJSON(content string) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	var data any
	decoder := json.NewDecoder(strings.NewReader(content))
	decoder.UseNumber()
	if err := decoder.Decode(&data); err != nil {
		return []string{"(invalid JSON)"}
	}
	return Lines(data)
}

// String joins Lines(v) with newlines.
func String(v any) string {
	return strings.Join(Lines(v), "\n")
}

func walkValue(value any, path string, compact bool, lines *[]string) {
	switch v := value.(type) {
	case map[string]any:
		if len(v) == 0 {
			appendLine(path, "{}", lines)
			return
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			walkValue(v[key], joinPath(path, key), compact, lines)
		}
	case map[string]string:
		m := make(map[string]any, len(v))
		for k, s := range v {
			m[k] = s
		}
		walkValue(m, path, compact, lines)
	case []any:
		if len(v) == 0 {
			appendLine(path, "[]", lines)
			return
		}
		if compact {
			appendLine(path, fmt.Sprintf("[%d items]", len(v)), lines)
			return
		}
		for i, item := range v {
			walkValue(item, fmt.Sprintf("%s[%d]", path, i), compact, lines)
		}
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		walkValue(items, path, compact, lines)
	default:
		appendLine(path, formatPrimitive(v), lines)
	}
}

func appendLine(path, value string, lines *[]string) {
	if path == "" {
		*lines = append(*lines, value)
		return
	}
	*lines = append(*lines, path+": "+value)
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func formatPrimitive(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int, int8, int16, int32, int64:
		return fmt.Sprintf("%d", v)
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v)
	case bool:
		return strconv.FormatBool(v)
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
