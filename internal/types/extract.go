package types

import (
	"fmt"
	"strconv"
	"strings"
)

// =============================================================================
// TOOL ARGUMENT EXTRACTION
// =============================================================================
//
// Tool arguments arrive as decoded JSON, so numbers are float64 and arrays are
// []any. These helpers replace bare type assertions that panic on mismatch.

// ExtractString extracts a string representation from a decoded JSON value.
func ExtractString(arg any) string {
	switch v := arg.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ExtractInt extracts an integer from a decoded JSON value.
// Returns (value, true) on success, (0, false) if the type is incompatible.
func ExtractInt(arg any) (int, bool) {
	switch v := arg.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// ExtractStrings extracts a list of strings. A single string is returned as a
// one-element list.
func ExtractStrings(arg any) []string {
	switch v := arg.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(ExtractString(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
	}
	return nil
}

// ArgString returns args[key] as a trimmed string.
func ArgString(args map[string]any, key string) string {
	return strings.TrimSpace(ExtractString(args[key]))
}

// ArgInt returns args[key] as an int, or def when absent or malformed.
func ArgInt(args map[string]any, key string, def int) int {
	if n, ok := ExtractInt(args[key]); ok {
		return n
	}
	return def
}
