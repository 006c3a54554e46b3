package utils

import (
	"encoding/json"
	"fmt"
)

// Default truncation widths for values that end up inside prompts, events,
// and log lines. Large tool outputs are summarized rather than inlined.
const (
	DefaultPreviewChars = 100
	DefaultPromptChars  = 500
)

// TruncateString cuts s to at most max characters, appending an ellipsis
// marker when something was dropped. Max <= 0 returns s unchanged.
func TruncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// PreviewValue renders an arbitrary value as a short single-line string for
// binding events and param_build payloads. Strings are quoted, composites are
// JSON-encoded, everything is truncated to DefaultPreviewChars.
func PreviewValue(v interface{}) string {
	return PreviewValueN(v, DefaultPreviewChars)
}

// PreviewValueN is PreviewValue with an explicit character budget.
func PreviewValueN(v interface{}, max int) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return TruncateString(fmt.Sprintf("%q", t), max)
	case fmt.Stringer:
		return TruncateString(t.String(), max)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return TruncateString(fmt.Sprintf("%v", v), max)
		}
		return TruncateString(string(b), max)
	}
}

// PreviewArgs renders an argument map with every value previewed. Keys are
// preserved so the caller can still see which parameters were filled.
func PreviewArgs(args map[string]interface{}) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		out[k] = PreviewValue(v)
	}
	return out
}
