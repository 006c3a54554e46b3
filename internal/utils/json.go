package utils

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSONBlock pulls the JSON payload out of an LLM response. Models wrap
// JSON in markdown fences or chat around it, so extraction is lenient and
// staged:
//
//  1. a ```json fenced block
//  2. any fenced block whose body starts with { or [
//  3. the substring between the first { and the last } (or [ and ])
//
// Returns the trimmed candidate, or "" when nothing brace-like is present.
// Callers unmarshal the result themselves; this function never validates.
func ExtractJSONBlock(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ""
	}

	if block, ok := fencedBlock(trimmed, "```json"); ok {
		return block
	}

	// Any fence whose body opens with a JSON container.
	rest := trimmed
	for {
		block, ok := fencedBlock(rest, "```")
		if !ok {
			break
		}
		if strings.HasPrefix(block, "{") || strings.HasPrefix(block, "[") {
			return block
		}
		idx := strings.Index(rest, "```")
		next := strings.Index(rest[idx+3:], "```")
		if next < 0 {
			break
		}
		rest = rest[idx+3+next+3:]
	}

	return braceSubstring(trimmed)
}

// fencedBlock extracts the body of the first fence opened by marker.
func fencedBlock(content, marker string) (string, bool) {
	start := strings.Index(content, marker)
	if start < 0 {
		return "", false
	}
	bodyStart := start + len(marker)
	// Skip the language identifier line for bare ``` fences.
	if nl := strings.Index(content[bodyStart:], "\n"); nl >= 0 {
		bodyStart += nl + 1
	}
	end := strings.Index(content[bodyStart:], "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(content[bodyStart : bodyStart+end]), true
}

// braceSubstring returns the widest {...} span, falling back to [...].
func braceSubstring(content string) string {
	first := strings.Index(content, "{")
	last := strings.LastIndex(content, "}")
	if first >= 0 && last > first {
		return strings.TrimSpace(content[first : last+1])
	}
	first = strings.Index(content, "[")
	last = strings.LastIndex(content, "]")
	if first >= 0 && last > first {
		return strings.TrimSpace(content[first : last+1])
	}
	return ""
}

// DecodeJSON extracts and unmarshals an LLM response into T.
func DecodeJSON[T any](content string) (T, error) {
	var out T
	block := ExtractJSONBlock(content)
	if block == "" {
		return out, fmt.Errorf("no JSON found in response (%d chars)", len(content))
	}
	if err := json.Unmarshal([]byte(block), &out); err != nil {
		return out, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return out, nil
}

// DecodeJSONMap extracts and unmarshals an LLM response into a generic map.
func DecodeJSONMap(content string) (map[string]interface{}, error) {
	return DecodeJSON[map[string]interface{}](content)
}
