package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"agent-kernel/kernel_go/internal/llm"
	"agent-kernel/kernel_go/internal/utils"
)

// Compression limits for state views placed inside LLM prompts.
const (
	maxListItems   = 5
	maxInlineChars = 500
	// DefaultViewTokenBudget caps the rendered view; beyond it the view
	// degrades to a keys-only skeleton.
	DefaultViewTokenBudget = 2000
)

// CompressedView renders the state for prompts: lists longer than five items
// collapse to length metadata, maps whose rendering exceeds 500 chars show as
// a key-count stub, strings beyond 500 chars truncate. Deterministic key
// order, so the same state always renders the same view.
func (s *ExecutionState) CompressedView() string {
	return s.CompressedViewBudget(DefaultViewTokenBudget)
}

// CompressedViewBudget is CompressedView with an explicit token budget.
func (s *ExecutionState) CompressedViewBudget(tokenBudget int) string {
	view := renderJSON(compressValue(s.data, 0))
	if tokenBudget > 0 && llm.EstimateTokens(view) > tokenBudget {
		view = renderJSON(skeleton(s.data))
	}
	return view
}

// Fingerprint is the stable hash of the compressed view. Two syntactically
// different but semantically identical states fingerprint the same because
// compression is deterministic.
func (s *ExecutionState) Fingerprint() string {
	sum := sha256.Sum256([]byte(s.CompressedView()))
	return hex.EncodeToString(sum[:])
}

func compressValue(v interface{}, depth int) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return compressMap(t, depth)
	case []interface{}:
		if len(t) > maxListItems {
			preview := make([]interface{}, 0, maxListItems+1)
			for _, item := range t[:maxListItems] {
				preview = append(preview, compressValue(item, depth+1))
			}
			preview = append(preview, fmt.Sprintf("... %d more items (total %d)", len(t)-maxListItems, len(t)))
			return preview
		}
		out := make([]interface{}, 0, len(t))
		for _, item := range t {
			out = append(out, compressValue(item, depth+1))
		}
		return out
	case string:
		return utils.TruncateString(t, maxInlineChars)
	default:
		return v
	}
}

func compressMap(m map[string]interface{}, depth int) interface{} {
	// Nested maps that render large collapse to a key-count stub; the top
	// level always keeps its keys so reserved sections stay navigable.
	if depth > 0 {
		if b, err := json.Marshal(m); err == nil && len(b) > maxInlineChars {
			return fmt.Sprintf("{...%d keys}", len(m))
		}
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = compressValue(v, depth+1)
	}
	return out
}

// skeleton renders only the key structure, the last resort under a tight
// token budget.
func skeleton(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]interface{}:
			out[k] = fmt.Sprintf("{...%d keys}", len(t))
		case []interface{}:
			out[k] = fmt.Sprintf("[...%d items]", len(t))
		case string:
			out[k] = utils.TruncateString(t, 80)
		default:
			out[k] = v
		}
	}
	return out
}

// renderJSON marshals with sorted keys for deterministic output.
func renderJSON(v interface{}) string {
	b, err := marshalSorted(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// marshalSorted is json.Marshal with explicit map-key ordering at every
// level. encoding/json already sorts map keys, but normalizing through this
// helper also forces consistent number formatting after round trips.
func marshalSorted(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		return append(buf, '}'), nil
	case []interface{}:
		buf := []byte{'['}
		for i, item := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			vb, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		return append(buf, ']'), nil
	default:
		return json.Marshal(v)
	}
}
