package engine

import (
	"regexp"
	"strconv"
	"strings"
)

// failAction is a decoded onFailStrategy.
type failAction int

const (
	failAdvance failAction = iota
	failRetry
	failGoto
	failAbort
)

var stepNumberRe = regexp.MustCompile(`\d+`)

// parseFailStrategy decodes the planner's free-text failure strategy. The
// planner writes it in Chinese or English; both are accepted. A goto without
// a usable step number, and anything unrecognized, falls back to advancing
// past the failed step. The returned int is the 1-based goto target.
func parseFailStrategy(s string) (failAction, int) {
	text := strings.ToLower(strings.TrimSpace(s))
	if text == "" {
		return failAdvance, 0
	}
	switch {
	case strings.Contains(text, "重试") || strings.Contains(text, "retry"):
		return failRetry, 0
	case strings.Contains(text, "回退") || strings.Contains(text, "返回") ||
		strings.Contains(text, "goto") || strings.Contains(text, "go back"):
		if m := stepNumberRe.FindString(text); m != "" {
			if n, err := strconv.Atoi(m); err == nil && n > 0 {
				return failGoto, n
			}
		}
		return failAdvance, 0
	case strings.Contains(text, "停止") || strings.Contains(text, "终止") || strings.Contains(text, "abort"):
		return failAbort, 0
	default:
		return failAdvance, 0
	}
}
