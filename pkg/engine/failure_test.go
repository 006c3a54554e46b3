package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFailStrategy(t *testing.T) {
	cases := []struct {
		name   string
		in     string
		action failAction
		target int
	}{
		{"empty means advance", "", failAdvance, 0},
		{"english retry", "retry with a smaller batch", failRetry, 0},
		{"chinese retry", "失败时重试", failRetry, 0},
		{"chinese goto", "回退到步骤 2", failGoto, 2},
		{"chinese return", "返回第 1 步重新生成", failGoto, 1},
		{"english goto", "goto step 3", failGoto, 3},
		{"go back phrasing", "go back to step 4 and regenerate", failGoto, 4},
		{"goto without a number", "回退并换一种方式", failAdvance, 0},
		{"chinese stop", "停止执行", failAbort, 0},
		{"chinese terminate", "终止", failAbort, 0},
		{"english abort", "abort the plan", failAbort, 0},
		{"uppercase english", "RETRY", failRetry, 0},
		{"unrecognized", "continue as planned", failAdvance, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			action, target := parseFailStrategy(tc.in)
			assert.Equal(t, tc.action, action)
			assert.Equal(t, tc.target, target)
		})
	}
}
