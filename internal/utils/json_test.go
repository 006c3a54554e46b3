package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONBlock(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "bare object",
			in:   `{"intent": "fetch"}`,
			want: `{"intent": "fetch"}`,
		},
		{
			name: "json fence",
			in:   "Here is the plan:\n```json\n{\"steps\": []}\n```\nDone.",
			want: `{"steps": []}`,
		},
		{
			name: "bare fence with object body",
			in:   "```\n{\"a\": 1}\n```",
			want: `{"a": 1}`,
		},
		{
			name: "prose fence skipped for later json fence",
			in:   "```\nnot json\n```\nand then\n```\n[1, 2]\n```",
			want: `[1, 2]`,
		},
		{
			name: "chat around braces",
			in:   `Sure! The answer is {"result": true} hope that helps.`,
			want: `{"result": true}`,
		},
		{
			name: "array fallback",
			in:   `items: [1, 2, 3] as requested`,
			want: `[1, 2, 3]`,
		},
		{
			name: "widest brace span",
			in:   `{"outer": {"inner": 1}} trailing }`,
			want: `{"outer": {"inner": 1}} trailing }`,
		},
		{
			name: "nothing brace-like",
			in:   "no structure here",
			want: "",
		},
		{
			name: "empty input",
			in:   "   ",
			want: "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractJSONBlock(tc.in))
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type plan struct {
		Intent string `json:"intent"`
		Steps  []int  `json:"steps"`
	}

	got, err := DecodeJSON[plan]("```json\n{\"intent\": \"fetch\", \"steps\": [1, 2]}\n```")
	require.NoError(t, err)
	assert.Equal(t, "fetch", got.Intent)
	assert.Equal(t, []int{1, 2}, got.Steps)

	t.Run("no json", func(t *testing.T) {
		_, err := DecodeJSON[plan]("the model rambled instead")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no JSON found")
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := DecodeJSON[plan](`{"intent": }`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse")
	})
}

func TestDecodeJSONMap(t *testing.T) {
	m, err := DecodeJSONMap(`result: {"ok": true, "n": 2}`)
	require.NoError(t, err)
	assert.Equal(t, true, m["ok"])
	assert.Equal(t, float64(2), m["n"])
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", TruncateString("short", 10))
	assert.Equal(t, "exact", TruncateString("exact", 5))
	assert.Equal(t, "abcdefg...", TruncateString("abcdefghijklmn", 10))
	assert.Equal(t, "ab", TruncateString("abcdef", 2))
	assert.Equal(t, "unbounded", TruncateString("unbounded", 0))
}

func TestPreviewValue(t *testing.T) {
	assert.Equal(t, "null", PreviewValue(nil))
	assert.Equal(t, `"hello"`, PreviewValue("hello"))
	assert.Equal(t, `{"k":"v"}`, PreviewValue(map[string]string{"k": "v"}))
	assert.Equal(t, "[1,2,3]", PreviewValue([]int{1, 2, 3}))

	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	preview := PreviewValue(string(long))
	assert.Len(t, preview, DefaultPreviewChars)
	assert.Contains(t, preview, "...")
}

func TestPreviewArgs(t *testing.T) {
	out := PreviewArgs(map[string]interface{}{"query": "docs", "limit": 5})
	assert.Equal(t, `"docs"`, out["query"])
	assert.Equal(t, "5", out["limit"])
}
