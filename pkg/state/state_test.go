package state

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSeedsReservedKeys(t *testing.T) {
	st := New(map[string]interface{}{"ticket": "T-99"})

	v, ok := st.Input("ticket")
	require.True(t, ok)
	assert.Equal(t, "T-99", v)

	assert.Equal(t, 0, st.Iterations())
	assert.Equal(t, DefaultMaxIterations, st.MaxIterations())
	assert.Empty(t, st.FailedSteps())
	assert.True(t, st.Has(KeySteps))
}

func TestFromMapFillsMissingSections(t *testing.T) {
	st := FromMap(map[string]interface{}{"report": "done"})

	assert.Equal(t, "done", st.GetString("report"))
	assert.Equal(t, DefaultMaxIterations, st.MaxIterations())
	assert.True(t, st.Has(KeyInputs))

	assert.Equal(t, DefaultMaxIterations, FromMap(nil).MaxIterations())
}

func TestSetAndGetDottedPaths(t *testing.T) {
	st := New(nil)

	require.NoError(t, st.Set("search.results.count", 3))
	v, ok := st.Get("search.results.count")
	require.True(t, ok)
	assert.Equal(t, 3, v)

	_, ok = st.Get("search.missing")
	assert.False(t, ok)
	_, ok = st.Get("")
	assert.False(t, ok)

	t.Run("blocked by non-map", func(t *testing.T) {
		require.NoError(t, st.Set("flag", true))
		err := st.Set("flag.nested", 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `blocked by non-map at "flag"`)
	})

	t.Run("delete", func(t *testing.T) {
		st.Delete("search.results.count")
		assert.False(t, st.Has("search.results.count"))
		st.Delete("search.results.count")
	})
}

func TestIterationControl(t *testing.T) {
	st := New(nil)

	assert.Equal(t, 1, st.IncrementIterations())
	assert.Equal(t, 2, st.IncrementIterations())
	assert.Equal(t, 2, st.Iterations())

	st.SetMaxIterations(7)
	assert.Equal(t, 7, st.MaxIterations())
	st.SetMaxIterations(0)
	assert.Equal(t, 7, st.MaxIterations())
}

func TestIterationsSurviveJSONRoundTrip(t *testing.T) {
	st := New(nil)
	st.IncrementIterations()
	st.AddFailedStep("step_2")

	restored := FromMap(st.Snapshot())
	assert.Equal(t, 1, restored.Iterations())
	assert.Equal(t, []string{"step_2"}, restored.FailedSteps())
	assert.Equal(t, 2, restored.IncrementIterations())
}

func TestStepOutputsUseLiteralKeys(t *testing.T) {
	st := New(nil)
	st.SetStepOutput("step_1.retry", "fetch_page", map[string]interface{}{"url": "https://example.com"})

	out, ok := st.StepOutput("step_1.retry")
	require.True(t, ok)
	assert.Equal(t, "https://example.com", out["url"])
	assert.True(t, st.HasStepOutput("step_1.retry"))
	assert.False(t, st.HasStepOutput("step_1"))
}

func TestApplyOutput(t *testing.T) {
	st := New(nil)

	st.ApplyOutput(map[string]interface{}{
		"content": "body",
		"status":  200,
		"success": true,
		"error":   nil,
		"message": "ok",
	}, map[string]string{"content": "page.body"})

	assert.Equal(t, "body", st.GetString("page.body"))
	v, _ := st.Get("status")
	assert.Equal(t, 200, v)
	assert.False(t, st.Has("success"))
	assert.False(t, st.Has("error"))
	assert.False(t, st.Has("message"))
	assert.False(t, st.Has("content"))
}

func TestSetLastFailure(t *testing.T) {
	st := New(nil)
	st.SetLastFailure("fetch_page", "timeout after 3 attempts")
	assert.Equal(t, "timeout after 3 attempts", st.GetString("last_failure.fetch_page"))
}

func TestSnapshotIsDetached(t *testing.T) {
	st := New(nil)
	require.NoError(t, st.Set("answer", "42"))

	snap := st.Snapshot()
	snap["answer"] = "tampered"

	assert.Equal(t, "42", st.GetString("answer"))
}

func TestCompressedViewCollapsesLargeValues(t *testing.T) {
	st := New(nil)

	items := make([]interface{}, 12)
	for i := range items {
		items[i] = i
	}
	require.NoError(t, st.Set("results", items))
	require.NoError(t, st.Set("blob", strings.Repeat("x", 900)))

	big := map[string]interface{}{}
	for i := 0; i < 40; i++ {
		big[fmt.Sprintf("key_%02d", i)] = strings.Repeat("v", 30)
	}
	require.NoError(t, st.Set("wide", big))

	view := st.CompressedView()
	assert.Contains(t, view, "... 7 more items (total 12)")
	assert.Contains(t, view, strings.Repeat("x", 497)+"...")
	assert.NotContains(t, view, strings.Repeat("x", 498))
	assert.Contains(t, view, "{...40 keys}")
	assert.NotContains(t, view, "key_39")
}

func TestCompressedViewBudgetFallsBackToSkeleton(t *testing.T) {
	st := New(nil)
	require.NoError(t, st.Set("notes", strings.Repeat("word ", 400)))

	view := st.CompressedViewBudget(10)
	assert.Contains(t, view, "inputs")
	assert.Contains(t, view, "control")
	assert.Less(t, len(view), 500)
}

func TestFingerprintIsStable(t *testing.T) {
	a := New(map[string]interface{}{"q": "x"})
	b := New(map[string]interface{}{"q": "x"})
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Len(t, a.Fingerprint(), 64)

	require.NoError(t, b.Set("delta", 1))
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}
