package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-kernel/kernel_go/internal/llm"
	"agent-kernel/kernel_go/internal/observability"
)

func TestWorkingMemoryContextBlock(t *testing.T) {
	wm := NewWorkingMemory()
	assert.Empty(t, wm.ContextBlock())
	assert.True(t, wm.IsEmpty())

	for i := 0; i < 12; i++ {
		wm.AddDecision(DesignDecision{Decision: fmt.Sprintf("decision %d", i), StepID: "step_1"})
	}
	wm.AddConstraint(Constraint{Text: "keep responses under 2KB", Priority: PriorityNormal})
	wm.AddConstraint(Constraint{Text: "never drop user ids", Priority: PriorityCritical})
	wm.AddConstraint(Constraint{Text: "prefer cached results", Priority: PriorityLow})
	wm.AddTodo(TodoItem{Text: "revisit pagination", CreatedBy: "step_2"})
	wm.AddTodo(TodoItem{Text: "already handled", CreatedBy: "step_2"})
	wm.AddInterface(InterfaceDefinition{Name: "FetchUser", Type: "function", Definition: "FetchUser(id) -> User"})

	require.True(t, wm.CompleteTodo("already handled"))
	assert.False(t, wm.CompleteTodo("already handled"))

	block := wm.ContextBlock()

	t.Run("keeps only the last ten decisions", func(t *testing.T) {
		assert.NotContains(t, block, "decision 0")
		assert.NotContains(t, block, "decision 1")
		assert.Contains(t, block, "decision 2")
		assert.Contains(t, block, "decision 11")
	})

	t.Run("orders constraints by priority and flags urgent ones", func(t *testing.T) {
		assert.Contains(t, block, "⚠️ [critical] never drop user ids")
		criticalIdx := strings.Index(block, "never drop user ids")
		normalIdx := strings.Index(block, "keep responses under 2KB")
		lowIdx := strings.Index(block, "prefer cached results")
		assert.Less(t, criticalIdx, normalIdx)
		assert.Less(t, normalIdx, lowIdx)
	})

	t.Run("completed todos drop from the view but stay stored", func(t *testing.T) {
		assert.Contains(t, block, "revisit pagination")
		assert.NotContains(t, block, "already handled")
		assert.Len(t, wm.Todos, 2)
		assert.Len(t, wm.PendingTodos(), 1)
	})

	t.Run("interfaces render name and type", func(t *testing.T) {
		assert.Contains(t, block, "FetchUser (function)")
	})
}

func TestWorkingMemoryQueries(t *testing.T) {
	wm := NewWorkingMemory()
	wm.AddDecision(DesignDecision{Decision: "use sqlite", Tags: []string{"storage"}})
	wm.AddDecision(DesignDecision{Decision: "stream events", Tags: []string{"transport"}})
	wm.AddDependency("handler.go", "store.go", "types.go")

	byTag := wm.DecisionsByTag("storage")
	require.Len(t, byTag, 1)
	assert.Equal(t, "use sqlite", byTag[0].Decision)

	recent := wm.RecentDecisions(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "stream events", recent[0].Decision)

	assert.Equal(t, []string{"store.go", "types.go"}, wm.Dependencies["handler.go"])
}

func TestWorkingMemoryRoundTrip(t *testing.T) {
	wm := NewWorkingMemory()
	wm.AddDecision(DesignDecision{Decision: "use sqlite", Reason: "single file", StepID: "step_1"})
	wm.AddConstraint(Constraint{Text: "no network calls in tests", Priority: PriorityHigh})
	wm.AddTodo(TodoItem{Text: "add index", Priority: PriorityLow})
	wm.AddInterface(InterfaceDefinition{Name: "Store", Type: "interface"})

	data, err := wm.ToJSON()
	require.NoError(t, err)

	restored, err := WorkingMemoryFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, wm.Decisions, restored.Decisions)
	assert.Equal(t, wm.Constraints, restored.Constraints)
	assert.Equal(t, wm.Todos, restored.Todos)
	assert.Equal(t, wm.Interfaces, restored.Interfaces)
}

func TestExtractFromOutput(t *testing.T) {
	client := llm.NewScriptedClient().RespondWith(observability.PurposeWorkingMemory, `{
		"decisions": [{"decision": "paginate with cursors", "reason": "offset too slow", "tags": ["api"]}],
		"constraints": [{"text": "cursor format is opaque", "priority": "high"}],
		"todos": [{"text": "document cursor format", "priority": "normal"}],
		"interfaces": [{"name": "ListUsers", "definition": "ListUsers(cursor) -> page", "type": "api"}]
	}`)

	wm := NewWorkingMemory()
	extractor := NewExtractor(client, nil)
	added, err := extractor.ExtractFromOutput(context.Background(), wm, "step_3", "design_api", map[string]interface{}{
		"success": true,
		"design":  "cursor pagination",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, added)

	require.Len(t, wm.Decisions, 1)
	assert.Equal(t, "step_3", wm.Decisions[0].StepID)
	require.Len(t, wm.Constraints, 1)
	assert.Equal(t, PriorityHigh, wm.Constraints[0].Priority)
	require.Len(t, wm.Interfaces, 1)
	assert.Equal(t, "step_3", wm.Interfaces[0].DefinedBy)
}

func TestExtractFromOutputUnparseable(t *testing.T) {
	client := llm.NewScriptedClient().Respond("I could not find anything to extract, sorry!")
	wm := NewWorkingMemory()
	extractor := NewExtractor(client, nil)
	added, err := extractor.ExtractFromOutput(context.Background(), wm, "step_1", "search", map[string]interface{}{"success": true})
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.True(t, wm.IsEmpty())
}
