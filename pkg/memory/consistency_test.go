package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-kernel/kernel_go/internal/llm"
	"agent-kernel/kernel_go/internal/observability"
)

func TestRegisterCheckpoint(t *testing.T) {
	cc := NewConsistencyChecker(llm.NewScriptedClient(), nil)

	cp := Checkpoint{
		StepID:               "step_2",
		ArtifactType:         ArtifactInterface,
		KeyElements:          map[string]interface{}{"endpoint": "/users"},
		ConstraintsForFuture: []string{"all handlers use the /users prefix"},
		Description:          "user API surface",
	}
	require.NoError(t, cc.RegisterCheckpoint(cp))

	t.Run("second registration for the same step is rejected", func(t *testing.T) {
		err := cc.RegisterCheckpoint(Checkpoint{StepID: "step_2", ArtifactType: ArtifactCode})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
		assert.Len(t, cc.Checkpoints, 1)
	})

	t.Run("constraints promote to the global list", func(t *testing.T) {
		assert.Equal(t, []string{"all handlers use the /users prefix"}, cc.GlobalConstraints)
	})

	t.Run("lookup by step id", func(t *testing.T) {
		assert.True(t, cc.HasCheckpoint("step_2"))
		got, ok := cc.CheckpointFor("step_2")
		require.True(t, ok)
		assert.Equal(t, ArtifactInterface, got.ArtifactType)
		assert.False(t, cc.HasCheckpoint("step_9"))
	})

	t.Run("requires a step id", func(t *testing.T) {
		assert.Error(t, cc.RegisterCheckpoint(Checkpoint{ArtifactType: ArtifactCode}))
	})
}

func TestConsistencyCheck(t *testing.T) {
	client := llm.NewScriptedClient().RespondWith(observability.PurposeConsistencyCheck, `[
		{"checkpoint_id": "step_2", "violation_type": "contract", "severity": "critical",
		 "description": "handler bypasses the /users prefix", "suggestion": "route through /users"}
	]`)
	cc := NewConsistencyChecker(client, nil)
	require.NoError(t, cc.RegisterCheckpoint(Checkpoint{
		StepID:       "step_2",
		ArtifactType: ArtifactInterface,
		Description:  "user API surface",
	}))

	violations, err := cc.Check(context.Background(), "step_5", "write_handler", "add order endpoint", map[string]interface{}{"path": "/orders"}, nil)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "step_5", violations[0].CurrentStepID)
	assert.Equal(t, SeverityCritical, violations[0].Severity)
	assert.True(t, cc.HasCriticalViolations())
}

func TestConsistencyCheckFilters(t *testing.T) {
	client := llm.NewScriptedClient()
	cc := NewConsistencyChecker(client, nil)
	require.NoError(t, cc.RegisterCheckpoint(Checkpoint{StepID: "step_1", ArtifactType: ArtifactCode}))

	t.Run("no relevant checkpoints means no LLM call", func(t *testing.T) {
		violations, err := cc.Check(context.Background(), "step_3", "tool", "", nil, []string{"schema"})
		require.NoError(t, err)
		assert.Empty(t, violations)
		assert.Empty(t, client.Calls())
	})

	t.Run("empty checker is a no-op", func(t *testing.T) {
		empty := NewConsistencyChecker(client, nil)
		violations, err := empty.Check(context.Background(), "step_1", "tool", "", nil, nil)
		require.NoError(t, err)
		assert.Empty(t, violations)
	})
}

func TestConsistencyCheckUnparseable(t *testing.T) {
	client := llm.NewScriptedClient().Respond("everything looks fine to me")
	cc := NewConsistencyChecker(client, nil)
	require.NoError(t, cc.RegisterCheckpoint(Checkpoint{StepID: "step_1", ArtifactType: ArtifactCode}))

	violations, err := cc.Check(context.Background(), "step_2", "tool", "", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, violations)
	assert.False(t, cc.HasCriticalViolations())
}

func TestDistillCheckpoint(t *testing.T) {
	client := llm.NewScriptedClient().RespondWith(observability.PurposeCheckpointRegister, `{
		"key_elements": {"table": "orders", "primary_key": "order_id"},
		"constraints_for_future": ["reference orders by order_id"],
		"description": "orders schema"
	}`)
	cc := NewConsistencyChecker(client, nil)

	err := cc.DistillCheckpoint(context.Background(), "step_4", "design_schema", ArtifactSchema, map[string]interface{}{
		"success": true,
		"ddl":     "CREATE TABLE orders (...)",
	})
	require.NoError(t, err)
	require.Len(t, cc.Checkpoints, 1)
	assert.Equal(t, ArtifactSchema, cc.Checkpoints[0].ArtifactType)
	assert.Equal(t, "orders", cc.Checkpoints[0].KeyElements["table"])
	assert.Equal(t, []string{"reference orders by order_id"}, cc.GlobalConstraints)

	t.Run("existing checkpoint short-circuits", func(t *testing.T) {
		err := cc.DistillCheckpoint(context.Background(), "step_4", "design_schema", ArtifactSchema, nil)
		require.NoError(t, err)
		assert.Len(t, cc.Checkpoints, 1)
		assert.Len(t, client.Calls(), 1)
	})
}

func TestConsistencyRoundTrip(t *testing.T) {
	cc := NewConsistencyChecker(llm.NewScriptedClient(), nil)
	require.NoError(t, cc.RegisterCheckpoint(Checkpoint{
		StepID:               "step_1",
		ArtifactType:         ArtifactRequirements,
		ConstraintsForFuture: []string{"support CSV export"},
	}))
	cc.Violations = append(cc.Violations, Violation{
		CheckpointID: "step_1", CurrentStepID: "step_3", Severity: SeverityWarning, Description: "export missing",
	})

	data, err := cc.ToJSON()
	require.NoError(t, err)

	restored := NewConsistencyChecker(llm.NewScriptedClient(), nil)
	require.NoError(t, restored.LoadJSON(data))
	assert.Equal(t, cc.Checkpoints, restored.Checkpoints)
	assert.Equal(t, cc.Violations, restored.Violations)
	assert.Equal(t, cc.GlobalConstraints, restored.GlobalConstraints)
	assert.Contains(t, restored.ContextBlock(), "step_1")
}
