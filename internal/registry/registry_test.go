package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcraft/engine/internal/activity"
	"github.com/flowcraft/engine/internal/workflow"
)

func echoWorkflow(c *workflow.Ctx) (json.RawMessage, error) {
	return c.Input, nil
}

func noopActivity(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return input, nil
}

func TestBuilder_WorkflowAndActivity_Lookup(t *testing.T) {
	reg := NewBuilder().
		Workflow("echo", echoWorkflow).
		Activity("noop", noopActivity).
		Build()

	fn, ok := reg.Lookup("echo")
	require.True(t, ok)
	assert.NotNil(t, fn)

	_, ok = reg.Lookup("missing")
	assert.False(t, ok)

	acts := reg.Activities()
	_, ok = acts["noop"]
	assert.True(t, ok)
}

func TestBuilder_Workflow_DuplicateNamePanics(t *testing.T) {
	b := NewBuilder().Workflow("echo", echoWorkflow)
	assert.Panics(t, func() {
		b.Workflow("echo", echoWorkflow)
	})
}

func TestBuilder_Activity_DuplicateNamePanics(t *testing.T) {
	b := NewBuilder().Activity("noop", noopActivity)
	assert.Panics(t, func() {
		b.Activity("noop", noopActivity)
	})
}

func TestRegistry_Names_SortedAndIndependentOfInsertionOrder(t *testing.T) {
	reg := NewBuilder().
		Workflow("zeta", echoWorkflow).
		Workflow("alpha", echoWorkflow).
		Workflow("mu", echoWorkflow).
		Build()

	assert.Equal(t, []string{"alpha", "mu", "zeta"}, reg.Names())
}

func TestRegistry_Names_ReturnsACopy(t *testing.T) {
	reg := NewBuilder().Workflow("echo", echoWorkflow).Build()

	names := reg.Names()
	names[0] = "mutated"

	assert.Equal(t, []string{"echo"}, reg.Names())
}

func TestRegistry_Build_SnapshotsBuilderState(t *testing.T) {
	b := NewBuilder().Workflow("echo", echoWorkflow)
	reg := b.Build()

	b.Workflow("late", echoWorkflow)

	_, ok := reg.Lookup("late")
	assert.False(t, ok, "Registry must be frozen at Build() time, unaffected by later Builder mutation")
}

func TestRegistry_Activities_EmptyWhenNoneRegistered(t *testing.T) {
	reg := NewBuilder().Workflow("echo", echoWorkflow).Build()
	assert.Empty(t, reg.Activities())
}
