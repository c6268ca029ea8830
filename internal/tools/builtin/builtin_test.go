package builtin

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"toolflow/internal/adapters/config"
	"toolflow/internal/agents/functions"
	"toolflow/internal/agents/state"
	"toolflow/internal/tools"
	"toolflow/internal/tools/middleware"
	"toolflow/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Nop()
	os.Exit(m.Run())
}

func runTurn(t *testing.T, scope *state.Scope, calls ...*genai.FunctionCall) []functions.Outcome {
	t.Helper()

	registry := tools.NewRegistry()
	RegisterAll(registry, middleware.FromConfig(config.DispatcherConfig{})...)

	for i, c := range calls {
		if c.ID == "" {
			c.ID = functions.GenerateClientFunctionCallID()
		}
		calls[i] = c
	}

	d := functions.NewDispatcher(config.DispatcherConfig{MaxConcurrency: 4, SyncInline: true}, functions.Deps{})
	outcomes, err := d.ExecuteTurnCalls(context.Background(), tools.InvocationMetadata{InvocationID: "e-1"}, calls, registry.View(), scope)
	require.NoError(t, err)
	return outcomes
}

func TestRegisterAll(t *testing.T) {
	registry := tools.NewRegistry()
	RegisterAll(registry)

	assert.Equal(t, []string{
		"escalate", "recall_memory", "request_approval", "save_memory", "transfer_to_agent", "wait",
	}, registry.List())

	approval, ok := registry.Get("request_approval")
	require.True(t, ok)
	assert.True(t, approval.IsLongRunning())

	wait, ok := registry.Get("wait")
	require.True(t, ok)
	assert.Equal(t, tools.ModeAsync, wait.Capability().Mode())
}

func TestMemoryTools(t *testing.T) {
	scope := state.NewScope(nil)

	outcomes := runTurn(t, scope,
		&genai.FunctionCall{Name: "save_memory", Args: map[string]any{"key": "city", "value": "Lisbon"}},
		&genai.FunctionCall{Name: "save_memory", Args: map[string]any{"key": "lang", "value": "pt", "scope": "user"}},
		&genai.FunctionCall{Name: "save_memory", Args: map[string]any{"key": "x", "value": "y", "scope": "galaxy"}},
	)
	assert.Equal(t, map[string]any{"saved": "city"}, outcomes[0].Response.Response)
	assert.NoError(t, outcomes[1].Err)
	require.Error(t, outcomes[2].Err)
	assert.Contains(t, outcomes[2].Response.Response["error"], "scope")

	assert.Equal(t, map[string]any{
		"memory:city":      "Lisbon",
		"user:memory:lang": "pt",
	}, scope.Delta())

	outcomes = runTurn(t, scope,
		&genai.FunctionCall{Name: "recall_memory", Args: map[string]any{"key": "city"}},
		&genai.FunctionCall{Name: "recall_memory", Args: map[string]any{"key": "lang", "scope": "user"}},
		&genai.FunctionCall{Name: "recall_memory", Args: map[string]any{"key": "unknown"}},
	)
	assert.Equal(t, map[string]any{"found": true, "value": "Lisbon"}, outcomes[0].Response.Response)
	assert.Equal(t, map[string]any{"found": true, "value": "pt"}, outcomes[1].Response.Response)
	assert.Equal(t, map[string]any{"found": false}, outcomes[2].Response.Response)
}

func TestMemoryTools_MissingArgs(t *testing.T) {
	outcomes := runTurn(t, state.NewScope(nil),
		&genai.FunctionCall{Name: "save_memory", Args: map[string]any{"key": "city"}},
	)
	require.Error(t, outcomes[0].Err)
	assert.Contains(t, outcomes[0].Response.Response["error"], "value")
}

func TestControlTools(t *testing.T) {
	outcomes := runTurn(t, state.NewScope(nil),
		&genai.FunctionCall{Name: "transfer_to_agent", Args: map[string]any{"agent_name": "billing"}},
		&genai.FunctionCall{Name: "escalate"},
		&genai.FunctionCall{Name: "request_approval", Args: map[string]any{"action": "refund"}},
		&genai.FunctionCall{Name: "wait", Args: map[string]any{"seconds": 0}},
	)

	assert.Equal(t, "billing", outcomes[0].Actions.TransferToAgent)
	assert.Equal(t, map[string]any{}, outcomes[0].Response.Response)
	assert.True(t, outcomes[1].Actions.Escalate)

	assert.True(t, outcomes[2].Pending)
	assert.Nil(t, outcomes[2].Response)

	require.NoError(t, outcomes[3].Err)
	assert.Equal(t, "0s", outcomes[3].Response.Response["waited"])
}

func TestWaitTool_RejectsNegative(t *testing.T) {
	outcomes := runTurn(t, state.NewScope(nil),
		&genai.FunctionCall{Name: "wait", Args: map[string]any{"seconds": -1.0}},
	)
	require.Error(t, outcomes[0].Err)
	assert.Contains(t, outcomes[0].Response.Response["error"], "seconds")
}
