package functions

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"toolflow/internal/adapters/config"
	"toolflow/internal/agents/state"
	"toolflow/internal/events"
	"toolflow/internal/tools"
	"toolflow/pkg/errors"
)

var testInvocation = tools.InvocationMetadata{
	InvocationID: "inv-1",
	AppName:      "app",
	UserID:       "u1",
	SessionID:    "s1",
	AgentName:    "root_agent",
}

func newDispatcher(deps Deps) *Dispatcher {
	return NewDispatcher(config.DispatcherConfig{MaxConcurrency: 4, SyncInline: true}, deps)
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func increaseByOne() tools.Tool {
	return tools.NewAsync(tools.Config{Name: "increase_by_one"}, func(ctx tools.Context, args map[string]any) <-chan tools.Result {
		return tools.Go(func() (any, error) { return intArg(args, "x") + 1, nil })
	})
}

func multipleByTwo() tools.Tool {
	return tools.NewAsync(tools.Config{Name: "multiple_by_two"}, func(ctx tools.Context, args map[string]any) <-chan tools.Result {
		return tools.Go(func() (any, error) { return intArg(args, "x") * 2, nil })
	})
}

func multipleByTwoSync() tools.Tool {
	return tools.New(tools.Config{Name: "multiple_by_two_sync"}, func(ctx tools.Context, args map[string]any) (any, error) {
		return intArg(args, "x") * 2, nil
	})
}

func calls(specs ...[2]any) []*genai.FunctionCall {
	out := make([]*genai.FunctionCall, 0, len(specs))
	for _, s := range specs {
		out = append(out, &genai.FunctionCall{
			ID:   GenerateClientFunctionCallID(),
			Name: s[0].(string),
			Args: s[1].(map[string]any),
		})
	}
	return out
}

func TestExecuteTurnCalls_MixedSyncAsyncKeepsPairing(t *testing.T) {
	d := newDispatcher(Deps{})
	view := tools.NewView(increaseByOne(), multipleByTwo(), multipleByTwoSync())
	in := calls(
		[2]any{"increase_by_one", map[string]any{"x": 1}},
		[2]any{"multiple_by_two", map[string]any{"x": 2}},
		[2]any{"multiple_by_two_sync", map[string]any{"x": 3}},
	)

	outcomes, err := d.ExecuteTurnCalls(context.Background(), testInvocation, in, view, state.NewScope(nil))
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	want := []map[string]any{{"result": 2}, {"result": 4}, {"result": 6}}
	for i, o := range outcomes {
		require.NoError(t, o.Err)
		require.NotNil(t, o.Response)
		assert.Equal(t, in[i].ID, o.Response.ID)
		assert.Equal(t, in[i].Name, o.Response.Name)
		assert.Equal(t, want[i], o.Response.Response)
		assert.Same(t, in[i], o.Call)
	}
}

func TestExecuteTurnCalls_OrderIndependentOfCompletion(t *testing.T) {
	release := make(chan struct{})
	var finished []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		finished = append(finished, name)
		mu.Unlock()
	}

	slow := tools.NewAsync(tools.Config{Name: "slow"}, func(ctx tools.Context, args map[string]any) <-chan tools.Result {
		return tools.Go(func() (any, error) {
			<-release
			record("slow")
			return "slow", nil
		})
	})
	fast := tools.NewAsync(tools.Config{Name: "fast"}, func(ctx tools.Context, args map[string]any) <-chan tools.Result {
		return tools.Go(func() (any, error) {
			record("fast")
			close(release)
			return "fast", nil
		})
	})

	d := newDispatcher(Deps{})
	in := calls([2]any{"slow", map[string]any{}}, [2]any{"fast", map[string]any{}})

	outcomes, err := d.ExecuteTurnCalls(context.Background(), testInvocation, in, tools.NewView(slow, fast), state.NewScope(nil))
	require.NoError(t, err)

	assert.Equal(t, []string{"fast", "slow"}, finished)
	assert.Equal(t, map[string]any{"result": "slow"}, outcomes[0].Response.Response)
	assert.Equal(t, map[string]any{"result": "fast"}, outcomes[1].Response.Response)
}

func TestExecuteTurnCalls_FailuresAreIsolated(t *testing.T) {
	failing := tools.New(tools.Config{Name: "failing"}, func(ctx tools.Context, args map[string]any) (any, error) {
		return nil, errors.New("division by zero")
	})
	panicking := tools.NewAsync(tools.Config{Name: "panicking"}, func(ctx tools.Context, args map[string]any) <-chan tools.Result {
		panic("boom")
	})
	strict := tools.New(tools.Config{
		Name:       "strict",
		Parameters: &genai.Schema{Type: genai.TypeObject, Required: []string{"x"}},
	}, func(ctx tools.Context, args map[string]any) (any, error) {
		return "unreachable", nil
	})

	d := newDispatcher(Deps{})
	view := tools.NewView(failing, panicking, strict, multipleByTwoSync())
	in := calls(
		[2]any{"failing", map[string]any{}},
		[2]any{"not_a_tool", map[string]any{}},
		[2]any{"panicking", map[string]any{}},
		[2]any{"strict", map[string]any{}},
		[2]any{"multiple_by_two_sync", map[string]any{"x": 5}},
	)

	outcomes, err := d.ExecuteTurnCalls(context.Background(), testInvocation, in, view, state.NewScope(nil))
	require.NoError(t, err)
	require.Len(t, outcomes, 5)

	assert.True(t, errors.Is(outcomes[0].Err, errors.ErrToolExecution))
	assert.Equal(t, map[string]any{"error": "division by zero"}, outcomes[0].Response.Response)

	assert.True(t, errors.Is(outcomes[1].Err, errors.ErrToolNotFound))
	assert.Contains(t, outcomes[1].Response.Response["error"], "not_a_tool")

	assert.True(t, errors.Is(outcomes[2].Err, errors.ErrToolPanic))
	assert.Contains(t, outcomes[2].Response.Response["error"], "boom")

	assert.True(t, errors.Is(outcomes[3].Err, errors.ErrMalformedCall))
	assert.Contains(t, outcomes[3].Response.Response["error"], "'x'")

	require.NoError(t, outcomes[4].Err)
	assert.Equal(t, map[string]any{"result": 10}, outcomes[4].Response.Response)

	for i, o := range outcomes {
		assert.Equal(t, in[i].ID, o.Response.ID)
	}
}

func TestExecuteTurnCalls_StateMutationOnlyTool(t *testing.T) {
	updateState := tools.New(tools.Config{Name: "update_state"}, func(ctx tools.Context, args map[string]any) (any, error) {
		return nil, ctx.State().Set("x", 1)
	})

	scope := state.NewScope(nil)
	d := newDispatcher(Deps{})
	in := calls([2]any{"update_state", map[string]any{}})

	outcomes, err := d.ExecuteTurnCalls(context.Background(), testInvocation, in, tools.NewView(updateState), scope)
	require.NoError(t, err)

	require.NotNil(t, outcomes[0].Response)
	assert.Equal(t, map[string]any{}, outcomes[0].Response.Response)
	assert.Equal(t, map[string]any{"x": 1}, scope.Delta())
}

func TestExecuteTurnCalls_FailedCallWritesDiscarded(t *testing.T) {
	writeThenFail := tools.New(tools.Config{Name: "write_then_fail"}, func(ctx tools.Context, args map[string]any) (any, error) {
		_ = ctx.State().Set("half_done", true)
		return nil, errors.New("gave up")
	})
	writer := tools.New(tools.Config{Name: "writer"}, func(ctx tools.Context, args map[string]any) (any, error) {
		return map[string]any{"ok": true}, ctx.State().Set("done", true)
	})

	scope := state.NewScope(nil)
	d := newDispatcher(Deps{})
	in := calls([2]any{"write_then_fail", map[string]any{}}, [2]any{"writer", map[string]any{}})

	outcomes, err := d.ExecuteTurnCalls(context.Background(), testInvocation, in, tools.NewView(writeThenFail, writer), scope)
	require.NoError(t, err)

	assert.Error(t, outcomes[0].Err)
	assert.Equal(t, map[string]any{"ok": true}, outcomes[1].Response.Response)
	assert.Equal(t, map[string]any{"done": true}, scope.Delta())
}

func TestExecuteTurnCalls_LaterCallSeesCommittedWrites(t *testing.T) {
	setter := tools.New(tools.Config{Name: "setter"}, func(ctx tools.Context, args map[string]any) (any, error) {
		return nil, ctx.State().Set("topic", "weather")
	})
	reader := tools.New(tools.Config{Name: "reader"}, func(ctx tools.Context, args map[string]any) (any, error) {
		return state.GetString(ctx.State(), "topic", "none"), nil
	})

	d := newDispatcher(Deps{})
	in := calls([2]any{"setter", map[string]any{}}, [2]any{"reader", map[string]any{}})

	outcomes, err := d.ExecuteTurnCalls(context.Background(), testInvocation, in, tools.NewView(setter, reader), state.NewScope(nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": "weather"}, outcomes[1].Response.Response)
}

func TestExecuteTurnCalls_ConcurrentWritersLoseNothing(t *testing.T) {
	const n = 20
	writer := tools.NewAsync(tools.Config{Name: "writer"}, func(ctx tools.Context, args map[string]any) <-chan tools.Result {
		return tools.Go(func() (any, error) {
			i := intArg(args, "i")
			if err := ctx.State().Set("last", i); err != nil {
				return nil, err
			}
			return nil, ctx.State().Set(string(rune('a'+i)), i)
		})
	})

	specs := make([][2]any, n)
	for i := range specs {
		specs[i] = [2]any{"writer", map[string]any{"i": i}}
	}

	scope := state.NewScope(nil)
	d := NewDispatcher(config.DispatcherConfig{MaxConcurrency: 8, SyncInline: true}, Deps{})
	outcomes, err := d.ExecuteTurnCalls(context.Background(), testInvocation, calls(specs...), tools.NewView(writer), scope)
	require.NoError(t, err)
	require.Len(t, outcomes, n)

	delta := scope.Delta()
	assert.Len(t, delta, n+1)
	assert.Equal(t, n-1, delta["last"])
}

func TestExecuteTurnCalls_RespectsConcurrencyLimit(t *testing.T) {
	var inFlight, peak int32
	tool := tools.NewAsync(tools.Config{Name: "busy"}, func(ctx tools.Context, args map[string]any) <-chan tools.Result {
		return tools.Go(func() (any, error) {
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil, nil
		})
	})

	specs := make([][2]any, 6)
	for i := range specs {
		specs[i] = [2]any{"busy", map[string]any{}}
	}

	d := NewDispatcher(config.DispatcherConfig{MaxConcurrency: 2, SyncInline: true}, Deps{})
	_, err := d.ExecuteTurnCalls(context.Background(), testInvocation, calls(specs...), tools.NewView(tool), state.NewScope(nil))
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestExecuteTurnCalls_LongRunningToolStaysOpen(t *testing.T) {
	approve := tools.New(tools.Config{Name: "request_approval", LongRunning: true}, func(ctx tools.Context, args map[string]any) (any, error) {
		return nil, ctx.State().Set("approval_requested", true)
	})
	ticket := tools.New(tools.Config{Name: "open_ticket", LongRunning: true}, func(ctx tools.Context, args map[string]any) (any, error) {
		return map[string]any{"status": "pending", "ticket": "T-1"}, nil
	})

	scope := state.NewScope(nil)
	d := newDispatcher(Deps{})
	in := calls([2]any{"request_approval", map[string]any{}}, [2]any{"open_ticket", map[string]any{}})

	outcomes, err := d.ExecuteTurnCalls(context.Background(), testInvocation, in, tools.NewView(approve, ticket), scope)
	require.NoError(t, err)

	assert.True(t, outcomes[0].Pending)
	assert.Nil(t, outcomes[0].Response)
	assert.NoError(t, outcomes[0].Err)

	assert.False(t, outcomes[1].Pending)
	assert.Equal(t, "pending", outcomes[1].Response.Response["status"])

	assert.Equal(t, true, scope.Delta()["approval_requested"])
}

func TestExecuteTurnCalls_CancelledTurn(t *testing.T) {
	started := make(chan struct{})
	hold := make(chan struct{})
	defer close(hold)

	blocking := tools.NewAsync(tools.Config{Name: "blocking"}, func(ctx tools.Context, args map[string]any) <-chan tools.Result {
		return tools.Go(func() (any, error) {
			_ = ctx.State().Set("late", true)
			close(started)
			<-hold
			return "too late", nil
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	scope := state.NewScope(nil)
	d := newDispatcher(Deps{})
	outcomes, err := d.ExecuteTurnCalls(ctx, testInvocation, calls([2]any{"blocking", map[string]any{}}), tools.NewView(blocking), scope)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, outcomes)
	assert.True(t, scope.Sealed())
	assert.Empty(t, scope.Delta())
}

func TestExecuteTurnCalls_Empty(t *testing.T) {
	outcomes, err := newDispatcher(Deps{}).ExecuteTurnCalls(context.Background(), testInvocation, nil, tools.NewView(), state.NewScope(nil))
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestExecuteTurnCalls_Callbacks(t *testing.T) {
	var executed int32
	tool := tools.New(tools.Config{Name: "lookup"}, func(ctx tools.Context, args map[string]any) (any, error) {
		atomic.AddInt32(&executed, 1)
		return map[string]any{"value": "fresh"}, nil
	})

	cached := func(ctx tools.Context, t tools.Tool, args map[string]any) (map[string]any, error) {
		if args["cached"] == true {
			return map[string]any{"value": "cached"}, nil
		}
		return nil, nil
	}
	stamp := func(ctx tools.Context, t tools.Tool, args, result map[string]any, err error) (map[string]any, error) {
		if result != nil {
			result["call_id"] = ctx.FunctionCallID()
			result["agent"] = ctx.Metadata().AgentName
		}
		return result, err
	}

	d := newDispatcher(Deps{
		Before: []tools.BeforeCallback{cached},
		After:  []tools.AfterCallback{stamp},
	})
	in := calls(
		[2]any{"lookup", map[string]any{"cached": true}},
		[2]any{"lookup", map[string]any{}},
	)

	outcomes, err := d.ExecuteTurnCalls(context.Background(), testInvocation, in, tools.NewView(tool), state.NewScope(nil))
	require.NoError(t, err)

	assert.Equal(t, int32(1), executed)
	assert.Equal(t, "cached", outcomes[0].Response.Response["value"])
	assert.Equal(t, in[0].ID, outcomes[0].Response.Response["call_id"])
	assert.Equal(t, "fresh", outcomes[1].Response.Response["value"])
	assert.Equal(t, "root_agent", outcomes[1].Response.Response["agent"])
}

func TestExecuteTurnCalls_ToolActionsReachOutcome(t *testing.T) {
	escalate := tools.New(tools.Config{Name: "escalate"}, func(ctx tools.Context, args map[string]any) (any, error) {
		ctx.Actions().Escalate = true
		ctx.Actions().TransferToAgent = "supervisor"
		return "escalated", nil
	})

	d := newDispatcher(Deps{})
	outcomes, err := d.ExecuteTurnCalls(context.Background(), testInvocation, calls([2]any{"escalate", map[string]any{}}), tools.NewView(escalate), state.NewScope(nil))
	require.NoError(t, err)

	assert.True(t, outcomes[0].Actions.Escalate)
	assert.Equal(t, "supervisor", outcomes[0].Actions.TransferToAgent)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishToolCall(ctx context.Context, event *events.ToolCallEvent) error {
	return m.Called(ctx, event).Error(0)
}

func TestExecuteTurnCalls_PublishesLifecycleEvents(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("PublishToolCall", mock.Anything, mock.MatchedBy(func(e *events.ToolCallEvent) bool {
		return e.ToolName == "multiple_by_two_sync" && e.Status == events.StatusSuccess && e.Mode == "sync" && e.InvocationID == "inv-1"
	})).Return(nil).Once()
	pub.On("PublishToolCall", mock.Anything, mock.MatchedBy(func(e *events.ToolCallEvent) bool {
		return e.ToolName == "missing" && e.Status == events.StatusError && e.Error != ""
	})).Return(errors.ErrUnavailable).Once()

	d := newDispatcher(Deps{Publisher: pub})
	in := calls(
		[2]any{"multiple_by_two_sync", map[string]any{"x": 1}},
		[2]any{"missing", map[string]any{}},
	)

	outcomes, err := d.ExecuteTurnCalls(context.Background(), testInvocation, in, tools.NewView(multipleByTwoSync()), state.NewScope(nil))
	require.NoError(t, err)
	assert.Len(t, outcomes, 2)
	pub.AssertExpectations(t)
}

func TestExecuteTurnCalls_SyncOffCoordinator(t *testing.T) {
	d := NewDispatcher(config.DispatcherConfig{MaxConcurrency: 4, SyncInline: false}, Deps{})
	in := calls(
		[2]any{"multiple_by_two_sync", map[string]any{"x": 1}},
		[2]any{"multiple_by_two_sync", map[string]any{"x": 2}},
		[2]any{"increase_by_one", map[string]any{"x": 3}},
	)

	outcomes, err := d.ExecuteTurnCalls(context.Background(), testInvocation, in, tools.NewView(multipleByTwoSync(), increaseByOne()), state.NewScope(nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": 2}, outcomes[0].Response.Response)
	assert.Equal(t, map[string]any{"result": 4}, outcomes[1].Response.Response)
	assert.Equal(t, map[string]any{"result": 4}, outcomes[2].Response.Response)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, map[string]any{}, normalize(nil, false))
	assert.Nil(t, normalize(nil, true))
	assert.Equal(t, map[string]any{"a": 1}, normalize(map[string]any{"a": 1}, false))
	assert.Equal(t, map[string]any{"result": "text"}, normalize("text", false))
	assert.Equal(t, map[string]any{"result": []int{1, 2}}, normalize([]int{1, 2}, true))
}

func TestExecuteTurnCalls_AsyncPanicIsIsolated(t *testing.T) {
	exploding := tools.NewAsync(tools.Config{Name: "exploding"}, func(ctx tools.Context, args map[string]any) <-chan tools.Result {
		return tools.Go(func() (any, error) { panic("kaboom") })
	})

	d := newDispatcher(Deps{})
	in := calls(
		[2]any{"exploding", map[string]any{}},
		[2]any{"multiple_by_two_sync", map[string]any{"x": 3}},
	)

	outcomes, err := d.ExecuteTurnCalls(context.Background(), testInvocation, in, tools.NewView(exploding, multipleByTwoSync()), state.NewScope(nil))
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	assert.True(t, errors.Is(outcomes[0].Err, errors.ErrToolPanic))
	assert.Contains(t, outcomes[0].Response.Response["error"], "kaboom")
	assert.Equal(t, in[0].ID, outcomes[0].Response.ID)

	require.NoError(t, outcomes[1].Err)
	assert.Equal(t, map[string]any{"result": 6}, outcomes[1].Response.Response)
}

func TestExecuteTurnCalls_CancelledWhilePoolIsBusy(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)

	stubborn := tools.New(tools.Config{Name: "stubborn"}, func(ctx tools.Context, args map[string]any) (any, error) {
		<-hold
		return "done", nil
	})

	d := NewDispatcher(config.DispatcherConfig{MaxConcurrency: 1, SyncInline: false}, Deps{})
	in := calls([2]any{"stubborn", map[string]any{}}, [2]any{"stubborn", map[string]any{}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	outcomes, err := d.ExecuteTurnCalls(ctx, testInvocation, in, tools.NewView(stubborn), state.NewScope(nil))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, outcomes)
	assert.Less(t, time.Since(start), time.Second, "turn must not wait for the busy pool")
}

func TestExecuteTurnCalls_PanicStillRunsAfterCallbacks(t *testing.T) {
	exploding := tools.New(tools.Config{Name: "exploding"}, func(ctx tools.Context, args map[string]any) (any, error) {
		panic("kaboom")
	})

	var seen error
	var mu sync.Mutex
	record := func(ctx tools.Context, t tools.Tool, args, result map[string]any, err error) (map[string]any, error) {
		mu.Lock()
		seen = err
		mu.Unlock()
		return result, err
	}

	d := newDispatcher(Deps{After: []tools.AfterCallback{record}})
	outcomes, err := d.ExecuteTurnCalls(context.Background(), testInvocation, calls([2]any{"exploding", map[string]any{}}), tools.NewView(exploding), state.NewScope(nil))
	require.NoError(t, err)

	assert.True(t, errors.Is(outcomes[0].Err, errors.ErrToolPanic))
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, errors.Is(seen, errors.ErrToolPanic), "after callbacks see the recovered panic")
}
