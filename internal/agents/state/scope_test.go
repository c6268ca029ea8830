package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolflow/pkg/errors"
)

func TestScope_ReadsFallBackToBase(t *testing.T) {
	base := map[string]interface{}{"topic": "weather"}
	scope := NewScope(base)

	val, err := scope.Get("topic")
	require.NoError(t, err)
	assert.Equal(t, "weather", val)

	_, err = scope.Get("missing")
	assert.True(t, errors.Is(err, errors.ErrStateKeyNotExist))

	// base is copied, not aliased
	base["topic"] = "changed"
	val, _ = scope.Get("topic")
	assert.Equal(t, "weather", val)
}

func TestCallState_WritesInvisibleUntilCommit(t *testing.T) {
	scope := NewScope(nil)
	cs := scope.NewCallState(0)

	require.NoError(t, cs.Set("x", 1))

	own, err := cs.Get("x")
	require.NoError(t, err)
	assert.Equal(t, 1, own)

	_, err = scope.Get("x")
	assert.Error(t, err)

	require.NoError(t, scope.Commit(cs))

	val, err := scope.Get("x")
	require.NoError(t, err)
	assert.Equal(t, 1, val)
	assert.Equal(t, map[string]interface{}{"x": 1}, scope.Delta())
}

func TestScope_CommitIsLastWriteWinsByInputOrder(t *testing.T) {
	scope := NewScope(nil)
	first := scope.NewCallState(0)
	second := scope.NewCallState(1)

	require.NoError(t, first.Set("k", "first"))
	require.NoError(t, first.Set("only_first", true))
	require.NoError(t, second.Set("k", "second"))

	// the later call finishes first
	require.NoError(t, scope.Commit(second))
	require.NoError(t, scope.Commit(first))

	delta := scope.Delta()
	assert.Equal(t, "second", delta["k"])
	assert.Equal(t, true, delta["only_first"])
}

func TestScope_CommitOnce(t *testing.T) {
	scope := NewScope(nil)
	cs := scope.NewCallState(0)

	require.NoError(t, scope.Commit(cs))
	assert.Error(t, scope.Commit(cs))
	assert.Error(t, cs.Set("late", 1))
}

func TestScope_ForeignCallStateRejected(t *testing.T) {
	a := NewScope(nil)
	b := NewScope(nil)

	assert.Error(t, a.Commit(b.NewCallState(0)))
}

func TestScope_SealRejectsCommits(t *testing.T) {
	scope := NewScope(nil)
	cs := scope.NewCallState(0)
	require.NoError(t, cs.Set("x", 1))

	scope.Seal()
	assert.True(t, scope.Sealed())

	err := scope.Commit(cs)
	assert.True(t, errors.Is(err, errors.ErrScopeSealed))
	assert.Empty(t, scope.Delta())
}

func TestCallState_Discard(t *testing.T) {
	scope := NewScope(nil)
	cs := scope.NewCallState(0)
	require.NoError(t, cs.Set("x", 1))

	cs.Discard()

	assert.Error(t, scope.Commit(cs))
	assert.Empty(t, scope.Delta())
}

func TestScope_ConcurrentCommitsLoseNothing(t *testing.T) {
	scope := NewScope(nil)

	const calls = 50
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cs := scope.NewCallState(i)
			_ = cs.Set(UserKey("shared"), i)
			_ = cs.Set(TempKey(string(rune('a'+i%26)))+string(rune('0'+i/26)), i)
			_ = scope.Commit(cs)
		}(i)
	}
	wg.Wait()

	delta := scope.Delta()
	assert.Len(t, delta, calls+1)
	assert.Equal(t, calls-1, delta[UserKey("shared")])
}

func TestScope_All(t *testing.T) {
	scope := NewScope(map[string]interface{}{"a": 1, "b": 2})
	cs := scope.NewCallState(0)
	require.NoError(t, cs.Set("b", 3))
	require.NoError(t, scope.Commit(cs))

	got := map[string]interface{}{}
	for k, v := range scope.All() {
		got[k] = v
	}
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 3}, got)
}

func TestTypedGetters(t *testing.T) {
	scope := NewScope(map[string]interface{}{
		"name":  "ada",
		"count": float64(3),
		"on":    true,
	})

	assert.Equal(t, "ada", GetString(scope, "name", ""))
	assert.Equal(t, "none", GetString(scope, "missing", "none"))
	assert.Equal(t, 3, GetInt(scope, "count", 0))
	assert.Equal(t, 7, GetInt(scope, "name", 7))
	assert.True(t, GetBool(scope, "on", false))
	assert.Equal(t, "app:x", AppKey("x"))
}
