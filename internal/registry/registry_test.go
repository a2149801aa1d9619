package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briarworks/offloadpool/pkg/types"
)

func TestPrepareGlobalsSeedsCurrentStateInSharedState(t *testing.T) {
	r := New()

	require.NoError(t, r.PrepareGlobals(map[string]any{"region": "us-east-1"}))

	v, ok := r.State.Get(CurrentStateKey)
	require.True(t, ok)
	mapping, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "us-east-1", mapping["region"])
}

func TestGlobalsReturnsSeededMapping(t *testing.T) {
	r := New()
	require.NoError(t, r.PrepareGlobals(map[string]any{"a": 1}))

	assert.Equal(t, map[string]any{"a": 1}, r.Globals())
}

func TestGlobalsNilWhenNeverPrepared(t *testing.T) {
	r := New()
	assert.Nil(t, r.Globals())
}

func TestPrepareGlobalsRejectedOutsideUninitialized(t *testing.T) {
	r := New()
	r.SetPoolState(types.Starting)

	err := r.PrepareGlobals(map[string]any{"a": 1})
	require.Error(t, err)
	var invalid *types.InvalidState
	assert.ErrorAs(t, err, &invalid)
}

func TestSharedStateSeedDoesNotInvokeOnMutate(t *testing.T) {
	called := false
	s := NewSharedState(func(string, any) { called = true })

	s.Seed(map[string]any{"k": "v"})

	got, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)
	assert.False(t, called)
}

func TestTrySetCancelFlagOnlySucceedsOnce(t *testing.T) {
	s := NewSharedState(nil)
	tok := NewLockToken()

	assert.True(t, s.TrySetCancelFlag(tok, types.SubmissionID(1)))
	assert.False(t, s.TrySetCancelFlag(tok, types.SubmissionID(1)))
	assert.True(t, s.IsCancelled(types.SubmissionID(1)))
}
