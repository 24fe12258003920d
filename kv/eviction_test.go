package kv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLRUEvictionPolicySelectsOldest(t *testing.T) {
	policy := NewLRUEvictionPolicy(10)

	policy.RecordAccess("a")
	policy.RecordAccess("b")
	policy.RecordAccess("c")

	victims := policy.SelectVictims([]string{"a", "b", "c"}, 1)
	require.Equal(t, []string{"a"}, victims)
}

func TestLRUEvictionPolicyRecencyReordersVictims(t *testing.T) {
	policy := NewLRUEvictionPolicy(10)

	policy.RecordAccess("a")
	policy.RecordAccess("b")
	policy.RecordAccess("a") // touching "a" again makes "b" the oldest

	victims := policy.SelectVictims([]string{"a", "b"}, 1)
	require.Equal(t, []string{"b"}, victims)
}

func TestLRUEvictionPolicySkipsKeysNoLongerLive(t *testing.T) {
	policy := NewLRUEvictionPolicy(10)

	policy.RecordAccess("a")
	policy.RecordAccess("b")

	// "a" was deleted out from under the policy since its last access;
	// SelectVictims must skip it rather than evicting a key that no
	// longer exists in the store.
	victims := policy.SelectVictims([]string{"b"}, 1)
	require.Equal(t, []string{"b"}, victims)
}

func TestLRUEvictionPolicyName(t *testing.T) {
	require.Equal(t, "lru", NewLRUEvictionPolicy(1).Name())
}
