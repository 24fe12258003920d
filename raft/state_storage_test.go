package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateStorageSetGet(t *testing.T) {
	tmpDir := t.TempDir()
	storage := NewStateStorage(tmpDir)

	require.NoError(t, storage.Open())

	term := uint64(1)
	votedFor := "test"
	require.NoError(t, storage.SetState(term, votedFor))

	require.NoError(t, storage.Close())
	require.NoError(t, storage.Open())
	require.NoError(t, storage.Replay())
	defer func() { require.NoError(t, storage.Close()) }()

	recoveredTerm, recoveredVotedFor, err := storage.State()

	require.NoError(t, err)
	require.Equal(t, term, recoveredTerm)
	require.Equal(t, votedFor, recoveredVotedFor)
}

func TestStateStorageOverwrite(t *testing.T) {
	tmpDir := t.TempDir()
	storage := NewStateStorage(tmpDir)

	require.NoError(t, storage.Open())
	require.NoError(t, storage.SetState(1, "node-1"))
	require.NoError(t, storage.SetState(2, "node-2"))

	require.NoError(t, storage.Close())
	require.NoError(t, storage.Open())
	require.NoError(t, storage.Replay())
	defer func() { require.NoError(t, storage.Close()) }()

	term, votedFor, err := storage.State()
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)
	require.Equal(t, "node-2", votedFor)
}

func TestStateStorageNotOpen(t *testing.T) {
	storage := NewStateStorage(t.TempDir())

	_, _, err := storage.State()
	require.Error(t, err)

	err = storage.SetState(1, "node-1")
	require.Error(t, err)
}
