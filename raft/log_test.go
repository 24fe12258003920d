package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openLog(t *testing.T) Log {
	t.Helper()
	log := NewLog(t.TempDir())
	require.NoError(t, log.Open())
	require.NoError(t, log.Replay())
	return log
}

func TestLogAppendAndGet(t *testing.T) {
	log := openLog(t)
	defer func() { require.NoError(t, log.Close()) }()

	require.Equal(t, uint64(1), log.NextIndex())

	entry := NewLogEntry(1, 1, []byte("hello"), OperationEntry)
	require.NoError(t, log.AppendEntry(entry))

	got, err := log.GetEntry(1)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got.Data)
	require.Equal(t, uint64(1), log.LastIndex())
	require.Equal(t, uint64(1), log.LastTerm())
	require.True(t, log.Contains(1))
	require.False(t, log.Contains(2))
}

func TestLogTruncate(t *testing.T) {
	log := openLog(t)
	defer func() { require.NoError(t, log.Close()) }()

	require.NoError(t, log.AppendEntries([]*LogEntry{
		NewLogEntry(1, 1, []byte("a"), OperationEntry),
		NewLogEntry(2, 1, []byte("b"), OperationEntry),
		NewLogEntry(3, 1, []byte("c"), OperationEntry),
	}))

	require.NoError(t, log.Truncate(2))
	require.Equal(t, uint64(1), log.LastIndex())
	require.False(t, log.Contains(2))
}

func TestLogCompactAndReplay(t *testing.T) {
	tmpDir := t.TempDir()
	log := NewLog(tmpDir)
	require.NoError(t, log.Open())
	require.NoError(t, log.Replay())

	require.NoError(t, log.AppendEntries([]*LogEntry{
		NewLogEntry(1, 1, []byte("a"), OperationEntry),
		NewLogEntry(2, 1, []byte("b"), OperationEntry),
		NewLogEntry(3, 2, []byte("c"), OperationEntry),
	}))

	require.NoError(t, log.Compact(1))
	require.Equal(t, 3, log.Size())
	require.False(t, log.Contains(1))
	require.True(t, log.Contains(2))

	require.NoError(t, log.Close())

	log = NewLog(tmpDir)
	require.NoError(t, log.Open())
	require.NoError(t, log.Replay())
	defer func() { require.NoError(t, log.Close()) }()

	require.Equal(t, uint64(3), log.LastIndex())
	require.True(t, log.Contains(2))
	require.True(t, log.Contains(3))
}

func TestLogDiscardEntries(t *testing.T) {
	log := openLog(t)
	defer func() { require.NoError(t, log.Close()) }()

	require.NoError(t, log.AppendEntries([]*LogEntry{
		NewLogEntry(1, 1, []byte("a"), OperationEntry),
		NewLogEntry(2, 1, []byte("b"), OperationEntry),
	}))

	require.NoError(t, log.DiscardEntries(5, 2))
	require.Equal(t, 1, log.Size())
	require.Equal(t, uint64(5), log.LastIndex())
	require.Equal(t, uint64(2), log.LastTerm())
	require.Equal(t, uint64(6), log.NextIndex())
}
