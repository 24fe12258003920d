package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func writeSnapshot(t *testing.T, storage SnapshotStorage, index, term uint64, data []byte) {
	t.Helper()
	file, err := storage.NewSnapshotFile(index, term)
	require.NoError(t, err)
	_, err = file.Write(data)
	require.NoError(t, err)
	require.NoError(t, file.Close())
}

func TestSnapshotStorageSaveAndRecover(t *testing.T) {
	tmpDir := t.TempDir()
	storage := NewSnapshotStorage(tmpDir)

	require.NoError(t, storage.Open())
	require.NoError(t, storage.Replay())
	defer func() { require.NoError(t, storage.Close()) }()

	writeSnapshot(t, storage, 1, 1, []byte("snap-1"))

	file, err := storage.SnapshotFile()
	require.NoError(t, err)
	require.NotNil(t, file)
	require.Equal(t, SnapshotMetadata{LastIncludedIndex: 1, LastIncludedTerm: 1}, file.Metadata())
	require.NoError(t, file.Close())

	writeSnapshot(t, storage, 2, 1, []byte("snap-2"))

	file, err = storage.SnapshotFile()
	require.NoError(t, err)
	require.Equal(t, uint64(2), file.Metadata().LastIncludedIndex)
	require.NoError(t, file.Close())

	require.NoError(t, storage.Close())
	require.NoError(t, storage.Open())
	require.NoError(t, storage.Replay())

	file, err = storage.SnapshotFile()
	require.NoError(t, err)
	require.Equal(t, uint64(2), file.Metadata().LastIncludedIndex)
	require.NoError(t, file.Close())
}

func TestSnapshotStorageNoSnapshot(t *testing.T) {
	storage := NewSnapshotStorage(t.TempDir())

	require.NoError(t, storage.Open())
	require.NoError(t, storage.Replay())
	defer func() { require.NoError(t, storage.Close()) }()

	file, err := storage.SnapshotFile()
	require.NoError(t, err)
	require.Nil(t, file)
}

func TestSnapshotFileDiscard(t *testing.T) {
	tmpDir := t.TempDir()
	storage := NewSnapshotStorage(tmpDir)

	require.NoError(t, storage.Open())
	require.NoError(t, storage.Replay())
	defer func() { require.NoError(t, storage.Close()) }()

	file, err := storage.NewSnapshotFile(1, 1)
	require.NoError(t, err)
	_, err = file.Write([]byte("incomplete"))
	require.NoError(t, err)
	require.NoError(t, file.Discard())

	current, err := storage.SnapshotFile()
	require.NoError(t, err)
	require.Nil(t, current)
}
