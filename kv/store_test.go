package kv

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftcache/raftcache/raft"
)

func applyCommand(t *testing.T, store *Store, command Command) Result {
	t.Helper()
	encoded, err := command.Encode()
	require.NoError(t, err)
	result, ok := store.Apply(&raft.Operation{Bytes: encoded}).(Result)
	require.True(t, ok)
	return result
}

func TestStorePutGetDelete(t *testing.T) {
	store := NewStore()

	put := applyCommand(t, store, Command{Type: Put, Key: "a", Value: "1"})
	require.NoError(t, put.Err)

	get := applyCommand(t, store, Command{Type: Get, Key: "a"})
	require.NoError(t, get.Err)
	require.True(t, get.Found)
	require.Equal(t, "1", get.Value)

	del := applyCommand(t, store, Command{Type: Delete, Key: "a"})
	require.NoError(t, del.Err)
	require.True(t, del.Found)

	missing := applyCommand(t, store, Command{Type: Get, Key: "a"})
	require.ErrorIs(t, missing.Err, ErrKeyNotFound)
}

func TestStoreGetMissingKey(t *testing.T) {
	store := NewStore()

	result := applyCommand(t, store, Command{Type: Get, Key: "nope"})
	require.ErrorIs(t, result.Err, ErrKeyNotFound)
}

func TestStoreDeduplicatesRetriedWrites(t *testing.T) {
	store := NewStore()

	command := Command{Type: Put, Key: "a", Value: "1", ClientID: "client-1", Seq: 1}
	first := applyCommand(t, store, command)
	require.NoError(t, first.Err)

	retry := applyCommand(t, store, command)
	require.NoError(t, retry.Err)

	overwrite := applyCommand(t, store, Command{Type: Put, Key: "a", Value: "2", ClientID: "client-1", Seq: 0})
	require.NoError(t, overwrite.Err)

	get := applyCommand(t, store, Command{Type: Get, Key: "a"})
	require.Equal(t, "1", get.Value, "a stale seq must not overwrite a later applied write")
}

func TestStoreSnapshotRoundTrip(t *testing.T) {
	store := NewStore()
	applyCommand(t, store, Command{Type: Put, Key: "a", Value: "1"})
	applyCommand(t, store, Command{Type: Put, Key: "b", Value: "2", ClientID: "client-1", Seq: 1})

	var buf bytes.Buffer
	require.NoError(t, store.Snapshot(&fakeSnapshotFile{Buffer: &buf}))

	restored := NewStore()
	require.NoError(t, restored.Restore(&fakeSnapshotFile{Buffer: &buf}))

	get := applyCommand(t, restored, Command{Type: Get, Key: "a"})
	require.NoError(t, get.Err)
	require.Equal(t, "1", get.Value)

	// The dedup table must also have survived, so a replayed write for
	// client-1's seq 1 is rejected as a duplicate rather than reapplied.
	dup := applyCommand(t, restored, Command{Type: Put, Key: "b", Value: "3", ClientID: "client-1", Seq: 1})
	require.True(t, dup.Found)
	get = applyCommand(t, restored, Command{Type: Get, Key: "b"})
	require.Equal(t, "2", get.Value)
}

func TestStoreEvictsWhenOverCapacity(t *testing.T) {
	store := NewStore(WithMaxCacheSize(5))

	for i := 0; i < 10; i++ {
		applyCommand(t, store, Command{Type: Put, Key: string(rune('a' + i)), Value: "v"})
	}

	store.mu.RLock()
	size := len(store.data)
	store.mu.RUnlock()
	require.LessOrEqual(t, size, 5)
}

func TestStorePeekReadsLocalState(t *testing.T) {
	store := NewStore()
	applyCommand(t, store, Command{Type: Put, Key: "a", Value: "1"})

	result := store.Peek("a")
	require.NoError(t, result.Err)
	require.Equal(t, "1", result.Value)

	missing := store.Peek("nope")
	require.ErrorIs(t, missing.Err, ErrKeyNotFound)
}

// fakeSnapshotFile adapts a bytes.Buffer to raft.SnapshotFile for tests that
// only need Read/Write, not the real file-backed Seek/Metadata/Close semantics.
type fakeSnapshotFile struct {
	*bytes.Buffer
}

func (f *fakeSnapshotFile) Seek(offset int64, whence int) (int64, error) { return 0, nil }
func (f *fakeSnapshotFile) Metadata() raft.SnapshotMetadata              { return raft.SnapshotMetadata{} }
func (f *fakeSnapshotFile) Close() error                                 { return nil }
func (f *fakeSnapshotFile) Discard() error                               { return nil }
