package raft

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/raftcache/raftcache/internal/errors"
)

var errSnapshotStoreNotOpen = errors.New("snapshot storage is not open")

// SnapshotMetadata describes a snapshot without requiring its (potentially
// large) state machine payload to be read into memory.
type SnapshotMetadata struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
}

// SnapshotFile is a handle to a single snapshot on disk. It is written to
// incrementally while a leader streams InstallSnapshot chunks, and read from
// incrementally while a snapshot is being sent to a follower or restored
// into the state machine.
type SnapshotFile interface {
	io.ReadWriteSeeker

	// Metadata returns the last included index/term this snapshot covers.
	Metadata() SnapshotMetadata

	// Close finalizes the snapshot file, making it the durable,
	// discoverable snapshot for this node.
	Close() error

	// Discard abandons an incomplete snapshot file.
	Discard() error
}

// SnapshotStorage represents the component of Raft that manages persistently
// storing snapshots of the state machine.
type SnapshotStorage interface {
	PersistentStorage

	// NewSnapshotFile creates a new, not-yet-durable snapshot file that
	// will cover up to lastIncludedIndex/lastIncludedTerm once Close is
	// called on it.
	NewSnapshotFile(lastIncludedIndex uint64, lastIncludedTerm uint64) (SnapshotFile, error)

	// SnapshotFile returns a read-only handle to the most recently
	// completed snapshot, or nil if no snapshot has been taken.
	SnapshotFile() (SnapshotFile, error)
}

const snapshotFilePrefix = "snapshot-"

// persistentSnapshotStorage is an implementation of the SnapshotStorage
// interface backed by a directory of immutable snapshot files, named so
// that the most recent one can be found without a separate index file.
// This implementation is not concurrent safe; callers are expected to
// serialize access the same way Raft does for the log and state storage.
type persistentSnapshotStorage struct {
	path string
	open bool

	// name of the most recently completed snapshot file, empty if none.
	current string
}

// NewSnapshotStorage creates a new instance of SnapshotStorage rooted at
// the provided directory.
func NewSnapshotStorage(path string) SnapshotStorage {
	return &persistentSnapshotStorage{path: path}
}

func (p *persistentSnapshotStorage) Open() error {
	if err := os.MkdirAll(p.path, 0o777); err != nil {
		return errors.WrapError(err, "failed to open snapshot storage")
	}
	p.open = true
	return nil
}

func (p *persistentSnapshotStorage) Replay() error {
	if !p.open {
		return errSnapshotStoreNotOpen
	}

	entries, err := os.ReadDir(p.path)
	if err != nil {
		return errors.WrapError(err, "failed while replaying snapshot storage")
	}

	var best string
	var bestIndex uint64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), snapshotFilePrefix) {
			continue
		}
		index, _, ok := parseSnapshotFileName(entry.Name())
		if !ok {
			continue
		}
		if best == "" || index > bestIndex {
			best = entry.Name()
			bestIndex = index
		}
	}

	p.current = best

	return nil
}

func (p *persistentSnapshotStorage) Close() error {
	p.open = false
	return nil
}

func (p *persistentSnapshotStorage) NewSnapshotFile(
	lastIncludedIndex uint64,
	lastIncludedTerm uint64,
) (SnapshotFile, error) {
	if !p.open {
		return nil, errSnapshotStoreNotOpen
	}

	tmpFile, err := os.CreateTemp(p.path, "tmp-snapshot-")
	if err != nil {
		return nil, errors.WrapError(err, "failed to create snapshot file")
	}

	return &snapshotFile{
		storage: p,
		file:    tmpFile,
		metadata: SnapshotMetadata{
			LastIncludedIndex: lastIncludedIndex,
			LastIncludedTerm:  lastIncludedTerm,
		},
	}, nil
}

func (p *persistentSnapshotStorage) SnapshotFile() (SnapshotFile, error) {
	if !p.open {
		return nil, errSnapshotStoreNotOpen
	}
	if p.current == "" {
		return nil, nil
	}

	index, term, _ := parseSnapshotFileName(p.current)
	file, err := os.Open(filepath.Join(p.path, p.current))
	if err != nil {
		return nil, errors.WrapError(err, "failed to open snapshot file")
	}

	return &snapshotFile{
		storage:  p,
		file:     file,
		readOnly: true,
		metadata: SnapshotMetadata{LastIncludedIndex: index, LastIncludedTerm: term},
	}, nil
}

func snapshotFileName(lastIncludedIndex, lastIncludedTerm uint64) string {
	return fmt.Sprintf("%s%020d-%020d.bin", snapshotFilePrefix, lastIncludedIndex, lastIncludedTerm)
}

func parseSnapshotFileName(name string) (index uint64, term uint64, ok bool) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, snapshotFilePrefix), ".bin")
	parts := strings.SplitN(trimmed, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(parts[0], "%020d", &index); err != nil {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(parts[1], "%020d", &term); err != nil {
		return 0, 0, false
	}
	return index, term, true
}

// snapshotFile implements SnapshotFile on top of a plain os.File. A
// snapshotFile created via NewSnapshotFile is backed by a temp file until
// Close renames it into place; one returned via SnapshotFile is already
// durable and read-only.
type snapshotFile struct {
	storage  *persistentSnapshotStorage
	file     *os.File
	metadata SnapshotMetadata
	readOnly bool
}

func (s *snapshotFile) Read(p []byte) (int, error)                 { return s.file.Read(p) }
func (s *snapshotFile) Write(p []byte) (int, error)                { return s.file.Write(p) }
func (s *snapshotFile) Seek(offset int64, whence int) (int64, error) { return s.file.Seek(offset, whence) }
func (s *snapshotFile) Metadata() SnapshotMetadata                 { return s.metadata }

func (s *snapshotFile) Close() error {
	if s.readOnly {
		return s.file.Close()
	}

	if err := s.file.Sync(); err != nil {
		return errors.WrapError(err, "failed to sync snapshot file")
	}
	tmpName := s.file.Name()
	if err := s.file.Close(); err != nil {
		return errors.WrapError(err, "failed to close snapshot file")
	}

	finalName := snapshotFileName(s.metadata.LastIncludedIndex, s.metadata.LastIncludedTerm)
	finalPath := filepath.Join(s.storage.path, finalName)
	if err := os.Rename(tmpName, finalPath); err != nil {
		return errors.WrapError(err, "failed to finalize snapshot file")
	}

	// Remove any previous snapshot file now that a newer one is durable.
	if s.storage.current != "" && s.storage.current != finalName {
		_ = os.Remove(filepath.Join(s.storage.path, s.storage.current))
	}
	s.storage.current = finalName

	return nil
}

func (s *snapshotFile) Discard() error {
	if s.readOnly {
		return s.file.Close()
	}
	name := s.file.Name()
	if err := s.file.Close(); err != nil {
		return errors.WrapError(err, "failed to close snapshot file")
	}
	return os.Remove(name)
}
