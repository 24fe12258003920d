package raft

import (
	"io"

	"github.com/raftcache/raftcache/internal/wire"
)

// Log entries, the persisted term/vote record and every inter-node RPC are
// framed the same way: a 4-byte big-endian length header followed by a JSON
// payload (see internal/wire). Snapshot payloads are written by the state
// machine in its own format and are not framed. The framing itself is the teacher's idiom (originally
// paired with protobuf); JSON replaces protobuf as the payload encoding so
// the wire format matches what a plain client can speak without a
// generated stub.
func writeFramed(w io.Writer, v interface{}) error {
	return wire.WriteFramed(w, v)
}

func readFramed(r io.Reader, v interface{}) error {
	return wire.ReadFramed(r, v)
}

// logEntryWire is the JSON-serializable projection of a LogEntry.
type logEntryWire struct {
	Index     uint64
	Term      uint64
	Offset    int64
	Data      []byte
	EntryType LogEntryType
}

func encodeLogEntry(w io.Writer, entry *LogEntry) error {
	return writeFramed(w, logEntryWire{
		Index:     entry.Index,
		Term:      entry.Term,
		Offset:    entry.Offset,
		Data:      entry.Data,
		EntryType: entry.EntryType,
	})
}

func decodeLogEntry(r io.Reader) (LogEntry, error) {
	var wire logEntryWire
	if err := readFramed(r, &wire); err != nil {
		return LogEntry{}, err
	}
	return LogEntry{
		Index:     wire.Index,
		Term:      wire.Term,
		Offset:    wire.Offset,
		Data:      wire.Data,
		EntryType: wire.EntryType,
	}, nil
}

// persistentStateWire is the JSON-serializable projection of persistentState.
type persistentStateWire struct {
	Term     uint64
	VotedFor string
}

func encodePersistentState(w io.Writer, state *persistentState) error {
	return writeFramed(w, persistentStateWire{Term: state.term, VotedFor: state.votedFor})
}

func decodePersistentState(r io.Reader) (persistentState, error) {
	var wire persistentStateWire
	if err := readFramed(r, &wire); err != nil {
		return persistentState{}, err
	}
	return persistentState{term: wire.Term, votedFor: wire.VotedFor}, nil
}
