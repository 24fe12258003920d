package raft

// StateMachine is an interface representing a replicated state machine.
// The implementation must be concurrent safe, since read-only operations
// may be applied concurrently with the apply loop releasing and
// reacquiring Raft's lock.
type StateMachine interface {
	// Apply applies the given operation to the state machine and returns
	// whatever response the operation produces.
	Apply(operation *Operation) interface{}

	// Snapshot writes the current state of the state machine to file. The
	// bytes written must be encoded such that Restore can decode them.
	Snapshot(file SnapshotFile) error

	// Restore recovers the state of the state machine from a snapshot
	// file produced by Snapshot.
	Restore(file SnapshotFile) error

	// NeedSnapshot returns true if a snapshot should be taken of the state
	// machine given the current number of entries in the log.
	NeedSnapshot(logSize int) bool
}
