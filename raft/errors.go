package raft

import "fmt"

// NotLeaderError is returned when an operation is submitted to a server
// that is not the current leader. Only the leader may accept writes or
// strong/lease reads; the caller should retry against KnownLeader.
type NotLeaderError struct {
	// ServerID is the id of the server the operation was submitted to.
	ServerID string

	// KnownLeader is the id of the server this node currently believes is
	// the leader. May be empty if no leader is known.
	KnownLeader string
}

func (e NotLeaderError) Error() string {
	return fmt.Sprintf("server %s is not the leader: knownLeader = %q", e.ServerID, e.KnownLeader)
}

// TimeoutError is returned when an operation does not complete replication
// and application within its deadline.
type TimeoutError struct {
	ServerID string
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("server %s: operation timed out", e.ServerID)
}

// ShutdownError is returned to operations that are still in flight when the
// node is stopped.
type ShutdownError struct {
	ServerID string
}

func (e ShutdownError) Error() string {
	return fmt.Sprintf("server %s: shutting down", e.ServerID)
}

// InvalidOperationTypeError is returned when SubmitOperation is called with
// an OperationType that is not recognized.
type InvalidOperationTypeError struct {
	OperationType OperationType
}

func (e InvalidOperationTypeError) Error() string {
	return fmt.Sprintf("operation type %q is not a supported operation type", e.OperationType)
}
