package raft

import "time"

// OperationType identifies how an operation submitted to Raft must be
// handled: replicated through the log, or served as a read-only operation
// under one of the two read consistency modes Raft itself is aware of.
// A third consistency mode - eventual consistency - never reaches Raft at
// all, since it is served directly from a node's local state machine.
type OperationType uint32

const (
	// Replicated operations are appended to the log and only applied to
	// the state machine once committed by a quorum. Used for writes;
	// strong reads are submitted as LinearizableReadOnly instead.
	Replicated OperationType = iota

	// LeaseBasedReadOnly operations are served once the state machine has
	// caught up to the read index and the leader's lease is still valid,
	// without requiring a fresh quorum round trip.
	LeaseBasedReadOnly

	// LinearizableReadOnly operations are served once the state machine
	// has caught up to the read index and a quorum of peers has
	// confirmed this node is still the leader since the read was
	// submitted.
	LinearizableReadOnly
)

// String returns a human readable name for the operation type.
func (t OperationType) String() string {
	switch t {
	case Replicated:
		return "replicated"
	case LeaseBasedReadOnly:
		return "lease-based read-only"
	case LinearizableReadOnly:
		return "linearizable read-only"
	default:
		return "unknown"
	}
}

// Operation is a single client-submitted operation, either in flight to be
// replicated or pending application as a read-only operation.
type Operation struct {
	// Bytes is the opaque, state-machine-specific encoding of the operation.
	Bytes []byte

	// OperationType is the consistency mode this operation was submitted with.
	OperationType OperationType

	// LogIndex and LogTerm identify the log entry this operation was
	// assigned, and are only meaningful for replicated operations.
	LogIndex uint64
	LogTerm  uint64

	// readIndex is the commit index at the time a read-only operation was
	// submitted; the operation cannot be applied until the state machine
	// has caught up to it.
	readIndex uint64

	// verifyRound is the operationManager round this operation must wait
	// for before a LinearizableReadOnly operation may be applied.
	verifyRound int

	responseCh chan OperationResponse
}

// OperationResponse is the result of applying an Operation to the state
// machine, or an error explaining why it could not be applied.
type OperationResponse struct {
	Operation Operation
	Response  interface{}
	Err       error

	// LeaseRemainingMs is the number of milliseconds left on the leader's
	// lease at the time this response was produced. It is only set for
	// operations actually served via LeaseBasedReadOnly; a read that was
	// degraded to LinearizableReadOnly leaves it zero.
	LeaseRemainingMs int64
}

// OperationResponseFuture is returned to the caller of SubmitOperation and
// is populated once the operation has been applied, failed, or timed out.
type OperationResponseFuture struct {
	operationBytes []byte
	timeout        time.Duration
	responseCh     chan OperationResponse
}

// NewOperationResponseFuture creates a future for an operation with the
// given bytes and deadline.
func NewOperationResponseFuture(operationBytes []byte, timeout time.Duration) *OperationResponseFuture {
	return &OperationResponseFuture{
		operationBytes: operationBytes,
		timeout:        timeout,
		responseCh:     make(chan OperationResponse, 1),
	}
}

// Await blocks until the operation completes or the future's timeout elapses.
func (f *OperationResponseFuture) Await() OperationResponse {
	if f.timeout <= 0 {
		return <-f.responseCh
	}
	select {
	case response := <-f.responseCh:
		return response
	case <-time.After(f.timeout):
		return OperationResponse{Err: TimeoutError{}}
	}
}

// lease tracks how long a leader may trust its own authority without
// reconfirming it against a quorum. It is only ever read or written while
// the owning Raft instance's mutex is held, so it needs no locking of its own.
type lease struct {
	duration   time.Duration
	expiration time.Time
}

func newLease(duration time.Duration) *lease {
	return &lease{duration: duration}
}

func (l *lease) renew() {
	l.expiration = time.Now().Add(l.duration)
}

func (l *lease) isValid() bool {
	return time.Now().Before(l.expiration)
}

// remaining reports how long the lease has left, or zero if it has already
// expired.
func (l *lease) remaining() time.Duration {
	remaining := time.Until(l.expiration)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// operationManager tracks in-flight replicated and read-only operations
// for the current leadership term. It is discarded and replaced whenever a
// node becomes leader or steps down, so that operations submitted under a
// stale leadership never get confused with operations submitted under the
// current one.
type operationManager struct {
	// pendingReplicated maps the log index an operation was appended at
	// to the channel its result should be delivered on.
	pendingReplicated map[uint64]chan OperationResponse

	// pendingReadOnly holds read-only operations waiting for the state
	// machine to catch up and, for linearizable reads, for quorum
	// reconfirmation.
	pendingReadOnly map[*Operation]bool

	// round counts how many quorum-confirmed heartbeat rounds have
	// completed during this leadership term.
	round int

	// shouldVerifyQuorum is true when the next linearizable read needs to
	// trigger a fresh round of AppendEntries to reconfirm leadership,
	// false if a round is already in flight.
	shouldVerifyQuorum bool

	leaderLease *lease
}

func newOperationManager(leaseDuration time.Duration) *operationManager {
	return &operationManager{
		pendingReplicated:  make(map[uint64]chan OperationResponse),
		pendingReadOnly:    make(map[*Operation]bool),
		shouldVerifyQuorum: true,
		leaderLease:        newLease(leaseDuration),
	}
}

// submitReadOnly registers a read-only operation, recording which quorum
// round it will need before it is eligible to apply.
func (m *operationManager) submitReadOnly(operation *Operation) {
	operation.verifyRound = m.round + 1
	m.pendingReadOnly[operation] = true
}

// degradeToLinearizable promotes a read-only operation whose leader lease
// has expired into a full linearizable read, re-queuing it to wait for the
// next quorum-confirmed round instead of failing it outright.
func (m *operationManager) degradeToLinearizable(operation *Operation) {
	operation.OperationType = LinearizableReadOnly
	m.submitReadOnly(operation)
}

// appliableReadOnlyOperations returns, and removes from tracking, every
// pending read-only operation whose read index has been applied and whose
// consistency requirement has been satisfied.
func (m *operationManager) appliableReadOnlyOperations(lastApplied uint64) []*Operation {
	var ready []*Operation
	for operation := range m.pendingReadOnly {
		if operation.readIndex > lastApplied {
			continue
		}
		if operation.OperationType == LinearizableReadOnly && m.round < operation.verifyRound {
			continue
		}
		ready = append(ready, operation)
		delete(m.pendingReadOnly, operation)
	}
	return ready
}

// markAsVerified records that a quorum of peers has just confirmed this
// node's leadership, unblocking any linearizable reads waiting on it.
func (m *operationManager) markAsVerified() {
	m.round++
}

// notifyLostLeadership fails every pending operation with a NotLeaderError
// pointing at the new leader, if known.
func (m *operationManager) notifyLostLeadership(serverID string, knownLeader string) {
	m.failAll(NotLeaderError{ServerID: serverID, KnownLeader: knownLeader})
}

// notifyShutdown fails every pending operation with a ShutdownError, used
// when the owning Raft instance is stopped while operations are in flight.
func (m *operationManager) notifyShutdown(serverID string) {
	m.failAll(ShutdownError{ServerID: serverID})
}

func (m *operationManager) failAll(err error) {
	for index, ch := range m.pendingReplicated {
		sendOperationResponseWithoutBlocking(ch, OperationResponse{Err: err})
		delete(m.pendingReplicated, index)
	}
	for operation := range m.pendingReadOnly {
		sendOperationResponseWithoutBlocking(operation.responseCh, OperationResponse{Err: err})
		delete(m.pendingReadOnly, operation)
	}
}

func sendOperationResponseWithoutBlocking(ch chan OperationResponse, response OperationResponse) {
	if ch == nil {
		return
	}
	select {
	case ch <- response:
	default:
	}
}
