package raft

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/raftcache/raftcache/internal/logger"
	"github.com/raftcache/raftcache/internal/util"
)

const snapshotChunkSize = 32 * 1024

// State represents the current state of a raft node.
// A raft node is either shutdown, the leader, or a follower.
type State uint32

const (
	// Leader is a state indicating that the raft node is responsible for
	// replicating and committing log entries. Typically, only one raft
	// node in a cluster is the leader, though during partitions or other
	// failures it is possible for there to be more than one.
	Leader State = iota

	// Follower is a state indicating that a raft node is responsible for
	// accepting log entries replicated by the leader. A node in the
	// follower state may not accept operations for replication.
	Follower

	// Shutdown is a state indicating that the raft node is currently offline.
	Shutdown
)

// String converts a State into a string.
func (s State) String() string {
	switch s {
	case Leader:
		return "leader"
	case Follower:
		return "follower"
	case Shutdown:
		return "shutdown"
	default:
		panic("invalid state")
	}
}

// Status is the status of a raft node.
type Status struct {
	ID          string
	Address     string
	Term        uint64
	CommitIndex uint64
	LastApplied uint64
	State       State
}

// peer contains all state the leader maintains about a single other node
// in the cluster.
type peer struct {
	address string

	// The next log index that should be sent to this node.
	nextIndex uint64

	// The highest log index known to be replicated on this node.
	matchIndex uint64

	// The snapshot file being streamed to this node, if any.
	snapshot SnapshotFile
}

// Raft implements the raft consensus protocol.
type Raft struct {
	id string

	// The ID that this raft node believes is the leader. Used to redirect clients.
	leaderId string

	options options

	transport Transport

	// Maps ID to the state of the other nodes in the cluster. Maintained by the leader.
	peers map[string]*peer

	operationManager *operationManager

	log             Log
	stateStorage    StateStorage
	snapshotStorage SnapshotStorage

	// A writer for a snapshot file if one is currently being installed by a follower.
	snapshot SnapshotFile

	fsm StateMachine

	// Notifies the apply loop that the commit index has advanced.
	applyCond *sync.Cond

	// Notifies the commit loop that new log entries may be ready to commit.
	commitCond *sync.Cond

	// Notifies the read-only loop that read-only operations may be applicable.
	readOnlyCond *sync.Cond

	state State

	commitIndex uint64
	lastApplied uint64

	// The current term of this raft node. Must be persisted.
	currentTerm uint64

	lastIncludedIndex uint64
	lastIncludedTerm  uint64

	// ID of the candidate that this raft node voted for. Must be persisted.
	votedFor string

	// The index of the no-op entry appended when this node became leader,
	// and whether it has since been committed. Reads may not be served
	// under this leadership term until it has: until then, there is no
	// guarantee this node's view of the committed log is up to date.
	noOpIndex     uint64
	noOpCommitted bool

	lastContact time.Time

	wg sync.WaitGroup
	mu sync.Mutex
}

// NewRaft creates a new instance of Raft with the provided ID and
// configuration options. The cluster must contain the IDs and addresses of
// every node in the cluster, including this one. dataPath is the top level
// directory where state for this node will be persisted.
func NewRaft(
	id string,
	cluster map[string]string,
	fsm StateMachine,
	dataPath string,
	opts ...Option,
) (*Raft, error) {
	var options options
	for _, opt := range opts {
		if err := opt(&options); err != nil {
			return nil, err
		}
	}

	raft := &Raft{id: id, state: Shutdown, fsm: fsm}

	if options.logger == nil {
		defaultLogger, err := logger.NewLogger()
		if err != nil {
			return nil, err
		}
		options.logger = defaultLogger
	}
	if options.heartbeatInterval == 0 {
		options.heartbeatInterval = defaultHeartbeat
	}
	if options.electionTimeout == 0 {
		options.electionTimeout = defaultElectionTimeout
	}
	if options.leaseDuration == 0 {
		options.leaseDuration = defaultLeaseDuration
	}
	if options.requestTimeout == 0 {
		options.requestTimeout = defaultRequestTimeout
	}
	if options.maxEntriesPerRPC == 0 {
		options.maxEntriesPerRPC = defaultMaxEntriesPerRPC
	}
	if options.log == nil {
		raft.log = NewLog(dataPath)
	} else {
		raft.log = options.log
	}
	if options.stateStorage == nil {
		raft.stateStorage = NewStateStorage(dataPath)
	} else {
		raft.stateStorage = options.stateStorage
	}
	if options.snapshotStorage == nil {
		raft.snapshotStorage = NewSnapshotStorage(dataPath)
	} else {
		raft.snapshotStorage = options.snapshotStorage
	}
	if options.transport == nil {
		address := cluster[id]
		transport, err := NewTransport(address)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport instance: address = %s", address)
		}
		raft.transport = transport
	} else {
		raft.transport = options.transport
	}

	raft.peers = make(map[string]*peer, len(cluster))
	for peerID, address := range cluster {
		raft.peers[peerID] = &peer{address: address}
	}
	raft.options = options
	raft.operationManager = newOperationManager(options.leaseDuration)
	raft.applyCond = sync.NewCond(&raft.mu)
	raft.commitCond = sync.NewCond(&raft.mu)
	raft.readOnlyCond = sync.NewCond(&raft.mu)

	return raft, nil
}

// Start starts the raft consensus protocol if it is not already started.
func (r *Raft) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Shutdown {
		return
	}

	r.transport.RegisterAppendEntriesHandler(r.AppendEntries)
	r.transport.RegisterRequestVoteHandler(r.RequestVote)
	r.transport.RegisterInstallSnapshotHandler(r.InstallSnapshot)

	if err := r.stateStorage.Open(); err != nil {
		r.options.logger.Fatalf("failed to open state storage: error = %v", err)
	}
	if err := r.stateStorage.Replay(); err != nil {
		r.options.logger.Fatalf("failed to recover state: error = %v", err)
	}
	currentTerm, votedFor, err := r.stateStorage.State()
	if err != nil {
		r.options.logger.Fatalf("failed to recover state: error = %v", err)
	}
	r.currentTerm = currentTerm
	r.votedFor = votedFor

	if err := r.log.Open(); err != nil {
		r.options.logger.Fatalf("failed to open log: error = %v", err)
	}
	if err := r.log.Replay(); err != nil {
		r.options.logger.Fatalf("failed to replay log: error = %v", err)
	}

	if err := r.snapshotStorage.Open(); err != nil {
		r.options.logger.Fatalf("failed to open snapshot storage: error = %v", err)
	}
	if err := r.snapshotStorage.Replay(); err != nil {
		r.options.logger.Fatalf("failed to replay snapshot storage: error = %v", err)
	}

	file, err := r.snapshotStorage.SnapshotFile()
	if err != nil {
		r.options.logger.Fatalf("failed to get snapshot file: error = %v", err)
	}
	if file != nil {
		metadata := file.Metadata()
		r.lastIncludedIndex = metadata.LastIncludedIndex
		r.lastIncludedTerm = metadata.LastIncludedTerm
		r.commitIndex = util.Max(r.commitIndex, metadata.LastIncludedIndex)
		r.lastApplied = metadata.LastIncludedIndex
		if err := r.fsm.Restore(file); err != nil {
			r.options.logger.Fatalf("failed to restore state machine with snapshot: error = %v", err)
		}
		if err := file.Close(); err != nil {
			r.options.logger.Errorf("failed to close snapshot file: error = %v", err)
		}
	}

	for id, peer := range r.peers {
		if id == r.id {
			continue
		}
		if err := r.transport.Connect(peer.address); err != nil {
			r.options.logger.Errorf("failed to connect to node: error = %v", err)
		}
	}

	r.lastContact = time.Now()
	r.state = Follower
	r.updateMetricsLocked()

	r.wg.Add(5)
	go r.readOnlyLoop()
	go r.applyLoop()
	go r.electionLoop()
	go r.heartbeatLoop()
	go r.commitLoop()

	if err := r.transport.Run(); err != nil {
		r.options.logger.Fatalf("failed to start transport: error = %v", err)
	}

	r.options.logger.Infof(
		"node started: electionTimeout = %v, heartbeatInterval = %v, leaseDuration = %v",
		r.options.electionTimeout,
		r.options.heartbeatInterval,
		r.options.leaseDuration,
	)
}

// Stop stops the raft consensus protocol if it is not already stopped.
func (r *Raft) Stop() {
	r.mu.Lock()

	if r.state == Shutdown {
		r.mu.Unlock()
		return
	}

	r.state = Shutdown
	r.operationManager.notifyShutdown(r.id)
	r.applyCond.Broadcast()
	r.commitCond.Broadcast()
	r.readOnlyCond.Broadcast()

	r.mu.Unlock()
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, peer := range r.peers {
		if id == r.id {
			continue
		}
		if err := r.transport.Close(peer.address); err != nil {
			r.options.logger.Errorf("failed to close connection to node: error = %v", err)
		}
	}
	r.transport.Shutdown()

	if err := r.log.Close(); err != nil {
		r.options.logger.Errorf("failed to close log: %v", err)
	}
	if err := r.stateStorage.Close(); err != nil {
		r.options.logger.Errorf("failed to close state storage: %v", err)
	}
	if err := r.snapshotStorage.Close(); err != nil {
		r.options.logger.Errorf("failed to close snapshot storage: %v", err)
	}

	r.resetSnapshotFiles()

	r.options.logger.Info("node stopped")
}

// SubmitOperation accepts an operation from a client for replication, or
// for application as a read-only operation, and returns a future for its
// response. Submitting an operation does not guarantee it will ever be
// applied: the future may resolve with an error if leadership changes or
// the deadline elapses first.
func (r *Raft) SubmitOperation(
	operation []byte,
	operationType OperationType,
	timeout time.Duration,
) *OperationResponseFuture {
	if timeout <= 0 {
		timeout = r.options.requestTimeout
	}
	switch operationType {
	case Replicated:
		return r.submitReplicatedOperation(operation, timeout)
	case LeaseBasedReadOnly, LinearizableReadOnly:
		return r.submitReadOnlyOperation(operation, operationType, timeout)
	default:
		future := NewOperationResponseFuture(operation, timeout)
		future.responseCh <- OperationResponse{Err: InvalidOperationTypeError{OperationType: operationType}}
		return future
	}
}

// Status returns a snapshot of this node's current term, commit index,
// last applied index, and role.
func (r *Raft) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Status{
		ID:          r.id,
		Address:     r.transport.Address(),
		Term:        r.currentTerm,
		CommitIndex: r.commitIndex,
		LastApplied: r.lastApplied,
		State:       r.state,
	}
}

// RequestVote handles vote requests from other nodes during elections.
func (r *Raft) RequestVote(request *RequestVoteRequest, response *RequestVoteResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Shutdown {
		return fmt.Errorf("could not execute RequestVote RPC: %s is shutdown", r.id)
	}

	r.options.logger.Debugf(
		"RequestVote RPC received: candidateID = %s, term = %d, lastLogIndex = %d, lastLogTerm = %d",
		request.CandidateID, request.Term, request.LastLogIndex, request.LastLogTerm,
	)

	response.Term = r.currentTerm
	response.VoteGranted = false

	if request.Term < r.currentTerm {
		return nil
	}

	if request.Term > r.currentTerm {
		r.becomeFollower(request.CandidateID, request.Term)
		response.Term = r.currentTerm
	}

	if r.votedFor != "" && r.votedFor != request.CandidateID {
		return nil
	}

	// To determine which log is more up-to-date:
	// 1. If the logs have last entries with different terms, the log with
	//    the greater term is more up-to-date.
	// 2. If the logs end with the same term, the longer log is more up-to-date.
	if request.LastLogTerm < r.log.LastTerm() ||
		(request.LastLogTerm == r.log.LastTerm() && r.log.LastIndex() > request.LastLogIndex) {
		return nil
	}

	r.lastContact = time.Now()
	response.VoteGranted = true
	r.votedFor = request.CandidateID
	r.persistTermAndVote()

	r.options.logger.Infof("RequestVote RPC successful: votedFor = %s, term = %d", request.CandidateID, r.currentTerm)

	return nil
}

// AppendEntries handles log replication requests, and heartbeats, from the leader.
func (r *Raft) AppendEntries(request *AppendEntriesRequest, response *AppendEntriesResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Shutdown {
		return fmt.Errorf("could not execute AppendEntries RPC: %s is shutdown", r.id)
	}

	response.Term = r.currentTerm
	response.Success = false

	if request.Term < r.currentTerm {
		return nil
	}

	// Update the time of last contact even if the request is ultimately rejected
	// due to a non-matching previous log entry.
	r.lastContact = time.Now()
	r.leaderId = request.LeaderID

	if request.Term > r.currentTerm {
		r.becomeFollower(request.LeaderID, request.Term)
		response.Term = r.currentTerm
	}

	if r.lastIncludedIndex > request.PrevLogIndex {
		response.Index = r.lastIncludedIndex + 1
		return nil
	}

	if r.log.NextIndex() <= request.PrevLogIndex {
		response.Index = r.log.NextIndex()
		return nil
	}

	if r.lastIncludedIndex == request.PrevLogIndex && r.lastIncludedTerm != request.PrevLogTerm {
		response.Index = r.lastIncludedIndex
		return nil
	}

	if r.lastIncludedIndex < request.PrevLogIndex {
		prevLogEntry, err := r.log.GetEntry(request.PrevLogIndex)
		if err != nil {
			r.options.logger.Fatalf("failed to get entry from log: error = %v", err)
		}

		if prevLogEntry.Term != request.PrevLogTerm {
			// Find the first index of the conflicting term so the leader
			// can skip the whole term in one round trip instead of
			// backing off one entry at a time.
			index := request.PrevLogIndex - 1
			for ; index > r.lastIncludedIndex; index-- {
				entry, err := r.log.GetEntry(index)
				if err != nil {
					r.options.logger.Fatalf("failed to get entry from log: error = %v", err)
				}
				if entry.Term != prevLogEntry.Term {
					break
				}
			}
			response.Index = index + 1
			return nil
		}
	}

	response.Success = true

	var toAppend []*LogEntry
	for i, entry := range request.Entries {
		if r.log.LastIndex() < entry.Index {
			toAppend = request.Entries[i:]
			break
		}

		existing, err := r.log.GetEntry(entry.Index)
		if err != nil {
			r.options.logger.Fatalf("failed to get entry from log: error = %v", err)
		}
		if !existing.IsConflict(entry) {
			continue
		}

		r.options.logger.Warnf("truncating log: index = %d", entry.Index)
		if err := r.log.Truncate(entry.Index); err != nil {
			r.options.logger.Fatalf("failed to truncate log: %v", err)
		}

		toAppend = request.Entries[i:]
		break
	}

	if err := r.log.AppendEntries(toAppend); err != nil {
		r.options.logger.Fatalf("failed to append entries to log: %v", err)
	}

	if request.LeaderCommit > r.commitIndex {
		r.commitIndex = util.Min(request.LeaderCommit, r.log.LastIndex())
		r.applyCond.Broadcast()
	}

	return nil
}

// InstallSnapshot handles snapshot installation requests from the leader.
func (r *Raft) InstallSnapshot(
	request *InstallSnapshotRequest,
	response *InstallSnapshotResponse,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Shutdown {
		return fmt.Errorf("could not execute InstallSnapshot RPC: %s is shutdown", r.id)
	}

	response.Term = r.currentTerm

	if r.currentTerm > request.Term {
		return nil
	}

	if r.currentTerm < request.Term {
		r.becomeFollower(request.LeaderID, request.Term)
		response.Term = request.Term
	}

	r.lastContact = time.Now()

	if r.lastIncludedIndex >= request.LastIncludedIndex || r.lastApplied >= request.LastIncludedIndex {
		return nil
	}

	if r.snapshot != nil {
		metadata := r.snapshot.Metadata()
		if metadata.LastIncludedIndex < request.LastIncludedIndex {
			if err := r.snapshot.Discard(); err != nil {
				r.options.logger.Fatalf("failed to discard snapshot: error = %v", err)
			}
			r.snapshot = nil
		}
	}

	if r.snapshot == nil {
		snapshot, err := r.snapshotStorage.NewSnapshotFile(request.LastIncludedIndex, request.LastIncludedTerm)
		if err != nil {
			r.options.logger.Fatalf("failed to create snapshot file: error = %v", err)
		}
		r.snapshot = snapshot
	}

	offset, err := r.snapshot.Seek(0, io.SeekCurrent)
	response.BytesWritten = offset
	if err != nil {
		r.options.logger.Fatalf("failed to seek snapshot file: error = %v", err)
	}
	if request.Offset != offset {
		return nil
	}

	reader := bytes.NewReader(request.Bytes)
	n, err := io.Copy(r.snapshot, reader)
	if err != nil {
		r.options.logger.Fatalf("failed to write snapshot file: error = %v", err)
	}
	response.BytesWritten += n

	if !request.Done {
		return nil
	}

	if err := r.snapshot.Close(); err != nil {
		r.options.logger.Fatalf("failed to close snapshot file: error = %v", err)
	}

	r.snapshot = nil
	r.lastIncludedIndex = request.LastIncludedIndex
	r.lastIncludedTerm = request.LastIncludedTerm

	if entry, _ := r.log.GetEntry(request.LastIncludedIndex); entry != nil && entry.Term == request.LastIncludedTerm {
		for r.lastApplied < request.LastIncludedIndex {
			r.applyCond.Wait()
		}
		if r.lastIncludedIndex > request.LastIncludedIndex {
			return nil
		}
		if err := r.log.Compact(request.LastIncludedIndex); err != nil {
			r.options.logger.Fatalf("failed to compact log: error = %v", err)
		}
		return nil
	}

	snapshot, err := r.snapshotStorage.SnapshotFile()
	if err != nil {
		r.options.logger.Fatalf("failed to get snapshot file: error = %v", err)
	}
	r.mu.Unlock()
	if err := r.fsm.Restore(snapshot); err != nil {
		r.options.logger.Fatalf("failed to restore state machine with snapshot: error = %v", err)
	}
	if err := snapshot.Close(); err != nil {
		r.options.logger.Fatalf("failed to close snapshot file: error = %v", err)
	}
	r.mu.Lock()
	if err := r.log.DiscardEntries(request.LastIncludedIndex, request.LastIncludedTerm); err != nil {
		r.options.logger.Fatalf("failed to discard log entries: error = %v", err)
	}
	r.lastApplied = request.LastIncludedIndex
	r.commitIndex = request.LastIncludedIndex

	r.options.logger.Infof(
		"snapshot installation completed: lastIndex = %d, lastTerm = %d",
		request.LastIncludedIndex, request.LastIncludedTerm,
	)

	return nil
}

func (r *Raft) submitReplicatedOperation(operationBytes []byte, timeout time.Duration) *OperationResponseFuture {
	r.mu.Lock()
	defer r.mu.Unlock()

	future := NewOperationResponseFuture(operationBytes, timeout)

	if r.state != Leader {
		future.responseCh <- OperationResponse{Err: NotLeaderError{ServerID: r.id, KnownLeader: r.leaderId}}
		return future
	}

	entry := NewLogEntry(r.log.NextIndex(), r.currentTerm, operationBytes, OperationEntry)
	if err := r.log.AppendEntry(entry); err != nil {
		r.options.logger.Fatalf("failed to append entry to log: error = %v", err)
	}

	r.operationManager.pendingReplicated[entry.Index] = future.responseCh

	r.sendAppendEntriesToPeers()

	r.options.logger.Debugf("operation submitted: logIndex = %d, logTerm = %d, type = %s", entry.Index, entry.Term, Replicated)

	return future
}

func (r *Raft) submitReadOnlyOperation(
	operationBytes []byte,
	readOnlyType OperationType,
	timeout time.Duration,
) *OperationResponseFuture {
	r.mu.Lock()
	defer r.mu.Unlock()

	future := NewOperationResponseFuture(operationBytes, timeout)

	if r.state != Leader {
		future.responseCh <- OperationResponse{Err: NotLeaderError{ServerID: r.id, KnownLeader: r.leaderId}}
		return future
	}

	// It is not safe to serve any read before this leadership term's
	// no-op entry has committed: until then, this node cannot be certain
	// that it has observed every operation committed by a prior leader.
	if !r.noOpCommitted {
		future.responseCh <- OperationResponse{Err: NotLeaderError{ServerID: r.id, KnownLeader: r.leaderId}}
		return future
	}

	operation := &Operation{
		Bytes:         operationBytes,
		OperationType: readOnlyType,
		readIndex:     r.commitIndex,
		responseCh:    future.responseCh,
	}
	r.operationManager.submitReadOnly(operation)

	if readOnlyType == LeaseBasedReadOnly && operation.readIndex <= r.lastApplied {
		r.readOnlyCond.Broadcast()
	}
	if readOnlyType == LinearizableReadOnly && r.operationManager.shouldVerifyQuorum {
		r.sendAppendEntriesToPeers()
		r.operationManager.shouldVerifyQuorum = false
	}

	r.options.logger.Debugf("operation submitted: readIndex = %d, type = %s", operation.readIndex, operation.OperationType)

	return future
}

func (r *Raft) sendAppendEntriesToPeers() {
	numResponses := 1
	for id := range r.peers {
		go r.sendAppendEntries(id, &numResponses)
	}
}

func (r *Raft) sendAppendEntries(id string, numResponses *int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Leader {
		return
	}

	if id == r.id {
		if len(r.peers) == 1 {
			if r.log.LastIndex() > r.commitIndex {
				r.commitCond.Broadcast()
			}
			r.tryApplyReadOnlyOperations()
		}
		return
	}

	peer := r.peers[id]

	if peer.nextIndex <= r.lastIncludedIndex {
		r.sendInstallSnapshot(id)
		return
	}

	nextIndex := peer.nextIndex
	prevLogIndex := util.Max(nextIndex-1, r.lastIncludedIndex)
	prevLogTerm := r.lastIncludedTerm

	if prevLogIndex > r.lastIncludedIndex && prevLogIndex < r.log.NextIndex() {
		prevEntry, err := r.log.GetEntry(prevLogIndex)
		if err != nil {
			r.options.logger.Fatalf("failed getting entry from log: error = %v", err)
		}
		prevLogTerm = prevEntry.Term
	}

	lastIndex := util.Min(r.log.NextIndex(), nextIndex+uint64(r.options.maxEntriesPerRPC))
	entries := make([]*LogEntry, 0, lastIndex-nextIndex)
	for index := nextIndex; index < lastIndex; index++ {
		if index <= r.lastIncludedIndex {
			break
		}
		entry, err := r.log.GetEntry(index)
		if err != nil {
			r.options.logger.Fatalf("failed getting entry from log: error = %v", err)
		}
		entries = append(entries, entry)
	}

	request := AppendEntriesRequest{
		Term:         r.currentTerm,
		LeaderID:     r.id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: r.commitIndex,
	}

	r.mu.Unlock()
	response, err := r.transport.SendAppendEntries(peer.address, request)
	r.mu.Lock()

	if err != nil || r.state != Leader {
		return
	}

	if response.Term > r.currentTerm {
		r.becomeFollower(id, response.Term)
		return
	}

	// Renew the lease once a majority of peers have responded in this round.
	if numResponses != nil {
		*numResponses++
		if r.hasQuorum(*numResponses) && !r.hasQuorum(*numResponses-1) {
			r.tryApplyReadOnlyOperations()
			numResponses = nil
		}
	}

	if !response.Success {
		// Aggressive backoff: rather than retrying one index at a time, or
		// trusting the follower's conflict index outright, halve the
		// distance to the start of the log on every rejection
		// (nextIndex <- max(1, nextIndex - ceil((nextIndex-1)/2))). This
		// bounds the number of round trips needed to find the matching
		// point to O(log n) instead of O(n) when a follower has fallen far
		// behind or its reported conflict index is itself stale.
		halved := peer.nextIndex - peer.nextIndex/2
		peer.nextIndex = util.Max(uint64(1), halved)
		if peer.nextIndex <= r.lastIncludedIndex {
			r.sendInstallSnapshot(id)
		}
		return
	}

	if request.PrevLogIndex+uint64(len(entries)) > peer.matchIndex {
		peer.nextIndex = util.Max(peer.nextIndex, request.PrevLogIndex+uint64(len(entries))+1)
		peer.matchIndex = request.PrevLogIndex + uint64(len(entries))
		if peer.matchIndex > r.commitIndex {
			r.commitCond.Broadcast()
		}
	}
}

func (r *Raft) sendRequestVoteToPeers(votes *int) {
	for id := range r.peers {
		go r.sendRequestVote(id, votes)
	}
}

func (r *Raft) sendRequestVote(id string, votes *int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == r.id {
		*votes++
		if r.hasQuorum(*votes) {
			r.becomeLeader()
		}
		return
	}

	peer := r.peers[id]

	request := RequestVoteRequest{
		CandidateID:  r.id,
		Term:         r.currentTerm,
		LastLogIndex: r.log.LastIndex(),
		LastLogTerm:  r.log.LastTerm(),
	}

	r.mu.Unlock()
	response, err := r.transport.SendRequestVote(peer.address, request)
	r.mu.Lock()

	if err != nil || r.currentTerm != request.Term {
		return
	}

	if response.VoteGranted {
		*votes++
	}

	if response.Term > r.currentTerm {
		r.becomeFollower(id, response.Term)
		return
	}

	if r.hasQuorum(*votes) && r.state == Follower {
		r.becomeLeader()
	}
}

func (r *Raft) takeSnapshot() {
	if r.lastApplied <= r.lastIncludedIndex {
		return
	}

	lastAppliedEntry, err := r.log.GetEntry(r.lastApplied)
	if err != nil {
		r.options.logger.Fatalf("failed to get entry from log: error = %v", err)
	}

	r.options.logger.Infof("starting to take snapshot: lastIndex = %d, lastTerm = %d", lastAppliedEntry.Index, lastAppliedEntry.Term)

	snapshot, err := r.snapshotStorage.NewSnapshotFile(lastAppliedEntry.Index, lastAppliedEntry.Term)
	if err != nil {
		r.options.logger.Fatalf("failed to create snapshot file: error = %v", err)
	}

	r.mu.Unlock()
	if err := r.fsm.Snapshot(snapshot); err != nil {
		r.options.logger.Fatalf("failed to take snapshot of state machine: error = %v", err)
	}
	if err := snapshot.Close(); err != nil {
		r.options.logger.Fatalf("failed to close snapshot file: error = %v", err)
	}
	r.mu.Lock()

	if lastAppliedEntry.Index <= r.lastIncludedIndex {
		return
	}

	r.lastIncludedIndex = lastAppliedEntry.Index
	r.lastIncludedTerm = lastAppliedEntry.Term
	if err := r.log.Compact(r.lastIncludedIndex); err != nil {
		r.options.logger.Fatalf("failed to compact log: error = %v", err)
	}
	r.resetSnapshotFiles()

	if r.options.metrics != nil {
		r.options.metrics.SnapshotTotal.Inc()
	}

	r.options.logger.Infof("snapshot taken successfully: lastIndex = %d, lastTerm = %d", r.lastIncludedIndex, r.lastIncludedTerm)
}

func (r *Raft) sendInstallSnapshot(id string) {
	if r.state != Leader || r.lastIncludedIndex == 0 {
		return
	}

	peer := r.peers[id]

	if peer.snapshot == nil {
		snapshot, err := r.snapshotStorage.SnapshotFile()
		if err != nil {
			r.options.logger.Fatalf("failed to get snapshot file: error = %v", err)
		}
		if snapshot == nil {
			return
		}
		peer.snapshot = snapshot
	}

	metadata := peer.snapshot.Metadata()
	offset, err := peer.snapshot.Seek(0, io.SeekCurrent)
	if err != nil {
		r.options.logger.Fatalf("failed to seek snapshot file: error = %v", err)
	}

	request := InstallSnapshotRequest{
		LeaderID:          r.id,
		Term:              r.currentTerm,
		LastIncludedIndex: metadata.LastIncludedIndex,
		LastIncludedTerm:  metadata.LastIncludedTerm,
		Offset:            offset,
	}

	var buf bytes.Buffer
	n, err := io.CopyN(&buf, peer.snapshot, snapshotChunkSize)
	if err != nil && err != io.EOF {
		r.options.logger.Fatalf("failed to read snapshot file: error = %v", err)
	}
	request.Bytes = buf.Bytes()
	request.Done = n < snapshotChunkSize

	r.mu.Unlock()
	response, err := r.transport.SendInstallSnapshot(peer.address, request)
	r.mu.Lock()

	if peer.snapshot == nil || err != nil {
		return
	}

	if response.Term > r.currentTerm {
		r.becomeFollower(id, response.Term)
		return
	}

	if response.BytesWritten != offset+n {
		if _, err := peer.snapshot.Seek(response.BytesWritten, io.SeekStart); err != nil {
			r.options.logger.Fatalf("failed to seek snapshot file: error = %v", err)
		}
		return
	}

	if !request.Done {
		return
	}

	if err := peer.snapshot.Close(); err != nil {
		r.options.logger.Fatalf("failed to close snapshot file: error = %v", err)
	}
	peer.snapshot = nil
	peer.matchIndex = request.LastIncludedIndex
	peer.nextIndex = request.LastIncludedIndex + 1
}

func (r *Raft) heartbeatLoop() {
	defer r.wg.Done()

	for {
		time.Sleep(r.options.heartbeatInterval)

		r.mu.Lock()
		if r.state == Shutdown {
			r.mu.Unlock()
			return
		}
		if r.state == Follower {
			r.mu.Unlock()
			continue
		}
		r.sendAppendEntriesToPeers()
		r.mu.Unlock()
	}
}

func (r *Raft) electionLoop() {
	defer r.wg.Done()

	for {
		// A random timeout between the election timeout and twice the
		// election timeout is chosen so that multiple servers don't
		// become candidates at the same time.
		timeout := util.RandomTimeout(r.options.electionTimeout, 2*r.options.electionTimeout)
		time.Sleep(timeout)

		r.mu.Lock()
		if r.state == Shutdown {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		r.election()
	}
}

func (r *Raft) election() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Follower || time.Since(r.lastContact) < r.options.electionTimeout {
		return
	}

	var votesReceived int
	r.becomeCandidate()
	r.sendRequestVoteToPeers(&votesReceived)
}

func (r *Raft) commitLoop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.wg.Done()

	for r.state != Shutdown {
		r.commitCond.Wait()

		if r.state != Leader {
			continue
		}

		committed := false

		for index := r.commitIndex + 1; index <= r.log.LastIndex(); index++ {
			// It is not safe for the leader to commit an entry from a
			// different term: such an entry could be agreed upon by a
			// majority yet still be overwritten by a future leader.
			entry, err := r.log.GetEntry(index)
			if err != nil {
				r.options.logger.Fatalf("failed to get entry from log: error = %v", err)
			}
			if entry.Term != r.currentTerm {
				continue
			}

			matches := 1
			for id, peer := range r.peers {
				if id == r.id {
					continue
				}
				if peer.matchIndex >= index {
					matches++
				}
			}

			if r.hasQuorum(matches) {
				r.commitIndex = index
				committed = true
				if index == r.noOpIndex {
					r.noOpCommitted = true
				}
			}
		}

		if committed {
			r.applyCond.Broadcast()
			r.sendAppendEntriesToPeers()
			r.updateMetricsLocked()
		}
	}
}

func (r *Raft) applyLoop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.wg.Done()

	for r.state != Shutdown {
		r.applyCond.Wait()

		for r.lastApplied < r.commitIndex {
			entry, err := r.log.GetEntry(r.lastApplied + 1)
			if err != nil {
				r.options.logger.Fatalf("failed to get entry from log: error = %v", err)
			}

			if entry.EntryType == NoOpEntry {
				r.lastApplied++
				continue
			}

			responseCh, ok := r.operationManager.pendingReplicated[entry.Index]
			if ok {
				delete(r.operationManager.pendingReplicated, entry.Index)
			}

			operation := Operation{
				LogIndex:      entry.Index,
				LogTerm:       entry.Term,
				Bytes:         entry.Data,
				OperationType: Replicated,
				responseCh:    responseCh,
			}
			response := OperationResponse{Operation: operation}

			lastApplied := r.lastApplied

			r.mu.Unlock()
			response.Response = r.fsm.Apply(&operation)
			sendOperationResponseWithoutBlocking(operation.responseCh, response)
			r.mu.Lock()

			if r.lastApplied != lastApplied {
				continue
			}

			r.lastApplied++
			if r.options.metrics != nil {
				r.options.metrics.AppliedTotal.Inc()
				r.options.metrics.LastApplied.Set(float64(r.lastApplied))
			}

			if r.fsm.NeedSnapshot(r.log.Size()) {
				r.takeSnapshot()
			}
		}

		if r.state == Leader {
			r.readOnlyCond.Broadcast()
		}
	}
}

func (r *Raft) readOnlyLoop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.wg.Done()

	for r.state != Shutdown {
		r.readOnlyCond.Wait()

		// Only the leader may apply read-only operations, and only once
		// it has committed at least one entry (its no-op) this term.
		if r.state != Leader || !r.noOpCommitted {
			continue
		}

		appliableOperations := r.operationManager.appliableReadOnlyOperations(r.lastApplied)
		for _, operation := range appliableOperations {
			if operation.OperationType == LeaseBasedReadOnly && !r.operationManager.leaderLease.isValid() {
				// The lease lapsed before this read could be served locally.
				// Rather than failing it, degrade to a linearizable read and
				// wait for the next quorum-confirmed round.
				r.operationManager.degradeToLinearizable(operation)
				if r.operationManager.shouldVerifyQuorum {
					r.sendAppendEntriesToPeers()
					r.operationManager.shouldVerifyQuorum = false
				}
				continue
			}

			response := OperationResponse{Operation: *operation}
			if operation.OperationType == LeaseBasedReadOnly {
				response.LeaseRemainingMs = r.operationManager.leaderLease.remaining().Milliseconds()
			}

			r.mu.Unlock()
			response.Response = r.fsm.Apply(operation)
			sendOperationResponseWithoutBlocking(operation.responseCh, response)
			r.mu.Lock()

			if r.state != Leader {
				break
			}
		}
	}
}

func (r *Raft) becomeCandidate() {
	r.currentTerm++
	r.votedFor = r.id
	r.persistTermAndVote()
	r.options.logger.Infof("entered the candidate state: term = %d", r.currentTerm)
}

func (r *Raft) becomeLeader() {
	r.state = Leader
	r.leaderId = r.id
	r.resetSnapshotFiles()
	for _, peer := range r.peers {
		peer.nextIndex = r.log.LastIndex() + 1
		peer.matchIndex = 0
	}

	r.operationManager = newOperationManager(r.options.leaseDuration)
	r.noOpCommitted = false

	entry := NewLogEntry(r.log.NextIndex(), r.currentTerm, make([]byte, 0), NoOpEntry)
	if err := r.log.AppendEntry(entry); err != nil {
		r.options.logger.Fatalf("failed to append entry to log: error = %v", err)
	}
	r.noOpIndex = entry.Index

	r.sendAppendEntriesToPeers()
	r.updateMetricsLocked()

	r.options.logger.Infof("entered the leader state: term = %d", r.currentTerm)
}

func (r *Raft) becomeFollower(leaderID string, term uint64) {
	r.state = Follower
	r.currentTerm = term
	r.leaderId = leaderID
	r.votedFor = ""
	r.persistTermAndVote()
	r.resetSnapshotFiles()

	r.options.logger.Infof("entered the follower state: term = %d", r.currentTerm)

	r.operationManager.notifyLostLeadership(r.id, r.leaderId)
	r.operationManager = newOperationManager(r.options.leaseDuration)
	r.updateMetricsLocked()
}

func (r *Raft) tryApplyReadOnlyOperations() {
	r.operationManager.markAsVerified()
	// Renewed on quorum ack rather than at the start of the round: a
	// shorter effective lease than the nominal duration, never a longer one.
	r.operationManager.leaderLease.renew()
	r.operationManager.shouldVerifyQuorum = true
	r.readOnlyCond.Broadcast()
}

func (r *Raft) resetSnapshotFiles() {
	for _, peer := range r.peers {
		if peer.snapshot != nil {
			if err := peer.snapshot.Close(); err != nil {
				r.options.logger.Fatalf("failed to close snapshot file: error = %v", err)
			}
			peer.snapshot = nil
		}
	}
	if r.snapshot != nil {
		if err := r.snapshot.Discard(); err != nil {
			r.options.logger.Fatalf("failed to discard snapshot file: error = %v", err)
		}
		r.snapshot = nil
	}
}

func (r *Raft) hasQuorum(count int) bool {
	return count > len(r.peers)/2
}

func (r *Raft) persistTermAndVote() {
	if err := r.stateStorage.SetState(r.currentTerm, r.votedFor); err != nil {
		r.options.logger.Fatalf("failed to persist term and vote: error = %v", err)
	}
	if r.options.metrics != nil {
		r.options.metrics.Term.Set(float64(r.currentTerm))
	}
}

func (r *Raft) updateMetricsLocked() {
	if r.options.metrics == nil {
		return
	}
	r.options.metrics.Term.Set(float64(r.currentTerm))
	r.options.metrics.CommitIndex.Set(float64(r.commitIndex))
	r.options.metrics.LastApplied.Set(float64(r.lastApplied))
	if r.state == Leader {
		r.options.metrics.IsLeader.Set(1)
	} else {
		r.options.metrics.IsLeader.Set(0)
	}
}
