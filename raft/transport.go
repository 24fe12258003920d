package raft

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/raftcache/raftcache/internal/errors"
)

// RequestVoteRequest is sent by a candidate to solicit a vote.
type RequestVoteRequest struct {
	CandidateID  string
	Term         uint64
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteResponse is a peer's reply to a RequestVoteRequest.
type RequestVoteResponse struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesRequest is sent by the leader to replicate log entries and,
// with an empty Entries slice, as a heartbeat.
type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []*LogEntry
	LeaderCommit uint64
}

// AppendEntriesResponse is a follower's reply to an AppendEntriesRequest.
// Index is only meaningful when Success is false: it is the follower's hint
// of where replication could resume. The leader's backoff in
// sendAppendEntries does not read it.
type AppendEntriesResponse struct {
	Term    uint64
	Success bool
	Index   uint64
}

// InstallSnapshotRequest carries a single chunk of a snapshot file.
type InstallSnapshotRequest struct {
	LeaderID          string
	Term              uint64
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Offset            int64
	Bytes             []byte
	Done              bool
}

// InstallSnapshotResponse reports how much of the snapshot the follower
// has durably written so far.
type InstallSnapshotResponse struct {
	Term         uint64
	BytesWritten int64
}

type (
	RequestVoteHandler      func(request *RequestVoteRequest, response *RequestVoteResponse) error
	AppendEntriesHandler    func(request *AppendEntriesRequest, response *AppendEntriesResponse) error
	InstallSnapshotHandler  func(request *InstallSnapshotRequest, response *InstallSnapshotResponse) error
)

// Transport represents the component of Raft responsible for sending and
// receiving RPCs between nodes in a cluster.
type Transport interface {
	// Address returns the network address this transport listens on.
	Address() string

	// Run starts accepting incoming RPCs. It returns an error if the
	// listener cannot be started; otherwise it returns at once and serves
	// in the background.
	Run() error

	// Connect establishes an outbound connection to a peer, used so that
	// the first RPC to a peer does not pay a dial-time latency penalty.
	Connect(address string) error

	// Close tears down the outbound connection to the given peer, if any.
	Close(address string) error

	// Shutdown stops accepting incoming RPCs and closes all connections.
	Shutdown()

	RegisterRequestVoteHandler(handler RequestVoteHandler)
	RegisterAppendEntriesHandler(handler AppendEntriesHandler)
	RegisterInstallSnapshotHandler(handler InstallSnapshotHandler)

	SendRequestVote(address string, request RequestVoteRequest) (RequestVoteResponse, error)
	SendAppendEntries(address string, request AppendEntriesRequest) (AppendEntriesResponse, error)
	SendInstallSnapshot(address string, request InstallSnapshotRequest) (InstallSnapshotResponse, error)
}

const (
	rpcTypeRequestVote     = "RequestVote"
	rpcTypeAppendEntries   = "AppendEntries"
	rpcTypeInstallSnapshot = "InstallSnapshot"

	dialTimeout  = 2 * time.Second
	dialBackoff  = 50 * time.Millisecond
	dialAttempts = 3
)

// rpcEnvelope frames every request sent over the wire: a type tag so the
// receiver knows which handler to dispatch to, and the JSON-encoded
// request itself.
type rpcEnvelope struct {
	Type    string
	Payload json.RawMessage
}

// rpcResult frames every response: the JSON-encoded response payload, or a
// textual error if the handler failed.
type rpcResult struct {
	Payload json.RawMessage
	Err     string
}

// peerConn is a single persistent outbound connection to a peer. Sends are
// serialized through mu since the wire protocol has no request
// correlation: one RPC must complete before the next is written.
type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// tcpTransport is a length-prefixed-JSON-over-TCP implementation of Transport.
type tcpTransport struct {
	address  string
	listener net.Listener

	mu    sync.Mutex
	peers map[string]*peerConn

	requestVoteHandler     RequestVoteHandler
	appendEntriesHandler   AppendEntriesHandler
	installSnapshotHandler InstallSnapshotHandler

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewTransport creates a Transport that listens on the provided address.
func NewTransport(address string) (Transport, error) {
	return &tcpTransport{
		address:    address,
		peers:      make(map[string]*peerConn),
		shutdownCh: make(chan struct{}),
	}, nil
}

func (t *tcpTransport) Address() string {
	return t.address
}

func (t *tcpTransport) RegisterRequestVoteHandler(handler RequestVoteHandler) {
	t.requestVoteHandler = handler
}

func (t *tcpTransport) RegisterAppendEntriesHandler(handler AppendEntriesHandler) {
	t.appendEntriesHandler = handler
}

func (t *tcpTransport) RegisterInstallSnapshotHandler(handler InstallSnapshotHandler) {
	t.installSnapshotHandler = handler
}

func (t *tcpTransport) Run() error {
	listener, err := net.Listen("tcp", t.address)
	if err != nil {
		return errors.WrapError(err, "failed to listen on %s", t.address)
	}
	t.listener = listener

	t.wg.Add(1)
	go t.acceptLoop()

	return nil
}

func (t *tcpTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.shutdownCh:
				return
			default:
				continue
			}
		}
		t.wg.Add(1)
		go t.serveConn(conn)
	}
}

func (t *tcpTransport) serveConn(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	for {
		var envelope rpcEnvelope
		if err := readFramed(conn, &envelope); err != nil {
			return
		}

		result := t.dispatch(envelope)
		if err := writeFramed(conn, result); err != nil {
			return
		}
	}
}

func (t *tcpTransport) dispatch(envelope rpcEnvelope) rpcResult {
	switch envelope.Type {
	case rpcTypeRequestVote:
		var request RequestVoteRequest
		var response RequestVoteResponse
		if err := json.Unmarshal(envelope.Payload, &request); err != nil {
			return rpcResult{Err: err.Error()}
		}
		if t.requestVoteHandler == nil {
			return rpcResult{Err: "no RequestVote handler registered"}
		}
		if err := t.requestVoteHandler(&request, &response); err != nil {
			return rpcResult{Err: err.Error()}
		}
		return marshalResult(response)
	case rpcTypeAppendEntries:
		var request AppendEntriesRequest
		var response AppendEntriesResponse
		if err := json.Unmarshal(envelope.Payload, &request); err != nil {
			return rpcResult{Err: err.Error()}
		}
		if t.appendEntriesHandler == nil {
			return rpcResult{Err: "no AppendEntries handler registered"}
		}
		if err := t.appendEntriesHandler(&request, &response); err != nil {
			return rpcResult{Err: err.Error()}
		}
		return marshalResult(response)
	case rpcTypeInstallSnapshot:
		var request InstallSnapshotRequest
		var response InstallSnapshotResponse
		if err := json.Unmarshal(envelope.Payload, &request); err != nil {
			return rpcResult{Err: err.Error()}
		}
		if t.installSnapshotHandler == nil {
			return rpcResult{Err: "no InstallSnapshot handler registered"}
		}
		if err := t.installSnapshotHandler(&request, &response); err != nil {
			return rpcResult{Err: err.Error()}
		}
		return marshalResult(response)
	default:
		return rpcResult{Err: fmt.Sprintf("unknown RPC type: %s", envelope.Type)}
	}
}

func marshalResult(v interface{}) rpcResult {
	buf, err := json.Marshal(v)
	if err != nil {
		return rpcResult{Err: err.Error()}
	}
	return rpcResult{Payload: buf}
}

func (t *tcpTransport) Connect(address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dialLocked(address)
}

// dialLocked establishes a fresh connection to address, replacing any
// existing one. Callers must hold t.mu.
func (t *tcpTransport) dialLocked(address string) error {
	conn, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return errors.WrapError(err, "failed to connect to %s", address)
	}
	t.peers[address] = &peerConn{conn: conn}
	return nil
}

func (t *tcpTransport) Close(address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer, ok := t.peers[address]
	if !ok {
		return nil
	}
	delete(t.peers, address)
	return peer.conn.Close()
}

func (t *tcpTransport) Shutdown() {
	close(t.shutdownCh)
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	for address, peer := range t.peers {
		peer.conn.Close()
		delete(t.peers, address)
	}
	t.mu.Unlock()
	t.wg.Wait()
}

// getPeer returns the persistent connection to address, dialing one with a
// short retry/backoff loop if none exists or the existing one is dead.
func (t *tcpTransport) getPeer(address string) (*peerConn, error) {
	t.mu.Lock()
	peer, ok := t.peers[address]
	t.mu.Unlock()
	if ok {
		return peer, nil
	}

	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(dialBackoff * time.Duration(attempt))
		}
		t.mu.Lock()
		err := t.dialLocked(address)
		peer = t.peers[address]
		t.mu.Unlock()
		if err == nil {
			return peer, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (t *tcpTransport) send(address string, rpcType string, request interface{}, response interface{}) error {
	peer, err := t.getPeer(address)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return err
	}

	peer.mu.Lock()
	defer peer.mu.Unlock()

	if err := writeFramed(peer.conn, rpcEnvelope{Type: rpcType, Payload: payload}); err != nil {
		t.dropPeer(address)
		return errors.WrapError(err, "failed to send %s to %s", rpcType, address)
	}

	var result rpcResult
	if err := readFramed(peer.conn, &result); err != nil {
		t.dropPeer(address)
		return errors.WrapError(err, "failed to read %s response from %s", rpcType, address)
	}
	if result.Err != "" {
		return errors.New(result.Err)
	}

	return json.Unmarshal(result.Payload, response)
}

func (t *tcpTransport) dropPeer(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if peer, ok := t.peers[address]; ok {
		peer.conn.Close()
		delete(t.peers, address)
	}
}

func (t *tcpTransport) SendRequestVote(
	address string,
	request RequestVoteRequest,
) (RequestVoteResponse, error) {
	var response RequestVoteResponse
	err := t.send(address, rpcTypeRequestVote, request, &response)
	return response, err
}

func (t *tcpTransport) SendAppendEntries(
	address string,
	request AppendEntriesRequest,
) (AppendEntriesResponse, error) {
	var response AppendEntriesResponse
	err := t.send(address, rpcTypeAppendEntries, request, &response)
	return response, err
}

func (t *tcpTransport) SendInstallSnapshot(
	address string,
	request InstallSnapshotRequest,
) (InstallSnapshotResponse, error) {
	var response InstallSnapshotResponse
	err := t.send(address, rpcTypeInstallSnapshot, request, &response)
	return response, err
}
