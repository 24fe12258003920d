package client

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raftcache/raftcache/internal/wire"
	"github.com/raftcache/raftcache/kv"
	"github.com/raftcache/raftcache/raft"
)

// fakeServer answers Request/Response RPCs the way cmd/raftcachenode's
// client listener would, but against an in-memory kv.Store directly
// instead of routing through raft - enough to exercise Client's retry,
// leader-following, and consistency-level logic in isolation.
type fakeServer struct {
	id            string
	isLeader      bool
	knownLeaderID string
	store         *kv.Store
	listener      net.Listener
}

func newFakeServer(t *testing.T, id string, isLeader bool) *fakeServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{id: id, isLeader: isLeader, store: kv.NewStore(), listener: listener}
	go s.serve()
	t.Cleanup(func() { listener.Close() })
	return s
}

func (s *fakeServer) address() string { return s.listener.Addr().String() }

func (s *fakeServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *fakeServer) handleConn(conn net.Conn) {
	defer conn.Close()

	var request Request
	if err := wire.ReadFramed(conn, &request); err != nil {
		return
	}

	if !s.isLeader && request.Consistency != EventualConsistency {
		response := Response{ServerID: s.id, Err: "not leader", NotLeaderHint: s.knownLeaderID}
		_ = wire.WriteFramed(conn, response)
		return
	}

	encoded, _ := request.Command.Encode()
	result, _ := s.store.Apply(&raft.Operation{Bytes: encoded}).(kv.Result)
	wireResult := ResultToWire(result)
	_ = wire.WriteFramed(conn, Response{ServerID: s.id, Result: &wireResult})
}

func TestClientPutGetRoundTrip(t *testing.T) {
	leader := newFakeServer(t, "leader", true)
	c := New(map[string]string{"leader": leader.address()})

	require.NoError(t, c.Put("a", "1"))

	value, found, err := c.Get("a", StrongConsistency)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", value)
}

func TestClientFollowsNotLeaderHint(t *testing.T) {
	leader := newFakeServer(t, "leader", true)
	follower := newFakeServer(t, "follower", false)
	follower.knownLeaderID = "leader"

	c := New(map[string]string{
		"leader":   leader.address(),
		"follower": follower.address(),
	})

	// Force the client to try the follower first.
	c.leaderID = "follower"

	require.NoError(t, c.Put("a", "1"))

	value, found, err := c.Get("a", StrongConsistency)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", value)
}

func TestClientEventualReadNeverRetriesOnNotLeader(t *testing.T) {
	follower := newFakeServer(t, "follower", false)
	encoded, _ := kv.Command{Type: kv.Put, Key: "a", Value: "1"}.Encode()
	_, _ = follower.store.Apply(&raft.Operation{Bytes: encoded}).(kv.Result)

	c := New(map[string]string{"follower": follower.address()})

	value, found, err := c.Get("a", EventualConsistency)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", value)
}

func TestClientGetMissingKey(t *testing.T) {
	leader := newFakeServer(t, "leader", true)
	c := New(map[string]string{"leader": leader.address()})

	_, found, err := c.Get("missing", StrongConsistency)
	require.Error(t, err)
	require.False(t, found)
}

func TestResultWireRoundTrip(t *testing.T) {
	original := kv.Result{Value: "v", Found: true}
	projected := ResultToWire(original)
	restored := projected.toResult()
	require.Equal(t, original, restored)
}

func TestClientDialTimeoutIsBounded(t *testing.T) {
	c := New(map[string]string{"ghost": "127.0.0.1:1"})
	c.dialTimeout = 50 * time.Millisecond
	c.requestTimeout = 50 * time.Millisecond

	_, _, err := c.Get("a", StrongConsistency)
	require.Error(t, err)
}
