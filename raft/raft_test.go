package raft

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// echoStateMachine is a minimal StateMachine used only to exercise Raft's
// replication and apply pipeline: it records every operation applied, in
// order, so tests can assert on what each node has actually committed.
type echoStateMachine struct {
	mu      sync.Mutex
	applied [][]byte
}

func (s *echoStateMachine) Apply(operation *Operation) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, operation.Bytes)
	return len(s.applied)
}

func (s *echoStateMachine) Snapshot(file SnapshotFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.applied {
		if _, err := file.Write(append(entry, '\n')); err != nil {
			return err
		}
	}
	return nil
}

func (s *echoStateMachine) Restore(file SnapshotFile) error { return nil }
func (s *echoStateMachine) NeedSnapshot(logSize int) bool   { return false }

func (s *echoStateMachine) appliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

func freeAddress(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()
	require.NoError(t, listener.Close())
	return address
}

type testCluster struct {
	nodes []*Raft
	fsms  []*echoStateMachine
}

func newTestCluster(t *testing.T, size int) *testCluster {
	t.Helper()

	cluster := make(map[string]string, size)
	ids := make([]string, size)
	for i := 0; i < size; i++ {
		ids[i] = fmt.Sprintf("node-%d", i)
		cluster[ids[i]] = freeAddress(t)
	}

	tc := &testCluster{}
	for _, id := range ids {
		fsm := &echoStateMachine{}
		node, err := NewRaft(id, cluster, fsm, t.TempDir(),
			WithElectionTimeout(150*time.Millisecond),
			WithHeartbeatInterval(30*time.Millisecond),
			WithLeaseDuration(20*time.Millisecond),
		)
		require.NoError(t, err)
		tc.nodes = append(tc.nodes, node)
		tc.fsms = append(tc.fsms, fsm)
	}

	for _, node := range tc.nodes {
		node.Start()
	}

	t.Cleanup(func() {
		for _, node := range tc.nodes {
			node.Stop()
		}
	})

	return tc
}

func (tc *testCluster) awaitLeader(t *testing.T) *Raft {
	t.Helper()

	var leader *Raft
	require.Eventually(t, func() bool {
		for _, node := range tc.nodes {
			if node.Status().State == Leader {
				leader = node
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	return leader
}

func TestClusterElectsASingleLeader(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.awaitLeader(t)
	require.NotNil(t, leader)

	leaders := 0
	for _, node := range tc.nodes {
		if node.Status().State == Leader {
			leaders++
		}
	}
	require.Equal(t, 1, leaders)
}

func TestClusterReplicatesOperations(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.awaitLeader(t)

	future := leader.SubmitOperation([]byte("set x=1"), Replicated, time.Second)
	response := future.Await()
	require.NoError(t, response.Err)

	for i, node := range tc.nodes {
		require.Eventually(t, func() bool {
			return tc.fsms[i].appliedCount() >= 1
		}, 2*time.Second, 10*time.Millisecond, "node %s never applied the operation", node.id)
	}
}

func TestClusterElectsNewLeaderAfterFailure(t *testing.T) {
	tc := newTestCluster(t, 3)
	firstLeader := tc.awaitLeader(t)
	firstLeader.Stop()

	require.Eventually(t, func() bool {
		for _, node := range tc.nodes {
			if node == firstLeader {
				continue
			}
			if node.Status().State == Leader {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

// TestFollowerCatchesUpAfterRestart covers a follower that falls behind
// while stopped and must replay its persisted log plus catch up via
// AppendEntries backfill once it rejoins.
func TestFollowerCatchesUpAfterRestart(t *testing.T) {
	size := 3
	cluster := make(map[string]string, size)
	ids := make([]string, size)
	dataDirs := make([]string, size)
	for i := 0; i < size; i++ {
		ids[i] = fmt.Sprintf("node-%d", i)
		cluster[ids[i]] = freeAddress(t)
		dataDirs[i] = t.TempDir()
	}

	opts := []Option{
		WithElectionTimeout(150 * time.Millisecond),
		WithHeartbeatInterval(30 * time.Millisecond),
		WithLeaseDuration(20 * time.Millisecond),
	}

	nodes := make([]*Raft, size)
	fsms := make([]*echoStateMachine, size)
	for i, id := range ids {
		fsm := &echoStateMachine{}
		node, err := NewRaft(id, cluster, fsm, dataDirs[i], opts...)
		require.NoError(t, err)
		nodes[i] = node
		fsms[i] = fsm
		node.Start()
	}
	t.Cleanup(func() {
		for _, node := range nodes {
			node.Stop()
		}
	})

	tc := &testCluster{nodes: nodes, fsms: fsms}
	leader := tc.awaitLeader(t)

	var followerIndex int
	for i, node := range nodes {
		if node != leader {
			followerIndex = i
			break
		}
	}

	for i := 0; i < 5; i++ {
		future := leader.SubmitOperation([]byte(fmt.Sprintf("pre-%d", i)), Replicated, time.Second)
		require.NoError(t, future.Await().Err)
	}

	nodes[followerIndex].Stop()

	for i := 0; i < 5; i++ {
		future := leader.SubmitOperation([]byte(fmt.Sprintf("post-%d", i)), Replicated, time.Second)
		require.NoError(t, future.Await().Err)
	}

	restartedFSM := &echoStateMachine{}
	restarted, err := NewRaft(ids[followerIndex], cluster, restartedFSM, dataDirs[followerIndex], opts...)
	require.NoError(t, err)
	nodes[followerIndex] = restarted
	fsms[followerIndex] = restartedFSM
	restarted.Start()

	require.Eventually(t, func() bool {
		return restarted.log.LastIndex() == leader.log.LastIndex()
	}, 5*time.Second, 20*time.Millisecond, "restarted follower never caught up to the leader's log")

	require.Eventually(t, func() bool {
		return restartedFSM.appliedCount() >= 10
	}, 5*time.Second, 20*time.Millisecond, "restarted follower never applied the backfilled operations")
}

// TestLeaseReadsAreFasterThanLinearizableReads covers the latency tradeoff
// between lease-based and linearizable reads: a lease read is answered
// immediately from local state, while a linearizable read must wait for a
// round of read-index confirmation from a quorum.
func TestLeaseReadsAreFasterThanLinearizableReads(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.awaitLeader(t)

	future := leader.SubmitOperation([]byte("seed"), Replicated, time.Second)
	require.NoError(t, future.Await().Err)

	const rounds = 10

	var leaseTotal, linearizableTotal time.Duration
	for i := 0; i < rounds; i++ {
		start := time.Now()
		response := leader.SubmitOperation([]byte("read"), LeaseBasedReadOnly, time.Second).Await()
		require.NoError(t, response.Err)
		leaseTotal += time.Since(start)
	}
	for i := 0; i < rounds; i++ {
		start := time.Now()
		response := leader.SubmitOperation([]byte("read"), LinearizableReadOnly, time.Second).Await()
		require.NoError(t, response.Err)
		linearizableTotal += time.Since(start)
	}

	require.Less(t, leaseTotal, linearizableTotal,
		"lease reads (%v total) should be faster than linearizable reads (%v total)", leaseTotal, linearizableTotal)
}

// TestStopFailsInFlightOperationsWithShutdownError covers a leader stopping
// while an operation is still in flight: the submitter must not be left
// waiting on the future's timeout, it should observe a ShutdownError as soon
// as Stop returns.
func TestStopFailsInFlightOperationsWithShutdownError(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.awaitLeader(t)

	leader.mu.Lock()
	responseCh := make(chan OperationResponse, 1)
	leader.operationManager.pendingReplicated[leader.log.LastIndex()+1] = responseCh
	leader.mu.Unlock()

	leader.Stop()

	select {
	case response := <-responseCh:
		var shutdown ShutdownError
		require.ErrorAs(t, response.Err, &shutdown)
	case <-time.After(time.Second):
		t.Fatal("Stop did not fail the in-flight operation")
	}
}

func TestSubmitOperationRejectedByFollower(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.awaitLeader(t)

	var follower *Raft
	for _, node := range tc.nodes {
		if node != leader {
			follower = node
			break
		}
	}
	require.NotNil(t, follower)

	future := follower.SubmitOperation([]byte("set x=1"), Replicated, time.Second)
	response := future.Await()
	require.Error(t, response.Err)

	var notLeader NotLeaderError
	require.ErrorAs(t, response.Err, &notLeader)
}
