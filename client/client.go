// Package client implements the cluster-facing client library: it follows
// NOT_LEADER hints to find the current leader, retries on timeout with
// backoff, and exposes the three read-consistency levels spec.md defines.
// It also defines the small request/response wire protocol a
// cmd/raftcachenode process speaks on its client-facing listener, shared
// between this package and that server.
package client

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raftcache/raftcache/internal/wire"
	"github.com/raftcache/raftcache/kv"
	"github.com/raftcache/raftcache/raft"
)

// Request is sent by a Client and answered with a Response, framed over a
// plain TCP connection using internal/wire.
type Request struct {
	// Command carries a write (PUT/DELETE) or a read (GET); Consistency is
	// only meaningful for GET.
	Command     kv.Command        `json:"command"`
	Consistency raft.OperationType `json:"consistency"`
	TimeoutMs   int64              `json:"timeoutMs"`

	// Status, when true, requests the server's raft.Status instead of
	// submitting Command.
	Status bool `json:"status"`
}

// ResultWire is the JSON-safe projection of a kv.Result: kv.Result.Err is a
// plain `error` interface, which encoding/json cannot unmarshal back into,
// so the wire form carries the error's message as a string instead.
type ResultWire struct {
	Value string `json:"value,omitempty"`
	Found bool   `json:"found,omitempty"`
	Err   string `json:"err,omitempty"`
}

// ResultToWire converts a kv.Result into its wire-safe form.
func ResultToWire(result kv.Result) ResultWire {
	wire := ResultWire{Value: result.Value, Found: result.Found}
	if result.Err != nil {
		wire.Err = result.Err.Error()
	}
	return wire
}

// toResult converts a wire-safe ResultWire back into a kv.Result. A
// non-empty Err round-trips as a plain error rather than the original
// sentinel (e.g. kv.ErrKeyNotFound), since errors do not serialize.
func (w ResultWire) toResult() kv.Result {
	result := kv.Result{Value: w.Value, Found: w.Found}
	if w.Err != "" {
		result.Err = fmt.Errorf("%s", w.Err)
	}
	return result
}

// Response answers a Request.
type Response struct {
	Result *ResultWire `json:"result,omitempty"`

	// ServerID and Consistency describe which node served the request and
	// under what consistency level, per spec.md's client contract.
	ServerID    string `json:"serverId"`
	Consistency string `json:"consistency"`

	// LeaseRemainingMs is set only for successful LEASE reads.
	LeaseRemainingMs int64 `json:"leaseRemainingMs,omitempty"`

	Status *raft.Status `json:"status,omitempty"`

	// Err is the empty string on success. NotLeaderHint, if set, names the
	// node id the caller should retry against.
	Err           string `json:"err,omitempty"`
	NotLeaderHint string `json:"notLeaderHint,omitempty"`
}

const (
	defaultDialTimeout    = 2 * time.Second
	defaultRequestTimeout = 5 * time.Second
	maxRetries            = 5
	retryBaseBackoff      = 20 * time.Millisecond
	retryMaxBackoff       = 1 * time.Second
)

// Client is a thin driver for a raftcache cluster: it tracks the last
// known leader, retries against other nodes when it is wrong, and
// generates the clientId/seq pairs the state machine uses for write
// deduplication.
type Client struct {
	mu        sync.Mutex
	addresses map[string]string // node id -> address
	leaderID  string

	clientID string
	seq      uint64

	dialTimeout    time.Duration
	requestTimeout time.Duration
}

// New creates a Client that can reach any node named in addresses.
func New(addresses map[string]string) *Client {
	c := &Client{
		addresses:      make(map[string]string, len(addresses)),
		clientID:       uuid.NewString(),
		dialTimeout:    defaultDialTimeout,
		requestTimeout: defaultRequestTimeout,
	}
	for id, addr := range addresses {
		c.addresses[id] = addr
	}
	return c
}

// Put writes key=value with linearizable semantics, retrying against the
// cluster's current leader until it succeeds or retries are exhausted.
func (c *Client) Put(key, value string) error {
	_, err := c.submit(kv.Command{Type: kv.Put, Key: key, Value: value})
	return err
}

// Delete removes key, retrying against the cluster's current leader.
func (c *Client) Delete(key string) error {
	_, err := c.submit(kv.Command{Type: kv.Delete, Key: key})
	return err
}

// Get reads key under the given consistency level. EVENTUAL reads may be
// served by any node and never retry on NOT_LEADER, since no node rejects
// them; STRONG and LEASE reads follow the same leader-following retry path
// writes do.
func (c *Client) Get(key string, consistency raft.OperationType) (string, bool, error) {
	command := kv.Command{Type: kv.Get, Key: key}

	if consistency == EventualConsistency {
		return c.getEventual(command)
	}

	result, err := c.submitRead(command, consistency)
	if err != nil {
		return "", false, err
	}
	return result.Value, result.Found, nil
}

// StrongConsistency and LeaseConsistency are the OperationType values
// client.Get accepts for spec.md's STRONG and LEASE read modes: they
// alias raft's own read-only operation types directly, since those are
// exactly what Raft needs to know to serve them (ReadIndex confirmation
// for STRONG, a valid leader lease for LEASE).
const (
	StrongConsistency = raft.LinearizableReadOnly
	LeaseConsistency  = raft.LeaseBasedReadOnly
)

// EventualConsistency is the sentinel OperationType value client.Get
// recognizes to mean "never involve raft": it deliberately does not alias
// any of raft's own OperationType constants since raft has no notion of
// eventual consistency at all.
const EventualConsistency raft.OperationType = 1 << 16

func (c *Client) getEventual(command kv.Command) (string, bool, error) {
	id, address := c.anyNode()
	if address == "" {
		return "", false, fmt.Errorf("no known cluster nodes")
	}

	response, err := c.call(address, Request{Command: command, Consistency: EventualConsistency})
	if err != nil {
		return "", false, fmt.Errorf("eventual read against %s failed: %w", id, err)
	}
	if response.Result == nil {
		return "", false, fmt.Errorf("malformed response from %s", id)
	}
	result := response.Result.toResult()
	if result.Err != nil {
		return "", false, result.Err
	}
	return result.Value, result.Found, nil
}

func (c *Client) submit(command kv.Command) (kv.Result, error) {
	c.mu.Lock()
	c.seq++
	command.ClientID = c.clientID
	command.Seq = c.seq
	c.mu.Unlock()

	return c.submitRead(command, raft.Replicated)
}

func (c *Client) submitRead(command kv.Command, consistency raft.OperationType) (kv.Result, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		id, address := c.preferredNode()
		if address == "" {
			return kv.Result{}, fmt.Errorf("no known cluster nodes")
		}

		response, err := c.call(address, Request{
			Command:     command,
			Consistency: consistency,
			TimeoutMs:   c.requestTimeout.Milliseconds(),
		})
		if err != nil {
			lastErr = err
			c.forgetLeader(id)
			c.backoff(attempt)
			continue
		}

		if response.NotLeaderHint != "" {
			c.setLeader(response.NotLeaderHint)
			lastErr = fmt.Errorf("%s is not the leader", id)
			continue
		}
		if response.Err != "" {
			if response.Result != nil {
				if result := response.Result.toResult(); result.Err != nil {
					return kv.Result{}, result.Err
				}
			}
			lastErr = fmt.Errorf("%s", response.Err)
			c.forgetLeader(id)
			c.backoff(attempt)
			continue
		}

		c.setLeader(response.ServerID)
		if response.Result == nil {
			return kv.Result{}, nil
		}
		result := response.Result.toResult()
		if result.Err != nil {
			return kv.Result{}, result.Err
		}
		return result, nil
	}

	return kv.Result{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

// Status fetches the raft.Status of the given node id.
func (c *Client) Status(nodeID string) (raft.Status, error) {
	c.mu.Lock()
	address := c.addresses[nodeID]
	c.mu.Unlock()
	if address == "" {
		return raft.Status{}, fmt.Errorf("unknown node id: %s", nodeID)
	}

	response, err := c.call(address, Request{Status: true})
	if err != nil {
		return raft.Status{}, err
	}
	if response.Status == nil {
		return raft.Status{}, fmt.Errorf("server did not return status")
	}
	return *response.Status, nil
}

func (c *Client) call(address string, request Request) (Response, error) {
	conn, err := net.DialTimeout("tcp", address, c.dialTimeout)
	if err != nil {
		return Response{}, err
	}
	defer conn.Close()

	if err := wire.WriteFramed(conn, request); err != nil {
		return Response{}, err
	}

	var response Response
	if err := wire.ReadFramed(conn, &response); err != nil {
		return Response{}, err
	}
	return response, nil
}

func (c *Client) preferredNode() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.leaderID != "" {
		if address, ok := c.addresses[c.leaderID]; ok {
			return c.leaderID, address
		}
	}
	return c.randomNodeLocked()
}

func (c *Client) anyNode() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.randomNodeLocked()
}

func (c *Client) randomNodeLocked() (string, string) {
	if len(c.addresses) == 0 {
		return "", ""
	}
	ids := make([]string, 0, len(c.addresses))
	for id := range c.addresses {
		ids = append(ids, id)
	}
	id := ids[rand.Intn(len(ids))]
	return id, c.addresses[id]
}

func (c *Client) setLeader(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.addresses[id]; ok {
		c.leaderID = id
	}
}

func (c *Client) forgetLeader(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaderID == id {
		c.leaderID = ""
	}
}

func (c *Client) backoff(attempt int) {
	delay := retryBaseBackoff * time.Duration(1<<uint(attempt))
	if delay > retryMaxBackoff {
		delay = retryMaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(delay) + 1))
	time.Sleep(delay/2 + jitter/2)
}
