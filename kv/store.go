// Package kv implements the replicated key/value cache state machine that
// sits on top of the raft package: command application, per-client
// deduplication, snapshotting, and pluggable eviction.
package kv

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/raftcache/raftcache/internal/errors"
	"github.com/raftcache/raftcache/internal/logger"
	"github.com/raftcache/raftcache/internal/metrics"
	"github.com/raftcache/raftcache/raft"
)

// CommandType identifies the kind of operation encoded in a Command.
type CommandType string

const (
	Put    CommandType = "PUT"
	Delete CommandType = "DELETE"
	Get    CommandType = "GET"
)

// Command is the wire format for every operation submitted to raft by a
// client: writes carry a ClientID/Seq pair so the state machine can
// deduplicate retried requests, reads carry neither.
type Command struct {
	Type     CommandType `json:"type"`
	Key      string      `json:"key"`
	Value    string      `json:"value,omitempty"`
	ClientID string      `json:"clientId,omitempty"`
	Seq      uint64      `json:"seq,omitempty"`
}

// Encode serializes a Command for submission to raft.SubmitOperation.
func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCommand parses a Command previously produced by Encode.
func DecodeCommand(b []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(b, &c); err != nil {
		return Command{}, err
	}
	return c, nil
}

// ErrKeyNotFound is returned by Result.Err when a GET finds no mapping.
var ErrKeyNotFound = errors.New("key not found")

// Result is the response a Command produces once applied, returned from
// raft.SubmitOperation's future as an interface{} and then type-asserted by
// callers.
type Result struct {
	Value string
	Found bool
	Err   error
}

type entry struct {
	value        string
	createdAt    time.Time
	lastAccessAt time.Time
	accessCount  uint64
}

const (
	defaultMaxCacheSize       = 1000
	defaultSnapshotThreshold  = 1000
	evictionBatchFraction     = 0.10
)

// snapshotWire is the JSON-serializable projection of a Store written to
// and read from a raft.SnapshotFile.
type snapshotWire struct {
	Entries map[string]snapshotEntry `json:"entries"`
	Dedup   map[string]uint64        `json:"dedup"`
}

type snapshotEntry struct {
	Value        string    `json:"value"`
	CreatedAt    time.Time `json:"createdAt"`
	LastAccessAt time.Time `json:"lastAccessAt"`
	AccessCount  uint64    `json:"accessCount"`
}

// Store is a raft.StateMachine implementing a bounded in-memory key/value
// cache with per-client write deduplication and pluggable eviction.
type Store struct {
	mu sync.RWMutex

	data  map[string]*entry
	dedup map[string]uint64

	tracker  *AccessTracker
	eviction EvictionPolicy

	maxCacheSize      int
	snapshotThreshold int

	logger  logger.Logger
	metrics *metrics.NodeMetrics
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithMaxCacheSize overrides the default maximum number of live keys.
func WithMaxCacheSize(n int) Option {
	return func(s *Store) { s.maxCacheSize = n }
}

// WithSnapshotThreshold overrides the default log size that triggers a
// snapshot via NeedSnapshot.
func WithSnapshotThreshold(n int) Option {
	return func(s *Store) { s.snapshotThreshold = n }
}

// WithEvictionPolicy overrides the default LRU eviction policy.
func WithEvictionPolicy(policy EvictionPolicy) Option {
	return func(s *Store) { s.eviction = policy }
}

// WithLogger attaches a logger used for eviction and snapshot diagnostics.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics attaches prometheus counters updated as keys are evicted.
func WithMetrics(m *metrics.NodeMetrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a Store with the given options applied over sane defaults.
func NewStore(opts ...Option) *Store {
	s := &Store{
		data:              make(map[string]*entry),
		dedup:             make(map[string]uint64),
		tracker:           NewAccessTracker(),
		maxCacheSize:      defaultMaxCacheSize,
		snapshotThreshold: defaultSnapshotThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.eviction == nil {
		s.eviction = NewLRUEvictionPolicy(s.maxCacheSize)
	}
	return s
}

// Apply executes a Command against the store. It is called both from
// raft's apply loop (for replicated writes) and from its read-only loop
// (for GETs, under whichever consistency level the caller asked for).
func (s *Store) Apply(operation *raft.Operation) interface{} {
	command, err := DecodeCommand(operation.Bytes)
	if err != nil {
		return Result{Err: fmt.Errorf("malformed command: %w", err)}
	}

	switch command.Type {
	case Put:
		return s.applyPut(command)
	case Delete:
		return s.applyDelete(command)
	case Get:
		return s.applyGet(command)
	default:
		return Result{Err: fmt.Errorf("unknown command type: %q", command.Type)}
	}
}

func (s *Store) applyPut(command Command) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isDuplicate(command) {
		return Result{Found: true, Value: command.Value}
	}

	now := time.Now()
	if existing, ok := s.data[command.Key]; ok {
		existing.value = command.Value
		existing.lastAccessAt = now
		existing.accessCount++
	} else {
		if len(s.data) >= s.maxCacheSize {
			s.evictLocked()
		}
		s.data[command.Key] = &entry{value: command.Value, createdAt: now, lastAccessAt: now, accessCount: 1}
	}
	s.tracker.RecordAccess(command.Key, now)
	s.eviction.RecordAccess(command.Key)
	s.markApplied(command)

	return Result{Value: command.Value}
}

func (s *Store) applyDelete(command Command) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isDuplicate(command) {
		return Result{}
	}

	_, found := s.data[command.Key]
	delete(s.data, command.Key)
	s.tracker.Forget(command.Key)
	s.markApplied(command)

	return Result{Found: found}
}

func (s *Store) applyGet(command Command) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.data[command.Key]
	if !found {
		return Result{Err: ErrKeyNotFound}
	}

	now := time.Now()
	e.lastAccessAt = now
	e.accessCount++
	s.tracker.RecordAccess(command.Key, now)
	s.eviction.RecordAccess(command.Key)

	return Result{Value: e.value, Found: true}
}

// isDuplicate reports whether command has already been applied for its
// client, per the dedup table. Commands without a ClientID (none are
// issued that way by client.Client, but defensive state machines should
// not assume otherwise) are never deduplicated.
func (s *Store) isDuplicate(command Command) bool {
	if command.ClientID == "" {
		return false
	}
	return s.dedup[command.ClientID] >= command.Seq
}

func (s *Store) markApplied(command Command) {
	if command.ClientID == "" {
		return
	}
	s.dedup[command.ClientID] = command.Seq
}

// evictLocked selects and removes a batch of keys via the configured
// eviction policy. Callers must hold s.mu.
func (s *Store) evictLocked() {
	count := int(float64(s.maxCacheSize) * evictionBatchFraction)
	if count < 1 {
		count = 1
	}

	keys := make([]string, 0, len(s.data))
	for key := range s.data {
		keys = append(keys, key)
	}

	victims := s.eviction.SelectVictims(keys, count)
	for _, key := range victims {
		delete(s.data, key)
		s.tracker.Forget(key)
	}
	if s.metrics != nil {
		s.metrics.EvictedTotal.Add(float64(len(victims)))
	}
	if s.logger != nil && len(victims) > 0 {
		s.logger.Debugf("evicted %d keys via %s policy", len(victims), s.eviction.Name())
	}
}

// NeedSnapshot reports whether the Raft log has grown large enough that a
// new snapshot should be taken.
func (s *Store) NeedSnapshot(logSize int) bool {
	return logSize >= s.snapshotThreshold
}

// Snapshot serializes the current key/value map and dedup table.
func (s *Store) Snapshot(file raft.SnapshotFile) error {
	s.mu.RLock()
	wire := snapshotWire{
		Entries: make(map[string]snapshotEntry, len(s.data)),
		Dedup:   make(map[string]uint64, len(s.dedup)),
	}
	for key, e := range s.data {
		wire.Entries[key] = snapshotEntry{
			Value:        e.value,
			CreatedAt:    e.createdAt,
			LastAccessAt: e.lastAccessAt,
			AccessCount:  e.accessCount,
		}
	}
	for clientID, seq := range s.dedup {
		wire.Dedup[clientID] = seq
	}
	s.mu.RUnlock()

	return json.NewEncoder(file).Encode(wire)
}

// Restore replaces the store's state with the contents of a snapshot
// produced by Snapshot.
func (s *Store) Restore(file raft.SnapshotFile) error {
	var wire snapshotWire
	if err := json.NewDecoder(file).Decode(&wire); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string]*entry, len(wire.Entries))
	for key, e := range wire.Entries {
		s.data[key] = &entry{
			value:        e.Value,
			createdAt:    e.CreatedAt,
			lastAccessAt: e.LastAccessAt,
			accessCount:  e.AccessCount,
		}
	}
	s.dedup = wire.Dedup
	if s.dedup == nil {
		s.dedup = make(map[string]uint64)
	}

	return nil
}

// Peek returns a key's current value directly, bypassing raft entirely.
// Used to serve EVENTUAL-consistency reads, which spec.md defines as never
// reaching the Raft core.
func (s *Store) Peek(key string) Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, found := s.data[key]
	if !found {
		return Result{Err: ErrKeyNotFound}
	}
	return Result{Value: e.value, Found: true}
}
