package raft

import (
	"time"

	"github.com/raftcache/raftcache/internal/errors"
	"github.com/raftcache/raftcache/internal/metrics"
)

const (
	minElectionTimeout     = time.Duration(100 * time.Millisecond)
	maxElectionTimeout     = time.Duration(2000 * time.Millisecond)
	defaultElectionTimeout = time.Duration(150 * time.Millisecond)

	minHeartbeat     = time.Duration(25 * time.Millisecond)
	maxHeartbeat     = time.Duration(300 * time.Millisecond)
	defaultHeartbeat = time.Duration(50 * time.Millisecond)

	minMaxEntriesPerRPC     = 50
	maxMaxEntriesPerRPC     = 500
	defaultMaxEntriesPerRPC = 100

	// The leader's lease is renewed on every heartbeat round that is
	// confirmed by a quorum. It must be well under the election timeout:
	// if it were not, a lease could still be considered valid after a new
	// leader had already been elected elsewhere, breaking linearizability
	// of lease reads.
	minLeaseDuration     = time.Duration(10 * time.Millisecond)
	maxLeaseDuration     = time.Duration(1000 * time.Millisecond)
	defaultLeaseDuration = time.Duration(100 * time.Millisecond)

	minRequestTimeout     = time.Duration(10 * time.Millisecond)
	maxRequestTimeout     = time.Duration(60 * time.Second)
	defaultRequestTimeout = time.Duration(5 * time.Second)
)

// Logger supports logging messages at the debug, info, warn, error, and fatal level.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
}

type options struct {
	// Minimum election timeout. A random time between electionTimeout and
	// 2 * electionTimeout will be chosen to determine when a server will
	// hold an election.
	electionTimeout time.Duration

	// The interval between AppendEntries RPCs that the leader sends to
	// followers absent any operations to replicate.
	heartbeatInterval time.Duration

	// The maximum number of log entries that will be transmitted via a
	// single AppendEntries RPC.
	maxEntriesPerRPC int

	// How long a leader's lease remains valid after being renewed by a
	// quorum-confirmed heartbeat round. Bounds the staleness of
	// lease-based reads.
	leaseDuration time.Duration

	// The default deadline applied to a submitted operation if the caller
	// does not provide one.
	requestTimeout time.Duration

	// A logger for debugging and important events.
	logger Logger

	// Overrides for the default file-backed persistence and networking
	// implementations, primarily intended for testing.
	log             Log
	stateStorage    StateStorage
	snapshotStorage SnapshotStorage
	transport       Transport

	// Optional prometheus gauges/counters for this node. Nil disables
	// metrics collection entirely.
	metrics *metrics.NodeMetrics
}

// Option is a function that updates the options associated with Raft.
type Option func(options *options) error

// WithElectionTimeout sets the election timeout for the Raft server.
func WithElectionTimeout(timeout time.Duration) Option {
	return func(options *options) error {
		if timeout < minElectionTimeout || timeout > maxElectionTimeout {
			return errors.New("election timeout value is invalid")
		}
		options.electionTimeout = timeout
		return nil
	}
}

// WithHeartbeatInterval sets the heartbeat interval for the Raft server.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(options *options) error {
		if interval < minHeartbeat || interval > maxHeartbeat {
			return errors.New("heartbeat interval value is invalid")
		}
		options.heartbeatInterval = interval
		return nil
	}
}

// WithMaxEntriesPerRPC sets the maximum number of log entries that can be
// transmitted via an AppendEntries RPC.
func WithMaxEntriesPerRPC(maxEntriesPerRPC int) Option {
	return func(options *options) error {
		if maxEntriesPerRPC < minMaxEntriesPerRPC || maxEntriesPerRPC > maxMaxEntriesPerRPC {
			return errors.New("maximum entries per RPC value is invalid")
		}
		options.maxEntriesPerRPC = maxEntriesPerRPC
		return nil
	}
}

// WithLeaseDuration sets how long a leader's lease is considered valid
// after a quorum-confirmed heartbeat round. A duration outside
// [minLeaseDuration, maxLeaseDuration] is rejected with an error.
func WithLeaseDuration(duration time.Duration) Option {
	return func(options *options) error {
		if duration < minLeaseDuration || duration > maxLeaseDuration {
			return errors.New("lease duration value is invalid")
		}
		options.leaseDuration = duration
		return nil
	}
}

// WithRequestTimeout sets the default deadline for submitted operations.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(options *options) error {
		if timeout < minRequestTimeout || timeout > maxRequestTimeout {
			return errors.New("request timeout value is invalid")
		}
		options.requestTimeout = timeout
		return nil
	}
}

// WithLogger sets the logger used by the Raft server.
func WithLogger(logger Logger) Option {
	return func(options *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		options.logger = logger
		return nil
	}
}

// WithLog overrides the default file-backed Log implementation.
func WithLog(log Log) Option {
	return func(options *options) error {
		if log == nil {
			return errors.New("log must not be nil")
		}
		options.log = log
		return nil
	}
}

// WithStateStorage overrides the default file-backed StateStorage implementation.
func WithStateStorage(storage StateStorage) Option {
	return func(options *options) error {
		if storage == nil {
			return errors.New("state storage must not be nil")
		}
		options.stateStorage = storage
		return nil
	}
}

// WithSnapshotStorage overrides the default file-backed SnapshotStorage implementation.
func WithSnapshotStorage(storage SnapshotStorage) Option {
	return func(options *options) error {
		if storage == nil {
			return errors.New("snapshot storage must not be nil")
		}
		options.snapshotStorage = storage
		return nil
	}
}

// WithMetrics attaches a set of prometheus gauges/counters that Raft will
// keep updated as it runs.
func WithMetrics(m *metrics.NodeMetrics) Option {
	return func(options *options) error {
		options.metrics = m
		return nil
	}
}

// WithTransport overrides the default TCP transport implementation.
func WithTransport(transport Transport) Option {
	return func(options *options) error {
		if transport == nil {
			return errors.New("transport must not be nil")
		}
		options.transport = transport
		return nil
	}
}
