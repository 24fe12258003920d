// Command raftcachenode runs a single raftcache cluster member: a Raft
// consensus node fronting a replicated key/value cache, plus the
// client-facing listener clients dial through client.Client.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/raftcache/raftcache/client"
	"github.com/raftcache/raftcache/internal/logger"
	"github.com/raftcache/raftcache/internal/metrics"
	"github.com/raftcache/raftcache/internal/wire"
	"github.com/raftcache/raftcache/kv"
	"github.com/raftcache/raftcache/raft"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		nodeID         string
		clientAddr     string
		dataDir        string
		clusterFlag    []string
		maxCacheSize   int
		evictionPolicy string
		mlEndpoint     string
		metricsAddr    string
		devLogs        bool
	)

	cmd := &cobra.Command{
		Use:   "raftcachenode",
		Short: "Run a raftcache cluster member",
		RunE: func(cmd *cobra.Command, args []string) error {
			cluster, err := parseCluster(clusterFlag)
			if err != nil {
				return err
			}
			return run(nodeOptions{
				nodeID:         nodeID,
				clientAddr:     clientAddr,
				dataDir:        dataDir,
				cluster:        cluster,
				maxCacheSize:   maxCacheSize,
				evictionPolicy: evictionPolicy,
				mlEndpoint:     mlEndpoint,
				metricsAddr:    metricsAddr,
				devLogs:        devLogs,
			})
		},
	}

	cmd.Flags().StringVar(&nodeID, "id", "", "this node's id (must be a key in --cluster)")
	cmd.Flags().StringVar(&clientAddr, "client-addr", "", "address clients dial (defaults to --id's raft address with port+1)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "directory for this node's persisted state")
	cmd.Flags().StringSliceVar(&clusterFlag, "cluster", nil, "id=address pairs for every node in the cluster, including this one")
	cmd.Flags().IntVar(&maxCacheSize, "max-cache-size", 1000, "maximum number of live keys before eviction")
	cmd.Flags().StringVar(&evictionPolicy, "eviction-policy", "lru", "eviction policy: lru or ml")
	cmd.Flags().StringVar(&mlEndpoint, "ml-endpoint", "", "base URL of the ML prediction service (required if --eviction-policy=ml)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics on, empty disables it")
	cmd.Flags().BoolVar(&devLogs, "dev-logs", false, "use human-readable development logging instead of structured JSON")

	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("cluster")

	return cmd
}

func parseCluster(pairs []string) (map[string]string, error) {
	cluster := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --cluster entry %q, expected id=address", pair)
		}
		cluster[parts[0]] = parts[1]
	}
	return cluster, nil
}

type nodeOptions struct {
	nodeID         string
	clientAddr     string
	dataDir        string
	cluster        map[string]string
	maxCacheSize   int
	evictionPolicy string
	mlEndpoint     string
	metricsAddr    string
	devLogs        bool
}

func run(opts nodeOptions) error {
	address, ok := opts.cluster[opts.nodeID]
	if !ok {
		return fmt.Errorf("node id %q not present in --cluster", opts.nodeID)
	}

	log, err := newLogger(opts.devLogs)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	if err := os.MkdirAll(opts.dataDir, 0o777); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	reg := prometheus.NewRegistry()
	nodeMetrics := metrics.NewNodeMetrics(reg, opts.nodeID)

	tracker := kv.NewAccessTracker()
	storeOpts := []kv.Option{
		kv.WithMaxCacheSize(opts.maxCacheSize),
		kv.WithLogger(log),
		kv.WithMetrics(nodeMetrics),
	}
	if opts.evictionPolicy == "ml" {
		if opts.mlEndpoint == "" {
			return fmt.Errorf("--eviction-policy=ml requires --ml-endpoint")
		}
		storeOpts = append(storeOpts, kv.WithEvictionPolicy(
			kv.NewMLEvictionPolicy(opts.mlEndpoint, tracker, opts.maxCacheSize, log),
		))
	}
	store := kv.NewStore(storeOpts...)

	node, err := raft.NewRaft(
		opts.nodeID,
		opts.cluster,
		store,
		opts.dataDir,
		raft.WithLogger(log),
		raft.WithMetrics(nodeMetrics),
	)
	if err != nil {
		return fmt.Errorf("failed to create raft node: %w", err)
	}

	node.Start()
	defer node.Stop()

	clientAddr := opts.clientAddr
	if clientAddr == "" {
		clientAddr = shiftPort(address, 1)
	}
	server := newClientServer(node, store, log)
	if err := server.start(clientAddr); err != nil {
		return fmt.Errorf("failed to start client listener: %w", err)
	}
	defer server.stop()

	stopDecay := startDecayLoop(tracker)
	defer stopDecay()

	if opts.metricsAddr != "" {
		go serveMetrics(opts.metricsAddr, reg, log)
	}

	log.Infof("raftcache node started: id = %s, raftAddr = %s, clientAddr = %s", opts.nodeID, address, clientAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	log.Info("shutting down")
	return nil
}

func newLogger(dev bool) (logger.Logger, error) {
	if dev {
		return logger.NewDevelopmentLogger()
	}
	return logger.NewLogger()
}

// shiftPort is used to derive a default client-facing port from the raft
// port when --client-addr is not given: host:port -> host:port+delta.
func shiftPort(address string, delta int) string {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return address
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", port+delta))
}

func startDecayLoop(tracker *kv.AccessTracker) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(kv.DecayInterval())
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				tracker.RunDecay(now)
			}
		}
	}()
	return func() { close(stop) }
}

func serveMetrics(addr string, reg *prometheus.Registry, log logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server stopped: error = %v", err)
	}
}

// clientServer answers client.Request RPCs from client.Client, bridging
// them into raft.Raft.SubmitOperation or, for EVENTUAL reads, directly
// into the local kv.Store.
type clientServer struct {
	node   *raft.Raft
	store  *kv.Store
	logger logger.Logger

	listener net.Listener
}

func newClientServer(node *raft.Raft, store *kv.Store, log logger.Logger) *clientServer {
	return &clientServer{node: node, store: store, logger: log}
}

func (s *clientServer) start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = listener
	go s.acceptLoop()
	return nil
}

func (s *clientServer) stop() {
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *clientServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *clientServer) serve(conn net.Conn) {
	defer conn.Close()

	var request client.Request
	if err := wire.ReadFramed(conn, &request); err != nil {
		return
	}

	response := s.handle(request)
	_ = wire.WriteFramed(conn, response)
}

func (s *clientServer) handle(request client.Request) client.Response {
	status := s.node.Status()

	if request.Status {
		return client.Response{ServerID: status.ID, Status: &status}
	}

	if request.Consistency == client.EventualConsistency {
		result := s.store.Peek(request.Command.Key)
		wireResult := client.ResultToWire(result)
		return client.Response{ServerID: status.ID, Consistency: "EVENTUAL", Result: &wireResult}
	}

	timeout := time.Duration(request.TimeoutMs) * time.Millisecond
	future := s.node.SubmitOperation(mustEncode(request.Command), request.Consistency, timeout)
	opResponse := future.Await()

	if opResponse.Err != nil {
		if notLeader, ok := opResponse.Err.(raft.NotLeaderError); ok {
			return client.Response{
				ServerID:      status.ID,
				Err:           notLeader.Error(),
				NotLeaderHint: notLeader.KnownLeader,
			}
		}
		return client.Response{ServerID: status.ID, Err: opResponse.Err.Error()}
	}

	result, _ := opResponse.Response.(kv.Result)
	wireResult := client.ResultToWire(result)
	response := client.Response{
		ServerID: status.ID,
		// Report the consistency level actually observed rather than the
		// one requested: a LEASE read whose lease lapsed is served here
		// after having been transparently degraded to a linearizable read.
		Consistency: opResponse.Operation.OperationType.String(),
		Result:      &wireResult,
	}
	if opResponse.Operation.OperationType == raft.LeaseBasedReadOnly {
		response.LeaseRemainingMs = opResponse.LeaseRemainingMs
	}
	return response
}

func mustEncode(command kv.Command) []byte {
	b, err := command.Encode()
	if err != nil {
		// Command is a plain struct of strings/ints: this can only fail
		// if json.Marshal itself is broken.
		panic(err)
	}
	return b
}
