package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/raftcache/raftcache/internal/logger"
)

const (
	mlRequestTimeout = 2 * time.Second
	mlHealthTimeout  = 500 * time.Millisecond
)

// mlFeatureRow is a single key's feature vector, matching the ML service's
// /predict request schema.
type mlFeatureRow struct {
	Key             string `json:"key"`
	AccessCount     uint64 `json:"access_count"`
	LastAccessMs    int64  `json:"last_access_ms"`
	AccessCountHour int    `json:"access_count_hour"`
	AccessCountDay  int    `json:"access_count_day"`
	AvgIntervalMs   int64  `json:"avg_interval_ms"`
}

type mlPredictRequest struct {
	Keys        []mlFeatureRow `json:"keys"`
	CurrentTime int64          `json:"currentTime"`
}

type mlPrediction struct {
	Key             string  `json:"key"`
	Probability     float64 `json:"probability"`
	WillBeAccessed  bool    `json:"willBeAccessed"`
}

type mlPredictResponse struct {
	Predictions []mlPrediction `json:"predictions"`
}

// MLEvictionPolicy consults an external ML prediction service to rank keys
// by re-access probability, falling back to LRU whenever the service is
// unavailable or returns an error. Feature rows are sourced from an
// AccessTracker and the policy's own per-key access bookkeeping, both
// updated by RecordAccess.
type MLEvictionPolicy struct {
	mu sync.Mutex

	endpoint string
	client   *http.Client
	tracker  *AccessTracker
	fallback *LRUEvictionPolicy
	logger   logger.Logger

	// lastAccessAt, accessCount, and firstSeen are populated directly by
	// RecordAccess below and read back when building feature rows for the
	// prediction request.
	lastAccessAt map[string]time.Time
	accessCount  map[string]uint64
	firstSeen    map[string]time.Time
}

// NewMLEvictionPolicy creates an MLEvictionPolicy that POSTs feature rows
// to endpoint + "/predict" and falls back to capacity-sized LRU on failure.
func NewMLEvictionPolicy(endpoint string, tracker *AccessTracker, capacity int, log logger.Logger) *MLEvictionPolicy {
	return &MLEvictionPolicy{
		endpoint:     endpoint,
		client:       &http.Client{Timeout: mlRequestTimeout},
		tracker:      tracker,
		fallback:     NewLRUEvictionPolicy(capacity),
		logger:       log,
		lastAccessAt: make(map[string]time.Time),
		accessCount:  make(map[string]uint64),
		firstSeen:    make(map[string]time.Time),
	}
}

func (p *MLEvictionPolicy) RecordAccess(key string) {
	p.fallback.RecordAccess(key)

	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if _, ok := p.firstSeen[key]; !ok {
		p.firstSeen[key] = now
	}
	p.lastAccessAt[key] = now
	p.accessCount[key]++
	p.tracker.RecordAccess(key, now)
}

// Healthy reports whether the ML service answers GET /health within a
// short timeout. Callers may use this to decide whether to even attempt a
// prediction round, though SelectVictims already falls back on its own.
func (p *MLEvictionPolicy) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, mlHealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (p *MLEvictionPolicy) SelectVictims(currentKeys []string, count int) []string {
	predictions, err := p.predict(currentKeys)
	if err != nil {
		if p.logger != nil {
			p.logger.Warnf("ml eviction policy unavailable, falling back to lru: error = %v", err)
		}
		return p.fallback.SelectVictims(currentKeys, count)
	}

	sort.Slice(predictions, func(i, j int) bool {
		return predictions[i].Probability < predictions[j].Probability
	})

	if count > len(predictions) {
		count = len(predictions)
	}

	victims := make([]string, 0, count)
	for i := 0; i < count; i++ {
		victims = append(victims, predictions[i].Key)
	}
	return victims
}

func (p *MLEvictionPolicy) predict(currentKeys []string) ([]mlPrediction, error) {
	now := time.Now()

	p.mu.Lock()
	rows := make([]mlFeatureRow, 0, len(currentKeys))
	for _, key := range currentKeys {
		stats := p.tracker.Get(key)
		accessCount := p.accessCount[key]
		lastAccess := p.lastAccessAt[key]
		firstSeen := p.firstSeen[key]

		var avgIntervalMs int64
		if accessCount > 1 && !firstSeen.IsZero() {
			avgIntervalMs = lastAccess.Sub(firstSeen).Milliseconds() / int64(accessCount-1)
		}

		rows = append(rows, mlFeatureRow{
			Key:             key,
			AccessCount:     accessCount,
			LastAccessMs:    now.Sub(lastAccess).Milliseconds(),
			AccessCountHour: stats.AccessCountHour,
			AccessCountDay:  stats.AccessCountDay,
			AvgIntervalMs:   avgIntervalMs,
		})
	}
	p.mu.Unlock()

	body, err := json.Marshal(mlPredictRequest{Keys: rows, CurrentTime: now.UnixMilli()})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), mlRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errStatus(resp.StatusCode)
	}

	var parsed mlPredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	return parsed.Predictions, nil
}

func (p *MLEvictionPolicy) Name() string {
	return "ml"
}

type errStatus int

func (e errStatus) Error() string {
	return "ml service returned non-200 status"
}
