package kv

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMLEvictionPolicyUsesPredictions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request mlPredictRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&request))

		response := mlPredictResponse{}
		for _, row := range request.Keys {
			probability := 0.9
			if row.Key == "cold" {
				probability = 0.1
			}
			response.Predictions = append(response.Predictions, mlPrediction{
				Key:         row.Key,
				Probability: probability,
			})
		}
		require.NoError(t, json.NewEncoder(w).Encode(response))
	}))
	defer server.Close()

	tracker := NewAccessTracker()
	policy := NewMLEvictionPolicy(server.URL, tracker, 10, nil)
	policy.RecordAccess("hot")
	policy.RecordAccess("cold")

	victims := policy.SelectVictims([]string{"hot", "cold"}, 1)
	require.Equal(t, []string{"cold"}, victims)
}

func TestMLEvictionPolicyFallsBackToLRUOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	tracker := NewAccessTracker()
	policy := NewMLEvictionPolicy(server.URL, tracker, 10, nil)
	policy.RecordAccess("a")
	policy.RecordAccess("b")

	victims := policy.SelectVictims([]string{"a", "b"}, 1)
	require.Equal(t, []string{"a"}, victims)
}

func TestMLEvictionPolicyHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	tracker := NewAccessTracker()
	policy := NewMLEvictionPolicy(server.URL, tracker, 10, nil)
	require.True(t, policy.Healthy(context.Background()))
}
