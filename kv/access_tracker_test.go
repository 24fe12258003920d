package kv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAccessTrackerCountsWithinWindows(t *testing.T) {
	tracker := NewAccessTracker()
	now := time.Now()

	tracker.RecordAccess("k", now.Add(-30*time.Minute))
	tracker.RecordAccess("k", now.Add(-2*time.Hour))
	tracker.RecordAccess("k", now.Add(-36*time.Hour))

	tracker.RunDecay(now)

	stats := tracker.Get("k")
	require.Equal(t, 1, stats.AccessCountHour)
	require.Equal(t, 2, stats.AccessCountDay)
}

func TestAccessTrackerForget(t *testing.T) {
	tracker := NewAccessTracker()
	now := time.Now()
	tracker.RecordAccess("k", now)
	tracker.RunDecay(now)

	require.Equal(t, 1, tracker.Get("k").AccessCountHour)

	tracker.Forget("k")
	require.Equal(t, Stats{}, tracker.Get("k"))
}

func TestAccessTrackerUnknownKey(t *testing.T) {
	tracker := NewAccessTracker()
	require.Equal(t, Stats{}, tracker.Get("missing"))
}
