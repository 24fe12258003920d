// Package util provides small generic helpers shared across raftcache,
// mirroring the teacher's internal/util package.
package util

import (
	"math/rand"
	"time"

	"golang.org/x/exp/constraints"
)

// Min returns the smaller of a and b.
func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// RandomTimeout returns a duration chosen uniformly at random from
// [min, max). If max <= min it returns min rather than panicking, so
// callers can pass option-derived bounds without re-validating them.
func RandomTimeout(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	delta := int64(max - min)
	return min + time.Duration(rand.Int63n(delta))
}

// Quorum returns the number of members required to form a majority of a
// cluster of the given size.
func Quorum(clusterSize int) int {
	return clusterSize/2 + 1
}
