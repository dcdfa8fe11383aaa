package cluster

import "github.com/cespare/xxhash/v2"

// Owner returns the node that owns key under rendezvous (highest random
// weight) hashing, or "" when nodes is empty. Removing a node only moves the
// keys it owned.
func Owner(key string, nodes []string) string {
	kh := xxhash.Sum64String(key)
	var (
		best  string
		bestS uint64
	)
	for i, n := range nodes {
		s := mix64(kh ^ xxhash.Sum64String(n))
		if i == 0 || s > bestS || (s == bestS && n < best) {
			best, bestS = n, s
		}
	}
	return best
}

// Owns reports whether self owns key among nodes. With no nodes every key
// is owned locally.
func Owns(self, key string, nodes []string) bool {
	if len(nodes) == 0 {
		return true
	}
	return Owner(key, nodes) == self
}

// mix64: fast 64-bit mixer (SplitMix64 finalizer).
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
