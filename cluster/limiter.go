package cluster

import (
	"sync"

	"golang.org/x/time/rate"
)

// peerLimiter bounds inbound window updates per sending replica. A nil
// limiter allows everything.
type peerLimiter struct {
	mu    sync.Mutex
	qps   rate.Limit
	burst int
	peers map[string]*rate.Limiter
}

func newPeerLimiter(qps, burst int) *peerLimiter {
	if qps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = qps
	}
	return &peerLimiter{
		qps:   rate.Limit(qps),
		burst: burst,
		peers: make(map[string]*rate.Limiter),
	}
}

// Allow consumes a token from peer's bucket; returns false when rate-limited.
func (l *peerLimiter) Allow(peer string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.peers[peer]
	if !ok {
		lim = rate.NewLimiter(l.qps, l.burst)
		l.peers[peer] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// forget drops the buckets of peers no longer in the membership.
func (l *peerLimiter) forget(keep func(peer string) bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for p := range l.peers {
		if !keep(p) {
			delete(l.peers, p)
		}
	}
}
