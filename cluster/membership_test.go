package cluster

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMembershipIntegrateAlivePrune(t *testing.T) {
	m := newMembership()
	now := time.Now().UnixNano()

	// integrate gossip from A, referencing B as known peer.
	m.integrate(NodeID("A"), "A", []string{"B"}, map[string]int64{"B": now}, now)

	al := m.alive(now, 1*time.Second)
	if len(al) != 2 || al[0].Addr != "A" || al[1].Addr != "B" {
		t.Fatalf("alive: %+v", al)
	}

	// an older observation must not roll B back.
	m.integrate(NodeID("A"), "A", nil, map[string]int64{"B": now - int64(time.Hour)}, now)
	if got := m.snapshot()["B"]; got != now {
		t.Fatalf("seen regressed: %d", got)
	}

	// make B stale and prune tombstones.
	m.mu.Lock()
	m.seen[NodeID("B")] = now - int64(10*time.Second)
	m.mu.Unlock()
	m.pruneTombstones(now, 5*time.Second)

	m.mu.RLock()
	_, okB := m.peers[NodeID("B")]
	m.mu.RUnlock()
	if okB {
		t.Fatalf("expected B to be pruned")
	}
}

func TestMembershipUnseenSeedsStay(t *testing.T) {
	m := newMembership()
	m.add(NodeID("seed"), "seed")
	now := time.Now().UnixNano()

	if al := m.alive(now, time.Second); len(al) != 0 {
		t.Fatalf("unseen seed reported alive: %+v", al)
	}
	m.pruneTombstones(now, time.Nanosecond)
	if k := m.known(); len(k) != 1 || k[0] != "seed" {
		t.Fatalf("seed pruned: %v", k)
	}

	m.ensure(NodeID("seed"), "seed")
	if al := m.alive(time.Now().UnixNano(), time.Second); len(al) != 1 {
		t.Fatalf("seed not alive after contact")
	}
}

func TestMembershipAliveCopiesEntries(t *testing.T) {
	m := newMembership()
	now := time.Now().UnixNano()
	m.integrate(NodeID("A"), "A", nil, nil, now)

	al := m.alive(now, time.Second)
	if len(al) != 1 {
		t.Fatalf("alive: %+v", al)
	}

	// gossip rewriting the address while a reader walks the result
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			m.integrate(NodeID("A"), fmt.Sprintf("A-%d", i), nil, nil, now)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			for _, nm := range m.alive(now, time.Second) {
				_ = len(nm.Addr)
			}
		}
	}()
	wg.Wait()

	if al[0].Addr != "A" {
		t.Fatalf("earlier result changed: %+v", al[0])
	}
}
