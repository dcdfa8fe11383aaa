package cluster

import (
	"sort"
	"sync"
	"time"
)

type nodeMeta struct {
	ID   NodeID
	Addr string
}

type membership struct {
	mu    sync.RWMutex
	peers map[NodeID]*nodeMeta
	seen  map[NodeID]int64
}

// newMembership creates an empty membership view with per-node metadata and
// last-seen timestamps used for liveness.
func newMembership() *membership {
	return &membership{
		peers: make(map[NodeID]*nodeMeta),
		seen:  make(map[NodeID]int64),
	}
}

// snapshot returns a copy of the last-seen map keyed by address.
func (m *membership) snapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := make(map[string]int64, len(m.seen))
	for id, ts := range m.seen {
		if nm, ok := m.peers[id]; ok {
			s[nm.Addr] = ts
		}
	}
	return s
}

// integrate merges gossip from a peer: records the sender as seen now, learns
// the addresses it knows and keeps the freshest timestamp per node.
func (m *membership) integrate(from NodeID, addr string, peerAddrs []string, seen map[string]int64, now int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if nm, ok := m.peers[from]; !ok {
		m.peers[from] = &nodeMeta{ID: from, Addr: addr}
	} else {
		nm.Addr = addr
	}
	m.seen[from] = now

	for _, a := range peerAddrs {
		id := NodeID(a)
		if _, ok := m.peers[id]; !ok {
			m.peers[id] = &nodeMeta{ID: id, Addr: a}
		}
	}

	for k, ts := range seen {
		id := NodeID(k)
		if _, ok := m.peers[id]; !ok {
			continue
		}
		if old, ok := m.seen[id]; !ok || ts > old {
			m.seen[id] = ts
		}
	}
}

// alive returns copies of the nodes seen within suspicionAfter, ordered by
// address. integrate keeps rewriting the shared entries.
func (m *membership) alive(now int64, suspicionAfter time.Duration) []nodeMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]nodeMeta, 0, len(m.peers))
	threshold := now - suspicionAfter.Nanoseconds()
	for id, meta := range m.peers {
		if ts, ok := m.seen[id]; ok && ts >= threshold {
			out = append(out, *meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// known returns the address of every node in the view, seen or not.
func (m *membership) known() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.peers))
	for _, nm := range m.peers {
		out = append(out, nm.Addr)
	}
	sort.Strings(out)
	return out
}

// pruneTombstones removes nodes that have not been seen for tombstoneAfter.
// Nodes never seen are kept so seeds stay dialable.
func (m *membership) pruneTombstones(now int64, tombstoneAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	threshold := now - tombstoneAfter.Nanoseconds()
	for id := range m.peers {
		if ts, ok := m.seen[id]; ok && ts < threshold {
			delete(m.peers, id)
			delete(m.seen, id)
		}
	}
}

// add records a node without marking it seen.
func (m *membership) add(id NodeID, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[id]; !ok {
		m.peers[id] = &nodeMeta{ID: id, Addr: addr}
	}
}

// ensure ensures a node entry exists and bumps its seen timestamp to now.
func (m *membership) ensure(id NodeID, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[id]; !ok {
		m.peers[id] = &nodeMeta{ID: id, Addr: addr}
	}
	m.seen[id] = time.Now().UnixNano()
}
