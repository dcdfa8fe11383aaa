package cm

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
)

// AggrGroup is a batch of restructuring work sharing one id. It lives in the
// inbound registry when it has incoming packets and in the outbound registry
// when it has outgoing ones. A group may be linked into both.
type AggrGroup struct {
	m   *Machine
	ID  AggrGroupID
	Ops AggrGroupBehavior

	// LocalCPs and GlobalCPs are the expected packet counts.
	LocalCPs  uint64
	GlobalCPs uint64

	HasIncoming bool

	transformed atomic.Uint64
	freed       uint64
	failed      uint64
	inIn        bool
	inOut       bool
	finalized   bool
}

// NewAggrGroup builds a group for AllocGroup implementations.
func NewAggrGroup(id AggrGroupID, ops AggrGroupBehavior, hasIncoming bool) *AggrGroup {
	return &AggrGroup{ID: id, Ops: ops, HasIncoming: hasIncoming}
}

func (ag *AggrGroup) Machine() *Machine { return ag.m }

// AddTransformed counts one packet merged into the group result. Safe to call
// from packet actions.
func (ag *AggrGroup) AddTransformed() uint64 { return ag.transformed.Add(1) }

func (ag *AggrGroup) Transformed() uint64 { return ag.transformed.Load() }

// Freed returns the number of packets of the group that reached FINI without
// an error. The machine must be locked.
func (ag *AggrGroup) Freed() uint64 { return ag.freed }

// Failed returns the number of packets of the group that reached FINI through
// FAIL. A group with failed packets must not be finalized. The machine must be
// locked.
func (ag *AggrGroup) Failed() uint64 { return ag.failed }

// Finalized reports whether the group completed. The machine must be locked.
func (ag *AggrGroup) Finalized() bool { return ag.finalized }

// InInbound and InOutbound report registry linkage. The machine must be
// locked.
func (ag *AggrGroup) InInbound() bool  { return ag.inIn }
func (ag *AggrGroup) InOutbound() bool { return ag.inOut }

// agList is a registry sorted ascending by id.
type agList []*AggrGroup

func (l agList) search(id AggrGroupID) (int, bool) {
	i := sort.Search(len(l), func(i int) bool { return l[i].ID.Compare(id) >= 0 })
	return i, i < len(l) && l[i].ID.Compare(id) == 0
}

func (l agList) find(id AggrGroupID) *AggrGroup {
	if i, ok := l.search(id); ok {
		return l[i]
	}
	return nil
}

func (l *agList) insert(ag *AggrGroup) {
	i, ok := l.search(ag.ID)
	if ok {
		panic(fmt.Sprintf("cm: group %s linked twice", ag.ID))
	}
	*l = append(*l, nil)
	copy((*l)[i+1:], (*l)[i:])
	(*l)[i] = ag
}

func (l *agList) remove(id AggrGroupID) {
	i, ok := l.search(id)
	if !ok {
		return
	}
	copy((*l)[i:], (*l)[i+1:])
	(*l)[len(*l)-1] = nil
	*l = (*l)[:len(*l)-1]
}

// GroupLocate finds group id. With hasIncoming false a miss in the outbound
// registry falls back to the inbound one; a group found there is promoted
// into the outbound registry unless its OutboundChecker says otherwise.
// The machine must be locked.
func (m *Machine) GroupLocate(id AggrGroupID, hasIncoming bool) *AggrGroup {
	m.assertLocked()
	if hasIncoming {
		return m.inbound.find(id)
	}
	if ag := m.outbound.find(id); ag != nil {
		return ag
	}
	ag := m.inbound.find(id)
	if ag != nil && !ag.inOut && promote(ag) {
		m.outbound.insert(ag)
		ag.inOut = true
		m.metrics.registrySize.WithLabelValues(m.typ.Name, "outbound").Set(float64(len(m.outbound)))
	}
	return ag
}

func promote(ag *AggrGroup) bool {
	if oc, ok := ag.Ops.(OutboundChecker); ok {
		return oc.HasOutbound(ag)
	}
	return true
}

// GroupAlloc constructs group id through the type and registers it. The
// machine must be locked.
func (m *Machine) GroupAlloc(id AggrGroupID, hasIncoming bool) (*AggrGroup, error) {
	m.assertLocked()
	if !id.IsSet() {
		return nil, fmt.Errorf("allocate group: unset id")
	}
	if m.inbound.find(id) != nil || m.outbound.find(id) != nil {
		return nil, fmt.Errorf("allocate group %s: already registered", id)
	}
	ag, err := m.ops.AllocGroup(m, id, hasIncoming)
	if err != nil {
		return nil, err
	}
	if ag == nil || ag.Ops == nil {
		return nil, fmt.Errorf("allocate group %s: type returned no group", id)
	}
	ag.m = m
	ag.ID = id
	ag.HasIncoming = hasIncoming
	if ag.LocalCPs == 0 {
		ag.LocalCPs = ag.Ops.LocalCPCount(ag)
	}
	m.groupAdd(ag)
	m.stats.GroupsAllocated++
	m.metrics.groups.WithLabelValues(m.typ.Name, "allocated").Inc()
	return ag, nil
}

func (m *Machine) groupAdd(ag *AggrGroup) {
	if ag.HasIncoming {
		m.inbound.insert(ag)
		ag.inIn = true
	} else {
		m.outbound.insert(ag)
		ag.inOut = true
	}
	m.setRegistryGauges()
}

func (m *Machine) setRegistryGauges() {
	m.metrics.registrySize.WithLabelValues(m.typ.Name, "inbound").Set(float64(len(m.inbound)))
	m.metrics.registrySize.WithLabelValues(m.typ.Name, "outbound").Set(float64(len(m.outbound)))
}

// GroupHi returns the inbound group with the greatest id, or nil. The machine
// must be locked.
func (m *Machine) GroupHi() *AggrGroup {
	m.assertLocked()
	if len(m.inbound) == 0 {
		return nil
	}
	return m.inbound[len(m.inbound)-1]
}

// GroupLo returns the inbound group with the least id, or nil. The machine
// must be locked.
func (m *Machine) GroupLo() *AggrGroup {
	m.assertLocked()
	if len(m.inbound) == 0 {
		return nil
	}
	return m.inbound[0]
}

// Groups returns a copy of both registries in order. The machine must be
// locked.
func (m *Machine) Groups() (inbound, outbound []*AggrGroup) {
	m.assertLocked()
	return append([]*AggrGroup(nil), m.inbound...), append([]*AggrGroup(nil), m.outbound...)
}

// GroupCount returns the number of distinct registered groups. The machine
// must be locked.
func (m *Machine) GroupCount() int {
	m.assertLocked()
	n := len(m.inbound)
	for _, ag := range m.outbound {
		if !ag.inIn {
			n++
		}
	}
	return n
}

// advance registers every new group the type reports until it runs out of
// space or groups. It never yields an id at or below the last finalised one.
// Returns the number of groups added.
func (m *Machine) advance() (int, error) {
	after := maxID(m.cursor, m.lastSavedHi)
	if hi := m.GroupHi(); hi != nil {
		after = maxID(after, hi.ID)
	}

	added := 0
	if m.resume.IsSet() {
		// a recovered window is redone from its low end
		lo := m.resume.Lo
		m.resume = SlidingWindow{}
		if lo.IsSet() && lo.Compare(after) > 0 && m.ops.HasSpace(m, lo) {
			if _, err := m.GroupAlloc(lo, true); err != nil {
				return added, err
			}
			added++
			after = lo
			m.cursor = lo
		}
	}

	for {
		id, err := m.ops.NextGroupID(m, after)
		switch {
		case errors.Is(err, ErrNoData):
			m.exhausted = true
			return added, nil
		case errors.Is(err, ErrNoSpace):
			return added, nil
		case err != nil:
			return added, err
		}
		if id.Compare(after) <= 0 || id.Compare(m.lastSavedHi) <= 0 {
			return added, fmt.Errorf("%w: %s after %s", ErrNonMonotonic, id, after)
		}
		if !m.ops.HasSpace(m, id) {
			return added, nil
		}
		if _, err := m.GroupAlloc(id, true); err != nil {
			return added, err
		}
		added++
		after = id
		m.cursor = id
		m.log.Debug("group admitted", slog.String("ag", id.String()))
	}
}

// finiAndProgress unlinks a completed group, finalises it through the type
// and wakes the window update. The machine must be locked.
func (m *Machine) finiAndProgress(ag *AggrGroup) {
	m.assertLocked()
	if ag.finalized {
		return
	}
	ag.finalized = true
	if ag.inIn {
		m.inbound.remove(ag.ID)
		ag.inIn = false
	}
	if ag.inOut {
		m.outbound.remove(ag.ID)
		ag.inOut = false
	}
	ag.Ops.Finalize(ag)
	m.lastSavedHi = maxID(m.lastSavedHi, ag.ID)
	m.stats.GroupsFinalized++
	m.metrics.groups.WithLabelValues(m.typ.Name, "finalized").Inc()
	m.setRegistryGauges()
	m.log.Debug("group finalized", slog.String("ag", ag.ID.String()))

	m.wakeSWU()
}

// isComplete reports whether every group finished and the type has no
// further ones. The machine must be locked.
func (m *Machine) isComplete() bool {
	return m.exhausted && len(m.inbound) == 0 && len(m.outbound) == 0
}
