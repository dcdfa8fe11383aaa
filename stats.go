package cm

import "time"

// Stats is a snapshot of a machine's progress counters.
type Stats struct {
	State            State
	Window           SlidingWindow
	Inbound          int
	Outbound         int
	Proxies          int
	ReadyAcks        int
	LivePackets      int
	PacketsCreated   uint64
	PacketsFinished  uint64
	PacketsFailed    uint64
	GroupsAllocated  uint64
	GroupsFinalized  uint64
	WindowsPersisted uint64
	UpdatesSent      uint64
	UpdatesReceived  uint64
	UpdatesFenced    uint64
	PumpStalls       uint64
	Failures         uint64
	StartedAt        time.Time
}

// Stats returns a snapshot taken under the machine lock.
func (m *Machine) Stats() Stats {
	m.Lock()
	defer m.Unlock()

	s := m.stats
	s.State = m.state()
	s.Window = m.savedSW
	s.Inbound = len(m.inbound)
	s.Outbound = len(m.outbound)
	s.Proxies = len(m.proxies)
	s.ReadyAcks = m.readyAcks
	s.LivePackets = m.cpLive
	return s
}
