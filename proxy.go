package cm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Proxy stands in for one remote replica: the last window received from it,
// the last window sent to it, packets waiting for its window to admit their
// group, and the connection used to reach it.
type Proxy struct {
	m        *Machine
	ID       uint64
	Endpoint string

	mu       sync.Mutex
	lastRecv SlidingWindow
	lastSent SlidingWindow
	sent     bool
	acked    bool
	pending  []*CopyPacket
	inflight int
	closed   bool
	conn     Conn
	idle     chan struct{}
}

// ProxyID derives the numeric proxy id from an endpoint.
func ProxyID(endpoint string) uint64 {
	return xxhash.Sum64String(endpoint)
}

func newProxy(m *Machine, endpoint string) *Proxy {
	return &Proxy{
		m:        m,
		ID:       ProxyID(endpoint),
		Endpoint: endpoint,
		idle:     make(chan struct{}, 1),
	}
}

// Window returns the last window received from the replica.
func (p *Proxy) Window() SlidingWindow {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRecv
}

// LastSent returns the last window sent to the replica.
func (p *Proxy) LastSent() SlidingWindow {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSent
}

// Update overwrites the recorded remote window and wakes the packets parked
// on it. The caller decides that the update is newer.
func (p *Proxy) Update(sw SlidingWindow) {
	p.mu.Lock()
	p.lastRecv = sw
	woken := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, cp := range woken {
		cp.Wakeup()
	}
	if len(woken) > 0 {
		p.kick()
	}
}

// Admit reports whether the replica's window has reached the group of cp,
// that is whether the replica allocated it. Groups below the remote low end
// stay admitted. Otherwise the packet is parked until the next window update
// and the caller's action returns FSOWait. ErrClosed once the proxy is being
// torn down.
func (p *Proxy) Admit(cp *CopyPacket) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, ErrClosed
	}
	if hi := p.lastRecv.Hi; hi.IsSet() && !hi.Less(cp.AG.ID) {
		return true, nil
	}
	for _, q := range p.pending {
		if q == cp {
			return false, nil
		}
	}
	p.pending = append(p.pending, cp)
	return false, nil
}

// Pending returns the number of parked packets.
func (p *Proxy) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Track counts a delivery in flight to the replica until ch yields. The
// result is forwarded on the returned channel.
func (p *Proxy) Track(ch <-chan error) <-chan error {
	out := make(chan error, 1)
	p.mu.Lock()
	p.inflight++
	p.mu.Unlock()
	go func() {
		err := <-ch
		p.mu.Lock()
		p.inflight--
		p.mu.Unlock()
		p.kick()
		out <- err
	}()
	return out
}

// Conn returns the connection, nil when the replica was unreachable.
func (p *Proxy) Conn() Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *Proxy) kick() {
	select {
	case p.idle <- struct{}{}:
	default:
	}
}

// fence applies an inbound update only when its high end strictly exceeds
// the recorded one. It reports whether the update was applied and whether it
// was the first message from the replica.
func (p *Proxy) fence(sw SlidingWindow) (applied, first bool) {
	p.mu.Lock()
	first = !p.acked
	p.acked = true
	applied = p.lastRecv.Hi.Less(sw.Hi)
	p.mu.Unlock()
	if applied {
		p.Update(sw)
	}
	return applied, first
}

// needsSend reports whether sw advances past what the replica was told, and
// records it as sent when it does.
func (p *Proxy) needsSend(sw SlidingWindow, force bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.conn == nil {
		return false
	}
	if !force && p.sent && sw.Hi.Compare(p.lastSent.Hi) <= 0 {
		return false
	}
	p.lastSent = sw
	p.sent = true
	return true
}

func (p *Proxy) send(ctx context.Context, msg *SWUpdate) <-chan error {
	p.mu.Lock()
	c := p.conn
	p.mu.Unlock()
	return p.Track(c.Send(ctx, msg))
}

// drain waits until no packet is parked and no delivery is in flight.
func (p *Proxy) drain(ctx context.Context) error {
	for {
		p.mu.Lock()
		done := p.inflight == 0 && len(p.pending) == 0
		p.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-p.idle:
		case <-ctx.Done():
			return fmt.Errorf("drain proxy %s: %w", p.Endpoint, ctx.Err())
		}
	}
}

// abort refuses further admissions and wakes parked packets so that they
// fail.
func (p *Proxy) abort() {
	p.mu.Lock()
	p.closed = true
	woken := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, cp := range woken {
		cp.Wakeup()
	}
}

func (p *Proxy) close() error {
	p.mu.Lock()
	p.closed = true
	c := p.conn
	p.conn = nil
	p.mu.Unlock()
	if c != nil {
		return c.Close()
	}
	return nil
}

// Proxies returns the proxies ordered by id. The machine must be locked.
func (m *Machine) Proxies() []*Proxy {
	m.assertLocked()
	return append([]*Proxy(nil), m.proxies...)
}

// ProxyLocate finds the proxy for endpoint. The machine must be locked.
func (m *Machine) ProxyLocate(endpoint string) *Proxy {
	m.assertLocked()
	id := ProxyID(endpoint)
	i := sort.Search(len(m.proxies), func(i int) bool { return m.proxies[i].ID >= id })
	for ; i < len(m.proxies) && m.proxies[i].ID == id; i++ {
		if m.proxies[i].Endpoint == endpoint {
			return m.proxies[i]
		}
	}
	return nil
}

func (m *Machine) proxyAdd(p *Proxy) {
	i := sort.Search(len(m.proxies), func(i int) bool { return m.proxies[i].ID > p.ID })
	m.proxies = append(m.proxies, nil)
	copy(m.proxies[i+1:], m.proxies[i:])
	m.proxies[i] = p
}

// updateMessage builds the window update for endpoint.
func (m *Machine) updateMessage(sw SlidingWindow, endpoint string) *SWUpdate {
	if msg := m.ops.SWUpdateMessage(m, sw, endpoint); msg != nil {
		return msg
	}
	return &SWUpdate{Type: m.typ.Name, From: m.opts.Endpoint, Lo: sw.Lo, Hi: sw.Hi}
}

// broadcastLocked sends sw to every proxy whose last sent high end is below
// it, or to all of them with force. Sends do not block. The machine must be
// locked.
func (m *Machine) broadcastLocked(sw SlidingWindow, force bool) {
	for _, p := range m.proxies {
		m.sendLocked(p, sw, force)
	}
}

func (m *Machine) sendLocked(p *Proxy, sw SlidingWindow, force bool) {
	if !p.needsSend(sw, force) {
		return
	}
	msg := m.updateMessage(sw, p.Endpoint)
	ch := p.send(m.ctx, msg)
	m.stats.UpdatesSent++
	m.metrics.updates.WithLabelValues(m.typ.Name, "sent").Inc()
	go func() {
		if err := <-ch; err != nil {
			m.log.Warn("window update not delivered",
				slog.String("peer", p.Endpoint), slog.Any("err", err))
		}
	}()
}

// HandleSWUpdate applies a window update received from a replica. The update
// reaches the sender's proxy only when its high end strictly exceeds the
// recorded one. The first message from each replica counts as its ready
// acknowledgement and is answered with the local window, so a replica that
// came up late learns it without waiting for the next liveness tick.
func (m *Machine) HandleSWUpdate(msg *SWUpdate) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.Type != "" && msg.Type != m.typ.Name {
		return fmt.Errorf("window update for type %q delivered to %q", msg.Type, m.typ.Name)
	}

	m.Lock()
	defer m.Unlock()
	p := m.ProxyLocate(msg.From)
	if p == nil {
		m.log.Debug("window update from unknown replica", slog.String("peer", msg.From))
		return fmt.Errorf("%w: %s", ErrUnknownProxy, msg.From)
	}
	m.stats.UpdatesReceived++
	applied, first := p.fence(msg.Window())
	if applied {
		m.metrics.updates.WithLabelValues(m.typ.Name, "applied").Inc()
		m.log.Debug("remote window updated", slog.String("peer", msg.From), slog.String("sw", msg.Window().String()))
	} else {
		m.stats.UpdatesFenced++
		m.metrics.updates.WithLabelValues(m.typ.Name, "fenced").Inc()
	}
	if first {
		m.readyAcks++
		if m.readyAcks >= len(m.proxies) {
			m.signalReady()
		}
		if st := m.state(); st == StateReady || st == StateActive {
			m.sendLocked(p, m.savedSW, true)
		}
	}
	return nil
}
