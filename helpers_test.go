package cm

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// seqType is a copy machine type over groups ID(0,0,0,1..groups), each with
// perGroup packets. At most window groups are admitted at once.
type seqType struct {
	groups   uint64
	perGroup uint64
	window   int
	pool     *BufferPool
	release  chan error

	setupErr, prepareErr, startErr, stopErr error

	mu        sync.Mutex
	allocErr  error
	next      func(after AggrGroupID) (AggrGroupID, error)
	issued    map[AggrGroupID]uint64
	allocated []AggrGroupID
	finalized []AggrGroupID
	created   int
	freed     int
	unsub     func()
}

func newSeqType(groups, perGroup uint64, window int) *seqType {
	return &seqType{
		groups:   groups,
		perGroup: perGroup,
		window:   window,
		issued:   make(map[AggrGroupID]uint64),
	}
}

func (s *seqType) Setup(m *Machine) error {
	if s.pool != nil {
		s.unsub = s.pool.OnRelease(m.SWFill)
	}
	return s.setupErr
}

func (s *seqType) Prepare(m *Machine) error { return s.prepareErr }
func (s *seqType) Start(m *Machine) error   { return s.startErr }
func (s *seqType) Stop(m *Machine) error    { return s.stopErr }

func (s *seqType) Fini(m *Machine) {
	if s.unsub != nil {
		s.unsub()
	}
}

func (s *seqType) AllocGroup(m *Machine, id AggrGroupID, hasIncoming bool) (*AggrGroup, error) {
	s.mu.Lock()
	s.allocated = append(s.allocated, id)
	s.mu.Unlock()
	return NewAggrGroup(id, &seqGroup{s: s}, hasIncoming), nil
}

func (s *seqType) AllocPacket(m *Machine) (*CopyPacket, error) {
	s.mu.Lock()
	err := s.allocErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	cp := NewCopyPacket(&seqPacket{s: s})
	if s.pool != nil {
		b, err := s.pool.Get(0)
		if err != nil {
			return nil, err
		}
		cp.AttachBuffer(b)
	}
	return cp, nil
}

func (s *seqType) DataNext(m *Machine, cp *CopyPacket) error {
	in, _ := m.Groups()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ag := range in {
		if s.issued[ag.ID] < s.perGroup {
			s.issued[ag.ID]++
			cp.AG = ag
			s.created++
			return nil
		}
	}
	return ErrNoData
}

func (s *seqType) NextGroupID(m *Machine, after AggrGroupID) (AggrGroupID, error) {
	s.mu.Lock()
	next := s.next
	s.mu.Unlock()
	if next != nil {
		return next(after)
	}
	n := after.Lo.Lo + 1
	if n > s.groups {
		return AggrGroupID{}, ErrNoData
	}
	return ID(0, 0, 0, n), nil
}

func (s *seqType) HasSpace(m *Machine, id AggrGroupID) bool {
	return s.window <= 0 || m.GroupCount() < s.window
}

func (s *seqType) SWUpdateMessage(m *Machine, sw SlidingWindow, endpoint string) *SWUpdate {
	return nil
}

func (s *seqType) setAllocErr(err error) {
	s.mu.Lock()
	s.allocErr = err
	s.mu.Unlock()
}

func (s *seqType) counts() (created, freed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created, s.freed
}

func (s *seqType) allocatedIDs() []AggrGroupID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AggrGroupID(nil), s.allocated...)
}

func (s *seqType) finalizedIDs() []AggrGroupID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AggrGroupID(nil), s.finalized...)
}

type seqGroup struct {
	s *seqType
}

// gatedGroup refuses outbound promotion unless allow is set.
type gatedGroup struct {
	seqGroup
	allow bool
}

func (g *gatedGroup) HasOutbound(ag *AggrGroup) bool { return g.allow }

func (g *seqGroup) CanFinalize(ag *AggrGroup, cp *CopyPacket) bool {
	return ag.Freed() >= ag.LocalCPs
}

func (g *seqGroup) Finalize(ag *AggrGroup) {
	g.s.mu.Lock()
	g.s.finalized = append(g.s.finalized, ag.ID)
	g.s.mu.Unlock()
}

func (g *seqGroup) LocalCPCount(ag *AggrGroup) uint64 { return g.s.perGroup }

// seqPacket goes INIT -> XFORM -> FINI, optionally holding at INIT until a
// value arrives on the type's release channel. A non-nil value fails it.
type seqPacket struct {
	s      *seqType
	waited bool
}

func (p *seqPacket) Action(phase CPPhase) CPAction {
	switch phase {
	case CPInit:
		return p.init
	case CPXform:
		return p.xform
	}
	return nil
}

func (p *seqPacket) init(cp *CopyPacket) FOMResult {
	if p.s.release != nil {
		if !p.waited {
			p.waited = true
			cp.WaitOn(p.s.release)
			return FSOWait
		}
		fired, err := cp.WaitResult()
		if !fired {
			return FSOWait
		}
		if err != nil {
			cp.Fail(err)
			return FSOAgain
		}
	}
	cp.Next(CPXform)
	return FSOAgain
}

func (p *seqPacket) xform(cp *CopyPacket) FOMResult {
	cp.AG.AddTransformed()
	cp.Next(CPFini)
	return FSOAgain
}

func (p *seqPacket) Free(cp *CopyPacket) {
	for _, b := range cp.Buffers {
		p.s.pool.Put(b.Colour(), b)
	}
	cp.Buffers = nil
	if cp.AG == nil {
		return
	}
	p.s.mu.Lock()
	p.s.freed++
	p.s.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{
		Logger:           testLogger(),
		Metrics:          NewMetrics(prometheus.NewRegistry()),
		Reporter:         &RecordingReporter{},
		LivenessInterval: 20 * time.Millisecond,
	}
}

func newTestMachine(t *testing.T, typ CopyMachineBehavior, opts Options) *Machine {
	t.Helper()
	reg := NewRegistry(testLogger())
	require.NoError(t, reg.Register(&Type{Name: "seq", New: func() CopyMachineBehavior { return typ }}))
	m, err := reg.NewMachine("seq", opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return m
}

func reporterOf(m *Machine) *RecordingReporter {
	return m.opts.Reporter.(*RecordingReporter)
}

// runMachine drives a machine from INIT to ACTIVE.
func runMachine(t *testing.T, m *Machine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Setup())
	require.NoError(t, m.Prepare())
	require.NoError(t, m.PrepareDone(ctx))
	require.NoError(t, m.Ready(ctx))
	require.NoError(t, m.Start())
}

func waitComplete(t *testing.T, m *Machine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitComplete(ctx))
}

// localNet routes window updates between machines of one process.
type localNet struct {
	mu       sync.Mutex
	machines map[string]*Machine
}

func newLocalNet() *localNet {
	return &localNet{machines: make(map[string]*Machine)}
}

func (n *localNet) add(m *Machine) {
	n.mu.Lock()
	n.machines[m.Endpoint()] = m
	n.mu.Unlock()
}

func (n *localNet) Connect(ctx context.Context, endpoint string) (Conn, error) {
	return &localConn{n: n, to: endpoint}, nil
}

type localConn struct {
	n  *localNet
	to string
}

func (c *localConn) Send(ctx context.Context, msg *SWUpdate) <-chan error {
	ch := make(chan error, 1)
	go func() {
		c.n.mu.Lock()
		m := c.n.machines[c.to]
		c.n.mu.Unlock()
		if m == nil {
			ch <- ErrUnknownProxy
			return
		}
		ch <- m.HandleSWUpdate(msg)
	}()
	return ch
}

func (c *localConn) Close() error { return nil }

type staticCatalog []string

func (c staticCatalog) Peers(ctx context.Context) ([]string, error) { return c, nil }
