package cm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// State is a copy machine lifecycle state.
type State int

const (
	StateInit State = iota
	StateIdle
	StatePrepare
	StateReady
	StateActive
	StateStop
	StateFail
	StateFini
)

var cmConf = smConf{
	name: "copy machine",
	states: []stateDescr{
		StateInit:    {name: "init", flags: sdfInitial, allowed: bits(int(StateIdle), int(StateFail), int(StateFini))},
		StateIdle:    {name: "idle", allowed: bits(int(StatePrepare), int(StateFail), int(StateFini))},
		StatePrepare: {name: "prepare", allowed: bits(int(StateReady), int(StateFail))},
		StateReady:   {name: "ready", allowed: bits(int(StateActive), int(StateFail), int(StateFini))},
		StateActive:  {name: "active", allowed: bits(int(StateStop), int(StateFail))},
		StateStop:    {name: "stop", allowed: bits(int(StateIdle), int(StateFail))},
		StateFail:    {name: "fail", flags: sdfFailure, allowed: bits(int(StateIdle), int(StateFini))},
		StateFini:    {name: "fini", flags: sdfTerminal},
	},
}

func (s State) String() string { return cmConf.stateName(int(s)) }

// FailureKind classifies lifecycle failures.
type FailureKind int

const (
	FailNone FailureKind = iota
	FailSetup
	FailPrepare
	FailReady
	FailStart
	FailStop
)

func (k FailureKind) String() string {
	switch k {
	case FailSetup:
		return "setup"
	case FailPrepare:
		return "prepare"
	case FailReady:
		return "ready"
	case FailStart:
		return "start"
	case FailStop:
		return "stop"
	}
	return "none"
}

// Reported reports whether failures of kind reach the Reporter. Prepare and
// ready failures are expected races and revert silently.
func (k FailureKind) Reported() bool {
	return k == FailSetup || k == FailStart || k == FailStop
}

// Machine is one copy machine instance: the lifecycle state machine, the
// group registries, the proxies of the other replicas, the pump and the
// sliding window update. All of its shared state is serialised by one lock.
type Machine struct {
	reg     *Registry
	typ     *Type
	ops     CopyMachineBehavior
	id      uint64
	opts    Options
	log     *slog.Logger
	metrics *Metrics
	exec    *Executor
	ownExec bool
	ctx     context.Context
	cancel  context.CancelFunc

	mu    sync.Mutex
	held  atomic.Bool
	sm    stateMachine
	runID uuid.UUID

	inbound     agList
	outbound    agList
	cursor      AggrGroupID
	lastSavedHi AggrGroupID
	exhausted   bool
	resume      SlidingWindow
	sw          SlidingWindow
	savedSW     SlidingWindow

	proxies     []*Proxy
	readyAcks   int
	readyCh     chan struct{}
	readyDone   bool
	completeCh  chan struct{}
	completeErr error
	completed   bool

	pump   atomic.Pointer[pump]
	swu    atomic.Pointer[swUpdate]
	live   *liveness
	cpLive int
	idle   chan struct{}

	stats Stats
}

func newMachine(reg *Registry, t *Type, opts Options) (*Machine, error) {
	if opts.Faults.Fires(FaultInit) {
		return nil, newError("init", opts.ID, FailNone, ErrInjected)
	}
	if len(opts.Endpoint) > MaxEndpointLen {
		return nil, newError("init", opts.ID, FailNone, ErrEndpointTooLong)
	}
	opts.FillDefaults()
	id := opts.ID
	if id == 0 {
		id = reg.allocID()
	}

	m := &Machine{
		reg:        reg,
		typ:        t,
		ops:        t.New(),
		id:         id,
		opts:       opts,
		metrics:    opts.Metrics,
		exec:       opts.Executor,
		readyCh:    make(chan struct{}),
		completeCh: make(chan struct{}),
		idle:       make(chan struct{}, 1),
	}
	m.log = opts.Logger.With(
		slog.String("component", "cm"),
		slog.String("type", t.Name),
		slog.Uint64("id", id))
	if m.exec == nil {
		m.exec = NewExecutor(0, opts.Logger)
		m.ownExec = true
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.sm.init(&cmConf, int(StateInit))
	return m, nil
}

func (m *Machine) ID() uint64 { return m.id }

// TypeName returns the name of the machine's type.
func (m *Machine) TypeName() string { return m.typ.Name }

func (m *Machine) Endpoint() string { return m.opts.Endpoint }

func (m *Machine) Logger() *slog.Logger { return m.log }

// Behavior returns the type behavior the machine was built with.
func (m *Machine) Behavior() CopyMachineBehavior { return m.ops }

// Lock acquires the machine lock.
func (m *Machine) Lock() {
	m.mu.Lock()
	m.held.Store(true)
}

func (m *Machine) Unlock() {
	m.held.Store(false)
	m.mu.Unlock()
}

func (m *Machine) assertLocked() {
	if !m.held.Load() {
		panic("cm: machine not locked")
	}
}

func (m *Machine) state() State { return State(m.sm.state) }

// State returns the lifecycle state.
func (m *Machine) State() State {
	m.Lock()
	defer m.Unlock()
	return m.state()
}

// RunID identifies the current operation. It changes on every Prepare.
func (m *Machine) RunID() uuid.UUID {
	m.Lock()
	defer m.Unlock()
	return m.runID
}

// Window returns the last persisted sliding window.
func (m *Machine) Window() SlidingWindow {
	m.Lock()
	defer m.Unlock()
	return m.savedSW
}

// PumpPhase returns the pump phase, or -1 when no pump runs.
func (m *Machine) PumpPhase() int {
	if p := m.pump.Load(); p != nil {
		return p.fom.Phase()
	}
	return -1
}

func (m *Machine) setState(s State) {
	from := m.state()
	m.sm.set(int(s))
	m.metrics.transitions.WithLabelValues(m.typ.Name, s.String()).Inc()
	m.log.Info("state changed", slog.String("from", from.String()), slog.String("to", s.String()))
}

func (m *Machine) mustBe(op string, states ...State) {
	cur := m.state()
	for _, s := range states {
		if cur == s {
			return
		}
	}
	panic(fmt.Sprintf("cm: %s in state %s", op, cur))
}

// Setup runs the type setup and moves INIT -> IDLE.
func (m *Machine) Setup() error {
	if m.opts.Faults.Fires(FaultSetup) {
		return newError("setup", m.id, FailSetup, ErrInjected)
	}
	m.Lock()
	defer m.Unlock()
	m.mustBe("setup", StateInit)

	err := m.ops.Setup(m)
	if m.opts.Faults.Fires(FaultSetup2) {
		err = ErrInjected
	}
	if err != nil {
		m.fail(FailSetup, err)
		return newError("setup", m.id, FailSetup, err)
	}
	m.readyCh = make(chan struct{})
	m.completeCh = make(chan struct{})
	m.setState(StateIdle)
	return nil
}

// Prepare moves IDLE -> PREPARE for a new operation and starts the sliding
// window update, which loads the persisted window or creates a fresh one.
// PrepareDone waits for that.
func (m *Machine) Prepare() error {
	m.Lock()
	defer m.Unlock()
	m.mustBe("prepare", StateIdle)

	m.setState(StatePrepare)
	m.runID = uuid.New()
	m.resetOperation()

	if err := m.ops.Prepare(m); err != nil {
		m.fail(FailPrepare, err)
		return newError("prepare", m.id, FailPrepare, err)
	}
	u := newSWUpdate(m)
	m.swu.Store(u)
	m.exec.Queue(&u.fom)
	m.log.Info("operation prepared", slog.String("run", m.runID.String()))
	return nil
}

func (m *Machine) resetOperation() {
	m.inbound = nil
	m.outbound = nil
	m.cursor = AggrGroupID{}
	m.lastSavedHi = AggrGroupID{}
	m.exhausted = false
	m.resume = SlidingWindow{}
	m.sw = SlidingWindow{}
	m.savedSW = SlidingWindow{}
	m.readyAcks = 0
	m.readyCh = make(chan struct{})
	m.readyDone = false
	m.completeCh = make(chan struct{})
	m.completeErr = nil
	m.completed = false
	m.setRegistryGauges()
}

// PrepareDone waits until the persisted window is loaded or created.
func (m *Machine) PrepareDone(ctx context.Context) error {
	u := m.swu.Load()
	if u == nil {
		return newError("prepare", m.id, FailPrepare, ErrClosed)
	}
	select {
	case <-u.loaded:
	case <-ctx.Done():
		return ctx.Err()
	}
	if u.loadErr == nil {
		return nil
	}
	m.Lock()
	defer m.Unlock()
	if m.state() == StatePrepare {
		m.fail(FailPrepare, u.loadErr)
	}
	return newError("prepare", m.id, FailPrepare, u.loadErr)
}

// Ready creates a proxy for every other replica, connecting to them on a
// best effort basis, starts the liveness task, advertises the current window
// and moves PREPARE -> READY.
func (m *Machine) Ready(ctx context.Context) error {
	m.Lock()
	m.mustBe("ready", StatePrepare)
	if u := m.swu.Load(); u == nil || !isClosed(u.loaded) || u.loadErr != nil {
		m.Unlock()
		panic("cm: ready before the sliding window was loaded")
	}
	m.Unlock()

	peers, err := m.peers(ctx)
	if err != nil {
		m.Lock()
		defer m.Unlock()
		m.fail(FailReady, err)
		return newError("ready", m.id, FailReady, err)
	}
	proxies := m.connect(ctx, peers)

	m.Lock()
	defer m.Unlock()
	if m.state() != StatePrepare {
		for _, p := range proxies {
			_ = p.close()
		}
		return newError("ready", m.id, FailReady, ErrClosed)
	}
	for _, p := range proxies {
		m.proxyAdd(p)
	}
	if len(m.proxies) == 0 {
		m.signalReady()
	}
	m.live = newLiveness(m, m.opts.LivenessInterval)
	m.exec.Queue(&m.live.fom)
	m.setState(StateReady)
	m.broadcastLocked(m.savedSW, true)
	m.wakeSWU()
	return nil
}

func (m *Machine) peers(ctx context.Context) ([]string, error) {
	if m.opts.Catalog == nil {
		return nil, nil
	}
	all, err := m.opts.Catalog.Peers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	seen := make(map[string]struct{}, len(all))
	out := make([]string, 0, len(all))
	for _, ep := range all {
		if ep == "" || ep == m.opts.Endpoint {
			continue
		}
		if len(ep) > MaxEndpointLen {
			return nil, fmt.Errorf("peer %q: %w", ep, ErrEndpointTooLong)
		}
		if _, dup := seen[ep]; dup {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out, nil
}

// connect builds one proxy per peer. An unreachable peer still gets a proxy,
// without a connection.
func (m *Machine) connect(ctx context.Context, peers []string) []*Proxy {
	proxies := make([]*Proxy, len(peers))
	var g errgroup.Group
	g.SetLimit(8)
	for i, ep := range peers {
		proxies[i] = newProxy(m, ep)
		if m.opts.Transport == nil {
			continue
		}
		p := proxies[i]
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
			defer cancel()
			c, err := m.opts.Transport.Connect(cctx, p.Endpoint)
			if err != nil {
				m.log.Warn("peer unreachable", slog.String("peer", p.Endpoint), slog.Any("err", err))
				return nil
			}
			p.conn = c
			return nil
		})
	}
	_ = g.Wait()
	return proxies
}

// WaitReady blocks until every replica acknowledged readiness by sending its
// first window update.
func (m *Machine) WaitReady(ctx context.Context) error {
	m.Lock()
	ch := m.readyCh
	m.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) signalReady() {
	if !m.readyDone {
		m.readyDone = true
		close(m.readyCh)
	}
}

// Start runs the type start and moves READY -> ACTIVE, starting the pump.
func (m *Machine) Start() error {
	m.Lock()
	defer m.Unlock()
	m.mustBe("start", StateReady)

	if err := m.ops.Start(m); err != nil {
		m.fail(FailStart, err)
		return newError("start", m.id, FailStart, err)
	}
	m.setState(StateActive)
	m.stats.StartedAt = time.Now()
	p := newPump(m)
	m.pump.Store(p)
	m.exec.Queue(&p.fom)
	m.wakeSWU()
	return nil
}

// Stop moves ACTIVE -> STOP -> IDLE: the pump stops producing packets, every
// proxy drains its parked packets and deliveries, the window update and the
// liveness task stop, then the type stop runs. The persisted window is kept
// so the operation can be resumed. When ctx ends before the drain completes,
// parked packets are failed.
func (m *Machine) Stop(ctx context.Context) error {
	m.Lock()
	m.mustBe("stop", StateActive)
	m.setState(StateStop)
	p := m.pump.Load()
	if p != nil {
		p.shutdown = true
	}
	proxies := append([]*Proxy(nil), m.proxies...)
	m.Unlock()

	if p != nil {
		p.wakeup()
	}
	for _, px := range proxies {
		if err := px.drain(ctx); err != nil {
			m.log.Warn("proxy drain interrupted", slog.Any("err", err))
			px.abort()
		}
	}
	if err := m.waitPackets(ctx); err != nil {
		m.log.Warn("packets still running after stop", slog.Any("err", err))
	}
	if p != nil {
		waitDone(ctx, p.done)
	}

	m.Lock()
	dones := m.stopTasksLocked()
	m.Unlock()
	for _, d := range dones {
		waitDone(ctx, d)
	}

	m.Lock()
	defer m.Unlock()
	m.inbound, m.outbound = nil, nil
	m.setRegistryGauges()
	if err := m.ops.Stop(m); err != nil {
		m.fail(FailStop, err)
		return newError("stop", m.id, FailStop, err)
	}
	m.setState(StateIdle)
	return nil
}

// stopTasksLocked stops the window update and liveness tasks and releases
// the proxies. It returns the channels closed once the tasks finished.
func (m *Machine) stopTasksLocked() []<-chan struct{} {
	var dones []<-chan struct{}
	if p := m.pump.Load(); p != nil {
		p.shutdown = true
		p.wakeup()
		dones = append(dones, p.done)
	}
	if u := m.swu.Load(); u != nil {
		u.stop = true
		u.wakeup()
		dones = append(dones, u.done)
	}
	if l := m.live; l != nil {
		l.stop = true
		l.wakeup()
		dones = append(dones, l.done)
		m.live = nil
	}
	for _, px := range m.proxies {
		px.abort()
		if err := px.close(); err != nil {
			m.log.Debug("proxy close", slog.String("peer", px.Endpoint), slog.Any("err", err))
		}
	}
	m.proxies = nil
	return dones
}

func (m *Machine) waitPackets(ctx context.Context) error {
	for {
		m.Lock()
		n := m.cpLive
		m.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-m.idle:
		case <-ctx.Done():
			return fmt.Errorf("%d packets: %w", n, ctx.Err())
		}
	}
}

func (m *Machine) kickIdle() {
	select {
	case m.idle <- struct{}{}:
	default:
	}
}

// fail is the single place a machine enters FAIL. Setup, start and stop
// failures are reported; every kind falls back to IDLE. The machine must be
// locked.
func (m *Machine) fail(kind FailureKind, err error) {
	m.assertLocked()
	prev := m.state()
	m.sm.move(err, int(StateFail))
	m.metrics.transitions.WithLabelValues(m.typ.Name, StateFail.String()).Inc()
	m.log.Warn("copy machine failed",
		slog.String("from", prev.String()),
		slog.String("kind", kind.String()),
		slog.Any("err", err))
	if kind.Reported() {
		m.report(kind, err)
	}
	switch prev {
	case StatePrepare, StateReady, StateActive, StateStop:
		m.stopTasksLocked()
	}
	m.sm.rc = nil
	m.setState(StateIdle)
}

// report hands a failure to the Reporter. The machine must be locked.
func (m *Machine) report(kind FailureKind, err error) {
	m.stats.Failures++
	m.metrics.failures.WithLabelValues(m.typ.Name, kind.String()).Inc()
	m.opts.Reporter.ReportFailure(fmt.Sprintf("%s/%d", m.typ.Name, m.id), kind, err)
}

// WaitComplete blocks until the operation completed and its window record
// was deleted.
func (m *Machine) WaitComplete(ctx context.Context) error {
	m.Lock()
	ch := m.completeCh
	m.Unlock()
	select {
	case <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.Lock()
	defer m.Unlock()
	return m.completeErr
}

// Run drives one operation on an IDLE machine: prepare, ready, start, wait
// for completion, stop. When ctx ends first the machine is still stopped,
// keeping its window record, and ctx's error is returned.
func (m *Machine) Run(ctx context.Context) error {
	if err := m.Prepare(); err != nil {
		return err
	}
	if err := m.PrepareDone(ctx); err != nil {
		return err
	}
	if err := m.Ready(ctx); err != nil {
		return err
	}
	if err := m.Start(); err != nil {
		return err
	}
	werr := m.WaitComplete(ctx)

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Stop(sctx); err != nil && werr == nil {
		return err
	}
	return werr
}

func (m *Machine) signalComplete(err error) {
	if m.completed {
		return
	}
	m.completed = true
	m.completeErr = err
	close(m.completeCh)
	m.log.Info("operation complete", slog.String("run", m.runID.String()), slog.Any("err", err))
}

// Fini finalises the machine from INIT, IDLE, READY or FAIL and removes it
// from its registry.
func (m *Machine) Fini() {
	m.Lock()
	m.mustBe("fini", StateInit, StateIdle, StateReady, StateFail)
	dones := m.stopTasksLocked()
	m.setState(StateFini)
	m.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, d := range dones {
		waitDone(ctx, d)
	}
	m.ops.Fini(m)
	m.cancel()
	m.reg.forget(m)
	if m.ownExec {
		m.exec.Close()
	}
}

// shutdown brings the machine to FINI from whatever state it is in.
func (m *Machine) shutdown() error {
	var err error
	switch m.State() {
	case StateFini:
		return nil
	case StateActive:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = m.Stop(ctx)
		cancel()
	case StatePrepare:
		m.Lock()
		if m.state() == StatePrepare {
			m.fail(FailPrepare, ErrClosed)
		}
		m.Unlock()
	}
	switch m.State() {
	case StateInit, StateIdle, StateReady, StateFail:
		m.Fini()
	}
	return err
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func waitDone(ctx context.Context, ch <-chan struct{}) {
	select {
	case <-ch:
	case <-ctx.Done():
	}
}
