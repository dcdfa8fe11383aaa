package cm

import (
	"log/slog"
)

// CPPhase is a phase of a copy packet.
type CPPhase int

const (
	CPInit CPPhase = iota
	CPRead
	CPWrite
	CPIOWait
	CPXform
	CPSWCheck
	CPSend
	CPSendWait
	CPRecvInit
	CPRecvWait
	CPFail
	CPFini
	cpNr
)

var cpConf = smConf{
	name: "copy packet",
	states: []stateDescr{
		CPInit: {name: "init", flags: sdfInitial,
			allowed: bits(int(CPRead), int(CPWrite), int(CPXform), int(CPSend), int(CPSWCheck))},
		CPRead:     {name: "read", allowed: bits(int(CPIOWait), int(CPFini))},
		CPWrite:    {name: "write", allowed: bits(int(CPIOWait), int(CPFini))},
		CPIOWait:   {name: "io-wait", allowed: bits(int(CPXform), int(CPSend), int(CPFini))},
		CPXform:    {name: "xform", allowed: bits(int(CPFini), int(CPWrite), int(CPSend), int(CPSWCheck))},
		CPSWCheck:  {name: "sw-check", allowed: bits(int(CPSend), int(CPFail))},
		CPSend:     {name: "send", allowed: bits(int(CPFini), int(CPRecvInit), int(CPSendWait), int(CPFail))},
		CPSendWait: {name: "send-wait", allowed: bits(int(CPFini), int(CPFail))},
		CPRecvInit: {name: "recv-init", allowed: bits(int(CPRecvWait), int(CPFail))},
		CPRecvWait: {name: "recv-wait", allowed: bits(int(CPXform), int(CPFail))},
		CPFail:     {name: "fail", flags: sdfFailure, allowed: bits(int(CPFini))},
		CPFini:     {name: "fini", flags: sdfTerminal},
	},
}

func (p CPPhase) String() string { return cpConf.stateName(int(p)) }

// IODir is the direction of the packet's data transfer.
type IODir uint8

const (
	IONone IODir = iota
	IORead
	IOWrite
)

// CopyPacket is the unit of work. It runs as a FOM through the phases its
// behavior provides actions for.
type CopyPacket struct {
	fom FOM
	m   *Machine

	AG       *AggrGroup
	Ops      CopyPacketBehavior
	Priority int
	Buffers  []*Buffer
	Bitmap   Bitmap
	Dir      IODir

	// Data is the unit of work attached by DataNext.
	Data any

	queued bool
}

// NewCopyPacket builds a packet for AllocPacket implementations.
func NewCopyPacket(ops CopyPacketBehavior) *CopyPacket {
	return &CopyPacket{Ops: ops}
}

func (cp *CopyPacket) Machine() *Machine { return cp.m }

func (cp *CopyPacket) Phase() CPPhase { return CPPhase(cp.fom.Phase()) }

// Err returns the error recorded by Fail.
func (cp *CopyPacket) Err() error { return cp.fom.Err() }

// Next moves the packet to phase.
func (cp *CopyPacket) Next(phase CPPhase) { cp.fom.SetPhase(int(phase)) }

// Fail records err and moves to FAIL, or straight to FINI from phases that
// have no failure edge.
func (cp *CopyPacket) Fail(err error) {
	next := CPFail
	if !cpConf.allowed(cp.fom.Phase(), int(CPFail)) {
		next = CPFini
	}
	cp.fom.Move(err, int(next))
}

// Wakeup resumes a suspended packet.
func (cp *CopyPacket) Wakeup() { cp.fom.Wakeup() }

// WaitOn suspends the packet until ch yields. The action returns FSOWait and
// picks up the result with WaitResult when it runs again.
func (cp *CopyPacket) WaitOn(ch <-chan error) { cp.fom.WaitOn(ch) }

func (cp *CopyPacket) WaitResult() (bool, error) { return cp.fom.WaitResult() }

// Done is closed once the packet was finalised.
func (cp *CopyPacket) Done() <-chan struct{} { return cp.fom.Done() }

// AttachBuffer appends b to the packet buffer list.
func (cp *CopyPacket) AttachBuffer(b *Buffer) { cp.Buffers = append(cp.Buffers, b) }

// Enqueue submits cp to the executor. A packet runs at most once; enqueuing
// it again panics. DataNext must have attached the packet to a group.
func (m *Machine) Enqueue(cp *CopyPacket) {
	if cp.queued {
		panic("cm: copy packet enqueued twice")
	}
	if cp.AG == nil || cp.Ops == nil {
		panic("cm: copy packet without group or behavior")
	}
	cp.queued = true
	cp.m = m
	cp.fom.init(m.exec, &cpConf, int(CPInit), cp)
	m.cpLive++
	m.stats.PacketsCreated++
	m.metrics.packets.WithLabelValues(m.typ.Name, "created").Inc()
	m.exec.Queue(&cp.fom)
}

func (cp *CopyPacket) tick(f *FOM) FOMResult {
	phase := CPPhase(f.Phase())
	if act := cp.Ops.Action(phase); act != nil {
		return act(cp)
	}
	if phase == CPFail {
		f.SetPhase(int(CPFini))
		return FSOAgain
	}
	panic("cm: copy packet has no action for phase " + phase.String())
}

func (cp *CopyPacket) fini(f *FOM) {
	m := cp.m
	failed := f.Err() != nil

	m.Lock()
	ag := cp.AG
	m.cpLive--
	if failed {
		ag.failed++
		m.stats.PacketsFailed++
		m.metrics.packets.WithLabelValues(m.typ.Name, "failed").Inc()
		m.log.Debug("copy packet failed", slog.String("ag", ag.ID.String()), slog.Any("err", f.Err()))
	} else {
		ag.freed++
		m.stats.PacketsFinished++
		m.metrics.packets.WithLabelValues(m.typ.Name, "finished").Inc()
	}
	if !ag.finalized && ag.failed == 0 && ag.Ops.CanFinalize(ag, cp) {
		m.finiAndProgress(ag)
	}
	more := m.hasMoreDataLocked()
	m.Unlock()

	cp.Ops.Free(cp)
	if more {
		m.SWFill()
	}
	m.kickIdle()
}
