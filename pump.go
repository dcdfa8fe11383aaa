package cm

import (
	"errors"
	"log/slog"
)

// Pump phases.
const (
	PumpAlloc = iota
	PumpDataNext
	PumpNoBufs
	PumpComplete
	PumpFail
	PumpIdle
	PumpFini
)

var pumpConf = smConf{
	name: "copy packet pump",
	states: []stateDescr{
		PumpAlloc:    {name: "alloc", flags: sdfInitial, allowed: bits(PumpDataNext, PumpFail, PumpFini)},
		PumpDataNext: {name: "data-next", allowed: bits(PumpAlloc, PumpNoBufs, PumpComplete, PumpFail)},
		PumpNoBufs:   {name: "nobufs", allowed: bits(PumpDataNext, PumpFini)},
		PumpComplete: {name: "complete", allowed: bits(PumpAlloc, PumpFini)},
		PumpFail:     {name: "fail", flags: sdfFailure, allowed: bits(PumpIdle, PumpFini)},
		PumpIdle:     {name: "idle", allowed: bits(PumpAlloc, PumpFini)},
		PumpFini:     {name: "fini", flags: sdfTerminal},
	},
}

// pump manufactures copy packets while the type has resources and data. It
// ticks with the machine locked.
type pump struct {
	fom      FOM
	m        *Machine
	cp       *CopyPacket
	rc       error
	shutdown bool
	done     chan struct{}
}

func newPump(m *Machine) *pump {
	p := &pump{m: m, done: make(chan struct{})}
	p.fom.init(m.exec, &pumpConf, PumpAlloc, p)
	return p
}

func (p *pump) tick(f *FOM) FOMResult {
	m := p.m
	m.Lock()
	defer m.Unlock()

	switch f.Phase() {
	case PumpAlloc:
		return p.alloc(f)
	case PumpDataNext:
		return p.dataNext(f)
	case PumpNoBufs:
		if p.shutdown {
			p.release()
			f.SetPhase(PumpFini)
			return FSOWait
		}
		f.SetPhase(PumpDataNext)
		return FSOAgain
	case PumpComplete, PumpIdle:
		if p.shutdown {
			f.SetPhase(PumpFini)
			return FSOWait
		}
		p.rc = nil
		f.SetPhase(PumpAlloc)
		return FSOAgain
	case PumpFail:
		return p.fail(f)
	}
	panic("cm: pump ticked in terminal phase")
}

func (p *pump) alloc(f *FOM) FOMResult {
	m := p.m
	if p.shutdown {
		f.SetPhase(PumpFini)
		return FSOWait
	}
	cp, err := m.ops.AllocPacket(m)
	if err == nil && cp == nil {
		err = ErrNoBuffers
	}
	if err != nil {
		p.rc = err
		f.Move(err, PumpFail)
		return FSOAgain
	}
	p.cp = cp
	f.SetPhase(PumpDataNext)
	return FSOAgain
}

func (p *pump) dataNext(f *FOM) FOMResult {
	m := p.m
	cp := p.cp
	err := m.dataNext(cp)
	switch {
	case err == nil:
		p.cp = nil
		p.rc = nil
		m.Enqueue(cp)
		f.SetPhase(PumpAlloc)
		return FSOAgain
	case errors.Is(err, ErrNoBuffers):
		p.rc = err
		m.stats.PumpStalls++
		m.metrics.pumpStalls.WithLabelValues(m.typ.Name).Inc()
		f.SetPhase(PumpNoBufs)
		return FSOWait
	case errors.Is(err, ErrNoData):
		p.release()
		p.rc = err
		if m.isComplete() {
			m.wakeSWU()
		}
		f.SetPhase(PumpComplete)
		return FSOWait
	default:
		p.release()
		p.rc = err
		f.Move(err, PumpFail)
		return FSOAgain
	}
}

// fail parks the pump on a soft condition such as exhaustion and escalates
// anything else to the machine as a start failure.
func (p *pump) fail(f *FOM) FOMResult {
	m := p.m
	err := p.rc
	if IsSoft(err) {
		m.stats.PumpStalls++
		m.metrics.pumpStalls.WithLabelValues(m.typ.Name).Inc()
		m.report(FailStart, err)
		if p.shutdown {
			f.SetPhase(PumpFini)
		} else {
			f.SetPhase(PumpIdle)
		}
		return FSOWait
	}
	m.log.Error("copy packet pump failed", slog.Any("err", err))
	if m.state() == StateActive {
		m.fail(FailStart, err)
	}
	f.SetPhase(PumpFini)
	return FSOWait
}

// release frees a packet that was allocated but never enqueued.
func (p *pump) release() {
	if p.cp == nil {
		return
	}
	cp := p.cp
	p.cp = nil
	cp.Ops.Free(cp)
}

func (p *pump) fini(f *FOM) {
	m := p.m
	m.pump.CompareAndSwap(p, nil)
	close(p.done)
}

func (p *pump) wakeup() { p.fom.Wakeup() }

// dataNext asks the type for the next unit of work. On success the packet is
// attached to a group. The machine must be locked.
func (m *Machine) dataNext(cp *CopyPacket) error {
	m.assertLocked()
	err := m.ops.DataNext(m, cp)
	if err == nil && cp.AG == nil {
		panic("cm: DataNext succeeded without attaching a group")
	}
	return err
}

// HasMoreData reports whether the pump has not yet run out of input.
func (m *Machine) HasMoreData() bool {
	m.Lock()
	defer m.Unlock()
	return m.hasMoreDataLocked()
}

func (m *Machine) hasMoreDataLocked() bool {
	p := m.pump.Load()
	if p == nil {
		return false
	}
	return !errors.Is(p.rc, ErrNoData)
}

// SWFill wakes the pump so it retries allocation and looks for new work. It
// does not take the machine lock and may be called from any context.
func (m *Machine) SWFill() {
	if p := m.pump.Load(); p != nil {
		p.wakeup()
	}
}
