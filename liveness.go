package cm

import (
	"time"

	"golang.org/x/time/rate"
)

const (
	liveWait = iota
	liveSend
	liveFini
)

var liveConf = smConf{
	name: "liveness",
	states: []stateDescr{
		liveWait: {name: "wait", flags: sdfInitial, allowed: bits(liveSend, liveFini)},
		liveSend: {name: "send", allowed: bits(liveWait, liveFini)},
		liveFini: {name: "fini", flags: sdfTerminal},
	},
}

// liveness re-advertises the persisted window to every replica at a bounded
// rate, so a replica that lost an update or restarted catches up. Fencing
// makes the duplicates harmless.
type liveness struct {
	fom   FOM
	m     *Machine
	lim   *rate.Limiter
	armed bool
	stop  bool
	done  chan struct{}
}

func newLiveness(m *Machine, every time.Duration) *liveness {
	l := &liveness{
		m:    m,
		lim:  rate.NewLimiter(rate.Every(every), 1),
		done: make(chan struct{}),
	}
	l.lim.Allow()
	l.fom.init(m.exec, &liveConf, liveWait, l)
	return l
}

func (l *liveness) tick(f *FOM) FOMResult {
	m := l.m
	m.Lock()
	defer m.Unlock()

	if l.stop {
		f.SetPhase(liveFini)
		return FSOWait
	}
	switch f.Phase() {
	case liveWait:
		if fired, _ := f.WaitResult(); fired {
			l.armed = false
			f.SetPhase(liveSend)
			return FSOAgain
		}
		if !l.armed {
			l.armed = true
			f.WaitOn(after(l.lim.Reserve().Delay()))
		}
		return FSOWait
	case liveSend:
		if st := m.state(); st == StateReady || st == StateActive {
			m.broadcastLocked(m.savedSW, true)
		}
		f.SetPhase(liveWait)
		return FSOAgain
	}
	panic("cm: liveness ticked in terminal phase")
}

func (l *liveness) fini(f *FOM) { close(l.done) }

func (l *liveness) wakeup() { l.fom.Wakeup() }

// after yields once d elapsed.
func after(d time.Duration) <-chan error {
	ch := make(chan error, 1)
	time.AfterFunc(d, func() { ch <- nil })
	return ch
}
