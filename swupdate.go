package cm

import (
	"errors"
	"fmt"
	"log/slog"
)

// Sliding window update phases.
const (
	SWUStoreInit = iota
	SWUStoreInitWait
	SWUUpdate
	SWUStore
	SWUStoreWait
	SWUComplete
	SWUCompleteWait
	SWUFini
)

var swuConf = smConf{
	name: "sliding window update",
	states: []stateDescr{
		SWUStoreInit:     {name: "store-init", flags: sdfInitial, allowed: bits(SWUStoreInitWait, SWUUpdate, SWUFini)},
		SWUStoreInitWait: {name: "store-init-wait", allowed: bits(SWUUpdate, SWUFini)},
		SWUUpdate:        {name: "update", allowed: bits(SWUStore, SWUComplete, SWUFini)},
		SWUStore:         {name: "store", allowed: bits(SWUStoreWait, SWUFini)},
		SWUStoreWait:     {name: "store-wait", allowed: bits(SWUUpdate, SWUFini)},
		SWUComplete:      {name: "complete", allowed: bits(SWUCompleteWait, SWUFini)},
		SWUCompleteWait:  {name: "complete-wait", allowed: bits(SWUFini)},
		SWUFini:          {name: "fini", flags: sdfTerminal},
	},
}

// swUpdate loads or creates the persisted window, then advances the window,
// persists every change and only after the commit tells the peers. When the
// operation is complete it deletes the record.
type swUpdate struct {
	fom  FOM
	m    *Machine
	stop bool

	pending SlidingWindow
	loaded  chan struct{}
	loadErr error
	done    chan struct{}
}

func newSWUpdate(m *Machine) *swUpdate {
	u := &swUpdate{
		m:      m,
		loaded: make(chan struct{}),
		done:   make(chan struct{}),
	}
	u.fom.init(m.exec, &swuConf, SWUStoreInit, u)
	return u
}

func (u *swUpdate) tick(f *FOM) FOMResult {
	m := u.m
	m.Lock()
	defer m.Unlock()

	switch f.Phase() {
	case SWUStoreInit:
		return u.storeInit(f)
	case SWUStoreInitWait:
		return u.storeInitWait(f)
	case SWUUpdate:
		return u.update(f)
	case SWUStore:
		return u.store(f)
	case SWUStoreWait:
		return u.storeWait(f)
	case SWUComplete:
		return u.complete(f)
	case SWUCompleteWait:
		return u.completeWait(f)
	}
	panic("cm: window update ticked in terminal phase")
}

func (u *swUpdate) storeInit(f *FOM) FOMResult {
	m := u.m
	tx, err := m.opts.Store.Begin(true)
	if err != nil {
		return u.initDone(f, err)
	}
	sw, err := swGet(tx, m.id)
	switch {
	case err == nil:
		tx.Discard()
		m.sw = sw
		m.savedSW = sw
		m.resume = sw
		m.log.Info("sliding window recovered", slog.String("sw", sw.String()))
		return u.initDone(f, nil)
	case errors.Is(err, ErrNoRecord):
		if err := swInit(tx, m.id); err != nil {
			tx.Discard()
			return u.initDone(f, err)
		}
		f.WaitOn(tx.Commit())
		f.SetPhase(SWUStoreInitWait)
		return FSOWait
	default:
		tx.Discard()
		return u.initDone(f, err)
	}
}

func (u *swUpdate) storeInitWait(f *FOM) FOMResult {
	ok, err := f.WaitResult()
	if !ok {
		return FSOWait
	}
	return u.initDone(f, err)
}

func (u *swUpdate) initDone(f *FOM, err error) FOMResult {
	if err != nil {
		u.loadErr = fmt.Errorf("load sliding window: %w", err)
		close(u.loaded)
		f.Move(err, SWUFini)
		return FSOWait
	}
	close(u.loaded)
	f.SetPhase(SWUUpdate)
	return FSOAgain
}

func (u *swUpdate) update(f *FOM) FOMResult {
	m := u.m
	if u.stop {
		f.SetPhase(SWUFini)
		return FSOWait
	}
	st := m.state()
	if st != StateReady && st != StateActive {
		return FSOWait
	}
	if st == StateActive {
		added, err := m.advance()
		if err != nil {
			m.log.Error("sliding window advance failed", slog.Any("err", err))
			m.fail(FailStart, err)
			f.Move(err, SWUFini)
			return FSOWait
		}
		if m.isComplete() && m.cpLive == 0 {
			f.SetPhase(SWUComplete)
			return FSOAgain
		}
		if added > 0 {
			m.SWFill()
		}
	}
	sw := m.windowLocked()
	if sw == m.savedSW {
		return FSOWait
	}
	tx, err := m.opts.Store.Begin(true)
	if err != nil {
		return u.storeFailed(f, err)
	}
	u.pending = sw
	f.SetPhase(SWUStore)
	return u.storeTx(f, tx)
}

func (u *swUpdate) store(f *FOM) FOMResult {
	tx, err := u.m.opts.Store.Begin(true)
	if err != nil {
		return u.storeFailed(f, err)
	}
	return u.storeTx(f, tx)
}

func (u *swUpdate) storeTx(f *FOM, tx Txn) FOMResult {
	if err := swStore(tx, u.m.id, u.pending); err != nil {
		tx.Discard()
		return u.storeFailed(f, err)
	}
	f.WaitOn(tx.Commit())
	f.SetPhase(SWUStoreWait)
	return FSOWait
}

func (u *swUpdate) storeWait(f *FOM) FOMResult {
	m := u.m
	ok, err := f.WaitResult()
	if !ok {
		return FSOWait
	}
	if err != nil {
		return u.storeFailed(f, err)
	}
	m.savedSW = u.pending
	m.stats.WindowsPersisted++
	m.metrics.windows.WithLabelValues(m.typ.Name).Inc()
	m.log.Debug("sliding window persisted", slog.String("sw", u.pending.String()))
	m.broadcastLocked(u.pending, false)
	f.SetPhase(SWUUpdate)
	return FSOAgain
}

func (u *swUpdate) storeFailed(f *FOM, err error) FOMResult {
	m := u.m
	err = fmt.Errorf("persist sliding window: %w", err)
	m.log.Error("sliding window store failed", slog.Any("err", err))
	if m.state() == StateActive {
		m.fail(FailStart, err)
	}
	f.Move(err, SWUFini)
	return FSOWait
}

func (u *swUpdate) complete(f *FOM) FOMResult {
	m := u.m
	tx, err := m.opts.Store.Begin(true)
	if err == nil {
		if err = swComplete(tx, m.id); err != nil {
			tx.Discard()
		}
	}
	if err != nil {
		m.signalComplete(fmt.Errorf("delete sliding window: %w", err))
		f.Move(err, SWUFini)
		return FSOWait
	}
	f.WaitOn(tx.Commit())
	f.SetPhase(SWUCompleteWait)
	return FSOWait
}

func (u *swUpdate) completeWait(f *FOM) FOMResult {
	ok, err := f.WaitResult()
	if !ok {
		return FSOWait
	}
	if err != nil {
		err = fmt.Errorf("delete sliding window: %w", err)
	}
	u.m.signalComplete(err)
	f.Move(err, SWUFini)
	return FSOWait
}

func (u *swUpdate) fini(f *FOM) {
	u.m.swu.CompareAndSwap(u, nil)
	close(u.done)
}

func (u *swUpdate) wakeup() { u.fom.Wakeup() }

// wakeSWU nudges the window update to re-evaluate the window.
func (m *Machine) wakeSWU() {
	if u := m.swu.Load(); u != nil {
		u.wakeup()
	}
}

// windowLocked computes the local candidate window from the inbound
// registry. It never moves below the previous window. The machine must be
// locked.
func (m *Machine) windowLocked() SlidingWindow {
	sw := m.sw
	if lo := m.GroupLo(); lo != nil {
		sw.Lo = maxID(sw.Lo, lo.ID)
	}
	if hi := m.GroupHi(); hi != nil {
		sw.Hi = maxID(sw.Hi, hi.ID)
	}
	if sw.Hi.Less(sw.Lo) {
		sw.Hi = sw.Lo
	}
	m.sw = sw
	return sw
}
