package cm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

const (
	cntRun = iota
	cntWait
	cntDone
)

var counterConf = smConf{
	name: "counter",
	states: []stateDescr{
		cntRun:  {name: "run", flags: sdfInitial, allowed: bits(cntRun, cntWait, cntDone)},
		cntWait: {name: "wait", allowed: bits(cntRun, cntDone)},
		cntDone: {name: "done", flags: sdfTerminal},
	},
}

// counter ticks until it reached limit, optionally suspending on gate once.
type counter struct {
	fom    FOM
	limit  int64
	ticks  atomic.Int64
	gate   chan error
	gotErr error
	fini   atomic.Bool
}

func (c *counter) tick(f *FOM) FOMResult {
	n := c.ticks.Add(1)
	switch f.Phase() {
	case cntRun:
		if c.gate != nil && n == 1 {
			f.WaitOn(c.gate)
			f.SetPhase(cntWait)
			return FSOWait
		}
		if n >= c.limit {
			f.SetPhase(cntDone)
		}
		return FSOAgain
	case cntWait:
		ok, err := f.WaitResult()
		if !ok {
			return FSOWait
		}
		c.gotErr = err
		f.SetPhase(cntRun)
		return FSOAgain
	}
	return FSOWait
}

func (c *counter) finiFn(f *FOM) { c.fini.Store(true) }

type counterTicker struct{ c *counter }

func (t counterTicker) tick(f *FOM) FOMResult { return t.c.tick(f) }
func (t counterTicker) fini(f *FOM)           { t.c.finiFn(f) }

func newCounter(e *Executor, limit int64) *counter {
	c := &counter{limit: limit}
	c.fom.init(e, &counterConf, cntRun, counterTicker{c})
	return c
}

func TestExecutorRunsToTerminal(t *testing.T) {
	e := NewExecutor(4, testLogger())
	defer e.Close()

	cs := make([]*counter, 32)
	for i := range cs {
		cs[i] = newCounter(e, 10)
		e.Queue(&cs[i].fom)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	for i, c := range cs {
		if got := c.ticks.Load(); got != 10 {
			t.Errorf("counter %d ticked %d times, want 10", i, got)
		}
		if !c.fini.Load() {
			t.Errorf("counter %d not finalised", i)
		}
		select {
		case <-c.fom.Done():
		default:
			t.Errorf("counter %d done channel open", i)
		}
	}
}

func TestExecutorWaitOn(t *testing.T) {
	e := NewExecutor(2, testLogger())
	defer e.Close()

	c := newCounter(e, 3)
	c.gate = make(chan error, 1)
	e.Queue(&c.fom)

	time.Sleep(20 * time.Millisecond)
	if c.fom.Phase() != cntWait {
		t.Fatalf("phase = %d, want wait", c.fom.Phase())
	}
	// spurious wakeups leave it suspended
	c.fom.Wakeup()
	time.Sleep(20 * time.Millisecond)
	if c.fom.Phase() != cntWait {
		t.Fatalf("woke without the gate firing")
	}

	want := errors.New("io done")
	c.gate <- want
	select {
	case <-c.fom.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("counter never finished")
	}
	if !errors.Is(c.gotErr, want) {
		t.Errorf("wait result = %v, want %v", c.gotErr, want)
	}
}

func TestExecutorQueueTwicePanics(t *testing.T) {
	e := NewExecutor(1, testLogger())
	defer e.Close()

	c := newCounter(e, 1)
	e.Queue(&c.fom)
	defer func() {
		if recover() == nil {
			t.Error("second Queue did not panic")
		}
	}()
	e.Queue(&c.fom)
}

func TestStateMachineIllegalTransition(t *testing.T) {
	var sm stateMachine
	sm.init(&cmConf, int(StateInit))
	sm.set(int(StateIdle))
	defer func() {
		if recover() == nil {
			t.Error("IDLE -> ACTIVE did not panic")
		}
	}()
	sm.set(int(StateActive))
}
