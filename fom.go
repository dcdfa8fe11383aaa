package cm

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
)

// FOMResult is returned by a phase action.
type FOMResult int

const (
	// FSOAgain asks the executor to run the next phase right away.
	FSOAgain FOMResult = iota
	// FSOWait suspends the FOM until it is woken up.
	FSOWait
)

type fomState uint8

const (
	fomInit fomState = iota
	fomQueued
	fomRunning
	fomWaiting
	fomDone
)

// ticker is implemented by everything driven as a FOM (copy packets, the
// pump, the sliding window update).
type ticker interface {
	tick(f *FOM) FOMResult
	fini(f *FOM)
}

// FOM is a cooperatively scheduled state machine. One tick runs the action of
// the current phase on an executor worker and either continues or suspends.
// A FOM is never ticked by two workers at once.
type FOM struct {
	exec *Executor
	t    ticker

	mu       sync.Mutex
	sm       stateMachine
	state    fomState
	wake     bool
	waitSeq  uint64
	waitDone bool
	waitErr  error
	done     chan struct{}
}

func (f *FOM) init(e *Executor, conf *smConf, initial int, t ticker) {
	f.exec = e
	f.t = t
	f.sm.init(conf, initial)
	f.state = fomInit
	f.wake = false
	f.waitDone = false
	f.waitErr = nil
	f.done = make(chan struct{})
}

// Phase returns the current phase.
func (f *FOM) Phase() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sm.state
}

// Err returns the error recorded by the last failing move.
func (f *FOM) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sm.rc
}

// SetPhase moves to phase. Panics on a transition the phase table forbids.
func (f *FOM) SetPhase(phase int) {
	f.mu.Lock()
	f.sm.set(phase)
	f.mu.Unlock()
}

// Move records err (when non-nil) and moves to phase.
func (f *FOM) Move(err error, phase int) {
	f.mu.Lock()
	f.sm.move(err, phase)
	f.mu.Unlock()
}

// Done is closed after the FOM reached its terminal phase and was finalised.
func (f *FOM) Done() <-chan struct{} { return f.done }

// Wakeup resumes a suspended FOM. A wakeup that races with a running tick is
// remembered and applied when that tick suspends.
func (f *FOM) Wakeup() {
	f.mu.Lock()
	switch f.state {
	case fomWaiting:
		f.state = fomQueued
		f.mu.Unlock()
		f.exec.push(f)
		return
	case fomRunning:
		f.wake = true
	}
	f.mu.Unlock()
}

// WaitOn arranges for the FOM to be woken once ch yields. The result is
// collected with WaitResult. The caller returns FSOWait.
func (f *FOM) WaitOn(ch <-chan error) {
	f.mu.Lock()
	f.waitSeq++
	seq := f.waitSeq
	f.waitDone = false
	f.waitErr = nil
	f.mu.Unlock()

	go func() {
		err := <-ch
		f.mu.Lock()
		if f.waitSeq == seq {
			f.waitDone = true
			f.waitErr = err
		}
		f.mu.Unlock()
		f.Wakeup()
	}()
}

// WaitResult reports whether the channel registered with WaitOn has fired,
// and its value. The result is consumed.
func (f *FOM) WaitResult() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.waitDone {
		return false, nil
	}
	f.waitDone = false
	return true, f.waitErr
}

func (f *FOM) terminal() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sm.conf.terminal(f.sm.state)
}

// Executor is the shared worker pool that ticks FOMs. There is no goroutine
// per machine, group or packet.
type Executor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*FOM
	closed  bool
	workers sync.WaitGroup
	live    sync.WaitGroup
	log     *slog.Logger
}

// NewExecutor starts workers goroutines (GOMAXPROCS when workers <= 0).
func NewExecutor(workers int, logger *slog.Logger) *Executor {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{log: logger.With(slog.String("component", "executor"))}
	e.cond = sync.NewCond(&e.mu)
	e.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e
}

// Queue submits a freshly initialised FOM.
func (e *Executor) Queue(f *FOM) {
	f.mu.Lock()
	if f.state != fomInit {
		f.mu.Unlock()
		panic("cm: FOM queued twice")
	}
	f.state = fomQueued
	f.mu.Unlock()
	e.live.Add(1)
	e.push(f)
}

func (e *Executor) push(f *FOM) {
	e.mu.Lock()
	e.queue = append(e.queue, f)
	e.mu.Unlock()
	e.cond.Signal()
}

func (e *Executor) worker() {
	defer e.workers.Done()
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		f := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()
		e.run(f)
	}
}

func (e *Executor) run(f *FOM) {
	f.mu.Lock()
	f.state = fomRunning
	f.wake = false
	f.mu.Unlock()

	res := f.t.tick(f)
	if f.terminal() {
		f.mu.Lock()
		f.state = fomDone
		f.mu.Unlock()
		f.t.fini(f)
		close(f.done)
		e.live.Done()
		return
	}

	f.mu.Lock()
	if res == FSOAgain || f.wake {
		// requeue instead of looping so one busy FOM cannot starve the rest
		f.wake = false
		f.state = fomQueued
		f.mu.Unlock()
		e.push(f)
		return
	}
	f.state = fomWaiting
	f.mu.Unlock()
}

// Drain waits until every queued FOM has finished or ctx is done.
func (e *Executor) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the workers once the run queue is empty. FOMs still suspended
// are abandoned.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.cond.Broadcast()
	e.workers.Wait()
}
