package cm

import "fmt"

const (
	sdfInitial = 1 << iota
	sdfFailure
	sdfTerminal
)

// stateDescr describes one state of a state machine: its name, flags and
// the set of states it may move to.
type stateDescr struct {
	name    string
	flags   uint8
	allowed uint64
}

type smConf struct {
	name   string
	states []stateDescr
}

// bits builds a transition mask from state numbers.
func bits(states ...int) uint64 {
	var m uint64
	for _, s := range states {
		m |= 1 << uint(s)
	}
	return m
}

func (c *smConf) allowed(from, to int) bool {
	return c.states[from].allowed&(1<<uint(to)) != 0
}

func (c *smConf) terminal(s int) bool {
	return c.states[s].flags&sdfTerminal != 0
}

func (c *smConf) stateName(s int) string {
	if s < 0 || s >= len(c.states) || c.states[s].name == "" {
		return fmt.Sprintf("%s#%d", c.name, s)
	}
	return c.states[s].name
}

// stateMachine is a transition-checked state holder. Illegal transitions are
// programming errors and panic.
type stateMachine struct {
	conf  *smConf
	state int
	rc    error
}

func (s *stateMachine) init(conf *smConf, initial int) {
	if conf.states[initial].flags&sdfInitial == 0 {
		panic(fmt.Sprintf("%s: %s is not an initial state", conf.name, conf.stateName(initial)))
	}
	s.conf = conf
	s.state = initial
	s.rc = nil
}

func (s *stateMachine) set(next int) {
	if !s.conf.allowed(s.state, next) {
		panic(fmt.Sprintf("%s: illegal transition %s -> %s",
			s.conf.name, s.conf.stateName(s.state), s.conf.stateName(next)))
	}
	s.state = next
}

// move sets rc when err is non-nil and then transitions.
func (s *stateMachine) move(err error, next int) {
	if err != nil {
		s.rc = err
	}
	s.set(next)
}
